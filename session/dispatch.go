package session

import (
	"fmt"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

type argument struct {
	bound  bool
	kind   kernelsrc.Kind
	buffer *bufferObj
	bufID  BufferID
	value  []byte
	size   int
}

type kernelObj struct {
	id   KernelID
	prog *programObj
	decl kernelsrc.Kernel
	drv  driver.Kernel
	args []argument

	// launches not yet known to be terminal
	inflight []*event
}

// KernelParams returns the declared parameters of a kernel
func (s *Session) KernelParams(id KernelID) ([]kernelsrc.Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.kernel(id)
	if err != nil {
		return nil, err
	}
	return append([]kernelsrc.Param(nil), k.decl.Params...), nil
}

// Configure binds kernel arguments. Either every binding applies or, on
// error, none does.
func (s *Session) Configure(id KernelID, bindings ...Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.kernel(id)
	if err != nil {
		return err
	}
	staged := make([]argument, len(bindings))
	for i, b := range bindings {
		arg, err := s.resolveBinding(k, b)
		if err != nil {
			return fmt.Errorf("failed to bind %s of kernel %s: %w", b, k.decl.Name, err)
		}
		staged[i] = arg
	}
	for i, b := range bindings {
		k.args[b.Index] = staged[i]
	}
	return nil
}

// SetArg binds a single kernel argument
func (s *Session) SetArg(id KernelID, b Binding) error {
	return s.Configure(id, b)
}

func (s *Session) resolveBinding(k *kernelObj, b Binding) (argument, error) {
	params := k.decl.Params
	if b.Index < 0 || b.Index >= len(params) {
		return argument{}, fmt.Errorf("kernel takes %d arguments: %w", len(params), ErrArgumentIndex)
	}
	p := params[b.Index]
	if b.kind != p.Kind() {
		return argument{}, fmt.Errorf("parameter '%s' is %s, got %s: %w", p.Name, p.Kind(), b.kind, ErrArgumentType)
	}
	arg := argument{bound: true, kind: b.kind}
	switch b.kind {
	case kernelsrc.KindBuffer:
		buf, err := s.buffer(b.buffer)
		if err != nil {
			return argument{}, err
		}
		if buf.ctx != k.prog.ctx {
			return argument{}, fmt.Errorf("%s is in %s, kernel is in %s: %w", b.buffer, buf.ctx.id, k.prog.ctx.id, ErrContextMismatch)
		}
		arg.buffer, arg.bufID = buf, b.buffer
	case kernelsrc.KindScalar:
		if b.raw != nil {
			if size := p.ValueSize(); size > 0 && len(b.raw) != size {
				return argument{}, fmt.Errorf("%d bytes for parameter '%s %s' of %d: %w", len(b.raw), p.TypeName(), p.Name, size, ErrArgumentType)
			}
			arg.value = b.raw
			break
		}
		v, err := encodeScalar(p, b.value)
		if err != nil {
			return argument{}, fmt.Errorf("%v: %w", err, ErrArgumentType)
		}
		arg.value = v
	case kernelsrc.KindLocal:
		if b.size <= 0 {
			return argument{}, fmt.Errorf("local size %d: %w", b.size, ErrArgumentType)
		}
		arg.size = b.size
	}
	return arg, nil
}

// Enqueue launches a kernel over r once the wait list completes. Argument
// values are captured now, so later Configure calls do not affect this
// launch.
func (s *Session) Enqueue(qid QueueID, kid KernelID, r Range, waitList ...EventID) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(qid)
	if err != nil {
		return 0, err
	}
	k, err := s.kernel(kid)
	if err != nil {
		return 0, err
	}
	if k.prog.ctx != q.ctx {
		return 0, fmt.Errorf("%s is in %s, %s is in %s: %w", kid, k.prog.ctx.id, qid, q.ctx.id, ErrContextMismatch)
	}
	if b := k.prog.status[q.device]; b.Status != BuildSuccess {
		return 0, fmt.Errorf("%s for %s: %w", k.prog.id, q.device, k.prog.notBuilt())
	}

	launch := driver.Launch{Device: q.devIndex, Args: make([]driver.Arg, len(k.args))}
	var touched []*bufferObj
	var writes []bool
	for i, a := range k.args {
		p := k.decl.Params[i]
		if !a.bound {
			return 0, fmt.Errorf("argument %d '%s' of kernel %s: %w", i, p.Name, k.decl.Name, ErrUnboundArgument)
		}
		switch a.kind {
		case kernelsrc.KindBuffer:
			if _, l := s.buffers.get(handle(a.bufID)); l != found {
				return 0, fmt.Errorf("argument %d '%s' of kernel %s: %w", i, p.Name, k.decl.Name, lookupError(a.bufID, l))
			}
			launch.Args[i] = driver.Arg{Kind: a.kind, Memory: a.buffer.mem}
			touched = append(touched, a.buffer)
			writes = append(writes, !p.Const && a.buffer.mode != ReadOnly)
		case kernelsrc.KindScalar:
			launch.Args[i] = driver.Arg{Kind: a.kind, Value: a.value}
		case kernelsrc.KindLocal:
			launch.Args[i] = driver.Arg{Kind: a.kind, Size: a.size}
		}
	}

	if err := s.checkRange(q, r, &launch); err != nil {
		return 0, fmt.Errorf("kernel %s %s: %w", k.decl.Name, r, err)
	}
	deps, err := s.resolveEvents(q.ctx, waitList)
	if err != nil {
		return 0, err
	}

	dk := k.drv
	ev := s.submit(q, "kernel "+k.decl.Name, deps, func() error {
		return dk.Launch(launch)
	})
	for i, b := range touched {
		b.track(ev, writes[i])
	}
	k.inflight = append(pruneTerminal(k.inflight), ev)
	s.log.Debug("kernel enqueued", "event", ev.id.String(), "kernel", k.decl.Name, "range", r.String())
	return ev.id, nil
}

// checkRange validates r against the queue's device and fills the launch
// geometry
func (s *Session) checkRange(q *queueObj, r Range, l *driver.Launch) error {
	dims := len(r.Global)
	if dims < 1 || dims > 3 {
		return fmt.Errorf("%d dimensions: %w", dims, ErrInvalidWorkSize)
	}
	if len(r.Offset) > 0 && len(r.Offset) != dims {
		return fmt.Errorf("offset has %d dimensions, global has %d: %w", len(r.Offset), dims, ErrInvalidWorkSize)
	}
	l.Dims = dims
	for d, g := range r.Global {
		if g <= 0 {
			return fmt.Errorf("global size %d in dimension %d: %w", g, d, ErrInvalidWorkSize)
		}
		l.Global[d] = g
	}
	for d, o := range r.Offset {
		if o < 0 {
			return fmt.Errorf("offset %d in dimension %d: %w", o, d, ErrInvalidWorkSize)
		}
		l.Offset[d] = o
	}
	if len(r.Local) == 0 {
		return nil
	}

	if len(r.Local) != dims {
		return fmt.Errorf("local has %d dimensions, global has %d: %w", len(r.Local), dims, ErrInvalidWorkGroupSize)
	}
	info := q.ctx.infos[q.devIndex]
	product := 1
	for d, lsz := range r.Local {
		if lsz <= 0 {
			return fmt.Errorf("local size %d in dimension %d: %w", lsz, d, ErrInvalidWorkGroupSize)
		}
		if r.Global[d]%lsz != 0 {
			return fmt.Errorf("global size %d is not divisible by local size %d in dimension %d: %w",
				r.Global[d], lsz, d, ErrInvalidWorkGroupSize)
		}
		if max := info.MaxWorkItemSizes[d]; max > 0 && lsz > max {
			return fmt.Errorf("local size %d exceeds the device's %d in dimension %d: %w", lsz, max, d, ErrInvalidWorkGroupSize)
		}
		product *= lsz
		l.Local[d] = lsz
	}
	if info.MaxWorkGroupSize > 0 && product > info.MaxWorkGroupSize {
		return fmt.Errorf("work-group of %d items exceeds the device maximum %d: %w", product, info.MaxWorkGroupSize, ErrInvalidWorkGroupSize)
	}
	return nil
}

func (s *Session) kernel(id KernelID) (*kernelObj, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	k, l := s.kernels.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return k, nil
}

func (s *Session) releaseKernel(id KernelID, k *kernelObj) error {
	k.inflight = pruneTerminal(k.inflight)
	if len(k.inflight) > 0 {
		return fmt.Errorf("%s has %d launches in flight: %w", id, len(k.inflight), ErrResourceInUse)
	}
	err := k.drv.Release()
	k.prog.kernels--
	s.kernels.remove(handle(id))
	s.log.Debug("kernel released", "kernel", id.String())
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}
