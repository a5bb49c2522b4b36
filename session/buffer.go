package session

import (
	"fmt"

	"github.com/notargets/KernelDispatch/driver"
)

// AccessMode is how kernels may access a buffer
type AccessMode = driver.AccessMode

const (
	ReadWrite = driver.ReadWrite
	ReadOnly  = driver.ReadOnly
	WriteOnly = driver.WriteOnly
)

// BufferInfo describes a buffer
type BufferInfo struct {
	Size    int
	Mode    AccessMode
	Context ContextID
}

type bufferObj struct {
	id   BufferID
	ctx  *contextObj
	size int
	mode AccessMode
	mem  driver.Memory

	// refs holds every command that touches the buffer, writers those that
	// modify it; both are pruned as commands finish
	refs    []*event
	writers []*event
}

func (b *bufferObj) track(ev *event, writes bool) {
	b.refs = append(pruneTerminal(b.refs), ev)
	if writes {
		b.writers = append(pruneTerminal(b.writers), ev)
	}
}

func pruneTerminal(evs []*event) []*event {
	out := evs[:0]
	for _, ev := range evs {
		if !ev.Status().Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

// Allocate creates a buffer of size bytes. A non-nil hostInit is copied in
// and must be exactly size bytes long.
func (s *Session) Allocate(ctxID ContextID, size int, mode AccessMode, hostInit []byte) (BufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.context(ctxID)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("buffer size %d: %w", size, ErrSizeMismatch)
	}
	if hostInit != nil && len(hostInit) != size {
		return 0, fmt.Errorf("host data is %d bytes, buffer is %d: %w", len(hostInit), size, ErrSizeMismatch)
	}

	mem, err := c.drv.Alloc(size, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %d bytes: %w", size, execError("Allocate", err))
	}
	if hostInit != nil {
		if err := mem.Write(0, 0, hostInit); err != nil {
			_ = mem.Release()
			return 0, fmt.Errorf("failed to copy host data: %w", execError("Allocate", err))
		}
	}
	b := &bufferObj{ctx: c, size: size, mode: mode, mem: mem}
	b.id = BufferID(s.buffers.add(b))
	c.buffers++
	s.log.Debug("buffer allocated", "buffer", b.id.String(), "size", size, "mode", mode.String())
	return b.id, nil
}

// BufferInfo describes a buffer
func (s *Session) BufferInfo(id BufferID) (BufferInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.buffer(id)
	if err != nil {
		return BufferInfo{}, err
	}
	return BufferInfo{Size: b.size, Mode: b.mode, Context: b.ctx.id}, nil
}

func (s *Session) buffer(id BufferID) (*bufferObj, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b, l := s.buffers.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return b, nil
}

// queueBuffer resolves a queue and a buffer of the same context
func (s *Session) queueBuffer(qid QueueID, bid BufferID) (*queueObj, *bufferObj, error) {
	q, err := s.queue(qid)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.buffer(bid)
	if err != nil {
		return nil, nil, err
	}
	if b.ctx != q.ctx {
		return nil, nil, fmt.Errorf("%s is in %s, %s is in %s: %w", bid, b.ctx.id, qid, q.ctx.id, ErrContextMismatch)
	}
	return q, b, nil
}

// EnqueueRead copies the buffer into dst, which must hold at least the
// buffer's size. The read also waits for every pending command that writes
// the buffer. A blocking read returns once dst is filled, with the
// command's error if it failed.
func (s *Session) EnqueueRead(qid QueueID, bid BufferID, dst []byte, blocking bool, waitList ...EventID) (EventID, error) {
	s.mu.Lock()
	q, b, err := s.queueBuffer(qid, bid)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if len(dst) < b.size {
		s.mu.Unlock()
		return 0, fmt.Errorf("destination is %d bytes, %s is %d: %w", len(dst), bid, b.size, ErrSizeMismatch)
	}
	deps, err := s.resolveEvents(q.ctx, waitList)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	deps = append(deps, pruneTerminal(append([]*event(nil), b.writers...))...)

	mem, dev := b.mem, q.devIndex
	ev := s.submit(q, "read "+bid.String(), deps, func() error {
		return mem.Read(dev, 0, dst[:b.size])
	})
	b.track(ev, false)
	s.mu.Unlock()

	return s.completeBlocking(ev, blocking)
}

// EnqueueWrite copies src, which must be exactly the buffer's size, into
// the buffer. src is captured at enqueue time.
func (s *Session) EnqueueWrite(qid QueueID, bid BufferID, src []byte, blocking bool, waitList ...EventID) (EventID, error) {
	s.mu.Lock()
	q, b, err := s.queueBuffer(qid, bid)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if len(src) != b.size {
		s.mu.Unlock()
		return 0, fmt.Errorf("source is %d bytes, %s is %d: %w", len(src), bid, b.size, ErrSizeMismatch)
	}
	deps, err := s.resolveEvents(q.ctx, waitList)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}

	data := append([]byte(nil), src...)
	mem, dev := b.mem, q.devIndex
	ev := s.submit(q, "write "+bid.String(), deps, func() error {
		return mem.Write(dev, 0, data)
	})
	b.track(ev, true)
	s.mu.Unlock()

	return s.completeBlocking(ev, blocking)
}

// EnqueueCopy copies one buffer into another of equal size in the same
// context
func (s *Session) EnqueueCopy(qid QueueID, src, dst BufferID, waitList ...EventID) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, sb, err := s.queueBuffer(qid, src)
	if err != nil {
		return 0, err
	}
	_, db, err := s.queueBuffer(qid, dst)
	if err != nil {
		return 0, err
	}
	if sb.size != db.size {
		return 0, fmt.Errorf("%s is %d bytes, %s is %d: %w", src, sb.size, dst, db.size, ErrSizeMismatch)
	}
	deps, err := s.resolveEvents(q.ctx, waitList)
	if err != nil {
		return 0, err
	}
	deps = append(deps, pruneTerminal(append([]*event(nil), sb.writers...))...)

	from, to, dev, n := sb.mem, db.mem, q.devIndex, sb.size
	ev := s.submit(q, "copy "+src.String()+" to "+dst.String(), deps, func() error {
		if c, ok := from.(driver.Copier); ok {
			return c.CopyTo(dev, to, 0, 0, n)
		}
		staging := make([]byte, n)
		if err := from.Read(dev, 0, staging); err != nil {
			return err
		}
		return to.Write(dev, 0, staging)
	})
	sb.track(ev, false)
	db.track(ev, true)
	return ev.id, nil
}

func (s *Session) completeBlocking(ev *event, blocking bool) (EventID, error) {
	if !blocking {
		return ev.id, nil
	}
	<-ev.done
	if st, err := ev.result(); st == Failed {
		return ev.id, err
	}
	return ev.id, nil
}

func (s *Session) releaseBuffer(id BufferID, b *bufferObj) error {
	b.refs = pruneTerminal(b.refs)
	if len(b.refs) > 0 {
		return fmt.Errorf("%s is used by %d pending commands: %w", id, len(b.refs), ErrResourceInUse)
	}
	err := b.mem.Release()
	b.ctx.buffers--
	s.buffers.remove(handle(id))
	s.log.Debug("buffer released", "buffer", id.String())
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}
