package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernelsrc"
	"github.com/notargets/KernelDispatch/session"
	"github.com/notargets/KernelDispatch/utils"
)

// openSession is replaced in tests to run against a custom host library
var openSession = utils.OpenSession

// target is an open session with one selected device, its context and an
// in-order queue
type target struct {
	s      *session.Session
	scope  *session.Scope
	closer func() error
	log    *slog.Logger

	driver string
	dev    session.DeviceID
	info   driver.DeviceInfo
	ctx    session.ContextID
	queue  session.QueueID
}

func openTarget(log *slog.Logger, driverName, deviceType string) (*target, error) {
	typ, err := driver.ParseDeviceType(deviceType)
	if err != nil {
		return nil, err
	}
	s, closer, err := openSession(driverName, session.WithLogger(log))
	if err != nil {
		return nil, err
	}
	t := &target{s: s, scope: session.NewScope(s), closer: closer, log: log, driver: driverName}
	if err := t.init(typ); err != nil {
		_ = t.close(context.Background())
		return nil, err
	}
	return t, nil
}

func (t *target) init(typ driver.DeviceType) error {
	var err error
	if t.dev, err = t.s.SelectDevice(session.Criteria{Type: typ}); err != nil {
		return err
	}
	if t.info, err = t.s.DeviceInfo(t.dev); err != nil {
		return err
	}
	if t.ctx, err = t.s.CreateContext(t.dev); err != nil {
		return err
	}
	t.scope.Track(t.ctx)
	if t.queue, err = t.s.CreateQueue(t.ctx, t.dev, session.InOrder); err != nil {
		return err
	}
	t.scope.Track(t.queue)
	t.log.Info("device selected", "device", t.info.Name, "vendor", t.info.Vendor, "type", t.info.Type.String())
	return nil
}

// build loads and builds source, logging the compiler output when the
// build fails, and returns the named kernel
func (t *target) build(name, source, kernel string) (session.KernelID, error) {
	prog, err := t.s.LoadNamedSource(t.ctx, name, source)
	if err != nil {
		return 0, err
	}
	t.scope.Track(prog)
	if _, err := t.s.Build(prog, nil, ""); err != nil {
		var berr *session.BuildError
		if errors.As(err, &berr) {
			t.log.Warn("build failed", "program", name, "log", berr.Log())
		}
		return 0, err
	}
	k, err := t.s.Kernel(prog, kernel)
	if err != nil {
		return 0, err
	}
	t.scope.Track(k)
	return k, nil
}

func (t *target) allocate(size int, mode session.AccessMode, init []byte) (session.BufferID, error) {
	b, err := t.s.Allocate(t.ctx, size, mode, init)
	if err != nil {
		return 0, err
	}
	t.scope.Track(b)
	return b, nil
}

// close releases everything the target created once in-flight commands
// drain. If ctx ends first the session is left open, since closing it
// would block on the commands still running.
func (t *target) close(ctx context.Context) error {
	err := t.scope.CloseContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		t.log.Warn("abandoning session with commands in flight", "driver", t.driver, "device", t.info.Name)
		return nil
	}
	if cerr := t.closer(); err == nil {
		err = cerr
	}
	return err
}

// ramp returns n elements 0, 1, ..., n-1 of the parameter's element type
func ramp(p kernelsrc.Param, n int) ([]byte, error) {
	switch p.Type {
	case kernelsrc.TypeDouble:
		b, v := hostmem.Alloc[float64](n)
		for i := range v {
			v[i] = float64(i)
		}
		return b, nil
	case kernelsrc.TypeFloat:
		b, v := hostmem.Alloc[float32](n)
		for i := range v {
			v[i] = float32(i)
		}
		return b, nil
	case kernelsrc.TypeInt, kernelsrc.TypeUInt:
		b, v := hostmem.Alloc[int32](n)
		for i := range v {
			v[i] = int32(i)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("parameter '%s %s' has no host element type", p.TypeName(), p.Name)
	}
}

// element decodes element i of a buffer of the parameter's type
func element(p kernelsrc.Param, raw []byte, i int) (float64, error) {
	switch p.Type {
	case kernelsrc.TypeDouble:
		return hostmem.MustView[float64](raw)[i], nil
	case kernelsrc.TypeFloat:
		return float64(hostmem.MustView[float32](raw)[i]), nil
	case kernelsrc.TypeInt:
		return float64(hostmem.MustView[int32](raw)[i]), nil
	case kernelsrc.TypeUInt:
		return float64(hostmem.MustView[uint32](raw)[i]), nil
	default:
		return 0, fmt.Errorf("parameter '%s %s' has no host element type", p.TypeName(), p.Name)
	}
}
