package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/driver/host"
	"github.com/notargets/KernelDispatch/hostmem"
)

const copySource = `
__kernel void helloworld(__global const double* in, __global double* out)
{
	int num = get_global_id(0);
	out[num] = in[num];
}
`

// testKernels declares the test-only host kernels registered by newLibrary
const testKernels = `
__kernel void gate(__global int* out, const int id)
{
	out[0] = id;
}

__kernel void stamp(__global int* out, const int id)
{
	out[0] = id;
}

__kernel void fault(const int code) {}
`

// gate blocks launches of the gate kernel until opened
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

// recorder logs the order in which kernels ran
type recorder struct {
	mu  sync.Mutex
	ids []int32
}

func (r *recorder) add(id int32) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) take() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ids
	r.ids = nil
	return out
}

type fixture struct {
	s    *Session
	drv  *host.Driver
	gate *gate
	rec  *recorder
}

func newLibrary(g *gate, rec *recorder) *host.Library {
	lib := host.DefaultLibrary()
	lib.MustRegister("gate", "__global int* out, const int id", func(wg *host.WorkGroup) error {
		<-g.ch
		rec.add(wg.Int32(1))
		return nil
	})
	lib.MustRegister("stamp", "__global int* out, const int id", func(wg *host.WorkGroup) error {
		rec.add(wg.Int32(1))
		return nil
	})
	return lib
}

func newFixture(t *testing.T, platforms ...host.PlatformConfig) *fixture {
	t.Helper()
	f := &fixture{gate: newGate(), rec: &recorder{}}
	cfg := host.DefaultConfig()
	if len(platforms) > 0 {
		cfg.Platforms = platforms
	}
	cfg.Library = newLibrary(f.gate, f.rec)
	f.drv = host.New(cfg)
	f.s = New(f.drv)
	t.Cleanup(func() {
		f.s.Close()
		f.drv.Close()
	})
	// runs before the session closes
	t.Cleanup(f.gate.open)
	return f
}

// open returns a context and an out-of-order queue on the first device
func (f *fixture) open(t *testing.T, ordering Ordering) (ContextID, DeviceID, QueueID) {
	t.Helper()
	dev, err := f.s.SelectDevice(Criteria{})
	require.NoError(t, err)
	ctx, err := f.s.CreateContext(dev)
	require.NoError(t, err)
	q, err := f.s.CreateQueue(ctx, dev, ordering)
	require.NoError(t, err)
	return ctx, dev, q
}

func (f *fixture) build(t *testing.T, ctx ContextID, src string) ProgramID {
	t.Helper()
	p, err := f.s.LoadNamedSource(ctx, "test.cl", src)
	require.NoError(t, err)
	_, err = f.s.Build(p, nil, "")
	require.NoError(t, err)
	return p
}

func (f *fixture) kernel(t *testing.T, ctx ContextID, src, name string) KernelID {
	t.Helper()
	k, err := f.s.Kernel(f.build(t, ctx, src), name)
	require.NoError(t, err)
	return k
}

func TestEndToEndCopy(t *testing.T) {
	const n = 512000
	f := newFixture(t)
	ctx, _, q := f.open(t, InOrder)

	in := make([]float64, n)
	for i := range in {
		in[i] = float64(i)
	}
	bin, err := f.s.Allocate(ctx, n*8, ReadOnly, hostmem.Bytes(in))
	require.NoError(t, err)
	bout, err := f.s.Allocate(ctx, n*8, WriteOnly, nil)
	require.NoError(t, err)

	k := f.kernel(t, ctx, copySource, "helloworld")
	require.NoError(t, f.s.Configure(k, Buffer(0, bin), Buffer(1, bout)))

	ev, err := f.s.Enqueue(q, k, Global(n).WithLocal(1000))
	require.NoError(t, err)

	raw, out := hostmem.Alloc[float64](n)
	_, err = f.s.EnqueueRead(q, bout, raw, true, ev)
	require.NoError(t, err)

	st, err := f.s.Status(ev)
	require.NoError(t, err)
	assert.Equal(t, Completed, st)
	assert.Equal(t, 511999.0, out[n-1])
	for i := range out {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestWorkGroupValidation(t *testing.T) {
	const n = 512000
	f := newFixture(t)
	ctx, _, q := f.open(t, InOrder)
	bin, err := f.s.Allocate(ctx, n*8, ReadWrite, nil)
	require.NoError(t, err)
	bout, err := f.s.Allocate(ctx, n*8, ReadWrite, nil)
	require.NoError(t, err)
	k := f.kernel(t, ctx, copySource, "helloworld")
	require.NoError(t, f.s.Configure(k, Buffer(0, bin), Buffer(1, bout)))

	tests := []struct {
		name string
		r    Range
		want error
	}{
		{"indivisible local", Global(n).WithLocal(3), ErrInvalidWorkGroupSize},
		{"local above device max", Global(n).WithLocal(2000), ErrInvalidWorkGroupSize},
		{"local dims differ", Global(n).WithLocal(10, 10), ErrInvalidWorkGroupSize},
		{"zero local", Global(n).WithLocal(0), ErrInvalidWorkGroupSize},
		{"no dimensions", Range{}, ErrInvalidWorkSize},
		{"four dimensions", Global(1, 1, 1, 1), ErrInvalidWorkSize},
		{"zero global", Global(0), ErrInvalidWorkSize},
		{"offset dims differ", Global(n).WithOffset(0, 0), ErrInvalidWorkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.s.events.len()
			_, err := f.s.Enqueue(q, k, tt.r)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.s.events.len(), "rejected launch must enqueue nothing")
		})
	}

	for _, r := range []Range{Global(n).WithLocal(1000), Global(n), Global(n).WithLocal(500)} {
		ev, err := f.s.Enqueue(q, k, r)
		require.NoError(t, err, r.String())
		require.NoError(t, f.s.Wait(ev))
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx, _, q := f.open(t, OutOfOrder)
	for _, size := range []int{1, 7, 64, 4096, 1 << 20} {
		src := make([]byte, size)
		for i := range src {
			src[i] = byte(i*31 + size)
		}
		b, err := f.s.Allocate(ctx, size, ReadWrite, nil)
		if err != nil {
			t.Fatalf("size %d: Allocate: %v", size, err)
		}

		if _, err := f.s.EnqueueWrite(q, b, src, false); err != nil {
			t.Fatalf("size %d: EnqueueWrite: %v", size, err)
		}
		// the read orders itself after the pending write
		dst := make([]byte, size)
		if _, err := f.s.EnqueueRead(q, b, dst, true); err != nil {
			t.Fatalf("size %d: EnqueueRead: %v", size, err)
		}
		if !bytes.Equal(src, dst) {
			t.Errorf("size %d: read back differs from what was written", size)
		}
		if err := f.s.Release(b); err != nil {
			t.Fatalf("size %d: Release: %v", size, err)
		}
	}
}

func TestKernelCopyLengths(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		local int
	}{
		{"Single", 1, 0},
		{"Prime", 7, 0},
		{"OddLength", 997, 0},
		{"OneItemGroups", 997, 1},
		{"Even", 4096, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx, _, q := f.open(t, InOrder)

			in := make([]float64, tt.n)
			for i := range in {
				in[i] = float64(i) + 0.5
			}
			bin, err := f.s.Allocate(ctx, tt.n*8, ReadOnly, hostmem.Bytes(in))
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			bout, err := f.s.Allocate(ctx, tt.n*8, WriteOnly, nil)
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			k := f.kernel(t, ctx, copySource, "helloworld")
			if err := f.s.Configure(k, Buffer(0, bin), Buffer(1, bout)); err != nil {
				t.Fatalf("Configure: %v", err)
			}

			r := Global(tt.n)
			if tt.local > 0 {
				r = r.WithLocal(tt.local)
			}
			ev, err := f.s.Enqueue(q, k, r)
			if err != nil {
				t.Fatalf("Enqueue %s: %v", r, err)
			}
			raw, out := hostmem.Alloc[float64](tt.n)
			if _, err := f.s.EnqueueRead(q, bout, raw, true, ev); err != nil {
				t.Fatalf("EnqueueRead: %v", err)
			}
			for i := range out {
				if out[i] != in[i] {
					t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
				}
			}
		})
	}
}

func TestEventsReleasedWithQueue(t *testing.T) {
	const launches = 2000
	f := newFixture(t)
	ctx, dev, _ := f.open(t, InOrder)
	q, err := f.s.CreateQueue(ctx, dev, InOrder)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	b, err := f.s.Allocate(ctx, 4, ReadWrite, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	k := f.kernel(t, ctx, testKernels, "stamp")
	if err := f.s.Configure(k, Buffer(0, b), Scalar(1, 1)); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	for i := 0; i < launches; i++ {
		ev, err := f.s.Enqueue(q, k, Global(1))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if err := f.s.Wait(ev); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		// every other event is released by the caller
		if i%2 == 0 {
			if err := f.s.Release(ev); err != nil {
				t.Fatalf("Release %d: %v", i, err)
			}
		}
	}
	f.s.mu.Lock()
	qo, _ := f.s.queues.get(handle(q))
	tracked := len(qo.events)
	f.s.mu.Unlock()
	if tracked > 1 {
		t.Errorf("queue tracks %d events after all completed, want at most 1", tracked)
	}
	if got := f.s.events.len(); got != launches/2 {
		t.Errorf("expected %d unreleased events, got %d", launches/2, got)
	}

	if err := f.s.Release(q); err != nil {
		t.Fatalf("Release queue: %v", err)
	}
	if got := f.s.events.len(); got != 0 {
		t.Errorf("releasing the queue left %d events", got)
	}
}

func TestBufferSizeErrors(t *testing.T) {
	f := newFixture(t)
	ctx, _, q := f.open(t, InOrder)

	_, err := f.s.Allocate(ctx, 0, ReadWrite, nil)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	_, err = f.s.Allocate(ctx, 16, ReadWrite, make([]byte, 8))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	b, err := f.s.Allocate(ctx, 16, ReadWrite, make([]byte, 16))
	require.NoError(t, err)
	_, err = f.s.EnqueueRead(q, b, make([]byte, 8), true)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	_, err = f.s.EnqueueWrite(q, b, make([]byte, 17), true)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	other, err := f.s.Allocate(ctx, 8, ReadWrite, nil)
	require.NoError(t, err)
	_, err = f.s.EnqueueCopy(q, b, other)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	info, err := f.s.BufferInfo(b)
	require.NoError(t, err)
	assert.Equal(t, BufferInfo{Size: 16, Mode: ReadWrite, Context: ctx}, info)
}

func TestEnqueueCopy(t *testing.T) {
	f := newFixture(t)
	ctx, _, q := f.open(t, OutOfOrder)
	src := hostmem.Bytes([]float64{1, 2, 3, 4})
	a, err := f.s.Allocate(ctx, len(src), ReadWrite, nil)
	require.NoError(t, err)
	b, err := f.s.Allocate(ctx, len(src), ReadWrite, nil)
	require.NoError(t, err)

	_, err = f.s.EnqueueWrite(q, a, src, false)
	require.NoError(t, err)
	_, err = f.s.EnqueueCopy(q, a, b)
	require.NoError(t, err)
	dst := make([]byte, len(src))
	_, err = f.s.EnqueueRead(q, b, dst, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, hostmem.MustView[float64](dst))
}

func TestSelectDevice(t *testing.T) {
	f := newFixture(t,
		host.PlatformConfig{Name: "P0", Devices: []host.DeviceConfig{
			{Name: "Alpha CPU", Type: driver.DeviceCPU, FP64: true},
		}},
		host.PlatformConfig{Name: "P1", Devices: []host.DeviceConfig{
			{Name: "Beta CPU", Type: driver.DeviceCPU},
			{Name: "Gamma GPU", Type: driver.DeviceGPU},
		}},
	)

	plats, err := f.s.ListPlatforms()
	require.NoError(t, err)
	require.Len(t, plats, 2)
	info, err := f.s.PlatformInfo(plats[1])
	require.NoError(t, err)
	assert.Equal(t, "P1", info.Name)

	devs, err := f.s.ListDevices(plats[1], CPU)
	require.NoError(t, err)
	assert.Len(t, devs, 1)
	devs, err = f.s.ListDevices(plats[1], 0)
	require.NoError(t, err)
	assert.Len(t, devs, 2)

	gpu, err := f.s.SelectDevice(Criteria{Type: GPU})
	require.NoError(t, err)
	assert.Equal(t, plats[1], gpu.Platform())
	di, err := f.s.DeviceInfo(gpu)
	require.NoError(t, err)
	assert.Equal(t, "Gamma GPU", di.Name)

	beta, err := f.s.SelectDevice(Criteria{NameContains: "beta"})
	require.NoError(t, err)
	assert.Equal(t, DeviceID{platform: plats[1], index: 0}, beta)

	first, err := f.s.SelectDevice(Criteria{Type: CPU})
	require.NoError(t, err)
	assert.Equal(t, plats[0], first.Platform())

	_, err = f.s.SelectDevice(Criteria{Type: Accelerator})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = f.s.SelectDevice(Criteria{Type: GPU, Platform: plats[0]})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = f.s.SelectDevice(Criteria{Platform: PlatformID(9)})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestNoPlatform(t *testing.T) {
	drv := host.New(host.Config{})
	s := New(drv)
	defer s.Close()

	_, err := s.ListPlatforms()
	assert.ErrorIs(t, err, ErrNoPlatformAvailable)
	_, err = s.SelectDevice(Criteria{})
	assert.ErrorIs(t, err, ErrNoPlatformAvailable)

	require.NoError(t, drv.Close())
	_, err = s.ListPlatforms()
	assert.ErrorIs(t, err, ErrNoPlatformAvailable)
}

func TestCreateContextErrors(t *testing.T) {
	f := newFixture(t,
		host.PlatformConfig{Name: "P0", Devices: []host.DeviceConfig{
			{Name: "cpu", Type: driver.DeviceCPU},
			{Name: "gpu", Type: driver.DeviceGPU},
			{Name: "offline", Type: driver.DeviceCPU, Unavailable: true},
			{Name: "cpu2", Type: driver.DeviceCPU},
		}},
		host.PlatformConfig{Name: "P1", Devices: []host.DeviceConfig{{Name: "cpu", Type: driver.DeviceCPU}}},
	)
	p0 := func(i int) DeviceID { return DeviceID{platform: 1, index: i} }
	p1 := DeviceID{platform: 2, index: 0}

	tests := []struct {
		name    string
		devices []DeviceID
	}{
		{"empty", nil},
		{"zero device", []DeviceID{{}}},
		{"no such device", []DeviceID{p0(7)}},
		{"duplicate", []DeviceID{p0(0), p0(0)}},
		{"cross platform", []DeviceID{p0(0), p1}},
		{"mixed types", []DeviceID{p0(0), p0(1)}},
		{"unavailable", []DeviceID{p0(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.s.CreateContext(tt.devices...)
			assert.ErrorIs(t, err, ErrContextCreationFailed)
		})
	}

	ctx, err := f.s.CreateContext(p0(0), p0(3))
	require.NoError(t, err)
	devs, err := f.s.ContextDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DeviceID{p0(0), p0(3)}, devs)

	_, err = f.s.CreateQueue(ctx, p1, InOrder)
	assert.ErrorIs(t, err, ErrContextMismatch)
}

func TestQueueLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx, dev, _ := f.open(t, InOrder)
	for i := 0; i < 100; i++ {
		q, err := f.s.CreateQueue(ctx, dev, Ordering(i%2))
		if err != nil {
			t.Fatalf("iteration %d: CreateQueue: %v", i, err)
		}
		if err := f.s.Finish(q); err != nil {
			t.Fatalf("iteration %d: Finish: %v", i, err)
		}
		if err := f.s.Release(q); err != nil {
			t.Fatalf("iteration %d: Release: %v", i, err)
		}
		if err := f.s.Release(q); err != nil {
			t.Errorf("iteration %d: second release should be a no-op, got %v", i, err)
		}
		if err := f.s.Finish(q); !errors.Is(err, ErrReleased) {
			t.Errorf("iteration %d: Finish on a released queue: %v", i, err)
		}
	}
	if n := f.s.queues.len(); n != 1 {
		t.Errorf("expected 1 live queue, got %d", n)
	}
}

func TestCloseCascade(t *testing.T) {
	f := newFixture(t)
	ctx, _, q := f.open(t, OutOfOrder)
	b, err := f.s.Allocate(ctx, 8*4, ReadWrite, nil)
	require.NoError(t, err)
	k := f.kernel(t, ctx, testKernels, "stamp")
	require.NoError(t, f.s.Configure(k, Buffer(0, b), Scalar(1, 1)))
	for i := 0; i < 10; i++ {
		_, err := f.s.Enqueue(q, k, Global(4).WithLocal(1))
		require.NoError(t, err)
	}

	require.NoError(t, f.s.Close())
	assert.Len(t, f.rec.take(), 40, "close waits for enqueued work")
	assert.Zero(t, f.s.contexts.len())
	assert.Zero(t, f.s.buffers.len())
	assert.Zero(t, f.s.kernels.len())

	_, err = f.s.ListPlatforms()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.s.BufferInfo(b)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.s.Close())
	assert.NoError(t, f.s.Release(b))
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{
		ErrNoPlatformAvailable, ErrDeviceNotFound, ErrContextCreationFailed, ErrBuild,
		ErrNotBuilt, ErrKernelNotFound, ErrSizeMismatch, ErrUnboundArgument,
		ErrArgumentIndex, ErrArgumentType, ErrContextMismatch, ErrInvalidWorkGroupSize,
		ErrInvalidWorkSize, ErrResourceInUse, ErrReleased, ErrInvalidHandle,
		ErrDeviceExecution, ErrClosed,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
