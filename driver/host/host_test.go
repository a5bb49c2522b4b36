package host

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

const copySource = `
__kernel void helloworld(__global const double* in, __global double* out)
{
	int num = get_global_id(0);
	out[num] = in[num];
}
`

func twoDeviceDriver(t *testing.T) *Driver {
	t.Helper()
	return New(Config{Platforms: []PlatformConfig{{
		Name:   "Test",
		Vendor: "KernelDispatch",
		Devices: []DeviceConfig{
			{Name: "cpu0", Type: driver.DeviceCPU, ComputeUnits: 4, FP64: true},
			{Name: "cpu1-fp32", Type: driver.DeviceCPU, ComputeUnits: 2, MaxWorkGroupSize: 64},
		},
	}}})
}

func buildSource(t *testing.T, ctx driver.Context, text string, devices ...int) (driver.Program, []driver.BuildResult) {
	t.Helper()
	unit, err := kernelsrc.Parse("test.cl", text)
	require.NoError(t, err)
	return ctx.Build(driver.Source{Name: "test.cl", Text: text, Unit: unit}, devices)
}

func f64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func i32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestDefaultConfig(t *testing.T) {
	drv := NewDefault()
	defer drv.Close()

	plats, err := drv.Platforms()
	require.NoError(t, err)
	require.Len(t, plats, 1)

	devs, err := drv.Devices(0)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, driver.DeviceCPU, devs[0].Type)
	assert.True(t, devs[0].FP64)
	assert.Equal(t, DefaultMaxWorkGroupSize, devs[0].MaxWorkGroupSize)
	assert.Contains(t, devs[0].Features, "fp64")

	_, err = drv.Devices(3)
	assert.Error(t, err)

	require.NoError(t, drv.Close())
	_, err = drv.Platforms()
	assert.Error(t, err, "closed driver must reject calls")
}

func TestCreateContext(t *testing.T) {
	drv := New(Config{Platforms: []PlatformConfig{{
		Name: "P",
		Devices: []DeviceConfig{
			{Name: "ok"},
			{Name: "offline", Unavailable: true},
		},
	}}})

	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)
	require.NoError(t, ctx.Release())

	_, err = drv.CreateContext(0, []int{0, 1})
	assert.Equal(t, driver.StatusDeviceNotAvailable, driver.Code(err))
	_, err = drv.CreateContext(0, []int{7})
	assert.Equal(t, driver.StatusInvalidDevice, driver.Code(err))
	_, err = drv.CreateContext(0, nil)
	assert.Equal(t, driver.StatusInvalidValue, driver.Code(err))
}

func TestMemory(t *testing.T) {
	drv := NewDefault()
	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)

	_, err = ctx.Alloc(0, driver.ReadWrite)
	assert.Equal(t, driver.StatusInvalidBufferSize, driver.Code(err))

	a, err := ctx.Alloc(16, driver.ReadWrite)
	require.NoError(t, err)
	b, err := ctx.Alloc(16, driver.ReadWrite)
	require.NoError(t, err)

	require.NoError(t, a.Write(0, 0, []byte("0123456789abcdef")))
	require.NoError(t, a.(driver.Copier).CopyTo(0, b, 4, 0, 8))

	dst := make([]byte, 8)
	require.NoError(t, b.Read(0, 0, dst))
	assert.Equal(t, "456789ab", string(dst))

	err = a.Read(0, 12, make([]byte, 8))
	assert.Equal(t, driver.StatusInvalidValue, driver.Code(err))
	err = a.Read(2, 0, dst)
	assert.Equal(t, driver.StatusInvalidDevice, driver.Code(err))

	require.NoError(t, a.Release())
	err = a.Write(0, 0, dst)
	assert.Equal(t, driver.StatusInvalidMemObject, driver.Code(err))

	limited := New(Config{Platforms: []PlatformConfig{{Devices: []DeviceConfig{{Name: "small", MaxAlloc: 64}}}}})
	lctx, err := limited.CreateContext(0, []int{0})
	require.NoError(t, err)
	_, err = lctx.Alloc(65, driver.ReadOnly)
	assert.Equal(t, driver.StatusMemAllocationFailure, driver.Code(err))
}

func TestBuildPerDevice(t *testing.T) {
	drv := twoDeviceDriver(t)
	ctx, err := drv.CreateContext(0, []int{0, 1})
	require.NoError(t, err)

	prog, results := buildSource(t, ctx, copySource, 0, 1)
	require.NotNil(t, prog, "one device succeeded")
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Empty(t, results[0].Log)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Log, "cl_khr_fp64")
	assert.True(t, strings.HasPrefix(results[1].Log, "test.cl:2:"), results[1].Log)

	k, err := prog.Kernel("helloworld")
	require.NoError(t, err)
	in, _ := ctx.Alloc(64, driver.ReadOnly)
	out, _ := ctx.Alloc(64, driver.WriteOnly)
	args := []driver.Arg{{Kind: kernelsrc.KindBuffer, Memory: in}, {Kind: kernelsrc.KindBuffer, Memory: out}}

	err = k.Launch(driver.Launch{Device: 1, Dims: 1, Global: [3]int{8}, Args: args})
	assert.Equal(t, driver.StatusInvalidProgram, driver.Code(err))
	require.NoError(t, k.Launch(driver.Launch{Device: 0, Dims: 1, Global: [3]int{8}, Args: args}))

	_, err = prog.Kernel("missing")
	assert.Equal(t, driver.StatusInvalidKernelName, driver.Code(err))
}

func TestBuildFailures(t *testing.T) {
	drv := NewDefault()
	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)

	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "NoImplementation",
			src:  "__kernel void mystery(__global float* a) { }",
			want: "no host implementation registered for kernel 'mystery'",
		},
		{
			name: "SignatureMismatch",
			src:  "__kernel void helloworld(__global const float* in, __global float* out) { }",
			want: "parameter 0 'in' of kernel 'helloworld' is 'buffer float*' but the host implementation expects 'buffer double*'",
		},
		{
			name: "ArityMismatch",
			src:  "__kernel void copy_f32(__global const float* in) { }",
			want: "declares 1 parameters but the host implementation takes 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, results := buildSource(t, ctx, tt.src, 0)
			assert.Nil(t, prog)
			require.Len(t, results, 1)
			assert.False(t, results[0].OK)
			assert.Contains(t, results[0].Log, tt.want)
		})
	}

	t.Run("ParseError", func(t *testing.T) {
		prog, results := ctx.Build(driver.Source{Name: "bad.cl", Text: "__kernel void k(__global float* a) {"}, []int{0})
		assert.Nil(t, prog)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].Log, "bad.cl:1:")
	})
}

func TestLaunchCopy(t *testing.T) {
	drv := NewDefault()
	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)
	prog, _ := buildSource(t, ctx, copySource, 0)
	require.NotNil(t, prog)
	k, err := prog.Kernel("helloworld")
	require.NoError(t, err)

	const n = 512000
	input := make([]float64, n)
	for i := range input {
		input[i] = float64(i)
	}
	in, err := ctx.Alloc(n*8, driver.ReadOnly)
	require.NoError(t, err)
	out, err := ctx.Alloc(n*8, driver.WriteOnly)
	require.NoError(t, err)
	require.NoError(t, in.Write(0, 0, hostmem.Bytes(input)))
	args := []driver.Arg{{Kind: kernelsrc.KindBuffer, Memory: in}, {Kind: kernelsrc.KindBuffer, Memory: out}}

	t.Run("InvalidLocal", func(t *testing.T) {
		err := k.Launch(driver.Launch{Dims: 1, Global: [3]int{n}, Local: [3]int{3}, Args: args})
		assert.Equal(t, driver.StatusInvalidWorkGroupSize, driver.Code(err))
		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{n}, Local: [3]int{2000}, Args: args})
		assert.Equal(t, driver.StatusInvalidWorkGroupSize, driver.Code(err), "exceeds max work-group size")
	})

	for _, local := range []int{0, 1000} {
		output := make([]float64, n)
		require.NoError(t, out.Write(0, 0, hostmem.Bytes(output)))
		require.NoError(t, k.Launch(driver.Launch{Dims: 1, Global: [3]int{n}, Local: [3]int{local}, Args: args}))
		require.NoError(t, out.Read(0, 0, hostmem.Bytes(output)))
		assert.Equal(t, 511999.0, output[n-1])
		assert.InDeltaSlicef(t, input, output, 0, "local=%d", local)
	}

	t.Run("BadArgs", func(t *testing.T) {
		err := k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Args: args[:1]})
		assert.Equal(t, driver.StatusInvalidKernelArgs, driver.Code(err))
		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Args: []driver.Arg{args[0], {Kind: kernelsrc.KindScalar, Value: f64(1)}}})
		assert.Equal(t, driver.StatusInvalidArgValue, driver.Code(err))
		err = k.Launch(driver.Launch{Dims: 4, Global: [3]int{8}, Args: args})
		assert.Equal(t, driver.StatusInvalidWorkDimension, driver.Code(err))
	})
}

func TestLaunchScalarsAndLocal(t *testing.T) {
	drv := NewDefault()
	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)
	src := `
__kernel void axpy_f64(const double alpha, __global const double* x, __global double* y) { }
__kernel void reduce_sum_f64(__global const double* in, __global double* partial, __local double* scratch) { }
__kernel void matmul_f32(__global const float* a, __global const float* b, __global float* c,
                         const int n, const int m, const int p) { }
`
	prog, results := buildSource(t, ctx, src, 0)
	require.NotNil(t, prog, results[0].Log)

	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	y := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	xm, _ := ctx.Alloc(64, driver.ReadOnly)
	ym, _ := ctx.Alloc(64, driver.ReadWrite)
	require.NoError(t, xm.Write(0, 0, hostmem.Bytes(x)))
	require.NoError(t, ym.Write(0, 0, hostmem.Bytes(y)))

	t.Run("Axpy", func(t *testing.T) {
		k, err := prog.Kernel("axpy_f64")
		require.NoError(t, err)
		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Local: [3]int{4}, Args: []driver.Arg{
			{Kind: kernelsrc.KindScalar, Value: f64(2)},
			{Kind: kernelsrc.KindBuffer, Memory: xm},
			{Kind: kernelsrc.KindBuffer, Memory: ym},
		}})
		require.NoError(t, err)
		got := make([]float64, 8)
		require.NoError(t, ym.Read(0, 0, hostmem.Bytes(got)))
		assert.InDeltaSlice(t, []float64{3, 5, 7, 9, 11, 13, 15, 17}, got, 1e-12)

		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Args: []driver.Arg{
			{Kind: kernelsrc.KindScalar, Value: i32(2)},
			{Kind: kernelsrc.KindBuffer, Memory: xm},
			{Kind: kernelsrc.KindBuffer, Memory: ym},
		}})
		assert.Equal(t, driver.StatusInvalidArgSize, driver.Code(err))
	})

	t.Run("Reduce", func(t *testing.T) {
		k, err := prog.Kernel("reduce_sum_f64")
		require.NoError(t, err)
		partial, _ := ctx.Alloc(16, driver.WriteOnly)
		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Local: [3]int{4}, Args: []driver.Arg{
			{Kind: kernelsrc.KindBuffer, Memory: xm},
			{Kind: kernelsrc.KindBuffer, Memory: partial},
			{Kind: kernelsrc.KindLocal, Size: 4 * 8},
		}})
		require.NoError(t, err)
		sums := make([]float64, 2)
		require.NoError(t, partial.Read(0, 0, hostmem.Bytes(sums)))
		assert.InDeltaSlice(t, []float64{10, 26}, sums, 1e-12)

		// scratch too small for the group is a kernel fault
		err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{8}, Local: [3]int{4}, Args: []driver.Arg{
			{Kind: kernelsrc.KindBuffer, Memory: xm},
			{Kind: kernelsrc.KindBuffer, Memory: partial},
			{Kind: kernelsrc.KindLocal, Size: 8},
		}})
		assert.Equal(t, driver.StatusInvalidArgSize, driver.Code(err))
	})

	t.Run("Matmul", func(t *testing.T) {
		k, err := prog.Kernel("matmul_f32")
		require.NoError(t, err)
		// 2x3 * 3x2
		a := []float32{1, 2, 3, 4, 5, 6}
		b := []float32{7, 8, 9, 10, 11, 12}
		am, _ := ctx.Alloc(24, driver.ReadOnly)
		bm, _ := ctx.Alloc(24, driver.ReadOnly)
		cm, _ := ctx.Alloc(16, driver.WriteOnly)
		require.NoError(t, am.Write(0, 0, hostmem.Bytes(a)))
		require.NoError(t, bm.Write(0, 0, hostmem.Bytes(b)))
		err = k.Launch(driver.Launch{Dims: 2, Global: [3]int{2, 2}, Args: []driver.Arg{
			{Kind: kernelsrc.KindBuffer, Memory: am},
			{Kind: kernelsrc.KindBuffer, Memory: bm},
			{Kind: kernelsrc.KindBuffer, Memory: cm},
			{Kind: kernelsrc.KindScalar, Value: i32(2)},
			{Kind: kernelsrc.KindScalar, Value: i32(3)},
			{Kind: kernelsrc.KindScalar, Value: i32(2)},
		}})
		require.NoError(t, err)
		c := make([]float32, 4)
		require.NoError(t, cm.Read(0, 0, hostmem.Bytes(c)))
		assert.InDeltaSlice(t, []float32{58, 64, 139, 154}, c, 1e-5)
	})
}

func TestKernelFaults(t *testing.T) {
	lib := DefaultLibrary()
	lib.MustRegister("oob", "__global float* a", func(g *WorkGroup) error {
		a := g.Float32s(0)
		a[len(a)+g.ID[0]] = 1
		return nil
	})
	drv := New(Config{Platforms: DefaultConfig().Platforms, Library: lib})
	ctx, err := drv.CreateContext(0, []int{0})
	require.NoError(t, err)
	prog, results := buildSource(t, ctx, "__kernel void oob(__global float* a) { }\n__kernel void fault(const int code) { }", 0)
	require.NotNil(t, prog, results[0].Log)

	k, err := prog.Kernel("oob")
	require.NoError(t, err)
	mem, _ := ctx.Alloc(16, driver.ReadWrite)
	err = k.Launch(driver.Launch{Dims: 1, Global: [3]int{4}, Args: []driver.Arg{{Kind: kernelsrc.KindBuffer, Memory: mem}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, driver.StatusOutOfResources, driver.Code(err))

	f, err := prog.Kernel("fault")
	require.NoError(t, err)
	err = f.Launch(driver.Launch{Dims: 1, Global: [3]int{16}, Args: []driver.Arg{{Kind: kernelsrc.KindScalar, Value: i32(-9)}}})
	var se *driver.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, -9, se.Code)
}

func TestLibraryRegister(t *testing.T) {
	lib := NewLibrary()
	assert.Error(t, lib.Register("bad", "__global float a[]", func(*WorkGroup) error { return nil }))
	assert.Error(t, lib.Register("nilfn", "int n", nil))
	require.NoError(t, lib.Register("ok", "const int n, __global float* x", func(*WorkGroup) error { return nil }))
	params, ok := lib.Signature("ok")
	require.True(t, ok)
	assert.Equal(t, []kernelsrc.Kind{kernelsrc.KindScalar, kernelsrc.KindBuffer}, []kernelsrc.Kind{params[0].Kind(), params[1].Kind()})
	assert.Equal(t, []string{"ok"}, lib.Names())

	assert.Equal(t, 8, largestDivisor(512000, 8))
	assert.Equal(t, 256, largestDivisor(512000, 256))
	assert.Equal(t, 250, largestDivisor(512000, 255))
	assert.Equal(t, 1, largestDivisor(7, 6))
}
