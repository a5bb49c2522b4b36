//go:build opencl

package opencl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

const helloSource = `
__kernel void helloworld(__global const float* in, __global float* out)
{
	int num = get_global_id(0);
	out[num] = in[num];
}
`

func openFirst(t *testing.T) (driver.Driver, driver.Context) {
	t.Helper()
	drv, err := New()
	require.NoError(t, err)
	plats, err := drv.Platforms()
	require.NoError(t, err)
	for p := range plats {
		devs, err := drv.Devices(p)
		require.NoError(t, err)
		if len(devs) == 0 {
			continue
		}
		ctx, err := drv.CreateContext(p, []int{0})
		require.NoError(t, err)
		return drv, ctx
	}
	t.Skip("no OpenCL devices available")
	return nil, nil
}

func TestHelloWorld(t *testing.T) {
	const n = 4096
	drv, ctx := openFirst(t)
	defer drv.Close()
	defer ctx.Release()

	unit, err := kernelsrc.Parse("hello.cl", helloSource)
	require.NoError(t, err)
	prog, results := ctx.Build(driver.Source{Name: "hello.cl", Text: helloSource, Unit: unit}, []int{0})
	require.Len(t, results, 1)
	require.True(t, results[0].OK, results[0].Log)
	defer prog.Release()
	k, err := prog.Kernel("helloworld")
	require.NoError(t, err)
	defer k.Release()

	in := make([]float32, n)
	for i := range in {
		in[i] = float32(i)
	}
	a, err := ctx.Alloc(n*4, driver.ReadOnly)
	require.NoError(t, err)
	defer a.Release()
	b, err := ctx.Alloc(n*4, driver.WriteOnly)
	require.NoError(t, err)
	defer b.Release()
	require.NoError(t, a.Write(0, 0, hostmem.Bytes(in)))

	err = k.Launch(driver.Launch{
		Dims:   1,
		Global: [3]int{n},
		Local:  [3]int{64},
		Args: []driver.Arg{
			{Kind: kernelsrc.KindBuffer, Memory: a},
			{Kind: kernelsrc.KindBuffer, Memory: b},
		},
	})
	require.NoError(t, err)

	raw, out := hostmem.Alloc[float32](n)
	require.NoError(t, b.Read(0, 0, raw))
	require.Equal(t, in, out)
}

func TestBuildLog(t *testing.T) {
	drv, ctx := openFirst(t)
	defer drv.Close()
	defer ctx.Release()

	src := "__kernel void broken(__global float* x) { x[0] = undefined_symbol; }"
	prog, results := ctx.Build(driver.Source{Name: "broken.cl", Text: src}, []int{0})
	require.Nil(t, prog)
	require.False(t, results[0].OK)
	require.NotEmpty(t, results[0].Log)
}
