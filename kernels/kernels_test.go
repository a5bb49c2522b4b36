package kernels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/kernelsrc"
)

func TestProgramsParse(t *testing.T) {
	assert.Equal(t, []string{"helloworld", "matmul"}, Programs())

	for _, prog := range Programs() {
		for _, drv := range []string{"host", "occa", "webgpu"} {
			t.Run(prog+"/"+drv, func(t *testing.T) {
				name, text, err := Source(prog, drv)
				require.NoError(t, err)
				unit, err := kernelsrc.Parse(name, text)
				require.NoError(t, err)
				require.Len(t, unit.Kernels, 1)
			})
		}
	}
}

func TestMatmulSignatures(t *testing.T) {
	for _, drv := range []string{"host", "occa"} {
		name, text, err := Source("matmul", drv)
		require.NoError(t, err)
		unit, err := kernelsrc.Parse(name, text)
		require.NoError(t, err)
		k, ok := unit.Lookup("matmul_f32")
		require.True(t, ok, drv)
		require.Len(t, k.Params, 6)
		assert.Equal(t, "const float*", k.Params[0].TypeName())
		assert.Equal(t, "const int", k.Params[5].TypeName())
	}

	name, text, err := Source("matmul", "webgpu")
	require.NoError(t, err)
	unit, err := kernelsrc.Parse(name, text)
	require.NoError(t, err)
	k, _ := unit.Lookup("matmul_f32")
	assert.Equal(t, [3]int{8, 8, 1}, k.WorkgroupSize)
	require.Len(t, k.Params, 4)
	assert.Equal(t, kernelsrc.KindScalar, k.Params[3].Kind())
}

func TestUnknownDriver(t *testing.T) {
	_, _, err := Source("matmul", "metal")
	assert.Error(t, err)
	_, _, err = Source("nbody", "host")
	assert.Error(t, err)
}
