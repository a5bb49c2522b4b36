package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/driver/opencl"
)

func TestDriverNames(t *testing.T) {
	assert.Equal(t, []string{"host", "occa", "opencl", "webgpu"}, DriverNames())
}

func TestOpenDriver(t *testing.T) {
	d, err := OpenDriver("HOST")
	require.NoError(t, err)
	assert.Equal(t, "host", d.Name())
	require.NoError(t, d.Close())

	_, err = OpenDriver("metal")
	assert.ErrorContains(t, err, "unknown driver")

	if _, err := OpenDriver("opencl"); err != nil && !errors.Is(err, opencl.ErrUnavailable) {
		t.Logf("opencl: %v", err)
	}
}

func TestOpenSession(t *testing.T) {
	s, closer, err := OpenSession("host")
	require.NoError(t, err)
	plats, err := s.ListPlatforms()
	require.NoError(t, err)
	assert.NotEmpty(t, plats)
	require.NoError(t, closer())
}
