package hostmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesShareMemory(t *testing.T) {
	data := []float64{1, 2, 3}
	b := Bytes(data)
	require.Len(t, b, 24)

	view, err := View[float64](b)
	require.NoError(t, err)
	view[1] = 42
	assert.Equal(t, 42.0, data[1])

	assert.Nil(t, Bytes([]int32{}))
}

func TestViewErrors(t *testing.T) {
	b := make([]byte, 16)
	if _, err := View[float64](b[:12]); err == nil {
		t.Error("expected length error")
	}
	if _, err := View[float64](b[1:9]); err == nil {
		t.Error("expected alignment error")
	}
	v, err := View[uint8](b[1:9])
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestAlloc(t *testing.T) {
	raw, vals := Alloc[float32](4)
	assert.Len(t, raw, 16)
	vals[3] = 1.5
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1.5}, MustView[float32](raw), 0)
	assert.Equal(t, 4, SizeOf[int32]())
	assert.Equal(t, 8, SizeOf[uint64]())
}
