package host

import (
	"encoding/binary"
	"math"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// WorkGroup is the execution state handed to a KernelFunc. Buffers are
// indexed by global id; ID is the group's position in the launch grid.
type WorkGroup struct {
	Dims      int
	ID        [3]int
	Size      [3]int
	NumGroups [3]int
	Global    [3]int
	Offset    [3]int

	args    []driver.Arg
	scratch [][]byte
}

// NumArgs returns the number of kernel arguments
func (g *WorkGroup) NumArgs() int { return len(g.args) }

// Bytes returns the raw memory of argument i: the buffer contents, the
// group's local scratch, or the scalar value
func (g *WorkGroup) Bytes(i int) []byte {
	a := g.args[i]
	switch a.Kind {
	case kernelsrc.KindBuffer:
		return a.Memory.(*memory).data
	case kernelsrc.KindLocal:
		return g.scratch[i]
	default:
		return a.Value
	}
}

func (g *WorkGroup) Float64s(i int) []float64 { return hostmem.MustView[float64](g.Bytes(i)) }
func (g *WorkGroup) Float32s(i int) []float32 { return hostmem.MustView[float32](g.Bytes(i)) }
func (g *WorkGroup) Int32s(i int) []int32     { return hostmem.MustView[int32](g.Bytes(i)) }
func (g *WorkGroup) Uint32s(i int) []uint32   { return hostmem.MustView[uint32](g.Bytes(i)) }

// Float64 decodes scalar argument i
func (g *WorkGroup) Float64(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(g.Bytes(i)))
}

func (g *WorkGroup) Float32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(g.Bytes(i)))
}

func (g *WorkGroup) Int32(i int) int32 { return int32(binary.LittleEndian.Uint32(g.Bytes(i))) }

func (g *WorkGroup) Uint32(i int) uint32 { return binary.LittleEndian.Uint32(g.Bytes(i)) }

func (g *WorkGroup) Int64(i int) int64 { return int64(binary.LittleEndian.Uint64(g.Bytes(i))) }

// Range1D returns the global ids [lo, hi) covered by the group in
// dimension 0
func (g *WorkGroup) Range1D() (lo, hi int) {
	lo = g.Offset[0] + g.ID[0]*g.Size[0]
	hi = lo + g.Size[0]
	if end := g.Offset[0] + g.Global[0]; hi > end {
		hi = end
	}
	return lo, hi
}

// ForEach calls fn with the global id of every work item in the group,
// dimension 0 varying fastest
func (g *WorkGroup) ForEach(fn func(gid [3]int)) {
	var lo, hi [3]int
	for d := 0; d < 3; d++ {
		if d >= g.Dims {
			lo[d], hi[d] = 0, 1
			continue
		}
		lo[d] = g.Offset[d] + g.ID[d]*g.Size[d]
		hi[d] = lo[d] + g.Size[d]
	}
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				fn([3]int{x, y, z})
			}
		}
	}
}
