package host

import (
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/KernelDispatch/driver"
)

// DefaultLibrary returns a new library holding the builtin kernels
func DefaultLibrary() *Library {
	l := NewLibrary()

	// element-wise copy; helloworld is the classic name
	l.MustRegister("helloworld", "__global const double* in, __global double* out", copyF64)
	l.MustRegister("copy_f64", "__global const double* in, __global double* out", copyF64)
	l.MustRegister("copy_f32", "__global const float* in, __global float* out", func(g *WorkGroup) error {
		in, out := g.Float32s(0), g.Float32s(1)
		lo, hi := g.Range1D()
		copy(out[lo:hi], in[lo:hi])
		return nil
	})

	l.MustRegister("scale_f64", "__global const double* x, __global double* y, const double alpha", func(g *WorkGroup) error {
		x, y := g.Float64s(0), g.Float64s(1)
		lo, hi := g.Range1D()
		floats.ScaleTo(y[lo:hi], g.Float64(2), x[lo:hi])
		return nil
	})

	l.MustRegister("axpy_f64", "const double alpha, __global const double* x, __global double* y", func(g *WorkGroup) error {
		x, y := g.Float64s(1), g.Float64s(2)
		lo, hi := g.Range1D()
		floats.AddScaled(y[lo:hi], g.Float64(0), x[lo:hi])
		return nil
	})

	l.MustRegister("vadd_f64", "__global const double* a, __global const double* b, __global double* c", func(g *WorkGroup) error {
		a, b, c := g.Float64s(0), g.Float64s(1), g.Float64s(2)
		lo, hi := g.Range1D()
		floats.AddTo(c[lo:hi], a[lo:hi], b[lo:hi])
		return nil
	})

	l.MustRegister("vadd_f32", "__global const float* a, __global const float* b, __global float* c", func(g *WorkGroup) error {
		a, b, c := g.Float32s(0), g.Float32s(1), g.Float32s(2)
		lo, hi := g.Range1D()
		for i := lo; i < hi; i++ {
			c[i] = a[i] + b[i]
		}
		return nil
	})

	// c[n][p] = a[n][m] * b[m][p], row-major, over a (n, p) range
	l.MustRegister("matmul_f32",
		"__global const float* a, __global const float* b, __global float* c, const int n, const int m, const int p",
		func(g *WorkGroup) error {
			a, b, c := g.Float32s(0), g.Float32s(1), g.Float32s(2)
			n, m, p := int(g.Int32(3)), int(g.Int32(4)), int(g.Int32(5))
			if len(a) < n*m || len(b) < m*p || len(c) < n*p {
				return Fault(driver.StatusInvalidBufferSize, "matmul_f32: buffers too small for %dx%d * %dx%d", n, m, m, p)
			}
			g.ForEach(func(gid [3]int) {
				i, j := gid[0], gid[1]
				if i >= n || j >= p {
					return
				}
				var sum float32
				for k := 0; k < m; k++ {
					sum += a[i*m+k] * b[k*p+j]
				}
				c[i*p+j] = sum
			})
			return nil
		})

	// partial[group] = sum of the group's inputs, staged through local memory
	l.MustRegister("reduce_sum_f64",
		"__global const double* in, __global double* partial, __local double* scratch",
		func(g *WorkGroup) error {
			in, partial, scratch := g.Float64s(0), g.Float64s(1), g.Float64s(2)
			lo, hi := g.Range1D()
			if len(scratch) < hi-lo {
				return Fault(driver.StatusInvalidArgSize, "reduce_sum_f64: scratch holds %d values, group has %d", len(scratch), hi-lo)
			}
			copy(scratch, in[lo:hi])
			partial[g.ID[0]] = floats.Sum(scratch[:hi-lo])
			return nil
		})

	// fails with the given status code
	l.MustRegister("fault", "const int code", func(g *WorkGroup) error {
		return Fault(int(g.Int32(0)), "fault kernel")
	})

	return l
}

func copyF64(g *WorkGroup) error {
	in, out := g.Float64s(0), g.Float64s(1)
	lo, hi := g.Range1D()
	copy(out[lo:hi], in[lo:hi])
	return nil
}
