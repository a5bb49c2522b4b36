package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernels"
	"github.com/notargets/KernelDispatch/session"
)

type matmulOptions struct {
	driver  string
	device  string
	n, m, p int
	seed    int64
	tol     float64
	print   bool
}

func newMatmulCmd(g *globalOptions) *cobra.Command {
	o := matmulOptions{}
	cmd := &cobra.Command{
		Use:   "matmul",
		Short: "Multiply random 0/1 matrices on a device and verify with gonum",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.n <= 0 || o.m <= 0 || o.p <= 0 {
				return fmt.Errorf("matrix dimensions must be positive, got %dx%d * %dx%d", o.n, o.m, o.m, o.p)
			}
			c, err := runMatmul(g, o)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.print {
				fmt.Fprintf(out, "c =\n%v\n", mat.Formatted(c, mat.Squeeze()))
			}
			fmt.Fprintf(out, "matmul %dx%d * %dx%d verified\n", o.n, o.m, o.m, o.p)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.driver, "driver", "host", "Driver (host, occa, opencl, webgpu)")
	f.StringVar(&o.device, "device", "any", "Device type (any, cpu, gpu, accelerator)")
	f.IntVar(&o.n, "n", 3, "Rows of a")
	f.IntVar(&o.m, "m", 4, "Columns of a and rows of b")
	f.IntVar(&o.p, "p", 5, "Columns of b")
	f.Int64Var(&o.seed, "seed", 1, "Random seed")
	f.Float64Var(&o.tol, "tol", 1e-5, "Tolerance of the comparison with gonum")
	f.BoolVar(&o.print, "print", false, "Print the product")
	return cmd
}

// randomBinary returns an r x c matrix of 0s and 1s and its float32 copy
func randomBinary(rng *rand.Rand, r, c int) (*mat.Dense, []float32) {
	d := mat.NewDense(r, c, nil)
	f := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := float64(rng.Intn(2))
			d.Set(i, j, v)
			f[i*c+j] = float32(v)
		}
	}
	return d, f
}

func runMatmul(g *globalOptions, o matmulOptions) (*mat.Dense, error) {
	rng := rand.New(rand.NewSource(o.seed))
	a, af := randomBinary(rng, o.n, o.m)
	b, bf := randomBinary(rng, o.m, o.p)

	name, source, err := kernels.Source("matmul", o.driver)
	if err != nil {
		return nil, err
	}
	t, err := openTarget(g.logger, o.driver, o.device)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := t.close(context.Background()); err != nil {
			g.logger.Warn("failed to release session", "err", err)
		}
	}()

	k, err := t.build(name, source, "matmul_f32")
	if err != nil {
		return nil, err
	}
	ab, err := t.allocate(len(af)*4, session.ReadOnly, hostmem.Bytes(af))
	if err != nil {
		return nil, err
	}
	bb, err := t.allocate(len(bf)*4, session.ReadOnly, hostmem.Bytes(bf))
	if err != nil {
		return nil, err
	}
	cb, err := t.allocate(o.n*o.p*4, session.WriteOnly, nil)
	if err != nil {
		return nil, err
	}

	params, err := t.s.KernelParams(k)
	if err != nil {
		return nil, err
	}
	bindings := []session.Binding{session.Buffer(0, ab), session.Buffer(1, bb), session.Buffer(2, cb)}
	if len(params) == 4 {
		// dimensions packed in one uniform
		dims := []uint32{uint32(o.n), uint32(o.m), uint32(o.p), 0}
		bindings = append(bindings, session.Bytes(3, hostmem.Bytes(dims)))
	} else {
		bindings = append(bindings, session.Scalar(3, o.n), session.Scalar(4, o.m), session.Scalar(5, o.p))
	}
	if err := t.s.Configure(k, bindings...); err != nil {
		return nil, err
	}

	ev, err := t.s.Enqueue(t.queue, k, session.Global(o.n, o.p))
	if err != nil {
		return nil, err
	}
	craw, cf := hostmem.Alloc[float32](o.n * o.p)
	if _, err := t.s.EnqueueRead(t.queue, cb, craw, true, ev); err != nil {
		return nil, fmt.Errorf("failed to read product: %w", err)
	}

	got := mat.NewDense(o.n, o.p, nil)
	for i := 0; i < o.n; i++ {
		for j := 0; j < o.p; j++ {
			got.Set(i, j, float64(cf[i*o.p+j]))
		}
	}
	var want mat.Dense
	want.Mul(a, b)
	if !mat.EqualApprox(got, &want, o.tol) {
		return got, fmt.Errorf("device product differs from gonum:\ngot\n%v\nwant\n%v",
			mat.Formatted(got), mat.Formatted(&want))
	}
	return got, nil
}
