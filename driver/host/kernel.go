package host

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// defaultGroupLimit bounds the work-group size the driver picks when the
// caller leaves it unset
const defaultGroupLimit = 256

type kernel struct {
	prog     *program
	decl     kernelsrc.Kernel
	entry    libEntry
	released atomic.Bool
}

var _ driver.Kernel = (*kernel)(nil)

func (k *kernel) Name() string { return k.decl.Name }

func (k *kernel) Release() error {
	k.released.Store(true)
	return nil
}

// Launch runs every work group of l and returns when all have finished or
// one has failed
func (k *kernel) Launch(l driver.Launch) error {
	op := "Launch " + k.decl.Name
	if k.released.Load() {
		return driver.Errorf(op, driver.StatusInvalidKernel, "kernel released")
	}
	ctx := k.prog.ctx
	if err := ctx.checkDevice(op, l.Device); err != nil {
		return err
	}
	if !k.prog.built[l.Device] {
		return driver.Errorf(op, driver.StatusInvalidProgram, "program not built for device %d", l.Device)
	}
	if err := k.checkArgs(op, l.Args); err != nil {
		return err
	}

	dc := ctx.devices[l.Device]
	local, err := k.groupSize(op, l, dc.MaxWorkGroupSize)
	if err != nil {
		return err
	}

	var numGroups [3]int
	total := 1
	for d := 0; d < 3; d++ {
		numGroups[d] = 1
		if d < l.Dims {
			numGroups[d] = l.Global[d] / local[d]
		}
		total *= numGroups[d]
	}

	eg, gctx := errgroup.WithContext(context.Background())
	eg.SetLimit(dc.ComputeUnits)
	for n := 0; n < total; n++ {
		if gctx.Err() != nil {
			break
		}
		id := [3]int{
			n % numGroups[0],
			(n / numGroups[0]) % numGroups[1],
			n / (numGroups[0] * numGroups[1]),
		}
		g := &WorkGroup{
			Dims:      l.Dims,
			ID:        id,
			Size:      local,
			NumGroups: numGroups,
			Global:    l.Global,
			Offset:    l.Offset,
			args:      l.Args,
		}
		eg.Go(func() error { return k.runGroup(gctx, g) })
	}
	return eg.Wait()
}

func (k *kernel) runGroup(ctx context.Context, g *WorkGroup) (err error) {
	if ctx.Err() != nil {
		// another group already failed
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = driver.Errorf("kernel "+k.decl.Name, driver.StatusOutOfResources, "panic in work group %v: %v", g.ID, r)
		}
	}()
	g.scratch = make([][]byte, len(g.args))
	for i, a := range g.args {
		if a.Kind == kernelsrc.KindLocal {
			raw, _ := hostmem.Alloc[uint64]((a.Size + 7) / 8)
			g.scratch[i] = raw[:a.Size]
		}
	}
	if err := k.entry.fn(g); err != nil {
		return fmt.Errorf("kernel %s group %v: %w", k.decl.Name, g.ID, err)
	}
	return nil
}

func (k *kernel) checkArgs(op string, args []driver.Arg) error {
	params := k.decl.Params
	if len(args) != len(params) {
		return driver.Errorf(op, driver.StatusInvalidKernelArgs, "%d arguments for %d parameters", len(args), len(params))
	}
	for i, a := range args {
		p := params[i]
		if a.Kind != p.Kind() {
			return driver.Errorf(op, driver.StatusInvalidArgValue, "argument %d is %s, parameter '%s' is %s", i, a.Kind, p.Name, p.Kind())
		}
		switch a.Kind {
		case kernelsrc.KindBuffer:
			m, ok := a.Memory.(*memory)
			if !ok || m.ctx != k.prog.ctx {
				return driver.Errorf(op, driver.StatusInvalidMemObject, "argument %d is not memory of this context", i)
			}
			if m.released.Load() {
				return driver.Errorf(op, driver.StatusInvalidMemObject, "argument %d memory released", i)
			}
		case kernelsrc.KindScalar:
			if size := p.ValueSize(); size > 0 && len(a.Value) != size {
				return driver.Errorf(op, driver.StatusInvalidArgSize, "argument %d is %d bytes, '%s' needs %d", i, len(a.Value), p.TypeName(), size)
			}
		case kernelsrc.KindLocal:
			if a.Size <= 0 {
				return driver.Errorf(op, driver.StatusInvalidArgSize, "argument %d local size %d", i, a.Size)
			}
		}
	}
	return nil
}

// groupSize validates or chooses the local size of l
func (k *kernel) groupSize(op string, l driver.Launch, maxGroup int) ([3]int, error) {
	local := [3]int{1, 1, 1}
	if l.Dims < 1 || l.Dims > 3 {
		return local, driver.Errorf(op, driver.StatusInvalidWorkDimension, "%d dimensions", l.Dims)
	}
	for d := 0; d < l.Dims; d++ {
		if l.Global[d] <= 0 {
			return local, driver.Errorf(op, driver.StatusInvalidGlobalWorkSize, "global size %d in dimension %d", l.Global[d], d)
		}
	}

	given := l.Local[0] != 0
	if !given && k.decl.WorkgroupSize[0] > 0 {
		l.Local = k.decl.WorkgroupSize
		given = true
	}
	if given {
		product := 1
		for d := 0; d < l.Dims; d++ {
			if l.Local[d] <= 0 || l.Global[d]%l.Local[d] != 0 {
				return local, driver.Errorf(op, driver.StatusInvalidWorkGroupSize,
					"local size %d does not divide global size %d in dimension %d", l.Local[d], l.Global[d], d)
			}
			local[d] = l.Local[d]
			product *= l.Local[d]
		}
		if product > maxGroup {
			return local, driver.Errorf(op, driver.StatusInvalidWorkGroupSize, "work-group of %d items exceeds device limit %d", product, maxGroup)
		}
		if req := k.decl.WorkgroupSize; req[0] > 0 {
			for d := 0; d < l.Dims; d++ {
				if req[d] != local[d] {
					return local, driver.Errorf(op, driver.StatusInvalidWorkGroupSize, "kernel requires work-group size %v", req)
				}
			}
		}
		return local, nil
	}

	limit := defaultGroupLimit
	if maxGroup < limit {
		limit = maxGroup
	}
	for d := 0; d < l.Dims; d++ {
		local[d] = largestDivisor(l.Global[d], limit)
		limit /= local[d]
		if limit < 1 {
			limit = 1
		}
	}
	return local, nil
}

func largestDivisor(n, limit int) int {
	if limit > n {
		limit = n
	}
	for v := limit; v > 1; v-- {
		if n%v == 0 {
			return v
		}
	}
	return 1
}
