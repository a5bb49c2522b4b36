package occa

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/notargets/gocca"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

type program struct {
	ctx     *occaContext
	unit    *kernelsrc.Unit
	kernels map[string]*gocca.OCCAKernel
	once    sync.Once
}

// Build compiles every kernel of the unit. OCCA reports a build failure as
// an error carrying the compiler output, which becomes the device log.
func (c *occaContext) Build(src driver.Source, devices []int) (driver.Program, []driver.BuildResult) {
	results := make([]driver.BuildResult, len(devices))
	for i, dev := range devices {
		results[i].Device = dev
	}
	fail := func(log string) (driver.Program, []driver.BuildResult) {
		for i := range results {
			results[i].Log = log
		}
		return nil, results
	}
	for _, dev := range devices {
		if dev != 0 {
			return fail(fmt.Sprintf("no device %d in context", dev))
		}
	}
	unit := src.Unit
	if unit == nil {
		var err error
		if unit, err = kernelsrc.Parse(src.Name, src.Text); err != nil {
			return fail(err.Error())
		}
	}
	if unit.Dialect != kernelsrc.DialectOKL {
		return fail(fmt.Sprintf("%s: error: OCCA builds OKL source, not %s", src.Name, unit.Dialect))
	}

	defines := make(map[string]string, len(src.Options.Defines))
	for _, d := range src.Options.Defines {
		defines[d.Name] = d.Value
	}

	if err := c.lock("Build", 0); err != nil {
		return fail(err.Error())
	}
	defer c.mu.Unlock()
	props := gocca.JsonParse(kernelProps(c.mode, defines, src.Options.Flags))
	defer props.Free()

	p := &program{ctx: c, unit: unit, kernels: make(map[string]*gocca.OCCAKernel)}
	for _, k := range unit.Kernels {
		kernel, err := c.dev.BuildKernelFromString(src.Text, k.Name, props)
		if err != nil || kernel == nil {
			for _, built := range p.kernels {
				built.Free()
			}
			return fail(fmt.Sprintf("failed to build kernel %s: %v", k.Name, err))
		}
		p.kernels[k.Name] = kernel
	}
	for i := range results {
		results[i].OK = true
	}
	return p, results
}

func (p *program) Kernel(name string) (driver.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, driver.Errorf("Kernel", driver.StatusInvalidKernelName, "no kernel %s", name)
	}
	decl, _ := p.unit.Lookup(name)
	return &kernel{prog: p, decl: decl, kernel: k}, nil
}

func (p *program) Release() error {
	p.once.Do(func() {
		for _, k := range p.kernels {
			k.Free()
		}
	})
	return nil
}

type kernel struct {
	prog   *program
	decl   kernelsrc.Kernel
	kernel *gocca.OCCAKernel
}

func (k *kernel) Name() string { return k.decl.Name }

// Release is a no-op; the program owns the OCCA kernel
func (k *kernel) Release() error { return nil }

// Launch runs the kernel and waits for the device to finish
func (k *kernel) Launch(l driver.Launch) error {
	op := "Launch " + k.decl.Name
	if len(l.Args) != len(k.decl.Params) {
		return driver.Errorf(op, driver.StatusInvalidKernelArgs, "%d arguments for %d parameters", len(l.Args), len(k.decl.Params))
	}
	args := make([]interface{}, len(l.Args))
	for i, a := range l.Args {
		switch a.Kind {
		case kernelsrc.KindBuffer:
			m, ok := a.Memory.(*memory)
			if !ok || m.ctx != k.prog.ctx {
				return driver.Errorf(op, driver.StatusInvalidMemObject, "argument %d is not memory of this context", i)
			}
			args[i] = m.mem
		case kernelsrc.KindScalar:
			v, err := scalarValue(k.decl.Params[i], a.Value)
			if err != nil {
				return driver.Errorf(op, driver.StatusInvalidArgValue, "argument %d: %v", i, err)
			}
			args[i] = v
		default:
			return driver.Errorf(op, driver.StatusInvalidArgValue, "argument %d: OKL declares shared memory inside the kernel", i)
		}
	}

	c := k.prog.ctx
	if err := c.lock(op, l.Device); err != nil {
		return err
	}
	defer c.mu.Unlock()
	if err := k.kernel.RunWithArgs(args...); err != nil {
		return driver.Errorf(op, driver.StatusOutOfResources, "%v", err)
	}
	c.dev.Finish()
	return nil
}

// scalarValue decodes a little-endian argument into the Go type gocca
// passes for the parameter
func scalarValue(p kernelsrc.Param, raw []byte) (interface{}, error) {
	if p.Lanes > 1 {
		return nil, fmt.Errorf("vector parameter '%s %s' is not supported", p.TypeName(), p.Name)
	}
	if len(raw) != p.Type.Size() {
		return nil, fmt.Errorf("%d bytes for '%s %s'", len(raw), p.TypeName(), p.Name)
	}
	switch p.Type {
	case kernelsrc.TypeInt:
		return int32(binary.LittleEndian.Uint32(raw)), nil
	case kernelsrc.TypeUInt:
		return binary.LittleEndian.Uint32(raw), nil
	case kernelsrc.TypeLong:
		return int64(binary.LittleEndian.Uint64(raw)), nil
	case kernelsrc.TypeULong, kernelsrc.TypeSizeT:
		return binary.LittleEndian.Uint64(raw), nil
	case kernelsrc.TypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
	case kernelsrc.TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
	default:
		return nil, fmt.Errorf("type '%s' of parameter %s is not supported", p.TypeName(), p.Name)
	}
}
