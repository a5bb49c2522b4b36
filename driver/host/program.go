package host

import (
	"strings"
	"sync/atomic"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

type program struct {
	ctx      *hostContext
	unit     *kernelsrc.Unit
	entries  map[string]libEntry
	built    []bool
	released atomic.Bool
}

var _ driver.Program = (*program)(nil)

// Build checks the program against each device. A device builds when every
// kernel the source declares has a matching library implementation and the
// device supports the precision the source uses.
func (c *hostContext) Build(src driver.Source, devices []int) (driver.Program, []driver.BuildResult) {
	results := make([]driver.BuildResult, 0, len(devices))

	unit := src.Unit
	if unit == nil {
		u, err := kernelsrc.Parse(src.Name, src.Text)
		if err != nil {
			for _, dev := range devices {
				results = append(results, driver.BuildResult{Device: dev, Log: err.Error()})
			}
			return nil, results
		}
		unit = u
	}

	prog := &program{
		ctx:     c,
		unit:    unit,
		entries: make(map[string]libEntry),
		built:   make([]bool, len(c.devices)),
	}
	ok := false
	for _, dev := range devices {
		log, built := c.buildFor(src, unit, dev, prog.entries)
		results = append(results, driver.BuildResult{Device: dev, OK: built, Log: log})
		if built {
			prog.built[dev] = true
			ok = true
		}
	}
	if !ok {
		return nil, results
	}
	return prog, results
}

func (c *hostContext) buildFor(src driver.Source, unit *kernelsrc.Unit, dev int, entries map[string]libEntry) (string, bool) {
	name := src.Name
	if name == "" {
		name = "<source>"
	}
	if c.released.Load() {
		return name + ": error: context released", false
	}
	if dev < 0 || dev >= len(c.devices) {
		return name + ": error: invalid device", false
	}
	if unit.Dialect == kernelsrc.DialectWGSL {
		return name + ": error: the host compiler does not accept WGSL source", false
	}
	dc := c.devices[dev]

	var diags []kernelsrc.Diagnostic
	errorAt := func(pos kernelsrc.Pos, msg string) {
		diags = append(diags, kernelsrc.Diagnostic{File: name, Pos: pos, Severity: kernelsrc.SeverityError, Msg: msg})
	}

	for _, w := range unit.Warnings {
		if src.Options.Werror {
			w.Severity = kernelsrc.SeverityError
		} else if src.Options.NoWarnings {
			continue
		}
		diags = append(diags, w)
	}

	if !dc.FP64 && unit.DoubleUse != nil {
		errorAt(*unit.DoubleUse, "use of type 'double' requires cl_khr_fp64 support, which device '"+dc.Name+"' lacks")
	}

	for _, k := range unit.Kernels {
		e, found := c.drv.lib.lookup(k.Name)
		if !found {
			errorAt(k.Pos, "no host implementation registered for kernel '"+k.Name+"'")
			continue
		}
		if msg := e.mismatch(k.Params); msg != "" {
			errorAt(k.Pos, msg)
			continue
		}
		entries[k.Name] = e
	}

	lines := make([]string, len(diags))
	failed := false
	for i, d := range diags {
		lines[i] = d.String()
		if d.Severity == kernelsrc.SeverityError {
			failed = true
		}
	}
	return strings.Join(lines, "\n"), !failed
}

func (p *program) Kernel(name string) (driver.Kernel, error) {
	if p.released.Load() {
		return nil, driver.Errorf("Kernel", driver.StatusInvalidProgram, "program released")
	}
	decl, ok := p.unit.Lookup(name)
	if !ok {
		return nil, driver.Errorf("Kernel", driver.StatusInvalidKernelName, "no kernel named %q", name)
	}
	e, ok := p.entries[name]
	if !ok {
		return nil, driver.Errorf("Kernel", driver.StatusInvalidKernelName, "kernel %q has no implementation", name)
	}
	return &kernel{prog: p, decl: decl, entry: e}, nil
}

func (p *program) Release() error {
	p.released.Store(true)
	return nil
}
