package session

import (
	"errors"
	"fmt"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// BuildStatus is the build state of a program on one device
type BuildStatus int

const (
	BuildNone BuildStatus = iota
	BuildSuccess
	BuildFailed
)

func (b BuildStatus) String() string {
	switch b {
	case BuildSuccess:
		return "SUCCESS"
	case BuildFailed:
		return "FAILED"
	default:
		return "NONE"
	}
}

// DeviceBuild is the build result for one device
type DeviceBuild struct {
	Device DeviceID
	Name   string
	Status BuildStatus
	Log    string
}

// BuildReport holds the result of a Build for every requested device
type BuildReport struct {
	Program ProgramID
	Devices []DeviceBuild
}

// OK reports whether every device built
func (r BuildReport) OK() bool {
	for _, d := range r.Devices {
		if d.Status != BuildSuccess {
			return false
		}
	}
	return len(r.Devices) > 0
}

type programObj struct {
	id     ProgramID
	ctx    *contextObj
	name   string
	source string

	unit    *kernelsrc.Unit
	drv     driver.Program
	status  map[DeviceID]DeviceBuild
	lastErr *BuildError
	kernels int
}

func (p *programObj) builtAny() bool {
	for _, b := range p.status {
		if b.Status == BuildSuccess {
			return true
		}
	}
	return false
}

func (p *programObj) notBuilt() error {
	if p.lastErr != nil {
		return fmt.Errorf("%s: %w: %w", p.id, ErrNotBuilt, p.lastErr)
	}
	return fmt.Errorf("%s: %w", p.id, ErrNotBuilt)
}

// LoadSource creates an unbuilt program from source text
func (s *Session) LoadSource(ctxID ContextID, source string) (ProgramID, error) {
	return s.LoadNamedSource(ctxID, "", source)
}

// LoadNamedSource is LoadSource with a file name used in build diagnostics
func (s *Session) LoadNamedSource(ctxID ContextID, name, source string) (ProgramID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.context(ctxID)
	if err != nil {
		return 0, err
	}
	p := &programObj{ctx: c, name: name, source: source, status: make(map[DeviceID]DeviceBuild)}
	p.id = ProgramID(s.programs.add(p))
	if p.name == "" {
		p.name = fmt.Sprintf("program%d", p.id.raw().index())
	}
	c.programs++
	s.log.Debug("program loaded", "program", p.id.String(), "name", p.name, "bytes", len(source))
	return p.id, nil
}

// Build compiles the program for devices of its context, all of them when
// devices is nil. Each device is reported separately in the BuildReport; if
// any failed the error is a *BuildError holding every device's log.
func (s *Session) Build(pid ProgramID, devices []DeviceID, options string) (BuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := BuildReport{Program: pid}
	p, err := s.program(pid)
	if err != nil {
		return report, err
	}
	if p.kernels > 0 {
		return report, fmt.Errorf("%s has %d live kernels: %w", pid, p.kernels, ErrResourceInUse)
	}
	if devices == nil {
		devices = p.ctx.devices
	}
	if len(devices) == 0 {
		return report, fmt.Errorf("%s: no devices to build for: %w", pid, ErrDeviceNotFound)
	}
	indices := make([]int, len(devices))
	for i, d := range devices {
		idx := p.ctx.deviceIndex(d)
		if idx < 0 {
			return report, fmt.Errorf("%s is not a device of %s: %w", d, p.ctx.id, ErrContextMismatch)
		}
		indices[i] = idx
	}

	if p.drv != nil {
		if err := p.drv.Release(); err != nil {
			s.log.Warn("failed to release previous build", "program", pid.String(), "err", err)
		}
		p.drv = nil
	}
	p.unit = nil
	p.status = make(map[DeviceID]DeviceBuild)

	logs := make([]string, len(devices))
	ok := make([]bool, len(devices))
	var frontErr error
	opts, err := kernelsrc.ParseOptions(options)
	if err != nil {
		frontErr = err
	} else if unit, err := kernelsrc.Parse(p.name, p.source); err != nil {
		frontErr = err
	} else {
		p.unit = unit
		prog, results := p.ctx.drv.Build(driver.Source{Name: p.name, Text: p.source, Options: opts, Unit: unit}, indices)
		p.drv = prog
		for _, r := range results {
			for i, idx := range indices {
				if idx == r.Device {
					logs[i], ok[i] = r.Log, r.OK
				}
			}
		}
	}
	if frontErr != nil {
		var kerr *kernelsrc.Error
		log := frontErr.Error()
		if errors.As(frontErr, &kerr) {
			log = kerr.Log()
		}
		for i := range logs {
			logs[i] = log
		}
	}

	failed := false
	for i, d := range devices {
		b := DeviceBuild{Device: d, Name: p.ctx.infos[indices[i]].Name, Status: BuildSuccess, Log: logs[i]}
		if !ok[i] {
			b.Status = BuildFailed
			failed = true
		}
		p.status[d] = b
		report.Devices = append(report.Devices, b)
	}
	if !p.builtAny() && p.drv != nil {
		_ = p.drv.Release()
		p.drv = nil
	}

	if failed {
		p.lastErr = &BuildError{Program: pid, Devices: report.Devices}
		s.log.Warn("program build failed", "program", pid.String(), "log", p.lastErr.Log())
		return report, p.lastErr
	}
	p.lastErr = nil
	s.log.Debug("program built", "program", pid.String(), "kernels", len(p.unit.Kernels))
	return report, nil
}

// BuildStatus returns the build result of a program on one device
func (s *Session) BuildStatus(pid ProgramID, device DeviceID) (DeviceBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.program(pid)
	if err != nil {
		return DeviceBuild{}, err
	}
	if p.ctx.deviceIndex(device) < 0 {
		return DeviceBuild{}, fmt.Errorf("%s is not a device of %s: %w", device, p.ctx.id, ErrContextMismatch)
	}
	if b, ok := p.status[device]; ok {
		return b, nil
	}
	return DeviceBuild{Device: device, Status: BuildNone}, nil
}

// KernelNames lists the entry points of a built program in declaration
// order
func (s *Session) KernelNames(pid ProgramID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.program(pid)
	if err != nil {
		return nil, err
	}
	if !p.builtAny() {
		return nil, p.notBuilt()
	}
	return p.unit.Names(), nil
}

// Kernel creates a kernel object for the named entry point
func (s *Session) Kernel(pid ProgramID, name string) (KernelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.program(pid)
	if err != nil {
		return 0, err
	}
	if !p.builtAny() {
		return 0, p.notBuilt()
	}
	decl, ok := p.unit.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%q in %s: %w", name, pid, ErrKernelNotFound)
	}
	dk, err := p.drv.Kernel(name)
	if err != nil {
		return 0, fmt.Errorf("%q in %s: %w: %w", name, pid, ErrKernelNotFound, err)
	}
	k := &kernelObj{prog: p, decl: decl, drv: dk, args: make([]argument, len(decl.Params))}
	k.id = KernelID(s.kernels.add(k))
	p.kernels++
	s.log.Debug("kernel created", "kernel", k.id.String(), "name", name, "args", len(decl.Params))
	return k.id, nil
}

func (s *Session) program(id ProgramID) (*programObj, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p, l := s.programs.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return p, nil
}

func (s *Session) releaseProgram(id ProgramID, p *programObj) error {
	if p.kernels > 0 {
		return fmt.Errorf("%s has %d live kernels: %w", id, p.kernels, ErrResourceInUse)
	}
	var err error
	if p.drv != nil {
		err = p.drv.Release()
	}
	p.ctx.programs--
	s.programs.remove(handle(id))
	s.log.Debug("program released", "program", id.String())
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}
