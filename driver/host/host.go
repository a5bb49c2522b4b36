// Package host is a pure-Go device runtime.
//
// Programs are written in OpenCL C or OKL like any other source unit, but
// only their declarations are compiled: each kernel name must have a Go
// implementation registered in the driver's Library with a matching
// signature. Work groups run in parallel on goroutines, bounded by the
// device's compute units.
package host

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/notargets/KernelDispatch/driver"
)

// DefaultMaxWorkGroupSize is used when a device config leaves it unset
const DefaultMaxWorkGroupSize = 1024

// DeviceConfig describes one emulated device
type DeviceConfig struct {
	Name             string
	Vendor           string
	Type             driver.DeviceType
	ComputeUnits     int
	MaxWorkGroupSize int
	FP64             bool
	// MaxAlloc bounds a single allocation in bytes, 0 for no bound
	MaxAlloc int64
	// Unavailable devices are listed but cannot join a context
	Unavailable bool
}

// PlatformConfig describes one emulated platform
type PlatformConfig struct {
	Name    string
	Vendor  string
	Version string
	Devices []DeviceConfig
}

// Config configures the host driver
type Config struct {
	Platforms []PlatformConfig
	// Library holds the kernel implementations; nil uses DefaultLibrary
	Library *Library
}

// DefaultConfig returns one platform with a single CPU device spanning all
// logical cores
func DefaultConfig() Config {
	return Config{
		Platforms: []PlatformConfig{{
			Name:    "Go Host",
			Vendor:  "KernelDispatch",
			Version: runtime.Version(),
			Devices: []DeviceConfig{{
				Name:         fmt.Sprintf("%s/%s host", runtime.GOOS, runtime.GOARCH),
				Type:         driver.DeviceCPU,
				ComputeUnits: runtime.NumCPU(),
				FP64:         true,
			}},
		}},
	}
}

// Driver implements driver.Driver
type Driver struct {
	cfg      Config
	lib      *Library
	features []string

	mu     sync.Mutex
	closed bool
}

var _ driver.Driver = (*Driver)(nil)

// New creates a host driver
func New(cfg Config) *Driver {
	lib := cfg.Library
	if lib == nil {
		lib = DefaultLibrary()
	}
	cfg.Platforms = append([]PlatformConfig(nil), cfg.Platforms...)
	for p := range cfg.Platforms {
		devs := append([]DeviceConfig(nil), cfg.Platforms[p].Devices...)
		cfg.Platforms[p].Devices = devs
		for d := range devs {
			if devs[d].ComputeUnits <= 0 {
				devs[d].ComputeUnits = 1
			}
			if devs[d].MaxWorkGroupSize <= 0 {
				devs[d].MaxWorkGroupSize = DefaultMaxWorkGroupSize
			}
			if devs[d].Type == 0 {
				devs[d].Type = driver.DeviceCPU
			}
		}
	}
	return &Driver{cfg: cfg, lib: lib, features: cpuFeatures()}
}

// NewDefault creates a host driver with DefaultConfig
func NewDefault() *Driver {
	return New(DefaultConfig())
}

// Library returns the kernel library
func (d *Driver) Library() *Library { return d.lib }

func (d *Driver) Name() string { return "host" }

func (d *Driver) Platforms() ([]driver.PlatformInfo, error) {
	if err := d.checkOpen("Platforms"); err != nil {
		return nil, err
	}
	out := make([]driver.PlatformInfo, len(d.cfg.Platforms))
	for i, p := range d.cfg.Platforms {
		out[i] = driver.PlatformInfo{Name: p.Name, Vendor: p.Vendor, Version: p.Version}
	}
	return out, nil
}

func (d *Driver) Devices(platform int) ([]driver.DeviceInfo, error) {
	if err := d.checkOpen("Devices"); err != nil {
		return nil, err
	}
	if platform < 0 || platform >= len(d.cfg.Platforms) {
		return nil, driver.Errorf("Devices", driver.StatusInvalidValue, "no platform %d", platform)
	}
	p := d.cfg.Platforms[platform]
	out := make([]driver.DeviceInfo, len(p.Devices))
	for i, dc := range p.Devices {
		out[i] = d.deviceInfo(p, dc)
	}
	return out, nil
}

func (d *Driver) deviceInfo(p PlatformConfig, dc DeviceConfig) driver.DeviceInfo {
	vendor := dc.Vendor
	if vendor == "" {
		vendor = p.Vendor
	}
	info := driver.DeviceInfo{
		Name:             dc.Name,
		Vendor:           vendor,
		Version:          p.Version,
		Type:             dc.Type,
		ComputeUnits:     dc.ComputeUnits,
		MaxWorkGroupSize: dc.MaxWorkGroupSize,
		MaxWorkItemSizes: [3]int{dc.MaxWorkGroupSize, dc.MaxWorkGroupSize, dc.MaxWorkGroupSize},
		GlobalMemSize:    dc.MaxAlloc,
		FP64:             dc.FP64,
	}
	if dc.Type&driver.DeviceCPU != 0 {
		info.Features = append([]string(nil), d.features...)
	}
	if dc.FP64 {
		info.Features = append(info.Features, "fp64")
	}
	return info
}

func (d *Driver) CreateContext(platform int, devices []int) (driver.Context, error) {
	if err := d.checkOpen("CreateContext"); err != nil {
		return nil, err
	}
	if platform < 0 || platform >= len(d.cfg.Platforms) {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "no platform %d", platform)
	}
	if len(devices) == 0 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "empty device list")
	}
	p := d.cfg.Platforms[platform]
	ctx := &hostContext{drv: d}
	for _, idx := range devices {
		if idx < 0 || idx >= len(p.Devices) {
			return nil, driver.Errorf("CreateContext", driver.StatusInvalidDevice, "no device %d on platform %q", idx, p.Name)
		}
		dc := p.Devices[idx]
		if dc.Unavailable {
			return nil, driver.Errorf("CreateContext", driver.StatusDeviceNotAvailable, "device %q is not available", dc.Name)
		}
		ctx.devices = append(ctx.devices, dc)
	}
	return ctx, nil
}

// Close marks the driver closed; later calls fail
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) checkOpen(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.Errorf(op, driver.StatusInvalidOperation, "driver closed")
	}
	return nil
}

func cpuFeatures() []string {
	var f []string
	add := func(ok bool, name string) {
		if ok {
			f = append(f, name)
		}
	}
	add(cpu.X86.HasSSE2, "sse2")
	add(cpu.X86.HasSSE41, "sse4.1")
	add(cpu.X86.HasSSE42, "sse4.2")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512, "avx512")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasSVE, "sve")
	return f
}
