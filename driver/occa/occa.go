// Package occa is a driver over OCCA through gocca. Each configured device
// mode ("Serial", "OpenMP", "CUDA", ...) that OCCA can open becomes a
// device of a single platform. Programs are OKL; launch geometry comes
// from the @outer/@inner loops of the kernel, so a launch range is only
// validated, not forwarded.
package occa

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/notargets/gocca"

	"github.com/notargets/KernelDispatch/driver"
)

// Name is the registered driver name
const Name = "occa"

// DefaultModes are probed in order by New when no modes are given
var DefaultModes = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "HIP", "device_id": 0}`,
	`{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// maxWorkGroupSize is reported for every OCCA device; OCCA checks the
// real limit when it launches
const maxWorkGroupSize = 1024

type deviceSlot struct {
	props string
	info  driver.DeviceInfo
}

// Driver implements driver.Driver
type Driver struct {
	mu      sync.Mutex
	devices []deviceSlot
	closed  bool
}

var _ driver.Driver = (*Driver)(nil)

// New probes each device property string and keeps those OCCA can open.
// It fails when none can be opened.
func New(modes ...string) (*Driver, error) {
	if len(modes) == 0 {
		modes = DefaultModes
	}
	d := &Driver{}
	var errs []string
	for _, props := range modes {
		dev, err := gocca.NewDevice(props)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", props, err))
			continue
		}
		d.devices = append(d.devices, deviceSlot{props: props, info: describe(dev.Mode(), props)})
		dev.Free()
	}
	if len(d.devices) == 0 {
		return nil, driver.Errorf("New", driver.StatusDeviceNotFound, "no OCCA mode could be opened: %s", strings.Join(errs, "; "))
	}
	return d, nil
}

func describe(mode, props string) driver.DeviceInfo {
	info := driver.DeviceInfo{
		Name:             mode,
		Vendor:           "OCCA",
		Version:          props,
		Type:             driver.DeviceGPU,
		ComputeUnits:     1,
		MaxWorkGroupSize: maxWorkGroupSize,
		MaxWorkItemSizes: [3]int{maxWorkGroupSize, maxWorkGroupSize, 64},
		FP64:             true,
		Features:         []string{"okl"},
	}
	switch mode {
	case "Serial":
		info.Type = driver.DeviceCPU
	case "OpenMP":
		info.Type = driver.DeviceCPU
		info.ComputeUnits = runtime.NumCPU()
	}
	return info
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Platforms() ([]driver.PlatformInfo, error) {
	if err := d.checkOpen("Platforms"); err != nil {
		return nil, err
	}
	return []driver.PlatformInfo{{Name: "OCCA", Vendor: "libocca", Version: "gocca"}}, nil
}

func (d *Driver) Devices(platform int) ([]driver.DeviceInfo, error) {
	if err := d.checkOpen("Devices"); err != nil {
		return nil, err
	}
	if platform != 0 {
		return nil, driver.Errorf("Devices", driver.StatusInvalidValue, "no platform %d", platform)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.DeviceInfo, len(d.devices))
	for i, s := range d.devices {
		out[i] = s.info
	}
	return out, nil
}

// CreateContext opens the OCCA device. OCCA memory belongs to a single
// device, so contexts hold exactly one.
func (d *Driver) CreateContext(platform int, devices []int) (driver.Context, error) {
	if err := d.checkOpen("CreateContext"); err != nil {
		return nil, err
	}
	if platform != 0 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "no platform %d", platform)
	}
	if len(devices) != 1 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "OCCA contexts hold one device, got %d", len(devices))
	}
	d.mu.Lock()
	if devices[0] < 0 || devices[0] >= len(d.devices) {
		d.mu.Unlock()
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidDevice, "no device %d", devices[0])
	}
	slot := d.devices[devices[0]]
	d.mu.Unlock()

	dev, err := gocca.NewDevice(slot.props)
	if err != nil {
		return nil, driver.Errorf("CreateContext", driver.StatusDeviceNotAvailable, "%v", err)
	}
	return &occaContext{dev: dev, mode: dev.Mode()}, nil
}

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

type occaContext struct {
	// OCCA devices are not safe for concurrent use
	mu       sync.Mutex
	dev      *gocca.OCCADevice
	mode     string
	released bool
}

// lock acquires c.mu on success; the caller unlocks
func (c *occaContext) lock(op string, device int) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return driver.Errorf(op, driver.StatusInvalidContext, "context released")
	}
	if device != 0 {
		c.mu.Unlock()
		return driver.Errorf(op, driver.StatusInvalidDevice, "no device %d in context", device)
	}
	return nil
}

func (c *occaContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.released = true
		c.dev.Free()
	}
	return nil
}

// kernelProps renders build options as OCCA kernel properties
func kernelProps(mode string, defines map[string]string, flags []string) string {
	props := map[string]interface{}{}
	if len(defines) > 0 {
		props["defines"] = defines
	}
	switch {
	case len(flags) > 0:
		props["compiler_flags"] = strings.Join(flags, " ")
	case mode == "OpenMP":
		// OCCA's OpenMP mode does not add -O3 by itself
		props["compiler_flags"] = "-O3"
	}
	b, _ := json.Marshal(props)
	return string(b)
}
