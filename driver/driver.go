// Package driver defines the contract between the dispatch session and a
// device runtime.
//
// A driver exposes synchronous primitives only: enumeration, contexts,
// memory transfers, program builds and kernel launches. Queues, events and
// dependency ordering are implemented above this layer, so a Launch call
// returns when the device work has finished.
package driver

import (
	"fmt"
	"strings"

	"github.com/notargets/KernelDispatch/kernelsrc"
)

// DeviceType is a device capability class. Values combine as a filter.
type DeviceType uint

const (
	DeviceCPU DeviceType = 1 << iota
	DeviceGPU
	DeviceAccelerator

	DeviceAny = DeviceCPU | DeviceGPU | DeviceAccelerator
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	case DeviceAccelerator:
		return "ACCELERATOR"
	case DeviceAny:
		return "ANY"
	}
	var parts []string
	for _, c := range []DeviceType{DeviceCPU, DeviceGPU, DeviceAccelerator} {
		if t&c != 0 {
			parts = append(parts, c.String())
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("DeviceType(%d)", uint(t))
	}
	return strings.Join(parts, "|")
}

// ParseDeviceType parses cpu, gpu, accelerator or any, case-insensitively
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	case "accelerator", "acc":
		return DeviceAccelerator, nil
	case "", "any", "all":
		return DeviceAny, nil
	default:
		return 0, fmt.Errorf("unknown device type %q", s)
	}
}

// AccessMode is how kernels may access a buffer
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
	WriteOnly
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return "READ_WRITE"
	}
}

// PlatformInfo describes a vendor runtime
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
}

// DeviceInfo describes one compute device
type DeviceInfo struct {
	Name             string
	Vendor           string
	Version          string
	Type             DeviceType
	ComputeUnits     int
	MaxWorkGroupSize int
	MaxWorkItemSizes [3]int
	GlobalMemSize    int64
	FP64             bool
	Features         []string
}

// Driver is a device runtime. Platform and device arguments are indices
// into the slices returned by Platforms and Devices.
type Driver interface {
	Name() string
	Platforms() ([]PlatformInfo, error)
	Devices(platform int) ([]DeviceInfo, error)
	CreateContext(platform int, devices []int) (Context, error)
	Close() error
}

// Context owns memory and programs for a set of devices. Device arguments
// index into the devices the context was created with.
type Context interface {
	Alloc(size int, mode AccessMode) (Memory, error)
	Build(src Source, devices []int) (Program, []BuildResult)
	Release() error
}

// Source is a program ready to build. Unit holds the parsed kernel
// declarations of Text.
type Source struct {
	Name    string
	Text    string
	Options kernelsrc.Options
	Unit    *kernelsrc.Unit
}

// BuildResult is the outcome of building a program for one device
type BuildResult struct {
	Device int
	OK     bool
	Log    string
}

// Memory is a device allocation
type Memory interface {
	Size() int
	Read(device, offset int, dst []byte) error
	Write(device, offset int, src []byte) error
	Release() error
}

// Copier is implemented by memory that can copy to another allocation of
// the same context without staging through the host
type Copier interface {
	CopyTo(device int, dst Memory, srcOffset, dstOffset, n int) error
}

// Program is a built program. Kernel fails for devices whose build failed.
type Program interface {
	Kernel(name string) (Kernel, error)
	Release() error
}

// Kernel is an entry point of a built program
type Kernel interface {
	Name() string
	Launch(l Launch) error
	Release() error
}

// Launch is one N-dimensional kernel execution. A zero Local lets the
// driver choose the work-group size.
type Launch struct {
	Device int
	Dims   int
	Global [3]int
	Local  [3]int
	Offset [3]int
	Args   []Arg
}

// Items returns the total number of work items
func (l Launch) Items() int {
	n := 1
	for d := 0; d < l.Dims; d++ {
		n *= l.Global[d]
	}
	return n
}

// Arg is one positional kernel argument
type Arg struct {
	Kind   kernelsrc.Kind
	Memory Memory // KindBuffer
	Value  []byte // KindScalar, little-endian
	Size   int    // KindLocal, bytes per work group
}
