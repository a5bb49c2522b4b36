// Package webgpu is a driver over wgpu-native. Programs are WGSL compute
// shaders: storage bindings carry buffers and uniform bindings carry
// by-value arguments. The implementation is compiled with the webgpu
// build tag; without it New reports ErrUnavailable.
package webgpu

import (
	"errors"
	"fmt"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// Name is the registered driver name
const Name = "webgpu"

// ErrUnavailable is returned when the binary was built without WebGPU
var ErrUnavailable = errors.New("webgpu support requires building with '-tags webgpu'")

// Limits reported for every adapter. They are the WebGPU defaults, which
// every conforming device supports.
const (
	maxInvocations = 256
	maxWorkgroupZ  = 64
	// uniform buffers bind in 16-byte units
	uniformAlign = 16
)

func align(n, to int) int {
	return (n + to - 1) / to * to
}

// workgroups returns the dispatch counts that cover l with the kernel's
// declared workgroup size
func workgroups(k kernelsrc.Kernel, l driver.Launch) ([3]uint32, error) {
	ws := k.WorkgroupSize
	var out [3]uint32
	for d := 0; d < 3; d++ {
		if ws[d] <= 0 {
			ws[d] = 1
		}
		out[d] = 1
		if d >= l.Dims {
			continue
		}
		if l.Local[d] != 0 && l.Local[d] != ws[d] {
			return out, driver.Errorf("Launch "+k.Name, driver.StatusInvalidWorkGroupSize,
				"local size %d in dimension %d, shader declares @workgroup_size %d", l.Local[d], d, ws[d])
		}
		if l.Offset[d] != 0 {
			return out, driver.Errorf("Launch "+k.Name, driver.StatusInvalidGlobalOffset, "WebGPU has no global offset")
		}
		out[d] = uint32((l.Global[d] + ws[d] - 1) / ws[d])
	}
	return out, nil
}

// uniformBytes pads a by-value argument to a uniform binding
func uniformBytes(p kernelsrc.Param, v []byte) ([]byte, error) {
	if size := p.ValueSize(); size > 0 && len(v) != size {
		return nil, fmt.Errorf("%d bytes for '%s %s'", len(v), p.TypeName(), p.Name)
	}
	out := make([]byte, align(len(v), uniformAlign))
	copy(out, v)
	return out, nil
}
