//go:build !webgpu

package webgpu

import "github.com/notargets/KernelDispatch/driver"

// New reports ErrUnavailable when WebGPU support is not compiled in
func New() (driver.Driver, error) {
	return nil, ErrUnavailable
}
