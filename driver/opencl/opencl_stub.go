//go:build !opencl

package opencl

import "github.com/notargets/KernelDispatch/driver"

// New reports ErrUnavailable when OpenCL support is not compiled in
func New() (driver.Driver, error) {
	return nil, ErrUnavailable
}
