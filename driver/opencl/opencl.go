// Package opencl is a driver over the system OpenCL ICD loader. The cgo
// implementation is compiled with the opencl build tag; without it New
// reports ErrUnavailable.
package opencl

import "errors"

// Name is the registered driver name
const Name = "opencl"

// ErrUnavailable is returned when the binary was built without OpenCL
var ErrUnavailable = errors.New("opencl support requires building with '-tags opencl'")
