package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/KernelDispatch/driver"
)

var (
	ErrNoPlatformAvailable   = errors.New("no compute platform available")
	ErrDeviceNotFound        = errors.New("no device matches the selection")
	ErrContextCreationFailed = errors.New("context creation failed")
	ErrBuild                 = errors.New("program build failed")
	ErrNotBuilt              = errors.New("program is not built")
	ErrKernelNotFound        = errors.New("kernel not found")
	ErrSizeMismatch          = errors.New("size mismatch")
	ErrUnboundArgument       = errors.New("kernel argument is unbound")
	ErrArgumentIndex         = errors.New("kernel argument index out of range")
	ErrArgumentType          = errors.New("kernel argument type mismatch")
	ErrContextMismatch       = errors.New("objects belong to different contexts")
	ErrInvalidWorkGroupSize  = errors.New("invalid work-group size")
	ErrInvalidWorkSize       = errors.New("invalid global work size")
	ErrResourceInUse         = errors.New("resource in use")
	ErrReleased              = errors.New("handle already released")
	ErrInvalidHandle         = errors.New("invalid handle")
	ErrDeviceExecution       = errors.New("device execution failed")
	ErrClosed                = errors.New("session closed")
)

// BuildError reports a program build that failed on at least one device.
// Devices holds every device's result, including those that succeeded.
type BuildError struct {
	Program ProgramID
	Devices []DeviceBuild
}

func (e *BuildError) Error() string {
	failed := 0
	for _, d := range e.Devices {
		if d.Status != BuildSuccess {
			failed++
		}
	}
	return fmt.Sprintf("%s: %s on %d of %d devices:\n%s", ErrBuild, e.Program, failed, len(e.Devices), e.Log())
}

func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// Log returns the logs of the failed devices, each under a header naming
// the device. It is never empty.
func (e *BuildError) Log() string {
	var sb strings.Builder
	for _, d := range e.Devices {
		if d.Status == BuildSuccess {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("--- %s %q ---\n", d.Device, d.Name))
		if d.Log == "" {
			sb.WriteString("build failed with no diagnostic output")
		} else {
			sb.WriteString(d.Log)
		}
	}
	if sb.Len() == 0 {
		return "build failed with no diagnostic output"
	}
	return sb.String()
}

// DeviceExecutionError is the failure of an enqueued command. Code is the
// driver status code.
type DeviceExecutionError struct {
	Code int
	Op   string
	Err  error
}

func (e *DeviceExecutionError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s (%d)", ErrDeviceExecution, e.Op, driver.StatusName(e.Code), e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceExecutionError) Unwrap() error { return e.Err }

func (e *DeviceExecutionError) Is(target error) bool { return target == ErrDeviceExecution }

func execError(op string, err error) *DeviceExecutionError {
	var de *DeviceExecutionError
	if errors.As(err, &de) {
		return &DeviceExecutionError{Code: de.Code, Op: op, Err: err}
	}
	return &DeviceExecutionError{Code: driver.Code(err), Op: op, Err: err}
}

func lookupError(h Handle, l lookup) error {
	switch l {
	case released:
		return fmt.Errorf("%s: %w", h, ErrReleased)
	default:
		return fmt.Errorf("%s: %w", h, ErrInvalidHandle)
	}
}
