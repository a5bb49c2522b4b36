package driver

import (
	"errors"
	"fmt"
)

// Status codes follow the OpenCL numbering so native codes pass through
// unchanged.
const (
	StatusSuccess                 = 0
	StatusDeviceNotFound          = -1
	StatusDeviceNotAvailable      = -2
	StatusMemAllocationFailure    = -4
	StatusOutOfResources          = -5
	StatusOutOfHostMemory         = -6
	StatusBuildProgramFailure     = -11
	StatusMapFailure              = -12
	StatusExecStatusErrorWaitList = -14
	StatusInvalidValue            = -30
	StatusInvalidPlatform         = -32
	StatusInvalidDevice           = -33
	StatusInvalidContext          = -34
	StatusInvalidMemObject        = -38
	StatusInvalidProgram          = -44
	StatusInvalidKernelName       = -46
	StatusInvalidKernel           = -48
	StatusInvalidArgIndex         = -49
	StatusInvalidArgValue         = -50
	StatusInvalidArgSize          = -51
	StatusInvalidKernelArgs       = -52
	StatusInvalidWorkDimension    = -53
	StatusInvalidWorkGroupSize    = -54
	StatusInvalidWorkItemSize     = -55
	StatusInvalidGlobalOffset     = -56
	StatusInvalidOperation        = -59
	StatusInvalidBufferSize       = -61
	StatusInvalidGlobalWorkSize   = -63
)

var statusNames = map[int]string{
	StatusSuccess:                 "SUCCESS",
	StatusDeviceNotFound:          "DEVICE_NOT_FOUND",
	StatusDeviceNotAvailable:      "DEVICE_NOT_AVAILABLE",
	StatusMemAllocationFailure:    "MEM_OBJECT_ALLOCATION_FAILURE",
	StatusOutOfResources:          "OUT_OF_RESOURCES",
	StatusOutOfHostMemory:         "OUT_OF_HOST_MEMORY",
	StatusMapFailure:              "MAP_FAILURE",
	StatusInvalidPlatform:         "INVALID_PLATFORM",
	StatusBuildProgramFailure:     "BUILD_PROGRAM_FAILURE",
	StatusExecStatusErrorWaitList: "EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	StatusInvalidValue:            "INVALID_VALUE",
	StatusInvalidDevice:           "INVALID_DEVICE",
	StatusInvalidContext:          "INVALID_CONTEXT",
	StatusInvalidMemObject:        "INVALID_MEM_OBJECT",
	StatusInvalidProgram:          "INVALID_PROGRAM",
	StatusInvalidKernelName:       "INVALID_KERNEL_NAME",
	StatusInvalidKernel:           "INVALID_KERNEL",
	StatusInvalidArgIndex:         "INVALID_ARG_INDEX",
	StatusInvalidArgValue:         "INVALID_ARG_VALUE",
	StatusInvalidArgSize:          "INVALID_ARG_SIZE",
	StatusInvalidKernelArgs:       "INVALID_KERNEL_ARGS",
	StatusInvalidWorkDimension:    "INVALID_WORK_DIMENSION",
	StatusInvalidWorkGroupSize:    "INVALID_WORK_GROUP_SIZE",
	StatusInvalidWorkItemSize:     "INVALID_WORK_ITEM_SIZE",
	StatusInvalidGlobalOffset:     "INVALID_GLOBAL_OFFSET",
	StatusInvalidOperation:        "INVALID_OPERATION",
	StatusInvalidBufferSize:       "INVALID_BUFFER_SIZE",
	StatusInvalidGlobalWorkSize:   "INVALID_GLOBAL_WORK_SIZE",
}

// StatusName returns the symbolic name of a status code
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATUS(%d)", code)
}

// StatusError is a failure reported by a device runtime
type StatusError struct {
	Op   string
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s (%d)", e.Op, StatusName(e.Code), e.Code)
	}
	return fmt.Sprintf("%s: %s: %s (%d)", e.Op, e.Msg, StatusName(e.Code), e.Code)
}

// Errorf returns a *StatusError with a formatted message
func Errorf(op string, code int, format string, args ...interface{}) *StatusError {
	return &StatusError{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Code extracts the status code from err, StatusOutOfResources when err
// carries none and StatusSuccess for nil
func Code(err error) int {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusOutOfResources
}
