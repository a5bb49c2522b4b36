//go:build opencl

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// CL_PLATFORM_NOT_FOUND_KHR, returned by ICD loaders with no platforms
const platformNotFoundKHR = -1001

type platformRecord struct {
	id      C.cl_platform_id
	info    driver.PlatformInfo
	devices []deviceRecord
}

type deviceRecord struct {
	id   C.cl_device_id
	info driver.DeviceInfo
}

// Driver implements driver.Driver over OpenCL
type Driver struct {
	mu        sync.Mutex
	platforms []platformRecord
	closed    bool
}

var _ driver.Driver = (*Driver)(nil)

// New enumerates the OpenCL platforms and their devices
func New() (driver.Driver, error) {
	records, err := enumeratePlatforms()
	if err != nil {
		return nil, err
	}
	return &Driver{platforms: records}, nil
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Platforms() ([]driver.PlatformInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.Errorf("Platforms", driver.StatusInvalidOperation, "driver closed")
	}
	out := make([]driver.PlatformInfo, len(d.platforms))
	for i, p := range d.platforms {
		out[i] = p.info
	}
	return out, nil
}

func (d *Driver) Devices(platform int) ([]driver.DeviceInfo, error) {
	p, err := d.platform("Devices", platform)
	if err != nil {
		return nil, err
	}
	out := make([]driver.DeviceInfo, len(p.devices))
	for i, dev := range p.devices {
		out[i] = dev.info
	}
	return out, nil
}

func (d *Driver) platform(op string, platform int) (platformRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return platformRecord{}, driver.Errorf(op, driver.StatusInvalidOperation, "driver closed")
	}
	if platform < 0 || platform >= len(d.platforms) {
		return platformRecord{}, driver.Errorf(op, driver.StatusInvalidValue, "no platform %d", platform)
	}
	return d.platforms[platform], nil
}

func (d *Driver) CreateContext(platform int, devices []int) (driver.Context, error) {
	p, err := d.platform("CreateContext", platform)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "no devices")
	}
	ids := make([]C.cl_device_id, len(devices))
	for i, idx := range devices {
		if idx < 0 || idx >= len(p.devices) {
			return nil, driver.Errorf("CreateContext", driver.StatusInvalidDevice, "no device %d on platform %d", idx, platform)
		}
		ids[i] = p.devices[idx].id
	}

	var status C.cl_int
	ctx := C.clCreateContext(nil, C.cl_uint(len(ids)), &ids[0], nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}
	c := &clContext{ctx: ctx, devices: ids}
	for _, id := range ids {
		q := C.clCreateCommandQueue(ctx, id, 0, &status)
		if status != C.CL_SUCCESS {
			c.Release()
			return nil, statusError("clCreateCommandQueue", status)
		}
		c.queues = append(c.queues, q)
	}
	return c, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type clContext struct {
	mu       sync.Mutex
	ctx      C.cl_context
	devices  []C.cl_device_id
	queues   []C.cl_command_queue
	released bool
}

func (c *clContext) queue(op string, dev int) (C.cl_command_queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, driver.Errorf(op, driver.StatusInvalidContext, "context released")
	}
	if dev < 0 || dev >= len(c.queues) {
		return nil, driver.Errorf(op, driver.StatusInvalidDevice, "no device %d in context", dev)
	}
	return c.queues[dev], nil
}

func (c *clContext) Alloc(size int, mode driver.AccessMode) (driver.Memory, error) {
	if size <= 0 {
		return nil, driver.Errorf("Alloc", driver.StatusInvalidBufferSize, "size %d", size)
	}
	flags := C.cl_mem_flags(C.CL_MEM_READ_WRITE)
	switch mode {
	case driver.ReadOnly:
		flags = C.CL_MEM_READ_ONLY
	case driver.WriteOnly:
		flags = C.CL_MEM_WRITE_ONLY
	}
	var status C.cl_int
	mem := C.clCreateBuffer(c.ctx, flags, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &clMemory{ctx: c, mem: mem, size: size}, nil
}

func (c *clContext) Build(src driver.Source, devices []int) (driver.Program, []driver.BuildResult) {
	results := make([]driver.BuildResult, len(devices))
	fail := func(log string) (driver.Program, []driver.BuildResult) {
		for i, dev := range devices {
			results[i] = driver.BuildResult{Device: dev, Log: log}
		}
		return nil, results
	}
	if src.Unit != nil && src.Unit.Dialect != kernelsrc.DialectOpenCL {
		return fail(fmt.Sprintf("%s: error: OpenCL compiles OpenCL C, not %s", src.Name, src.Unit.Dialect))
	}
	ids := make([]C.cl_device_id, len(devices))
	for i, dev := range devices {
		if dev < 0 || dev >= len(c.devices) {
			return fail(fmt.Sprintf("no device %d in context", dev))
		}
		ids[i] = c.devices[dev]
	}

	text := C.CString(src.Text)
	defer C.free(unsafe.Pointer(text))
	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &text, nil, &status)
	if status != C.CL_SUCCESS {
		return fail(statusError("clCreateProgramWithSource", status).Error())
	}
	opts := C.CString(src.Options.String())
	defer C.free(unsafe.Pointer(opts))
	// per-device status and logs are read back below
	C.clBuildProgram(prog, C.cl_uint(len(ids)), &ids[0], opts, nil, nil)

	p := &clProgram{ctx: c, prog: prog}
	anyOK := false
	for i, id := range ids {
		var bs C.cl_build_status
		C.clGetProgramBuildInfo(prog, id, C.CL_PROGRAM_BUILD_STATUS, C.size_t(unsafe.Sizeof(bs)), unsafe.Pointer(&bs), nil)
		results[i] = driver.BuildResult{Device: devices[i], OK: bs == C.CL_BUILD_SUCCESS, Log: buildLog(prog, id)}
		anyOK = anyOK || results[i].OK
	}
	if !anyOK {
		C.clReleaseProgram(prog)
		return nil, results
	}
	return p, results
}

func buildLog(prog C.cl_program, dev C.cl_device_id) string {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimSpace(trimNull(buf))
}

func (c *clContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	for _, q := range c.queues {
		C.clReleaseCommandQueue(q)
	}
	C.clReleaseContext(c.ctx)
	return nil
}

type clMemory struct {
	ctx  *clContext
	size int

	mu  sync.Mutex
	mem C.cl_mem
}

func (m *clMemory) Size() int { return m.size }

func (m *clMemory) handle(op string, offset, n int) (C.cl_mem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil, driver.Errorf(op, driver.StatusInvalidMemObject, "memory released")
	}
	if offset < 0 || n < 0 || offset+n > m.size {
		return nil, driver.Errorf(op, driver.StatusInvalidValue, "range [%d, %d) outside %d bytes", offset, offset+n, m.size)
	}
	return m.mem, nil
}

func (m *clMemory) Read(device, offset int, dst []byte) error {
	mem, err := m.handle("Read", offset, len(dst))
	if err != nil || len(dst) == 0 {
		return err
	}
	q, err := m.ctx.queue("Read", device)
	if err != nil {
		return err
	}
	status := C.clEnqueueReadBuffer(q, mem, C.CL_TRUE, C.size_t(offset), C.size_t(len(dst)), unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	return nil
}

func (m *clMemory) Write(device, offset int, src []byte) error {
	mem, err := m.handle("Write", offset, len(src))
	if err != nil || len(src) == 0 {
		return err
	}
	q, err := m.ctx.queue("Write", device)
	if err != nil {
		return err
	}
	status := C.clEnqueueWriteBuffer(q, mem, C.CL_TRUE, C.size_t(offset), C.size_t(len(src)), unsafe.Pointer(&src[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	return nil
}

// CopyTo copies on the device without staging through the host
func (m *clMemory) CopyTo(device int, dst driver.Memory, srcOffset, dstOffset, n int) error {
	to, ok := dst.(*clMemory)
	if !ok || to.ctx != m.ctx {
		return driver.Errorf("CopyTo", driver.StatusInvalidMemObject, "destination is not memory of this context")
	}
	from, err := m.handle("CopyTo", srcOffset, n)
	if err != nil {
		return err
	}
	into, err := to.handle("CopyTo", dstOffset, n)
	if err != nil {
		return err
	}
	q, err := m.ctx.queue("CopyTo", device)
	if err != nil {
		return err
	}
	status := C.clEnqueueCopyBuffer(q, from, into, C.size_t(srcOffset), C.size_t(dstOffset), C.size_t(n), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueCopyBuffer", status)
	}
	if status = C.clFinish(q); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (m *clMemory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem != nil {
		C.clReleaseMemObject(m.mem)
		m.mem = nil
	}
	return nil
}

type clProgram struct {
	ctx  *clContext
	prog C.cl_program
	once sync.Once
}

func (p *clProgram) Kernel(name string) (driver.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var status C.cl_int
	k := C.clCreateKernel(p.prog, cname, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateKernel "+name, status)
	}
	return &clKernel{prog: p, name: name, kernel: k}, nil
}

func (p *clProgram) Release() error {
	p.once.Do(func() { C.clReleaseProgram(p.prog) })
	return nil
}

type clKernel struct {
	prog *clProgram
	name string

	// argument state lives on the kernel object, so launches are serialized
	mu     sync.Mutex
	kernel C.cl_kernel
}

func (k *clKernel) Name() string { return k.name }

func (k *clKernel) Launch(l driver.Launch) error {
	op := "Launch " + k.name
	q, err := k.prog.ctx.queue(op, l.Device)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kernel == nil {
		return driver.Errorf(op, driver.StatusInvalidKernel, "kernel released")
	}

	for i, a := range l.Args {
		var status C.cl_int
		switch a.Kind {
		case kernelsrc.KindBuffer:
			m, ok := a.Memory.(*clMemory)
			if !ok {
				return driver.Errorf(op, driver.StatusInvalidMemObject, "argument %d is not OpenCL memory", i)
			}
			mem, err := m.handle(op, 0, 0)
			if err != nil {
				return err
			}
			status = C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
		case kernelsrc.KindScalar:
			if len(a.Value) == 0 {
				return driver.Errorf(op, driver.StatusInvalidArgValue, "argument %d has no value", i)
			}
			status = C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(len(a.Value)), unsafe.Pointer(&a.Value[0]))
		case kernelsrc.KindLocal:
			status = C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(a.Size), nil)
		}
		if status != C.CL_SUCCESS {
			return statusError(fmt.Sprintf("clSetKernelArg(%d)", i), status)
		}
	}

	var global, local, offset [3]C.size_t
	for d := 0; d < l.Dims; d++ {
		global[d] = C.size_t(l.Global[d])
		local[d] = C.size_t(l.Local[d])
		offset[d] = C.size_t(l.Offset[d])
	}
	localPtr := &local[0]
	if l.Local[0] == 0 {
		localPtr = nil
	}

	var ev C.cl_event
	status := C.clEnqueueNDRangeKernel(q, k.kernel, C.cl_uint(l.Dims), &offset[0], &global[0], localPtr, 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueNDRangeKernel", status)
	}
	defer C.clReleaseEvent(ev)
	if status = C.clWaitForEvents(1, &ev); status != C.CL_SUCCESS && status != C.CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST {
		return statusError("clWaitForEvents", status)
	}
	var exec C.cl_int
	status = C.clGetEventInfo(ev, C.CL_EVENT_COMMAND_EXECUTION_STATUS, C.size_t(unsafe.Sizeof(exec)), unsafe.Pointer(&exec), nil)
	if status != C.CL_SUCCESS {
		return statusError("clGetEventInfo", status)
	}
	if exec < 0 {
		return statusError(op, exec)
	}
	return nil
}

func (k *clKernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kernel != nil {
		C.clReleaseKernel(k.kernel)
		k.kernel = nil
	}
	return nil
}

func enumeratePlatforms() ([]platformRecord, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status == platformNotFoundKHR {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}
	ids := make([]C.cl_platform_id, int(count))
	if status = C.clGetPlatformIDs(count, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	records := make([]platformRecord, 0, len(ids))
	for _, pid := range ids {
		rec := platformRecord{id: pid}
		var err error
		if rec.info.Name, err = platformString(pid, C.CL_PLATFORM_NAME); err != nil {
			return nil, err
		}
		if rec.info.Vendor, err = platformString(pid, C.CL_PLATFORM_VENDOR); err != nil {
			return nil, err
		}
		if rec.info.Version, err = platformString(pid, C.CL_PLATFORM_VERSION); err != nil {
			return nil, err
		}
		if rec.devices, err = enumerateDevices(pid); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func enumerateDevices(platform C.cl_platform_id) ([]deviceRecord, error) {
	var count C.cl_uint
	status := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND || (status == C.CL_SUCCESS && count == 0) {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}
	ids := make([]C.cl_device_id, int(count))
	if status = C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, count, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	devices := make([]deviceRecord, 0, len(ids))
	for _, id := range ids {
		info, err := deviceInfo(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, deviceRecord{id: id, info: info})
	}
	return devices, nil
}

func deviceInfo(id C.cl_device_id) (driver.DeviceInfo, error) {
	var info driver.DeviceInfo
	var err error
	if info.Name, err = deviceString(id, C.CL_DEVICE_NAME); err != nil {
		return info, err
	}
	if info.Vendor, err = deviceString(id, C.CL_DEVICE_VENDOR); err != nil {
		return info, err
	}
	if info.Version, err = deviceString(id, C.CL_DEVICE_VERSION); err != nil {
		return info, err
	}
	ext, err := deviceString(id, C.CL_DEVICE_EXTENSIONS)
	if err != nil {
		return info, err
	}
	info.Features = strings.Fields(ext)

	var rawType C.cl_device_type
	var units C.cl_uint
	var groupSize C.size_t
	var itemSizes [3]C.size_t
	var globalMem C.cl_ulong
	var fp64 C.cl_device_fp_config
	queries := []struct {
		name  string
		param C.cl_device_info
		size  uintptr
		ptr   unsafe.Pointer
	}{
		{"type", C.CL_DEVICE_TYPE, unsafe.Sizeof(rawType), unsafe.Pointer(&rawType)},
		{"computeUnits", C.CL_DEVICE_MAX_COMPUTE_UNITS, unsafe.Sizeof(units), unsafe.Pointer(&units)},
		{"workGroupSize", C.CL_DEVICE_MAX_WORK_GROUP_SIZE, unsafe.Sizeof(groupSize), unsafe.Pointer(&groupSize)},
		{"workItemSizes", C.CL_DEVICE_MAX_WORK_ITEM_SIZES, unsafe.Sizeof(itemSizes), unsafe.Pointer(&itemSizes[0])},
		{"globalMem", C.CL_DEVICE_GLOBAL_MEM_SIZE, unsafe.Sizeof(globalMem), unsafe.Pointer(&globalMem)},
	}
	for _, q := range queries {
		if status := C.clGetDeviceInfo(id, q.param, C.size_t(q.size), q.ptr, nil); status != C.CL_SUCCESS {
			return info, statusError("clGetDeviceInfo("+q.name+")", status)
		}
	}
	// CL_DEVICE_DOUBLE_FP_CONFIG is optional before OpenCL 1.2
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_DOUBLE_FP_CONFIG, C.size_t(unsafe.Sizeof(fp64)), unsafe.Pointer(&fp64), nil); status != C.CL_SUCCESS {
		fp64 = 0
	}

	info.Type = mapDeviceType(rawType)
	info.ComputeUnits = int(units)
	info.MaxWorkGroupSize = int(groupSize)
	for d := range itemSizes {
		info.MaxWorkItemSizes[d] = int(itemSizes[d])
	}
	info.GlobalMemSize = int64(globalMem)
	info.FP64 = fp64 != 0
	return info, nil
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	if status := C.clGetPlatformInfo(id, param, 0, nil, &size); status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, int(size))
	if status := C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(value)", status)
	}
	return trimNull(buf), nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	if status := C.clGetDeviceInfo(id, param, 0, nil, &size); status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, int(size))
	if status := C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if n := len(buf); n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	return string(buf)
}

func mapDeviceType(dt C.cl_device_type) driver.DeviceType {
	var t driver.DeviceType
	if dt&C.CL_DEVICE_TYPE_CPU != 0 {
		t |= driver.DeviceCPU
	}
	if dt&C.CL_DEVICE_TYPE_GPU != 0 {
		t |= driver.DeviceGPU
	}
	if dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0 {
		t |= driver.DeviceAccelerator
	}
	return t
}

func statusError(op string, status C.cl_int) error {
	return driver.Errorf(op, int(status), "")
}
