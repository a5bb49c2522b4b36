//go:build webgpu

package webgpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// Driver exposes every adapter of one wgpu instance as a single platform
type Driver struct {
	instance *wgpu.Instance
	adapters []*wgpu.Adapter
	infos    []driver.DeviceInfo
}

// New creates a wgpu instance and enumerates its adapters
func New() (driver.Driver, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, driver.Errorf("New", driver.StatusDeviceNotFound, "failed to create a wgpu instance")
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil {
			instance.Release()
			return nil, driver.Errorf("New", driver.StatusDeviceNotFound, "failed to request an adapter: %v", err)
		}
		adapters = []*wgpu.Adapter{adapter}
	}
	d := &Driver{instance: instance, adapters: adapters}
	for _, a := range adapters {
		d.infos = append(d.infos, describe(a))
	}
	return d, nil
}

func describe(a *wgpu.Adapter) driver.DeviceInfo {
	info := a.GetInfo()
	typ := driver.DeviceGPU
	if info.AdapterType == wgpu.AdapterTypeCPU {
		typ = driver.DeviceCPU
	}
	return driver.DeviceInfo{
		Name:             info.Name,
		Vendor:           info.VendorName,
		Version:          fmt.Sprintf("%04x:%04x", info.VendorId, info.DeviceId),
		Type:             typ,
		ComputeUnits:     1,
		MaxWorkGroupSize: maxInvocations,
		MaxWorkItemSizes: [3]int{maxInvocations, maxInvocations, maxWorkgroupZ},
		Features:         []string{"wgsl"},
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Platforms() ([]driver.PlatformInfo, error) {
	return []driver.PlatformInfo{{Name: "WebGPU", Vendor: "wgpu-native", Version: "1.0"}}, nil
}

func (d *Driver) Devices(platform int) ([]driver.DeviceInfo, error) {
	if platform != 0 {
		return nil, driver.Errorf("Devices", driver.StatusInvalidPlatform, "platform %d", platform)
	}
	return append([]driver.DeviceInfo(nil), d.infos...), nil
}

// CreateContext opens a logical device on one adapter. WebGPU devices do
// not share memory, so a context holds exactly one.
func (d *Driver) CreateContext(platform int, devices []int) (driver.Context, error) {
	if platform != 0 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidPlatform, "platform %d", platform)
	}
	if len(devices) != 1 {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidValue, "a WebGPU context holds one device, got %d", len(devices))
	}
	idx := devices[0]
	if idx < 0 || idx >= len(d.adapters) {
		return nil, driver.Errorf("CreateContext", driver.StatusInvalidDevice, "device %d", idx)
	}
	dev, err := d.adapters[idx].RequestDevice(nil)
	if err != nil {
		return nil, driver.Errorf("CreateContext", driver.StatusDeviceNotAvailable, "failed to request device: %v", err)
	}
	return &gpuContext{dev: dev, queue: dev.GetQueue()}, nil
}

func (d *Driver) Close() error {
	for _, a := range d.adapters {
		a.Release()
	}
	d.adapters = nil
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
	return nil
}

type gpuContext struct {
	// wgpu devices are not safe for concurrent encoding
	mu       sync.Mutex
	dev      *wgpu.Device
	queue    *wgpu.Queue
	released bool
}

func (c *gpuContext) lock(op string) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return driver.Errorf(op, driver.StatusInvalidContext, "context released")
	}
	return nil
}

func (c *gpuContext) Alloc(size int, mode driver.AccessMode) (driver.Memory, error) {
	if err := c.lock("Alloc"); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	buf, err := c.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: fmt.Sprintf("buffer-%d-%s", size, mode),
		Size:  uint64(align(size, 4)),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, driver.Errorf("Alloc", driver.StatusMemAllocationFailure, "%v", err)
	}
	return &gpuMemory{ctx: c, buf: buf, size: size}, nil
}

// wait blocks until the queue has drained
func (c *gpuContext) wait() {
	c.dev.Poll(true, nil)
}

func (c *gpuContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	c.queue.Release()
	c.dev.Release()
	return nil
}

type gpuMemory struct {
	ctx  *gpuContext
	buf  *wgpu.Buffer
	size int
}

func (m *gpuMemory) Size() int { return m.size }

func (m *gpuMemory) bounds(op string, offset, n int) error {
	if offset < 0 || offset+n > m.size {
		return driver.Errorf(op, driver.StatusInvalidValue, "range [%d,%d) outside %d-byte buffer", offset, offset+n, m.size)
	}
	return nil
}

// Read stages the aligned span covering [offset, offset+len(dst)) through
// a mappable buffer
func (m *gpuMemory) Read(device, offset int, dst []byte) error {
	if err := m.bounds("Read", offset, len(dst)); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	if err := m.ctx.lock("Read"); err != nil {
		return err
	}
	defer m.ctx.mu.Unlock()
	return m.readLocked(offset, dst)
}

func (m *gpuMemory) readLocked(offset int, dst []byte) error {
	c := m.ctx
	start := offset / 4 * 4
	span := align(offset+len(dst), 4) - start

	staging, err := c.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "staging",
		Size:  uint64(span),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return driver.Errorf("Read", driver.StatusOutOfResources, "failed to create staging buffer: %v", err)
	}
	defer staging.Destroy()

	enc, err := c.dev.CreateCommandEncoder(nil)
	if err != nil {
		return driver.Errorf("Read", driver.StatusOutOfResources, "%v", err)
	}
	enc.CopyBufferToBuffer(m.buf, uint64(start), staging, 0, uint64(span))
	cmd, err := enc.Finish(nil)
	if err != nil {
		return driver.Errorf("Read", driver.StatusOutOfResources, "%v", err)
	}
	c.queue.Submit(cmd)

	done := false
	var status wgpu.BufferMapAsyncStatus
	staging.MapAsync(wgpu.MapModeRead, 0, uint64(span), func(s wgpu.BufferMapAsyncStatus) {
		status, done = s, true
	})
	for !done {
		c.dev.Poll(true, nil)
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return driver.Errorf("Read", driver.StatusMapFailure, "map status %v", status)
	}
	mapped := staging.GetMappedRange(0, uint(span))
	copy(dst, mapped[offset-start:])
	staging.Unmap()
	return nil
}

// Write uploads src. WebGPU writes whole words, so unaligned spans are
// merged with the current contents first.
func (m *gpuMemory) Write(device, offset int, src []byte) error {
	if err := m.bounds("Write", offset, len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if err := m.ctx.lock("Write"); err != nil {
		return err
	}
	defer m.ctx.mu.Unlock()

	start := offset / 4 * 4
	end := align(offset+len(src), 4)
	data := src
	if start != offset || end-start != len(src) {
		// the allocation is padded to a word, so the span is always backed
		data = make([]byte, end-start)
		if err := m.readLocked(start, data); err != nil {
			return err
		}
		copy(data[offset-start:], src)
	}
	m.ctx.queue.WriteBuffer(m.buf, uint64(start), data)
	m.ctx.wait()
	return nil
}

// CopyTo copies on the device when both spans are word aligned
func (m *gpuMemory) CopyTo(device int, dst driver.Memory, srcOffset, dstOffset, n int) error {
	to, ok := dst.(*gpuMemory)
	if !ok || to.ctx != m.ctx || (srcOffset|dstOffset)%4 != 0 {
		staging := make([]byte, n)
		if err := m.Read(device, srcOffset, staging); err != nil {
			return err
		}
		return dst.Write(device, dstOffset, staging)
	}
	if err := m.bounds("CopyTo", srcOffset, n); err != nil {
		return err
	}
	if err := to.bounds("CopyTo", dstOffset, n); err != nil {
		return err
	}
	if n%4 != 0 && dstOffset+n != to.size {
		// the rounded copy would clobber live bytes after the span
		staging := make([]byte, n)
		if err := m.Read(device, srcOffset, staging); err != nil {
			return err
		}
		return dst.Write(device, dstOffset, staging)
	}
	if err := m.ctx.lock("CopyTo"); err != nil {
		return err
	}
	defer m.ctx.mu.Unlock()
	enc, err := m.ctx.dev.CreateCommandEncoder(nil)
	if err != nil {
		return driver.Errorf("CopyTo", driver.StatusOutOfResources, "%v", err)
	}
	enc.CopyBufferToBuffer(m.buf, uint64(srcOffset), to.buf, uint64(dstOffset), uint64(align(n, 4)))
	cmd, err := enc.Finish(nil)
	if err != nil {
		return driver.Errorf("CopyTo", driver.StatusOutOfResources, "%v", err)
	}
	m.ctx.queue.Submit(cmd)
	m.ctx.wait()
	return nil
}

func (m *gpuMemory) Release() error {
	if m.buf != nil {
		m.buf.Destroy()
		m.buf = nil
	}
	return nil
}

type pipeline struct {
	decl     kernelsrc.Kernel
	layout   *wgpu.BindGroupLayout
	pipeline *wgpu.ComputePipeline
}

type gpuProgram struct {
	ctx       *gpuContext
	pipelines map[string]*pipeline
}

// Build compiles the shader module and creates a compute pipeline per entry
// point. The bind group layout follows the declared bindings.
func (c *gpuContext) Build(src driver.Source, devices []int) (driver.Program, []driver.BuildResult) {
	fail := func(log string) (driver.Program, []driver.BuildResult) {
		results := make([]driver.BuildResult, len(devices))
		for i, d := range devices {
			results[i] = driver.BuildResult{Device: d, Log: log}
		}
		return nil, results
	}
	if src.Unit.Dialect != kernelsrc.DialectWGSL {
		return fail(fmt.Sprintf("%s: the WebGPU driver compiles WGSL, not %s", src.Name, src.Unit.Dialect))
	}
	if len(src.Options.Defines) > 0 {
		return fail(fmt.Sprintf("%s: WGSL has no preprocessor, -D options are not supported", src.Name))
	}
	if err := c.lock("Build"); err != nil {
		return fail(err.Error())
	}
	defer c.mu.Unlock()

	module, err := c.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          src.Name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src.Text},
	})
	if err != nil {
		return fail(fmt.Sprintf("%s: %v", src.Name, err))
	}
	defer module.Release()

	prog := &gpuProgram{ctx: c, pipelines: make(map[string]*pipeline)}
	var logs []string
	for _, k := range src.Unit.Kernels {
		p, err := c.createPipeline(module, k)
		if err != nil {
			logs = append(logs, fmt.Sprintf("%s:%s: %s: %v", src.Name, k.Pos, k.Name, err))
			continue
		}
		prog.pipelines[k.Name] = p
	}
	if len(logs) > 0 {
		prog.releaseLocked()
		return fail(strings.Join(logs, "\n"))
	}

	results := make([]driver.BuildResult, len(devices))
	for i, d := range devices {
		results[i] = driver.BuildResult{Device: d, OK: true}
	}
	return prog, results
}

func (c *gpuContext) createPipeline(module *wgpu.ShaderModule, k kernelsrc.Kernel) (*pipeline, error) {
	entries := make([]wgpu.BindGroupLayoutEntry, len(k.Params))
	for i, p := range k.Params {
		typ := wgpu.BufferBindingTypeStorage
		switch {
		case p.Kind() == kernelsrc.KindScalar:
			typ = wgpu.BufferBindingTypeUniform
		case p.Const:
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(p.Binding),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}
	layout, err := c.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   k.Name,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bind group layout: %w", err)
	}
	pl, err := c.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		layout.Release()
		return nil, fmt.Errorf("failed to create pipeline layout: %w", err)
	}
	defer pl.Release()
	cp, err := c.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  k.Name,
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.Name,
		},
	})
	if err != nil {
		layout.Release()
		return nil, fmt.Errorf("failed to create compute pipeline: %w", err)
	}
	return &pipeline{decl: k, layout: layout, pipeline: cp}, nil
}

func (p *gpuProgram) Kernel(name string) (driver.Kernel, error) {
	pl, ok := p.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("no pipeline for entry point %q", name)
	}
	return &gpuKernel{prog: p, pl: pl}, nil
}

func (p *gpuProgram) releaseLocked() {
	for name, pl := range p.pipelines {
		pl.pipeline.Release()
		pl.layout.Release()
		delete(p.pipelines, name)
	}
}

func (p *gpuProgram) Release() error {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.releaseLocked()
	return nil
}

type gpuKernel struct {
	prog *gpuProgram
	pl   *pipeline
}

func (k *gpuKernel) Name() string { return k.pl.decl.Name }

// Launch binds the arguments, dispatches enough workgroups to cover the
// global range and waits for the queue. Shaders guard their own tail when
// the range is not a multiple of the workgroup size.
func (k *gpuKernel) Launch(l driver.Launch) error {
	op := "Launch " + k.pl.decl.Name
	counts, err := workgroups(k.pl.decl, l)
	if err != nil {
		return err
	}
	c := k.prog.ctx
	if err := c.lock(op); err != nil {
		return err
	}
	defer c.mu.Unlock()

	entries := make([]wgpu.BindGroupEntry, len(l.Args))
	var uniforms []*wgpu.Buffer
	defer func() {
		for _, u := range uniforms {
			u.Destroy()
		}
	}()
	for i, a := range l.Args {
		p := k.pl.decl.Params[i]
		switch a.Kind {
		case kernelsrc.KindBuffer:
			m, ok := a.Memory.(*gpuMemory)
			if !ok || m.ctx != c {
				return driver.Errorf(op, driver.StatusInvalidMemObject, "argument %d is not a buffer of this context", i)
			}
			entries[i] = wgpu.BindGroupEntry{Binding: uint32(p.Binding), Buffer: m.buf, Size: m.buf.GetSize()}
		case kernelsrc.KindScalar:
			data, err := uniformBytes(p, a.Value)
			if err != nil {
				return driver.Errorf(op, driver.StatusInvalidArgSize, "argument %d: %v", i, err)
			}
			u, err := c.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
				Label:    p.Name,
				Contents: data,
				Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
			})
			if err != nil {
				return driver.Errorf(op, driver.StatusOutOfResources, "argument %d: %v", i, err)
			}
			uniforms = append(uniforms, u)
			entries[i] = wgpu.BindGroupEntry{Binding: uint32(p.Binding), Buffer: u, Size: u.GetSize()}
		default:
			return driver.Errorf(op, driver.StatusInvalidArgValue, "argument %d: WGSL declares workgroup memory in the shader", i)
		}
	}

	bg, err := c.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  k.pl.layout,
		Entries: entries,
	})
	if err != nil {
		return driver.Errorf(op, driver.StatusInvalidKernelArgs, "%v", err)
	}
	defer bg.Release()

	enc, err := c.dev.CreateCommandEncoder(nil)
	if err != nil {
		return driver.Errorf(op, driver.StatusOutOfResources, "%v", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(k.pl.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(counts[0], counts[1], counts[2])
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return driver.Errorf(op, driver.StatusOutOfResources, "%v", err)
	}
	c.queue.Submit(cmd)
	c.wait()
	return nil
}

func (k *gpuKernel) Release() error { return nil }
