package host

import (
	"sync/atomic"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/hostmem"
)

type hostContext struct {
	drv      *Driver
	devices  []DeviceConfig
	released atomic.Bool
}

var _ driver.Context = (*hostContext)(nil)

func (c *hostContext) Alloc(size int, mode driver.AccessMode) (driver.Memory, error) {
	if c.released.Load() {
		return nil, driver.Errorf("Alloc", driver.StatusInvalidContext, "context released")
	}
	if size <= 0 {
		return nil, driver.Errorf("Alloc", driver.StatusInvalidBufferSize, "size %d", size)
	}
	for _, dc := range c.devices {
		if dc.MaxAlloc > 0 && int64(size) > dc.MaxAlloc {
			return nil, driver.Errorf("Alloc", driver.StatusMemAllocationFailure,
				"%d bytes exceeds the %d byte limit of %q", size, dc.MaxAlloc, dc.Name)
		}
	}
	// back with uint64 words so typed views of any element size are aligned
	raw, _ := hostmem.Alloc[uint64]((size + 7) / 8)
	return &memory{ctx: c, data: raw[:size], mode: mode}, nil
}

func (c *hostContext) Release() error {
	c.released.Store(true)
	return nil
}

func (c *hostContext) checkDevice(op string, device int) error {
	if device < 0 || device >= len(c.devices) {
		return driver.Errorf(op, driver.StatusInvalidDevice, "device %d not in context", device)
	}
	return nil
}

type memory struct {
	ctx      *hostContext
	data     []byte
	mode     driver.AccessMode
	released atomic.Bool
}

var (
	_ driver.Memory = (*memory)(nil)
	_ driver.Copier = (*memory)(nil)
)

func (m *memory) Size() int { return len(m.data) }

func (m *memory) check(op string, device, offset, n int) error {
	if m.released.Load() {
		return driver.Errorf(op, driver.StatusInvalidMemObject, "memory released")
	}
	if err := m.ctx.checkDevice(op, device); err != nil {
		return err
	}
	if offset < 0 || n < 0 || offset+n > len(m.data) {
		return driver.Errorf(op, driver.StatusInvalidValue,
			"range [%d, %d) outside %d byte buffer", offset, offset+n, len(m.data))
	}
	return nil
}

func (m *memory) Read(device, offset int, dst []byte) error {
	if err := m.check("Read", device, offset, len(dst)); err != nil {
		return err
	}
	copy(dst, m.data[offset:])
	return nil
}

func (m *memory) Write(device, offset int, src []byte) error {
	if err := m.check("Write", device, offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *memory) CopyTo(device int, dst driver.Memory, srcOffset, dstOffset, n int) error {
	if err := m.check("Copy", device, srcOffset, n); err != nil {
		return err
	}
	dm, ok := dst.(*memory)
	if !ok || dm.ctx != m.ctx {
		return driver.Errorf("Copy", driver.StatusInvalidMemObject, "destination is not in this context")
	}
	if err := dm.check("Copy", device, dstOffset, n); err != nil {
		return err
	}
	copy(dm.data[dstOffset:dstOffset+n], m.data[srcOffset:srcOffset+n])
	return nil
}

func (m *memory) Release() error {
	m.released.Store(true)
	return nil
}
