package occa

import (
	"sync"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/KernelDispatch/driver"
)

func (c *occaContext) Alloc(size int, mode driver.AccessMode) (driver.Memory, error) {
	if size <= 0 {
		return nil, driver.Errorf("Alloc", driver.StatusInvalidBufferSize, "size %d", size)
	}
	if err := c.lock("Alloc", 0); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	mem := c.dev.Malloc(int64(size), nil, nil)
	if mem == nil {
		return nil, driver.Errorf("Alloc", driver.StatusMemAllocationFailure, "%d bytes on %s", size, c.mode)
	}
	return &memory{ctx: c, mem: mem, size: size}, nil
}

type memory struct {
	ctx  *occaContext
	size int

	mu  sync.Mutex
	mem *gocca.OCCAMemory
}

func (m *memory) Size() int { return m.size }

func (m *memory) check(op string, offset, n int) error {
	if m.mem == nil {
		return driver.Errorf(op, driver.StatusInvalidMemObject, "memory released")
	}
	if offset < 0 || n < 0 || offset+n > m.size {
		return driver.Errorf(op, driver.StatusInvalidValue, "range [%d, %d) outside %d bytes", offset, offset+n, m.size)
	}
	return nil
}

// Read copies device memory into dst. OCCA copies whole prefixes, so a
// read at an offset stages through the host.
func (m *memory) Read(device, offset int, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Read", offset, len(dst)); err != nil || len(dst) == 0 {
		return err
	}
	if err := m.ctx.lock("Read", device); err != nil {
		return err
	}
	defer m.ctx.mu.Unlock()
	if offset == 0 {
		m.mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)))
		return nil
	}
	staging := make([]byte, offset+len(dst))
	m.mem.CopyTo(unsafe.Pointer(&staging[0]), int64(len(staging)))
	copy(dst, staging[offset:])
	return nil
}

func (m *memory) Write(device, offset int, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Write", offset, len(src)); err != nil || len(src) == 0 {
		return err
	}
	if err := m.ctx.lock("Write", device); err != nil {
		return err
	}
	defer m.ctx.mu.Unlock()
	if offset == 0 {
		m.mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)))
		return nil
	}
	staging := make([]byte, offset+len(src))
	m.mem.CopyTo(unsafe.Pointer(&staging[0]), int64(offset))
	copy(staging[offset:], src)
	m.mem.CopyFrom(unsafe.Pointer(&staging[0]), int64(len(staging)))
	return nil
}

func (m *memory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem != nil {
		m.mem.Free()
		m.mem = nil
	}
	return nil
}
