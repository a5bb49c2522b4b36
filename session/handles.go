package session

import "fmt"

// handle packs a 32-bit generation above a 32-bit slot index plus one, so
// the zero handle is never valid
type handle uint64

func makeHandle(index int, gen uint32) handle {
	return handle(uint64(gen)<<32 | uint64(uint32(index+1)))
}

func (h handle) index() int  { return int(uint32(h)) - 1 }
func (h handle) gen() uint32 { return uint32(h >> 32) }
func (h handle) isZero() bool { return uint32(h) == 0 }

type handleKind int

const (
	kindContext handleKind = iota + 1
	kindQueue
	kindProgram
	kindKernel
	kindBuffer
	kindEvent
)

var kindNames = map[handleKind]string{
	kindContext: "Context",
	kindQueue:   "Queue",
	kindProgram: "Program",
	kindKernel:  "Kernel",
	kindBuffer:  "Buffer",
	kindEvent:   "Event",
}

func formatHandle(k handleKind, h handle) string {
	if h.isZero() {
		return kindNames[k] + "(nil)"
	}
	return fmt.Sprintf("%s(%d:%d)", kindNames[k], h.index(), h.gen())
}

// Handle is any releasable session object
type Handle interface {
	fmt.Stringer
	kind() handleKind
	raw() handle
}

type (
	ContextID handle
	QueueID   handle
	ProgramID handle
	KernelID  handle
	BufferID  handle
	EventID   handle
)

func (id ContextID) kind() handleKind { return kindContext }
func (id ContextID) raw() handle      { return handle(id) }
func (id ContextID) String() string   { return formatHandle(kindContext, handle(id)) }

func (id QueueID) kind() handleKind { return kindQueue }
func (id QueueID) raw() handle      { return handle(id) }
func (id QueueID) String() string   { return formatHandle(kindQueue, handle(id)) }

func (id ProgramID) kind() handleKind { return kindProgram }
func (id ProgramID) raw() handle      { return handle(id) }
func (id ProgramID) String() string   { return formatHandle(kindProgram, handle(id)) }

func (id KernelID) kind() handleKind { return kindKernel }
func (id KernelID) raw() handle      { return handle(id) }
func (id KernelID) String() string   { return formatHandle(kindKernel, handle(id)) }

func (id BufferID) kind() handleKind { return kindBuffer }
func (id BufferID) raw() handle      { return handle(id) }
func (id BufferID) String() string   { return formatHandle(kindBuffer, handle(id)) }

func (id EventID) kind() handleKind { return kindEvent }
func (id EventID) raw() handle      { return handle(id) }
func (id EventID) String() string   { return formatHandle(kindEvent, handle(id)) }

// PlatformID identifies a driver platform by its enumeration position.
// The zero value is invalid.
type PlatformID int

func (p PlatformID) index() int { return int(p) - 1 }

func (p PlatformID) String() string { return fmt.Sprintf("Platform(%d)", p.index()) }

// DeviceID identifies a device by platform and enumeration position. The
// zero value is invalid.
type DeviceID struct {
	platform PlatformID
	index    int
}

// Platform returns the platform the device belongs to
func (d DeviceID) Platform() PlatformID { return d.platform }

func (d DeviceID) String() string {
	return fmt.Sprintf("Device(%d.%d)", d.platform.index(), d.index)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  *T
}

// arena stores objects behind generation-checked handles. Freed slots are
// reused with a bumped generation.
type arena[T any] struct {
	slots []slot[T]
	free  []int
}

func (a *arena[T]) add(v *T) handle {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = len(a.slots)
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.live, s.val = true, v
	return makeHandle(idx, s.gen)
}

type lookup int

const (
	found lookup = iota
	released
	invalid
)

func (a *arena[T]) get(h handle) (*T, lookup) {
	idx := h.index()
	if h.isZero() || idx >= len(a.slots) {
		return nil, invalid
	}
	s := &a.slots[idx]
	switch {
	case s.live && s.gen == h.gen():
		return s.val, found
	case h.gen() < s.gen || (h.gen() == s.gen && !s.live):
		return nil, released
	default:
		return nil, invalid
	}
}

func (a *arena[T]) remove(h handle) {
	idx := h.index()
	s := &a.slots[idx]
	s.live, s.val = false, nil
	s.gen++
	a.free = append(a.free, idx)
}

// each visits live objects in slot order
func (a *arena[T]) each(fn func(h handle, v *T)) {
	for i := range a.slots {
		if s := a.slots[i]; s.live {
			fn(makeHandle(i, s.gen), s.val)
		}
	}
}

func (a *arena[T]) len() int {
	return len(a.slots) - len(a.free)
}
