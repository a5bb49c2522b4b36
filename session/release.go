package session

import "fmt"

// Release frees the object behind h. Releasing a handle twice is a no-op.
// An object that others still depend on fails with ErrResourceInUse: a
// context with queues, programs or buffers; a program with kernels; a
// buffer, kernel, queue or event with commands in flight.
//
// A finished event stays queryable until it or its queue is released, so
// long-lived queues should release events once their status is consumed.
func (s *Session) Release(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	raw := h.raw()
	switch h.kind() {
	case kindContext:
		c, l := s.contexts.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseContext(ContextID(raw), c)
	case kindQueue:
		q, l := s.queues.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseQueue(QueueID(raw), q)
	case kindProgram:
		p, l := s.programs.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseProgram(ProgramID(raw), p)
	case kindKernel:
		k, l := s.kernels.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseKernel(KernelID(raw), k)
	case kindBuffer:
		b, l := s.buffers.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseBuffer(BufferID(raw), b)
	case kindEvent:
		ev, l := s.events.get(raw)
		if l != found {
			return releasedOK(h, l)
		}
		return s.releaseEvent(EventID(raw), ev)
	}
	return fmt.Errorf("%v: %w", h, ErrInvalidHandle)
}

func releasedOK(h Handle, l lookup) error {
	if l == released {
		return nil
	}
	return lookupError(h, l)
}
