package session

import (
	"fmt"

	"github.com/notargets/KernelDispatch/driver"
)

type contextObj struct {
	id       ContextID
	platform PlatformID
	devices  []DeviceID
	infos    []driver.DeviceInfo
	drv      driver.Context

	// live dependents
	queues   int
	programs int
	buffers  int
}

// deviceIndex returns the position of d within the context, or -1
func (c *contextObj) deviceIndex(d DeviceID) int {
	for i, dev := range c.devices {
		if dev == d {
			return i
		}
	}
	return -1
}

func (c *contextObj) dependents() int {
	return c.queues + c.programs + c.buffers
}

// CreateContext creates a context over devices of one platform and one
// capability class
func (s *Session) CreateContext(devices ...DeviceID) (ContextID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(devices) == 0 {
		return 0, fmt.Errorf("%w: no devices", ErrContextCreationFailed)
	}

	c := &contextObj{platform: devices[0].platform}
	seen := make(map[DeviceID]bool, len(devices))
	indices := make([]int, 0, len(devices))
	for _, d := range devices {
		if seen[d] {
			return 0, fmt.Errorf("%w: %s listed twice", ErrContextCreationFailed, d)
		}
		seen[d] = true
		if d.platform != c.platform {
			return 0, fmt.Errorf("%w: %s and %s are on different platforms", ErrContextCreationFailed, devices[0], d)
		}
		info, err := s.deviceInfo(d)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrContextCreationFailed, err)
		}
		if len(c.infos) > 0 && info.Type != c.infos[0].Type {
			return 0, fmt.Errorf("%w: %s is %s but %s is %s", ErrContextCreationFailed,
				d, info.Type, devices[0], c.infos[0].Type)
		}
		c.devices = append(c.devices, d)
		c.infos = append(c.infos, info)
		indices = append(indices, d.index)
	}

	dc, err := s.drv.CreateContext(c.platform.index(), indices)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContextCreationFailed, err)
	}
	c.drv = dc
	c.id = ContextID(s.contexts.add(c))
	s.log.Debug("context created", "context", c.id.String(), "devices", len(c.devices))
	return c.id, nil
}

// ContextDevices returns the devices of a context in creation order
func (s *Session) ContextDevices(id ContextID) ([]DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.context(id)
	if err != nil {
		return nil, err
	}
	return append([]DeviceID(nil), c.devices...), nil
}

func (s *Session) context(id ContextID) (*contextObj, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c, l := s.contexts.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return c, nil
}

func (s *Session) releaseContext(id ContextID, c *contextObj) error {
	if n := c.dependents(); n > 0 {
		return fmt.Errorf("%s has %d queues, %d programs and %d buffers: %w",
			id, c.queues, c.programs, c.buffers, ErrResourceInUse)
	}
	err := c.drv.Release()
	s.contexts.remove(handle(id))
	s.log.Debug("context released", "context", id.String())
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}
