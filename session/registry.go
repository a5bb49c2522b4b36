package session

import (
	"fmt"
	"strings"

	"github.com/notargets/KernelDispatch/driver"
)

// DeviceType filters devices by capability class
type DeviceType = driver.DeviceType

const (
	CPU         = driver.DeviceCPU
	GPU         = driver.DeviceGPU
	Accelerator = driver.DeviceAccelerator
	AnyDevice   = driver.DeviceAny
)

// Criteria selects a device. Zero fields match anything.
type Criteria struct {
	Type         DeviceType
	Platform     PlatformID
	NameContains string
}

func (c Criteria) String() string {
	var parts []string
	if c.Type != 0 && c.Type != AnyDevice {
		parts = append(parts, "type="+c.Type.String())
	}
	if c.Platform != 0 {
		parts = append(parts, "platform="+c.Platform.String())
	}
	if c.NameContains != "" {
		parts = append(parts, fmt.Sprintf("name~%q", c.NameContains))
	}
	if len(parts) == 0 {
		return "any device"
	}
	return strings.Join(parts, " ")
}

// ListPlatforms returns the platforms in driver order
func (s *Session) ListPlatforms() ([]PlatformID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.listPlatforms()
}

func (s *Session) listPlatforms() ([]PlatformID, error) {
	infos, err := s.drv.Platforms()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPlatformAvailable, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: driver %s reports no platforms", ErrNoPlatformAvailable, s.drv.Name())
	}
	ids := make([]PlatformID, len(infos))
	for i := range infos {
		ids[i] = PlatformID(i + 1)
	}
	return ids, nil
}

// PlatformInfo describes a platform
func (s *Session) PlatformInfo(p PlatformID) (driver.PlatformInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return driver.PlatformInfo{}, err
	}
	infos, err := s.drv.Platforms()
	if err != nil {
		return driver.PlatformInfo{}, fmt.Errorf("failed to query platforms: %w", err)
	}
	if p.index() < 0 || p.index() >= len(infos) {
		return driver.PlatformInfo{}, fmt.Errorf("%s: %w", p, ErrInvalidHandle)
	}
	return infos[p.index()], nil
}

// ListDevices returns the devices of a platform whose type matches the
// filter, in driver order. A zero filter matches every device.
func (s *Session) ListDevices(p PlatformID, filter DeviceType) ([]DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	infos, err := s.platformDevices(p)
	if err != nil {
		return nil, err
	}
	var ids []DeviceID
	for i, info := range infos {
		if matchesType(info.Type, filter) {
			ids = append(ids, DeviceID{platform: p, index: i})
		}
	}
	return ids, nil
}

func matchesType(t, filter DeviceType) bool {
	return filter == 0 || t&filter != 0
}

func (s *Session) platformDevices(p PlatformID) ([]driver.DeviceInfo, error) {
	plats, err := s.listPlatforms()
	if err != nil {
		return nil, err
	}
	if p.index() < 0 || p.index() >= len(plats) {
		return nil, fmt.Errorf("%s: %w", p, ErrInvalidHandle)
	}
	infos, err := s.drv.Devices(p.index())
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices of %s: %w", p, err)
	}
	return infos, nil
}

// SelectDevice returns the first device, in platform then device order,
// that matches c. There is no fallback to a looser match.
func (s *Session) SelectDevice(c Criteria) (DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return DeviceID{}, err
	}
	plats, err := s.listPlatforms()
	if err != nil {
		return DeviceID{}, err
	}
	if c.Platform != 0 {
		if c.Platform.index() < 0 || c.Platform.index() >= len(plats) {
			return DeviceID{}, fmt.Errorf("%w: %s does not exist", ErrDeviceNotFound, c.Platform)
		}
		plats = []PlatformID{c.Platform}
	}
	needle := strings.ToLower(c.NameContains)
	for _, p := range plats {
		infos, err := s.platformDevices(p)
		if err != nil {
			return DeviceID{}, err
		}
		for i, info := range infos {
			if !matchesType(info.Type, c.Type) {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(info.Name), needle) {
				continue
			}
			id := DeviceID{platform: p, index: i}
			s.log.Debug("device selected", "device", id.String(), "name", info.Name, "type", info.Type.String())
			return id, nil
		}
	}
	return DeviceID{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, c)
}

// DeviceInfo describes a device
func (s *Session) DeviceInfo(d DeviceID) (driver.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return driver.DeviceInfo{}, err
	}
	return s.deviceInfo(d)
}

func (s *Session) deviceInfo(d DeviceID) (driver.DeviceInfo, error) {
	if d.platform == 0 {
		return driver.DeviceInfo{}, fmt.Errorf("%s: %w", d, ErrInvalidHandle)
	}
	infos, err := s.platformDevices(d.platform)
	if err != nil {
		return driver.DeviceInfo{}, err
	}
	if d.index < 0 || d.index >= len(infos) {
		return driver.DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, d)
	}
	return infos[d.index], nil
}
