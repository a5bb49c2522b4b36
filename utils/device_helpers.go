package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/driver/host"
	"github.com/notargets/KernelDispatch/driver/occa"
	"github.com/notargets/KernelDispatch/driver/opencl"
	"github.com/notargets/KernelDispatch/driver/webgpu"
	"github.com/notargets/KernelDispatch/session"
)

// openers maps driver names to constructors. opencl and webgpu report
// their ErrUnavailable unless the binary was built with their tag.
var openers = map[string]func() (driver.Driver, error){
	"host": func() (driver.Driver, error) { return host.NewDefault(), nil },
	occa.Name: func() (driver.Driver, error) {
		// prefer parallel backends, then fall back to Serial
		d, err := occa.New(occa.DefaultModes...)
		if err != nil {
			return nil, err
		}
		return d, nil
	},
	opencl.Name: opencl.New,
	webgpu.Name: webgpu.New,
}

// DriverNames lists the drivers OpenDriver accepts
func DriverNames() []string {
	names := make([]string, 0, len(openers))
	for n := range openers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenDriver opens a device runtime by name
func OpenDriver(name string) (driver.Driver, error) {
	open, ok := openers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q, want one of %s", name, strings.Join(DriverNames(), ", "))
	}
	d, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s driver: %w", name, err)
	}
	return d, nil
}

// OpenSession opens the named driver and a session over it. Closing the
// returned func closes both.
func OpenSession(name string, opts ...session.Option) (*session.Session, func() error, error) {
	d, err := OpenDriver(name)
	if err != nil {
		return nil, nil, err
	}
	s := session.New(d, opts...)
	closer := func() error {
		serr := s.Close()
		if derr := d.Close(); serr == nil {
			serr = derr
		}
		return serr
	}
	return s, closer, nil
}
