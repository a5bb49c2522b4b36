package host

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/notargets/KernelDispatch/driver"
	"github.com/notargets/KernelDispatch/kernelsrc"
)

// KernelFunc executes one work group. Returning an error, or panicking,
// fails the launch.
type KernelFunc func(g *WorkGroup) error

type libEntry struct {
	name   string
	params []kernelsrc.Param
	fn     KernelFunc
}

// Library maps kernel names to Go implementations
type Library struct {
	mu      sync.RWMutex
	entries map[string]libEntry
}

// NewLibrary returns an empty library
func NewLibrary() *Library {
	return &Library{entries: make(map[string]libEntry)}
}

// Register adds an implementation. The signature is an OpenCL C parameter
// list, e.g. "__global const double* in, __global double* out"; a program
// kernel of the same name must declare parameters of the same kinds,
// element types and widths to build.
func (l *Library) Register(name, signature string, fn KernelFunc) error {
	if fn == nil {
		return fmt.Errorf("kernel %s: nil implementation", name)
	}
	src := fmt.Sprintf("__kernel void %s(%s) {}", name, signature)
	unit, err := kernelsrc.ParseDialect(name, src, kernelsrc.DialectOpenCL)
	if err != nil {
		return fmt.Errorf("failed to parse signature of kernel %s: %w", name, err)
	}
	k, ok := unit.Lookup(name)
	if !ok {
		return fmt.Errorf("kernel %s: signature did not declare a kernel", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[name] = libEntry{name: name, params: k.Params, fn: fn}
	return nil
}

// MustRegister is Register that panics on error
func (l *Library) MustRegister(name, signature string, fn KernelFunc) {
	if err := l.Register(name, signature, fn); err != nil {
		panic(err)
	}
}

// Names returns the registered kernel names, sorted
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signature returns the registered parameter list of a kernel
func (l *Library) Signature(name string) ([]kernelsrc.Param, bool) {
	e, ok := l.lookup(name)
	return e.params, ok
}

func (l *Library) lookup(name string) (libEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[name]
	return e, ok
}

// mismatch describes how declared differs from the registered entry, empty
// when they agree
func (e libEntry) mismatch(declared []kernelsrc.Param) string {
	if len(declared) != len(e.params) {
		return fmt.Sprintf("kernel '%s' declares %d parameters but the host implementation takes %d (%s)",
			e.name, len(declared), len(e.params), describe(e.params))
	}
	for i, p := range declared {
		want := e.params[i]
		if p.Kind() != want.Kind() || p.Type != want.Type || p.Lanes != want.Lanes {
			return fmt.Sprintf("parameter %d '%s' of kernel '%s' is '%s %s' but the host implementation expects '%s %s'",
				i, p.Name, e.name, p.Kind(), bareType(p), want.Kind(), bareType(want))
		}
	}
	return ""
}

func bareType(p kernelsrc.Param) string {
	p.Const = false
	return p.TypeName()
}

func describe(params []kernelsrc.Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = bareType(p)
	}
	return strings.Join(parts, ", ")
}

// Fault returns a kernel failure with a device status code
func Fault(code int, format string, args ...interface{}) error {
	return driver.Errorf("kernel", code, format, args...)
}
