// Package kernels embeds the device programs shipped with kdispatch. Each
// program exists in the dialect of every driver that can run it.
package kernels

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed *.cl *.okl *.wgsl
var files embed.FS

// extensions maps a driver name to the dialect it compiles
var extensions = map[string]string{
	"host":   ".cl",
	"opencl": ".cl",
	"occa":   ".okl",
	"webgpu": ".wgsl",
}

// Extension returns the source file extension the named driver compiles
func Extension(driverName string) (string, error) {
	ext, ok := extensions[driverName]
	if !ok {
		return "", fmt.Errorf("no kernel dialect for driver %q", driverName)
	}
	return ext, nil
}

// Source returns the named program for a driver, e.g. Source("matmul",
// "occa") reads matmul.okl. The returned file name is used in build
// diagnostics.
func Source(program, driverName string) (name, text string, err error) {
	ext, err := Extension(driverName)
	if err != nil {
		return "", "", err
	}
	name = program + ext
	b, err := files.ReadFile(name)
	if err != nil {
		return "", "", fmt.Errorf("failed to read embedded program %s: %w", name, err)
	}
	return name, string(b), nil
}

// Programs lists the embedded program names
func Programs() []string {
	entries, _ := fs.ReadDir(files, ".")
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		n := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
