package kernelsrc

import (
	"strings"
)

// Define is a preprocessor macro passed as -D NAME[=VALUE]
type Define struct {
	Name  string
	Value string
}

// Options are parsed program build options
type Options struct {
	Defines  []Define
	Includes []string
	// Flags holds -cl-* and -O flags passed through to the device compiler
	Flags      []string
	Werror     bool
	NoWarnings bool
}

// ParseOptions parses an OpenCL-style build option string. Unrecognized
// options are reported as diagnostics against the file "<options>".
func ParseOptions(opts string) (Options, error) {
	var o Options
	diags := &diagList{file: "<options>"}
	fields := strings.Fields(opts)
	col := 1
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		pos := Pos{Line: 1, Col: col}
		col += len(f) + 1
		switch {
		case f == "-D" || f == "-I":
			if i+1 >= len(fields) {
				diags.errorf(pos, "missing argument to '%s'", f)
				continue
			}
			i++
			col += len(fields[i]) + 1
			if f == "-D" {
				o.Defines = append(o.Defines, splitDefine(fields[i]))
			} else {
				o.Includes = append(o.Includes, fields[i])
			}
		case strings.HasPrefix(f, "-D"):
			o.Defines = append(o.Defines, splitDefine(f[2:]))
		case strings.HasPrefix(f, "-I"):
			o.Includes = append(o.Includes, f[2:])
		case f == "-w":
			o.NoWarnings = true
		case f == "-Werror":
			o.Werror = true
		case strings.HasPrefix(f, "-cl-"), strings.HasPrefix(f, "-O") && len(f) <= 3:
			o.Flags = append(o.Flags, f)
		default:
			diags.errorf(pos, "unrecognized build option '%s'", f)
		}
	}
	for _, d := range o.Defines {
		if !validMacroName(d.Name) {
			diags.errorf(Pos{Line: 1, Col: 1}, "macro name '%s' is not an identifier", d.Name)
		}
	}
	return o, diags.err()
}

func splitDefine(s string) Define {
	name, value, found := strings.Cut(s, "=")
	if !found {
		value = "1"
	}
	return Define{Name: name, Value: value}
}

func validMacroName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// String renders the options back into a build option string
func (o Options) String() string {
	var parts []string
	for _, d := range o.Defines {
		parts = append(parts, "-D"+d.Name+"="+d.Value)
	}
	for _, inc := range o.Includes {
		parts = append(parts, "-I"+inc)
	}
	parts = append(parts, o.Flags...)
	if o.NoWarnings {
		parts = append(parts, "-w")
	}
	if o.Werror {
		parts = append(parts, "-Werror")
	}
	return strings.Join(parts, " ")
}
