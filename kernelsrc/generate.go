package kernelsrc

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Declaration generates a kernel declaration for the dialect
func Declaration(d Dialect, name string, params []Param) string {
	switch d {
	case DialectWGSL:
		return wgslDeclaration(name, params, [3]int{64, 1, 1})
	case DialectOKL:
		return fmt.Sprintf("@kernel void %s(\n\t%s\n)", name, signature(d, params))
	default:
		return fmt.Sprintf("__kernel void %s(\n\t%s\n)", name, signature(d, params))
	}
}

func signature(d Dialect, params []Param) string {
	out := make([]string, 0, len(params))
	for _, p := range params {
		var sb strings.Builder
		if p.Pointer && d != DialectOKL {
			sb.WriteString(p.Space.String())
			sb.WriteString(" ")
		}
		if p.Const || (!p.Pointer && d == DialectOKL) {
			sb.WriteString("const ")
		}
		sb.WriteString(p.Type.CName())
		if p.Lanes > 1 {
			sb.WriteString(fmt.Sprint(p.Lanes))
		}
		if p.Pointer {
			sb.WriteString("*")
		}
		sb.WriteString(" ")
		sb.WriteString(p.Name)
		out = append(out, sb.String())
	}
	return strings.Join(out, ",\n\t")
}

func wgslDeclaration(name string, params []Param, wg [3]int) string {
	var sb strings.Builder
	for i, p := range params {
		elem := p.Type.WGSLName()
		if elem == "" {
			elem = "u32"
		}
		if p.Lanes > 1 {
			elem = fmt.Sprintf("vec%d<%s>", p.Lanes, elem)
		}
		if p.Pointer {
			access := "read_write"
			if p.Const {
				access = "read"
			}
			sb.WriteString(fmt.Sprintf("@group(0) @binding(%d) var<storage, %s> %s : array<%s>;\n", i, access, p.Name, elem))
		} else {
			sb.WriteString(fmt.Sprintf("@group(0) @binding(%d) var<uniform> %s : %s;\n", i, p.Name, elem))
		}
	}
	sb.WriteString(fmt.Sprintf("\n@compute @workgroup_size(%d, %d, %d)\n", wg[0], wg[1], wg[2]))
	sb.WriteString(fmt.Sprintf("fn %s(@builtin(global_invocation_id) gid : vec3<u32>)", name))
	return sb.String()
}

// Template generates a complete one-dimensional kernel whose body runs once
// per work item with the index bound to i. For OKL the loop is tiled over
// extent, which must name a parameter or macro holding the item count.
func Template(d Dialect, name string, params []Param, extent string, body string) string {
	var sb strings.Builder
	sb.WriteString(Declaration(d, name, params))
	sb.WriteString(" {\n")

	indent := "\t"
	switch d {
	case DialectOKL:
		sb.WriteString(fmt.Sprintf("\tfor (int i = 0; i < %s; ++i; @tile(64, @outer, @inner)) {\n", extent))
		indent = "\t\t"
	case DialectWGSL:
		sb.WriteString("\tlet i = gid.x;\n")
	default:
		sb.WriteString("\tconst size_t i = get_global_id(0);\n")
	}

	if body != "" {
		for _, line := range strings.Split(body, "\n") {
			if line != "" {
				sb.WriteString(indent)
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
	}

	if d == DialectOKL {
		sb.WriteString("\t}\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Preamble is source text prepended to a program before it is built
type Preamble struct {
	// RealType and IntType emit real_t and int_t typedefs; TypeInvalid omits them
	RealType ScalarType
	IntType  ScalarType
	Defines  []Define
	// Matrices are embedded as static const arrays in column-major order
	Matrices map[string]mat.Matrix
}

// IsZero reports whether the preamble generates no text
func (p Preamble) IsZero() bool {
	return p.RealType == TypeInvalid && p.IntType == TypeInvalid &&
		len(p.Defines) == 0 && len(p.Matrices) == 0
}

// String renders the preamble
func (p Preamble) String() string {
	var sb strings.Builder

	if p.RealType != TypeInvalid {
		sb.WriteString(fmt.Sprintf("typedef %s real_t;\n", p.RealType.CName()))
		suffix := ""
		if p.RealType == TypeFloat {
			suffix = "f"
		}
		sb.WriteString(fmt.Sprintf("#define REAL_ZERO 0.0%s\n", suffix))
		sb.WriteString(fmt.Sprintf("#define REAL_ONE 1.0%s\n", suffix))
	}
	if p.IntType != TypeInvalid {
		sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", p.IntType.CName()))
	}
	if p.RealType != TypeInvalid || p.IntType != TypeInvalid {
		sb.WriteString("\n")
	}

	for _, d := range p.Defines {
		sb.WriteString(fmt.Sprintf("#define %s %s\n", d.Name, d.Value))
	}
	if len(p.Defines) > 0 {
		sb.WriteString("\n")
	}

	if len(p.Matrices) > 0 {
		names := make([]string, 0, len(p.Matrices))
		for name := range p.Matrices {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("// Static matrices\n")
		for _, name := range names {
			sb.WriteString(p.staticMatrix(name, p.Matrices[name]))
		}
	}
	return sb.String()
}

// staticMatrix formats m as a static C array declared [cols][rows], so the
// first index varies fastest and storage is column-major
func (p Preamble) staticMatrix(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder

	single := p.RealType == TypeFloat
	typeStr := "double"
	if single {
		typeStr = "float"
	}

	sb.WriteString(fmt.Sprintf("// Matrix %s stored in column-major format\n", name))
	sb.WriteString(fmt.Sprintf("const %s %s[%d][%d] = {\n", typeStr, name, cols, rows))
	for j := 0; j < cols; j++ {
		sb.WriteString("    {")
		for i := 0; i < rows; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			if single {
				sb.WriteString(fmt.Sprintf("%.7ef", m.At(i, j)))
			} else {
				sb.WriteString(fmt.Sprintf("%.15e", m.At(i, j)))
			}
		}
		sb.WriteString("}")
		if j < cols-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("};\n\n")
	return sb.String()
}
