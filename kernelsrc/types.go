package kernelsrc

import (
	"fmt"
	"strings"
)

// Dialect identifies the device-code language of a source unit
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectOpenCL          // OpenCL C, __kernel entry points
	DialectOKL             // OCCA kernel language, @kernel entry points
	DialectWGSL            // WebGPU shading language, @compute entry points
)

func (d Dialect) String() string {
	switch d {
	case DialectOpenCL:
		return "OpenCL C"
	case DialectOKL:
		return "OKL"
	case DialectWGSL:
		return "WGSL"
	default:
		return "unknown"
	}
}

// ScalarType is the element type of a kernel parameter
type ScalarType int

const (
	TypeInvalid ScalarType = iota
	TypeChar
	TypeUChar
	TypeShort
	TypeUShort
	TypeInt
	TypeUInt
	TypeLong
	TypeULong
	TypeHalf
	TypeFloat
	TypeDouble
	TypeSizeT
	TypeBool
	// TypeOpaque is a struct or otherwise unsized type; any byte length is
	// accepted for it.
	TypeOpaque
)

// Size returns the size in bytes of a single element, 0 for opaque types
func (t ScalarType) Size() int {
	switch t {
	case TypeChar, TypeUChar, TypeBool:
		return 1
	case TypeShort, TypeUShort, TypeHalf:
		return 2
	case TypeInt, TypeUInt, TypeFloat:
		return 4
	case TypeLong, TypeULong, TypeDouble, TypeSizeT:
		return 8
	default:
		return 0
	}
}

// CName returns the C spelling of the type
func (t ScalarType) CName() string {
	switch t {
	case TypeChar:
		return "char"
	case TypeUChar:
		return "uchar"
	case TypeShort:
		return "short"
	case TypeUShort:
		return "ushort"
	case TypeInt:
		return "int"
	case TypeUInt:
		return "uint"
	case TypeLong:
		return "long"
	case TypeULong:
		return "ulong"
	case TypeHalf:
		return "half"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeSizeT:
		return "size_t"
	case TypeBool:
		return "bool"
	case TypeOpaque:
		return "struct"
	default:
		return "invalid"
	}
}

// WGSLName returns the WGSL spelling of the type, empty when WGSL has none
func (t ScalarType) WGSLName() string {
	switch t {
	case TypeInt:
		return "i32"
	case TypeUInt:
		return "u32"
	case TypeFloat:
		return "f32"
	case TypeHalf:
		return "f16"
	case TypeBool:
		return "bool"
	default:
		return ""
	}
}

func (t ScalarType) String() string { return t.CName() }

// AddressSpace is the memory region a pointer parameter refers to
type AddressSpace int

const (
	SpacePrivate AddressSpace = iota
	SpaceGlobal
	SpaceConstant
	SpaceLocal
)

func (s AddressSpace) String() string {
	switch s {
	case SpaceGlobal:
		return "__global"
	case SpaceConstant:
		return "__constant"
	case SpaceLocal:
		return "__local"
	default:
		return "__private"
	}
}

// Kind classifies how an argument slot is bound at launch time
type Kind int

const (
	KindScalar Kind = iota + 1 // passed by value
	KindBuffer                 // device buffer reference
	KindLocal                  // per-work-group scratch memory, size only
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindBuffer:
		return "buffer"
	case KindLocal:
		return "local"
	default:
		return "invalid"
	}
}

// Pos is a 1-based line and column in a source unit
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Col) }

// Param describes one positional kernel argument
type Param struct {
	Index   int
	Name    string
	Type    ScalarType
	Lanes   int // vector width, 1 for scalars
	Pointer bool
	Const   bool
	Space   AddressSpace
	Pos     Pos

	// Binding is the WGSL @binding index; -1 for C dialects
	Binding int
}

// Kind returns how the parameter is bound at launch time
func (p Param) Kind() Kind {
	switch {
	case p.Pointer && p.Space == SpaceLocal:
		return KindLocal
	case p.Pointer:
		return KindBuffer
	default:
		return KindScalar
	}
}

// ValueSize returns the by-value byte size of a scalar parameter, 0 when any
// size is accepted
func (p Param) ValueSize() int {
	lanes := p.Lanes
	if lanes == 3 {
		// 3-component vectors occupy the storage of 4
		lanes = 4
	}
	if lanes < 1 {
		lanes = 1
	}
	return p.Type.Size() * lanes
}

// TypeName returns the declared type in C spelling, e.g. "const double*"
func (p Param) TypeName() string {
	var sb strings.Builder
	if p.Const {
		sb.WriteString("const ")
	}
	sb.WriteString(p.Type.CName())
	if p.Lanes > 1 {
		sb.WriteString(fmt.Sprint(p.Lanes))
	}
	if p.Pointer {
		sb.WriteString("*")
	}
	return sb.String()
}

// Kernel is a parsed entry point declaration
type Kernel struct {
	Name   string
	Params []Param
	Pos    Pos

	// WorkgroupSize is the required work-group size if the source declares
	// one (reqd_work_group_size or @workgroup_size), zero otherwise
	WorkgroupSize [3]int
}

// Kinds returns the argument kinds in slot order
func (k Kernel) Kinds() []Kind {
	kinds := make([]Kind, len(k.Params))
	for i, p := range k.Params {
		kinds[i] = p.Kind()
	}
	return kinds
}

// Unit is a parsed source unit
type Unit struct {
	Name    string
	Dialect Dialect
	Kernels []Kernel

	// DoubleUse is the first position the source uses double precision,
	// nil when it never does
	DoubleUse *Pos

	// Warnings are the warning-severity diagnostics of a successful parse
	Warnings []Diagnostic
}

// Lookup returns the named kernel
func (u *Unit) Lookup(name string) (Kernel, bool) {
	for _, k := range u.Kernels {
		if k.Name == name {
			return k, true
		}
	}
	return Kernel{}, false
}

// Names returns the kernel names in declaration order
func (u *Unit) Names() []string {
	names := make([]string, len(u.Kernels))
	for i, k := range u.Kernels {
		names[i] = k.Name
	}
	return names
}
