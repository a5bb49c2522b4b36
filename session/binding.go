package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/notargets/KernelDispatch/kernelsrc"
)

// Binding assigns a value to one positional kernel argument
type Binding struct {
	Index  int
	kind   kernelsrc.Kind
	buffer BufferID
	value  interface{}
	raw    []byte
	size   int
}

// Buffer binds a device buffer to argument i
func Buffer(i int, b BufferID) Binding {
	return Binding{Index: i, kind: kernelsrc.KindBuffer, buffer: b}
}

// Scalar binds a by-value argument. v is a fixed-size number, bool or an
// array of them; int and uint take the width of the declared parameter.
func Scalar(i int, v interface{}) Binding {
	return Binding{Index: i, kind: kernelsrc.KindScalar, value: v}
}

// Bytes binds a by-value argument from its raw little-endian bytes, such as
// a packed struct
func Bytes(i int, raw []byte) Binding {
	return Binding{Index: i, kind: kernelsrc.KindScalar, raw: append([]byte(nil), raw...)}
}

// Local binds size bytes of per-work-group local memory to argument i
func Local(i, size int) Binding {
	return Binding{Index: i, kind: kernelsrc.KindLocal, size: size}
}

func (b Binding) String() string {
	switch b.kind {
	case kernelsrc.KindBuffer:
		return fmt.Sprintf("arg %d = %s", b.Index, b.buffer)
	case kernelsrc.KindLocal:
		return fmt.Sprintf("arg %d = local[%d]", b.Index, b.size)
	default:
		if b.raw != nil {
			return fmt.Sprintf("arg %d = %d bytes", b.Index, len(b.raw))
		}
		return fmt.Sprintf("arg %d = %v", b.Index, b.value)
	}
}

// encodeScalar encodes v for parameter p, checking size and numeric class
func encodeScalar(p kernelsrc.Param, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case int:
		if p.ValueSize() == 4 {
			v = int32(x)
		} else {
			v = int64(x)
		}
	case uint:
		if p.ValueSize() == 4 {
			v = uint32(x)
		} else {
			v = uint64(x)
		}
	}

	if want := classOf(p.Type); want != classAny {
		if got := valueClass(reflect.TypeOf(v)); got != want {
			return nil, fmt.Errorf("%T for parameter '%s %s'", v, p.TypeName(), p.Name)
		}
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("cannot encode %T: %v", v, err)
	}
	out := buf.Bytes()
	if p.Lanes == 3 && len(out) == 3*p.Type.Size() {
		// pad 3-component vectors to the storage of 4
		out = append(out, make([]byte, p.Type.Size())...)
	}
	if size := p.ValueSize(); size > 0 && len(out) != size {
		return nil, fmt.Errorf("%T is %d bytes, parameter '%s %s' takes %d", v, len(out), p.TypeName(), p.Name, size)
	}
	return out, nil
}

type numClass int

const (
	classAny numClass = iota
	classInt
	classFloat
	classBool
)

func classOf(t kernelsrc.ScalarType) numClass {
	switch t {
	case kernelsrc.TypeHalf, kernelsrc.TypeFloat, kernelsrc.TypeDouble:
		return classFloat
	case kernelsrc.TypeBool:
		return classBool
	case kernelsrc.TypeOpaque, kernelsrc.TypeInvalid:
		return classAny
	default:
		return classInt
	}
}

func valueClass(t reflect.Type) numClass {
	if t == nil {
		return classAny
	}
	for t.Kind() == reflect.Array || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		return classFloat
	case reflect.Bool:
		return classBool
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return classInt
	default:
		return classAny
	}
}

// Range is the N-dimensional geometry of a launch. Global has one to three
// dimensions; Local and Offset are optional and otherwise match its length.
type Range struct {
	Global []int
	Local  []int
	Offset []int
}

// Global returns a Range with the given global size and no local size
func Global(size ...int) Range {
	return Range{Global: size}
}

// WithLocal returns r with a work-group size
func (r Range) WithLocal(size ...int) Range {
	r.Local = size
	return r
}

// WithOffset returns r with a global offset
func (r Range) WithOffset(offset ...int) Range {
	r.Offset = offset
	return r
}

func (r Range) String() string {
	s := fmt.Sprintf("global=%v", r.Global)
	if len(r.Local) > 0 {
		s += fmt.Sprintf(" local=%v", r.Local)
	}
	if len(r.Offset) > 0 {
		s += fmt.Sprintf(" offset=%v", r.Offset)
	}
	return s
}
