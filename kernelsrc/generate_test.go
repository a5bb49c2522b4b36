package kernelsrc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDeclarationRoundTrip(t *testing.T) {
	params := []Param{
		{Name: "in", Type: TypeDouble, Lanes: 1, Pointer: true, Const: true, Space: SpaceGlobal},
		{Name: "out", Type: TypeDouble, Lanes: 1, Pointer: true, Space: SpaceGlobal},
		{Name: "n", Type: TypeInt, Lanes: 1},
	}

	for _, d := range []Dialect{DialectOpenCL, DialectOKL} {
		t.Run(d.String(), func(t *testing.T) {
			src := Template(d, "copy", params, "n", "out[i] = in[i];")
			unit, err := ParseDialect("gen", src, d)
			require.NoError(t, err, src)

			k, ok := unit.Lookup("copy")
			require.True(t, ok)
			require.Len(t, k.Params, 3)
			for i, p := range params {
				assert.Equal(t, p.Name, k.Params[i].Name)
				assert.Equal(t, p.Type, k.Params[i].Type)
				assert.Equal(t, p.Pointer, k.Params[i].Pointer)
				assert.Equal(t, p.Kind(), k.Params[i].Kind())
			}
			assert.True(t, k.Params[0].Const)
		})
	}

	t.Run("OpenCLSignature", func(t *testing.T) {
		decl := Declaration(DialectOpenCL, "copy", params[:2])
		assert.Equal(t, "__kernel void copy(\n\t__global const double* in,\n\t__global double* out\n)", decl)
	})
}

func TestWGSLDeclaration(t *testing.T) {
	params := []Param{
		{Name: "a", Type: TypeFloat, Lanes: 1, Pointer: true, Const: true, Space: SpaceGlobal},
		{Name: "b", Type: TypeFloat, Lanes: 1, Pointer: true, Space: SpaceGlobal},
		{Name: "alpha", Type: TypeFloat, Lanes: 1},
	}
	src := Template(DialectWGSL, "scale", params, "", "b[i] = alpha * a[i];")
	unit, err := Parse("gen.wgsl", src)
	require.NoError(t, err, src)
	k, ok := unit.Lookup("scale")
	require.True(t, ok)
	assert.Equal(t, [3]int{64, 1, 1}, k.WorkgroupSize)
	assert.Equal(t, []Kind{KindBuffer, KindBuffer, KindScalar}, k.Kinds())
}

func TestPreamble(t *testing.T) {
	// 2x3 so the column-major ordering is visible
	m := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	p := Preamble{
		RealType: TypeDouble,
		IntType:  TypeLong,
		Defines:  []Define{{Name: "NP", Value: "10"}},
		Matrices: map[string]mat.Matrix{"Dr": m},
	}
	out := p.String()

	assert.Contains(t, out, "typedef double real_t;")
	assert.Contains(t, out, "typedef long int_t;")
	assert.Contains(t, out, "#define NP 10")
	assert.Contains(t, out, "const double Dr[3][2] = {")

	first := strings.Index(out, "{1.000000000000000e+00, 4.000000000000000e+00}")
	last := strings.Index(out, "{3.000000000000000e+00, 6.000000000000000e+00}")
	if first < 0 || last < 0 || first > last {
		t.Errorf("matrix not emitted in column-major order:\n%s", out)
	}

	// the preamble must not disturb parsing of the program that follows
	unit, err := Parse("pre.cl", out+helloWorldCL)
	require.NoError(t, err)
	assert.Equal(t, []string{"helloworld"}, unit.Names())

	assert.True(t, Preamble{}.IsZero())
	assert.Equal(t, "", Preamble{}.String())
}

func TestPreambleSinglePrecision(t *testing.T) {
	p := Preamble{
		RealType: TypeFloat,
		Matrices: map[string]mat.Matrix{"I": mat.NewDiagDense(2, []float64{1, 1})},
	}
	out := p.String()
	assert.Contains(t, out, "#define REAL_ONE 1.0f")
	assert.Contains(t, out, "const float I[2][2]")
	assert.Contains(t, out, "1.0000000e+00f")
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions("-D N=512000 -DUSE_FP64 -I include -cl-fast-relaxed-math -O3 -Werror")
	require.NoError(t, err)
	assert.Equal(t, []Define{{"N", "512000"}, {"USE_FP64", "1"}}, o.Defines)
	assert.Equal(t, []string{"include"}, o.Includes)
	assert.Equal(t, []string{"-cl-fast-relaxed-math", "-O3"}, o.Flags)
	assert.True(t, o.Werror)
	assert.False(t, o.NoWarnings)
	assert.Equal(t, "-DN=512000 -DUSE_FP64=1 -Iinclude -cl-fast-relaxed-math -O3 -Werror", o.String())

	empty, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, "", empty.String())

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			opts string
			want string
		}{
			{"--bogus", "unrecognized build option '--bogus'"},
			{"-D", "missing argument to '-D'"},
			{"-D9LIVES", "macro name '9LIVES' is not an identifier"},
		}
		for _, tt := range tests {
			_, err := ParseOptions(tt.opts)
			if err == nil {
				t.Errorf("%q: expected error", tt.opts)
				continue
			}
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "<options>:1:")
		}
	})
}
