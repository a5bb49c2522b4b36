// Package kernelsrc parses the entry-point declarations of device-code
// source units and generates kernel declarations and preambles.
//
// The parser understands enough of OpenCL C, OKL and WGSL to find every
// kernel, its positional parameters and their types. Kernel bodies are not
// interpreted; they are checked only for balanced brackets.
package kernelsrc

import (
	"strconv"
	"strings"
)

// Detect guesses the dialect of src
func Detect(src string) Dialect {
	switch {
	case strings.Contains(src, "@compute") || strings.Contains(src, "@group("):
		return DialectWGSL
	case strings.Contains(src, "@kernel"):
		return DialectOKL
	case strings.Contains(src, "__kernel") || strings.Contains(src, "kernel void"):
		return DialectOpenCL
	default:
		return DialectUnknown
	}
}

// Parse parses src, detecting its dialect. An unknown dialect is parsed as
// OpenCL C. The returned error is an *Error holding the diagnostics.
func Parse(name, src string) (*Unit, error) {
	d := Detect(src)
	if d == DialectUnknown {
		d = DialectOpenCL
	}
	return ParseDialect(name, src, d)
}

// ParseDialect parses src as the given dialect
func ParseDialect(name, src string, d Dialect) (*Unit, error) {
	diags := &diagList{file: name}
	unit := &Unit{Name: name, Dialect: d}

	if strings.TrimSpace(src) == "" {
		diags.errorf(Pos{Line: 1, Col: 1}, "empty source unit")
		return unit, diags.err()
	}

	toks := lex(src, d != DialectWGSL, diags)
	checkBrackets(toks, diags)

	switch d {
	case DialectWGSL:
		p := &wgslParser{toks: toks, diags: diags, unit: unit}
		p.parse()
	default:
		p := &cParser{toks: toks, diags: diags, unit: unit, dialect: d, typedefs: map[string]typeRef{}}
		p.parse()
	}
	for _, d := range diags.diags {
		if d.Severity == SeverityWarning {
			unit.Warnings = append(unit.Warnings, d)
		}
	}
	return unit, diags.err()
}

type typeRef struct {
	typ   ScalarType
	lanes int
}

var scalarNames = map[string]ScalarType{
	"char":   TypeChar,
	"uchar":  TypeUChar,
	"short":  TypeShort,
	"ushort": TypeUShort,
	"int":    TypeInt,
	"uint":   TypeUInt,
	"long":   TypeLong,
	"ulong":  TypeULong,
	"half":   TypeHalf,
	"float":  TypeFloat,
	"double": TypeDouble,
	"size_t": TypeSizeT,
	"bool":   TypeBool,
	// fixed-width aliases accepted by OCCA's host compilers
	"int8_t":   TypeChar,
	"uint8_t":  TypeUChar,
	"int16_t":  TypeShort,
	"uint16_t": TypeUShort,
	"int32_t":  TypeInt,
	"uint32_t": TypeUInt,
	"int64_t":  TypeLong,
	"uint64_t": TypeULong,
}

var vectorLanes = []int{2, 3, 4, 8, 16}

// lookupTypeName resolves a single type word, including vector forms such
// as float4
func lookupTypeName(word string) (typeRef, bool) {
	if t, ok := scalarNames[word]; ok {
		return typeRef{typ: t, lanes: 1}, true
	}
	for _, lanes := range vectorLanes {
		suffix := strconv.Itoa(lanes)
		if !strings.HasSuffix(word, suffix) {
			continue
		}
		base := strings.TrimSuffix(word, suffix)
		if t, ok := scalarNames[base]; ok && t != TypeBool && t != TypeSizeT && !strings.Contains(base, "_t") {
			return typeRef{typ: t, lanes: lanes}, true
		}
	}
	return typeRef{}, false
}

var qualifierWords = map[string]bool{
	"const": true, "restrict": true, "__restrict": true, "__restrict__": true,
	"volatile": true, "read_only": true, "write_only": true, "read_write": true,
	"__read_only": true, "__write_only": true, "__read_write": true,
}

var addressSpaces = map[string]AddressSpace{
	"__global": SpaceGlobal, "global": SpaceGlobal,
	"__constant": SpaceConstant, "constant": SpaceConstant,
	"__local": SpaceLocal, "local": SpaceLocal,
	"__private": SpacePrivate, "private": SpacePrivate,
}

type cParser struct {
	toks     []token
	i        int
	diags    *diagList
	unit     *Unit
	dialect  Dialect
	typedefs map[string]typeRef
}

func (p *cParser) cur() token { return p.toks[p.i] }

func (p *cParser) at(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *cParser) parse() {
	p.scanDoubleUse()

	declStart := -1
	for p.cur().kind != tokEOF {
		t := p.cur()

		if p.isKernelQualifier() {
			if declStart >= 0 {
				p.diags.errorf(p.toks[declStart].pos, "expected ';' after top-level declaration")
			}
			declStart = -1
			p.parseKernel()
			continue
		}

		switch {
		case t.ident("typedef"):
			p.parseTypedef()
			declStart = -1
			continue
		case t.punct(";"):
			declStart = -1
		case t.punct("{"):
			// function or struct body at file scope
			end := matching(p.toks, p.i)
			if end < 0 {
				return
			}
			p.i = end + 1
			if declStart >= 0 && !p.structBody(declStart) {
				declStart = -1
			}
			continue
		case t.punct("}"), t.punct(")"), t.punct("]"):
			// reported by checkBrackets
		default:
			if declStart < 0 {
				declStart = p.i
			}
		}
		p.i++
	}
	if declStart >= 0 {
		p.diags.errorf(p.toks[declStart].pos, "expected ';' after top-level declaration")
	}
}

// structBody reports whether the declaration starting at start is a struct,
// union or enum, whose closing brace must still be followed by ';'
func (p *cParser) structBody(start int) bool {
	for j := start; j < p.i; j++ {
		t := p.toks[j]
		if t.ident("struct") || t.ident("union") || t.ident("enum") {
			return true
		}
		if t.punct("(") {
			return false
		}
	}
	return false
}

func (p *cParser) scanDoubleUse() {
	for _, t := range p.toks {
		if t.kind != tokIdent {
			continue
		}
		if ref, ok := lookupTypeName(t.text); ok && ref.typ == TypeDouble {
			pos := t.pos
			p.unit.DoubleUse = &pos
			return
		}
	}
}

func (p *cParser) isKernelQualifier() bool {
	t := p.cur()
	switch p.dialect {
	case DialectOKL:
		return t.punct("@") && p.at(1).ident("kernel")
	default:
		return t.ident("__kernel") || (t.ident("kernel") && !p.at(1).punct("("))
	}
}

func (p *cParser) parseTypedef() {
	start := p.cur().pos
	p.i++
	var words []token
	for p.cur().kind != tokEOF && !p.cur().punct(";") {
		if p.cur().punct("{") {
			end := matching(p.toks, p.i)
			if end < 0 {
				return
			}
			words = append(words, token{kind: tokIdent, text: "struct", pos: p.cur().pos})
			p.i = end + 1
			continue
		}
		words = append(words, p.cur())
		p.i++
	}
	if p.cur().kind == tokEOF {
		p.diags.errorf(start, "expected ';' after typedef")
		return
	}
	p.i++ // ;
	if len(words) < 2 || words[len(words)-1].kind != tokIdent {
		p.diags.errorf(start, "malformed typedef")
		return
	}
	name := words[len(words)-1].text
	ref, ok := p.resolveType(words[:len(words)-1])
	if !ok {
		ref = typeRef{typ: TypeOpaque, lanes: 1}
	}
	p.typedefs[name] = ref
}

// resolveType maps type words (qualifiers removed) to a type
func (p *cParser) resolveType(words []token) (typeRef, bool) {
	var names []string
	for _, w := range words {
		if w.kind != tokIdent || qualifierWords[w.text] {
			continue
		}
		if _, ok := addressSpaces[w.text]; ok {
			continue
		}
		names = append(names, w.text)
	}
	if len(names) == 0 {
		return typeRef{}, false
	}
	if names[0] == "struct" || names[0] == "union" || names[0] == "enum" {
		return typeRef{typ: TypeOpaque, lanes: 1}, true
	}

	joined := strings.Join(names, " ")
	switch joined {
	case "unsigned", "unsigned int":
		return typeRef{typ: TypeUInt, lanes: 1}, true
	case "signed", "signed int":
		return typeRef{typ: TypeInt, lanes: 1}, true
	case "unsigned char":
		return typeRef{typ: TypeUChar, lanes: 1}, true
	case "signed char":
		return typeRef{typ: TypeChar, lanes: 1}, true
	case "unsigned short":
		return typeRef{typ: TypeUShort, lanes: 1}, true
	case "unsigned long", "unsigned long long":
		return typeRef{typ: TypeULong, lanes: 1}, true
	case "long long", "long int":
		return typeRef{typ: TypeLong, lanes: 1}, true
	}
	if len(names) != 1 {
		return typeRef{}, false
	}
	if ref, ok := lookupTypeName(names[0]); ok {
		return ref, true
	}
	if ref, ok := p.typedefs[names[0]]; ok {
		return ref, true
	}
	return typeRef{}, false
}

// skipAttributes skips __attribute__((...)) groups, capturing
// reqd_work_group_size into wg
func (p *cParser) skipAttributes(wg *[3]int) {
	for p.cur().ident("__attribute__") {
		p.i++
		if !p.cur().punct("(") {
			p.diags.errorf(p.cur().pos, "expected '(' after __attribute__")
			return
		}
		end := matching(p.toks, p.i)
		if end < 0 {
			p.i = len(p.toks) - 1
			return
		}
		for j := p.i; j < end; j++ {
			if p.toks[j].ident("reqd_work_group_size") {
				n := 0
				for k := j + 1; k < end && n < 3; k++ {
					if p.toks[k].kind == tokNumber {
						v, err := strconv.Atoi(strings.TrimRight(p.toks[k].text, "uUlL"))
						if err == nil {
							wg[n] = v
						}
						n++
					}
					if p.toks[k].punct(")") {
						break
					}
				}
			}
		}
		p.i = end + 1
	}
}

func (p *cParser) parseKernel() {
	qualPos := p.cur().pos
	if p.dialect == DialectOKL {
		p.i += 2 // @ kernel
	} else {
		p.i++
	}

	var k Kernel
	k.Pos = qualPos
	p.skipAttributes(&k.WorkgroupSize)

	if !p.cur().ident("void") {
		p.diags.errorf(p.cur().pos, "kernel functions must have void return type")
		// continue parsing on the assumption the return type was a single word
		if p.cur().kind == tokIdent && p.at(1).kind == tokIdent {
			p.i++
		}
	} else {
		p.i++
	}
	p.skipAttributes(&k.WorkgroupSize)

	if p.cur().kind != tokIdent {
		p.diags.errorf(p.cur().pos, "expected kernel name")
		p.recover()
		return
	}
	k.Name = p.cur().text
	k.Pos = p.cur().pos
	p.i++

	if !p.cur().punct("(") {
		p.diags.errorf(p.cur().pos, "expected '(' after kernel name '%s'", k.Name)
		p.recover()
		return
	}
	end := matching(p.toks, p.i)
	if end < 0 {
		// unbalanced; already reported by checkBrackets
		p.i = len(p.toks) - 1
		return
	}
	k.Params = p.parseParams(k.Name, p.toks[p.i+1:end])
	p.i = end + 1

	switch {
	case p.cur().punct("{"):
		bodyEnd := matching(p.toks, p.i)
		if bodyEnd < 0 {
			p.i = len(p.toks) - 1
		} else {
			p.i = bodyEnd + 1
		}
	case p.cur().punct(";"):
		// prototype only
		p.i++
		return
	default:
		p.diags.errorf(p.cur().pos, "expected '{' after parameter list of kernel '%s'", k.Name)
		p.recover()
		return
	}

	if _, dup := p.unit.Lookup(k.Name); dup {
		p.diags.errorf(k.Pos, "redefinition of kernel '%s'", k.Name)
		return
	}
	p.unit.Kernels = append(p.unit.Kernels, k)
}

// recover skips to the end of the current top-level construct
func (p *cParser) recover() {
	for p.cur().kind != tokEOF {
		if p.cur().punct(";") {
			p.i++
			return
		}
		if p.cur().punct("{") {
			end := matching(p.toks, p.i)
			if end < 0 {
				p.i = len(p.toks) - 1
				return
			}
			p.i = end + 1
			return
		}
		p.i++
	}
}

func (p *cParser) parseParams(kernel string, toks []token) []Param {
	if len(toks) == 0 || (len(toks) == 1 && toks[0].ident("void")) {
		return nil
	}

	var groups [][]token
	depth, start := 0, 0
	for j, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		case ",":
			if depth == 0 {
				groups = append(groups, toks[start:j])
				start = j + 1
			}
		}
	}
	groups = append(groups, toks[start:])

	params := make([]Param, 0, len(groups))
	seen := map[string]bool{}
	for idx, g := range groups {
		prm, ok := p.parseParam(kernel, idx, g)
		if !ok {
			continue
		}
		if seen[prm.Name] {
			p.diags.errorf(prm.Pos, "redefinition of parameter '%s'", prm.Name)
			continue
		}
		seen[prm.Name] = true
		params = append(params, prm)
	}
	return params
}

func (p *cParser) parseParam(kernel string, idx int, toks []token) (Param, bool) {
	prm := Param{Index: idx, Lanes: 1, Binding: -1}
	if len(toks) == 0 {
		p.diags.errorf(p.cur().pos, "expected parameter declaration in kernel '%s'", kernel)
		return prm, false
	}
	prm.Pos = toks[0].pos

	var (
		typeWords []token
		stars     int
		nameTok   *token
		hasSpace  bool
	)
	for j := 0; j < len(toks); j++ {
		t := toks[j]
		switch {
		case t.punct("@"):
			// OKL attribute such as @restrict or @dim(...)
			j++
			if j+1 < len(toks) && toks[j+1].punct("(") {
				depth := 0
				for j = j + 1; j < len(toks); j++ {
					if toks[j].punct("(") {
						depth++
					} else if toks[j].punct(")") {
						depth--
						if depth == 0 {
							break
						}
					}
				}
			}
		case t.punct("*"):
			stars++
			if nameTok != nil {
				// "double x*" style, treat the earlier ident as a type word
				typeWords = append(typeWords, *nameTok)
				nameTok = nil
			}
		case t.punct("["):
			p.diags.errorf(t.pos, "array parameters are not allowed in kernel '%s'; use a pointer", kernel)
			return prm, false
		case t.ident("__attribute__"):
			if j+1 < len(toks) && toks[j+1].punct("(") {
				depth := 0
				for j = j + 1; j < len(toks); j++ {
					if toks[j].punct("(") {
						depth++
					} else if toks[j].punct(")") {
						depth--
						if depth == 0 {
							break
						}
					}
				}
			}
		case t.kind == tokIdent:
			if space, ok := addressSpaces[t.text]; ok {
				prm.Space = space
				hasSpace = true
				continue
			}
			if t.text == "const" {
				if stars == 0 {
					prm.Const = true
				}
				continue
			}
			if qualifierWords[t.text] {
				continue
			}
			if nameTok != nil {
				typeWords = append(typeWords, *nameTok)
			}
			tt := t
			nameTok = &tt
		default:
			p.diags.errorf(t.pos, "unexpected '%s' in parameter list of kernel '%s'", t.text, kernel)
			return prm, false
		}
	}

	if nameTok == nil {
		if len(typeWords) > 0 {
			last := typeWords[len(typeWords)-1]
			p.diags.errorf(last.pos, "expected parameter name after type '%s'", last.text)
		} else {
			p.diags.errorf(prm.Pos, "expected parameter name in kernel '%s'", kernel)
		}
		return prm, false
	}
	if len(typeWords) == 0 {
		if _, isType := p.resolveType([]token{*nameTok}); isType {
			p.diags.errorf(nameTok.pos, "expected parameter name after type '%s'", nameTok.text)
		} else {
			p.diags.errorf(nameTok.pos, "unknown type name '%s'", nameTok.text)
		}
		return prm, false
	}
	if _, known := lookupTypeName(nameTok.text); known {
		p.diags.errorf(nameTok.pos, "expected parameter name after type '%s'", nameTok.text)
		return prm, false
	}
	prm.Name = nameTok.text
	prm.Pos = nameTok.pos

	ref, ok := p.resolveType(typeWords)
	if !ok {
		p.diags.errorf(typeWords[len(typeWords)-1].pos, "unknown type name '%s'", typeWords[len(typeWords)-1].text)
		return prm, false
	}
	prm.Type = ref.typ
	prm.Lanes = ref.lanes

	switch {
	case stars > 1:
		p.diags.errorf(prm.Pos, "kernel parameter '%s' cannot be a pointer to a pointer", prm.Name)
		return prm, false
	case stars == 1:
		prm.Pointer = true
		if !hasSpace {
			if p.dialect == DialectOKL {
				prm.Space = SpaceGlobal
			} else {
				p.diags.errorf(prm.Pos, "pointer arguments to kernel functions must reside in '__global', '__constant', or '__local' address space")
				return prm, false
			}
		}
		if prm.Space == SpacePrivate {
			p.diags.errorf(prm.Pos, "pointer arguments to kernel functions must reside in '__global', '__constant', or '__local' address space")
			return prm, false
		}
	default:
		if hasSpace && prm.Space != SpacePrivate {
			p.diags.errorf(prm.Pos, "parameter '%s' may not be qualified with an address space", prm.Name)
			return prm, false
		}
		if prm.Type == TypeBool && p.dialect == DialectOpenCL {
			p.diags.errorf(prm.Pos, "kernel parameter cannot be declared as bool")
			return prm, false
		}
	}
	if prm.Space == SpaceConstant {
		prm.Const = true
	}
	return prm, true
}
