package kernelsrc

import (
	"sort"
	"strconv"
)

type wgslAttr struct {
	name string
	args []token
	pos  Pos
}

type wgslBinding struct {
	group   int
	binding int
	param   Param
}

type wgslParser struct {
	toks     []token
	i        int
	diags    *diagList
	unit     *Unit
	bindings []wgslBinding
	entries  []Kernel
}

func (p *wgslParser) cur() token { return p.toks[p.i] }

func (p *wgslParser) parse() {
	for p.cur().kind != tokEOF {
		attrs := p.parseAttrs()
		t := p.cur()
		switch {
		case t.ident("var"):
			p.parseVar(attrs)
		case t.ident("fn"):
			p.parseFn(attrs)
		case t.punct("{"):
			end := matching(p.toks, p.i)
			if end < 0 {
				return
			}
			p.i = end + 1
		case t.kind == tokEOF:
			return
		default:
			// struct, const, override, alias, enable: skip to ';' or past a body
			p.skipDecl()
		}
	}

	sort.SliceStable(p.bindings, func(a, b int) bool {
		return p.bindings[a].binding < p.bindings[b].binding
	})
	var params []Param
	seen := map[int]Pos{}
	for _, b := range p.bindings {
		if b.group != 0 {
			p.diags.warnf(b.param.Pos, "binding '%s' in @group(%d) is not bound by the dispatcher", b.param.Name, b.group)
			continue
		}
		if prev, dup := seen[b.binding]; dup {
			p.diags.errorf(b.param.Pos, "@binding(%d) already used at %s", b.binding, prev)
			continue
		}
		seen[b.binding] = b.param.Pos
		prm := b.param
		prm.Index = len(params)
		params = append(params, prm)
	}
	for _, k := range p.entries {
		k.Params = params
		if _, dup := p.unit.Lookup(k.Name); dup {
			p.diags.errorf(k.Pos, "redefinition of entry point '%s'", k.Name)
			continue
		}
		p.unit.Kernels = append(p.unit.Kernels, k)
	}
}

func (p *wgslParser) parseAttrs() []wgslAttr {
	var attrs []wgslAttr
	for p.cur().punct("@") {
		pos := p.cur().pos
		p.i++
		if p.cur().kind != tokIdent {
			p.diags.errorf(p.cur().pos, "expected attribute name after '@'")
			return attrs
		}
		a := wgslAttr{name: p.cur().text, pos: pos}
		p.i++
		if p.cur().punct("(") {
			end := matching(p.toks, p.i)
			if end < 0 {
				p.i = len(p.toks) - 1
				return attrs
			}
			a.args = p.toks[p.i+1 : end]
			p.i = end + 1
		}
		attrs = append(attrs, a)
	}
	return attrs
}

func attrInts(a wgslAttr) ([]int, bool) {
	var vals []int
	ok := true
	for _, t := range a.args {
		if t.punct(",") {
			continue
		}
		if t.kind != tokNumber {
			ok = false
			vals = append(vals, 0)
			continue
		}
		v, err := strconv.Atoi(trimIntSuffix(t.text))
		if err != nil {
			ok = false
		}
		vals = append(vals, v)
	}
	return vals, ok
}

func trimIntSuffix(s string) string {
	for len(s) > 0 && (s[len(s)-1] == 'u' || s[len(s)-1] == 'i') {
		s = s[:len(s)-1]
	}
	return s
}

func (p *wgslParser) skipDecl() {
	for p.cur().kind != tokEOF {
		t := p.cur()
		if t.punct(";") {
			p.i++
			return
		}
		if t.punct("{") {
			end := matching(p.toks, p.i)
			if end < 0 {
				p.i = len(p.toks) - 1
				return
			}
			p.i = end + 1
			if p.cur().punct(";") {
				p.i++
			}
			return
		}
		p.i++
	}
}

func (p *wgslParser) parseVar(attrs []wgslAttr) {
	varPos := p.cur().pos
	p.i++

	space, access := "", ""
	if p.cur().punct("<") {
		p.i++
		if p.cur().kind == tokIdent {
			space = p.cur().text
			p.i++
		}
		if p.cur().punct(",") {
			p.i++
			if p.cur().kind == tokIdent {
				access = p.cur().text
				p.i++
			}
		}
		if !p.cur().punct(">") {
			p.diags.errorf(p.cur().pos, "expected '>' after address space")
			p.skipDecl()
			return
		}
		p.i++
	}
	if p.cur().kind != tokIdent {
		p.diags.errorf(p.cur().pos, "expected variable name")
		p.skipDecl()
		return
	}
	name := p.cur()
	p.i++

	var typeToks []token
	if p.cur().punct(":") {
		p.i++
		for p.cur().kind != tokEOF && !p.cur().punct(";") && !p.cur().punct("=") {
			if p.cur().punct("{") || p.cur().punct("@") || p.cur().ident("fn") || p.cur().ident("var") {
				break
			}
			typeToks = append(typeToks, p.cur())
			p.i++
		}
	}
	if p.cur().punct("=") {
		// initializer
		for p.cur().kind != tokEOF && !p.cur().punct(";") {
			p.i++
		}
	}
	if !p.cur().punct(";") {
		p.diags.errorf(name.pos, "expected ';' after declaration of '%s'", name.text)
	} else {
		p.i++
	}

	group, binding := -1, -1
	for _, a := range attrs {
		vals, ok := attrInts(a)
		switch a.name {
		case "group":
			if !ok || len(vals) != 1 {
				p.diags.errorf(a.pos, "@group requires a single integer literal")
				continue
			}
			group = vals[0]
		case "binding":
			if !ok || len(vals) != 1 {
				p.diags.errorf(a.pos, "@binding requires a single integer literal")
				continue
			}
			binding = vals[0]
		}
	}
	if group < 0 && binding < 0 {
		// module-scope private or workgroup variable
		return
	}
	if group < 0 || binding < 0 {
		p.diags.errorf(varPos, "resource variable '%s' requires both @group and @binding", name.text)
		return
	}

	prm := Param{Name: name.text, Pos: name.pos, Binding: binding, Lanes: 1}
	ref, isArray := wgslType(typeToks)
	prm.Type = ref.typ
	prm.Lanes = ref.lanes

	switch space {
	case "storage":
		prm.Pointer = true
		prm.Space = SpaceGlobal
		prm.Const = access == "" || access == "read"
	case "uniform":
		prm.Space = SpaceConstant
		prm.Const = true
		if isArray {
			p.diags.errorf(name.pos, "uniform variable '%s' cannot be a runtime-sized array", name.text)
			return
		}
	default:
		p.diags.errorf(varPos, "resource variable '%s' must be declared var<storage> or var<uniform>", name.text)
		return
	}
	p.bindings = append(p.bindings, wgslBinding{group: group, binding: binding, param: prm})
}

// wgslType resolves the element type of a WGSL type expression
func wgslType(toks []token) (typeRef, bool) {
	isArray := false
	for len(toks) > 0 && toks[0].ident("array") {
		isArray = true
		toks = toks[1:]
		if len(toks) > 0 && toks[0].punct("<") {
			toks = toks[1:]
		}
	}
	if len(toks) == 0 {
		return typeRef{typ: TypeOpaque, lanes: 1}, isArray
	}
	first := toks[0].text
	lanes := 1
	switch first {
	case "vec2", "vec3", "vec4":
		lanes = int(first[3] - '0')
		if len(toks) > 2 && toks[1].punct("<") {
			first = toks[2].text
		}
	case "vec2f", "vec3f", "vec4f":
		lanes, first = int(first[3]-'0'), "f32"
	case "vec2i", "vec3i", "vec4i":
		lanes, first = int(first[3]-'0'), "i32"
	case "vec2u", "vec3u", "vec4u":
		lanes, first = int(first[3]-'0'), "u32"
	case "vec2h", "vec3h", "vec4h":
		lanes, first = int(first[3]-'0'), "f16"
	}
	switch first {
	case "f32":
		return typeRef{typ: TypeFloat, lanes: lanes}, isArray
	case "i32":
		return typeRef{typ: TypeInt, lanes: lanes}, isArray
	case "u32":
		return typeRef{typ: TypeUInt, lanes: lanes}, isArray
	case "f16":
		return typeRef{typ: TypeHalf, lanes: lanes}, isArray
	default:
		return typeRef{typ: TypeOpaque, lanes: 1}, isArray
	}
}

func (p *wgslParser) parseFn(attrs []wgslAttr) {
	p.i++
	if p.cur().kind != tokIdent {
		p.diags.errorf(p.cur().pos, "expected function name")
		p.skipDecl()
		return
	}
	name := p.cur()
	p.i++
	if !p.cur().punct("(") {
		p.diags.errorf(p.cur().pos, "expected '(' after function name '%s'", name.text)
		p.skipDecl()
		return
	}
	end := matching(p.toks, p.i)
	if end < 0 {
		p.i = len(p.toks) - 1
		return
	}
	p.i = end + 1

	// return type
	for p.cur().kind != tokEOF && !p.cur().punct("{") && !p.cur().punct(";") {
		p.i++
	}
	if !p.cur().punct("{") {
		p.diags.errorf(name.pos, "expected '{' to begin body of function '%s'", name.text)
		p.skipDecl()
		return
	}
	bodyEnd := matching(p.toks, p.i)
	if bodyEnd < 0 {
		p.i = len(p.toks) - 1
	} else {
		p.i = bodyEnd + 1
	}

	compute := false
	var wg *wgslAttr
	for j := range attrs {
		switch attrs[j].name {
		case "compute":
			compute = true
		case "workgroup_size":
			wg = &attrs[j]
		case "vertex", "fragment":
			return
		}
	}
	if !compute {
		return
	}
	k := Kernel{Name: name.text, Pos: name.pos}
	if wg == nil {
		p.diags.errorf(name.pos, "@compute entry point '%s' requires a @workgroup_size attribute", name.text)
		return
	}
	vals, ok := attrInts(*wg)
	if len(vals) == 0 || len(vals) > 3 {
		p.diags.errorf(wg.pos, "@workgroup_size takes one to three arguments")
		return
	}
	if !ok {
		p.diags.warnf(wg.pos, "@workgroup_size of '%s' is not a literal; launch geometry must supply it", name.text)
	}
	for d := range k.WorkgroupSize {
		k.WorkgroupSize[d] = 1
	}
	for d, v := range vals {
		k.WorkgroupSize[d] = v
	}
	if !ok {
		k.WorkgroupSize = [3]int{}
	}
	p.entries = append(p.entries, k)
}
