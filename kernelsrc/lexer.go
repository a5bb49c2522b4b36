package kernelsrc

import (
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func (t token) punct(text string) bool { return t.is(tokPunct, text) }

func (t token) ident(text string) bool { return t.is(tokIdent, text) }

// lex splits src into tokens. Comments are dropped; preprocessor lines are
// dropped when skipPreprocessor is set.
func lex(src string, skipPreprocessor bool, diags *diagList) []token {
	lx := &lexer{src: src, line: 1, col: 1, diags: diags}
	var toks []token
	lineStart := true
	for {
		lx.skipSpace(&lineStart)
		if lx.eof() {
			break
		}
		pos := lx.pos()
		r := lx.peek()

		switch {
		case r == '#' && lineStart && skipPreprocessor:
			lx.skipDirective()
			lineStart = true
			continue
		case r == '/' && lx.peekAt(1) == '/':
			lx.skipLine()
			lineStart = true
			continue
		case r == '/' && lx.peekAt(1) == '*':
			lx.skipBlockComment(pos)
			continue
		case r == '_' || unicode.IsLetter(r):
			toks = append(toks, token{kind: tokIdent, text: lx.readIdent(), pos: pos})
		case unicode.IsDigit(r) || (r == '.' && unicode.IsDigit(lx.peekAt(1))):
			toks = append(toks, token{kind: tokNumber, text: lx.readNumber(), pos: pos})
		case r == '"' || r == '\'':
			toks = append(toks, token{kind: tokString, text: lx.readQuoted(r, pos), pos: pos})
		case r == '-' && lx.peekAt(1) == '>':
			lx.advance()
			lx.advance()
			toks = append(toks, token{kind: tokPunct, text: "->", pos: pos})
		default:
			lx.advance()
			toks = append(toks, token{kind: tokPunct, text: string(r), pos: pos})
		}
		lineStart = false
	}
	toks = append(toks, token{kind: tokEOF, pos: lx.pos()})
	return toks
}

type lexer struct {
	src   string
	off   int
	line  int
	col   int
	diags *diagList
}

func (lx *lexer) eof() bool { return lx.off >= len(lx.src) }

func (lx *lexer) pos() Pos { return Pos{Line: lx.line, Col: lx.col} }

func (lx *lexer) peek() rune { return lx.peekAt(0) }

func (lx *lexer) peekAt(n int) rune {
	off := lx.off
	for i := 0; i < n; i++ {
		if off >= len(lx.src) {
			return 0
		}
		_, w := utf8.DecodeRuneInString(lx.src[off:])
		off += w
	}
	if off >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[off:])
	return r
}

func (lx *lexer) advance() rune {
	r, w := utf8.DecodeRuneInString(lx.src[lx.off:])
	lx.off += w
	if r == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) skipSpace(lineStart *bool) {
	for !lx.eof() {
		r := lx.peek()
		if r == '\n' {
			*lineStart = true
		} else if !unicode.IsSpace(r) {
			return
		}
		lx.advance()
	}
}

func (lx *lexer) skipLine() {
	for !lx.eof() && lx.peek() != '\n' {
		lx.advance()
	}
}

// skipDirective drops a preprocessor line including backslash continuations
func (lx *lexer) skipDirective() {
	for !lx.eof() {
		r := lx.peek()
		if r == '\\' && lx.peekAt(1) == '\n' {
			lx.advance()
			lx.advance()
			continue
		}
		if r == '\n' {
			return
		}
		lx.advance()
	}
}

func (lx *lexer) skipBlockComment(start Pos) {
	lx.advance()
	lx.advance()
	for !lx.eof() {
		if lx.peek() == '*' && lx.peekAt(1) == '/' {
			lx.advance()
			lx.advance()
			return
		}
		lx.advance()
	}
	lx.diags.errorf(start, "unterminated /* comment")
}

func (lx *lexer) readIdent() string {
	start := lx.off
	for !lx.eof() {
		r := lx.peek()
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.advance()
	}
	return lx.src[start:lx.off]
}

func (lx *lexer) readNumber() string {
	start := lx.off
	for !lx.eof() {
		r := lx.peek()
		if r == '.' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			lx.advance()
			continue
		}
		// exponent sign, e.g. 1.0e-3
		if (r == '-' || r == '+') && lx.off > start {
			prev := lx.src[lx.off-1]
			if prev == 'e' || prev == 'E' || prev == 'p' || prev == 'P' {
				lx.advance()
				continue
			}
		}
		break
	}
	return lx.src[start:lx.off]
}

func (lx *lexer) readQuoted(quote rune, start Pos) string {
	begin := lx.off
	lx.advance()
	for !lx.eof() {
		r := lx.peek()
		if r == '\\' {
			lx.advance()
			if !lx.eof() {
				lx.advance()
			}
			continue
		}
		if r == '\n' {
			break
		}
		lx.advance()
		if r == quote {
			return lx.src[begin:lx.off]
		}
	}
	lx.diags.errorf(start, "missing terminating %c character", quote)
	return lx.src[begin:lx.off]
}

var closerOf = map[string]string{"(": ")", "[": "]", "{": "}"}

// checkBrackets reports unbalanced (), [] and {} pairs
func checkBrackets(toks []token, diags *diagList) {
	var stack []token
	for _, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			stack = append(stack, t)
		case ")", "]", "}":
			if len(stack) == 0 {
				diags.errorf(t.pos, "extraneous closing '%s'", t.text)
				continue
			}
			top := stack[len(stack)-1]
			if closerOf[top.text] == t.text {
				stack = stack[:len(stack)-1]
				continue
			}
			diags.errorf(t.pos, "expected '%s' to match '%s' at %s", closerOf[top.text], top.text, top.pos)
			// recover by popping to a matching opener if one exists
			for i := len(stack) - 1; i >= 0; i-- {
				if closerOf[stack[i].text] == t.text {
					stack = stack[:i]
					break
				}
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		open := stack[i]
		diags.errorf(open.pos, "expected '%s' before end of input to match this '%s'", closerOf[open.text], open.text)
	}
}

// matching returns the index of the token closing the bracket at i, or -1
func matching(toks []token, i int) int {
	open := toks[i].text
	closer := closerOf[open]
	depth := 0
	for j := i; j < len(toks); j++ {
		if toks[j].kind != tokPunct {
			continue
		}
		switch toks[j].text {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}
