package build

import (
	"fmt"
	"strings"
)

// TokenKind is the lexical class of a Dart token.
type TokenKind int

const (
	TokIdent TokenKind = iota
	TokString
	TokNumber
	TokPunct
)

// Token is one lexical element of Dart source. String literals keep the
// tokens of their ${...} and $name interpolations in Nested, so code hidden
// in interpolations is still visible to analysis while brace depth of the
// surrounding code is unaffected.
type Token struct {
	Kind   TokenKind
	Text   string
	Offset int // byte offset of the first byte
	End    int // byte offset one past the last byte
	Line   int
	Col    int
	Nested []Token
}

func (t Token) Is(kind TokenKind, text string) bool { return t.Kind == kind && t.Text == text }

func (t Token) String() string { return fmt.Sprintf("%d:%d %q", t.Line, t.Col, t.Text) }

// LexError reports source the lexer could not make sense of.
type LexError struct {
	Line, Col int
	Msg       string
}

func (e *LexError) Error() string { return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg) }

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

// Lex tokenizes Dart source. Comments and whitespace are dropped.
func Lex(src string) ([]Token, error) {
	lx := &lexer{src: src, line: 1, col: 1}
	toks, closed, err := lx.lexCode(false)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, lx.errorf("unbalanced '}'")
	}
	return toks, nil
}

func (lx *lexer) errorf(format string, args ...any) *LexError {
	return &LexError{Line: lx.line, Col: lx.col, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) peek(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) advance(n int) {
	for i := 0; i < n && lx.pos < len(lx.src); i++ {
		if lx.src[lx.pos] == '\n' {
			lx.line++
			lx.col = 1
		} else {
			lx.col++
		}
		lx.pos++
	}
}

// lexCode lexes code until EOF or, when inInterp is set, until the '}' that
// closes the interpolation. closed reports that such a '}' was consumed.
func (lx *lexer) lexCode(inInterp bool) (toks []Token, closed bool, err error) {
	depth := 0
	for lx.pos < len(lx.src) {
		c := lx.peek(0)
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			lx.advance(1)
		case c == '/' && lx.peek(1) == '/':
			for lx.pos < len(lx.src) && lx.peek(0) != '\n' {
				lx.advance(1)
			}
		case c == '/' && lx.peek(1) == '*':
			if err := lx.skipBlockComment(); err != nil {
				return nil, false, err
			}
		case c == '\'' || c == '"':
			tok, err := lx.lexString(false)
			if err != nil {
				return nil, false, err
			}
			toks = append(toks, tok)
		case c == 'r' && (lx.peek(1) == '\'' || lx.peek(1) == '"'):
			tok, err := lx.lexString(true)
			if err != nil {
				return nil, false, err
			}
			toks = append(toks, tok)
		case isIdentStart(c):
			toks = append(toks, lx.lexWhile(TokIdent, isIdentPart))
		case isDigit(c) || (c == '.' && isDigit(lx.peek(1))):
			toks = append(toks, lx.lexNumber())
		default:
			if inInterp {
				if c == '{' {
					depth++
				} else if c == '}' {
					if depth == 0 {
						lx.advance(1)
						return toks, true, nil
					}
					depth--
				}
			}
			toks = append(toks, Token{Kind: TokPunct, Text: string(c), Offset: lx.pos, End: lx.pos + 1, Line: lx.line, Col: lx.col})
			lx.advance(1)
		}
	}
	if inInterp {
		return nil, false, lx.errorf("unterminated string interpolation")
	}
	return toks, false, nil
}

// Dart block comments nest.
func (lx *lexer) skipBlockComment() error {
	line, col := lx.line, lx.col
	lx.advance(2)
	depth := 1
	for lx.pos < len(lx.src) {
		switch {
		case lx.peek(0) == '/' && lx.peek(1) == '*':
			depth++
			lx.advance(2)
		case lx.peek(0) == '*' && lx.peek(1) == '/':
			depth--
			lx.advance(2)
			if depth == 0 {
				return nil
			}
		default:
			lx.advance(1)
		}
	}
	return &LexError{Line: line, Col: col, Msg: "unterminated block comment"}
}

func (lx *lexer) lexString(raw bool) (Token, error) {
	tok := Token{Kind: TokString, Offset: lx.pos, Line: lx.line, Col: lx.col}
	if raw {
		lx.advance(1)
	}
	quote := lx.peek(0)
	triple := lx.peek(1) == quote && lx.peek(2) == quote
	if triple {
		lx.advance(3)
	} else {
		lx.advance(1)
	}
	for {
		if lx.pos >= len(lx.src) {
			return Token{}, &LexError{Line: tok.Line, Col: tok.Col, Msg: "unterminated string literal"}
		}
		c := lx.peek(0)
		switch {
		case triple && c == quote && lx.peek(1) == quote && lx.peek(2) == quote:
			lx.advance(3)
			tok.End = lx.pos
			tok.Text = lx.src[tok.Offset:tok.End]
			return tok, nil
		case !triple && c == quote:
			lx.advance(1)
			tok.End = lx.pos
			tok.Text = lx.src[tok.Offset:tok.End]
			return tok, nil
		case !triple && c == '\n':
			return Token{}, &LexError{Line: tok.Line, Col: tok.Col, Msg: "newline in string literal"}
		case !raw && c == '\\':
			lx.advance(2)
		case !raw && c == '$' && lx.peek(1) == '{':
			lx.advance(2)
			inner, _, err := lx.lexCode(true)
			if err != nil {
				return Token{}, err
			}
			tok.Nested = append(tok.Nested, inner...)
		case !raw && c == '$' && isIdentStart(lx.peek(1)) && lx.peek(1) != '$':
			lx.advance(1)
			tok.Nested = append(tok.Nested, lx.lexWhile(TokIdent, isSimpleInterpPart))
		default:
			lx.advance(1)
		}
	}
}

func (lx *lexer) lexWhile(kind TokenKind, pred func(byte) bool) Token {
	tok := Token{Kind: kind, Offset: lx.pos, Line: lx.line, Col: lx.col}
	for lx.pos < len(lx.src) && pred(lx.peek(0)) {
		lx.advance(1)
	}
	tok.End = lx.pos
	tok.Text = lx.src[tok.Offset:tok.End]
	return tok
}

func (lx *lexer) lexNumber() Token {
	tok := Token{Kind: TokNumber, Offset: lx.pos, Line: lx.line, Col: lx.col}
	if lx.peek(0) == '0' && (lx.peek(1) == 'x' || lx.peek(1) == 'X') {
		lx.advance(2)
		for isHexDigit(lx.peek(0)) || lx.peek(0) == '_' {
			lx.advance(1)
		}
	} else {
		for isDigit(lx.peek(0)) || lx.peek(0) == '_' {
			lx.advance(1)
		}
		if lx.peek(0) == '.' && isDigit(lx.peek(1)) {
			lx.advance(1)
			for isDigit(lx.peek(0)) {
				lx.advance(1)
			}
		}
		if e := lx.peek(0); e == 'e' || e == 'E' {
			next := lx.peek(1)
			if isDigit(next) || ((next == '+' || next == '-') && isDigit(lx.peek(2))) {
				lx.advance(2)
				for isDigit(lx.peek(0)) {
					lx.advance(1)
				}
			}
		}
	}
	tok.End = lx.pos
	tok.Text = lx.src[tok.Offset:tok.End]
	return tok
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// $name interpolation stops at '$', unlike identifiers.
func isSimpleInterpPart(c byte) bool { return c != '$' && isIdentPart(c) }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// StringValue returns the contents of a plain string literal token without
// quotes, used for import URIs. Escapes are not interpreted.
func StringValue(t Token) string {
	s := t.Text
	s = strings.TrimPrefix(s, "r")
	for _, q := range []string{`'''`, `"""`, `'`, `"`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
