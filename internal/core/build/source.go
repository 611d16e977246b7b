package build

import (
	"fmt"
	"path"
	"strings"
)

// MarkerAnnotation marks the class a function is entered through.
const MarkerAnnotation = "CloudFunction"

// DeclKind is the coarse kind of a top-level declaration.
type DeclKind string

const (
	DeclClass    DeclKind = "class"
	DeclFunction DeclKind = "function"
	DeclVariable DeclKind = "variable"
	DeclOther    DeclKind = "other"
)

// Directive is an import, export, library or part directive.
type Directive struct {
	Keyword string
	URI     string
	// URIs holds URI and every conditional alternative given with `if (...)`.
	URIs   []string
	Prefix string // import prefix given with `as`
	Text   string
	Line   int
}

// Declaration is one top-level declaration with its exact source text.
type Declaration struct {
	Kind        DeclKind
	Name        string
	Text        string
	Line        int
	Annotations []string
	Modifiers   []string
	Marked      bool
	// HasHandle is set for classes declaring a handle(...) member.
	HasHandle bool
	tokens    []Token
}

// Unit is a lexed and split Dart compilation unit.
type Unit struct {
	Path         string // slash separated, relative to the package root
	Source       string
	Tokens       []Token
	Directives   []Directive
	Declarations []Declaration
}

// MarkedClasses returns the declarations carrying the marker annotation.
func (u *Unit) MarkedClasses() []Declaration {
	var out []Declaration
	for _, d := range u.Declarations {
		if d.Marked && d.Kind == DeclClass {
			out = append(out, d)
		}
	}
	return out
}

// Imports returns the URIs of all import directives, in order.
func (u *Unit) Imports() []string {
	var out []string
	for _, d := range u.Directives {
		if d.Keyword == "import" {
			out = append(out, d.URI)
		}
	}
	return out
}

var directiveKeywords = map[string]bool{"import": true, "export": true, "library": true, "part": true}

var classKeywords = map[string]bool{"class": true, "mixin": true, "enum": true, "extension": true, "typedef": true}

var classModifiers = map[string]bool{
	"abstract": true, "base": true, "final": true, "interface": true, "sealed": true, "mixin": true,
}

// ParseUnit lexes src and splits it into directives and top-level
// declarations by tracking bracket depth over tokens.
func ParseUnit(filePath, src string) (*Unit, error) {
	toks, err := Lex(src)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", filePath, err)
	}
	u := &Unit{Path: path.Clean(filePath), Source: src, Tokens: toks}

	for i := 0; i < len(toks); {
		end, err := declarationEnd(toks, i)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filePath, toks[i].Line, err)
		}
		span := toks[i : end+1]
		text := src[span[0].Offset:span[len(span)-1].End]

		if first := span[0]; first.Kind == TokIdent && directiveKeywords[first.Text] && !isDeclarationUsing(span) {
			d := Directive{Keyword: first.Text, Text: text, Line: first.Line}
			for k, t := range span {
				if t.Kind == TokString {
					if d.URI == "" {
						d.URI = StringValue(t)
					}
					d.URIs = append(d.URIs, StringValue(t))
				}
				if t.Is(TokIdent, "as") && k+1 < len(span) && span[k+1].Kind == TokIdent {
					d.Prefix = span[k+1].Text
				}
			}
			u.Directives = append(u.Directives, d)
		} else {
			u.Declarations = append(u.Declarations, describeDeclaration(span, text))
		}
		i = end + 1
	}
	return u, nil
}

// isDeclarationUsing reports whether a span starting with a directive keyword
// is really a declaration, such as a top-level function named part(...).
func isDeclarationUsing(span []Token) bool {
	return len(span) > 1 && span[1].Kind == TokPunct && span[1].Text != ";" && span[1].Text != "."
}

// declarationEnd returns the index of the last token of the top-level
// declaration starting at toks[start].
func declarationEnd(toks []Token, start int) (int, error) {
	depth := 0
	sawBrace := false
	sawAssign := false
	for j := start; j < len(toks); j++ {
		t := toks[j]
		if t.Kind != TokPunct {
			continue
		}
		switch t.Text {
		case "(", "[":
			depth++
		case "{":
			depth++
			sawBrace = true
		case ")", "]":
			depth--
		case "}":
			depth--
			if depth == 0 {
				if j+1 < len(toks) && toks[j+1].Is(TokPunct, ";") {
					return j + 1, nil
				}
				if !sawAssign {
					return j, nil
				}
			}
		case "=":
			if depth == 0 && !sawBrace {
				sawAssign = true
			}
		case ";":
			if depth == 0 {
				return j, nil
			}
		}
		if depth < 0 {
			return 0, fmt.Errorf("unbalanced %q", t.Text)
		}
	}
	if depth != 0 {
		return 0, fmt.Errorf("unterminated declaration")
	}
	return len(toks) - 1, nil
}

func describeDeclaration(span []Token, text string) Declaration {
	d := Declaration{Kind: DeclOther, Text: text, Line: span[0].Line, tokens: span}

	i := 0
	for i < len(span) && span[i].Is(TokPunct, "@") {
		name, next := readAnnotation(span, i)
		d.Annotations = append(d.Annotations, name)
		if name == MarkerAnnotation {
			d.Marked = true
		}
		i = next
	}
	if i < len(span) {
		d.Line = span[i].Line
	}

	for ; i < len(span) && span[i].Kind == TokIdent; i++ {
		word := span[i].Text
		if classKeywords[word] && !(word == "mixin" && i+1 < len(span) && span[i+1].Is(TokIdent, "class")) {
			d.Kind = DeclClass
			for k := i + 1; k < len(span); k++ {
				if span[k].Kind == TokIdent && !classKeywords[span[k].Text] && span[k].Text != "type" {
					d.Name = span[k].Text
					break
				}
			}
			d.HasHandle = declaresMember(span, "handle")
			return d
		}
		if classModifiers[word] {
			d.Modifiers = append(d.Modifiers, word)
			continue
		}
		break
	}

	depth := 0
	for k := i; k < len(span); k++ {
		t := span[k]
		if t.Kind != TokPunct {
			continue
		}
		if depth == 0 {
			switch t.Text {
			case "(":
				d.Kind = DeclFunction
				d.Name = previousIdent(span, k)
				return d
			case "=", ";", ",":
				d.Kind = DeclVariable
				d.Name = previousIdent(span, k)
				return d
			case "{":
				d.Name = previousIdent(span, k)
				return d
			}
		}
		switch t.Text {
		case "(", "[", "{", "<":
			depth++
		case ")", "]", "}", ">":
			depth--
		}
	}
	return d
}

// readAnnotation reads `@a.b.Name(args)` starting at span[i] and returns the
// last name segment and the index after it.
func readAnnotation(span []Token, i int) (string, int) {
	name := ""
	i++
	for i < len(span) && span[i].Kind == TokIdent {
		name = span[i].Text
		i++
		if i < len(span) && span[i].Is(TokPunct, ".") {
			i++
			continue
		}
		break
	}
	if i < len(span) && span[i].Is(TokPunct, "(") {
		depth := 0
		for ; i < len(span); i++ {
			if span[i].Is(TokPunct, "(") {
				depth++
			} else if span[i].Is(TokPunct, ")") {
				depth--
				if depth == 0 {
					i++
					break
				}
			}
		}
	}
	return name, i
}

func previousIdent(span []Token, k int) string {
	for j := k - 1; j >= 0; j-- {
		if span[j].Kind == TokIdent {
			return span[j].Text
		}
	}
	return ""
}

// declaresMember reports whether a class body declares name(...) directly,
// not inside a nested block.
func declaresMember(span []Token, name string) bool {
	depth := 0
	for k, t := range span {
		if t.Kind == TokPunct {
			switch t.Text {
			case "{":
				depth++
			case "}":
				depth--
			}
			continue
		}
		if depth == 1 && t.Is(TokIdent, name) && k+1 < len(span) && span[k+1].Is(TokPunct, "(") {
			return true
		}
	}
	return false
}

// relativeImport returns the import URI that reaches target from a file in
// fromDir, both slash separated and relative to the package root.
func relativeImport(fromDir, target string) string {
	from := strings.Split(path.Clean(fromDir), "/")
	to := strings.Split(path.Clean(target), "/")
	if fromDir == "" || fromDir == "." {
		from = nil
	}
	i := 0
	for i < len(from) && i < len(to)-1 && from[i] == to[i] {
		i++
	}
	var parts []string
	for range from[i:] {
		parts = append(parts, "..")
	}
	parts = append(parts, to[i:]...)
	return strings.Join(parts, "/")
}
