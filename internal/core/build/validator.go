package build

import (
	"fmt"
	"sort"
	"strings"
)

// RiskKind names a forbidden capability.
type RiskKind string

const (
	RiskProcessSpawn RiskKind = "process-spawn"
	RiskRawSocket    RiskKind = "raw-socket"
	RiskReflection   RiskKind = "reflection"
	RiskFFI          RiskKind = "ffi"
	RiskIsolateSpawn RiskKind = "isolate-spawn"
)

// Risk describes one occurrence of a forbidden construct.
type Risk struct {
	Kind      RiskKind `json:"kind"`
	Construct string   `json:"construct"`
	File      string   `json:"file"`
	Line      int      `json:"line"`
	Col       int      `json:"col"`
}

// Finding is a positioned validator message.
type Finding struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	if f.File == "" {
		return f.Message
	}
	if f.Line == 0 {
		return f.File + ": " + f.Message
	}
	return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Message)
}

// AnalysisResult is the outcome of validating a whole submission.
type AnalysisResult struct {
	Valid    bool      `json:"isValid"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
	Risks    []Risk    `json:"risks"`
}

func (r *AnalysisResult) errorf(file string, line int, format string, args ...any) {
	r.Errors = append(r.Errors, Finding{File: file, Line: line, Message: fmt.Sprintf(format, args...)})
}

func (r *AnalysisResult) warnf(file string, line int, format string, args ...any) {
	r.Warnings = append(r.Warnings, Finding{File: file, Line: line, Message: fmt.Sprintf(format, args...)})
}

func (r *AnalysisResult) risk(kind RiskKind, construct, file string, t Token) {
	r.Risks = append(r.Risks, Risk{Kind: kind, Construct: construct, File: file, Line: t.Line, Col: t.Col})
	r.errorf(file, t.Line, "forbidden %s construct %q", kind, construct)
}

// ValidationError carries every blocking finding of a submission.
type ValidationError struct {
	Result *AnalysisResult
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, f := range e.Result.Errors {
		msgs = append(msgs, f.String())
	}
	return fmt.Sprintf("validation failed with %d error(s): %s", len(msgs), strings.Join(msgs, "; "))
}

// SourceFile is one submitted Dart file.
type SourceFile struct {
	Path    string
	Content string
}

const maxSourceSize = 1 << 20

var forbiddenImports = map[string]RiskKind{
	"dart:mirrors": RiskReflection,
	"dart:ffi":     RiskFFI,
}

var processMembers = map[string]bool{"run": true, "runSync": true, "start": true, "killPid": true}

var rawSocketTypes = map[string]bool{
	"Socket": true, "RawSocket": true, "ServerSocket": true, "RawServerSocket": true,
	"RawDatagramSocket": true, "SecureSocket": true, "RawSecureSocket": true,
	"SecureServerSocket": true, "RawSynchronousSocket": true,
}

var reflectionFuncs = map[string]bool{
	"reflect": true, "reflectClass": true, "reflectType": true, "currentMirrorSystem": true,
}

// Validator checks submissions against the capability allow-list and the
// entry class contract. It never stops at the first problem.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator { return &Validator{} }

// Analyze validates files and returns the parsed units of every file that
// could be parsed.
func (v *Validator) Analyze(files []SourceFile) (*AnalysisResult, []*Unit) {
	res := &AnalysisResult{}
	if len(files) == 0 {
		res.errorf("", 0, "submission contains no .dart files")
	}

	sorted := append([]SourceFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var units []*Unit
	for _, f := range sorted {
		if len(f.Content) > maxSourceSize {
			res.warnf(f.Path, 0, "file is larger than %d bytes", maxSourceSize)
		}
		u, err := ParseUnit(f.Path, f.Content)
		if err != nil {
			res.errorf(f.Path, 0, "cannot parse: %v", err)
			continue
		}
		units = append(units, u)
		v.checkImports(res, u)
		v.checkTokens(res, u, u.Tokens, importPrefixes(u))
		v.checkStructure(res, u)
	}

	res.Valid = len(res.Errors) == 0
	return res, units
}

func importPrefixes(u *Unit) map[string]bool {
	out := map[string]bool{}
	for _, d := range u.Directives {
		if d.Prefix != "" {
			out[d.Prefix] = true
		}
	}
	return out
}

func (v *Validator) checkImports(res *AnalysisResult, u *Unit) {
	for _, d := range u.Directives {
		if d.Keyword != "import" && d.Keyword != "export" {
			continue
		}
		tok := Token{Line: d.Line, Col: 1}
		for _, uri := range d.URIs {
			if kind, ok := forbiddenImports[uri]; ok {
				res.risk(kind, d.Keyword+" '"+uri+"'", u.Path, tok)
				continue
			}
			if strings.HasPrefix(uri, "package:ffi/") {
				res.risk(RiskFFI, d.Keyword+" '"+uri+"'", u.Path, tok)
				continue
			}
			if uri == "dart:io" {
				res.warnf(u.Path, d.Line, "dart:io is available but only the request and log files are reachable")
			}
		}
	}
}

// checkTokens walks toks and the code nested in string interpolations.
func (v *Validator) checkTokens(res *AnalysisResult, u *Unit, toks []Token, prefixes map[string]bool) {
	for i, t := range toks {
		if t.Kind == TokString {
			if len(t.Nested) > 0 {
				v.checkTokens(res, u, t.Nested, prefixes)
			}
			continue
		}
		if t.Kind != TokIdent {
			continue
		}
		memberOf := memberAccessTarget(toks, i)
		qualified := memberOf == "" || prefixes[memberOf]

		switch {
		case t.Text == "Process" && qualified && nextMember(toks, i) != "":
			if m := nextMember(toks, i); processMembers[m] {
				res.risk(RiskProcessSpawn, "Process."+m, u.Path, t)
			}
		case rawSocketTypes[t.Text] && qualified:
			res.risk(RiskRawSocket, t.Text, u.Path, t)
		case reflectionFuncs[t.Text] && qualified && followedBy(toks, i, "("):
			res.risk(RiskReflection, t.Text+"()", u.Path, t)
		case t.Text == "MirrorSystem" && qualified:
			res.risk(RiskReflection, t.Text, u.Path, t)
		case t.Text == "DynamicLibrary" && qualified:
			res.risk(RiskFFI, t.Text, u.Path, t)
		case t.Text == "Isolate" && qualified && nextMember(toks, i) == "spawnUri":
			res.risk(RiskIsolateSpawn, "Isolate.spawnUri", u.Path, t)
		case t.Text == "exit" && qualified && followedBy(toks, i, "("):
			res.warnf(u.Path, t.Line, "exit() terminates the function before its result is written")
		}
	}
}

func (v *Validator) checkStructure(res *AnalysisResult, u *Unit) {
	headMarkers := 0
	hasEntry := false
	for _, d := range u.Declarations {
		if !d.Marked {
			continue
		}
		headMarkers++
		switch {
		case d.Kind != DeclClass:
			res.errorf(u.Path, d.Line, "@%s must annotate a class, found it on %s %q", MarkerAnnotation, d.Kind, d.Name)
		case containsString(d.Modifiers, "abstract"):
			res.errorf(u.Path, d.Line, "entry class %s must not be abstract", d.Name)
		case !d.HasHandle:
			hasEntry = true
			res.errorf(u.Path, d.Line, "entry class %s must declare handle(FunctionRequest request, FunctionLogger logger)", d.Name)
		default:
			hasEntry = true
		}
	}

	total := 0
	for i, t := range u.Tokens {
		if t.Is(TokPunct, "@") && i+1 < len(u.Tokens) && annotationName(u.Tokens, i) == MarkerAnnotation {
			total++
		}
	}
	if total > headMarkers {
		res.errorf(u.Path, 0, "@%s may only annotate a top-level class", MarkerAnnotation)
	}

	if hasEntry {
		for _, d := range u.Declarations {
			if d.Kind == DeclFunction && d.Name == "main" {
				res.warnf(u.Path, d.Line, "top-level main() is ignored, the platform generates the program entry point")
			}
		}
	}
}

func annotationName(toks []Token, at int) string {
	name, _ := readAnnotation(toks, at)
	return name
}

// memberAccessTarget returns the identifier x in `x.name` for toks[i] == name,
// "?" for other receivers, or "" when toks[i] is not accessed as a member.
func memberAccessTarget(toks []Token, i int) string {
	if i == 0 || !(toks[i-1].Is(TokPunct, ".")) {
		return ""
	}
	if i >= 2 && toks[i-2].Kind == TokIdent {
		if i >= 3 && toks[i-3].Is(TokPunct, ".") {
			return "?"
		}
		return toks[i-2].Text
	}
	return "?"
}

func nextMember(toks []Token, i int) string {
	if i+2 < len(toks) && toks[i+1].Is(TokPunct, ".") && toks[i+2].Kind == TokIdent {
		return toks[i+2].Text
	}
	return ""
}

func followedBy(toks []Token, i int, punct string) bool {
	return i+1 < len(toks) && toks[i+1].Is(TokPunct, punct)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
