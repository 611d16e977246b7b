package build

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"text/template"
)

const (
	// BootstrapPath is where the generated program entry point is written.
	BootstrapPath = "bin/main.dart"
	// RuntimeLibraryPath is where the support library is written.
	RuntimeLibraryPath = "lib/faas_runtime.dart"
)

// SynthesisErrorCode distinguishes why no entry point could be generated.
type SynthesisErrorCode string

const (
	NoEntryClass         SynthesisErrorCode = "no-entry-class"
	MultipleEntryClasses SynthesisErrorCode = "multiple-entry-classes"
	InvalidPackageName   SynthesisErrorCode = "invalid-package-name"
)

// SynthesisError is returned when the submission does not contain exactly
// one marked entry class.
type SynthesisError struct {
	Code    SynthesisErrorCode
	Message string
}

func (e *SynthesisError) Error() string { return e.Message }

// EntryPointInfo describes the resolved entry class and what the bootstrap
// needs to reach it.
type EntryPointInfo struct {
	ClassName  string
	SourcePath string
	// Imports are the import URIs the bootstrap adds for the entry class.
	Imports []string
	// CarriedDirectives and CarriedDeclarations are only set when the entry
	// class lives in BootstrapPath itself; they are copied verbatim.
	CarriedDirectives   []string
	CarriedDeclarations []string
}

// InBootstrap reports whether the entry class sits in the bootstrap file.
func (e *EntryPointInfo) InBootstrap() bool { return e.SourcePath == BootstrapPath }

// Synthesizer locates the entry class and generates the bootstrap.
type Synthesizer struct {
	bootstrap *template.Template
}

// NewSynthesizer parses the bootstrap template.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{
		bootstrap: template.Must(template.New("bootstrap").Delims("<%", "%>").Parse(bootstrapTemplate)),
	}
}

// Resolve finds the single marked class across units. packageName is used to
// import files under lib/ through package: URIs.
func (s *Synthesizer) Resolve(units []*Unit, packageName string) (*EntryPointInfo, error) {
	if err := checkPackageName(packageName); err != nil {
		return nil, err
	}
	type candidate struct {
		unit *Unit
		decl Declaration
	}
	var found []candidate
	for _, u := range units {
		for _, d := range u.MarkedClasses() {
			found = append(found, candidate{unit: u, decl: d})
		}
	}

	switch len(found) {
	case 0:
		return nil, &SynthesisError{
			Code:    NoEntryClass,
			Message: fmt.Sprintf("no class annotated with @%s found in %d file(s)", MarkerAnnotation, len(units)),
		}
	case 1:
	default:
		where := make([]string, 0, len(found))
		for _, c := range found {
			where = append(where, fmt.Sprintf("%s in %s", c.decl.Name, c.unit.Path))
		}
		sort.Strings(where)
		return nil, &SynthesisError{
			Code: MultipleEntryClasses,
			Message: fmt.Sprintf("found %d classes annotated with @%s (%s), exactly one is allowed",
				len(found), MarkerAnnotation, strings.Join(where, ", ")),
		}
	}

	entry := found[0]
	info := &EntryPointInfo{ClassName: entry.decl.Name, SourcePath: entry.unit.Path}
	if info.InBootstrap() {
		for _, d := range entry.unit.Directives {
			info.CarriedDirectives = append(info.CarriedDirectives, d.Text)
		}
		for _, d := range entry.unit.Declarations {
			if d.Kind == DeclFunction && d.Name == "main" {
				continue
			}
			info.CarriedDeclarations = append(info.CarriedDeclarations, d.Text)
		}
		return info, nil
	}
	info.Imports = []string{importURI(packageName, info.SourcePath)}
	return info, nil
}

// checkPackageName keeps names that would break out of a generated import
// URI away from the templates. An empty name means relative imports only.
func checkPackageName(name string) error {
	if name == "" || ValidPackageName(name) {
		return nil
	}
	return &SynthesisError{
		Code:    InvalidPackageName,
		Message: fmt.Sprintf("package name %q is not a valid pub package name", name),
	}
}

// importURI returns how the bootstrap imports a file of the package.
func importURI(packageName, file string) string {
	if rest, ok := strings.CutPrefix(file, "lib/"); ok && packageName != "" {
		return "package:" + packageName + "/" + rest
	}
	return relativeImport(path.Dir(BootstrapPath), file)
}

// Generate renders the bootstrap and the runtime support library, keyed by
// their paths relative to the package root.
func (s *Synthesizer) Generate(info *EntryPointInfo, packageName string) (map[string]string, error) {
	if err := checkPackageName(packageName); err != nil {
		return nil, err
	}
	var library, directives []string
	for _, d := range info.CarriedDirectives {
		if strings.HasPrefix(d, "library") {
			library = append(library, d)
		} else {
			directives = append(directives, d)
		}
	}
	// part directives must follow every import
	sort.SliceStable(directives, func(i, j int) bool {
		return !strings.HasPrefix(directives[i], "part") && strings.HasPrefix(directives[j], "part")
	})

	data := struct {
		ClassName     string
		SourcePath    string
		Library       []string
		RuntimeImport string
		Imports       []string
		Directives    []string
		Declarations  []string
	}{
		ClassName:     info.ClassName,
		SourcePath:    info.SourcePath,
		Library:       library,
		RuntimeImport: importURI(packageName, RuntimeLibraryPath),
		Imports:       info.Imports,
		Directives:    directives,
		Declarations:  info.CarriedDeclarations,
	}

	var buf bytes.Buffer
	if err := s.bootstrap.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render bootstrap: %w", err)
	}
	return map[string]string{
		BootstrapPath:      buf.String(),
		RuntimeLibraryPath: runtimeLibrary,
	}, nil
}
