package build

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	maxArchiveFiles = 2000
	maxArchiveBytes = 64 << 20

	pubspecFile = "pubspec.yaml"
)

// ExtractArchive unpacks a zipped Dart package into dest. A single top-level
// directory wrapping the whole package is stripped.
func ExtractArchive(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) > maxArchiveFiles {
		return fmt.Errorf("archive has %d entries, limit is %d", len(zr.File), maxArchiveFiles)
	}

	strip := commonRoot(zr.File)
	var total int64
	for _, f := range zr.File {
		name := strings.TrimPrefix(path.Clean(strings.ReplaceAll(f.Name, `\`, "/")), strip)
		if name == "" || name == "." || f.FileInfo().IsDir() {
			continue
		}
		if path.IsAbs(name) || strings.HasPrefix(name, "../") || name == ".." {
			return fmt.Errorf("archive entry %q escapes the package root", f.Name)
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q is a symlink", f.Name)
		}
		total += int64(f.UncompressedSize64)
		if total > maxArchiveBytes {
			return fmt.Errorf("archive expands beyond %d bytes", maxArchiveBytes)
		}
		if err := extractFile(f, filepath.Join(dest, filepath.FromSlash(name))); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(rc, maxArchiveBytes)); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// commonRoot returns "dir/" when every file lives under the same top-level
// directory.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, `\`, "/"), "./")
		first, _, nested := strings.Cut(name, "/")
		if !nested {
			if f.FileInfo().IsDir() {
				continue
			}
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

var skippedDirs = map[string]bool{".dart_tool": true, "build": true, ".git": true, ".pub-cache": true}

// LoadSources reads every .dart file below dir.
func LoadSources(dir string) ([]SourceFile, error) {
	var files []SourceFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(p) != ".dart" {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files = append(files, SourceFile{Path: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	return files, nil
}

type pubspec struct {
	Name                string                 `yaml:"name"`
	Environment         map[string]string      `yaml:"environment,omitempty"`
	Dependencies        map[string]interface{} `yaml:"dependencies,omitempty"`
	DevDependencies     map[string]interface{} `yaml:"dev_dependencies,omitempty"`
	DependencyOverrides map[string]interface{} `yaml:"dependency_overrides,omitempty"`
}

const defaultPackageName = "function"

// packageName is the pub package naming rule; the name is spliced into
// generated import URIs.
var packageName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidPackageName reports whether name is a legal pub package name.
func ValidPackageName(name string) bool { return packageName.MatchString(name) }

// EnsurePubspec returns the package name declared in dir/pubspec.yaml and
// writes a minimal pubspec when the submission has none. A pubspec with an
// illegal name or any dependency section yields a *ValidationError, since
// fetched packages would bypass source validation.
func EnsurePubspec(dir string) (string, error) {
	p := filepath.Join(dir, pubspecFile)
	raw, err := os.ReadFile(p)
	if err == nil {
		var spec pubspec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return "", fmt.Errorf("parse %s: %w", pubspecFile, err)
		}
		if spec.Name == "" {
			return "", fmt.Errorf("%s does not declare a package name", pubspecFile)
		}
		if res := checkPubspec(&spec); !res.Valid {
			return "", &ValidationError{Result: res}
		}
		return spec.Name, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", pubspecFile, err)
	}

	out, err := yaml.Marshal(pubspec{
		Name:        defaultPackageName,
		Environment: map[string]string{"sdk": "^3.0.0"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", pubspecFile, err)
	}
	if err := os.WriteFile(p, out, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", pubspecFile, err)
	}
	return defaultPackageName, nil
}

func checkPubspec(spec *pubspec) *AnalysisResult {
	res := &AnalysisResult{}
	if !ValidPackageName(spec.Name) {
		res.errorf(pubspecFile, 0, "package name %q must match %s", spec.Name, packageName)
	}
	sections := []struct {
		key  string
		deps map[string]interface{}
	}{
		{"dependencies", spec.Dependencies},
		{"dev_dependencies", spec.DevDependencies},
		{"dependency_overrides", spec.DependencyOverrides},
	}
	for _, sec := range sections {
		names := make([]string, 0, len(sec.deps))
		for name := range sec.deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if src := dependencySource(sec.deps[name]); src != "" {
				res.errorf(pubspecFile, 0, "%s: %s source of %q is not allowed", sec.key, src, name)
				continue
			}
			res.errorf(pubspecFile, 0, "%s: package %q is not allowed, functions may only use the SDK and the runtime library", sec.key, name)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// dependencySource returns "path", "git" or "sdk" when a dependency is not
// fetched from a package host.
func dependencySource(v interface{}) string {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return ""
	}
	for _, src := range []string{"path", "git", "sdk"} {
		if _, ok := m[src]; ok {
			return src
		}
	}
	return ""
}

// WriteFiles writes generated files below dir.
func WriteFiles(dir string, files map[string]string) error {
	for rel, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}
