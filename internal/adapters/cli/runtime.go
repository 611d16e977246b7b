// Package cli implements runtime.Runtime by invoking a container CLI
// (podman, docker or nerdctl) on the local host.
package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/docker/go-units"
	"github.com/google/shlex"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

const (
	versionCommandTimeout = 5 * time.Second
	inspectTimeout        = 30 * time.Second
	cleanupTimeout        = 15 * time.Second
	defaultPidsLimit      = 64
)

// minVersions are the oldest CLI releases with the flags this backend uses.
var minVersions = map[string]string{
	"docker":  "v20.10.0",
	"podman":  "v3.0.0",
	"nerdctl": "v1.0.0",
}

// Config selects the CLI and its invocation.
type Config struct {
	// Binary is podman, docker, nerdctl or a path to one of them.
	Binary string
	// GlobalArgs are shell-quoted arguments placed before every subcommand,
	// for example "--remote --connection build-host".
	GlobalArgs string
	PidsLimit  int
}

// Runtime drives a container CLI.
type Runtime struct {
	bin       string
	flavor    string
	global    []string
	pidsLimit int
	lg        zerolog.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a CLI runtime. It does not check that the CLI is installed;
// use Available for that.
func New(cfg Config, lg zerolog.Logger) (*Runtime, error) {
	if cfg.Binary == "" {
		cfg.Binary = "podman"
	}
	global, err := shlex.Split(cfg.GlobalArgs)
	if err != nil {
		return nil, fmt.Errorf("parse global args %q: %w", cfg.GlobalArgs, err)
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}
	flavor := strings.TrimSuffix(filepath.Base(cfg.Binary), ".exe")
	if _, ok := minVersions[flavor]; !ok {
		flavor = "docker"
	}
	return &Runtime{
		bin:       cfg.Binary,
		flavor:    flavor,
		global:    global,
		pidsLimit: cfg.PidsLimit,
		lg:        lg.With().Str("component", "cli-runtime").Str("bin", cfg.Binary).Logger(),
	}, nil
}

func (r *Runtime) run(ctx context.Context, op string, timeout time.Duration, args ...string) (*cmdResult, error) {
	full := append(append([]string(nil), r.global...), args...)
	res, err := execute(ctx, r.bin, full, timeout)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &runtime.Error{Op: op, Kind: runtime.KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return nil, &runtime.Error{Op: op, Kind: runtime.KindFailed, Err: err}
	case err != nil:
		return nil, &runtime.Error{Op: op, Kind: runtime.KindUnavailable, Err: err}
	}
	res.stderr = filterOutput(r.flavor, res.stderr)
	if res.timedOut {
		return res, &runtime.Error{Op: op, Kind: runtime.KindTimeout, Stderr: res.stderr,
			Err: fmt.Errorf("%s did not finish within %s", op, timeout)}
	}
	return res, nil
}

// failure turns a non-zero exit into a structured error.
func failure(op string, res *cmdResult) *runtime.Error {
	kind := runtime.KindFailed
	if isNotFound(res.stderr) {
		kind = runtime.KindNotFound
	}
	return &runtime.Error{
		Op:       op,
		Kind:     kind,
		ExitCode: res.exitCode,
		Stderr:   res.stderr,
		Err:      fmt.Errorf("%s", firstLine(res.stderr)),
	}
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such image") || strings.Contains(s, "image not known") ||
		strings.Contains(s, "no such container") || strings.Contains(s, "no container with name") ||
		strings.Contains(s, "not found")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}

func (r *Runtime) BuildImage(ctx context.Context, spec runtime.BuildSpec) (*runtime.BuildResult, error) {
	args := []string{"build", "--tag", spec.Tag, "--file", filepath.Join(spec.ContextDir, spec.Dockerfile), "--force-rm"}
	if spec.Platform != "" {
		args = append(args, "--platform", spec.Platform)
	}
	args = append(args, labelArgs("--label", spec.Labels)...)
	args = append(args, spec.ContextDir)

	r.lg.Debug().Str("tag", spec.Tag).Msg("building image")
	res, err := r.run(ctx, "build", spec.Timeout, args...)
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, failure("build", res)
	}
	info, err := r.InspectImage(ctx, spec.Tag)
	if err != nil {
		return nil, err
	}
	return &runtime.BuildResult{
		ImageID:  info.ID,
		Output:   strings.TrimSpace(res.stdout + "\n" + res.stderr),
		Duration: res.duration,
	}, nil
}

// runArgs assembles the run command line of spec.
func (r *Runtime) runArgs(spec runtime.RunSpec) []string {
	network := spec.Network
	if network == "" {
		network = runtime.NetworkNone
	}
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--network", network,
		"--pull", "never",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(r.pidsLimit),
	}
	if spec.Memory > 0 {
		mem := strconv.FormatInt(spec.Memory, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target)
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}
	args = append(args, labelArgs("--label", spec.Labels)...)
	args = append(args, labelArgs("--env", spec.Env)...)
	return append(args, spec.Image)
}

func (r *Runtime) RunContainer(ctx context.Context, spec runtime.RunSpec) (*runtime.RunResult, error) {
	r.lg.Debug().Str("image", spec.Image).Str("name", spec.Name).
		Str("memory", units.BytesSize(float64(spec.Memory))).Msg("running container")
	res, err := r.run(ctx, "run", spec.Timeout, r.runArgs(spec)...)
	if err != nil {
		if runtime.IsTimeout(err) {
			r.removeContainer(spec.Name)
		}
		return nil, err
	}
	// 125 is the CLI's own failure, the guest never started
	if res.exitCode == 125 {
		return nil, failure("run", res)
	}
	return &runtime.RunResult{
		ExitCode: res.exitCode,
		Stdout:   res.stdout,
		Stderr:   res.stderr,
		Duration: res.duration,
	}, nil
}

// removeContainer makes sure a timed-out container is gone. Killing the
// CLI process group does not stop a container owned by a daemon.
func (r *Runtime) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.KillContainer(ctx, name); err != nil && !runtime.IsNotFound(err) {
		r.lg.Warn().Err(err).Str("name", name).Msg("failed to kill timed out container")
	}
	if err := r.RemoveContainer(ctx, name); err != nil && !runtime.IsNotFound(err) {
		r.lg.Warn().Err(err).Str("name", name).Msg("failed to remove timed out container")
	}
}

func (r *Runtime) RemoveContainer(ctx context.Context, name string) error {
	res, err := r.run(ctx, "rm", cleanupTimeout, "rm", "--force", name)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return failure("rm", res)
	}
	return nil
}

const psFormat = "{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}"

// ListContainers returns every container, running or not, carrying all of
// labels.
func (r *Runtime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	args := []string{"ps", "--all", "--no-trunc", "--format", psFormat}
	for _, l := range labelArgs("", labels) {
		args = append(args, "--filter", "label="+l)
	}
	res, err := r.run(ctx, "ps", inspectTimeout, args...)
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, failure("ps", res)
	}
	return parsePs(res.stdout)
}

func parsePs(out string) ([]runtime.Container, error) {
	var cs []runtime.Container
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			return nil, runtime.Errorf("ps", runtime.KindInvalid, "unexpected ps output %q", line)
		}
		cs = append(cs, runtime.Container{ID: parts[0], Name: parts[1], Image: parts[2], State: parts[3]})
	}
	return cs, nil
}

func (r *Runtime) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := r.InspectImage(ctx, tag)
	if err == nil {
		return true, nil
	}
	if runtime.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

const inspectFormat = "{{.Id}}|{{.Size}}|{{.Os}}|{{.Architecture}}"

func (r *Runtime) InspectImage(ctx context.Context, tag string) (*runtime.ImageInfo, error) {
	res, err := r.run(ctx, "inspect", inspectTimeout, "image", "inspect", "--format", inspectFormat, tag)
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, failure("inspect", res)
	}
	return parseInspect(res.stdout)
}

func parseInspect(out string) (*runtime.ImageInfo, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return nil, runtime.Errorf("inspect", runtime.KindInvalid, "unexpected inspect output %q", out)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, runtime.Errorf("inspect", runtime.KindInvalid, "parse image size %q: %w", parts[1], err)
	}
	return &runtime.ImageInfo{ID: parts[0], Size: size, OS: parts[2], Architecture: parts[3]}, nil
}

func (r *Runtime) ImagePlatform(ctx context.Context, tag string) (string, error) {
	info, err := r.InspectImage(ctx, tag)
	if err != nil {
		if runtime.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return info.Platform(), nil
}

func (r *Runtime) EnsurePlatformCompatibility(ctx context.Context, tag, platform string) (bool, error) {
	return runtime.EnsurePlatform(ctx, r, tag, platform)
}

func (r *Runtime) RemoveImage(ctx context.Context, tag string) error {
	res, err := r.run(ctx, "remove", inspectTimeout, "image", "rm", "--force", tag)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return failure("remove", res)
	}
	return nil
}

func (r *Runtime) KillContainer(ctx context.Context, name string) error {
	res, err := r.run(ctx, "kill", cleanupTimeout, "kill", "--signal", "KILL", name)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return failure("kill", res)
	}
	return nil
}

func (r *Runtime) PruneDanglingImages(ctx context.Context, labels map[string]string) error {
	args := []string{"image", "prune", "--force", "--filter", "dangling=true"}
	for _, l := range labelArgs("", labels) {
		if l != "" {
			args = append(args, "--filter", "label="+l)
		}
	}
	res, err := r.run(ctx, "prune", inspectTimeout, args...)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return failure("prune", res)
	}
	return nil
}

func (r *Runtime) Available(ctx context.Context) bool {
	v, err := r.Version(ctx)
	if err != nil {
		r.lg.Debug().Err(err).Msg("container CLI unavailable")
		return false
	}
	if err := checkVersion(r.flavor, v); err != nil {
		r.lg.Warn().Err(err).Msg("container CLI too old")
		return false
	}
	return true
}

func (r *Runtime) Version(ctx context.Context) (string, error) {
	res, err := r.run(ctx, "version", versionCommandTimeout, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", err
	}
	if res.exitCode != 0 {
		return "", &runtime.Error{Op: "version", Kind: runtime.KindUnavailable, ExitCode: res.exitCode,
			Stderr: res.stderr, Err: fmt.Errorf("%s", firstLine(res.stderr))}
	}
	return strings.TrimSpace(res.stdout), nil
}

// checkVersion returns an error when v is not a valid version or older
// than the minimum supported release of flavor.
func checkVersion(flavor, v string) error {
	minimum := minVersions[flavor]
	current := "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
	// strip build metadata docker appends to some versions
	if i := strings.IndexAny(current, "+ "); i >= 0 {
		current = current[:i]
	}
	if !semver.IsValid(current) {
		return fmt.Errorf("%s version must be %s or greater: found invalid version %s", flavor, minimum, current)
	}
	if semver.Compare(minimum, current) > 0 {
		return fmt.Errorf("%s version must be %s or greater: found %s", flavor, minimum, current)
	}
	return nil
}

// labelArgs renders a map as repeated flag key=value pairs in key order. An
// empty flag yields only the pairs.
func labelArgs(flag string, kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		if flag != "" {
			out = append(out, flag)
		}
		out = append(out, k+"="+kv[k])
	}
	return out
}
