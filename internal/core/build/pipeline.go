package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/rs/zerolog"
)

// State is a step of the build state machine.
type State string

const (
	StateValidating       State = "validating"
	StateSynthesizing     State = "synthesizing"
	StatePlatformChecking State = "platform-checking"
	StateBuilding         State = "building"
	StateCleaningUp       State = "cleaning-up"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
)

// BuildError carries the backend's captured stderr verbatim.
type BuildError struct {
	Tag      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build image %s", e.Tag)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// PlatformMismatchError is returned when the compiler image had the wrong
// platform and could not be replaced by a rebuild.
type PlatformMismatchError struct {
	Image    string
	Platform string
	Err      error
}

func (e *PlatformMismatchError) Error() string {
	return fmt.Sprintf("compiler image %s could not be rebuilt for %s: %v", e.Image, e.Platform, e.Err)
}

func (e *PlatformMismatchError) Unwrap() error { return e.Err }

// Request is one build of one function version.
type Request struct {
	FunctionID string
	Version    int
	// SourceDir holds the extracted submission. Generated files are written
	// into it; the caller owns and removes it.
	SourceDir string
	Tag       string
}

// Report describes how far a build got.
type Report struct {
	State       State
	Transitions []State
	Analysis    *AnalysisResult
	Entry       *EntryPointInfo
	ImageID     string
	Output      string
	Duration    time.Duration
}

func (r *Report) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// PipelineConfig holds the build settings shared by every function.
type PipelineConfig struct {
	CompilerImage string
	Platform      string
	BuildTimeout  time.Duration
}

// Pipeline runs validation, synthesis, the platform check, the image build
// and the cleanup of intermediate images, in that order.
type Pipeline struct {
	rt        runtime.Runtime
	validator *Validator
	synth     *Synthesizer
	cfg       PipelineConfig
	lg        zerolog.Logger
}

// NewPipeline wires a pipeline onto a runtime backend.
func NewPipeline(rt runtime.Runtime, cfg PipelineConfig, lg zerolog.Logger) *Pipeline {
	if cfg.Platform == "" {
		cfg.Platform = runtime.HostPlatform()
	}
	return &Pipeline{
		rt:        rt,
		validator: NewValidator(),
		synth:     NewSynthesizer(),
		cfg:       cfg,
		lg:        lg.With().Str("component", "build-pipeline").Logger(),
	}
}

// Build turns req.SourceDir into the image req.Tag. The returned report is
// never nil and records the state the pipeline stopped in.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	rep := &Report{}
	lg := p.lg.With().Str("function_id", req.FunctionID).Int("version", req.Version).Str("tag", req.Tag).Logger()

	err := p.run(ctx, req, rep, lg)
	rep.Duration = time.Since(start)
	if err != nil {
		failedIn := rep.State
		rep.enter(StateFailed)
		lg.Warn().Err(err).Str("state", string(failedIn)).Dur("duration", rep.Duration).Msg("build failed")
		return rep, err
	}
	rep.enter(StateSucceeded)
	lg.Info().Str("image_id", rep.ImageID).Dur("duration", rep.Duration).Msg("build succeeded")
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, rep *Report, lg zerolog.Logger) error {
	rep.enter(StateValidating)
	files, err := LoadSources(req.SourceDir)
	if err != nil {
		return err
	}
	analysis, units := p.validator.Analyze(files)
	rep.Analysis = analysis
	pkg, err := EnsurePubspec(req.SourceDir)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		analysis.Errors = append(analysis.Errors, verr.Result.Errors...)
		analysis.Valid = false
	}
	if !analysis.Valid {
		return &ValidationError{Result: analysis}
	}
	for _, w := range analysis.Warnings {
		lg.Debug().Str("warning", w.String()).Msg("validation warning")
	}

	rep.enter(StateSynthesizing)
	entry, err := p.synth.Resolve(units, pkg)
	if err != nil {
		return err
	}
	rep.Entry = entry
	generated, err := p.synth.Generate(entry, pkg)
	if err != nil {
		return err
	}
	if !entry.InBootstrap() {
		if _, err := os.Stat(filepath.Join(req.SourceDir, filepath.FromSlash(BootstrapPath))); err == nil {
			analysis.warnf(BootstrapPath, 0, "replaced by the generated entry point")
		}
	}
	dockerfile, err := RenderDockerfile(TemplateParams{
		CompilerImage: p.cfg.CompilerImage,
		Platform:      p.cfg.Platform,
		EntryPoint:    BootstrapPath,
		FunctionID:    req.FunctionID,
		Version:       req.Version,
	})
	if err != nil {
		return err
	}
	generated[DockerfileName] = dockerfile
	if err := WriteFiles(req.SourceDir, generated); err != nil {
		return err
	}
	lg.Debug().Str("entry_class", entry.ClassName).Str("source", entry.SourcePath).Msg("entry point generated")

	rep.enter(StatePlatformChecking)
	rebuilt, err := p.rt.EnsurePlatformCompatibility(ctx, p.cfg.CompilerImage, p.cfg.Platform)
	if err != nil {
		return &PlatformMismatchError{Image: p.cfg.CompilerImage, Platform: p.cfg.Platform, Err: err}
	}
	if rebuilt {
		lg.Warn().Str("image", p.cfg.CompilerImage).Str("platform", p.cfg.Platform).
			Msg("compiler image had a foreign platform, removed for rebuild")
	}

	rep.enter(StateBuilding)
	res, err := p.rt.BuildImage(ctx, runtime.BuildSpec{
		Tag:        req.Tag,
		Dockerfile: DockerfileName,
		ContextDir: req.SourceDir,
		Platform:   p.cfg.Platform,
		Labels:     map[string]string{LabelFunction: req.FunctionID},
		Timeout:    p.cfg.BuildTimeout,
	})
	if err != nil {
		berr := &BuildError{Tag: req.Tag, Stderr: runtime.StderrOf(err), Err: err}
		var rerr *runtime.Error
		if errors.As(err, &rerr) {
			berr.ExitCode = rerr.ExitCode
		}
		if rebuilt {
			return &PlatformMismatchError{Image: p.cfg.CompilerImage, Platform: p.cfg.Platform, Err: berr}
		}
		return berr
	}
	rep.ImageID = res.ImageID
	rep.Output = res.Output

	rep.enter(StateCleaningUp)
	// best effort: a failed prune never fails the build
	if err := p.rt.PruneDanglingImages(ctx, CompileStageLabels(req.FunctionID)); err != nil {
		lg.Warn().Err(err).Msg("prune compile stage images")
	}
	return nil
}
