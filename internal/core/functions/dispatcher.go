package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// DispatcherConfig is the resource policy applied to every invocation.
type DispatcherConfig struct {
	WorkDir        string
	MaxConcurrent  int
	DefaultTimeout time.Duration
	CPUs           float64
	// MemoryFraction of the image's on-disk size becomes the memory ceiling,
	// never less than MinMemory.
	MemoryFraction float64
	MinMemory      int64
}

// Dispatcher runs invocations against the active deployment of a function.
type Dispatcher struct {
	store    Store
	rt       runtime.Runtime
	sink     LogSink
	cfg      DispatcherConfig
	inFlight atomic.Int64
	lg       zerolog.Logger
}

// NewDispatcher returns a Dispatcher. A nil sink discards guest logs.
func NewDispatcher(store Store, rt runtime.Runtime, sink LogSink, cfg DispatcherConfig, lg zerolog.Logger) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MemoryFraction <= 0 {
		cfg.MemoryFraction = 0.5
	}
	return &Dispatcher{
		store: store,
		rt:    rt,
		sink:  sink,
		cfg:   cfg,
		lg:    lg.With().Str("component", "dispatcher").Logger(),
	}
}

// InFlight returns the number of invocations holding a slot.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

func (d *Dispatcher) acquire() bool {
	for {
		n := d.inFlight.Load()
		if n >= int64(d.cfg.MaxConcurrent) {
			return false
		}
		if d.inFlight.CompareAndSwap(n, n+1) {
			metricExecutionsInFlight.Inc()
			return true
		}
	}
}

func (d *Dispatcher) release() {
	d.inFlight.Add(-1)
	metricExecutionsInFlight.Dec()
}

// MemoryCeiling derives the memory limit of an invocation from the size of
// its image.
func (d *Dispatcher) MemoryCeiling(imageSize int64) int64 {
	limit := int64(math.Round(float64(imageSize) * d.cfg.MemoryFraction))
	if limit < d.cfg.MinMemory {
		limit = d.cfg.MinMemory
	}
	return limit
}

// Execute invokes the active deployment of functionID. Guest failures are
// reported through an unsuccessful result; platform failures through an
// *Error.
func (d *Dispatcher) Execute(ctx context.Context, functionID string, req *ExecutionRequest) (*ExecutionResult, error) {
	if req == nil || !req.HasPayload() {
		metricExecutions.WithLabelValues(string(CodeValidation)).Inc()
		return nil, newError(CodeValidation, nil, "request must carry a body or query parameters")
	}
	if !d.acquire() {
		metricExecutions.WithLabelValues(string(CodeCapacity)).Inc()
		return nil, newError(CodeCapacity, nil, "%d executions already in flight", d.cfg.MaxConcurrent)
	}
	defer d.release()

	res, err := d.execute(ctx, functionID, req)
	outcome := "success"
	switch {
	case err != nil:
		outcome = string(CodeOf(err))
	case !res.Success:
		outcome = "function-error"
	}
	metricExecutions.WithLabelValues(outcome).Inc()
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, functionID string, req *ExecutionRequest) (*ExecutionResult, error) {
	fn, err := d.store.GetFunction(ctx, functionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(CodeNotFound, err, "function %q not found", functionID)
		}
		return nil, fmt.Errorf("get function: %w", err)
	}
	dep, err := d.store.ActiveDeployment(ctx, functionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(CodeNoDeployment, err, "function %q has no active deployment", functionID)
		}
		return nil, fmt.Errorf("get active deployment: %w", err)
	}

	exists, err := d.rt.ImageExists(ctx, dep.ImageRef)
	if err != nil {
		return nil, d.runtimeError(err, "check image %s", dep.ImageRef)
	}
	var info *runtime.ImageInfo
	if exists {
		info, err = d.rt.InspectImage(ctx, dep.ImageRef)
		if err != nil && !runtime.IsNotFound(err) {
			return nil, d.runtimeError(err, "inspect image %s", dep.ImageRef)
		}
	}
	// the image may also vanish between the two calls
	if info == nil {
		return nil, newError(CodeMissingImage, nil,
			"image of version %d is no longer available, roll back or redeploy", dep.Version)
	}

	timeout := d.cfg.DefaultTimeout
	if fn.TimeoutSeconds > 0 {
		timeout = time.Duration(fn.TimeoutSeconds) * time.Second
	}
	memory := d.MemoryCeiling(info.Size)
	invocationID := newID()
	lg := d.lg.With().Str("function_id", functionID).Int("version", dep.Version).Str("invocation_id", invocationID).Logger()

	dir, err := newInvocationDir(filepath.Join(d.cfg.WorkDir, "invocations"), invocationID, req, envConfig{
		FunctionID:  functionID,
		Version:     dep.Version,
		Timeout:     timeout,
		MemoryLimit: memory,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := dir.remove(); err != nil {
			lg.Error().Err(err).Str("path", dir.path).Msg("failed to remove invocation dir")
		}
	}()

	lg.Debug().Str("memory", units.BytesSize(float64(memory))).Dur("timeout", timeout).Msg("starting invocation")
	// only the deadline may end a run, never the caller going away
	run, err := d.rt.RunContainer(context.WithoutCancel(ctx), runtime.RunSpec{
		Image:   dep.ImageRef,
		Name:    containerName(functionID, invocationID),
		Labels:  InvocationLabels(functionID),
		Mounts:  dir.mounts(),
		Memory:  memory,
		CPUs:    d.cfg.CPUs,
		Network: runtime.NetworkNone,
		Timeout: timeout,
	})
	if err != nil {
		if runtime.IsTimeout(err) {
			lg.Warn().Dur("timeout", timeout).Msg("invocation timed out")
			return nil, newError(CodeTimeout, err, "function exceeded its %s timeout", timeout)
		}
		return nil, d.runtimeError(err, "run container")
	}
	metricExecutionDuration.Observe(run.Duration.Seconds())

	logs := dir.readLogs()
	merged := &InvocationLogs{
		Error:      logs.Error,
		Debug:      logs.Debug,
		Info:       logs.Info,
		ExitCode:   run.ExitCode,
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
		DurationMs: run.Duration.Milliseconds(),
	}
	d.forward(functionID, dep.Version, invocationID, merged)

	result := dir.readResult()
	switch {
	case result != nil && run.Succeeded():
		return &ExecutionResult{
			Success:    true,
			Result:     result.Body,
			StatusCode: result.StatusCode,
			Headers:    result.Headers,
			Version:    dep.Version,
			Logs:       merged,
		}, nil
	case result != nil:
		return &ExecutionResult{
			Error:      guestError(result.Body, run.ExitCode),
			StatusCode: result.StatusCode,
			Headers:    result.Headers,
			Version:    dep.Version,
			Logs:       merged,
		}, nil
	case !run.Succeeded():
		msg := fmt.Sprintf("function exited with code %d", run.ExitCode)
		if stderr := strings.TrimSpace(run.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return &ExecutionResult{
			Error:      msg,
			StatusCode: 500,
			Version:    dep.Version,
			Logs:       merged,
		}, nil
	}
	lg.Warn().Msg("function exited cleanly without a result")
	return nil, newError(CodeInconsistentResult, nil, "function exited with code 0 but wrote no result")
}

func (d *Dispatcher) runtimeError(err error, format string, args ...any) error {
	if runtime.IsUnavailable(err) {
		return newError(CodeRuntimeUnavailable, err, "container runtime unavailable")
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// guestError extracts {"error": "..."} from a failed result body.
func guestError(body json.RawMessage, exitCode int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("function exited with code %d", exitCode)
}

func (d *Dispatcher) forward(functionID string, version int, invocationID string, logs *InvocationLogs) {
	for level, entries := range map[string][]LogEntry{"error": logs.Error, "debug": logs.Debug, "info": logs.Info} {
		for _, e := range entries {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				ts = time.Now().UTC()
			}
			d.sink.Record(LogRecord{
				FunctionID:   functionID,
				Version:      version,
				InvocationID: invocationID,
				Level:        level,
				Message:      e.Message,
				Timestamp:    ts,
				Metadata:     e.Metadata,
			})
		}
	}
}
