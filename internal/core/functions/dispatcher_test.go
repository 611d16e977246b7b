package functions_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"faas-executor/internal/adapters/memstore"
	"faas-executor/internal/core/functions"
	"faas-executor/internal/core/runtime"
	"faas-executor/internal/core/runtime/runtimetest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testImage = "faas-fn-f1:v1"

type recordingSink struct {
	mu      sync.Mutex
	records []functions.LogRecord
}

func (s *recordingSink) Record(r functions.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

type dispatcherFixture struct {
	store   *memstore.Store
	rt      *runtimetest.Runtime
	sink    *recordingSink
	workDir string
	d       *functions.Dispatcher
}

func newDispatcherFixture(t *testing.T, maxConcurrent int) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateFunction(ctx, &functions.FunctionDefinition{
		ID: "f1", Owner: "acme", Name: "echo", Status: functions.FunctionReady, TimeoutSeconds: 5,
	}))
	require.NoError(t, store.CreateDeployment(ctx, &functions.Deployment{
		ID: "d1", FunctionID: "f1", Version: 1, ImageRef: testImage, ArchiveKey: "k1", Status: functions.DeploymentActive,
	}))

	f := &dispatcherFixture{
		store:   store,
		rt:      &runtimetest.Runtime{},
		sink:    &recordingSink{},
		workDir: t.TempDir(),
	}
	f.d = functions.NewDispatcher(store, f.rt, f.sink, functions.DispatcherConfig{
		WorkDir:        f.workDir,
		MaxConcurrent:  maxConcurrent,
		DefaultTimeout: 30 * time.Second,
		CPUs:           0.5,
		MemoryFraction: 0.5,
		MinMemory:      16 << 20,
	}, zerolog.Nop())
	return f
}

func (f *dispatcherFixture) imagePresent(size int64) {
	f.rt.On("ImageExists", mock.Anything, testImage).Return(true, nil)
	f.rt.On("InspectImage", mock.Anything, testImage).
		Return(&runtime.ImageInfo{ID: "sha256:1", Size: size, OS: "linux", Architecture: "amd64"}, nil)
}

func (f *dispatcherFixture) invocationDirs(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.workDir, "invocations"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func mountOf(spec runtime.RunSpec, target string) string {
	for _, m := range spec.Mounts {
		if m.Target == target {
			return m.Source
		}
	}
	return ""
}

// echoGuest behaves like a bootstrap whose handler returns request.body.
func echoGuest(args mock.Arguments) {
	spec := args.Get(1).(runtime.RunSpec)
	raw, err := os.ReadFile(mountOf(spec, functions.RequestPath))
	if err != nil {
		panic(err)
	}
	var req functions.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		panic(err)
	}
	out, _ := json.Marshal(map[string]any{"statusCode": 200, "headers": map[string]string{}, "body": req.Body})
	_ = os.WriteFile(mountOf(spec, functions.ResultPath), out, 0o644)
	_ = os.WriteFile(mountOf(spec, functions.LogsPath),
		[]byte(`{"error":[],"debug":[],"info":[{"message":"echo","timestamp":"2026-01-02T03:04:05Z"}]}`), 0o644)
}

func TestExecuteRoundTrip(t *testing.T) {
	f := newDispatcherFixture(t, 2)
	f.imagePresent(100 << 20)
	f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(echoGuest).
		Return(&runtime.RunResult{ExitCode: 0, Duration: 20 * time.Millisecond}, nil)

	res, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{
		Method: "POST", Path: "/", Body: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"a":1}`, string(res.Result))
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, 1, res.Version)
	require.NotNil(t, res.Logs)
	require.Len(t, res.Logs.Info, 1)
	assert.Equal(t, "echo", res.Logs.Info[0].Message)

	require.Len(t, f.sink.records, 1)
	assert.Equal(t, "info", f.sink.records[0].Level)
	assert.Equal(t, "f1", f.sink.records[0].FunctionID)

	assert.Empty(t, f.invocationDirs(t))
	assert.Zero(t, f.d.InFlight())
}

func TestExecuteRunSpec(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	f.imagePresent(100 << 20)

	var spec runtime.RunSpec
	var config string
	f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		spec = args.Get(1).(runtime.RunSpec)
		raw, _ := os.ReadFile(mountOf(spec, functions.ConfigPath))
		config = string(raw)
		echoGuest(args)
	}).Return(&runtime.RunResult{}, nil)

	_, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Query: map[string]string{"q": "1"}})
	require.NoError(t, err)

	assert.Equal(t, testImage, spec.Image)
	assert.Equal(t, runtime.NetworkNone, spec.Network)
	assert.Equal(t, int64(50<<20), spec.Memory)
	assert.Equal(t, 0.5, spec.CPUs)
	assert.Equal(t, 5*time.Second, spec.Timeout)
	assert.Equal(t, functions.InvocationLabels("f1"), spec.Labels)
	require.Len(t, spec.Mounts, 4)
	for _, m := range spec.Mounts {
		readOnly := m.Target == functions.RequestPath || m.Target == functions.ConfigPath
		assert.Equal(t, readOnly, m.ReadOnly, m.Target)
	}
	assert.Contains(t, config, "FAAS_RESTRICTED=1")
	assert.Contains(t, config, "FAAS_TIMEOUT_MS=5000")
	assert.Contains(t, config, "FAAS_MEMORY_LIMIT=52428800")
}

func TestMemoryCeiling(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	assert.Equal(t, int64(50<<20), f.d.MemoryCeiling(100<<20))
	assert.Equal(t, int64(16<<20), f.d.MemoryCeiling(1<<20))
	assert.Equal(t, int64(16<<20)+1, f.d.MemoryCeiling(32<<20+1))
}

func TestExecuteRequiresPayload(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	for _, req := range []*functions.ExecutionRequest{
		nil,
		{Method: "GET"},
		{Method: "POST", Body: json.RawMessage("null")},
	} {
		_, err := f.d.Execute(context.Background(), "f1", req)
		assert.Equal(t, functions.CodeValidation, functions.CodeOf(err))
	}
	f.rt.AssertNotCalled(t, "ImageExists", mock.Anything, mock.Anything)
	assert.Zero(t, f.d.InFlight())
}

func TestExecuteCapacity(t *testing.T) {
	const ceiling = 3
	f := newDispatcherFixture(t, ceiling)
	f.imagePresent(10 << 20)

	release := make(chan struct{})
	var started atomic.Int32
	f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		started.Add(1)
		<-release
		echoGuest(args)
	}).Return(&runtime.RunResult{}, nil)

	var (
		mu        sync.Mutex
		succeeded int
		capacity  int
	)
	var g errgroup.Group
	for i := 0; i < ceiling+1; i++ {
		g.Go(func() error {
			res, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Body: json.RawMessage(`{}`)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case functions.CodeOf(err) == functions.CodeCapacity:
				capacity++
			case err == nil && res.Success:
				succeeded++
			default:
				return err
			}
			return nil
		})
	}

	require.Eventually(t, func() bool { return started.Load() == ceiling }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(ceiling), f.d.InFlight())
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, ceiling, succeeded)
	assert.Equal(t, 1, capacity)
	assert.Equal(t, int32(ceiling), started.Load())
	assert.Zero(t, f.d.InFlight())
}

func TestExecuteTimeout(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	f.imagePresent(10 << 20)
	var dirExisted bool
	f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		_, err := os.Stat(mountOf(args.Get(1).(runtime.RunSpec), functions.RequestPath))
		dirExisted = err == nil
	}).Return(nil, &runtime.Error{Op: "run", Kind: runtime.KindTimeout})

	_, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
	assert.Equal(t, functions.CodeTimeout, functions.CodeOf(err))
	assert.True(t, dirExisted)
	assert.Empty(t, f.invocationDirs(t))
	assert.Zero(t, f.d.InFlight())
}

func TestExecuteResolutionErrors(t *testing.T) {
	t.Run("unknown function", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		_, err := f.d.Execute(context.Background(), "nope", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
		assert.Equal(t, functions.CodeNotFound, functions.CodeOf(err))
		assert.Zero(t, f.d.InFlight())
	})

	t.Run("no active deployment", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		require.NoError(t, f.store.CreateFunction(context.Background(), &functions.FunctionDefinition{ID: "f2", Owner: "o", Name: "n"}))
		_, err := f.d.Execute(context.Background(), "f2", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
		assert.Equal(t, functions.CodeNoDeployment, functions.CodeOf(err))
	})

	t.Run("evicted image", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.rt.On("ImageExists", mock.Anything, testImage).Return(false, nil)
		_, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
		assert.Equal(t, functions.CodeMissingImage, functions.CodeOf(err))
		f.rt.AssertNotCalled(t, "RunContainer", mock.Anything, mock.Anything)
	})

	t.Run("image evicted after the existence check", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.rt.On("ImageExists", mock.Anything, testImage).Return(true, nil)
		f.rt.On("InspectImage", mock.Anything, testImage).Return(nil, &runtime.Error{Op: "inspect", Kind: runtime.KindNotFound})
		_, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
		assert.Equal(t, functions.CodeMissingImage, functions.CodeOf(err))
		f.rt.AssertNotCalled(t, "RunContainer", mock.Anything, mock.Anything)
		assert.Zero(t, f.d.InFlight())
	})

	t.Run("runtime down", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.rt.On("ImageExists", mock.Anything, testImage).Return(false, &runtime.Error{Op: "exists", Kind: runtime.KindUnavailable})
		_, err := f.d.Execute(context.Background(), "f1", &functions.ExecutionRequest{Body: json.RawMessage(`1`)})
		assert.Equal(t, functions.CodeRuntimeUnavailable, functions.CodeOf(err))
	})
}

func TestExecuteGuestOutcomes(t *testing.T) {
	body := &functions.ExecutionRequest{Body: json.RawMessage(`{"a":1}`)}

	t.Run("exit 0 without result", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.imagePresent(10 << 20)
		f.rt.On("RunContainer", mock.Anything, mock.Anything).Return(&runtime.RunResult{ExitCode: 0}, nil)
		_, err := f.d.Execute(context.Background(), "f1", body)
		assert.Equal(t, functions.CodeInconsistentResult, functions.CodeOf(err))
		assert.Empty(t, f.invocationDirs(t))
	})

	t.Run("crash without result", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.imagePresent(10 << 20)
		f.rt.On("RunContainer", mock.Anything, mock.Anything).
			Return(&runtime.RunResult{ExitCode: 137, Stderr: "Out of memory\n"}, nil)
		res, err := f.d.Execute(context.Background(), "f1", body)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "function exited with code 137: Out of memory", res.Error)
		assert.Equal(t, 137, res.Logs.ExitCode)
		assert.Nil(t, res.Result)
	})

	t.Run("handler error", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.imagePresent(10 << 20)
		f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			spec := args.Get(1).(runtime.RunSpec)
			_ = os.WriteFile(mountOf(spec, functions.ResultPath),
				[]byte(`{"statusCode":500,"headers":{},"body":{"error":"boom"}}`), 0o644)
		}).Return(&runtime.RunResult{ExitCode: 1}, nil)
		res, err := f.d.Execute(context.Background(), "f1", body)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "boom", res.Error)
		assert.Equal(t, 500, res.StatusCode)
	})

	t.Run("garbage result after crash", func(t *testing.T) {
		f := newDispatcherFixture(t, 1)
		f.imagePresent(10 << 20)
		f.rt.On("RunContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			_ = os.WriteFile(mountOf(args.Get(1).(runtime.RunSpec), functions.ResultPath), []byte(`{"statusC`), 0o644)
		}).Return(&runtime.RunResult{ExitCode: 2, Stderr: "Unhandled exception"}, nil)
		res, err := f.d.Execute(context.Background(), "f1", body)
		require.NoError(t, err)
		assert.Equal(t, "function exited with code 2: Unhandled exception", res.Error)
	})
}

func TestExecuteResultShape(t *testing.T) {
	raw, err := json.Marshal(&functions.ExecutionResult{Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"boom","result":null}`, string(raw))
}
