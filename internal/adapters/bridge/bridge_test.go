package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"faas-executor/internal/core/runtime"
	"faas-executor/internal/core/runtime/runtimetest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// servePipe connects a session to an in-process Server.
func servePipe(rt runtime.Runtime) *session {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	srv := NewServer(rt, zerolog.Nop())
	go func() {
		_ = srv.Serve(context.Background(), reqR, respW)
		_ = respW.Close()
	}()
	return newSession(reqW, respR, func() error { return reqR.Close() }, zerolog.Nop())
}

func newTestClient(t *testing.T, start func(context.Context) (*session, error)) *Client {
	t.Helper()
	c, err := New(Config{Command: "runtime-bridge --host unix:///run/podman/podman.sock"}, zerolog.Nop())
	require.NoError(t, err)
	c.start = start
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	_, err := New(Config{Command: "  "}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Config{Command: `bridge "unterminated`}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	rt := &runtimetest.Runtime{}
	c := newTestClient(t, func(context.Context) (*session, error) { return servePipe(rt), nil })
	ctx := context.Background()

	build := runtime.BuildSpec{Tag: "faas-fn-a:v1", Dockerfile: "Dockerfile", ContextDir: "/work/a", Platform: "linux/amd64",
		Labels: map[string]string{"faas.stage": "compile"}, Timeout: time.Minute}
	rt.On("BuildImage", mock.Anything, build).Return(&runtime.BuildResult{ImageID: "sha256:1", Output: "ok", Duration: 1500 * time.Millisecond}, nil)

	run := runtime.RunSpec{Image: "faas-fn-a:v1", Name: "faas-run-a-1", Env: map[string]string{"FAAS_RESTRICTED": "true"},
		Mounts: []runtime.Mount{{Source: "/w/request.json", Target: "/request.json", ReadOnly: true}},
		Memory: 32 << 20, CPUs: 0.5, Network: runtime.NetworkNone, Timeout: 2 * time.Second,
		Labels: map[string]string{"faas.role": "invocation"}}
	rt.On("RunContainer", mock.Anything, run).Return(&runtime.RunResult{ExitCode: 3, Stdout: "o", Stderr: "e", Duration: 20 * time.Millisecond}, nil)

	rt.On("InspectImage", mock.Anything, "faas-fn-a:v1").Return(&runtime.ImageInfo{ID: "sha256:1", Size: 4096, OS: "linux", Architecture: "amd64"}, nil)
	rt.On("ImagePlatform", mock.Anything, "faas-fn-a:v1").Return("linux/amd64", nil)
	rt.On("EnsurePlatformCompatibility", mock.Anything, "faas-fn-a:v1", "linux/arm64").Return(true, nil)
	rt.On("PruneDanglingImages", mock.Anything, map[string]string{"faas.function": "a"}).Return(nil)
	rt.On("Version", mock.Anything).Return("5.2.0", nil)
	rt.On("ListContainers", mock.Anything, map[string]string{"faas.role": "invocation"}).
		Return([]runtime.Container{{ID: "c1", Name: "faas-run-a-0", Image: "faas-fn-a:v1", State: "exited"}}, nil)
	rt.On("RemoveContainer", mock.Anything, "faas-run-a-0").Return(nil)

	br, err := c.BuildImage(ctx, build)
	require.NoError(t, err)
	assert.Equal(t, &runtime.BuildResult{ImageID: "sha256:1", Output: "ok", Duration: 1500 * time.Millisecond}, br)

	rr, err := c.RunContainer(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 3, rr.ExitCode)
	assert.Equal(t, "o", rr.Stdout)
	assert.Equal(t, "e", rr.Stderr)

	info, err := c.InspectImage(ctx, "faas-fn-a:v1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)

	p, err := c.ImagePlatform(ctx, "faas-fn-a:v1")
	require.NoError(t, err)
	assert.Equal(t, "linux/amd64", p)

	removed, err := c.EnsurePlatformCompatibility(ctx, "faas-fn-a:v1", "linux/arm64")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, c.PruneDanglingImages(ctx, map[string]string{"faas.function": "a"}))

	cs, err := c.ListContainers(ctx, map[string]string{"faas.role": "invocation"})
	require.NoError(t, err)
	assert.Equal(t, []runtime.Container{{ID: "c1", Name: "faas-run-a-0", Image: "faas-fn-a:v1", State: "exited"}}, cs)
	require.NoError(t, c.RemoveContainer(ctx, "faas-run-a-0"))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5.2.0", v)
	assert.True(t, c.Available(ctx))

	rt.AssertExpectations(t)
}

func TestStructuredErrors(t *testing.T) {
	rt := &runtimetest.Runtime{}
	c := newTestClient(t, func(context.Context) (*session, error) { return servePipe(rt), nil })
	ctx := context.Background()

	rt.On("RunContainer", mock.Anything, mock.Anything).
		Return(nil, &runtime.Error{Op: "run", Kind: runtime.KindTimeout, ExitCode: 137, Stderr: "killed", Err: errors.New("deadline")})
	rt.On("RemoveImage", mock.Anything, "gone").
		Return(&runtime.Error{Op: "remove", Kind: runtime.KindNotFound, Err: errors.New("no such image")})
	rt.On("KillContainer", mock.Anything, "n").Return(errors.New("plain failure"))

	_, err := c.RunContainer(ctx, runtime.RunSpec{Image: "i", Name: "n", Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, runtime.IsTimeout(err))
	assert.Equal(t, "killed", runtime.StderrOf(err))
	var rerr *runtime.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 137, rerr.ExitCode)
	assert.Equal(t, "deadline", rerr.Err.Error())

	assert.True(t, runtime.IsNotFound(c.RemoveImage(ctx, "gone")))
	assert.Equal(t, runtime.KindFailed, runtime.KindOf(c.KillContainer(ctx, "n")))

	_, err = c.do(ctx, Op("bogus"), nil, nil)
	assert.Equal(t, runtime.KindInvalid, runtime.KindOf(err))
}

func TestConcurrentRequestsAreMultiplexed(t *testing.T) {
	rt := &runtimetest.Runtime{}
	c := newTestClient(t, func(context.Context) (*session, error) { return servePipe(rt), nil })
	ctx := context.Background()

	gate := make(chan struct{})
	rt.On("ImageExists", mock.Anything, "slow").Run(func(mock.Arguments) { <-gate }).Return(true, nil)
	rt.On("ImageExists", mock.Anything, "fast").Return(false, nil)

	slow := make(chan bool, 1)
	go func() {
		ok, _ := c.ImageExists(ctx, "slow")
		slow <- ok
	}()

	// answered while the first request is still blocked
	require.Eventually(t, func() bool {
		ok, err := c.ImageExists(ctx, "fast")
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)

	close(gate)
	select {
	case ok := <-slow:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never answered")
	}
}

// crashingStart answers pings and dies on the first other request.
func crashingStart() *session {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		enc := json.NewEncoder(respW)
		sc := bufio.NewScanner(reqR)
		for sc.Scan() {
			var req Request
			if json.Unmarshal(sc.Bytes(), &req) != nil {
				continue
			}
			if req.Op == OpPing {
				_ = enc.Encode(Response{ID: req.ID, Success: true})
				continue
			}
			_ = respW.Close()
			_ = reqR.Close()
			return
		}
	}()
	return newSession(reqW, respR, func() error { return reqR.Close() }, zerolog.Nop())
}

// silentRunStart never answers run requests and reports every kill it
// receives on kills.
func silentRunStart(kills chan<- string) *session {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		enc := json.NewEncoder(respW)
		sc := bufio.NewScanner(reqR)
		for sc.Scan() {
			var req Request
			if json.Unmarshal(sc.Bytes(), &req) != nil {
				continue
			}
			switch req.Op {
			case OpRun:
				continue
			case OpKill:
				var p nameParams
				_ = json.Unmarshal(req.Params, &p)
				kills <- p.Name
			}
			_ = enc.Encode(Response{ID: req.ID, Success: true})
		}
	}()
	return newSession(reqW, respR, func() error { return reqR.Close() }, zerolog.Nop())
}

func TestUnansweredRunKillsContainer(t *testing.T) {
	kills := make(chan string, 1)
	c := newTestClient(t, func(context.Context) (*session, error) { return silentRunStart(kills), nil })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.RunContainer(ctx, runtime.RunSpec{Image: "faas-fn-a:v1", Name: "faas-run-a-7", Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, runtime.IsTimeout(err))

	select {
	case name := <-kills:
		assert.Equal(t, "faas-run-a-7", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no kill sent for the abandoned container")
	}
}

func TestBridgeDeathFailsPendingAndRestarts(t *testing.T) {
	rt := &runtimetest.Runtime{}
	rt.On("ImageExists", mock.Anything, "faas-fn-a:v1").Return(true, nil)

	var starts atomic.Int32
	c := newTestClient(t, func(context.Context) (*session, error) {
		if starts.Add(1) == 1 {
			return crashingStart(), nil
		}
		return servePipe(rt), nil
	})
	ctx := context.Background()

	_, err := c.ImageExists(ctx, "faas-fn-a:v1")
	require.Error(t, err)
	assert.True(t, runtime.IsUnavailable(err))

	ok, err := c.ImageExists(ctx, "faas-fn-a:v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), starts.Load())
}

func TestStartFailureIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(context.Context) (*session, error) { return nil, errors.New("exec: not found") })
	_, err := c.Version(context.Background())
	assert.True(t, runtime.IsUnavailable(err))
	assert.False(t, c.Available(context.Background()))
}

func TestServeSkipsMalformedLines(t *testing.T) {
	rt := &runtimetest.Runtime{}
	in := "not json\n\n" + `{"id":"1","op":"ping"}` + "\n"
	var out bytes.Buffer
	require.NoError(t, NewServer(rt, zerolog.Nop()).Serve(context.Background(), strings.NewReader(in), &out))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out.String()), &resp))
	assert.Equal(t, "1", resp.ID)
	assert.True(t, resp.Success)
}
