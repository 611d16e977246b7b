package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"faas-executor/internal/core/functions"
	"faas-executor/internal/core/runtime"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeFunctions struct{ mock.Mock }

func (f *fakeFunctions) CreateFunction(ctx context.Context, owner, name string, timeout int) (*functions.FunctionDefinition, error) {
	args := f.Called(owner, name, timeout)
	fn, _ := args.Get(0).(*functions.FunctionDefinition)
	return fn, args.Error(1)
}

func (f *fakeFunctions) GetFunction(ctx context.Context, id string) (*functions.FunctionDefinition, error) {
	args := f.Called(id)
	fn, _ := args.Get(0).(*functions.FunctionDefinition)
	return fn, args.Error(1)
}

func (f *fakeFunctions) ListFunctions(ctx context.Context, owner string) ([]functions.FunctionDefinition, error) {
	args := f.Called(owner)
	fns, _ := args.Get(0).([]functions.FunctionDefinition)
	return fns, args.Error(1)
}

func (f *fakeFunctions) ListDeployments(ctx context.Context, id string) ([]functions.Deployment, error) {
	args := f.Called(id)
	deps, _ := args.Get(0).([]functions.Deployment)
	return deps, args.Error(1)
}

func (f *fakeFunctions) Deploy(ctx context.Context, id string, archive []byte) (*functions.Deployment, error) {
	args := f.Called(id, archive)
	dep, _ := args.Get(0).(*functions.Deployment)
	return dep, args.Error(1)
}

func (f *fakeFunctions) Rollback(ctx context.Context, id string, version int) (bool, error) {
	args := f.Called(id, version)
	return args.Bool(0), args.Error(1)
}

func (f *fakeFunctions) RemoveFunction(ctx context.Context, id string) error {
	return f.Called(id).Error(0)
}

type fakeExecutor struct{ mock.Mock }

func (f *fakeExecutor) Execute(ctx context.Context, id string, req *functions.ExecutionRequest) (*functions.ExecutionResult, error) {
	args := f.Called(id, req)
	res, _ := args.Get(0).(*functions.ExecutionResult)
	return res, args.Error(1)
}

type fakeHealth struct {
	up      bool
	version string
}

func (f fakeHealth) Available(context.Context) bool          { return f.up }
func (f fakeHealth) Version(context.Context) (string, error) { return f.version, nil }

func newServer(t *testing.T) (*httptest.Server, *fakeFunctions, *fakeExecutor) {
	t.Helper()
	fns := &fakeFunctions{}
	exec := &fakeExecutor{}
	srv := httptest.NewServer(NewHandler(fns, exec, fakeHealth{up: true, version: "5.2.0"}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, fns, exec
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateFunction(t *testing.T) {
	srv, fns, _ := newServer(t)
	fns.On("CreateFunction", "acme", "greeter", 10).
		Return(&functions.FunctionDefinition{ID: "f1", Owner: "acme", Name: "greeter", Status: functions.FunctionCreated}, nil)

	resp, err := http.Post(srv.URL+"/functions", "application/json",
		strings.NewReader(`{"owner":"acme","name":"greeter","timeout_seconds":10}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "f1", body["id"])
	assert.Equal(t, "created", body["status"])
}

func TestCreateFunctionRejectsInvalidBodies(t *testing.T) {
	srv, fns, _ := newServer(t)

	for _, in := range []string{`{`, `{"owner":"acme"}`, `{"owner":"acme","name":"x","timeout_seconds":-1}`} {
		resp, err := http.Post(srv.URL+"/functions", "application/json", strings.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, in)
		body := decodeBody(t, resp)
		assert.Equal(t, false, body["success"])
		assert.Nil(t, body["result"])
		assert.NotEmpty(t, body["error"])
	}
	fns.AssertNotCalled(t, "CreateFunction", mock.Anything, mock.Anything, mock.Anything)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&functions.Error{Code: functions.CodeValidation, Message: "bad"}, http.StatusBadRequest},
		{&functions.Error{Code: functions.CodeNoDeployment, Message: "none"}, http.StatusNotFound},
		{&functions.Error{Code: functions.CodeMissingImage, Message: "gone"}, http.StatusConflict},
		{&functions.Error{Code: functions.CodeCapacity, Message: "busy"}, http.StatusTooManyRequests},
		{&functions.Error{Code: functions.CodeInconsistentResult, Message: "odd"}, http.StatusBadGateway},
		{&functions.Error{Code: functions.CodeBuildFailure, Message: "broken"}, http.StatusUnprocessableEntity},
		{runtime.Errorf("run", runtime.KindTimeout, "slow"), http.StatusGatewayTimeout},
		{runtime.Errorf("run", runtime.KindUnavailable, "down"), http.StatusServiceUnavailable},
		{errors.New("db password is hunter2"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, _, exec := newServer(t)
		exec.On("Execute", "f1", mock.Anything).Return(nil, tc.err)

		resp, err := http.Post(srv.URL+"/functions/f1/invoke", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		body := decodeBody(t, resp)
		assert.Equal(t, false, body["success"])
		assert.NotContains(t, body["error"], "hunter2")
	}
}

func TestInvokeBuildsExecutionRequest(t *testing.T) {
	srv, _, exec := newServer(t)
	var got *functions.ExecutionRequest
	exec.On("Execute", "f1", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).(*functions.ExecutionRequest)
	}).Return(&functions.ExecutionResult{
		Success:    true,
		Result:     json.RawMessage(`{"greeting":"hi"}`),
		StatusCode: 201,
		Headers:    map[string]string{"X-Guest": "yes"},
		Version:    2,
	}, nil)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/functions/f1/invoke/users/7?verbose=1", strings.NewReader(`{"name":"Ada"}`))
	require.NoError(t, err)
	req.Header.Set("X-Trace", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Guest"))
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"greeting": "hi"}, body["result"])

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/users/7", got.Path)
	assert.Equal(t, "abc", got.Headers["x-trace"])
	assert.Equal(t, map[string]string{"verbose": "1"}, got.Query)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.Body))
}

func TestInvokeDropsReservedGuestHeaders(t *testing.T) {
	srv, _, exec := newServer(t)
	exec.On("Execute", "f1", mock.Anything).Return(&functions.ExecutionResult{
		Success: true,
		Result:  json.RawMessage(`"ok"`),
		Headers: map[string]string{
			"X-Guest":           "yes",
			"set-cookie":        "session=stolen",
			"Content-Length":    "1",
			"Transfer-Encoding": "chunked",
			"connection":        "close",
			"Content-Type":      "text/html",
		},
	}, nil)

	resp, err := http.Post(srv.URL+"/functions/f1/invoke", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Guest"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", body["result"])
}

func TestGuestHeaderAllowed(t *testing.T) {
	assert.True(t, guestHeaderAllowed("X-Request-Id"))
	assert.True(t, guestHeaderAllowed("cache-control"))
	for _, h := range []string{"content-length", "SET-COOKIE", "Keep-Alive", "proxy-authenticate", "te", "", "Bad Header"} {
		assert.False(t, guestHeaderAllowed(h), h)
	}
}

func TestInvokeWrapsNonJSONBody(t *testing.T) {
	srv, _, exec := newServer(t)
	var got *functions.ExecutionRequest
	exec.On("Execute", "f1", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).(*functions.ExecutionRequest)
	}).Return(&functions.ExecutionResult{Success: false, Error: "boom"}, nil)

	resp, err := http.Post(srv.URL+"/functions/f1/invoke", "text/plain", strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "guest failure without a status code")
	resp.Body.Close()

	require.NotNil(t, got)
	assert.Equal(t, "/", got.Path)
	assert.Equal(t, `"plain text"`, string(got.Body))
}

func TestDeploy(t *testing.T) {
	srv, fns, _ := newServer(t)
	fns.On("Deploy", "f1", []byte("PK zip")).
		Return(&functions.Deployment{ID: "d1", FunctionID: "f1", Version: 1, Status: functions.DeploymentActive}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", "fn.zip")
	require.NoError(t, err)
	_, _ = part.Write([]byte("PK zip"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/functions/f1/deployments", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, "active", body["status"])

	resp, err = http.Post(srv.URL+"/functions/f1/deployments", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRollback(t *testing.T) {
	srv, fns, _ := newServer(t)
	fns.On("Rollback", "f1", 2).Return(true, nil)

	resp, err := http.Post(srv.URL+"/functions/f1/rollback", "application/json", strings.NewReader(`{"version":2}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"success": true, "version": float64(2)}, decodeBody(t, resp))

	resp, err = http.Post(srv.URL+"/functions/f1/rollback", "application/json", strings.NewReader(`{"version":0}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRemoveAndList(t *testing.T) {
	srv, fns, _ := newServer(t)
	fns.On("RemoveFunction", "f1").Return(nil)
	fns.On("RemoveFunction", "nope").Return(&functions.Error{Code: functions.CodeNotFound, Message: "function \"nope\" not found"})
	fns.On("ListFunctions", "acme").Return([]functions.FunctionDefinition{{ID: "f1"}}, nil)
	fns.On("ListDeployments", "f1").Return([]functions.Deployment{{Version: 1}, {Version: 2}}, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/functions/f1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/functions/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, `function "nope" not found`, decodeBody(t, resp)["error"])

	resp, err = http.Get(srv.URL + "/functions?owner=acme")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/functions/f1/deployments")
	require.NoError(t, err)
	var deps []functions.Deployment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deps))
	resp.Body.Close()
	assert.Len(t, deps, 2)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok", "runtimeVersion": "5.2.0"}, decodeBody(t, resp))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	down := httptest.NewServer(NewHandler(&fakeFunctions{}, &fakeExecutor{}, fakeHealth{}, zerolog.Nop()))
	defer down.Close()
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
