// Package bridge implements runtime.Runtime by proxying every call to a
// co-process over a line-oriented JSON protocol on its stdin and stdout.
//
// Each line the client writes is a Request; the co-process answers every
// request with exactly one Response line carrying the same id. Responses may
// arrive in any order, so any number of requests can be in flight at once.
package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"faas-executor/internal/core/runtime"
)

type Op string

const (
	OpPing           Op = "ping"
	OpVersion        Op = "version"
	OpBuild          Op = "build"
	OpRun            Op = "run"
	OpImageExists    Op = "imageExists"
	OpInspect        Op = "inspect"
	OpPlatform       Op = "platform"
	OpEnsurePlatform Op = "ensurePlatform"
	OpRemoveImage    Op = "removeImage"
	OpKill           Op = "kill"
	OpPrune          Op = "prune"
	OpList           Op = "listContainers"
	OpRemove         Op = "removeContainer"
)

type Request struct {
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID       string          `json:"id"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
	ExitCode int             `json:"exitCode"`
}

type ErrorBody struct {
	Kind    runtime.Kind `json:"kind"`
	Message string       `json:"message"`
	Stderr  string       `json:"stderr,omitempty"`
}

// asError rebuilds the structured runtime error carried by a failed response.
func (r *Response) asError(op Op) error {
	body := r.Error
	if body == nil {
		body = &ErrorBody{Kind: runtime.KindFailed, Message: "request failed without an error body"}
	}
	kind := body.Kind
	if kind == "" {
		kind = runtime.KindFailed
	}
	return &runtime.Error{Op: string(op), Kind: kind, ExitCode: r.ExitCode, Stderr: body.Stderr, Err: errors.New(body.Message)}
}

func errorResponse(id string, err error) *Response {
	resp := &Response{ID: id, Error: &ErrorBody{Kind: runtime.KindFailed, Message: err.Error()}}
	var rerr *runtime.Error
	if errors.As(err, &rerr) {
		resp.Error.Kind = rerr.Kind
		resp.Error.Stderr = rerr.Stderr
		resp.ExitCode = rerr.ExitCode
		if rerr.Err != nil {
			resp.Error.Message = rerr.Err.Error()
		}
	}
	return resp
}

type buildParams struct {
	Tag        string            `json:"tag"`
	Dockerfile string            `json:"dockerfile"`
	ContextDir string            `json:"contextDir"`
	Platform   string            `json:"platform,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	TimeoutMs  int64             `json:"timeoutMs"`
}

type buildData struct {
	ImageID    string `json:"imageId"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

type runParams struct {
	Image     string            `json:"image"`
	Name      string            `json:"name"`
	Env       map[string]string `json:"env,omitempty"`
	Mounts    []runtime.Mount   `json:"mounts,omitempty"`
	Memory    int64             `json:"memory"`
	CPUs      float64           `json:"cpus"`
	Network   string            `json:"network"`
	Labels    map[string]string `json:"labels,omitempty"`
	TimeoutMs int64             `json:"timeoutMs"`
}

type runData struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

type tagParams struct {
	Tag      string `json:"tag"`
	Platform string `json:"platform,omitempty"`
}

type nameParams struct {
	Name string `json:"name"`
}

type labelParams struct {
	Labels map[string]string `json:"labels,omitempty"`
}

type containersData struct {
	Containers []runtime.Container `json:"containers"`
}

type existsData struct {
	Exists bool `json:"exists"`
}

type platformData struct {
	Platform string `json:"platform"`
}

type removedData struct {
	Removed bool `json:"removed"`
}

type versionData struct {
	Version string `json:"version"`
}

func millis(d time.Duration) int64 { return d.Milliseconds() }

func duration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
