package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"faas-executor/internal/core/runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const maxLine = 32 << 20

// Server answers bridge requests against a local runtime.
type Server struct {
	rt runtime.Runtime
	lg zerolog.Logger
}

func NewServer(rt runtime.Runtime, lg zerolog.Logger) *Server {
	return &Server{rt: rt, lg: lg.With().Str("component", "bridge-server").Logger()}
}

// Serve reads requests from r until EOF and writes responses to w. Requests
// are handled concurrently; Serve returns once every response is written.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var wmu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(resp *Response) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := enc.Encode(resp); err != nil {
			s.lg.Error().Err(err).Str("id", resp.ID).Msg("failed to write response")
		}
	}

	var g errgroup.Group
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.lg.Warn().Err(err).Msg("dropping malformed request")
			continue
		}
		g.Go(func() error {
			write(s.handle(ctx, &req))
			return nil
		})
	}
	_ = g.Wait()
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	lg := s.lg.With().Str("id", req.ID).Str("op", string(req.Op)).Logger()
	lg.Debug().Msg("request")
	data, err := s.dispatch(ctx, req)
	if err != nil {
		lg.Debug().Err(err).Msg("request failed")
		return errorResponse(req.ID, err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	resp := &Response{ID: req.ID, Success: true, Data: raw}
	if rd, ok := data.(runData); ok {
		resp.ExitCode = rd.ExitCode
	}
	return resp
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, runtime.Errorf("decode", runtime.KindInvalid, "malformed params: %w", err)
	}
	return v, nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Op {
	case OpPing:
		return struct{}{}, nil
	case OpVersion:
		v, err := s.rt.Version(ctx)
		return versionData{Version: v}, err
	case OpBuild:
		p, err := decode[buildParams](req.Params)
		if err != nil {
			return nil, err
		}
		res, err := s.rt.BuildImage(ctx, runtime.BuildSpec{
			Tag:        p.Tag,
			Dockerfile: p.Dockerfile,
			ContextDir: p.ContextDir,
			Platform:   p.Platform,
			Labels:     p.Labels,
			Timeout:    duration(p.TimeoutMs),
		})
		if err != nil {
			return nil, err
		}
		return buildData{ImageID: res.ImageID, Output: res.Output, DurationMs: millis(res.Duration)}, nil
	case OpRun:
		p, err := decode[runParams](req.Params)
		if err != nil {
			return nil, err
		}
		res, err := s.rt.RunContainer(ctx, runtime.RunSpec{
			Image:   p.Image,
			Name:    p.Name,
			Env:     p.Env,
			Mounts:  p.Mounts,
			Memory:  p.Memory,
			CPUs:    p.CPUs,
			Network: p.Network,
			Labels:  p.Labels,
			Timeout: duration(p.TimeoutMs),
		})
		if err != nil {
			return nil, err
		}
		return runData{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, DurationMs: millis(res.Duration)}, nil
	case OpImageExists:
		p, err := decode[tagParams](req.Params)
		if err != nil {
			return nil, err
		}
		ok, err := s.rt.ImageExists(ctx, p.Tag)
		return existsData{Exists: ok}, err
	case OpInspect:
		p, err := decode[tagParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.rt.InspectImage(ctx, p.Tag)
	case OpPlatform:
		p, err := decode[tagParams](req.Params)
		if err != nil {
			return nil, err
		}
		pl, err := s.rt.ImagePlatform(ctx, p.Tag)
		return platformData{Platform: pl}, err
	case OpEnsurePlatform:
		p, err := decode[tagParams](req.Params)
		if err != nil {
			return nil, err
		}
		removed, err := s.rt.EnsurePlatformCompatibility(ctx, p.Tag, p.Platform)
		return removedData{Removed: removed}, err
	case OpRemoveImage:
		p, err := decode[tagParams](req.Params)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.rt.RemoveImage(ctx, p.Tag)
	case OpKill:
		p, err := decode[nameParams](req.Params)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.rt.KillContainer(ctx, p.Name)
	case OpPrune:
		p, err := decode[labelParams](req.Params)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.rt.PruneDanglingImages(ctx, p.Labels)
	case OpList:
		p, err := decode[labelParams](req.Params)
		if err != nil {
			return nil, err
		}
		cs, err := s.rt.ListContainers(ctx, p.Labels)
		return containersData{Containers: cs}, err
	case OpRemove:
		p, err := decode[nameParams](req.Params)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.rt.RemoveContainer(ctx, p.Name)
	default:
		return nil, runtime.Errorf(string(req.Op), runtime.KindInvalid, "unknown op %q", req.Op)
	}
}
