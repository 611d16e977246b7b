package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	defaultStartupDelay = 500 * time.Millisecond
	pingTimeout         = 5 * time.Second
	killTimeout         = 15 * time.Second
	// responseGrace is how long past its own timeout a build or run may take
	// to be answered before the client gives up on it.
	responseGrace = 30 * time.Second
)

type Config struct {
	// Command is the shell-quoted command line of the co-process.
	Command      string
	StartupDelay time.Duration
}

// Client is a runtime.Runtime backed by a co-process. The co-process is
// started on first use and restarted on the next call after it dies.
type Client struct {
	argv  []string
	delay time.Duration
	lg    zerolog.Logger
	start func(ctx context.Context) (*session, error)

	mu   sync.Mutex
	sess *session
}

var _ runtime.Runtime = (*Client)(nil)

func New(cfg Config, lg zerolog.Logger) (*Client, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse bridge command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("bridge command is empty")
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = defaultStartupDelay
	}
	c := &Client{
		argv:  argv,
		delay: cfg.StartupDelay,
		lg:    lg.With().Str("component", "bridge-client").Logger(),
	}
	c.start = c.spawn
	return c, nil
}

// session is one live connection to a co-process.
type session struct {
	w       io.WriteCloser
	wmu     sync.Mutex
	pmu     sync.Mutex
	pending map[string]chan *Response
	done    chan struct{}
	err     error
	stop    func() error
}

func newSession(w io.WriteCloser, r io.Reader, stop func() error, lg zerolog.Logger) *session {
	s := &session{
		w:       w,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
		stop:    stop,
	}
	go s.readLoop(r, lg)
	return s
}

func (s *session) readLoop(r io.Reader, lg zerolog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		var resp Response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			lg.Warn().Err(err).Msg("dropping malformed response")
			continue
		}
		s.pmu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.pmu.Unlock()
		if !ok {
			lg.Warn().Str("id", resp.ID).Msg("response for unknown request")
			continue
		}
		ch <- &resp
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.pmu.Lock()
	s.err = err
	s.pmu.Unlock()
	close(s.done)
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) call(ctx context.Context, op Op, params any) (*Response, error) {
	req := Request{ID: uuid.NewString(), Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, runtime.Errorf(string(op), runtime.KindInvalid, "encode params: %w", err)
		}
		req.Params = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, runtime.Errorf(string(op), runtime.KindInvalid, "encode request: %w", err)
	}

	ch := make(chan *Response, 1)
	s.pmu.Lock()
	s.pending[req.ID] = ch
	s.pmu.Unlock()
	forget := func() {
		s.pmu.Lock()
		delete(s.pending, req.ID)
		s.pmu.Unlock()
	}

	s.wmu.Lock()
	_, err = s.w.Write(append(line, '\n'))
	s.wmu.Unlock()
	if err != nil {
		forget()
		return nil, runtime.Errorf(string(op), runtime.KindUnavailable, "write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		// a response may have raced the shutdown
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		forget()
		return nil, runtime.Errorf(string(op), runtime.KindUnavailable, "bridge exited: %v", s.err)
	case <-ctx.Done():
		forget()
		kind := runtime.KindFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = runtime.KindTimeout
		}
		return nil, &runtime.Error{Op: string(op), Kind: kind, Err: ctx.Err()}
	}
}

func (s *session) close() error {
	return multierr.Append(s.w.Close(), s.stop())
}

// spawn starts the co-process and waits for it to answer a ping.
func (c *Client) spawn(ctx context.Context) (*session, error) {
	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = c.lg.With().Str("stream", "stderr").Logger()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.argv[0], err)
	}
	c.lg.Info().Int("pid", cmd.Process.Pid).Strs("argv", c.argv).Msg("bridge started")

	var once sync.Once
	var waitErr error
	stop := func() error {
		once.Do(func() {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			waitErr = cmd.Wait()
		})
		return nil
	}
	sess := newSession(stdin, stdout, stop, c.lg)
	go func() {
		<-sess.done
		_ = stop()
		c.lg.Warn().AnErr("wait", waitErr).Msg("bridge exited")
	}()

	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		_ = sess.close()
		return nil, ctx.Err()
	}
	return sess, nil
}

// session returns the live session, starting the co-process when needed.
func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess.alive() {
		return c.sess, nil
	}
	if c.sess != nil {
		_ = c.sess.close()
		c.sess = nil
	}
	sess, err := c.start(ctx)
	if err != nil {
		return nil, runtime.Errorf("start", runtime.KindUnavailable, "start bridge: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	resp, err := sess.call(pctx, OpPing, nil)
	if err == nil && !resp.Success {
		err = resp.asError(OpPing)
	}
	if err != nil {
		_ = sess.close()
		return nil, runtime.Errorf("start", runtime.KindUnavailable, "bridge health check: %w", err)
	}
	c.sess = sess
	return sess, nil
}

// Close stops the co-process.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	err := c.sess.close()
	c.sess = nil
	return err
}

// do sends one request and decodes the data of a successful response into out.
func (c *Client) do(ctx context.Context, op Op, params, out any) (*Response, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := sess.call(ctx, op, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, resp.asError(op)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return resp, runtime.Errorf(string(op), runtime.KindInvalid, "decode response: %w", err)
		}
	}
	return resp, nil
}

func withGrace(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout+responseGrace)
}

func (c *Client) BuildImage(ctx context.Context, spec runtime.BuildSpec) (*runtime.BuildResult, error) {
	ctx, cancel := withGrace(ctx, spec.Timeout)
	defer cancel()
	var data buildData
	_, err := c.do(ctx, OpBuild, buildParams{
		Tag:        spec.Tag,
		Dockerfile: spec.Dockerfile,
		ContextDir: spec.ContextDir,
		Platform:   spec.Platform,
		Labels:     spec.Labels,
		TimeoutMs:  millis(spec.Timeout),
	}, &data)
	if err != nil {
		return nil, err
	}
	return &runtime.BuildResult{ImageID: data.ImageID, Output: data.Output, Duration: duration(data.DurationMs)}, nil
}

func (c *Client) RunContainer(ctx context.Context, spec runtime.RunSpec) (*runtime.RunResult, error) {
	ctx, cancel := withGrace(ctx, spec.Timeout)
	defer cancel()
	var data runData
	resp, err := c.do(ctx, OpRun, runParams{
		Image:     spec.Image,
		Name:      spec.Name,
		Env:       spec.Env,
		Mounts:    spec.Mounts,
		Memory:    spec.Memory,
		CPUs:      spec.CPUs,
		Network:   spec.Network,
		Labels:    spec.Labels,
		TimeoutMs: millis(spec.Timeout),
	}, &data)
	if err != nil {
		// no response means the co-process never answered, so the
		// container may still be running on its side
		if resp == nil && runtime.IsTimeout(err) {
			c.killAbandoned(spec.Name)
		}
		return nil, err
	}
	return &runtime.RunResult{ExitCode: data.ExitCode, Stdout: data.Stdout, Stderr: data.Stderr, Duration: duration(data.DurationMs)}, nil
}

func (c *Client) killAbandoned(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := c.KillContainer(ctx, name); err != nil && !runtime.IsNotFound(err) {
		c.lg.Warn().Err(err).Str("name", name).Msg("failed to kill abandoned container")
	}
}

func (c *Client) ImageExists(ctx context.Context, tag string) (bool, error) {
	var data existsData
	_, err := c.do(ctx, OpImageExists, tagParams{Tag: tag}, &data)
	return data.Exists, err
}

func (c *Client) InspectImage(ctx context.Context, tag string) (*runtime.ImageInfo, error) {
	var info runtime.ImageInfo
	if _, err := c.do(ctx, OpInspect, tagParams{Tag: tag}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ImagePlatform(ctx context.Context, tag string) (string, error) {
	var data platformData
	_, err := c.do(ctx, OpPlatform, tagParams{Tag: tag}, &data)
	return data.Platform, err
}

func (c *Client) EnsurePlatformCompatibility(ctx context.Context, tag, platform string) (bool, error) {
	var data removedData
	_, err := c.do(ctx, OpEnsurePlatform, tagParams{Tag: tag, Platform: platform}, &data)
	return data.Removed, err
}

func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	_, err := c.do(ctx, OpRemoveImage, tagParams{Tag: tag}, nil)
	return err
}

func (c *Client) KillContainer(ctx context.Context, name string) error {
	_, err := c.do(ctx, OpKill, nameParams{Name: name}, nil)
	return err
}

func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	_, err := c.do(ctx, OpRemove, nameParams{Name: name}, nil)
	return err
}

func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	var data containersData
	if _, err := c.do(ctx, OpList, labelParams{Labels: labels}, &data); err != nil {
		return nil, err
	}
	return data.Containers, nil
}

func (c *Client) PruneDanglingImages(ctx context.Context, labels map[string]string) error {
	_, err := c.do(ctx, OpPrune, labelParams{Labels: labels}, nil)
	return err
}

func (c *Client) Available(ctx context.Context) bool {
	_, err := c.do(ctx, OpPing, nil, nil)
	if err != nil {
		c.lg.Debug().Err(err).Msg("bridge unavailable")
	}
	return err == nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var data versionData
	_, err := c.do(ctx, OpVersion, nil, &data)
	return data.Version, err
}
