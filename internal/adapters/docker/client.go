// Package docker implements runtime.Runtime against the Docker Engine API.
// It backs the runtime bridge co-process and can be selected directly.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"faas-executor/internal/core/runtime"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const (
	cleanupTimeout   = 15 * time.Second
	defaultPidsLimit = 64
)

// Config carries the optional registry credentials used when a build pulls
// its base images.
type Config struct {
	// Host is the engine endpoint; empty falls back to DOCKER_HOST.
	Host         string
	RegistryURL  string
	RegistryUser string
	RegistryPass string
	PidsLimit    int64
}

type Client struct {
	cli       *client.Client
	lg        zerolog.Logger
	auth      map[string]registry.AuthConfig
	pidsLimit int64
}

var _ runtime.Runtime = (*Client)(nil)

func New(cfg Config, lg zerolog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	c := &Client{cli: cli, lg: lg.With().Str("adapter", "docker").Logger(), pidsLimit: cfg.PidsLimit}
	if c.pidsLimit <= 0 {
		c.pidsLimit = defaultPidsLimit
	}

	if cfg.RegistryUser != "" && cfg.RegistryPass != "" {
		c.auth = map[string]registry.AuthConfig{
			cfg.RegistryURL: {
				Username:      cfg.RegistryUser,
				Password:      cfg.RegistryPass,
				ServerAddress: cfg.RegistryURL,
			},
		}
		c.lg.Info().Str("registry", cfg.RegistryURL).Msg("configured registry authentication")
	}

	return c, nil
}

// Close releases the engine connection.
func (c *Client) Close() error { return c.cli.Close() }

// engineError classifies an engine API error.
func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := runtime.KindFailed
	switch {
	case cerrdefs.IsNotFound(err):
		kind = runtime.KindNotFound
	case client.IsErrConnectionFailed(err):
		kind = runtime.KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind = runtime.KindTimeout
	case cerrdefs.IsInvalidArgument(err):
		kind = runtime.KindInvalid
	}
	return &runtime.Error{Op: op, Kind: kind, Err: err}
}

func (c *Client) BuildImage(ctx context.Context, spec runtime.BuildSpec) (*runtime.BuildResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	start := time.Now()

	buildCtx, err := tarContext(spec.ContextDir)
	if err != nil {
		return nil, runtime.Errorf("build", runtime.KindInvalid, "pack build context: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  spec.Dockerfile,
		Platform:    spec.Platform,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
		AuthConfigs: c.auth,
	})
	if err != nil {
		return nil, engineError("build", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	var imageID string
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, func(msg jsonmessage.JSONMessage) {
		var aux struct {
			ID string `json:"ID"`
		}
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	if err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return nil, &runtime.Error{Op: "build", Kind: runtime.KindFailed, ExitCode: jerr.Code,
				Stderr: strings.TrimSpace(out.String() + "\n" + jerr.Message), Err: err}
		}
		if ctx.Err() != nil {
			return nil, &runtime.Error{Op: "build", Kind: runtime.KindTimeout, Stderr: out.String(), Err: ctx.Err()}
		}
		return nil, engineError("build", err)
	}
	if imageID == "" {
		info, err := c.InspectImage(ctx, spec.Tag)
		if err != nil {
			return nil, err
		}
		imageID = info.ID
	}
	c.lg.Debug().Str("tag", spec.Tag).Str("image_id", imageID).Msg("image built")
	return &runtime.BuildResult{ImageID: imageID, Output: out.String(), Duration: time.Since(start)}, nil
}

func (c *Client) hostConfig(spec runtime.RunSpec) *container.HostConfig {
	network := spec.Network
	if network == "" {
		network = runtime.NetworkNone
	}
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	pids := c.pidsLimit
	return &container.HostConfig{
		NetworkMode:    container.NetworkMode(network),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		Mounts:         mounts,
		Resources: container.Resources{
			Memory:     spec.Memory,
			MemorySwap: spec.Memory,
			NanoCPUs:   int64(spec.CPUs * 1e9),
			PidsLimit:  &pids,
		},
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Client) RunContainer(ctx context.Context, spec runtime.RunSpec) (*runtime.RunResult, error) {
	start := time.Now()
	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           spec.Image,
			Env:             envList(spec.Env),
			Labels:          spec.Labels,
			NetworkDisabled: spec.Network == "" || spec.Network == runtime.NetworkNone,
		},
		c.hostConfig(spec),
		nil, nil, spec.Name,
	)
	if err != nil {
		return nil, engineError("run", err)
	}
	defer c.removeContainer(resp.ID)

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, engineError("run", err)
	}
	c.lg.Debug().Str("container_id", resp.ID).Str("image", spec.Image).Msg("container started")

	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	statusCh, errCh := c.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case st := <-statusCh:
		if st.Error != nil {
			return nil, runtime.Errorf("run", runtime.KindFailed, "wait: %s", st.Error.Message)
		}
		exitCode = int(st.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() != nil {
			c.killContainer(resp.ID)
			return nil, runtime.Errorf("run", runtime.KindTimeout, "container %s did not finish within %s", spec.Name, spec.Timeout)
		}
		return nil, engineError("run", err)
	}

	var stdout, stderr bytes.Buffer
	logs, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		c.lg.Warn().Err(err).Str("container_id", resp.ID).Msg("failed to read container logs")
	} else {
		defer logs.Close()
		if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && !errors.Is(err, io.EOF) {
			c.lg.Warn().Err(err).Str("container_id", resp.ID).Msg("failed to demultiplex container logs")
		}
	}

	return &runtime.RunResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

func (c *Client) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) {
		c.lg.Warn().Err(err).Str("container_id", id).Msg("failed to kill container")
	}
}

func (c *Client) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		c.lg.Warn().Err(err).Str("container_id", id).Msg("failed to remove container")
	}
}

func (c *Client) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := c.InspectImage(ctx, tag)
	if err == nil {
		return true, nil
	}
	if runtime.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) InspectImage(ctx context.Context, tag string) (*runtime.ImageInfo, error) {
	resp, _, err := c.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		return nil, engineError("inspect", err)
	}
	return &runtime.ImageInfo{ID: resp.ID, Size: resp.Size, OS: resp.Os, Architecture: resp.Architecture}, nil
}

func (c *Client) ImagePlatform(ctx context.Context, tag string) (string, error) {
	info, err := c.InspectImage(ctx, tag)
	if err != nil {
		if runtime.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return info.Platform(), nil
}

func (c *Client) EnsurePlatformCompatibility(ctx context.Context, tag, platform string) (bool, error) {
	return runtime.EnsurePlatform(ctx, c, tag, platform)
}

func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	_, err := c.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	return engineError("remove", err)
}

func (c *Client) KillContainer(ctx context.Context, name string) error {
	return engineError("kill", c.cli.ContainerKill(ctx, name, "KILL"))
}

func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	return engineError("rm", c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}))
}

func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, engineError("ps", err)
	}
	out := make([]runtime.Container, 0, len(list))
	for _, s := range list {
		var name string
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, runtime.Container{ID: s.ID, Name: name, Image: s.Image, State: s.State})
	}
	return out, nil
}

func (c *Client) PruneDanglingImages(ctx context.Context, labels map[string]string) error {
	args := filters.NewArgs(filters.Arg("dangling", "true"))
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	report, err := c.cli.ImagesPrune(ctx, args)
	if err != nil {
		return engineError("prune", err)
	}
	c.lg.Debug().Int("images", len(report.ImagesDeleted)).Uint64("reclaimed", report.SpaceReclaimed).Msg("dangling images pruned")
	return nil
}

func (c *Client) Available(ctx context.Context) bool {
	if _, err := c.cli.Ping(ctx); err != nil {
		c.lg.Debug().Err(err).Msg("docker engine unavailable")
		return false
	}
	return true
}

func (c *Client) Version(ctx context.Context) (string, error) {
	v, err := c.cli.ServerVersion(ctx)
	if err != nil {
		return "", &runtime.Error{Op: "version", Kind: runtime.KindUnavailable, Err: err}
	}
	return v.Version, nil
}
