// Package runtime defines the capability contract every container backend
// implements. Callers only ever look at the success of a call, the structured
// *Error it may return and the exit code carried by a RunResult.
package runtime

import (
	"context"
	"time"
)

// NetworkNone is the only network mode used for invocations.
const NetworkNone = "none"

// Runtime builds images and runs short-lived containers on the local host.
type Runtime interface {
	// BuildImage builds spec.Tag from spec.Dockerfile inside spec.ContextDir.
	BuildImage(ctx context.Context, spec BuildSpec) (*BuildResult, error)
	// RunContainer runs spec.Image to completion. A non-zero exit code is not
	// an error; a timeout is reported as an *Error of KindTimeout after the
	// container has been force-killed.
	RunContainer(ctx context.Context, spec RunSpec) (*RunResult, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	InspectImage(ctx context.Context, tag string) (*ImageInfo, error)
	// ImagePlatform returns "os/arch" of a local image, or "" when unknown.
	ImagePlatform(ctx context.Context, tag string) (string, error)
	// EnsurePlatformCompatibility removes tag when its platform disagrees with
	// platform. It reports whether the image was removed.
	EnsurePlatformCompatibility(ctx context.Context, tag, platform string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
	KillContainer(ctx context.Context, name string) error
	// ListContainers returns containers in any state carrying every label
	// given.
	ListContainers(ctx context.Context, labels map[string]string) ([]Container, error)
	// RemoveContainer force-removes a container, running or not.
	RemoveContainer(ctx context.Context, name string) error
	// PruneDanglingImages removes untagged images matching every label given.
	PruneDanglingImages(ctx context.Context, labels map[string]string) error
	Available(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
}

// BuildSpec describes one image build.
type BuildSpec struct {
	Tag        string
	Dockerfile string // path relative to ContextDir
	ContextDir string
	Platform   string
	Labels     map[string]string
	Timeout    time.Duration
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	ImageID  string
	Output   string
	Duration time.Duration
}

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// RunSpec is the resource envelope of one container run. It is built fresh
// for every invocation.
type RunSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Mounts  []Mount
	Memory  int64 // bytes, swap is pinned to the same value
	CPUs    float64
	Network string
	Labels  map[string]string
	Timeout time.Duration
}

// RunResult is what a container left behind once it exited.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports a zero exit code.
func (r *RunResult) Succeeded() bool { return r != nil && r.ExitCode == 0 }

// Container is a container as listed by the engine.
type Container struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"`
}

// ImageInfo is the subset of image metadata the platform relies on.
type ImageInfo struct {
	ID           string `json:"id"`
	Size         int64  `json:"size"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

// Platform returns "os/arch".
func (i *ImageInfo) Platform() string {
	if i == nil || i.Architecture == "" {
		return ""
	}
	os := i.OS
	if os == "" {
		os = "linux"
	}
	return os + "/" + i.Architecture
}
