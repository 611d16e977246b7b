// Package runtimetest provides a testify mock of runtime.Runtime.
package runtimetest

import (
	"context"

	"faas-executor/internal/core/runtime"

	"github.com/stretchr/testify/mock"
)

// Runtime is a mock implementation of runtime.Runtime.
type Runtime struct {
	mock.Mock
}

var _ runtime.Runtime = (*Runtime)(nil)

func (m *Runtime) BuildImage(ctx context.Context, spec runtime.BuildSpec) (*runtime.BuildResult, error) {
	args := m.Called(ctx, spec)
	res, _ := args.Get(0).(*runtime.BuildResult)
	return res, args.Error(1)
}

func (m *Runtime) RunContainer(ctx context.Context, spec runtime.RunSpec) (*runtime.RunResult, error) {
	args := m.Called(ctx, spec)
	res, _ := args.Get(0).(*runtime.RunResult)
	return res, args.Error(1)
}

func (m *Runtime) ImageExists(ctx context.Context, tag string) (bool, error) {
	args := m.Called(ctx, tag)
	return args.Bool(0), args.Error(1)
}

func (m *Runtime) InspectImage(ctx context.Context, tag string) (*runtime.ImageInfo, error) {
	args := m.Called(ctx, tag)
	info, _ := args.Get(0).(*runtime.ImageInfo)
	return info, args.Error(1)
}

func (m *Runtime) ImagePlatform(ctx context.Context, tag string) (string, error) {
	args := m.Called(ctx, tag)
	return args.String(0), args.Error(1)
}

func (m *Runtime) EnsurePlatformCompatibility(ctx context.Context, tag, platform string) (bool, error) {
	args := m.Called(ctx, tag, platform)
	return args.Bool(0), args.Error(1)
}

func (m *Runtime) RemoveImage(ctx context.Context, tag string) error {
	return m.Called(ctx, tag).Error(0)
}

func (m *Runtime) KillContainer(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *Runtime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	args := m.Called(ctx, labels)
	list, _ := args.Get(0).([]runtime.Container)
	return list, args.Error(1)
}

func (m *Runtime) RemoveContainer(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *Runtime) PruneDanglingImages(ctx context.Context, labels map[string]string) error {
	return m.Called(ctx, labels).Error(0)
}

func (m *Runtime) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *Runtime) Version(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
