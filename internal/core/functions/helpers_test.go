package functions_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"faas-executor/internal/core/build"
	"faas-executor/internal/core/functions"

	"github.com/stretchr/testify/require"
)

// memArchives is an in-memory functions.ArchiveStore.
type memArchives struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArchives() *memArchives { return &memArchives{objects: map[string][]byte{}} }

func (a *memArchives) Upload(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

func (a *memArchives) Download(_ context.Context, key, dest string) error {
	a.mu.Lock()
	data, ok := a.objects[key]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s: %w", key, functions.ErrNotFound)
	}
	return os.WriteFile(dest, data, 0o644)
}

func (a *memArchives) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	return nil
}

func (a *memArchives) has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok
}

// fakeBuilder records builds and fails on demand.
type fakeBuilder struct {
	mu     sync.Mutex
	builds []build.Request
	// ctxErrs holds ctx.Err() as seen by each build
	ctxErrs []error
	fail    error
	gate    chan struct{}
}

func (b *fakeBuilder) Build(ctx context.Context, req build.Request) (*build.Report, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds = append(b.builds, req)
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
	if _, err := os.Stat(req.SourceDir); err != nil {
		return nil, err
	}
	if b.fail != nil {
		return &build.Report{State: build.StateFailed}, b.fail
	}
	return &build.Report{State: build.StateSucceeded, ImageID: "sha256:" + req.Tag}, nil
}

func (b *fakeBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.builds)
}

func (b *fakeBuilder) setFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func sourceZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("lib/echo.dart")
	require.NoError(t, err)
	_, err = w.Write([]byte("@CloudFunction()\nclass Echo { handle(r, l) => r.body; }\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
