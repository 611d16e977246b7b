package functions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"faas-executor/internal/core/build"
)

// Builder turns a prepared source directory into a tagged image.
type Builder interface {
	Build(ctx context.Context, req build.Request) (*build.Report, error)
}

// buildArchive extracts a submission into a fresh build context below
// WorkDir and builds the image of dep from it. The context is removed
// afterwards, whatever the outcome.
func (m *Manager) buildArchive(ctx context.Context, dep *Deployment, archive []byte) (*build.Report, error) {
	root := filepath.Join(m.cfg.WorkDir, "builds")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create build root: %w", err)
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("%s-v%d-", dep.FunctionID, dep.Version))
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			m.lg.Error().Err(err).Str("path", dir).Msg("failed to remove build context")
		}
	}()

	if err := build.ExtractArchive(archive, dir); err != nil {
		return nil, newError(CodeValidation, err, "invalid archive: %v", err)
	}

	start := time.Now()
	rep, err := m.builder.Build(ctx, build.Request{
		FunctionID: dep.FunctionID,
		Version:    dep.Version,
		SourceDir:  dir,
		Tag:        dep.ImageRef,
	})
	metricBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metricBuilds.WithLabelValues(string(CodeOf(err))).Inc()
		return rep, err
	}
	metricBuilds.WithLabelValues("success").Inc()
	return rep, nil
}

// fetchArchive downloads the stored archive of dep.
func (m *Manager) fetchArchive(ctx context.Context, dep *Deployment) ([]byte, error) {
	if err := os.MkdirAll(m.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.CreateTemp(m.cfg.WorkDir, "archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if err := m.archives.Download(ctx, dep.ArchiveKey, path); err != nil {
		return nil, fmt.Errorf("download archive %s: %w", dep.ArchiveKey, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", dep.ArchiveKey, err)
	}
	return data, nil
}
