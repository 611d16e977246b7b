package functions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig holds the settings of the version manager.
type ManagerConfig struct {
	WorkDir string
}

// Manager owns function definitions and their deployment history. It is the
// only writer of the active deployment pointer.
type Manager struct {
	store    Store
	archives ArchiveStore
	builder  Builder
	rt       runtime.Runtime
	cfg      ManagerConfig
	locks    *keyedMutex
	rebuilds singleflight.Group
	lg       zerolog.Logger
}

func NewManager(store Store, archives ArchiveStore, builder Builder, rt runtime.Runtime, cfg ManagerConfig, lg zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		archives: archives,
		builder:  builder,
		rt:       rt,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		lg:       lg.With().Str("component", "version-manager").Logger(),
	}
}

func (m *Manager) CreateFunction(ctx context.Context, owner, name string, timeoutSeconds int) (*FunctionDefinition, error) {
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return nil, newError(CodeValidation, nil, "owner and name are required")
	}
	if timeoutSeconds < 0 {
		return nil, newError(CodeValidation, nil, "timeout must not be negative")
	}
	fn := &FunctionDefinition{
		ID:             newID(),
		Owner:          owner,
		Name:           name,
		Status:         FunctionCreated,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}
	fn.UpdatedAt = fn.CreatedAt
	if err := m.store.CreateFunction(ctx, fn); err != nil {
		return nil, fmt.Errorf("store create function: %w", err)
	}
	m.lg.Info().Str("function_id", fn.ID).Str("owner", owner).Str("name", name).Msg("function created")
	return fn, nil
}

func (m *Manager) GetFunction(ctx context.Context, id string) (*FunctionDefinition, error) {
	fn, err := m.store.GetFunction(ctx, id)
	if err != nil {
		return nil, notFound(err, "function %q not found", id)
	}
	return fn, nil
}

func (m *Manager) ListFunctions(ctx context.Context, owner string) ([]FunctionDefinition, error) {
	return m.store.ListFunctions(ctx, owner)
}

func (m *Manager) ListDeployments(ctx context.Context, functionID string) ([]Deployment, error) {
	if _, err := m.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	return m.store.ListDeployments(ctx, functionID)
}

// Deploy stores archive as the next version of functionID, builds it and
// makes it the active deployment. A failed build leaves the previously
// active deployment in place. Cancelling ctx does not abort a started
// deployment; the build is bounded by its own timeout.
func (m *Manager) Deploy(ctx context.Context, functionID string, archive []byte) (*Deployment, error) {
	ctx = context.WithoutCancel(ctx)
	if len(archive) == 0 {
		return nil, newError(CodeValidation, nil, "archive is empty")
	}
	if _, err := m.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	dep, err := m.reserveVersion(ctx, functionID)
	if err != nil {
		return nil, err
	}
	lg := m.lg.With().Str("function_id", functionID).Int("version", dep.Version).Logger()

	if err := m.archives.Upload(ctx, dep.ArchiveKey, archive); err != nil {
		m.failDeployment(ctx, dep, lg)
		return nil, fmt.Errorf("upload archive: %w", err)
	}
	if err := m.store.SetFunctionStatus(ctx, functionID, FunctionBuilding); err != nil {
		lg.Warn().Err(err).Msg("failed to mark function as building")
	}

	if _, err := m.buildArchive(ctx, dep, archive); err != nil {
		m.failDeployment(ctx, dep, lg)
		return nil, err
	}

	var size int64
	if info, err := m.rt.InspectImage(ctx, dep.ImageRef); err != nil {
		lg.Warn().Err(err).Msg("failed to inspect built image")
	} else {
		size = info.Size
	}
	if err := m.store.FinishDeployment(ctx, functionID, dep.Version, DeploymentInactive, size); err != nil {
		return nil, fmt.Errorf("store finish deployment: %w", err)
	}
	dep.ImageSize = size

	if _, err := m.activate(ctx, dep, "deploy"); err != nil {
		return nil, err
	}
	dep.Status = DeploymentActive
	if err := m.store.SetFunctionStatus(ctx, functionID, FunctionReady); err != nil {
		lg.Warn().Err(err).Msg("failed to mark function as ready")
	}
	return dep, nil
}

// reserveVersion records a building deployment with the next free version.
func (m *Manager) reserveVersion(ctx context.Context, functionID string) (*Deployment, error) {
	unlock := m.locks.Lock(functionID)
	defer unlock()

	latest, err := m.store.LatestVersion(ctx, functionID)
	if err != nil {
		return nil, fmt.Errorf("store latest version: %w", err)
	}
	version := latest + 1
	dep := &Deployment{
		ID:         newID(),
		FunctionID: functionID,
		Version:    version,
		ImageRef:   ImageTag(functionID, version),
		ArchiveKey: ArchiveKey(functionID, version),
		Status:     DeploymentBuilding,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("store create deployment: %w", err)
	}
	return dep, nil
}

func (m *Manager) failDeployment(ctx context.Context, dep *Deployment, lg zerolog.Logger) {
	if err := m.store.FinishDeployment(ctx, dep.FunctionID, dep.Version, DeploymentFailed, 0); err != nil {
		lg.Error().Err(err).Msg("failed to mark deployment as failed")
	}
	status := FunctionFailed
	if _, err := m.store.ActiveDeployment(ctx, dep.FunctionID); err == nil {
		status = FunctionReady
	}
	if err := m.store.SetFunctionStatus(ctx, dep.FunctionID, status); err != nil {
		lg.Warn().Err(err).Msg("failed to update function status")
	}
}

// activate switches the active pointer of dep's function to dep.
func (m *Manager) activate(ctx context.Context, dep *Deployment, kind string) (int, error) {
	unlock := m.locks.Lock(dep.FunctionID)
	defer unlock()

	prev, err := m.store.SwitchActive(ctx, dep.FunctionID, dep.Version)
	if err != nil {
		return 0, fmt.Errorf("store switch active: %w", err)
	}
	metricActivations.WithLabelValues(kind).Inc()
	m.lg.Info().Str("function_id", dep.FunctionID).Int("version", dep.Version).Int("previous", prev).
		Str("kind", kind).Msg("active deployment switched")
	return prev, nil
}

// Rollback makes version the active deployment of functionID. The image of
// that version is rebuilt from its stored archive when it has been evicted,
// also when version is already active.
func (m *Manager) Rollback(ctx context.Context, functionID string, version int) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	dep, err := m.store.GetDeployment(ctx, functionID, version)
	if err != nil {
		return false, notFound(err, "version %d of function %q not found", version, functionID)
	}
	if dep.Status == DeploymentBuilding || dep.Status == DeploymentFailed {
		return false, newError(CodeValidation, nil, "version %d has no successful build (%s)", version, dep.Status)
	}

	exists, err := m.rt.ImageExists(ctx, dep.ImageRef)
	if err != nil {
		return false, fmt.Errorf("check image %s: %w", dep.ImageRef, err)
	}
	if !exists {
		if err := m.rebuild(ctx, dep); err != nil {
			return false, err
		}
	}
	if dep.Status == DeploymentActive {
		return true, nil
	}

	if _, err := m.activate(ctx, dep, "rollback"); err != nil {
		return false, err
	}
	if err := m.store.SetFunctionStatus(ctx, functionID, FunctionReady); err != nil {
		m.lg.Warn().Err(err).Str("function_id", functionID).Msg("failed to mark function as ready")
	}
	return true, nil
}

// rebuild recreates an evicted image. Concurrent rebuilds of the same
// version share one pipeline run.
func (m *Manager) rebuild(ctx context.Context, dep *Deployment) error {
	_, err, shared := m.rebuilds.Do(dep.ImageRef, func() (any, error) {
		// a rebuild that finished just before this call already restored it
		if ok, err := m.rt.ImageExists(ctx, dep.ImageRef); err == nil && ok {
			return nil, nil
		}
		m.lg.Info().Str("function_id", dep.FunctionID).Int("version", dep.Version).Msg("image evicted, rebuilding from archive")
		archive, err := m.fetchArchive(ctx, dep)
		if err != nil {
			return nil, err
		}
		return m.buildArchive(ctx, dep, archive)
	})
	if shared {
		m.lg.Debug().Str("image", dep.ImageRef).Msg("joined a running rebuild")
	}
	return err
}

// RemoveFunction deletes a function with every image and archive of its
// history.
func (m *Manager) RemoveFunction(ctx context.Context, functionID string) error {
	if _, err := m.GetFunction(ctx, functionID); err != nil {
		return err
	}
	unlock := m.locks.Lock(functionID)
	defer unlock()

	deps, err := m.store.ListDeployments(ctx, functionID)
	if err != nil {
		return fmt.Errorf("store list deployments: %w", err)
	}
	var cleanup error
	for _, d := range deps {
		if err := m.rt.RemoveImage(ctx, d.ImageRef); err != nil && !runtime.IsNotFound(err) {
			cleanup = multierr.Append(cleanup, fmt.Errorf("remove image %s: %w", d.ImageRef, err))
		}
		if err := m.archives.Delete(ctx, d.ArchiveKey); err != nil {
			cleanup = multierr.Append(cleanup, fmt.Errorf("delete archive %s: %w", d.ArchiveKey, err))
		}
	}
	if cleanup != nil {
		m.lg.Warn().Err(cleanup).Str("function_id", functionID).Msg("failed to clean up artifacts, proceeding with removal")
	}

	if err := m.store.DeleteFunction(ctx, functionID); err != nil {
		return fmt.Errorf("store delete function: %w", err)
	}
	m.lg.Info().Str("function_id", functionID).Int("versions", len(deps)).Msg("function removed")
	return nil
}

// Reconcile repairs state left behind by an interrupted process: builds that
// never finished are marked failed, active deployments whose image is gone
// are reported, and invocation containers and scratch directories of the
// previous process are removed. It must run before the first invocation.
func (m *Manager) Reconcile(ctx context.Context) error {
	errs := m.reclaimOrphans(ctx)
	fns, err := m.store.ListFunctions(ctx, "")
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("store list functions: %w", err))
	}
	for _, fn := range fns {
		deps, err := m.store.ListDeployments(ctx, fn.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list deployments of %s: %w", fn.ID, err))
			continue
		}
		hasActive := false
		for _, d := range deps {
			switch d.Status {
			case DeploymentBuilding:
				m.lg.Warn().Str("function_id", fn.ID).Int("version", d.Version).Msg("marking interrupted build as failed")
				if err := m.store.FinishDeployment(ctx, fn.ID, d.Version, DeploymentFailed, 0); err != nil {
					errs = multierr.Append(errs, err)
				}
			case DeploymentActive:
				hasActive = true
				if ok, err := m.rt.ImageExists(ctx, d.ImageRef); err == nil && !ok {
					m.lg.Warn().Str("function_id", fn.ID).Int("version", d.Version).Msg("active image is missing")
				}
			}
		}
		if fn.Status == FunctionBuilding {
			status := FunctionFailed
			if hasActive {
				status = FunctionReady
			}
			if err := m.store.SetFunctionStatus(ctx, fn.ID, status); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// reclaimOrphans removes every labelled invocation container and every
// entry below the scratch directories of WorkDir.
func (m *Manager) reclaimOrphans(ctx context.Context) error {
	var errs error
	cs, err := m.rt.ListContainers(ctx, map[string]string{LabelRole: RoleInvocation})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("list invocation containers: %w", err))
	}
	for _, c := range cs {
		if err := m.rt.RemoveContainer(ctx, c.Name); err != nil && !runtime.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove container %s: %w", c.Name, err))
			continue
		}
		m.lg.Warn().Str("container", c.Name).Str("state", c.State).Msg("removed orphaned invocation container")
	}

	for _, sub := range []string{"invocations", "builds"} {
		root := filepath.Join(m.cfg.WorkDir, sub)
		entries, err := os.ReadDir(root)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = multierr.Append(errs, fmt.Errorf("read %s: %w", root, err))
			}
			continue
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if len(entries) > 0 {
			m.lg.Info().Str("path", root).Int("entries", len(entries)).Msg("removed stale scratch entries")
		}
	}
	return errs
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, ErrNotFound) {
		return newError(CodeNotFound, err, format, args...)
	}
	return err
}
