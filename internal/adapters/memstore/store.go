// Package memstore is an in-process functions.Store for development and
// tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"faas-executor/internal/core/functions"
)

type Store struct {
	mu          sync.RWMutex
	functions   map[string]functions.FunctionDefinition
	deployments map[string][]functions.Deployment // by function id, ascending version
}

var _ functions.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		functions:   map[string]functions.FunctionDefinition{},
		deployments: map[string][]functions.Deployment{},
	}
}

func (s *Store) CreateFunction(_ context.Context, fn *functions.FunctionDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[fn.ID]; ok {
		return fmt.Errorf("function %s already exists", fn.ID)
	}
	s.functions[fn.ID] = *fn
	return nil
}

func (s *Store) GetFunction(_ context.Context, id string) (*functions.FunctionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[id]
	if !ok {
		return nil, fmt.Errorf("function %s: %w", id, functions.ErrNotFound)
	}
	return &fn, nil
}

func (s *Store) ListFunctions(_ context.Context, owner string) ([]functions.FunctionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]functions.FunctionDefinition, 0, len(s.functions))
	for _, fn := range s.functions {
		if owner == "" || fn.Owner == owner {
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SetFunctionStatus(_ context.Context, id string, status functions.FunctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.functions[id]
	if !ok {
		return fmt.Errorf("function %s: %w", id, functions.ErrNotFound)
	}
	fn.Status = status
	fn.UpdatedAt = time.Now().UTC()
	s.functions[id] = fn
	return nil
}

func (s *Store) DeleteFunction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[id]; !ok {
		return fmt.Errorf("function %s: %w", id, functions.ErrNotFound)
	}
	delete(s.functions, id)
	delete(s.deployments, id)
	return nil
}

func (s *Store) CreateDeployment(_ context.Context, d *functions.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := s.deployments[d.FunctionID]
	for _, existing := range deps {
		if existing.Version == d.Version {
			return fmt.Errorf("version %d of function %s already exists", d.Version, d.FunctionID)
		}
	}
	deps = append(deps, *d)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Version < deps[j].Version })
	s.deployments[d.FunctionID] = deps
	return nil
}

func (s *Store) GetDeployment(_ context.Context, functionID string, version int) (*functions.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(functionID, version); i >= 0 {
		d := s.deployments[functionID][i]
		return &d, nil
	}
	return nil, fmt.Errorf("version %d of function %s: %w", version, functionID, functions.ErrNotFound)
}

func (s *Store) ListDeployments(_ context.Context, functionID string) ([]functions.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]functions.Deployment(nil), s.deployments[functionID]...), nil
}

func (s *Store) ActiveDeployment(_ context.Context, functionID string) (*functions.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments[functionID] {
		if d.Active() {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("active deployment of function %s: %w", functionID, functions.ErrNotFound)
}

func (s *Store) LatestVersion(_ context.Context, functionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deps := s.deployments[functionID]
	if len(deps) == 0 {
		return 0, nil
	}
	return deps[len(deps)-1].Version, nil
}

func (s *Store) FinishDeployment(_ context.Context, functionID string, version int, status functions.DeploymentStatus, imageSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(functionID, version)
	if i < 0 {
		return fmt.Errorf("version %d of function %s: %w", version, functionID, functions.ErrNotFound)
	}
	d := &s.deployments[functionID][i]
	d.Status = status
	d.ImageSize = imageSize
	return nil
}

// SwitchActive flips both deployments under one write lock, so readers only
// ever see the state before or after the switch.
func (s *Store) SwitchActive(_ context.Context, functionID string, version int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.indexOf(functionID, version)
	if target < 0 {
		return 0, fmt.Errorf("version %d of function %s: %w", version, functionID, functions.ErrNotFound)
	}
	deps := s.deployments[functionID]
	prev := 0
	for i := range deps {
		if deps[i].Active() && i != target {
			prev = deps[i].Version
			deps[i].Status = functions.DeploymentInactive
		}
	}
	deps[target].Status = functions.DeploymentActive
	return prev, nil
}

func (s *Store) indexOf(functionID string, version int) int {
	for i, d := range s.deployments[functionID] {
		if d.Version == version {
			return i
		}
	}
	return -1
}
