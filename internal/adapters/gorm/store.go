package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-executor/internal/core/functions"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

var _ functions.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func missing(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), functions.ErrNotFound)
	}
	return err
}

func (s *Store) CreateFunction(ctx context.Context, fn *functions.FunctionDefinition) error {
	return s.db.WithContext(ctx).Create(fn).Error
}

func (s *Store) GetFunction(ctx context.Context, id string) (*functions.FunctionDefinition, error) {
	var fn functions.FunctionDefinition
	if err := s.db.WithContext(ctx).First(&fn, "id = ?", id).Error; err != nil {
		return nil, missing(err, "function %s", id)
	}
	return &fn, nil
}

func (s *Store) ListFunctions(ctx context.Context, owner string) ([]functions.FunctionDefinition, error) {
	q := s.db.WithContext(ctx).Order("created_at, id")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var fns []functions.FunctionDefinition
	if err := q.Find(&fns).Error; err != nil {
		return nil, err
	}
	return fns, nil
}

func (s *Store) SetFunctionStatus(ctx context.Context, id string, status functions.FunctionStatus) error {
	res := s.db.WithContext(ctx).Model(&functions.FunctionDefinition{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("function %s: %w", id, functions.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteFunction(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("function_id = ?", id).Delete(&functions.Deployment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&functions.FunctionDefinition{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("function %s: %w", id, functions.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) CreateDeployment(ctx context.Context, d *functions.Deployment) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) GetDeployment(ctx context.Context, functionID string, version int) (*functions.Deployment, error) {
	var d functions.Deployment
	err := s.db.WithContext(ctx).Where("function_id = ? AND version = ?", functionID, version).First(&d).Error
	if err != nil {
		return nil, missing(err, "version %d of function %s", version, functionID)
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, functionID string) ([]functions.Deployment, error) {
	var deps []functions.Deployment
	err := s.db.WithContext(ctx).Where("function_id = ?", functionID).Order("version").Find(&deps).Error
	return deps, err
}

func (s *Store) ActiveDeployment(ctx context.Context, functionID string) (*functions.Deployment, error) {
	var d functions.Deployment
	err := s.db.WithContext(ctx).Where("function_id = ? AND status = ?", functionID, functions.DeploymentActive).First(&d).Error
	if err != nil {
		return nil, missing(err, "active deployment of function %s", functionID)
	}
	return &d, nil
}

func (s *Store) LatestVersion(ctx context.Context, functionID string) (int, error) {
	var latest int
	err := s.db.WithContext(ctx).Model(&functions.Deployment{}).Where("function_id = ?", functionID).
		Select("COALESCE(MAX(version), 0)").Scan(&latest).Error
	return latest, err
}

func (s *Store) FinishDeployment(ctx context.Context, functionID string, version int, status functions.DeploymentStatus, imageSize int64) error {
	res := s.db.WithContext(ctx).Model(&functions.Deployment{}).
		Where("function_id = ? AND version = ?", functionID, version).
		Updates(map[string]any{"status": status, "image_size": imageSize})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("version %d of function %s: %w", version, functionID, functions.ErrNotFound)
	}
	return nil
}

// SwitchActive runs in one transaction holding row locks on every deployment
// of the function; the partial unique index rejects a second active row.
func (s *Store) SwitchActive(ctx context.Context, functionID string, version int) (int, error) {
	prev := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deps []functions.Deployment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("function_id = ?", functionID).Find(&deps).Error; err != nil {
			return err
		}
		found := false
		for _, d := range deps {
			if d.Version == version {
				found = true
			} else if d.Active() {
				prev = d.Version
			}
		}
		if !found {
			return fmt.Errorf("version %d of function %s: %w", version, functionID, functions.ErrNotFound)
		}
		if err := tx.Model(&functions.Deployment{}).
			Where("function_id = ? AND status = ? AND version <> ?", functionID, functions.DeploymentActive, version).
			Update("status", functions.DeploymentInactive).Error; err != nil {
			return err
		}
		return tx.Model(&functions.Deployment{}).
			Where("function_id = ? AND version = ?", functionID, version).
			Update("status", functions.DeploymentActive).Error
	})
	if err != nil {
		return 0, err
	}
	return prev, nil
}
