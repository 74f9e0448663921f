// Package store persists projects and owns every status write. Status,
// container_id and last_error only ever change through Transition, a
// compare-and-set UPDATE, so concurrent lifecycle operations serialize
// on the database row instead of in-process locks.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"refactor-cloud/pkg/models"
)

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrConflictingState  = errors.New("conflicting project state")
	ErrIllegalTransition = errors.New("illegal status transition")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new project, assigning a uuid if the caller left the
// id empty.
func (s *Store) Create(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.StatusCreated
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]models.Project, error) {
	var projects []models.Project
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// Update applies non-lifecycle field changes (title, description, spec,
// repo_url, branch). Lifecycle fields must go through Transition.
func (s *Store) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// SetThreadID records the agent conversation id for follow-up runs.
func (s *Store) SetThreadID(ctx context.Context, id, threadID string) error {
	return s.Update(ctx, id, map[string]interface{}{"refactor_thread_id": threadID})
}

// ClearThreadID drops the stored agent conversation id so the next run
// starts a fresh session.
func (s *Store) ClearThreadID(ctx context.Context, id string) error {
	return s.Update(ctx, id, map[string]interface{}{"refactor_thread_id": nil})
}

// Delete soft-deletes the project row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Project{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// Transition moves a project from one status to another with a
// conditional UPDATE. extra carries columns written atomically with the
// status (container_id, last_error). Zero rows affected on an existing
// project means another writer got there first: ErrConflictingState.
func (s *Store) Transition(ctx context.Context, id, from, to string, extra map[string]interface{}) error {
	return s.TransitionFromAny(ctx, id, []string{from}, to, extra)
}

// TransitionFromAny is Transition with several acceptable prior
// statuses, used by reprovision (READY|STOPPED|FAILED → PROVISIONING).
func (s *Store) TransitionFromAny(ctx context.Context, id string, from []string, to string, extra map[string]interface{}) error {
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f, to)
		}
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflictingState
	}
	return nil
}
