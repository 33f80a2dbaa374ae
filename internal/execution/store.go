package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store persists JobExecution records.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	exec := &models.JobExecution{}
	if err := s.db.WithContext(ctx).First(exec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return exec, nil
}

// Latest returns the most recently started execution, or nil.
func (s *Store) Latest(ctx context.Context) (*models.JobExecution, error) {
	exec := &models.JobExecution{}
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(1).Find(exec).Error
	if err != nil {
		return nil, err
	}
	if exec.ID == uuid.Nil {
		return nil, nil
	}
	return exec, nil
}

// Active lists executions holding an active status.
func (s *Store) Active(ctx context.Context) (models.JobExecutions, error) {
	execs := make(models.JobExecutions, 0)
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings(models.ActiveExecutionStatuses)).
		Find(&execs).Error
	return execs, err
}

// SetStatus moves an execution between non-terminal statuses.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status models.ExecutionStatus) error {
	return s.update(ctx, id, map[string]interface{}{"status": string(status)})
}

// SetStep records the pipeline step currently running.
func (s *Store) SetStep(ctx context.Context, id uuid.UUID, step string) error {
	return s.update(ctx, id, map[string]interface{}{"step": step})
}

// Finish writes the terminal status. Terminal executions are never updated
// again, so the write is guarded by the active statuses.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, errMsg string) (*models.JobExecution, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%s is not a terminal status", status)
	}

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.JobExecution{}).
		Where("id = ? AND status IN ?", id, statusStrings(models.ActiveExecutionStatuses)).
		Updates(map[string]interface{}{
			"status":       string(status),
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, result.Error
	}

	return s.Get(ctx, id)
}

func (s *Store) update(ctx context.Context, id uuid.UUID, values map[string]interface{}) error {
	values["updated_at"] = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&models.JobExecution{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HistoryFilter narrows GetJobHistory.
type HistoryFilter struct {
	Statuses []models.ExecutionStatus
	Label    string
	ParentID *uuid.UUID
	Limit    int
	Offset   int
}

// List returns executions newest first along with the total match count.
func (s *Store) List(ctx context.Context, f HistoryFilter) (models.JobExecutions, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.JobExecution{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Label != "" {
		q = q.Where("label LIKE ?", "%"+f.Label+"%")
	}
	if f.ParentID != nil {
		q = q.Where("parent_execution_id = ?", *f.ParentID)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := q.Order("started_at DESC")
	if f.Limit > 0 {
		page = page.Limit(f.Limit)
	}
	if f.Offset > 0 {
		page = page.Offset(f.Offset)
	}

	execs := make(models.JobExecutions, 0)
	if err := page.Find(&execs).Error; err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// Delete removes a terminal execution with its snapshot and images in one
// transaction.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	exec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Active() {
		return nil, ErrActive
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ledger.DeleteByExecution(tx, id); err != nil {
			return err
		}
		if err := snapshot.Delete(tx, id); err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.JobExecution{}).Error
	})
	if err != nil {
		return nil, err
	}

	return exec, nil
}

// RecoverInterrupted marks executions left active by a previous process as
// failed. It must only run before the controller accepts work.
func (s *Store) RecoverInterrupted(ctx context.Context) (models.JobExecutions, error) {
	active, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}

	recovered := make(models.JobExecutions, 0, len(active))
	for _, exec := range active {
		done, err := s.Finish(ctx, exec.ID, models.ExecutionStatusFailed, "interrupted by restart")
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, done)
	}
	return recovered, nil
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
