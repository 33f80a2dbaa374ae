// Package snapshot stores the frozen configuration each execution runs
// with. Snapshots are written once, inside the transaction that creates the
// execution, and never updated.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("config snapshot not found")

// Capture clones settings, strips credentials, and inserts the snapshot
// using tx.
func Capture(tx *gorm.DB, executionID uuid.UUID, settings config.Settings) (*models.ConfigSnapshot, error) {
	frozen := settings.StripCredentials()

	snap := &models.ConfigSnapshot{
		ID:          uuid.New(),
		ExecutionID: executionID,
		Settings:    datatypes.NewJSONType(*frozen),
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(snap).Error; err != nil {
		return nil, err
	}

	return snap, nil
}

// Store reads snapshots.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.ConfigSnapshot, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) ForExecution(ctx context.Context, executionID uuid.UUID) (*models.ConfigSnapshot, error) {
	return s.first(ctx, "execution_id = ?", executionID)
}

// Settings returns a private copy of the settings an execution ran with.
func (s *Store) Settings(ctx context.Context, executionID uuid.UUID) (config.Settings, error) {
	snap, err := s.ForExecution(ctx, executionID)
	if err != nil {
		return config.Settings{}, err
	}
	settings := snap.Settings.Data()
	return *settings.Clone(), nil
}

func (s *Store) first(ctx context.Context, query string, arg uuid.UUID) (*models.ConfigSnapshot, error) {
	snap := &models.ConfigSnapshot{}
	if err := s.db.WithContext(ctx).First(snap, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return snap, nil
}

// Delete removes the snapshot of an execution inside tx.
func Delete(tx *gorm.DB, executionID uuid.UUID) error {
	return tx.Where("execution_id = ?", executionID).Delete(&models.ConfigSnapshot{}).Error
}
