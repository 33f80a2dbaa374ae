package models

import (
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ConfigSnapshot is the immutable, credential-free copy of the settings an
// execution was started with. Exactly one execution references it.
type ConfigSnapshot struct {
	ID          uuid.UUID                           `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID                           `gorm:"type:uuid;uniqueIndex;not null" json:"execution_id"`
	Settings    datatypes.JSONType[config.Settings] `gorm:"type:json;not null" json:"settings"`
	CreatedAt   time.Time                           `gorm:"not null" json:"created_at"`
}
