package models

import (
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ImageStatus string

const (
	ImageStatusPending      ImageStatus = "pending"
	ImageStatusApproved     ImageStatus = "approved"
	ImageStatusQCFailed     ImageStatus = "qc_failed"
	ImageStatusRetryPending ImageStatus = "retry_pending"
	ImageStatusProcessing   ImageStatus = "processing"
	ImageStatusRetryFailed  ImageStatus = "retry_failed"
)

// ImageMetadata is produced by the metadata stage.
type ImageMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type GeneratedImage struct {
	ID                 uuid.UUID                             `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID        uuid.UUID                             `gorm:"type:uuid;index;not null" json:"execution_id"`
	GenerationIndex    int                                   `gorm:"not null" json:"generation_index"`
	GenerationPrompt   string                                `gorm:"type:text;not null" json:"generation_prompt"`
	Seed               int64                                 `json:"seed"`
	Width              int                                   `json:"width"`
	Height             int                                   `json:"height"`
	SourceImagePath    *string                               `gorm:"type:text" json:"source_image_path,omitempty"`
	FinalImagePath     *string                               `gorm:"type:text" json:"final_image_path,omitempty"`
	Metadata           *datatypes.JSONType[ImageMetadata]    `gorm:"type:json" json:"metadata,omitempty"`
	ProcessingSettings datatypes.JSONType[config.Processing] `gorm:"type:json" json:"processing_settings"`
	QCStatus           ImageStatus                           `gorm:"type:text;index;not null" json:"qc_status"`
	QCReason           *string                               `gorm:"type:text" json:"qc_reason,omitempty"`
	CreatedAt          time.Time                             `gorm:"index;not null" json:"created_at"`
	UpdatedAt          time.Time                             `gorm:"not null" json:"updated_at"`
}

type GeneratedImages []*GeneratedImage
