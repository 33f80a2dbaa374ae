package models

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusStarting     ExecutionStatus = "starting"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusStopping     ExecutionStatus = "stopping"
	ExecutionStatusStopped      ExecutionStatus = "stopped"
	ExecutionStatusCompleted    ExecutionStatus = "completed"
	ExecutionStatusFailed       ExecutionStatus = "failed"
	ExecutionStatusForceStopped ExecutionStatus = "force_stopped"
)

// Active reports whether the status occupies the single-job slot.
func (s ExecutionStatus) Active() bool {
	switch s {
	case ExecutionStatusStarting, ExecutionStatusRunning, ExecutionStatusStopping:
		return true
	}
	return false
}

// Terminal reports whether the execution can no longer change.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusStopped, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusForceStopped:
		return true
	}
	return false
}

// ActiveExecutionStatuses lists the statuses that hold the slot.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionStatusStarting,
	ExecutionStatusRunning,
	ExecutionStatusStopping,
}

type JobExecution struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Label             string          `gorm:"type:text;index" json:"label"`
	ParentExecutionID *uuid.UUID      `gorm:"type:uuid;index" json:"parent_execution_id,omitempty"`
	Status            ExecutionStatus `gorm:"type:text;index;not null" json:"status"`
	Step              string          `gorm:"type:text" json:"step,omitempty"`
	TotalGenerations  int             `gorm:"not null;default:0" json:"total_generations"`
	Error             string          `gorm:"type:text" json:"error,omitempty"`
	ConfigSnapshotID  uuid.UUID       `gorm:"type:uuid;uniqueIndex" json:"config_snapshot_id"`
	StartedAt         time.Time       `gorm:"not null" json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`
}

type JobExecutions []*JobExecution
