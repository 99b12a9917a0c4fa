// Package domain contains the dead-letter queue for side effects that
// failed and should be replayed.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FailedJob captures one failed invocation with enough context to
// re-invoke it later.
type FailedJob struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	JobTitle       string         `gorm:"type:text;not null"`
	ServiceVersion string         `gorm:"type:text;not null"`
	ServiceName    string         `gorm:"type:text;not null;index:idx_failed_jobs_target,priority:1"`
	MethodName     string         `gorm:"type:text;not null;index:idx_failed_jobs_target,priority:2"`
	MethodArgs     datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage   string         `gorm:"type:text"`
	IsDone         bool           `gorm:"not null;default:false;index"`
	CreatedAt      time.Time      `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FailedJob) TableName() string { return "failed_jobs" }

type CaptureRequest struct {
	JobTitle    string
	ServiceName string
	MethodName  string
	MethodArgs  any
	Err         error
}

// Handler replays one captured invocation from its persisted JSON args.
type Handler func(ctx context.Context, args json.RawMessage) error

type Service interface {
	// Capture persists a failed invocation. Capture itself must not
	// fail the caller; persistence errors are logged and swallowed.
	Capture(ctx context.Context, req CaptureRequest)
	// Register binds a service/method pair to a replay handler.
	Register(serviceName, methodName string, h Handler)
	// ReplayPending re-invokes every undone job through its handler and
	// marks is_done on success. Returns the joined errors.
	ReplayPending(ctx context.Context) (replayed int, err error)
	ListPending(ctx context.Context) ([]FailedJob, error)
}

var (
	ErrNoHandler = errors.New("no_handler_registered")
)
