// Package domain contains the inbound API request log.
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// APIRequest is one logged inbound call. Rows are retained for a
// configurable number of days and purged by a daily job.
type APIRequest struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Method     string         `gorm:"type:text;not null"`
	Path       string         `gorm:"type:text;not null;index"`
	Query      string         `gorm:"type:text"`
	Body       datatypes.JSON `gorm:"type:jsonb"`
	StatusCode int            `gorm:"not null"`
	RemoteAddr string         `gorm:"type:text"`
	DurationMS int64          `gorm:"not null;default:0"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

func (APIRequest) TableName() string { return "api_requests" }

type Service interface {
	Record(ctx context.Context, req APIRequest)
	// PurgeOlderThan deletes rows created before the cutoff and returns
	// the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
