// Package domain contains operator profit-sharing records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusReceived Status = "received"
	StatusRevoked  Status = "revoked"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusReceived || s == StatusRevoked
}

// Profit aggregates one operator's traffic over a settlement window. The
// first/second split follows the operator's divide_on_percent at the
// time of generation.
type Profit struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	OperatorID             uuid.UUID `gorm:"type:uuid;not null;index:idx_profits_window,priority:1"`
	FromDate               time.Time `gorm:"not null;index:idx_profits_window,priority:2"`
	ToDate                 time.Time `gorm:"not null;index:idx_profits_window,priority:3"`
	InboundUsage           int64     `gorm:"not null;default:0"`
	InboundCostFirstPart   int64     `gorm:"type:decimal(20,2);not null;default:0"`
	InboundCostSecondPart  int64     `gorm:"type:decimal(20,2);not null;default:0"`
	OutboundUsage          int64     `gorm:"not null;default:0"`
	OutboundCostFirstPart  int64     `gorm:"type:decimal(20,2);not null;default:0"`
	OutboundCostSecondPart int64     `gorm:"type:decimal(20,2);not null;default:0"`
	InboundUsedPercent     int       `gorm:"not null;default:0"`
	OutboundUsedPercent    int       `gorm:"not null;default:0"`
	StatusCode             Status    `gorm:"type:text;not null;default:'pending';index"`
	Checksum               string    `gorm:"type:varchar(512)"`
	CreatedAt              time.Time `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Profit) TableName() string { return "profits" }

func (p Profit) IntegrityModelName() string { return "profit" }

func (p Profit) IntegrityFields() []any {
	return []any{
		p.ID, p.OperatorID, p.FromDate, p.ToDate,
		p.InboundUsage, p.InboundCostFirstPart, p.InboundCostSecondPart,
		p.OutboundUsage, p.OutboundCostFirstPart, p.OutboundCostSecondPart,
		string(p.StatusCode),
	}
}

type Service interface {
	List(ctx context.Context, operatorCode string) ([]Profit, error)
	// Generate pulls usage from the rating engine for the given window
	// and writes one pending row per operator; idempotent per window.
	Generate(ctx context.Context, from, to time.Time) ([]Profit, error)
	Receive(ctx context.Context, id uuid.UUID) (Profit, error)
	Revoke(ctx context.Context, id uuid.UUID) (Profit, error)
}

var (
	ErrNotFound          = errors.New("profit_not_found")
	ErrInvalidTransition = errors.New("invalid_profit_transition")
	ErrWindowExists      = errors.New("profit_window_already_generated")
)
