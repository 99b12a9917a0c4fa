// Package domain contains persistence models for peering operators.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
)

// RateTimeType is the unit the operator rate is quoted in.
type RateTimeType string

const (
	RateTimeSeconds RateTimeType = "seconds"
	RateTimeMinutes RateTimeType = "minutes"
)

func (t RateTimeType) Valid() bool {
	return t == RateTimeSeconds || t == RateTimeMinutes
}

// Operator is an inbound/outbound peering partner with revenue-split
// parameters. Rates are whole-rial amounts per rate_time units.
type Operator struct {
	ID                      uuid.UUID                       `gorm:"type:uuid;primaryKey"`
	OperatorCode            string                          `gorm:"type:text;not null;uniqueIndex"`
	Destinations            []destinationdomain.Destination `gorm:"many2many:operator_destinations"`
	InboundRate             int64                           `gorm:"type:decimal(20,2);not null"`
	OutboundRate            int64                           `gorm:"type:decimal(20,2);not null"`
	RateTimeType            RateTimeType                    `gorm:"type:text;not null"`
	RateTime                int                             `gorm:"not null"`
	InboundDivideOnPercent  int                             `gorm:"not null"`
	OutboundDivideOnPercent int                             `gorm:"not null"`
	Checksum                string                          `gorm:"type:varchar(512)"`
	CreatedAt               time.Time                       `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time                       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Operator) TableName() string { return "operators" }

func (o Operator) IntegrityModelName() string { return "operator" }

func (o Operator) IntegrityFields() []any {
	return []any{
		o.ID, o.OperatorCode, o.InboundRate, o.OutboundRate,
		string(o.RateTimeType), o.RateTime, o.InboundDivideOnPercent, o.OutboundDivideOnPercent,
	}
}

// Validate enforces the operator parameter ranges.
func (o Operator) Validate() error {
	if o.OperatorCode == "" {
		return ErrInvalidOperator
	}
	if !o.RateTimeType.Valid() {
		return ErrInvalidOperator
	}
	if o.RateTime < 1 || o.RateTime > 60 {
		return ErrInvalidOperator
	}
	if o.InboundDivideOnPercent < 1 || o.InboundDivideOnPercent > 99 {
		return ErrInvalidOperator
	}
	if o.OutboundDivideOnPercent < 1 || o.OutboundDivideOnPercent > 99 {
		return ErrInvalidOperator
	}
	return nil
}

type Service interface {
	List(ctx context.Context) ([]Operator, error)
	GetByCode(ctx context.Context, operatorCode string) (Operator, error)
	Create(ctx context.Context, op Operator, destinationIDs []uuid.UUID) (Operator, error)
	Update(ctx context.Context, operatorCode string, op Operator, destinationIDs []uuid.UUID) (Operator, error)
	Delete(ctx context.Context, operatorCode string) error
	// Sync pushes the operator tariff definition into the rating engine in
	// the fixed order the engine expects.
	Sync(ctx context.Context, operatorCode string) error
}

var (
	ErrNotFound        = errors.New("operator_not_found")
	ErrInvalidOperator = errors.New("invalid_operator")
	ErrDuplicateCode   = errors.New("duplicate_operator_code")
)
