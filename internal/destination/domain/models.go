// Package domain contains persistence models for dial destinations.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nexfon/cbg/pkg/db/pagination"
)

// DestinationCode classifies the destination for rating purposes.
type DestinationCode string

const (
	CodeMobileNational        DestinationCode = "mobile_national"
	CodeLandlineNational      DestinationCode = "landline_national"
	CodeMobileInternational   DestinationCode = "mobile_international"
	CodeLandlineInternational DestinationCode = "landline_international"
)

func (c DestinationCode) Valid() bool {
	switch c {
	case CodeMobileNational, CodeLandlineNational, CodeMobileInternational, CodeLandlineInternational:
		return true
	}
	return false
}

// Destination is a dial prefix plus its classification. The prefix is a
// left-anchored match key against dialed numbers.
type Destination struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Prefix      string          `gorm:"type:text;not null;uniqueIndex"`
	Name        string          `gorm:"type:text;not null"`
	CountryCode string          `gorm:"type:text;not null"`
	Code        DestinationCode `gorm:"type:text;not null"`
	Checksum    string          `gorm:"type:varchar(512)"`
	CreatedAt   time.Time       `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Destination) TableName() string { return "destinations" }

func (d Destination) IntegrityModelName() string { return "destination" }

func (d Destination) IntegrityFields() []any {
	return []any{d.ID, d.Prefix, d.Name, d.CountryCode, string(d.Code)}
}

type ListDestinationRequest struct {
	pagination.Pagination
	Prefix *string
	Code   *DestinationCode
}

type ListDestinationResponse struct {
	pagination.PageInfo
	Destinations []Destination `json:"destinations"`
}

type Service interface {
	List(ctx context.Context, req ListDestinationRequest) (ListDestinationResponse, error)
	Get(ctx context.Context, id string) (Destination, error)
	Create(ctx context.Context, dest Destination) (Destination, error)
	Update(ctx context.Context, id string, dest Destination) (Destination, error)
	Delete(ctx context.Context, id string) error
}

var (
	ErrNotFound        = errors.New("destination_not_found")
	ErrInvalidPrefix   = errors.New("invalid_destination_prefix")
	ErrInvalidCode     = errors.New("invalid_destination_code")
	ErrDuplicatePrefix = errors.New("duplicate_destination_prefix")
	ErrInUse           = errors.New("destination_in_use")
)
