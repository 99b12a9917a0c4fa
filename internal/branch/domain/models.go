// Package domain contains persistence models for tariff branches.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
)

// Reserved branch codes. These rows are seeded once and never change.
const (
	CodeDefault   = "default"
	CodeCountry   = "country"
	CodeEmergency = "emergency"
)

func IsSpecialCode(code string) bool {
	switch code {
	case CodeDefault, CodeCountry, CodeEmergency:
		return true
	}
	return false
}

// Branch is a tariff region defined by a set of destination prefixes.
type Branch struct {
	ID           uuid.UUID                       `gorm:"type:uuid;primaryKey"`
	BranchCode   string                          `gorm:"type:text;not null;uniqueIndex"`
	BranchName   string                          `gorm:"type:text;not null"`
	Destinations []destinationdomain.Destination `gorm:"many2many:branch_destinations"`
	Checksum     string                          `gorm:"type:varchar(512)"`
	CreatedAt    time.Time                       `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time                       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Branch) TableName() string { return "branches" }

func (b Branch) IntegrityModelName() string { return "branch" }

func (b Branch) IntegrityFields() []any {
	return []any{b.ID, b.BranchCode, b.BranchName}
}

type Service interface {
	// EnsureSeeded creates the reserved branches if they are missing.
	EnsureSeeded(ctx context.Context) error
	List(ctx context.Context) ([]Branch, error)
	GetByCode(ctx context.Context, branchCode string) (Branch, error)
	Create(ctx context.Context, branchCode, branchName string, destinationIDs []uuid.UUID) (Branch, error)
	Update(ctx context.Context, branchCode, branchName string, destinationIDs []uuid.UUID) (Branch, error)
	Delete(ctx context.Context, branchCode string) error
	// Resolve finds the branch owning a number by longest-prefix match over
	// every branch's destinations. No match resolves to the default branch;
	// more than one branch owning the longest prefix is a conflict.
	Resolve(ctx context.Context, number string) (Branch, error)
	// Sync pushes the branch tariff definition into the rating engine in the
	// required order and invalidates the cached rate bounds.
	Sync(ctx context.Context, branchCode string) error
}

var (
	ErrNotFound        = errors.New("branch_not_found")
	ErrSpecialBranch   = errors.New("special_branch_immutable")
	ErrDuplicateCode   = errors.New("duplicate_branch_code")
	ErrResolveConflict = errors.New("branch_resolve_conflict")
	ErrInvalidCode     = errors.New("invalid_branch_code")
)
