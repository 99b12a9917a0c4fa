// Package domain contains persistence models for telephony subscriptions.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SubscriptionType classifies how a line is charged.
type SubscriptionType string

const (
	TypePostpaid  SubscriptionType = "postpaid"
	TypePrepaid   SubscriptionType = "prepaid"
	TypeUnlimited SubscriptionType = "unlimited"
)

func (t SubscriptionType) Valid() bool {
	switch t {
	case TypePostpaid, TypePrepaid, TypeUnlimited:
		return true
	}
	return false
}

// DeallocationCause records why a subscription was taken out of service.
type DeallocationCause string

const (
	CauseNormal    DeallocationCause = "normal"
	CauseViolation DeallocationCause = "violation"
)

func (c DeallocationCause) Valid() bool {
	return c == CauseNormal || c == CauseViolation
}

// Subscription is one telephony line in the customer graph.
type Subscription struct {
	ID                uuid.UUID          `gorm:"type:uuid;primaryKey"`
	SubscriptionCode  string             `gorm:"type:text;not null;uniqueIndex"`
	Number            string             `gorm:"type:text;not null;index"`
	SubscriptionType  SubscriptionType   `gorm:"type:text;not null"`
	CustomerID        uuid.UUID          `gorm:"type:uuid;not null;index"`
	BranchID          *uuid.UUID         `gorm:"type:uuid;index"`
	IsAllocated       bool               `gorm:"not null;default:true"`
	DeallocatedAt     *time.Time         `gorm:""`
	DeallocationCause *DeallocationCause `gorm:"type:text"`
	DeallocateWarned  bool               `gorm:"not null;default:false"`
	LatestPaidAt      *time.Time         `gorm:""`
	// InterimRequest is the per-subscription advisory lock serializing
	// interim issuance; see the invoice engine.
	InterimRequest     bool       `gorm:"not null;default:false"`
	InterimRequestedAt *time.Time `gorm:""`
	AutoPay            bool       `gorm:"not null;default:false"`
	Checksum           string     `gorm:"type:varchar(512)"`
	CreatedAt          time.Time  `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) IntegrityModelName() string { return "subscription" }

func (s Subscription) IntegrityFields() []any {
	cause := ""
	if s.DeallocationCause != nil {
		cause = string(*s.DeallocationCause)
	}
	// InterimRequest is deliberately excluded: it is an advisory lock
	// flipped by conditional updates, not financial state.
	return []any{
		s.ID, s.SubscriptionCode, s.Number, string(s.SubscriptionType),
		s.IsAllocated, cause, s.DeallocateWarned, s.AutoPay,
	}
}

type AddSubscriptionRequest struct {
	SubscriptionCode string
	Number           string
	SubscriptionType SubscriptionType
	CustomerCode     string
	AutoPay          bool
}

type Service interface {
	GetByCode(ctx context.Context, subscriptionCode string) (Subscription, error)
	Add(ctx context.Context, req AddSubscriptionRequest) (Subscription, error)
	Remove(ctx context.Context, subscriptionCode string) error
	ChangeAvailability(ctx context.Context, subscriptionCode string, allocated bool) error
	Deallocate(ctx context.Context, subscriptionCode string, cause DeallocationCause) error
	RenewBranch(ctx context.Context, subscriptionCode string) (Subscription, error)
	RenewSubscriptionType(ctx context.Context, subscriptionCode string) (Subscription, error)
	// InterimRequested flips the advisory lock; reports false when already held.
	InterimRequested(ctx context.Context, subscriptionCode string) (bool, error)
	// InterimProcessed releases the advisory lock.
	InterimProcessed(ctx context.Context, subscriptionCode string) error
	// ReleaseStaleInterims clears advisory locks older than the cutoff and
	// returns how many were released.
	ReleaseStaleInterims(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrNotFound         = errors.New("subscription_not_found")
	ErrDuplicateCode    = errors.New("duplicate_subscription_code")
	ErrInvalidType      = errors.New("invalid_subscription_type")
	ErrInvalidCause     = errors.New("invalid_deallocation_cause")
	ErrDeallocated      = errors.New("subscription_deallocated")
	ErrInterimInFlight  = errors.New("interim_invoice_in_flight")
	ErrProtected        = errors.New("subscription_has_financial_history")
	ErrBranchConflict   = errors.New("branch_resolve_conflict")
)
