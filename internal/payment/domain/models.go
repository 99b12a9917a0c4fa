// Package domain contains gateway payment records tied to credit invoices.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusSuccess || s == StatusFailed
}

// Payment is one gateway attempt against a credit invoice.
type Payment struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	CreditInvoiceID uuid.UUID      `gorm:"type:uuid;not null;index"`
	Amount          int64          `gorm:"type:decimal(20,2);not null"`
	Gateway         string         `gorm:"type:text;not null"`
	ExtraData       datatypes.JSON `gorm:"type:jsonb"`
	StatusCode      Status         `gorm:"type:text;not null;default:'pending';index"`
	UpdatedStatusAt time.Time      `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

type CreateRequest struct {
	CreditInvoiceID uuid.UUID
	Gateway         string
	ExtraData       datatypes.JSON
}

type Service interface {
	Get(ctx context.Context, id uuid.UUID) (Payment, error)
	Create(ctx context.Context, req CreateRequest) (Payment, error)
	// Resolve applies a gateway callback. Success settles the credit
	// invoice; failure reverts it to ready.
	Resolve(ctx context.Context, id uuid.UUID, succeeded bool, extra datatypes.JSON) (Payment, error)
}

var (
	ErrNotFound          = errors.New("payment_not_found")
	ErrAlreadyResolved   = errors.New("payment_already_resolved")
	ErrCreditInvoiceGone = errors.New("credit_invoice_not_found")
	ErrNotPayable        = errors.New("credit_invoice_not_payable")
)
