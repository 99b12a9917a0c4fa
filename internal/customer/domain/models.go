// Package domain contains persistence models for customers.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Customer owns subscriptions and a stored credit balance. Credit equals the
// signed sum of all successful credit invoices for the customer.
type Customer struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	CustomerCode string    `gorm:"type:text;not null;uniqueIndex"`
	Credit       int64     `gorm:"type:decimal(20,2);not null;default:0"`
	Checksum     string    `gorm:"type:varchar(512)"`
	CreatedAt    time.Time `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Customer) TableName() string { return "customers" }

func (c Customer) IntegrityModelName() string { return "customer" }

func (c Customer) IntegrityFields() []any {
	return []any{c.ID, c.CustomerCode, c.Credit}
}

// PrimeCode derives the customer's rating-engine account code.
func (c Customer) PrimeCode() string {
	return fmt.Sprintf("prime-%06s", c.CustomerCode)
}

type Service interface {
	GetByCode(ctx context.Context, customerCode string) (Customer, error)
	Create(ctx context.Context, customerCode string) (Customer, error)
	Delete(ctx context.Context, customerCode string) error
}

var (
	ErrNotFound      = errors.New("customer_not_found")
	ErrDuplicateCode = errors.New("duplicate_customer_code")
	ErrInvalidCode   = errors.New("invalid_customer_code")
	ErrProtected     = errors.New("customer_has_financial_history")
)
