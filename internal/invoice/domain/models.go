// Package domain contains the invoice ledger models shared by the
// issuance engine, the payment engine, and the scheduler jobs.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is shared across invoices and credit invoices.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusRevoke  Status = "revoke"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusPending, StatusSuccess, StatusRevoke:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusRevoke }

// InvoiceType discriminates calendar-month closes from on-demand closes.
type InvoiceType string

const (
	TypePeriodic InvoiceType = "periodic"
	TypeInterim  InvoiceType = "interim"
)

// DueDateNotified tracks the escalation ladder for unpaid invoices.
type DueDateNotified string

const (
	NoWarning     DueDateNotified = "no_warning"
	FirstWarning  DueDateNotified = "first_warning"
	SecondWarning DueDateNotified = "second_warning"
	ThirdWarning  DueDateNotified = "third_warning"
	FourthWarning DueDateNotified = "fourth_warning"
)

// Next returns the following rung, or the same value at the top.
func (d DueDateNotified) Next() DueDateNotified {
	switch d {
	case NoWarning:
		return FirstWarning
	case FirstWarning:
		return SecondWarning
	case SecondWarning:
		return ThirdWarning
	case ThirdWarning:
		return FourthWarning
	}
	return FourthWarning
}

// OperationType is the direction of a credit movement.
type OperationType string

const (
	OperationIncrease OperationType = "increase"
	OperationDecrease OperationType = "decrease"
)

// UsedFor tags which ledger kind a credit invoice settles.
type UsedFor string

const (
	UsedForInvoice            UsedFor = "invoice"
	UsedForBaseBalanceInvoice UsedFor = "base_balance_invoice"
	UsedForPackageInvoice     UsedFor = "package_invoice"
)

// CreditInvoice is the settlement vehicle. Every other invoice kind
// reaches success through exactly one of these.
type CreditInvoice struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TrackingCode    string     `gorm:"type:text;not null;uniqueIndex"`
	CustomerID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	OperationType   OperationType `gorm:"type:text;not null"`
	UsedFor         *UsedFor   `gorm:"type:text;index:idx_credit_invoices_used_for"`
	UsedForID       *uuid.UUID `gorm:"type:uuid;index:idx_credit_invoices_used_for"`
	TotalCost       int64      `gorm:"type:decimal(20,2);not null"`
	StatusCode      Status     `gorm:"type:text;not null;default:'ready';index"`
	PayCoolDown     *time.Time `gorm:""`
	PaidAt          *time.Time `gorm:""`
	UpdatedStatusAt time.Time  `gorm:"not null"`
	Checksum        string     `gorm:"type:varchar(512)"`
	CreatedAt       time.Time  `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditInvoice) TableName() string { return "credit_invoices" }

func (c CreditInvoice) IntegrityModelName() string { return "credit_invoice" }

func (c CreditInvoice) IntegrityFields() []any {
	usedFor := ""
	if c.UsedFor != nil {
		usedFor = string(*c.UsedFor)
	}
	usedForID := ""
	if c.UsedForID != nil {
		usedForID = c.UsedForID.String()
	}
	return []any{
		c.ID, c.TrackingCode, c.CustomerID, string(c.OperationType),
		usedFor, usedForID, c.TotalCost, string(c.StatusCode),
	}
}

// UsageColumns carries per-class call usage (seconds) and cost for one
// charging mode. Embedded twice in Invoice, once per mode.
type UsageColumns struct {
	LandlinesLocalUsage        int64 `gorm:"not null;default:0"`
	LandlinesLocalCost         int64 `gorm:"type:decimal(20,2);not null;default:0"`
	LandlinesLongDistanceUsage int64 `gorm:"not null;default:0"`
	LandlinesLongDistanceCost  int64 `gorm:"type:decimal(20,2);not null;default:0"`
	LandlinesCorporateUsage    int64 `gorm:"not null;default:0"`
	LandlinesCorporateCost     int64 `gorm:"type:decimal(20,2);not null;default:0"`
	MobileUsage                int64 `gorm:"not null;default:0"`
	MobileCost                 int64 `gorm:"type:decimal(20,2);not null;default:0"`
	InternationalUsage         int64 `gorm:"not null;default:0"`
	InternationalCost          int64 `gorm:"type:decimal(20,2);not null;default:0"`
}

// TotalCost sums the per-class costs.
func (u UsageColumns) TotalCost() int64 {
	return u.LandlinesLocalCost + u.LandlinesLongDistanceCost +
		u.LandlinesCorporateCost + u.MobileCost + u.InternationalCost
}

// TotalUsage sums the per-class usage seconds.
func (u UsageColumns) TotalUsage() int64 {
	return u.LandlinesLocalUsage + u.LandlinesLongDistanceUsage +
		u.LandlinesCorporateUsage + u.MobileUsage + u.InternationalUsage
}

// Invoice is a periodic or interim close of a billing window.
type Invoice struct {
	ID                  uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TrackingCode        string          `gorm:"type:text;not null;uniqueIndex"`
	SubscriptionID      uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_invoices_window,priority:1"`
	PeriodCount         int             `gorm:"not null;default:1"`
	InvoiceTypeCode     InvoiceType     `gorm:"type:text;not null;uniqueIndex:idx_invoices_window,priority:2"`
	FromDate            time.Time       `gorm:"not null;uniqueIndex:idx_invoices_window,priority:3"`
	ToDate              time.Time       `gorm:"not null;uniqueIndex:idx_invoices_window,priority:4"`
	DueDate             *time.Time      `gorm:"index"`
	DueDateNotified     DueDateNotified `gorm:"type:text;not null;default:'no_warning'"`
	TaxPercent          int             `gorm:"not null;default:0"`
	TaxCost             int64           `gorm:"type:decimal(20,2);not null;default:0"`
	Discount            int64           `gorm:"type:decimal(20,2);not null;default:0"`
	DiscountDescription string          `gorm:"type:text"`
	Debt                int64           `gorm:"type:decimal(20,2);not null;default:0"`
	SubscriptionFee     int64           `gorm:"type:decimal(20,2);not null;default:0"`
	Postpaid            UsageColumns    `gorm:"embedded;embeddedPrefix:postpaid_"`
	Prepaid             UsageColumns    `gorm:"embedded;embeddedPrefix:prepaid_"`
	StatusCode          Status          `gorm:"type:text;not null;default:'ready';index"`
	TotalCost           int64           `gorm:"type:decimal(20,2);not null"`
	TotalCostRounded    int64           `gorm:"type:decimal(20,2);not null;default:0"`
	DifferenceWithRounded int64         `gorm:"type:decimal(20,2);not null;default:0"`
	CreditInvoiceID     *uuid.UUID      `gorm:"type:uuid;index"`
	OnDemand            bool            `gorm:"not null;default:false"`
	PaidAt              *time.Time      `gorm:""`
	Description         string          `gorm:"type:text"`
	Checksum            string          `gorm:"type:varchar(512)"`
	CreatedAt           time.Time       `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

func (i Invoice) IntegrityModelName() string { return "invoice" }

func (i Invoice) IntegrityFields() []any {
	return []any{
		i.ID, i.TrackingCode, i.SubscriptionID, string(i.InvoiceTypeCode),
		i.FromDate, i.ToDate, i.TaxCost, i.Discount, i.Debt,
		i.SubscriptionFee, i.TotalCost, string(i.StatusCode),
	}
}

// BaseBalanceInvoice moves credit in or out of a customer account
// without a billing window.
type BaseBalanceInvoice struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TrackingCode    string        `gorm:"type:text;not null;uniqueIndex"`
	SubscriptionID  uuid.UUID     `gorm:"type:uuid;not null;index"`
	OperationType   OperationType `gorm:"type:text;not null"`
	TotalCost       int64         `gorm:"type:decimal(20,2);not null"`
	StatusCode      Status        `gorm:"type:text;not null;default:'ready';index"`
	CreditInvoiceID *uuid.UUID    `gorm:"type:uuid;index"`
	PaidAt          *time.Time    `gorm:""`
	Checksum        string        `gorm:"type:varchar(512)"`
	CreatedAt       time.Time     `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BaseBalanceInvoice) TableName() string { return "base_balance_invoices" }

func (b BaseBalanceInvoice) IntegrityModelName() string { return "base_balance_invoice" }

func (b BaseBalanceInvoice) IntegrityFields() []any {
	return []any{
		b.ID, b.TrackingCode, b.SubscriptionID,
		string(b.OperationType), b.TotalCost, string(b.StatusCode),
	}
}

// PackageInvoice is a purchased prepaid allowance.
type PackageInvoice struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TrackingCode    string     `gorm:"type:text;not null;uniqueIndex"`
	SubscriptionID  uuid.UUID  `gorm:"type:uuid;not null;index"`
	PackageID       *uuid.UUID `gorm:"type:uuid;index"`
	TotalCost       int64      `gorm:"type:decimal(20,2);not null"`
	TotalValue      int64      `gorm:"type:decimal(20,2);not null"`
	ExpiredValue    *int64     `gorm:"type:decimal(20,2)"`
	ExpiredAt       *time.Time `gorm:"index"`
	IsExpired       bool       `gorm:"not null;default:false;index"`
	IsActive        bool       `gorm:"not null;default:false;index"`
	AutoRenew       bool       `gorm:"not null;default:false"`
	StatusCode      Status     `gorm:"type:text;not null;default:'ready';index"`
	CreditInvoiceID *uuid.UUID `gorm:"type:uuid;index"`
	PaidAt          *time.Time `gorm:""`
	Checksum        string     `gorm:"type:varchar(512)"`
	CreatedAt       time.Time  `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PackageInvoice) TableName() string { return "package_invoices" }

func (p PackageInvoice) IntegrityModelName() string { return "package_invoice" }

func (p PackageInvoice) IntegrityFields() []any {
	return []any{
		p.ID, p.TrackingCode, p.SubscriptionID, p.TotalCost,
		p.TotalValue, p.IsExpired, p.IsActive, p.AutoRenew, string(p.StatusCode),
	}
}
