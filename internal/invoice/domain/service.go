package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type IssuePeriodicRequest struct {
	SubscriptionID uuid.UUID
	FromDate       time.Time
	ToDate         time.Time
	Description    string
}

type IssueInterimRequest struct {
	SubscriptionCode string
	Description      string
}

type BaseBalanceRequest struct {
	SubscriptionCode string
	OperationType    OperationType
	Amount           int64
}

type PurchasePackageRequest struct {
	SubscriptionCode string
	PackageCode      string
	AutoRenew        bool
}

type Service interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	IssuePeriodicInvoice(ctx context.Context, req IssuePeriodicRequest) (Invoice, error)
	IssueInterimInvoice(ctx context.Context, req IssueInterimRequest) (Invoice, error)
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
	VerifyAndRepair(ctx context.Context, branchCode, subscriptionCode string) (bool, error)

	IssueBaseBalanceInvoice(ctx context.Context, req BaseBalanceRequest) (BaseBalanceInvoice, error)
	PurchasePackage(ctx context.Context, req PurchasePackageRequest) (PackageInvoice, error)
	ExpirePackageInvoice(ctx context.Context, id uuid.UUID, at time.Time) (PackageInvoice, error)

	// SettleFromCredit debits stored customer credit against the credit
	// invoice backing the given ledger row.
	SettleFromCredit(ctx context.Context, usedFor UsedFor, usedForID uuid.UUID) error
	// RevokeCreditInvoice returns a pending credit invoice to ready
	// without touching customer credit.
	RevokeCreditInvoice(ctx context.Context, creditInvoiceID uuid.UUID) error
	IncreaseCredit(ctx context.Context, customerCode string, amount int64) (CreditInvoice, error)
}

var (
	ErrNotFound            = errors.New("invoice_not_found")
	ErrDuplicateWindow     = errors.New("invoice_window_already_issued")
	ErrInterimInFlight     = errors.New("interim_invoice_in_flight")
	ErrSubscriptionGone    = errors.New("subscription_deallocated")
	ErrNotDeletable        = errors.New("invoice_not_deletable")
	ErrInsufficientCredit  = errors.New("insufficient_credit")
	ErrInvalidTransition   = errors.New("invalid_status_transition")
	ErrInvalidOperation    = errors.New("invalid_operation_type")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrCreditDrift         = errors.New("customer_credit_drift")
	ErrSettlementContended = errors.New("settlement_contended")
)
