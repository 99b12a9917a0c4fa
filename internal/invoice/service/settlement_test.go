package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

func TestSettleFromCreditPaysInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1001", 1_000_000)
	sub := f.seedSubscription(t, customer, "sub-1001", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 427_000)

	require.NoError(t, f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID))

	paid, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, paid.StatusCode)
	require.NotNil(t, paid.PaidAt)
	require.NotNil(t, paid.CreditInvoiceID)
	assert.True(t, integrity.Verify(testSecret, paid, paid.Checksum))

	var credit invoicedomain.CreditInvoice
	require.NoError(t, f.db.First(&credit, "id = ?", *paid.CreditInvoiceID).Error)
	assert.Equal(t, invoicedomain.StatusSuccess, credit.StatusCode)
	assert.Equal(t, invoicedomain.OperationDecrease, credit.OperationType)
	assert.Equal(t, int64(427_000), credit.TotalCost)
	assert.True(t, integrity.Verify(testSecret, credit, credit.Checksum))

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(573_000), after.Credit)
	assert.True(t, integrity.Verify(testSecret, after, after.Checksum))

	refreshed := f.reloadSubscription(t, sub.ID)
	require.NotNil(t, refreshed.LatestPaidAt)
	assert.True(t, refreshed.LatestPaidAt.Equal(f.clk.Now()))
}

func TestSettleFromCreditInsufficientCreditRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1002", 100_000)
	sub := f.seedSubscription(t, customer, "sub-1002", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 427_000)

	err := f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInsufficientCredit)

	unpaid, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusReady, unpaid.StatusCode)

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(100_000), after.Credit)

	// The pending credit invoice opened inside the transaction must not
	// survive the rollback.
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.CreditInvoice{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSettleFromCreditIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1003", 500_000)
	sub := f.seedSubscription(t, customer, "sub-1003", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 200_000)

	require.NoError(t, f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID))
	require.NoError(t, f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID))

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(300_000), after.Credit)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.CreditInvoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSettleFromCreditReusesPendingCreditInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1004", 500_000)
	sub := f.seedSubscription(t, customer, "sub-1004", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 200_000)

	// A gateway attempt left a pending credit invoice behind.
	usedFor := invoicedomain.UsedForInvoice
	now := f.clk.Now()
	pending := invoicedomain.CreditInvoice{
		ID:              uuid.New(),
		TrackingCode:    uuid.NewString(),
		CustomerID:      customer.ID,
		OperationType:   invoicedomain.OperationDecrease,
		UsedFor:         &usedFor,
		UsedForID:       &inv.ID,
		TotalCost:       200_000,
		StatusCode:      invoicedomain.StatusPending,
		UpdatedStatusAt: now,
		CreatedAt:       now,
	}
	pending.Checksum = integrity.Checksum(testSecret, pending)
	require.NoError(t, f.db.Create(&pending).Error)

	require.NoError(t, f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID))

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.CreditInvoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var credit invoicedomain.CreditInvoice
	require.NoError(t, f.db.First(&credit, "id = ?", pending.ID).Error)
	assert.Equal(t, invoicedomain.StatusSuccess, credit.StatusCode)

	paid, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, paid.CreditInvoiceID)
	assert.Equal(t, pending.ID, *paid.CreditInvoiceID)
}

func TestSettleFromCreditRejectsRevokedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1005", 500_000)
	sub := f.seedSubscription(t, customer, "sub-1005", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 200_000)
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Update("status_code", invoicedomain.StatusRevoke).Error)

	err := f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestSettleFromCreditDetectsCreditDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1006", 500_000)
	sub := f.seedSubscription(t, customer, "sub-1006", subscriptiondomain.TypePostpaid, false)
	inv := f.seedReadyInvoice(t, sub, 200_000)

	// Tamper with the balance without refreshing the checksum.
	require.NoError(t, f.db.Model(&customerdomain.Customer{}).
		Where("id = ?", customer.ID).
		Update("credit", 9_000_000).Error)

	err := f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrCreditDrift)
}

func TestSettleFromCreditUnknownTarget(t *testing.T) {
	f := newFixture(t)

	err := f.svc.SettleFromCredit(context.Background(), invoicedomain.UsedForInvoice, uuid.New())
	require.ErrorIs(t, err, invoicedomain.ErrNotFound)
}

func TestRevokeCreditInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1007", 0)
	now := f.clk.Now()
	pending := invoicedomain.CreditInvoice{
		ID:              uuid.New(),
		TrackingCode:    uuid.NewString(),
		CustomerID:      customer.ID,
		OperationType:   invoicedomain.OperationDecrease,
		TotalCost:       50_000,
		StatusCode:      invoicedomain.StatusPending,
		UpdatedStatusAt: now,
		CreatedAt:       now,
	}
	require.NoError(t, f.db.Create(&pending).Error)

	require.NoError(t, f.svc.RevokeCreditInvoice(ctx, pending.ID))

	var credit invoicedomain.CreditInvoice
	require.NoError(t, f.db.First(&credit, "id = ?", pending.ID).Error)
	assert.Equal(t, invoicedomain.StatusReady, credit.StatusCode)
	assert.True(t, integrity.Verify(testSecret, credit, credit.Checksum))

	// Only pending rows can be returned to ready.
	err := f.svc.RevokeCreditInvoice(ctx, pending.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestIncreaseCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "1008", 20_000)

	credit, err := f.svc.IncreaseCredit(ctx, "1008", 80_000)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, credit.StatusCode)
	assert.Equal(t, invoicedomain.OperationIncrease, credit.OperationType)
	require.NotNil(t, credit.PaidAt)
	assert.True(t, integrity.Verify(testSecret, credit, credit.Checksum))

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(100_000), after.Credit)
	assert.True(t, integrity.Verify(testSecret, after, after.Checksum))
}

func TestIncreaseCreditValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCustomer(t, "1009", 0)

	_, err := f.svc.IncreaseCredit(ctx, "1009", 0)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidAmount)

	_, err = f.svc.IncreaseCredit(ctx, "1009", -10)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidAmount)

	_, err = f.svc.IncreaseCredit(ctx, "no-such-customer", 10_000)
	require.ErrorIs(t, err, customerdomain.ErrNotFound)
}
