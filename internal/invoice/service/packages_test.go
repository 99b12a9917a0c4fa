package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

func (f *fixture) seedPackage(t *testing.T, code string, price, value int64, due int, active bool) packagedomain.Package {
	t.Helper()
	pkg := packagedomain.Package{
		ID:               uuid.New(),
		PackageCode:      code,
		PackageName:      "bundle " + code,
		PackageDue:       due,
		PackagePurePrice: price,
		PackagePrice:     price,
		PackageValue:     value,
		IsActive:         active,
		CreatedAt:        f.clk.Now(),
	}
	pkg.Checksum = integrity.Checksum(testSecret, pkg)
	require.NoError(t, f.db.Create(&pkg).Error)
	// gorm Create substitutes the `default:true` tag for a zero-valued
	// IsActive and rewrites the struct, so persist false explicitly.
	require.NoError(t, f.db.Model(&pkg).Update("is_active", active).Error)
	pkg.IsActive = active
	return pkg
}

func TestPurchasePackageSettlesAndActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3001", 200_000)
	sub := f.seedSubscription(t, customer, "sub-3001", subscriptiondomain.TypePrepaid, false)
	f.seedPackage(t, "pkg-120", 90_000, 120_000, 30, true)

	pkgInv, err := f.svc.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
		SubscriptionCode: sub.SubscriptionCode,
		PackageCode:      "pkg-120",
		AutoRenew:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, pkgInv.StatusCode)
	assert.True(t, pkgInv.IsActive)
	assert.True(t, pkgInv.AutoRenew)
	require.NotNil(t, pkgInv.PaidAt)
	require.NotNil(t, pkgInv.ExpiredAt)
	assert.True(t, pkgInv.ExpiredAt.Equal(f.clk.Now().AddDate(0, 0, 30)))
	assert.True(t, integrity.Verify(testSecret, pkgInv, pkgInv.Checksum))

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(110_000), after.Credit)

	// The allowance lands in the rating engine with the window's expiry.
	require.Len(t, f.rating.balances, 1)
	assert.Equal(t, sub.SubscriptionCode, f.rating.balances[0].Account)
	assert.Equal(t, int64(120_000), f.rating.balances[0].Value)
}

func TestPurchasePackageInsufficientCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3002", 10_000)
	sub := f.seedSubscription(t, customer, "sub-3002", subscriptiondomain.TypePrepaid, false)
	f.seedPackage(t, "pkg-a", 90_000, 120_000, 30, true)

	pkgInv, err := f.svc.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
		SubscriptionCode: sub.SubscriptionCode,
		PackageCode:      "pkg-a",
	})
	require.ErrorIs(t, err, invoicedomain.ErrInsufficientCredit)

	// The invoice survives as ready so a later top-up can settle it.
	var stored invoicedomain.PackageInvoice
	require.NoError(t, f.db.First(&stored, "id = ?", pkgInv.ID).Error)
	assert.Equal(t, invoicedomain.StatusReady, stored.StatusCode)
	assert.False(t, stored.IsActive)
	assert.Empty(t, f.rating.balances)
}

func TestPurchasePackageRejectsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3003", 500_000)
	sub := f.seedSubscription(t, customer, "sub-3003", subscriptiondomain.TypePrepaid, false)
	f.seedPackage(t, "pkg-off", 90_000, 120_000, 30, false)

	_, err := f.svc.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
		SubscriptionCode: sub.SubscriptionCode,
		PackageCode:      "pkg-off",
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidOperation)
}

func TestExpirePackageInvoiceCapturesRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3004", 200_000)
	sub := f.seedSubscription(t, customer, "sub-3004", subscriptiondomain.TypePrepaid, false)
	f.seedPackage(t, "pkg-b", 90_000, 120_000, 30, true)

	pkgInv, err := f.svc.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
		SubscriptionCode: sub.SubscriptionCode,
		PackageCode:      "pkg-b",
	})
	require.NoError(t, err)

	// 80000 of the allowance was consumed during the window.
	f.rating.usage = usageOf(0, 80_000)
	at := f.clk.Now().AddDate(0, 0, 30)
	f.clk.Set(at)

	expired, err := f.svc.ExpirePackageInvoice(ctx, pkgInv.ID, at)
	require.NoError(t, err)
	assert.True(t, expired.IsExpired)
	assert.False(t, expired.IsActive)
	require.NotNil(t, expired.ExpiredValue)
	assert.Equal(t, int64(40_000), *expired.ExpiredValue)
	assert.True(t, integrity.Verify(testSecret, expired, expired.Checksum))

	// Expiry is idempotent.
	again, err := f.svc.ExpirePackageInvoice(ctx, pkgInv.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, *expired.ExpiredValue, *again.ExpiredValue)
}

func TestRenewReplayHandlerPurchasesPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3008", 200_000)
	sub := f.seedSubscription(t, customer, "sub-3008", subscriptiondomain.TypePrepaid, false)
	f.seedPackage(t, "pkg-replay", 90_000, 120_000, 30, true)

	handler, ok := f.jobs.handlers["PackageService/renew"]
	require.True(t, ok, "renewal replay handler must be registered")

	args, err := json.Marshal(map[string]string{
		"subscription_code": sub.SubscriptionCode,
		"package_code":      "pkg-replay",
	})
	require.NoError(t, err)
	require.NoError(t, handler(ctx, args))

	var pkgInv invoicedomain.PackageInvoice
	require.NoError(t, f.db.First(&pkgInv, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, invoicedomain.StatusSuccess, pkgInv.StatusCode)
	assert.True(t, pkgInv.AutoRenew)
	assert.True(t, pkgInv.IsActive)
}

func TestIssueBaseBalanceIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3005", 20_000)
	sub := f.seedSubscription(t, customer, "sub-3005", subscriptiondomain.TypePostpaid, false)

	bb, err := f.svc.IssueBaseBalanceInvoice(ctx, invoicedomain.BaseBalanceRequest{
		SubscriptionCode: sub.SubscriptionCode,
		OperationType:    invoicedomain.OperationIncrease,
		Amount:           50_000,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, bb.StatusCode)
	assert.True(t, integrity.Verify(testSecret, bb, bb.Checksum))
	require.NotNil(t, bb.CreditInvoiceID)

	var credit invoicedomain.CreditInvoice
	require.NoError(t, f.db.First(&credit, "id = ?", *bb.CreditInvoiceID).Error)
	assert.Equal(t, invoicedomain.OperationIncrease, credit.OperationType)
	assert.Equal(t, invoicedomain.StatusSuccess, credit.StatusCode)

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(70_000), after.Credit)
	assert.True(t, integrity.Verify(testSecret, after, after.Checksum))
}

func TestIssueBaseBalanceDecrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3006", 100_000)
	sub := f.seedSubscription(t, customer, "sub-3006", subscriptiondomain.TypePostpaid, false)

	bb, err := f.svc.IssueBaseBalanceInvoice(ctx, invoicedomain.BaseBalanceRequest{
		SubscriptionCode: sub.SubscriptionCode,
		OperationType:    invoicedomain.OperationDecrease,
		Amount:           30_000,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, bb.StatusCode)
	assert.True(t, integrity.Verify(testSecret, bb, bb.Checksum))

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(70_000), after.Credit)
}

func TestIssueBaseBalanceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "3007", 0)
	sub := f.seedSubscription(t, customer, "sub-3007", subscriptiondomain.TypePostpaid, false)

	_, err := f.svc.IssueBaseBalanceInvoice(ctx, invoicedomain.BaseBalanceRequest{
		SubscriptionCode: sub.SubscriptionCode,
		OperationType:    invoicedomain.OperationIncrease,
		Amount:           0,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidAmount)

	_, err = f.svc.IssueBaseBalanceInvoice(ctx, invoicedomain.BaseBalanceRequest{
		SubscriptionCode: sub.SubscriptionCode,
		OperationType:    "sideways",
		Amount:           10_000,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidOperation)
}
