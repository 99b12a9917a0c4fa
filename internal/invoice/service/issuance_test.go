package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexfon/cbg/internal/calendar"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/pkg/db"
)

func periodicWindow(f *fixture) (time.Time, time.Time) {
	to := f.clk.Now().Truncate(24 * time.Hour)
	return to.AddDate(0, -1, 0), to
}

func TestIssuePeriodicInvoiceAutoPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2001", 1_000_000)
	sub := f.seedSubscription(t, customer, "sub-2001", subscriptiondomain.TypePostpaid, true)
	f.rating.usage = usageOf(300_000, 0)
	f.mis.fee = 100_000

	from, to := periodicWindow(f)
	inv, err := f.svc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
		SubscriptionID: sub.ID,
		FromDate:       from,
		ToDate:         to,
	})
	require.NoError(t, err)

	// 300000 usage + 27000 tax + 100000 subscription fee.
	assert.Equal(t, int64(427_000), inv.TotalCost)
	assert.Equal(t, int64(427_000), inv.TotalCostRounded)
	assert.Equal(t, int64(27_000), inv.TaxCost)
	assert.Equal(t, int64(100_000), inv.SubscriptionFee)
	assert.Equal(t, invoicedomain.StatusSuccess, inv.StatusCode)
	require.NotNil(t, inv.PaidAt)

	after := f.reloadCustomer(t, customer.ID)
	assert.Equal(t, int64(573_000), after.Credit)
	assert.True(t, integrity.Verify(testSecret, after, after.Checksum))
}

func TestIssuePeriodicInvoiceCarriesDebtAndDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2002", 0)
	sub := f.seedSubscription(t, customer, "sub-2002", subscriptiondomain.TypePostpaid, false)
	f.seedReadyInvoice(t, sub, 50_000)
	f.rating.usage = usageOf(300_000, 0)
	f.mis.fee = 100_000
	f.rc.discountPercent = 10
	f.rc.discountStatic = 7_000

	from, to := periodicWindow(f)
	inv, err := f.svc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
		SubscriptionID: sub.ID,
		FromDate:       from,
		ToDate:         to,
	})
	require.NoError(t, err)

	// subtotal 477000, discount 47700 + 7000, total 422300 rounded down
	// to the nearest thousand.
	assert.Equal(t, int64(50_000), inv.Debt)
	assert.Equal(t, int64(54_700), inv.Discount)
	assert.Equal(t, int64(422_300), inv.TotalCost)
	assert.Equal(t, int64(422_000), inv.TotalCostRounded)
	assert.Equal(t, int64(300), inv.DifferenceWithRounded)
	assert.Equal(t, invoicedomain.StatusReady, inv.StatusCode)

	require.NotNil(t, inv.DueDate)
	assert.True(t, inv.DueDate.Equal(calendar.AddMonths(f.clk.Now(), 2)))
}

func TestIssuePeriodicInvoiceRejectsDuplicateWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2003", 0)
	sub := f.seedSubscription(t, customer, "sub-2003", subscriptiondomain.TypePostpaid, false)
	f.rating.usage = usageOf(10_000, 0)

	from, to := periodicWindow(f)
	req := invoicedomain.IssuePeriodicRequest{SubscriptionID: sub.ID, FromDate: from, ToDate: to}

	_, err := f.svc.IssuePeriodicInvoice(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.IssuePeriodicInvoice(ctx, req)
	require.ErrorIs(t, err, invoicedomain.ErrDuplicateWindow)
}

func TestInvoiceWindowIndexRejectsSecondRow(t *testing.T) {
	f := newFixture(t)

	customer := f.seedCustomer(t, "2013", 0)
	sub := f.seedSubscription(t, customer, "sub-2013", subscriptiondomain.TypePostpaid, false)
	first := f.seedReadyInvoice(t, sub, 10_000)

	second := invoicedomain.Invoice{
		ID:               uuid.New(),
		TrackingCode:     uuid.NewString(),
		SubscriptionID:   sub.ID,
		PeriodCount:      1,
		InvoiceTypeCode:  first.InvoiceTypeCode,
		FromDate:         first.FromDate,
		ToDate:           first.ToDate,
		DueDateNotified:  invoicedomain.NoWarning,
		StatusCode:       invoicedomain.StatusReady,
		TotalCost:        10_000,
		TotalCostRounded: 10_000,
		CreatedAt:        f.clk.Now(),
	}
	second.Checksum = integrity.Checksum(testSecret, second)

	// The database itself guards the window when two writers race past
	// the pre-insert count.
	err := f.db.Create(&second).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))
}

func TestIssuePeriodicInvoiceGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, "2004", 0)
	from, to := periodicWindow(f)

	unlimited := f.seedSubscription(t, customer, "sub-2004u", subscriptiondomain.TypeUnlimited, false)
	_, err := f.svc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
		SubscriptionID: unlimited.ID, FromDate: from, ToDate: to,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidOperation)

	gone := f.seedSubscription(t, customer, "sub-2004g", subscriptiondomain.TypePostpaid, false)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", gone.ID).
		Update("is_allocated", false).Error)
	_, err = f.svc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
		SubscriptionID: gone.ID, FromDate: from, ToDate: to,
	})
	require.ErrorIs(t, err, invoicedomain.ErrSubscriptionGone)
}

func TestIssuePeriodicInvoiceChargesZeroFeeWhenMISDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2005", 0)
	sub := f.seedSubscription(t, customer, "sub-2005", subscriptiondomain.TypePostpaid, false)
	f.rating.usage = usageOf(100_000, 0)
	f.mis.err = errors.New("connection refused")

	from, to := periodicWindow(f)
	inv, err := f.svc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
		SubscriptionID: sub.ID, FromDate: from, ToDate: to,
	})
	require.NoError(t, err)
	assert.Zero(t, inv.SubscriptionFee)
	assert.Equal(t, int64(109_000), inv.TotalCost)
}

func TestIssueInterimInvoiceHoldsLockUntilSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2006", 0)
	sub := f.seedSubscription(t, customer, "sub-2006", subscriptiondomain.TypePostpaid, false)
	f.rating.usage = usageOf(40_000, 0)

	inv, err := f.svc.IssueInterimInvoice(ctx, invoicedomain.IssueInterimRequest{
		SubscriptionCode: sub.SubscriptionCode,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.TypeInterim, inv.InvoiceTypeCode)
	assert.True(t, inv.OnDemand)
	// Interims never carry the fixed subscription fee.
	assert.Zero(t, inv.SubscriptionFee)
	assert.Zero(t, f.mis.calls)

	// The advisory lock stays held while the invoice is open.
	refreshed := f.reloadSubscription(t, sub.ID)
	assert.True(t, refreshed.InterimRequest)

	_, err = f.svc.IssueInterimInvoice(ctx, invoicedomain.IssueInterimRequest{
		SubscriptionCode: sub.SubscriptionCode,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInterimInFlight)

	// Settling the interim releases the lock.
	_, err = f.svc.IncreaseCredit(ctx, customer.CustomerCode, 100_000)
	require.NoError(t, err)
	require.NoError(t, f.svc.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID))
	refreshed = f.reloadSubscription(t, sub.ID)
	assert.False(t, refreshed.InterimRequest)
}

func TestIssueInterimInvoiceAutoPayIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2007", 500_000)
	sub := f.seedSubscription(t, customer, "sub-2007", subscriptiondomain.TypePostpaid, true)
	f.rating.usage = usageOf(40_000, 0)

	inv, err := f.svc.IssueInterimInvoice(ctx, invoicedomain.IssueInterimRequest{
		SubscriptionCode: sub.SubscriptionCode,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuccess, inv.StatusCode)

	refreshed := f.reloadSubscription(t, sub.ID)
	assert.False(t, refreshed.InterimRequest)
}

func TestIssueInterimInvoiceStartsAtLastSettledBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.seedCustomer(t, "2008", 0)
	sub := f.seedSubscription(t, customer, "sub-2008", subscriptiondomain.TypePostpaid, false)
	f.rating.usage = usageOf(10_000, 0)

	settled := f.seedReadyInvoice(t, sub, 30_000)
	boundary := f.clk.Now().AddDate(0, 0, -10)
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", settled.ID).
		Updates(map[string]any{
			"status_code": invoicedomain.StatusSuccess,
			"to_date":     boundary,
		}).Error)

	inv, err := f.svc.IssueInterimInvoice(ctx, invoicedomain.IssueInterimRequest{
		SubscriptionCode: sub.SubscriptionCode,
	})
	require.NoError(t, err)
	assert.True(t, inv.FromDate.Equal(boundary))
	assert.True(t, inv.ToDate.Equal(f.clk.Now()))
}
