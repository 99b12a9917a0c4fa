package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexfon/cbg/internal/calendar"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/internal/trunk"
)

// 1404-06-01 in the civil calendar.
var firstOfMonth = time.Date(2025, time.August, 23, 4, 0, 0, 0, time.UTC)

// 1404-06-09, an ordinary mid-month day.
var midMonth = time.Date(2025, time.August, 31, 4, 0, 0, 0, time.UTC)

func TestPeriodicInvoiceJobSkipsMidMonth(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	f.seedSubscription(t, "sub-a", subscriptiondomain.TypePostpaid, nil)

	run := f.sched.newJobRun("periodic_invoice")
	require.NoError(t, f.sched.PeriodicInvoiceJob(context.Background(), run))
	assert.Empty(t, f.invoices.issued)
	assert.Empty(t, f.notifier.sent(trunk.KindPeriodicInvoice))
}

func TestPeriodicInvoiceJobClosesPreviousMonth(t *testing.T) {
	f := newSchedFixture(t, firstOfMonth)

	postpaid := f.seedSubscription(t, "sub-a", subscriptiondomain.TypePostpaid, nil)
	prepaid := f.seedSubscription(t, "sub-b", subscriptiondomain.TypePrepaid, nil)
	f.seedSubscription(t, "sub-c", subscriptiondomain.TypeUnlimited, nil)
	f.seedSubscription(t, "sub-d", subscriptiondomain.TypePostpaid, func(s *subscriptiondomain.Subscription) {
		s.IsAllocated = false
	})

	// The prepaid line was already closed by an earlier run.
	f.invoices.issueFn = func(req invoicedomain.IssuePeriodicRequest) (invoicedomain.Invoice, error) {
		if req.SubscriptionID == prepaid.ID {
			return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateWindow
		}
		due := f.clk.Now().AddDate(0, 2, 0)
		return invoicedomain.Invoice{
			ID:               uuid.New(),
			TrackingCode:     "trk-a",
			SubscriptionID:   req.SubscriptionID,
			TotalCostRounded: 427_000,
			DueDate:          &due,
			StatusCode:       invoicedomain.StatusSuccess,
		}, nil
	}

	run := f.sched.newJobRun("periodic_invoice")
	require.NoError(t, f.sched.PeriodicInvoiceJob(context.Background(), run))

	// Unlimited and deallocated lines never reach issuance.
	require.Len(t, f.invoices.issued, 2)
	from, to := calendar.PrevMonthRange(f.clk.Now())
	for _, req := range f.invoices.issued {
		assert.True(t, req.FromDate.Equal(from))
		assert.True(t, req.ToDate.Equal(to))
	}
	assert.Equal(t, postpaid.ID, f.invoices.issued[0].SubscriptionID)

	items := f.notifier.sent(trunk.KindPeriodicInvoice)
	require.Len(t, items, 1)
	assert.Equal(t, "c-sub-a", items[0]["customer_code"])
	assert.Equal(t, "sub-a", items[0]["subscription_code"])
	assert.Equal(t, "2191001000", items[0]["number"])
	assert.Equal(t, int64(427_000), items[0]["total_cost"])
	assert.Equal(t, true, items[0]["auto_payed"])
	assert.Equal(t, 1, run.processedCount)
}

func (f *schedFixture) seedUnpaidInvoice(t *testing.T, sub subscriptiondomain.Subscription, dueDate time.Time) invoicedomain.Invoice {
	t.Helper()
	inv := invoicedomain.Invoice{
		ID:               uuid.New(),
		TrackingCode:     uuid.NewString(),
		SubscriptionID:   sub.ID,
		PeriodCount:      1,
		InvoiceTypeCode:  invoicedomain.TypePeriodic,
		FromDate:         dueDate.AddDate(0, -3, 0),
		ToDate:           dueDate.AddDate(0, -2, 0),
		DueDate:          &dueDate,
		DueDateNotified:  invoicedomain.NoWarning,
		StatusCode:       invoicedomain.StatusReady,
		TotalCost:        150_000,
		TotalCostRounded: 150_000,
		CreatedAt:        f.clk.Now(),
	}
	require.NoError(t, f.db.Create(&inv).Error)
	return inv
}

func TestDueDateJobWalksTheLadder(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	sub := f.seedSubscription(t, "sub-a", subscriptiondomain.TypePostpaid, nil)
	inv := f.seedUnpaidInvoice(t, sub, f.clk.Now().AddDate(0, 0, 1))

	runLadder := func() {
		run := f.sched.newJobRun("due_date")
		require.NoError(t, f.sched.DueDateJob(context.Background(), run))
	}
	rung := func() invoicedomain.DueDateNotified {
		var current invoicedomain.Invoice
		require.NoError(t, f.db.First(&current, "id = ?", inv.ID).Error)
		return current.DueDateNotified
	}

	// One day before the due date.
	runLadder()
	assert.Equal(t, invoicedomain.FirstWarning, rung())
	require.Len(t, f.notifier.sent(trunk.KindDueDateWarning1), 1)

	// Re-running the same day must not escalate further.
	runLadder()
	assert.Equal(t, invoicedomain.FirstWarning, rung())

	f.clk.Advance(24 * time.Hour)
	runLadder()
	assert.Equal(t, invoicedomain.SecondWarning, rung())

	f.clk.Advance(2 * 24 * time.Hour)
	runLadder()
	assert.Equal(t, invoicedomain.ThirdWarning, rung())

	f.clk.Advance(12 * 24 * time.Hour)
	runLadder()
	assert.Equal(t, invoicedomain.FourthWarning, rung())
	require.Len(t, f.notifier.sent(trunk.KindDueDateWarning4), 1)

	// The top rung leaves the working set.
	runLadder()
	assert.Equal(t, invoicedomain.FourthWarning, rung())
}

func TestDueDateJobIgnoresPaidInvoices(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	sub := f.seedSubscription(t, "sub-a", subscriptiondomain.TypePostpaid, nil)
	inv := f.seedUnpaidInvoice(t, sub, f.clk.Now().AddDate(0, 0, -5))
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Update("status_code", invoicedomain.StatusSuccess).Error)

	run := f.sched.newJobRun("due_date")
	require.NoError(t, f.sched.DueDateJob(context.Background(), run))
	assert.Zero(t, run.processedCount)
}

func TestDeallocationJobWarnsThenDeallocates(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	now := f.clk.Now()

	warnAt := now.AddDate(0, 0, -340)
	violateAt := now.AddDate(0, 0, -400)
	freshAt := now.AddDate(0, 0, -10)

	toWarn := f.seedSubscription(t, "sub-warn", subscriptiondomain.TypePostpaid, func(s *subscriptiondomain.Subscription) {
		s.LatestPaidAt = &warnAt
	})
	f.seedSubscription(t, "sub-violate", subscriptiondomain.TypePostpaid, func(s *subscriptiondomain.Subscription) {
		s.LatestPaidAt = &violateAt
		s.DeallocateWarned = true
	})
	f.seedSubscription(t, "sub-fresh", subscriptiondomain.TypePostpaid, func(s *subscriptiondomain.Subscription) {
		s.LatestPaidAt = &freshAt
	})

	run := f.sched.newJobRun("deallocation")
	require.NoError(t, f.sched.DeallocationJob(context.Background(), run))

	assert.Equal(t, []string{"sub-violate"}, f.subs.deallocated)

	var warned subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&warned, "id = ?", toWarn.ID).Error)
	assert.True(t, warned.DeallocateWarned)
	assert.True(t, integrity.Verify(testSecret, warned, warned.Checksum))

	warnItems := f.notifier.sent(trunk.KindDeallocationWarning1)
	require.Len(t, warnItems, 1)
	assert.Equal(t, "sub-warn", warnItems[0]["subscription_code"])
	deallocItems := f.notifier.sent(trunk.KindDeallocationWarning2)
	require.Len(t, deallocItems, 1)
	assert.Equal(t, "sub-violate", deallocItems[0]["subscription_code"])
	assert.Equal(t, 2, run.processedCount)
}

func TestDeallocationJobAgesNeverPaidLinesFromCreation(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	now := f.clk.Now()

	f.seedSubscription(t, "sub-never-paid", subscriptiondomain.TypePrepaid, func(s *subscriptiondomain.Subscription) {
		s.CreatedAt = now.AddDate(0, 0, -400)
		s.DeallocateWarned = true
	})
	young := f.seedSubscription(t, "sub-young", subscriptiondomain.TypePostpaid, func(s *subscriptiondomain.Subscription) {
		s.CreatedAt = now.AddDate(0, 0, -30)
	})

	run := f.sched.newJobRun("deallocation")
	require.NoError(t, f.sched.DeallocationJob(context.Background(), run))

	assert.Equal(t, []string{"sub-never-paid"}, f.subs.deallocated)
	assert.Equal(t, 1, run.processedCount)

	var untouched subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&untouched, "id = ?", young.ID).Error)
	assert.False(t, untouched.DeallocateWarned)
}

func (f *schedFixture) seedActivePackageInvoice(t *testing.T, sub subscriptiondomain.Subscription, pkg *packagedomain.Package, autoRenew bool, expiredAt time.Time) invoicedomain.PackageInvoice {
	t.Helper()
	pi := invoicedomain.PackageInvoice{
		ID:             uuid.New(),
		TrackingCode:   uuid.NewString(),
		SubscriptionID: sub.ID,
		TotalCost:      90_000,
		TotalValue:     120_000,
		ExpiredAt:      &expiredAt,
		IsActive:       true,
		AutoRenew:      autoRenew,
		StatusCode:     invoicedomain.StatusSuccess,
		CreatedAt:      f.clk.Now(),
	}
	if pkg != nil {
		pi.PackageID = &pkg.ID
	}
	require.NoError(t, f.db.Create(&pi).Error)
	return pi
}

func TestPackageExpiryJobExpiresAndRenews(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	lapsed := f.clk.Now().Add(-time.Hour)

	renewPkg := packagedomain.Package{ID: uuid.New(), PackageCode: "pkg-renew", PackageName: "renew", PackageDue: 30, PackagePrice: 90_000, PackageValue: 120_000, IsActive: true}
	brokenPkg := packagedomain.Package{ID: uuid.New(), PackageCode: "pkg-broken", PackageName: "broken", PackageDue: 30, PackagePrice: 90_000, PackageValue: 120_000, IsActive: true}
	require.NoError(t, f.db.Create(&renewPkg).Error)
	require.NoError(t, f.db.Create(&brokenPkg).Error)

	subRenew := f.seedSubscription(t, "sub-renew", subscriptiondomain.TypePrepaid, nil)
	subPlain := f.seedSubscription(t, "sub-plain", subscriptiondomain.TypePrepaid, nil)
	subBroken := f.seedSubscription(t, "sub-broken", subscriptiondomain.TypePrepaid, nil)

	f.seedActivePackageInvoice(t, subRenew, &renewPkg, true, lapsed)
	plain := f.seedActivePackageInvoice(t, subPlain, nil, false, lapsed)
	f.seedActivePackageInvoice(t, subBroken, &brokenPkg, true, lapsed)

	remainder := int64(40_000)
	f.invoices.expireFn = func(id uuid.UUID) (invoicedomain.PackageInvoice, error) {
		pi := invoicedomain.PackageInvoice{ID: id, IsExpired: true}
		if id == plain.ID {
			pi.ExpiredValue = &remainder
		}
		return pi, nil
	}
	f.invoices.renewFn = func(req invoicedomain.PurchasePackageRequest) (invoicedomain.PackageInvoice, error) {
		if req.PackageCode == "pkg-broken" {
			return invoicedomain.PackageInvoice{}, invoicedomain.ErrInsufficientCredit
		}
		return invoicedomain.PackageInvoice{ID: uuid.New(), TrackingCode: "trk-renewed"}, nil
	}

	run := f.sched.newJobRun("package_expiry")
	err := f.sched.PackageExpiryJob(context.Background(), run)
	require.NoError(t, err)

	assert.Len(t, f.invoices.expired, 3)

	renewed := f.notifier.sent(trunk.KindPrepaidRenewed)
	require.Len(t, renewed, 1)
	assert.Equal(t, "sub-renew", renewed[0]["subscription_code"])
	assert.Equal(t, "trk-renewed", renewed[0]["tracking_code"])

	// The plain expiry and the failed renewal both surface as expired.
	expiredItems := f.notifier.sent(trunk.KindPrepaidExpired)
	require.Len(t, expiredItems, 2)
	withValue := 0
	for _, item := range expiredItems {
		if v, ok := item["expired_value"]; ok {
			withValue++
			assert.Equal(t, remainder, v)
		}
	}
	assert.Equal(t, 1, withValue)

	// The failed renewal is parked for replay.
	require.Len(t, f.jobs.captures, 1)
	assert.Equal(t, "PackageService", f.jobs.captures[0].ServiceName)
	assert.ErrorIs(t, f.jobs.captures[0].Err, invoicedomain.ErrInsufficientCredit)
}

func TestProfitJobRunsOnFirstOfMonth(t *testing.T) {
	f := newSchedFixture(t, firstOfMonth)

	run := f.sched.newJobRun("profit")
	require.NoError(t, f.sched.ProfitJob(context.Background(), run))

	from, to := calendar.PrevMonthRange(f.clk.Now())
	require.Len(t, f.profits.windows, 1)
	assert.True(t, f.profits.windows[0][0].Equal(from))
	assert.True(t, f.profits.windows[0][1].Equal(to))
	assert.Equal(t, 1, run.processedCount)
}

func TestInterimWatchdogJobReleasesStaleLocks(t *testing.T) {
	f := newSchedFixture(t, midMonth)
	f.subs.staleReleased = 4

	run := f.sched.newJobRun("interim_watchdog")
	require.NoError(t, f.sched.InterimWatchdogJob(context.Background(), run))

	assert.True(t, f.subs.staleCutoff.Equal(f.clk.Now().Add(-3*time.Hour)))
	assert.Equal(t, 4, run.processedCount)
}

func TestIntegrityCheckJobFlagsDrift(t *testing.T) {
	f := newSchedFixture(t, midMonth)

	sound := customerdomain.Customer{ID: uuid.New(), CustomerCode: "1001", Credit: 50_000, CreatedAt: f.clk.Now()}
	sound.Checksum = integrity.Checksum(testSecret, sound)
	require.NoError(t, f.db.Create(&sound).Error)

	drifted := customerdomain.Customer{ID: uuid.New(), CustomerCode: "1002", Credit: 50_000, CreatedAt: f.clk.Now()}
	drifted.Checksum = integrity.Checksum(testSecret, drifted)
	drifted.Credit = 999_999
	require.NoError(t, f.db.Create(&drifted).Error)

	bb := invoicedomain.BaseBalanceInvoice{
		ID:             uuid.New(),
		TrackingCode:   "bb-1",
		SubscriptionID: uuid.New(),
		OperationType:  invoicedomain.OperationIncrease,
		TotalCost:      30_000,
		StatusCode:     invoicedomain.StatusSuccess,
		CreatedAt:      f.clk.Now(),
	}
	bb.Checksum = integrity.Checksum(testSecret, bb)
	bb.TotalCost = 1
	require.NoError(t, f.db.Create(&bb).Error)

	pkg := invoicedomain.PackageInvoice{
		ID:             uuid.New(),
		TrackingCode:   "pkg-1",
		SubscriptionID: uuid.New(),
		TotalCost:      90_000,
		TotalValue:     120_000,
		IsActive:       true,
		StatusCode:     invoicedomain.StatusSuccess,
		CreatedAt:      f.clk.Now(),
	}
	pkg.Checksum = integrity.Checksum(testSecret, pkg)
	require.NoError(t, f.db.Create(&pkg).Error)

	run := f.sched.newJobRun("integrity_check")
	require.NoError(t, f.sched.IntegrityCheckJob(context.Background(), run))

	// Two rows drifted after their checksum was taken; the sound
	// customer and package rows pass.
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.IntegrityFailures))
	assert.Equal(t, 4, run.processedCount)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := newSchedFixture(t, firstOfMonth)
	f.sched.cfg.EnabledJobs = []string{"failed_jobs"}
	f.jobs.replayed = 2
	f.seedSubscription(t, "sub-a", subscriptiondomain.TypePostpaid, nil)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	// Only the enabled job ran; no invoices were issued.
	assert.Empty(t, f.invoices.issued)

	var runs []CommandRun
	require.NoError(t, f.db.Order("started_at").Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed_jobs", runs[0].JobName)
	assert.Equal(t, 2, runs[0].ProcessedCount)
	require.NotNil(t, runs[0].FinishedAt)
}
