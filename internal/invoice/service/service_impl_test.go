package service

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/observability/metrics"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/internal/tracking"
	"github.com/nexfon/cbg/internal/trunk"
)

const testSecret = "pepper"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// sqlite has no row locks; strip the clause so raw SELECTs run.
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(strings.ReplaceAll(sql, "FOR UPDATE", ""))
		}
	}
	require.NoError(t, gdb.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate))
	require.NoError(t, gdb.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate))

	require.NoError(t, gdb.AutoMigrate(
		&customerdomain.Customer{},
		&subscriptiondomain.Subscription{},
		&packagedomain.Package{},
		&invoicedomain.Invoice{},
		&invoicedomain.CreditInvoice{},
		&invoicedomain.BaseBalanceInvoice{},
		&invoicedomain.PackageInvoice{},
	))
	return gdb
}

// stubSubscriptions resolves subscriptions straight from the test database
// and implements the interim advisory lock with the same conditional update
// as the real service.
type stubSubscriptions struct{ db *gorm.DB }

func (s *stubSubscriptions) GetByCode(ctx context.Context, code string) (subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "subscription_code = ?", code).Error
	if err == gorm.ErrRecordNotFound {
		return sub, subscriptiondomain.ErrNotFound
	}
	return sub, err
}

func (s *stubSubscriptions) InterimRequested(ctx context.Context, code string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("subscription_code = ? AND interim_request = ?", code, false).
		Update("interim_request", true)
	return result.RowsAffected == 1, result.Error
}

func (s *stubSubscriptions) InterimProcessed(ctx context.Context, code string) error {
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("subscription_code = ?", code).
		Update("interim_request", false).Error
}

func (s *stubSubscriptions) Add(context.Context, subscriptiondomain.AddSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (s *stubSubscriptions) Remove(context.Context, string) error                     { return nil }
func (s *stubSubscriptions) ChangeAvailability(context.Context, string, bool) error   { return nil }
func (s *stubSubscriptions) Deallocate(context.Context, string, subscriptiondomain.DeallocationCause) error {
	return nil
}
func (s *stubSubscriptions) RenewBranch(context.Context, string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (s *stubSubscriptions) RenewSubscriptionType(context.Context, string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (s *stubSubscriptions) ReleaseStaleInterims(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubCustomers struct{ db *gorm.DB }

func (s *stubCustomers) GetByCode(ctx context.Context, code string) (customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := s.db.WithContext(ctx).First(&customer, "customer_code = ?", code).Error
	if err == gorm.ErrRecordNotFound {
		return customer, customerdomain.ErrNotFound
	}
	return customer, err
}

func (s *stubCustomers) Create(context.Context, string) (customerdomain.Customer, error) {
	return customerdomain.Customer{}, nil
}
func (s *stubCustomers) Delete(context.Context, string) error { return nil }

type stubPackages struct{ db *gorm.DB }

func (s *stubPackages) GetByCode(ctx context.Context, code string) (packagedomain.Package, error) {
	var pkg packagedomain.Package
	err := s.db.WithContext(ctx).First(&pkg, "package_code = ?", code).Error
	if err == gorm.ErrRecordNotFound {
		return pkg, packagedomain.ErrNotFound
	}
	return pkg, err
}

func (s *stubPackages) List(context.Context, bool) ([]packagedomain.Package, error) { return nil, nil }
func (s *stubPackages) Create(_ context.Context, pkg packagedomain.Package) (packagedomain.Package, error) {
	return pkg, nil
}
func (s *stubPackages) Update(_ context.Context, _ string, pkg packagedomain.Package) (packagedomain.Package, error) {
	return pkg, nil
}
func (s *stubPackages) Deactivate(context.Context, string) error { return nil }

// stubRuntimeConfig serves the numeric knobs the engine reads, without a
// backing table.
type stubRuntimeConfig struct {
	discountPercent int
	discountStatic  int
	duePeriods      int
	coolDownMinutes int
}

func (s *stubRuntimeConfig) GetInt(_ context.Context, key rcdomain.Key) (int, error) {
	switch key {
	case rcdomain.KeyDiscountPercentValue:
		return s.discountPercent, nil
	case rcdomain.KeyDiscountStaticValue:
		return s.discountStatic, nil
	case rcdomain.KeyInvoiceDueDatesPeriod:
		return s.duePeriods, nil
	case rcdomain.KeyPaymentCoolDown:
		return s.coolDownMinutes, nil
	}
	entry, ok := rcdomain.Schema[key]
	if !ok {
		return 0, rcdomain.ErrUnknownKey
	}
	return strconv.Atoi(entry.Default)
}

func (s *stubRuntimeConfig) List(context.Context) ([]rcdomain.RuntimeConfig, error) { return nil, nil }
func (s *stubRuntimeConfig) Get(context.Context, rcdomain.Key) (rcdomain.RuntimeConfig, error) {
	return rcdomain.RuntimeConfig{}, nil
}
func (s *stubRuntimeConfig) GetPrefixes(context.Context, rcdomain.Key) ([]string, error) {
	return nil, nil
}
func (s *stubRuntimeConfig) Save(context.Context, rcdomain.Key, string) (rcdomain.RuntimeConfig, error) {
	return rcdomain.RuntimeConfig{}, nil
}
func (s *stubRuntimeConfig) Reconcile(context.Context) (int, int, error) { return 0, 0, nil }

type stubRating struct {
	usage    ratingengine.UsageBreakdown
	usageErr error
	balances []ratingengine.Balance
}

func (s *stubRating) UsageBreakdown(context.Context, string, time.Time, time.Time) (ratingengine.UsageBreakdown, error) {
	return s.usage, s.usageErr
}

func (s *stubRating) SetBalance(_ context.Context, balance ratingengine.Balance) error {
	s.balances = append(s.balances, balance)
	return nil
}

func (s *stubRating) SetDestinationRates(context.Context, []ratingengine.DestinationRate) error {
	return nil
}
func (s *stubRating) RemoveDestinationRates(context.Context, string, string) error { return nil }
func (s *stubRating) SetRatingPlan(context.Context, ratingengine.RatingPlan) error { return nil }
func (s *stubRating) SetRatingProfile(context.Context, ratingengine.RatingProfile) error {
	return nil
}
func (s *stubRating) RemoveRatingProfile(context.Context, string) error { return nil }
func (s *stubRating) SetAttributeProfile(context.Context, ratingengine.AttributeProfile) error {
	return nil
}
func (s *stubRating) RemoveAttributeProfile(context.Context, ratingengine.AttributeProfileKind, string) error {
	return nil
}
func (s *stubRating) SetAccount(context.Context, ratingengine.Account) error { return nil }
func (s *stubRating) RemoveAccount(context.Context, string) error            { return nil }
func (s *stubRating) LoadTariffPlan(context.Context) error                   { return nil }
func (s *stubRating) RateBounds(context.Context, string) (ratingengine.RateBounds, error) {
	return ratingengine.RateBounds{}, nil
}
func (s *stubRating) DisconnectLongSessions(context.Context, time.Duration) (int, error) {
	return 0, nil
}

type stubMIS struct {
	fee   int64
	err   error
	calls int
}

func (s *stubMIS) CalculateBill(context.Context, string, time.Time, time.Time) (int64, error) {
	s.calls++
	return s.fee, s.err
}

type stubNotifier struct{ sent []trunk.Kind }

func (s *stubNotifier) Send(_ context.Context, kind trunk.Kind, _ []trunk.Item) error {
	s.sent = append(s.sent, kind)
	return nil
}

func (s *stubNotifier) SendBatch(context.Context, trunk.Kind, []trunk.Item) error { return nil }

type stubFailedJobs struct {
	captures []failedjobdomain.CaptureRequest
	handlers map[string]failedjobdomain.Handler
}

func (s *stubFailedJobs) Capture(_ context.Context, req failedjobdomain.CaptureRequest) {
	s.captures = append(s.captures, req)
}

func (s *stubFailedJobs) Register(serviceName, methodName string, h failedjobdomain.Handler) {
	if s.handlers == nil {
		s.handlers = map[string]failedjobdomain.Handler{}
	}
	s.handlers[serviceName+"/"+methodName] = h
}
func (s *stubFailedJobs) ReplayPending(context.Context) (int, error)       { return 0, nil }
func (s *stubFailedJobs) ListPending(context.Context) ([]failedjobdomain.FailedJob, error) {
	return nil, nil
}

type fixture struct {
	db     *gorm.DB
	clk    *clock.FakeClock
	svc    invoicedomain.Service
	subs   *stubSubscriptions
	rating *stubRating
	mis    *stubMIS
	rc     *stubRuntimeConfig
	jobs   *stubFailedJobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := newTestDB(t)

	gen, err := tracking.NewGenerator()
	require.NoError(t, err)

	f := &fixture{
		db:     gdb,
		clk:    clock.NewFakeClock(time.Date(2025, time.August, 31, 10, 0, 0, 0, time.UTC)),
		subs:   &stubSubscriptions{db: gdb},
		rating: &stubRating{},
		mis:    &stubMIS{},
		rc:     &stubRuntimeConfig{duePeriods: 2, coolDownMinutes: 15},
		jobs:   &stubFailedJobs{},
	}
	f.svc = NewService(ServiceParam{
		DB:            gdb,
		Log:           zap.NewNop(),
		Config:        &config.Config{SecretKey: testSecret},
		Tuning:        &config.TuningHolder{},
		Clock:         f.clk,
		Tracking:      gen,
		Rating:        f.rating,
		MIS:           f.mis,
		Notifier:      &stubNotifier{},
		Metrics:       metrics.New(),
		Subscriptions: f.subs,
		Customers:     &stubCustomers{db: gdb},
		Packages:      &stubPackages{db: gdb},
		RuntimeConfig: f.rc,
		FailedJobs:    f.jobs,
	})
	return f
}

func (f *fixture) seedCustomer(t *testing.T, code string, credit int64) customerdomain.Customer {
	t.Helper()
	customer := customerdomain.Customer{
		ID:           uuid.New(),
		CustomerCode: code,
		Credit:       credit,
		CreatedAt:    f.clk.Now(),
	}
	customer.Checksum = integrity.Checksum(testSecret, customer)
	require.NoError(t, f.db.Create(&customer).Error)
	return customer
}

func (f *fixture) seedSubscription(t *testing.T, customer customerdomain.Customer, code string, typ subscriptiondomain.SubscriptionType, autoPay bool) subscriptiondomain.Subscription {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:               uuid.New(),
		SubscriptionCode: code,
		Number:           "2191001000",
		SubscriptionType: typ,
		CustomerID:       customer.ID,
		IsAllocated:      true,
		AutoPay:          autoPay,
		CreatedAt:        f.clk.Now().AddDate(0, -3, 0),
	}
	sub.Checksum = integrity.Checksum(testSecret, sub)
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *fixture) seedReadyInvoice(t *testing.T, sub subscriptiondomain.Subscription, total int64) invoicedomain.Invoice {
	t.Helper()
	now := f.clk.Now()
	inv := invoicedomain.Invoice{
		ID:               uuid.New(),
		TrackingCode:     uuid.NewString(),
		SubscriptionID:   sub.ID,
		PeriodCount:      1,
		InvoiceTypeCode:  invoicedomain.TypePeriodic,
		FromDate:         now.AddDate(0, -1, 0),
		ToDate:           now,
		DueDateNotified:  invoicedomain.NoWarning,
		StatusCode:       invoicedomain.StatusReady,
		TotalCost:        total,
		TotalCostRounded: total,
		CreatedAt:        now,
	}
	inv.Checksum = integrity.Checksum(testSecret, inv)
	require.NoError(t, f.db.Create(&inv).Error)
	return inv
}

func (f *fixture) reloadCustomer(t *testing.T, id uuid.UUID) customerdomain.Customer {
	t.Helper()
	var customer customerdomain.Customer
	require.NoError(t, f.db.First(&customer, "id = ?", id).Error)
	return customer
}

func (f *fixture) reloadSubscription(t *testing.T, id uuid.UUID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

// usageOf spreads the given cost over the postpaid mobile class.
func usageOf(postpaidCost, prepaidCost int64) ratingengine.UsageBreakdown {
	return ratingengine.UsageBreakdown{
		Postpaid: ratingengine.PoolUsage{
			Mobile: ratingengine.ClassUsage{Usage: postpaidCost / 10, Cost: postpaidCost},
		},
		Prepaid: ratingengine.PoolUsage{
			Mobile: ratingengine.ClassUsage{Usage: prepaidCost / 10, Cost: prepaidCost},
		},
	}
}
