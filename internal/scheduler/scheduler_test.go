package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apilogdomain "github.com/nexfon/cbg/internal/apilog/domain"
	"github.com/nexfon/cbg/internal/clock"
	appconfig "github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/observability/metrics"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	profitdomain "github.com/nexfon/cbg/internal/profit/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
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
		&CommandRun{},
	))
	return gdb
}

// recordingNotifier captures every batch by kind.
type recordingNotifier struct {
	itemsByKind map[trunk.Kind][][]trunk.Item
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{itemsByKind: make(map[trunk.Kind][][]trunk.Item)}
}

func (n *recordingNotifier) Send(_ context.Context, kind trunk.Kind, items []trunk.Item) error {
	n.itemsByKind[kind] = append(n.itemsByKind[kind], items)
	return nil
}

func (n *recordingNotifier) SendBatch(context.Context, trunk.Kind, []trunk.Item) error { return nil }

func (n *recordingNotifier) sent(kind trunk.Kind) []trunk.Item {
	var out []trunk.Item
	for _, batch := range n.itemsByKind[kind] {
		out = append(out, batch...)
	}
	return out
}

// fakeInvoiceSvc lets each test script the issuance and package calls.
type fakeInvoiceSvc struct {
	issueFn   func(invoicedomain.IssuePeriodicRequest) (invoicedomain.Invoice, error)
	expireFn  func(uuid.UUID) (invoicedomain.PackageInvoice, error)
	renewFn   func(invoicedomain.PurchasePackageRequest) (invoicedomain.PackageInvoice, error)
	issued    []invoicedomain.IssuePeriodicRequest
	expired   []uuid.UUID
	purchased []invoicedomain.PurchasePackageRequest
}

func (f *fakeInvoiceSvc) IssuePeriodicInvoice(_ context.Context, req invoicedomain.IssuePeriodicRequest) (invoicedomain.Invoice, error) {
	f.issued = append(f.issued, req)
	if f.issueFn != nil {
		return f.issueFn(req)
	}
	return invoicedomain.Invoice{ID: uuid.New(), TrackingCode: uuid.NewString(), StatusCode: invoicedomain.StatusReady}, nil
}

func (f *fakeInvoiceSvc) ExpirePackageInvoice(_ context.Context, id uuid.UUID, _ time.Time) (invoicedomain.PackageInvoice, error) {
	f.expired = append(f.expired, id)
	if f.expireFn != nil {
		return f.expireFn(id)
	}
	return invoicedomain.PackageInvoice{ID: id, IsExpired: true}, nil
}

func (f *fakeInvoiceSvc) PurchasePackage(_ context.Context, req invoicedomain.PurchasePackageRequest) (invoicedomain.PackageInvoice, error) {
	f.purchased = append(f.purchased, req)
	if f.renewFn != nil {
		return f.renewFn(req)
	}
	return invoicedomain.PackageInvoice{ID: uuid.New(), TrackingCode: uuid.NewString()}, nil
}

func (f *fakeInvoiceSvc) GetInvoice(context.Context, uuid.UUID) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
}
func (f *fakeInvoiceSvc) IssueInterimInvoice(context.Context, invoicedomain.IssueInterimRequest) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}
func (f *fakeInvoiceSvc) DeleteInvoice(context.Context, uuid.UUID) error { return nil }
func (f *fakeInvoiceSvc) VerifyAndRepair(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeInvoiceSvc) IssueBaseBalanceInvoice(context.Context, invoicedomain.BaseBalanceRequest) (invoicedomain.BaseBalanceInvoice, error) {
	return invoicedomain.BaseBalanceInvoice{}, nil
}
func (f *fakeInvoiceSvc) SettleFromCredit(context.Context, invoicedomain.UsedFor, uuid.UUID) error {
	return nil
}
func (f *fakeInvoiceSvc) RevokeCreditInvoice(context.Context, uuid.UUID) error { return nil }
func (f *fakeInvoiceSvc) IncreaseCredit(context.Context, string, int64) (invoicedomain.CreditInvoice, error) {
	return invoicedomain.CreditInvoice{}, nil
}

type fakeSubscriptionSvc struct {
	deallocated   []string
	staleCutoff   time.Time
	staleReleased int64
}

func (f *fakeSubscriptionSvc) Deallocate(_ context.Context, code string, cause subscriptiondomain.DeallocationCause) error {
	if cause != subscriptiondomain.CauseNormal {
		return subscriptiondomain.ErrInvalidCause
	}
	f.deallocated = append(f.deallocated, code)
	return nil
}

func (f *fakeSubscriptionSvc) ReleaseStaleInterims(_ context.Context, cutoff time.Time) (int64, error) {
	f.staleCutoff = cutoff
	return f.staleReleased, nil
}

func (f *fakeSubscriptionSvc) GetByCode(context.Context, string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrNotFound
}
func (f *fakeSubscriptionSvc) Add(context.Context, subscriptiondomain.AddSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (f *fakeSubscriptionSvc) Remove(context.Context, string) error                   { return nil }
func (f *fakeSubscriptionSvc) ChangeAvailability(context.Context, string, bool) error { return nil }
func (f *fakeSubscriptionSvc) RenewBranch(context.Context, string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (f *fakeSubscriptionSvc) RenewSubscriptionType(context.Context, string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}
func (f *fakeSubscriptionSvc) InterimRequested(context.Context, string) (bool, error) {
	return true, nil
}
func (f *fakeSubscriptionSvc) InterimProcessed(context.Context, string) error { return nil }

type fakeFailedJobSvc struct {
	captures []failedjobdomain.CaptureRequest
	replayed int
}

func (f *fakeFailedJobSvc) Capture(_ context.Context, req failedjobdomain.CaptureRequest) {
	f.captures = append(f.captures, req)
}
func (f *fakeFailedJobSvc) Register(string, string, failedjobdomain.Handler) {}
func (f *fakeFailedJobSvc) ReplayPending(context.Context) (int, error)       { return f.replayed, nil }
func (f *fakeFailedJobSvc) ListPending(context.Context) ([]failedjobdomain.FailedJob, error) {
	return nil, nil
}

type fakeRuntimeConfigSvc struct {
	ints map[runtimeconfigdomain.Key]int
}

func (f *fakeRuntimeConfigSvc) GetInt(_ context.Context, key runtimeconfigdomain.Key) (int, error) {
	if v, ok := f.ints[key]; ok {
		return v, nil
	}
	return 0, runtimeconfigdomain.ErrNotFound
}
func (f *fakeRuntimeConfigSvc) List(context.Context) ([]runtimeconfigdomain.RuntimeConfig, error) {
	return nil, nil
}
func (f *fakeRuntimeConfigSvc) Get(context.Context, runtimeconfigdomain.Key) (runtimeconfigdomain.RuntimeConfig, error) {
	return runtimeconfigdomain.RuntimeConfig{}, nil
}
func (f *fakeRuntimeConfigSvc) GetPrefixes(context.Context, runtimeconfigdomain.Key) ([]string, error) {
	return nil, nil
}
func (f *fakeRuntimeConfigSvc) Save(context.Context, runtimeconfigdomain.Key, string) (runtimeconfigdomain.RuntimeConfig, error) {
	return runtimeconfigdomain.RuntimeConfig{}, nil
}
func (f *fakeRuntimeConfigSvc) Reconcile(context.Context) (int, int, error) { return 0, 0, nil }

type fakeProfitSvc struct{ windows [][2]time.Time }

func (f *fakeProfitSvc) Generate(_ context.Context, from, to time.Time) ([]profitdomain.Profit, error) {
	f.windows = append(f.windows, [2]time.Time{from, to})
	return []profitdomain.Profit{{ID: uuid.New()}}, nil
}
func (f *fakeProfitSvc) List(context.Context, string) ([]profitdomain.Profit, error) {
	return nil, nil
}
func (f *fakeProfitSvc) Receive(context.Context, uuid.UUID) (profitdomain.Profit, error) {
	return profitdomain.Profit{}, nil
}
func (f *fakeProfitSvc) Revoke(context.Context, uuid.UUID) (profitdomain.Profit, error) {
	return profitdomain.Profit{}, nil
}

type fakeAPILogSvc struct{ purged int64 }

func (f *fakeAPILogSvc) Record(context.Context, apilogdomain.APIRequest) {}
func (f *fakeAPILogSvc) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return f.purged, nil
}

type fakeRating struct{ disconnected int }

func (f *fakeRating) DisconnectLongSessions(context.Context, time.Duration) (int, error) {
	return f.disconnected, nil
}
func (f *fakeRating) UsageBreakdown(context.Context, string, time.Time, time.Time) (ratingengine.UsageBreakdown, error) {
	return ratingengine.UsageBreakdown{}, nil
}
func (f *fakeRating) SetDestinationRates(context.Context, []ratingengine.DestinationRate) error {
	return nil
}
func (f *fakeRating) RemoveDestinationRates(context.Context, string, string) error { return nil }
func (f *fakeRating) SetRatingPlan(context.Context, ratingengine.RatingPlan) error { return nil }
func (f *fakeRating) SetRatingProfile(context.Context, ratingengine.RatingProfile) error {
	return nil
}
func (f *fakeRating) RemoveRatingProfile(context.Context, string) error { return nil }
func (f *fakeRating) SetAttributeProfile(context.Context, ratingengine.AttributeProfile) error {
	return nil
}
func (f *fakeRating) RemoveAttributeProfile(context.Context, ratingengine.AttributeProfileKind, string) error {
	return nil
}
func (f *fakeRating) SetAccount(context.Context, ratingengine.Account) error { return nil }
func (f *fakeRating) RemoveAccount(context.Context, string) error            { return nil }
func (f *fakeRating) SetBalance(context.Context, ratingengine.Balance) error { return nil }
func (f *fakeRating) LoadTariffPlan(context.Context) error                   { return nil }
func (f *fakeRating) RateBounds(context.Context, string) (ratingengine.RateBounds, error) {
	return ratingengine.RateBounds{}, nil
}

type schedFixture struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	sched    *Scheduler
	invoices *fakeInvoiceSvc
	subs     *fakeSubscriptionSvc
	jobs     *fakeFailedJobSvc
	rc       *fakeRuntimeConfigSvc
	profits  *fakeProfitSvc
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newSchedFixture(t *testing.T, at time.Time) *schedFixture {
	t.Helper()

	f := &schedFixture{
		db:       newTestDB(t),
		clk:      clock.NewFakeClock(at),
		invoices: &fakeInvoiceSvc{},
		subs:     &fakeSubscriptionSvc{},
		jobs:     &fakeFailedJobSvc{},
		rc: &fakeRuntimeConfigSvc{ints: map[runtimeconfigdomain.Key]int{
			runtimeconfigdomain.KeyDeallocationDue:      365,
			runtimeconfigdomain.KeyIssueNewInterimHours: 3,
		}},
		profits:  &fakeProfitSvc{},
		notifier: newRecordingNotifier(),
		metrics:  metrics.New(),
	}

	sched, err := New(Params{
		DB:               f.db,
		Log:              zap.NewNop(),
		Config:           Config{},
		App:              &appconfig.Config{SecretKey: testSecret, MaxCallDuration: 10800, APIRequestsKeepDays: 30},
		Tuning:           &appconfig.TuningHolder{},
		Clock:            f.clk,
		SubscriptionSvc:  f.subs,
		InvoiceSvc:       f.invoices,
		ProfitSvc:        f.profits,
		FailedJobSvc:     f.jobs,
		RuntimeConfigSvc: f.rc,
		APILogSvc:        &fakeAPILogSvc{},
		Rating:           &fakeRating{},
		Notifier:         f.notifier,
		Metrics:          f.metrics,
	})
	require.NoError(t, err)
	f.sched = sched
	return f
}

func (f *schedFixture) seedSubscription(t *testing.T, code string, typ subscriptiondomain.SubscriptionType, mutate func(*subscriptiondomain.Subscription)) subscriptiondomain.Subscription {
	t.Helper()
	owner := customerdomain.Customer{ID: uuid.New(), CustomerCode: "c-" + code}
	owner.Checksum = integrity.Checksum(testSecret, owner)
	require.NoError(t, f.db.Create(&owner).Error)
	sub := subscriptiondomain.Subscription{
		ID:               uuid.New(),
		SubscriptionCode: code,
		Number:           "2191001000",
		SubscriptionType: typ,
		CustomerID:       owner.ID,
		IsAllocated:      true,
		CreatedAt:        f.clk.Now().AddDate(-1, 0, 0),
	}
	if mutate != nil {
		mutate(&sub)
	}
	allocated := sub.IsAllocated
	require.NoError(t, f.db.Create(&sub).Error)
	// gorm Create substitutes the `default:true` tag for a zero-valued
	// IsAllocated and rewrites the struct, so persist false explicitly.
	require.NoError(t, f.db.Model(&sub).Update("is_allocated", allocated).Error)
	sub.IsAllocated = allocated
	return sub
}
