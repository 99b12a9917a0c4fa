package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/calendar"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/internal/trunk"
)

func failedJobRenewRequest(row packageExpiryWork, err error) failedjobdomain.CaptureRequest {
	return failedjobdomain.CaptureRequest{
		JobTitle:    "package auto renewal",
		ServiceName: "PackageService",
		MethodName:  "renew",
		MethodArgs: map[string]any{
			"subscription_code": row.SubscriptionCode,
			"package_code":      row.PackageCode,
		},
		Err: err,
	}
}

const (
	defaultBatchSize = 200
	// deallocationWarnLead is how many days before the deallocation due
	// the warning notification goes out.
	deallocationWarnLead = 30
)

// batchSize is the page size for work fetches, hot-reloadable through
// the tuning file.
func (s *Scheduler) batchSize() int {
	if s.tuning != nil {
		if n := s.tuning.Current().SchedulerBatchSize; n > 0 {
			return n
		}
	}
	return defaultBatchSize
}

type workSubscription struct {
	ID               uuid.UUID
	SubscriptionCode string
	CustomerCode     string
	Number           string
	AutoPay          bool
	DeallocateWarned bool
	LatestPaidAt     *time.Time
	CreatedAt        time.Time
}

// paidOrCreated is the age basis for the payment deadline; a line that
// never paid ages from its creation.
func (w workSubscription) paidOrCreated() time.Time {
	if w.LatestPaidAt != nil {
		return *w.LatestPaidAt
	}
	return w.CreatedAt
}

// PeriodicInvoiceJob closes the previous civil month for every allocated
// metered subscription. It only acts on the first civil day of a month
// and is idempotent: windows already issued are skipped, so re-runs of
// the same day send no duplicate notifications.
func (s *Scheduler) PeriodicInvoiceJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	if !calendar.FirstOfMonth(now) {
		return nil
	}
	fromDate, toDate := calendar.PrevMonthRange(now)

	var jobErr error
	items := make([]trunk.Item, 0)
	lastCode := ""

	for {
		var subs []workSubscription
		err := s.db.WithContext(ctx).Raw(
			`SELECT s.id, s.subscription_code, s.number, c.customer_code, s.auto_pay
			 FROM subscriptions s
			 JOIN customers c ON c.id = s.customer_id
			 WHERE s.is_allocated = true
			   AND s.subscription_type IN (?, ?)
			   AND s.subscription_code > ?
			 ORDER BY s.subscription_code
			 LIMIT ?`,
			subscriptiondomain.TypePostpaid, subscriptiondomain.TypePrepaid,
			lastCode, s.batchSize(),
		).Scan(&subs).Error
		if err != nil {
			s.logJobError(run, "periodic invoice work fetch failed", err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}
		lastCode = subs[len(subs)-1].SubscriptionCode

		for _, sub := range subs {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			invoice, err := s.invoiceSvc.IssuePeriodicInvoice(ctx, invoicedomain.IssuePeriodicRequest{
				SubscriptionID: sub.ID,
				FromDate:       fromDate,
				ToDate:         toDate,
			})
			if errors.Is(err, invoicedomain.ErrDuplicateWindow) {
				continue
			}
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logJobError(run, "periodic invoice issue failed", err,
					zap.String("subscription_code", sub.SubscriptionCode))
				continue
			}
			run.AddProcessed(1)
			items = append(items, trunk.Item{
				"customer_code":     sub.CustomerCode,
				"subscription_code": sub.SubscriptionCode,
				"number":            sub.Number,
				"tracking_code":     invoice.TrackingCode,
				"total_cost":        invoice.TotalCostRounded,
				"due_date":          invoice.DueDate,
				"auto_payed":        invoice.StatusCode == invoicedomain.StatusSuccess,
			})
		}
	}

	if len(items) > 0 {
		if err := s.notifier.Send(ctx, trunk.KindPeriodicInvoice, items); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "periodic invoice notification failed", err)
		}
	}
	return jobErr
}

type dueDateWork struct {
	ID               uuid.UUID
	TrackingCode     string
	TotalCostRounded int64
	DueDate          time.Time
	DueDateNotified  invoicedomain.DueDateNotified
	SubscriptionCode string
}

// dueDateThreshold returns when the given rung becomes due relative to
// the invoice due date. The ladder fires one day early, on the day, two
// days after, and two weeks after.
func dueDateThreshold(rung invoicedomain.DueDateNotified, dueDate time.Time) time.Time {
	switch rung {
	case invoicedomain.FirstWarning:
		return dueDate.AddDate(0, 0, -1)
	case invoicedomain.SecondWarning:
		return dueDate
	case invoicedomain.ThirdWarning:
		return dueDate.AddDate(0, 0, 2)
	default:
		return dueDate.AddDate(0, 0, 14)
	}
}

func dueDateKind(rung invoicedomain.DueDateNotified) trunk.Kind {
	switch rung {
	case invoicedomain.FirstWarning:
		return trunk.KindDueDateWarning1
	case invoicedomain.SecondWarning:
		return trunk.KindDueDateWarning2
	case invoicedomain.ThirdWarning:
		return trunk.KindDueDateWarning3
	default:
		return trunk.KindDueDateWarning4
	}
}

// DueDateJob walks unpaid invoices up the warning ladder. The rung
// transition is a conditional update, so concurrent runs escalate each
// invoice at most once.
func (s *Scheduler) DueDateJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()

	var rows []dueDateWork
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.id, i.tracking_code, i.total_cost_rounded, i.due_date,
		        i.due_date_notified, s.subscription_code
		 FROM invoices i
		 JOIN subscriptions s ON s.id = i.subscription_id
		 WHERE i.status_code IN (?, ?)
		   AND i.due_date IS NOT NULL
		   AND i.due_date_notified <> ?
		 ORDER BY i.due_date`,
		invoicedomain.StatusReady, invoicedomain.StatusPending,
		invoicedomain.FourthWarning,
	).Scan(&rows).Error
	if err != nil {
		s.logJobError(run, "due date work fetch failed", err)
		return err
	}

	var jobErr error
	itemsByKind := make(map[trunk.Kind][]trunk.Item)
	for _, row := range rows {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		next := row.DueDateNotified.Next()
		if now.Before(dueDateThreshold(next, row.DueDate)) {
			continue
		}

		res := s.db.WithContext(ctx).Exec(
			`UPDATE invoices SET due_date_notified = ?, updated_at = ?
			 WHERE id = ? AND due_date_notified = ?`,
			next, now, row.ID, row.DueDateNotified,
		)
		if res.Error != nil {
			jobErr = errors.Join(jobErr, res.Error)
			s.logJobError(run, "due date escalation failed", res.Error,
				zap.String("tracking_code", row.TrackingCode))
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		run.AddProcessed(1)
		kind := dueDateKind(next)
		itemsByKind[kind] = append(itemsByKind[kind], trunk.Item{
			"subscription_code": row.SubscriptionCode,
			"tracking_code":     row.TrackingCode,
			"total_cost":        row.TotalCostRounded,
			"due_date":          row.DueDate,
		})
	}

	for kind, items := range itemsByKind {
		if err := s.notifier.Send(ctx, kind, items); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "due date notification failed", err,
				zap.String("kind", string(kind)))
		}
	}
	return jobErr
}

// DeallocationJob enforces the payment deadline in two phases. A line
// whose last payment (or creation, if it never paid) is older than the due
// minus the warn lead gets a warning; a warned line past the full due is
// deallocated.
func (s *Scheduler) DeallocationJob(ctx context.Context, run *jobRun) error {
	dueDays, err := s.runtimeConfigSvc.GetInt(ctx, runtimeconfigdomain.KeyDeallocationDue)
	if err != nil {
		s.logJobError(run, "deallocation due lookup failed", err)
		return err
	}
	now := s.clock.Now()
	warnCutoff := now.AddDate(0, 0, -(dueDays - deallocationWarnLead))
	deallocCutoff := now.AddDate(0, 0, -dueDays)

	var rows []workSubscription
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, subscription_code, deallocate_warned, latest_paid_at, created_at
		 FROM subscriptions
		 WHERE is_allocated = true
		   AND COALESCE(latest_paid_at, created_at) <= ?
		 ORDER BY COALESCE(latest_paid_at, created_at)`,
		warnCutoff,
	).Scan(&rows).Error
	if err != nil {
		s.logJobError(run, "deallocation work fetch failed", err)
		return err
	}

	var jobErr error
	warnItems := make([]trunk.Item, 0)
	deallocItems := make([]trunk.Item, 0)
	for _, row := range rows {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		if row.DeallocateWarned && !row.paidOrCreated().After(deallocCutoff) {
			err := s.subscriptionSvc.Deallocate(ctx, row.SubscriptionCode, subscriptiondomain.CauseNormal)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logJobError(run, "deallocation failed", err,
					zap.String("subscription_code", row.SubscriptionCode))
				continue
			}
			run.AddProcessed(1)
			deallocItems = append(deallocItems, trunk.Item{
				"subscription_code": row.SubscriptionCode,
			})
			continue
		}

		if !row.DeallocateWarned {
			warned, err := s.markDeallocateWarned(ctx, row.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logJobError(run, "deallocation warning failed", err,
					zap.String("subscription_code", row.SubscriptionCode))
				continue
			}
			if !warned {
				continue
			}
			run.AddProcessed(1)
			warnItems = append(warnItems, trunk.Item{
				"subscription_code": row.SubscriptionCode,
				"due_in_days":       deallocationWarnLead,
			})
		}
	}

	if len(warnItems) > 0 {
		if err := s.notifier.Send(ctx, trunk.KindDeallocationWarning1, warnItems); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "deallocation warning notification failed", err)
		}
	}
	if len(deallocItems) > 0 {
		if err := s.notifier.Send(ctx, trunk.KindDeallocationWarning2, deallocItems); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "deallocation notification failed", err)
		}
	}
	return jobErr
}

func (s *Scheduler) markDeallocateWarned(ctx context.Context, id uuid.UUID) (bool, error) {
	warned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		err := tx.Raw(`SELECT * FROM subscriptions WHERE id = ? FOR UPDATE`, id).Scan(&sub).Error
		if err != nil {
			return err
		}
		if sub.ID == uuid.Nil || sub.DeallocateWarned || !sub.IsAllocated {
			return nil
		}
		sub.DeallocateWarned = true
		sub.Checksum = integrity.Checksum(s.app.SecretKey, sub)
		err = tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"deallocate_warned": true,
				"checksum":          sub.Checksum,
				"updated_at":        s.clock.Now(),
			}).Error
		if err != nil {
			return err
		}
		warned = true
		return nil
	})
	return warned, err
}

type packageExpiryWork struct {
	ID               uuid.UUID
	AutoRenew        bool
	SubscriptionCode string
	PackageCode      string
}

// PackageExpiryJob expires lapsed package invoices, reclaiming the unused
// value, and renews the ones flagged for auto renewal. A renewal that
// cannot be settled is captured for replay and reported as expired.
func (s *Scheduler) PackageExpiryJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()

	var rows []packageExpiryWork
	err := s.db.WithContext(ctx).Raw(
		`SELECT pi.id, pi.auto_renew, s.subscription_code, COALESCE(p.package_code, '') AS package_code
		 FROM package_invoices pi
		 JOIN subscriptions s ON s.id = pi.subscription_id
		 LEFT JOIN packages p ON p.id = pi.package_id
		 WHERE pi.is_active = true
		   AND pi.is_expired = false
		   AND pi.expired_at IS NOT NULL
		   AND pi.expired_at <= ?
		 ORDER BY pi.expired_at`,
		now,
	).Scan(&rows).Error
	if err != nil {
		s.logJobError(run, "package expiry work fetch failed", err)
		return err
	}

	var jobErr error
	expiredItems := make([]trunk.Item, 0)
	renewedItems := make([]trunk.Item, 0)
	for _, row := range rows {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		expired, err := s.invoiceSvc.ExpirePackageInvoice(ctx, row.ID, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "package expiry failed", err,
				zap.String("subscription_code", row.SubscriptionCode))
			continue
		}
		run.AddProcessed(1)

		if row.AutoRenew && row.PackageCode != "" {
			renewed, err := s.invoiceSvc.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
				SubscriptionCode: row.SubscriptionCode,
				PackageCode:      row.PackageCode,
				AutoRenew:        true,
			})
			if err == nil {
				renewedItems = append(renewedItems, trunk.Item{
					"subscription_code": row.SubscriptionCode,
					"package_code":      row.PackageCode,
					"tracking_code":     renewed.TrackingCode,
				})
				continue
			}
			s.failedJobSvc.Capture(ctx, failedJobRenewRequest(row, err))
			s.logJobError(run, "package renewal failed", err,
				zap.String("subscription_code", row.SubscriptionCode),
				zap.String("package_code", row.PackageCode))
		}

		item := trunk.Item{
			"subscription_code": row.SubscriptionCode,
			"package_code":      row.PackageCode,
		}
		if expired.ExpiredValue != nil {
			item["expired_value"] = *expired.ExpiredValue
		}
		expiredItems = append(expiredItems, item)
	}

	if len(renewedItems) > 0 {
		if err := s.notifier.Send(ctx, trunk.KindPrepaidRenewed, renewedItems); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "package renewal notification failed", err)
		}
	}
	if len(expiredItems) > 0 {
		if err := s.notifier.Send(ctx, trunk.KindPrepaidExpired, expiredItems); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "package expiry notification failed", err)
		}
	}
	return jobErr
}

// ProfitJob generates the per-operator revenue-share rows for the civil
// month that just closed.
func (s *Scheduler) ProfitJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	if !calendar.FirstOfMonth(now) {
		return nil
	}
	fromDate, toDate := calendar.PrevMonthRange(now)
	profits, err := s.profitSvc.Generate(ctx, fromDate, toDate)
	if err != nil {
		s.logJobError(run, "profit generation failed", err)
		return err
	}
	run.AddProcessed(len(profits))
	return nil
}

// InterimWatchdogJob frees interim locks abandoned by crashed callers.
func (s *Scheduler) InterimWatchdogJob(ctx context.Context, run *jobRun) error {
	hours, err := s.runtimeConfigSvc.GetInt(ctx, runtimeconfigdomain.KeyIssueNewInterimHours)
	if err != nil {
		s.logJobError(run, "interim watchdog config lookup failed", err)
		return err
	}
	cutoff := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	released, err := s.subscriptionSvc.ReleaseStaleInterims(ctx, cutoff)
	if err != nil {
		s.logJobError(run, "stale interim release failed", err)
		return err
	}
	run.AddProcessed(int(released))
	return nil
}

// FailedJobsJob replays captured side effects through their handlers.
func (s *Scheduler) FailedJobsJob(ctx context.Context, run *jobRun) error {
	replayed, err := s.failedJobSvc.ReplayPending(ctx)
	run.AddProcessed(replayed)
	if err != nil {
		s.logJobError(run, "failed job replay finished with errors", err)
	}
	return err
}

// integritySampleLimit caps the rows checked per table on each run.
const integritySampleLimit = 150

// IntegrityCheckJob recomputes row checksums over every checksummed
// table, sampling up to integritySampleLimit random rows per table, and
// reports drift. It never repairs; settlement does that under its own
// locks.
func (s *Scheduler) IntegrityCheckJob(ctx context.Context, run *jobRun) error {
	var jobErr error

	sweep := func(table string, err error) {
		if err == nil {
			return
		}
		jobErr = errors.Join(jobErr, err)
		s.logJobError(run, "integrity sweep failed", err, zap.String("table", table))
	}

	sweep("customers", sweepChecksums(ctx, s, run, func(c customerdomain.Customer) (integrity.Projectable, string, string) {
		return c, c.Checksum, c.CustomerCode
	}))
	sweep("subscriptions", sweepChecksums(ctx, s, run, func(sub subscriptiondomain.Subscription) (integrity.Projectable, string, string) {
		return sub, sub.Checksum, sub.SubscriptionCode
	}))
	sweep("invoices", sweepChecksums(ctx, s, run, func(inv invoicedomain.Invoice) (integrity.Projectable, string, string) {
		return inv, inv.Checksum, inv.TrackingCode
	}))
	sweep("credit_invoices", sweepChecksums(ctx, s, run, func(ci invoicedomain.CreditInvoice) (integrity.Projectable, string, string) {
		return ci, ci.Checksum, ci.TrackingCode
	}))
	sweep("base_balance_invoices", sweepChecksums(ctx, s, run, func(bb invoicedomain.BaseBalanceInvoice) (integrity.Projectable, string, string) {
		return bb, bb.Checksum, bb.TrackingCode
	}))
	sweep("package_invoices", sweepChecksums(ctx, s, run, func(pi invoicedomain.PackageInvoice) (integrity.Projectable, string, string) {
		return pi, pi.Checksum, pi.TrackingCode
	}))
	return jobErr
}

func sweepChecksums[T any](ctx context.Context, s *Scheduler, run *jobRun, project func(T) (integrity.Projectable, string, string)) error {
	var zero T
	table := any(zero).(interface{ TableName() string }).TableName()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var rows []T
	err := s.db.WithContext(ctx).Table(table).
		Order("random()").Limit(integritySampleLimit).
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		projectable, stored, ref := project(row)
		run.AddProcessed(1)
		if integrity.Verify(s.app.SecretKey, projectable, stored) {
			continue
		}
		s.metrics.IntegrityFailures.Inc()
		s.log.Warn("integrity checksum mismatch",
			zap.String("table", table),
			zap.String("ref", ref),
		)
	}
	return nil
}

// CheckSessionsJob asks the rating engine to kill calls that exceeded
// the allowed duration.
func (s *Scheduler) CheckSessionsJob(ctx context.Context, run *jobRun) error {
	maxDuration := time.Duration(s.app.MaxCallDuration) * time.Second
	disconnected, err := s.rating.DisconnectLongSessions(ctx, maxDuration)
	if err != nil {
		s.logJobError(run, "long session disconnect failed", err)
		return err
	}
	run.AddProcessed(disconnected)
	return nil
}

// APIRequestCleanJob prunes the request audit log.
func (s *Scheduler) APIRequestCleanJob(ctx context.Context, run *jobRun) error {
	cutoff := s.clock.Now().AddDate(0, 0, -s.app.APIRequestsKeepDays)
	purged, err := s.apiLogSvc.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logJobError(run, "api request purge failed", err)
		return err
	}
	run.AddProcessed(int(purged))
	return nil
}
