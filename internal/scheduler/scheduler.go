// Package scheduler drives the recurring billing jobs: periodic close,
// due-date escalation, deallocation, package expiry, replay, and the
// housekeeping sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apilogdomain "github.com/nexfon/cbg/internal/apilog/domain"
	"github.com/nexfon/cbg/internal/clock"
	appconfig "github.com/nexfon/cbg/internal/config"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/lease"
	"github.com/nexfon/cbg/internal/observability/metrics"
	"github.com/nexfon/cbg/internal/observability/push"
	profitdomain "github.com/nexfon/cbg/internal/profit/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/internal/trunk"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config Config
	App    *appconfig.Config
	Tuning *appconfig.TuningHolder
	Clock  clock.Clock

	SubscriptionSvc  subscriptiondomain.Service
	InvoiceSvc       invoicedomain.Service
	ProfitSvc        profitdomain.Service
	FailedJobSvc     failedjobdomain.Service
	RuntimeConfigSvc runtimeconfigdomain.Service
	APILogSvc        apilogdomain.Service
	Rating           ratingengine.Client
	Notifier         trunk.Notifier
	Metrics          *metrics.Metrics

	Locker *lease.Locker `optional:"true"`
	Pusher push.Pusher   `optional:"true"`
}

type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	app    *appconfig.Config
	tuning *appconfig.TuningHolder
	clock  clock.Clock

	subscriptionSvc  subscriptiondomain.Service
	invoiceSvc       invoicedomain.Service
	profitSvc        profitdomain.Service
	failedJobSvc     failedjobdomain.Service
	runtimeConfigSvc runtimeconfigdomain.Service
	apiLogSvc        apilogdomain.Service
	rating           ratingengine.Client
	notifier         trunk.Notifier
	metrics          *metrics.Metrics

	locker *lease.Locker
	pusher push.Pusher
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil ||
		p.SubscriptionSvc == nil || p.InvoiceSvc == nil || p.FailedJobSvc == nil ||
		p.RuntimeConfigSvc == nil || p.Rating == nil || p.Notifier == nil || p.Metrics == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler"),
		cfg:              p.Config.withDefaults(),
		app:              p.App,
		tuning:           p.Tuning,
		clock:            p.Clock,
		subscriptionSvc:  p.SubscriptionSvc,
		invoiceSvc:       p.InvoiceSvc,
		profitSvc:        p.ProfitSvc,
		failedJobSvc:     p.FailedJobSvc,
		runtimeConfigSvc: p.RuntimeConfigSvc,
		apiLogSvc:        p.APILogSvc,
		rating:           p.Rating,
		notifier:         p.Notifier,
		metrics:          p.Metrics,
		locker:           p.Locker,
		pusher:           p.Pusher,
	}, nil
}

// runJob takes the job lease, runs fn under the job timeout, and records
// the run both in the log and in command_runs.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		token, acquired, err := s.locker.TryAcquire(ctx, "cbg:scheduler:"+name, s.cfg.LeaseTTL)
		if err != nil {
			s.log.Warn("job lease unavailable, running unguarded",
				zap.String("job", name), zap.Error(err))
		} else if !acquired {
			s.log.Debug("job lease held elsewhere", zap.String("job", name))
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, "cbg:scheduler:"+name, token); err != nil {
					s.log.Warn("job lease release failed",
						zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	run := s.newJobRun(name)
	s.logJobStart(ctx, run)

	start := s.clock.Now()
	err := fn(ctx, run)
	s.metrics.JobDuration.WithLabelValues(name).Observe(s.clock.Now().Sub(start).Seconds())

	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.JobRuns.WithLabelValues(name, outcome).Inc()

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{"periodic_invoice", s.PeriodicInvoiceJob},
		{"due_date", s.DueDateJob},
		{"deallocation", s.DeallocationJob},
		{"package_expiry", s.PackageExpiryJob},
		{"profit", s.ProfitJob},
		{"interim_watchdog", s.InterimWatchdogJob},
		{"failed_jobs", s.FailedJobsJob},
		{"integrity_check", s.IntegrityCheckJob},
		{"check_sessions", s.CheckSessionsJob},
		{"api_request_clean", s.APIRequestCleanJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}

	if s.pusher != nil {
		if pushErr := s.pusher.Push(parent, s.metrics.Registry); pushErr != nil {
			s.log.Warn("metrics push failed", zap.Error(pushErr))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
