package scheduler

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// CommandRun is the audit row written for every scheduler job execution.
type CommandRun struct {
	RunID          string     `gorm:"type:varchar(26);primaryKey"`
	JobName        string     `gorm:"type:text;not null;index"`
	StartedAt      time.Time  `gorm:"not null;index"`
	FinishedAt     *time.Time `gorm:""`
	ProcessedCount int        `gorm:"not null;default:0"`
	ErrorCount     int        `gorm:"not null;default:0"`
	CreatedAt      time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CommandRun) TableName() string { return "command_runs" }

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) newJobRun(job string) *jobRun {
	return &jobRun{
		job:       job,
		runID:     ulid.Make().String(),
		startedAt: s.clock.Now(),
	}
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.log.Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
	row := CommandRun{
		RunID:     run.runID,
		JobName:   run.job,
		StartedAt: run.startedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.Warn("command run insert failed",
			zap.String("job", run.job),
			zap.String("run_id", run.runID),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	now := s.clock.Now()
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", now.Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	if run.errorCount > 0 {
		s.log.Warn("scheduler.job.finish", fields...)
	} else {
		s.log.Info("scheduler.job.finish", fields...)
	}

	err := s.db.WithContext(ctx).Exec(
		`UPDATE command_runs
		 SET finished_at = ?, processed_count = ?, error_count = ?
		 WHERE run_id = ?`,
		now, run.processedCount, run.errorCount, run.runID,
	).Error
	if err != nil {
		s.log.Warn("command run update failed",
			zap.String("run_id", run.runID),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) logJobError(run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Error(err),
	}
	s.log.Error(msg, append(base, fields...)...)
}
