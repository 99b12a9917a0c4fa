package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/config"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/observability/metrics"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  *config.Config
	Metrics *metrics.Metrics
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	serviceVersion string
	repo           repository.Repository[failedjobdomain.FailedJob]
	metrics        *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]failedjobdomain.Handler
}

func NewService(p ServiceParam) failedjobdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("failedjob.service"),
		serviceVersion: p.Config.AppVersion,
		repo:           repository.ProvideStore[failedjobdomain.FailedJob](p.DB),
		metrics:        p.Metrics,
		handlers:       make(map[string]failedjobdomain.Handler),
	}
}

func (s *Service) Capture(ctx context.Context, req failedjobdomain.CaptureRequest) {
	args, err := json.Marshal(req.MethodArgs)
	if err != nil {
		s.log.Error("failed job args not serializable",
			zap.String("service", req.ServiceName),
			zap.String("method", req.MethodName),
			zap.Error(err))
		args = []byte("null")
	}

	errMessage := ""
	if req.Err != nil {
		errMessage = req.Err.Error()
	}

	job := &failedjobdomain.FailedJob{
		ID:             uuid.New(),
		JobTitle:       req.JobTitle,
		ServiceVersion: s.serviceVersion,
		ServiceName:    req.ServiceName,
		MethodName:     req.MethodName,
		MethodArgs:     datatypes.JSON(args),
		ErrorMessage:   errMessage,
	}

	if err := s.repo.Create(ctx, job); err != nil {
		s.log.Error("failed job not persisted",
			zap.String("service", req.ServiceName),
			zap.String("method", req.MethodName),
			zap.Error(err))
		return
	}

	s.metrics.FailedJobCaptures.Inc()
	s.log.Warn("captured failed job",
		zap.String("id", job.ID.String()),
		zap.String("service", req.ServiceName),
		zap.String("method", req.MethodName),
		zap.String("error", errMessage))
}

func (s *Service) Register(serviceName, methodName string, h failedjobdomain.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey(serviceName, methodName)] = h
}

func (s *Service) ReplayPending(ctx context.Context) (int, error) {
	jobs, err := s.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	var errs []error
	for _, job := range jobs {
		if err := s.replay(ctx, job); err != nil {
			s.metrics.FailedJobReplays.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("%s.%s (%s): %w",
				job.ServiceName, job.MethodName, job.ID, err))
			continue
		}
		s.metrics.FailedJobReplays.WithLabelValues("ok").Inc()
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (s *Service) ListPending(ctx context.Context) ([]failedjobdomain.FailedJob, error) {
	items, err := s.repo.Find(ctx, &failedjobdomain.FailedJob{})
	if err != nil {
		return nil, err
	}

	jobs := make([]failedjobdomain.FailedJob, 0, len(items))
	for _, item := range items {
		if item == nil || item.IsDone {
			continue
		}
		jobs = append(jobs, *item)
	}
	return jobs, nil
}

func (s *Service) replay(ctx context.Context, job failedjobdomain.FailedJob) error {
	s.mu.RLock()
	h, ok := s.handlers[handlerKey(job.ServiceName, job.MethodName)]
	s.mu.RUnlock()
	if !ok {
		return failedjobdomain.ErrNoHandler
	}

	if err := h(ctx, json.RawMessage(job.MethodArgs)); err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&failedjobdomain.FailedJob{}).
		Where("id = ? AND is_done = ?", job.ID, false).
		Update("is_done", true).Error
}

func handlerKey(serviceName, methodName string) string {
	return serviceName + "." + methodName
}
