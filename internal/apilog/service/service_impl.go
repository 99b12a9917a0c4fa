package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apilogdomain "github.com/nexfon/cbg/internal/apilog/domain"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo repository.Repository[apilogdomain.APIRequest]
}

func NewService(p ServiceParam) apilogdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("apilog.service"),
		repo: repository.ProvideStore[apilogdomain.APIRequest](p.DB),
	}
}

// Record persists the request log row. Logging must never fail the request.
func (s *Service) Record(ctx context.Context, req apilogdomain.APIRequest) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := s.repo.Create(ctx, &req); err != nil {
		s.log.Warn("api request log write failed",
			zap.String("path", req.Path),
			zap.Error(err))
	}
}

func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&apilogdomain.APIRequest{})
	return result.RowsAffected, result.Error
}
