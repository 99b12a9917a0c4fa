package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/config"
	"github.com/nexfon/cbg/internal/integrity"
	operatordomain "github.com/nexfon/cbg/internal/operator/domain"
	profitdomain "github.com/nexfon/cbg/internal/profit/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    *config.Config
	Rating    ratingengine.Client
	Operators operatordomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret    string
	rating    ratingengine.Client
	operators operatordomain.Service
	repo      repository.Repository[profitdomain.Profit]
}

func NewService(p ServiceParam) profitdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("profit.service"),
		secret:    p.Config.SecretKey,
		rating:    p.Rating,
		operators: p.Operators,
		repo:      repository.ProvideStore[profitdomain.Profit](p.DB),
	}
}

func (s *Service) List(ctx context.Context, operatorCode string) ([]profitdomain.Profit, error) {
	op, err := s.operators.GetByCode(ctx, operatorCode)
	if err != nil {
		return nil, err
	}

	var profits []profitdomain.Profit
	err = s.db.WithContext(ctx).
		Where("operator_id = ?", op.ID).
		Order("from_date DESC").
		Find(&profits).Error
	return profits, err
}

func (s *Service) Generate(ctx context.Context, from, to time.Time) ([]profitdomain.Profit, error) {
	operators, err := s.operators.List(ctx)
	if err != nil {
		return nil, err
	}

	generated := make([]profitdomain.Profit, 0, len(operators))
	for _, op := range operators {
		var existing int64
		if err := s.db.WithContext(ctx).
			Model(&profitdomain.Profit{}).
			Where("operator_id = ? AND from_date = ? AND to_date = ?", op.ID, from, to).
			Count(&existing).Error; err != nil {
			return nil, err
		}
		if existing > 0 {
			continue
		}

		usage, err := s.rating.UsageBreakdown(ctx, op.OperatorCode, from, to)
		if err != nil {
			s.log.Warn("operator usage lookup failed, window skipped",
				zap.String("operator_code", op.OperatorCode),
				zap.Error(err))
			continue
		}

		// Inbound traffic lands in postpaid pools, outbound in prepaid.
		inboundCost, inboundUsage := poolTotals(usage.Postpaid)
		outboundCost, outboundUsage := poolTotals(usage.Prepaid)

		profit := profitdomain.Profit{
			ID:                     uuid.New(),
			OperatorID:             op.ID,
			FromDate:               from,
			ToDate:                 to,
			InboundUsage:           inboundUsage,
			InboundCostFirstPart:   inboundCost * int64(op.InboundDivideOnPercent) / 100,
			InboundCostSecondPart:  inboundCost - inboundCost*int64(op.InboundDivideOnPercent)/100,
			OutboundUsage:          outboundUsage,
			OutboundCostFirstPart:  outboundCost * int64(op.OutboundDivideOnPercent) / 100,
			OutboundCostSecondPart: outboundCost - outboundCost*int64(op.OutboundDivideOnPercent)/100,
			InboundUsedPercent:     op.InboundDivideOnPercent,
			OutboundUsedPercent:    op.OutboundDivideOnPercent,
			StatusCode:             profitdomain.StatusPending,
		}
		profit.Checksum = integrity.Checksum(s.secret, profit)

		if err := s.repo.Create(ctx, &profit); err != nil {
			return nil, err
		}
		generated = append(generated, profit)
	}
	return generated, nil
}

func (s *Service) Receive(ctx context.Context, id uuid.UUID) (profitdomain.Profit, error) {
	return s.transition(ctx, id, profitdomain.StatusReceived,
		[]profitdomain.Status{profitdomain.StatusPending})
}

func (s *Service) Revoke(ctx context.Context, id uuid.UUID) (profitdomain.Profit, error) {
	return s.transition(ctx, id, profitdomain.StatusRevoked,
		[]profitdomain.Status{profitdomain.StatusPending, profitdomain.StatusReceived})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to profitdomain.Status, from []profitdomain.Status) (profitdomain.Profit, error) {
	item, err := s.repo.FindOne(ctx, &profitdomain.Profit{ID: id})
	if err != nil {
		return profitdomain.Profit{}, err
	}
	if item == nil {
		return profitdomain.Profit{}, profitdomain.ErrNotFound
	}

	updated := *item
	updated.StatusCode = to
	updated.Checksum = integrity.Checksum(s.secret, updated)

	result := s.db.WithContext(ctx).
		Model(&profitdomain.Profit{}).
		Where("id = ? AND status_code IN ?", id, from).
		Updates(map[string]any{
			"status_code": to,
			"checksum":    updated.Checksum,
		})
	if result.Error != nil {
		return profitdomain.Profit{}, result.Error
	}
	if result.RowsAffected == 0 {
		return profitdomain.Profit{}, profitdomain.ErrInvalidTransition
	}
	return updated, nil
}

func poolTotals(pool ratingengine.PoolUsage) (cost, usage int64) {
	cost = pool.LandlinesLocal.Cost + pool.LandlinesLongDistance.Cost +
		pool.LandlinesCorporate.Cost + pool.Mobile.Cost + pool.International.Cost
	usage = pool.LandlinesLocal.Usage + pool.LandlinesLongDistance.Usage +
		pool.LandlinesCorporate.Usage + pool.Mobile.Usage + pool.International.Usage
	return cost, usage
}
