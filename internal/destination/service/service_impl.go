package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/config"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	"github.com/nexfon/cbg/internal/integrity"
	"github.com/nexfon/cbg/pkg/db"
	"github.com/nexfon/cbg/pkg/db/option"
	"github.com/nexfon/cbg/pkg/db/pagination"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *config.Config
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret string
	repo   repository.Repository[destinationdomain.Destination]
}

func NewService(p ServiceParam) destinationdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("destination.service"),
		secret: p.Config.SecretKey,
		repo:   repository.ProvideStore[destinationdomain.Destination](p.DB),
	}
}

func (s *Service) List(ctx context.Context, req destinationdomain.ListDestinationRequest) (destinationdomain.ListDestinationResponse, error) {
	filter := &destinationdomain.Destination{}
	if req.Code != nil {
		filter.Code = *req.Code
	}

	limit := req.PageSize
	if limit <= 0 {
		limit = 10
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Field: "prefix", Allow: map[string]bool{"prefix": true, "created_at": true}}),
		option.WithLimit(limit + 1),
	}
	if req.Prefix != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "prefix",
			Operator: option.GTE,
			Value:    *req.Prefix,
		}))
	}

	items, err := s.repo.Find(ctx, filter, options...)
	if err != nil {
		return destinationdomain.ListDestinationResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, limit, func(d *destinationdomain.Destination) string {
		return d.Prefix
	})
	if len(items) > limit {
		items = items[:limit]
	}

	destinations := make([]destinationdomain.Destination, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		destinations = append(destinations, *item)
	}

	return destinationdomain.ListDestinationResponse{
		PageInfo:     *pageInfo,
		Destinations: destinations,
	}, nil
}

func (s *Service) Get(ctx context.Context, id string) (destinationdomain.Destination, error) {
	destID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return destinationdomain.Destination{}, destinationdomain.ErrNotFound
	}

	item, err := s.repo.FindOne(ctx, &destinationdomain.Destination{ID: destID})
	if err != nil {
		return destinationdomain.Destination{}, err
	}
	if item == nil {
		return destinationdomain.Destination{}, destinationdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) Create(ctx context.Context, dest destinationdomain.Destination) (destinationdomain.Destination, error) {
	if err := validate(&dest); err != nil {
		return destinationdomain.Destination{}, err
	}

	dest.ID = uuid.New()
	dest.Checksum = integrity.Checksum(s.secret, dest)

	if err := s.repo.Create(ctx, &dest); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return destinationdomain.Destination{}, destinationdomain.ErrDuplicatePrefix
		}
		return destinationdomain.Destination{}, err
	}
	return dest, nil
}

func (s *Service) Update(ctx context.Context, id string, dest destinationdomain.Destination) (destinationdomain.Destination, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return destinationdomain.Destination{}, err
	}
	if err := validate(&dest); err != nil {
		return destinationdomain.Destination{}, err
	}

	current.Prefix = dest.Prefix
	current.Name = dest.Name
	current.CountryCode = dest.CountryCode
	current.Code = dest.Code
	current.Checksum = integrity.Checksum(s.secret, current)

	if err := s.repo.Save(ctx, &current); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return destinationdomain.Destination{}, destinationdomain.ErrDuplicatePrefix
		}
		return destinationdomain.Destination{}, err
	}
	return current, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Table("branch_destinations").
			Where("destination_id = ?", current.ID).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs == 0 {
			if err := tx.Table("operator_destinations").
				Where("destination_id = ?", current.ID).
				Count(&refs).Error; err != nil {
				return err
			}
		}
		if refs > 0 {
			return destinationdomain.ErrInUse
		}
		return tx.Delete(&destinationdomain.Destination{}, "id = ?", current.ID).Error
	})
}

func validate(dest *destinationdomain.Destination) error {
	dest.Prefix = strings.TrimSpace(dest.Prefix)
	if dest.Prefix == "" {
		return destinationdomain.ErrInvalidPrefix
	}
	for _, r := range dest.Prefix {
		if (r < '0' || r > '9') && r != '+' {
			return destinationdomain.ErrInvalidPrefix
		}
	}
	if !dest.Code.Valid() {
		return destinationdomain.ErrInvalidCode
	}
	return nil
}
