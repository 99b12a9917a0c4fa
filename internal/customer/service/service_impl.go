package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	"github.com/nexfon/cbg/internal/integrity"
	"github.com/nexfon/cbg/internal/ratingengine"
	"github.com/nexfon/cbg/pkg/db"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *config.Config
	Rating ratingengine.Client
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret string
	rating ratingengine.Client
	repo   repository.Repository[customerdomain.Customer]
}

func NewService(p ServiceParam) customerdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("customer.service"),
		secret: p.Config.SecretKey,
		rating: p.Rating,
		repo:   repository.ProvideStore[customerdomain.Customer](p.DB),
	}
}

func (s *Service) GetByCode(ctx context.Context, customerCode string) (customerdomain.Customer, error) {
	item, err := s.repo.FindOne(ctx, &customerdomain.Customer{CustomerCode: customerCode})
	if err != nil {
		return customerdomain.Customer{}, err
	}
	if item == nil {
		return customerdomain.Customer{}, customerdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) Create(ctx context.Context, customerCode string) (customerdomain.Customer, error) {
	customerCode = strings.TrimSpace(customerCode)
	if customerCode == "" {
		return customerdomain.Customer{}, customerdomain.ErrInvalidCode
	}

	customer := customerdomain.Customer{
		ID:           uuid.New(),
		CustomerCode: customerCode,
	}
	customer.Checksum = integrity.Checksum(s.secret, customer)

	if err := s.repo.Create(ctx, &customer); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return customerdomain.Customer{}, customerdomain.ErrDuplicateCode
		}
		return customerdomain.Customer{}, err
	}

	// The prime account aggregates the customer's traffic in the rating
	// engine across all of their subscriptions.
	if err := s.rating.SetAccount(ctx, ratingengine.Account{
		Account:     customer.PrimeCode(),
		IsActive:    true,
		AccountType: ratingengine.AccountPostpaid,
	}); err != nil {
		return customerdomain.Customer{}, err
	}
	if err := s.rating.SetBalance(ctx, ratingengine.Balance{
		Account: customer.PrimeCode(),
		Value:   0,
	}); err != nil {
		return customerdomain.Customer{}, err
	}

	return customer, nil
}

// Delete refuses to remove customers with subscriptions or ledger history.
func (s *Service) Delete(ctx context.Context, customerCode string) error {
	customer, err := s.GetByCode(ctx, customerCode)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Table("subscriptions").
			Where("customer_id = ?", customer.ID).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs == 0 {
			if err := tx.Table("credit_invoices").
				Where("customer_id = ?", customer.ID).
				Count(&refs).Error; err != nil {
				return err
			}
		}
		if refs > 0 {
			return customerdomain.ErrProtected
		}
		return tx.Delete(&customerdomain.Customer{}, "id = ?", customer.ID).Error
	})
	if err != nil {
		return err
	}

	if err := s.rating.RemoveAccount(ctx, customer.PrimeCode()); err != nil {
		s.log.Warn("prime account removal failed",
			zap.String("customer_code", customerCode),
			zap.Error(err))
	}
	return nil
}
