package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/mis"
	"github.com/nexfon/cbg/internal/observability/metrics"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/internal/tracking"
	"github.com/nexfon/cbg/internal/trunk"
	"github.com/nexfon/cbg/pkg/repository"
)

// VAT percentage applied to usage costs.
const defaultTaxPercent = 9

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        *config.Config
	Tuning        *config.TuningHolder
	Clock         clock.Clock
	Tracking      *tracking.Generator
	Rating        ratingengine.Client
	MIS           mis.Client
	Notifier      trunk.Notifier
	Metrics       *metrics.Metrics
	Subscriptions subscriptiondomain.Service
	Customers     customerdomain.Service
	Packages      packagedomain.Service
	RuntimeConfig rcdomain.Service
	FailedJobs    failedjobdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret        string
	tuning        *config.TuningHolder
	clock         clock.Clock
	tracking      *tracking.Generator
	rating        ratingengine.Client
	mis           mis.Client
	notifier      trunk.Notifier
	metrics       *metrics.Metrics
	subscriptions subscriptiondomain.Service
	customers     customerdomain.Service
	packages      packagedomain.Service
	runtimeConfig rcdomain.Service
	failedJobs    failedjobdomain.Service

	invoices        repository.Repository[invoicedomain.Invoice]
	creditInvoices  repository.Repository[invoicedomain.CreditInvoice]
	baseBalances    repository.Repository[invoicedomain.BaseBalanceInvoice]
	packageInvoices repository.Repository[invoicedomain.PackageInvoice]
}

func NewService(p ServiceParam) invoicedomain.Service {
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("invoice.service"),
		secret:        p.Config.SecretKey,
		tuning:        p.Tuning,
		clock:         p.Clock,
		tracking:      p.Tracking,
		rating:        p.Rating,
		mis:           p.MIS,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		subscriptions: p.Subscriptions,
		customers:     p.Customers,
		packages:      p.Packages,
		runtimeConfig: p.RuntimeConfig,
		failedJobs:    p.FailedJobs,

		invoices:        repository.ProvideStore[invoicedomain.Invoice](p.DB),
		creditInvoices:  repository.ProvideStore[invoicedomain.CreditInvoice](p.DB),
		baseBalances:    repository.ProvideStore[invoicedomain.BaseBalanceInvoice](p.DB),
		packageInvoices: repository.ProvideStore[invoicedomain.PackageInvoice](p.DB),
	}
	p.FailedJobs.Register("PackageService", "renew", s.replayRenewPackage)
	return s
}

type renewPackageArgs struct {
	SubscriptionCode string `json:"subscription_code"`
	PackageCode      string `json:"package_code"`
}

func (s *Service) replayRenewPackage(ctx context.Context, raw json.RawMessage) error {
	var args renewPackageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	_, err := s.PurchasePackage(ctx, invoicedomain.PurchasePackageRequest{
		SubscriptionCode: args.SubscriptionCode,
		PackageCode:      args.PackageCode,
		AutoRenew:        true,
	})
	return err
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (invoicedomain.Invoice, error) {
	item, err := s.invoices.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if item == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) subscriptionByID(ctx context.Context, id uuid.UUID) (subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) customerByID(ctx context.Context, id uuid.UUID) (customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := s.db.WithContext(ctx).First(&customer, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return customerdomain.Customer{}, customerdomain.ErrNotFound
		}
		return customerdomain.Customer{}, err
	}
	return customer, nil
}
