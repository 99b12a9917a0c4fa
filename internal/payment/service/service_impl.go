package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/clock"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	paymentdomain "github.com/nexfon/cbg/internal/payment/domain"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Invoices invoicedomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock    clock.Clock
	invoices invoicedomain.Service
	repo     repository.Repository[paymentdomain.Payment]
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		clock:    p.Clock,
		invoices: p.Invoices,
		repo:     repository.ProvideStore[paymentdomain.Payment](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (paymentdomain.Payment, error) {
	item, err := s.repo.FindOne(ctx, &paymentdomain.Payment{ID: id})
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if item == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreateRequest) (paymentdomain.Payment, error) {
	var credit invoicedomain.CreditInvoice
	err := s.db.WithContext(ctx).
		First(&credit, "id = ?", req.CreditInvoiceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return paymentdomain.Payment{}, paymentdomain.ErrCreditInvoiceGone
		}
		return paymentdomain.Payment{}, err
	}
	if credit.StatusCode != invoicedomain.StatusPending && credit.StatusCode != invoicedomain.StatusReady {
		return paymentdomain.Payment{}, paymentdomain.ErrNotPayable
	}

	now := s.clock.Now()
	payment := paymentdomain.Payment{
		ID:              uuid.New(),
		CreditInvoiceID: credit.ID,
		Amount:          credit.TotalCost,
		Gateway:         req.Gateway,
		ExtraData:       req.ExtraData,
		StatusCode:      paymentdomain.StatusPending,
		UpdatedStatusAt: now,
		CreatedAt:       now,
	}
	if err := s.repo.Create(ctx, &payment); err != nil {
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

// Resolve applies the gateway callback. Success deposits the paid amount
// into customer credit and settles the target through the credit flow, so
// the ledger invariant holds regardless of how the money arrived. Failure
// reverts the credit invoice to ready; the target stays pending.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, succeeded bool, extra datatypes.JSON) (paymentdomain.Payment, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment.StatusCode != paymentdomain.StatusPending {
		return paymentdomain.Payment{}, paymentdomain.ErrAlreadyResolved
	}

	var credit invoicedomain.CreditInvoice
	if err := s.db.WithContext(ctx).
		First(&credit, "id = ?", payment.CreditInvoiceID).Error; err != nil {
		return paymentdomain.Payment{}, err
	}

	now := s.clock.Now()
	newStatus := paymentdomain.StatusFailed
	if succeeded {
		newStatus = paymentdomain.StatusSuccess
	}

	result := s.db.WithContext(ctx).
		Model(&paymentdomain.Payment{}).
		Where("id = ? AND status_code = ?", payment.ID, paymentdomain.StatusPending).
		Updates(map[string]any{
			"status_code":       newStatus,
			"extra_data":        extra,
			"updated_status_at": now,
		})
	if result.Error != nil {
		return paymentdomain.Payment{}, result.Error
	}
	if result.RowsAffected == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrAlreadyResolved
	}

	if succeeded {
		if err := s.applySuccess(ctx, credit); err != nil {
			return paymentdomain.Payment{}, err
		}
	} else {
		if err := s.invoices.RevokeCreditInvoice(ctx, credit.ID); err != nil &&
			err != invoicedomain.ErrInvalidTransition {
			return paymentdomain.Payment{}, err
		}
		s.log.Info("gateway payment failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("credit_invoice_id", credit.ID.String()))
	}

	return s.Get(ctx, payment.ID)
}

func (s *Service) applySuccess(ctx context.Context, credit invoicedomain.CreditInvoice) error {
	var customer customerdomain.Customer
	if err := s.db.WithContext(ctx).
		First(&customer, "id = ?", credit.CustomerID).Error; err != nil {
		return err
	}

	if _, err := s.invoices.IncreaseCredit(ctx, customer.CustomerCode, credit.TotalCost); err != nil {
		return err
	}
	if credit.UsedFor == nil || credit.UsedForID == nil {
		return nil
	}
	return s.invoices.SettleFromCredit(ctx, *credit.UsedFor, *credit.UsedForID)
}
