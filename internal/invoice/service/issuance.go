package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/calendar"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/pkg/db"
)

func (s *Service) IssuePeriodicInvoice(ctx context.Context, req invoicedomain.IssuePeriodicRequest) (invoicedomain.Invoice, error) {
	sub, err := s.subscriptionByID(ctx, req.SubscriptionID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if !sub.IsAllocated {
		return invoicedomain.Invoice{}, invoicedomain.ErrSubscriptionGone
	}
	if sub.SubscriptionType == subscriptiondomain.TypeUnlimited {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidOperation
	}

	var existing int64
	err = s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("subscription_id = ? AND from_date = ? AND to_date = ? AND invoice_type_code = ?",
			sub.ID, req.FromDate, req.ToDate, invoicedomain.TypePeriodic).
		Count(&existing).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if existing > 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateWindow
	}

	return s.issue(ctx, sub, invoicedomain.TypePeriodic, req.FromDate, req.ToDate, req.Description)
}

func (s *Service) IssueInterimInvoice(ctx context.Context, req invoicedomain.IssueInterimRequest) (invoicedomain.Invoice, error) {
	sub, err := s.subscriptions.GetByCode(ctx, req.SubscriptionCode)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if !sub.IsAllocated {
		return invoicedomain.Invoice{}, invoicedomain.ErrSubscriptionGone
	}
	if sub.SubscriptionType == subscriptiondomain.TypeUnlimited {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidOperation
	}

	acquired, err := s.subscriptions.InterimRequested(ctx, sub.SubscriptionCode)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if !acquired {
		return invoicedomain.Invoice{}, invoicedomain.ErrInterimInFlight
	}

	from, err := s.lastSettledBoundary(ctx, sub)
	if err != nil {
		s.releaseInterim(ctx, sub.SubscriptionCode)
		return invoicedomain.Invoice{}, err
	}

	inv, err := s.issue(ctx, sub, invoicedomain.TypeInterim, from, s.clock.Now(), req.Description)
	if err != nil {
		s.releaseInterim(ctx, sub.SubscriptionCode)
		return invoicedomain.Invoice{}, err
	}
	// The lock stays held until the invoice reaches a terminal state or the
	// watchdog expires it; an auto-paid interim is already terminal.
	if inv.StatusCode.Terminal() {
		s.releaseInterim(ctx, sub.SubscriptionCode)
	}
	return inv, nil
}

func (s *Service) issue(ctx context.Context, sub subscriptiondomain.Subscription, invoiceType invoicedomain.InvoiceType, from, to time.Time, description string) (invoicedomain.Invoice, error) {
	usage, err := s.rating.UsageBreakdown(ctx, sub.SubscriptionCode, from, to)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	postpaid := poolColumns(usage.Postpaid)
	prepaid := poolColumns(usage.Prepaid)
	usageCost := postpaid.TotalCost() + prepaid.TotalCost()

	// The MIS fee is the fixed line rental; interim closes never charge it
	// and a dead MIS must not block issuance.
	var subscriptionFee int64
	if invoiceType == invoicedomain.TypePeriodic {
		fee, feeErr := s.mis.CalculateBill(ctx, sub.SubscriptionCode, from, to)
		if feeErr != nil {
			s.log.Warn("subscription fee lookup failed, charging zero",
				zap.String("subscription_code", sub.SubscriptionCode),
				zap.Error(feeErr))
			fee = 0
		}
		subscriptionFee = fee
	}

	debt, err := s.outstandingDebt(ctx, sub.ID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	taxCost := int64(math.Ceil(float64(usageCost) * defaultTaxPercent / 100))
	subtotal := usageCost + subscriptionFee + taxCost + debt

	discountPercent, err := s.runtimeConfig.GetInt(ctx, rcdomain.KeyDiscountPercentValue)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	discountStatic, err := s.runtimeConfig.GetInt(ctx, rcdomain.KeyDiscountStaticValue)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	discount := subtotal*int64(discountPercent)/100 + int64(discountStatic)

	total := subtotal - discount
	if total < 0 {
		total = 0
	}
	rounded := total / 1000 * 1000

	duePeriods, err := s.runtimeConfig.GetInt(ctx, rcdomain.KeyInvoiceDueDatesPeriod)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	now := s.clock.Now()
	dueDate := calendar.AddMonths(now, duePeriods)

	inv := invoicedomain.Invoice{
		ID:                    uuid.New(),
		TrackingCode:          s.tracking.Next(),
		SubscriptionID:        sub.ID,
		PeriodCount:           1,
		InvoiceTypeCode:       invoiceType,
		FromDate:              from,
		ToDate:                to,
		DueDate:               &dueDate,
		DueDateNotified:       invoicedomain.NoWarning,
		TaxPercent:            defaultTaxPercent,
		TaxCost:               taxCost,
		Discount:              discount,
		Debt:                  debt,
		SubscriptionFee:       subscriptionFee,
		Postpaid:              postpaid,
		Prepaid:               prepaid,
		StatusCode:            invoicedomain.StatusReady,
		TotalCost:             total,
		TotalCostRounded:      rounded,
		DifferenceWithRounded: total - rounded,
		OnDemand:              invoiceType == invoicedomain.TypeInterim,
		Description:           description,
		CreatedAt:             now,
	}
	inv.Checksum = integrity.Checksum(s.secret, inv)

	if err := s.invoices.Create(ctx, &inv); err != nil {
		// The unique window index backstops the pre-insert count when two
		// scheduler instances race on the same window.
		if db.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateWindow
		}
		return invoicedomain.Invoice{}, err
	}
	s.metrics.InvoicesIssued.WithLabelValues(string(invoiceType)).Inc()

	if sub.AutoPay {
		if err := s.SettleFromCredit(ctx, invoicedomain.UsedForInvoice, inv.ID); err != nil {
			if err != invoicedomain.ErrInsufficientCredit {
				s.log.Warn("auto pay settlement failed",
					zap.String("invoice_id", inv.ID.String()),
					zap.Error(err))
			}
			return inv, nil
		}
		return s.GetInvoice(ctx, inv.ID)
	}
	return inv, nil
}

// lastSettledBoundary is the to_date of the most recent settled periodic or
// interim invoice, falling back to the subscription's creation.
func (s *Service) lastSettledBoundary(ctx context.Context, sub subscriptiondomain.Subscription) (time.Time, error) {
	var inv invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND status_code = ?", sub.ID, invoicedomain.StatusSuccess).
		Order("to_date DESC").
		First(&inv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return sub.CreatedAt, nil
		}
		return time.Time{}, err
	}
	return inv.ToDate, nil
}

// outstandingDebt sums unpaid invoices so the new close carries them forward.
func (s *Service) outstandingDebt(ctx context.Context, subscriptionID uuid.UUID) (int64, error) {
	var debt int64
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Select("COALESCE(SUM(total_cost), 0)").
		Where("subscription_id = ? AND status_code IN ?", subscriptionID,
			[]invoicedomain.Status{invoicedomain.StatusReady, invoicedomain.StatusPending}).
		Scan(&debt).Error
	return debt, err
}

func (s *Service) releaseInterim(ctx context.Context, subscriptionCode string) {
	if err := s.subscriptions.InterimProcessed(ctx, subscriptionCode); err != nil {
		s.log.Error("interim lock release failed",
			zap.String("subscription_code", subscriptionCode),
			zap.Error(err))
	}
}

func poolColumns(pool ratingengine.PoolUsage) invoicedomain.UsageColumns {
	return invoicedomain.UsageColumns{
		LandlinesLocalUsage:        pool.LandlinesLocal.Usage,
		LandlinesLocalCost:         pool.LandlinesLocal.Cost,
		LandlinesLongDistanceUsage: pool.LandlinesLongDistance.Usage,
		LandlinesLongDistanceCost:  pool.LandlinesLongDistance.Cost,
		LandlinesCorporateUsage:    pool.LandlinesCorporate.Usage,
		LandlinesCorporateCost:     pool.LandlinesCorporate.Cost,
		MobileUsage:                pool.Mobile.Usage,
		MobileCost:                 pool.Mobile.Cost,
		InternationalUsage:         pool.International.Usage,
		InternationalCost:          pool.International.Cost,
	}
}
