package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

func (s *Service) PurchasePackage(ctx context.Context, req invoicedomain.PurchasePackageRequest) (invoicedomain.PackageInvoice, error) {
	sub, err := s.subscriptions.GetByCode(ctx, req.SubscriptionCode)
	if err != nil {
		return invoicedomain.PackageInvoice{}, err
	}
	if !sub.IsAllocated {
		return invoicedomain.PackageInvoice{}, invoicedomain.ErrSubscriptionGone
	}

	pkg, err := s.packages.GetByCode(ctx, req.PackageCode)
	if err != nil {
		return invoicedomain.PackageInvoice{}, err
	}
	now := s.clock.Now()
	if !pkg.AvailableAt(now) {
		return invoicedomain.PackageInvoice{}, invoicedomain.ErrInvalidOperation
	}

	pkgInv := invoicedomain.PackageInvoice{
		ID:             uuid.New(),
		TrackingCode:   s.tracking.Next(),
		SubscriptionID: sub.ID,
		PackageID:      &pkg.ID,
		TotalCost:      pkg.PackagePrice,
		TotalValue:     pkg.PackageValue,
		AutoRenew:      req.AutoRenew,
		StatusCode:     invoicedomain.StatusReady,
		CreatedAt:      now,
	}
	pkgInv.Checksum = integrity.Checksum(s.secret, pkgInv)

	if err := s.packageInvoices.Create(ctx, &pkgInv); err != nil {
		return invoicedomain.PackageInvoice{}, err
	}

	if err := s.SettleFromCredit(ctx, invoicedomain.UsedForPackageInvoice, pkgInv.ID); err != nil {
		return pkgInv, err
	}

	item, err := s.packageInvoices.FindOne(ctx, &invoicedomain.PackageInvoice{ID: pkgInv.ID})
	if err != nil || item == nil {
		return pkgInv, err
	}
	return *item, nil
}

// activatePackage runs after a package invoice settles: it opens the validity
// window and loads the allowance into the rating engine.
func (s *Service) activatePackage(ctx context.Context, packageInvoiceID uuid.UUID, paidAt time.Time) error {
	item, err := s.packageInvoices.FindOne(ctx, &invoicedomain.PackageInvoice{ID: packageInvoiceID})
	if err != nil {
		return err
	}
	if item == nil {
		return invoicedomain.ErrNotFound
	}

	due := 30
	if item.PackageID != nil {
		var pkgDue int
		if err := s.db.WithContext(ctx).
			Table("packages").
			Select("package_due").
			Where("id = ?", *item.PackageID).
			Scan(&pkgDue).Error; err == nil && pkgDue > 0 {
			due = pkgDue
		}
	}
	expiresAt := paidAt.AddDate(0, 0, due)

	item.IsActive = true
	item.ExpiredAt = &expiresAt
	err = s.db.WithContext(ctx).
		Model(&invoicedomain.PackageInvoice{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"is_active":  true,
			"expired_at": expiresAt,
			"checksum":   integrity.Checksum(s.secret, *item),
		}).Error
	if err != nil {
		return err
	}

	sub, err := s.subscriptionByID(ctx, item.SubscriptionID)
	if err != nil {
		return err
	}
	return s.rating.SetBalance(ctx, ratingengine.Balance{
		Account: sub.SubscriptionCode,
		Value:   item.TotalValue,
		Expiry:  &expiresAt,
	})
}

// ExpirePackageInvoice captures the unused remainder at the end of the
// validity window and deactivates the allowance.
func (s *Service) ExpirePackageInvoice(ctx context.Context, id uuid.UUID, at time.Time) (invoicedomain.PackageInvoice, error) {
	item, err := s.packageInvoices.FindOne(ctx, &invoicedomain.PackageInvoice{ID: id})
	if err != nil {
		return invoicedomain.PackageInvoice{}, err
	}
	if item == nil {
		return invoicedomain.PackageInvoice{}, invoicedomain.ErrNotFound
	}
	if item.IsExpired {
		return *item, nil
	}

	sub, err := s.subscriptionByID(ctx, item.SubscriptionID)
	if err != nil {
		return invoicedomain.PackageInvoice{}, err
	}

	// Remainder = face value minus what the prepaid pools consumed during
	// the window. A dead rating engine expires the package with remainder 0.
	var remainder int64
	if item.PaidAt != nil {
		usage, usageErr := s.rating.UsageBreakdown(ctx, sub.SubscriptionCode, *item.PaidAt, at)
		if usageErr != nil {
			s.log.Warn("usage lookup at package expiry failed",
				zap.String("subscription_code", sub.SubscriptionCode),
				zap.Error(usageErr))
		} else {
			remainder = item.TotalValue - poolColumns(usage.Prepaid).TotalCost()
			if remainder < 0 {
				remainder = 0
			}
		}
	}

	item.IsExpired = true
	item.IsActive = false
	result := s.db.WithContext(ctx).
		Model(&invoicedomain.PackageInvoice{}).
		Where("id = ? AND is_expired = ?", item.ID, false).
		Updates(map[string]any{
			"is_expired":    true,
			"is_active":     false,
			"expired_value": remainder,
			"expired_at":    at,
			"checksum":      integrity.Checksum(s.secret, *item),
		})
	if result.Error != nil {
		return invoicedomain.PackageInvoice{}, result.Error
	}

	updated, err := s.packageInvoices.FindOne(ctx, &invoicedomain.PackageInvoice{ID: item.ID})
	if err != nil || updated == nil {
		return *item, err
	}
	return *updated, nil
}

func (s *Service) IssueBaseBalanceInvoice(ctx context.Context, req invoicedomain.BaseBalanceRequest) (invoicedomain.BaseBalanceInvoice, error) {
	if req.Amount <= 0 {
		return invoicedomain.BaseBalanceInvoice{}, invoicedomain.ErrInvalidAmount
	}
	if req.OperationType != invoicedomain.OperationIncrease && req.OperationType != invoicedomain.OperationDecrease {
		return invoicedomain.BaseBalanceInvoice{}, invoicedomain.ErrInvalidOperation
	}

	sub, err := s.subscriptions.GetByCode(ctx, req.SubscriptionCode)
	if err != nil {
		return invoicedomain.BaseBalanceInvoice{}, err
	}
	if !sub.IsAllocated {
		return invoicedomain.BaseBalanceInvoice{}, invoicedomain.ErrSubscriptionGone
	}

	now := s.clock.Now()
	bb := invoicedomain.BaseBalanceInvoice{
		ID:             uuid.New(),
		TrackingCode:   s.tracking.Next(),
		SubscriptionID: sub.ID,
		OperationType:  req.OperationType,
		TotalCost:      req.Amount,
		StatusCode:     invoicedomain.StatusReady,
		CreatedAt:      now,
	}
	bb.Checksum = integrity.Checksum(s.secret, bb)

	if err := s.baseBalances.Create(ctx, &bb); err != nil {
		return invoicedomain.BaseBalanceInvoice{}, err
	}

	if req.OperationType == invoicedomain.OperationDecrease {
		if err := s.SettleFromCredit(ctx, invoicedomain.UsedForBaseBalanceInvoice, bb.ID); err != nil {
			return bb, err
		}
	} else {
		if err := s.settleIncrease(ctx, sub, &bb, now); err != nil {
			return bb, err
		}
	}

	item, err := s.baseBalances.FindOne(ctx, &invoicedomain.BaseBalanceInvoice{ID: bb.ID})
	if err != nil || item == nil {
		return bb, err
	}
	return *item, nil
}

// settleIncrease credits the customer through a successful increase credit
// invoice tagged to the base balance row.
func (s *Service) settleIncrease(ctx context.Context, sub subscriptiondomain.Subscription, bb *invoicedomain.BaseBalanceInvoice, now time.Time) error {
	usedFor := invoicedomain.UsedForBaseBalanceInvoice
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit := invoicedomain.CreditInvoice{
			ID:              uuid.New(),
			TrackingCode:    s.tracking.Next(),
			CustomerID:      sub.CustomerID,
			OperationType:   invoicedomain.OperationIncrease,
			UsedFor:         &usedFor,
			UsedForID:       &bb.ID,
			TotalCost:       bb.TotalCost,
			StatusCode:      invoicedomain.StatusSuccess,
			PaidAt:          &now,
			UpdatedStatusAt: now,
			CreatedAt:       now,
		}
		credit.Checksum = integrity.Checksum(s.secret, credit)
		if err := tx.Create(&credit).Error; err != nil {
			return err
		}

		var customer customerdomain.Customer
		result := tx.Raw(`SELECT * FROM customers WHERE id = ? FOR UPDATE`, sub.CustomerID).Scan(&customer)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return customerdomain.ErrNotFound
		}
		customer.Credit += bb.TotalCost
		customer.Checksum = integrity.Checksum(s.secret, customer)
		if err := tx.Model(&customerdomain.Customer{}).
			Where("id = ?", customer.ID).
			Updates(map[string]any{
				"credit":   customer.Credit,
				"checksum": customer.Checksum,
			}).Error; err != nil {
			return err
		}

		// status_code is a covered column; the checksum must follow it.
		bb.StatusCode = invoicedomain.StatusSuccess
		return tx.Model(&invoicedomain.BaseBalanceInvoice{}).
			Where("id = ? AND status_code = ?", bb.ID, invoicedomain.StatusReady).
			Updates(map[string]any{
				"status_code":       invoicedomain.StatusSuccess,
				"paid_at":           now,
				"credit_invoice_id": credit.ID,
				"checksum":          integrity.Checksum(s.secret, *bb),
			}).Error
	})
}
