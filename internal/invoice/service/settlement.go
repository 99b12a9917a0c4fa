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
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

const (
	settlementAttempts = 3
	settlementBackoff  = 50 * time.Millisecond
)

// target is one settleable ledger row resolved from the used_for tag.
type target struct {
	usedFor        invoicedomain.UsedFor
	id             uuid.UUID
	subscriptionID uuid.UUID
	totalCost      int64
	status         invoicedomain.Status
	table          string
	// paidChecksum recomputes the row checksum as it will look after the
	// paid transition; status_code is a covered column.
	paidChecksum func(creditInvoiceID uuid.UUID, now time.Time) string
}

// SettleFromCredit pays the ledger row from stored customer credit. Lost
// updates on the credit column are caught by an optimistic compare and the
// transaction retried with backoff.
func (s *Service) SettleFromCredit(ctx context.Context, usedFor invoicedomain.UsedFor, usedForID uuid.UUID) error {
	var lastErr error
	for attempt := 0; attempt < settlementAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.SettlementRetries.Inc()
			time.Sleep(settlementBackoff << attempt)
		}

		err := s.settleOnce(ctx, usedFor, usedForID)
		if err == invoicedomain.ErrSettlementContended {
			lastErr = err
			continue
		}
		if err != nil {
			s.metrics.Settlements.WithLabelValues("error").Inc()
			return err
		}
		s.metrics.Settlements.WithLabelValues("ok").Inc()
		return nil
	}
	s.metrics.Settlements.WithLabelValues("contended").Inc()
	return lastErr
}

func (s *Service) settleOnce(ctx context.Context, usedFor invoicedomain.UsedFor, usedForID uuid.UUID) error {
	now := s.clock.Now()
	var settled *target

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.loadTarget(tx, usedFor, usedForID)
		if err != nil {
			return err
		}
		if t.status == invoicedomain.StatusSuccess {
			return nil
		}
		if t.status == invoicedomain.StatusRevoke {
			return invoicedomain.ErrInvalidTransition
		}

		sub, customer, err := s.lockOwner(tx, t.subscriptionID)
		if err != nil {
			return err
		}

		credit, err := s.openCreditInvoice(ctx, tx, customer, t, now)
		if err != nil {
			return err
		}

		if customer.Credit < t.totalCost {
			return invoicedomain.ErrInsufficientCredit
		}

		previousCredit := customer.Credit
		customer.Credit -= t.totalCost
		customer.Checksum = integrity.Checksum(s.secret, customer)

		result := tx.Model(&customerdomain.Customer{}).
			Where("id = ? AND credit = ?", customer.ID, previousCredit).
			Updates(map[string]any{
				"credit":   customer.Credit,
				"checksum": customer.Checksum,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrSettlementContended
		}

		credit.StatusCode = invoicedomain.StatusSuccess
		credit.PaidAt = &now
		credit.UpdatedStatusAt = now
		credit.Checksum = integrity.Checksum(s.secret, *credit)
		result = tx.Model(&invoicedomain.CreditInvoice{}).
			Where("id = ? AND status_code = ?", credit.ID, invoicedomain.StatusPending).
			Updates(map[string]any{
				"status_code":       invoicedomain.StatusSuccess,
				"paid_at":           now,
				"updated_status_at": now,
				"checksum":          credit.Checksum,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvalidTransition
		}

		if err := s.markTargetPaid(tx, t, credit.ID, now); err != nil {
			return err
		}

		if t.usedFor == invoicedomain.UsedForInvoice {
			if err := tx.Model(&subscriptiondomain.Subscription{}).
				Where("id = ? AND (latest_paid_at IS NULL OR latest_paid_at < ?)", sub.ID, now).
				Update("latest_paid_at", now).Error; err != nil {
				return err
			}
		}

		settled = &t
		return nil
	})
	if err != nil {
		return err
	}
	if settled == nil {
		return nil
	}

	s.afterSettle(ctx, *settled, now)
	return nil
}

func (s *Service) loadTarget(tx *gorm.DB, usedFor invoicedomain.UsedFor, id uuid.UUID) (target, error) {
	t := target{usedFor: usedFor, id: id}

	switch usedFor {
	case invoicedomain.UsedForInvoice:
		var inv invoicedomain.Invoice
		result := tx.Raw(`SELECT * FROM invoices WHERE id = ? FOR UPDATE`, id).Scan(&inv)
		if result.Error != nil {
			return t, result.Error
		}
		if result.RowsAffected == 0 {
			return t, invoicedomain.ErrNotFound
		}
		t.subscriptionID = inv.SubscriptionID
		t.totalCost = inv.TotalCost
		t.status = inv.StatusCode
		t.table = "invoices"
		t.paidChecksum = func(creditID uuid.UUID, now time.Time) string {
			inv.StatusCode = invoicedomain.StatusSuccess
			inv.PaidAt = &now
			inv.CreditInvoiceID = &creditID
			return integrity.Checksum(s.secret, inv)
		}
	case invoicedomain.UsedForBaseBalanceInvoice:
		var bb invoicedomain.BaseBalanceInvoice
		result := tx.Raw(`SELECT * FROM base_balance_invoices WHERE id = ? FOR UPDATE`, id).Scan(&bb)
		if result.Error != nil {
			return t, result.Error
		}
		if result.RowsAffected == 0 {
			return t, invoicedomain.ErrNotFound
		}
		t.subscriptionID = bb.SubscriptionID
		t.totalCost = bb.TotalCost
		t.status = bb.StatusCode
		t.table = "base_balance_invoices"
		t.paidChecksum = func(creditID uuid.UUID, now time.Time) string {
			bb.StatusCode = invoicedomain.StatusSuccess
			bb.PaidAt = &now
			bb.CreditInvoiceID = &creditID
			return integrity.Checksum(s.secret, bb)
		}
	case invoicedomain.UsedForPackageInvoice:
		var pkg invoicedomain.PackageInvoice
		result := tx.Raw(`SELECT * FROM package_invoices WHERE id = ? FOR UPDATE`, id).Scan(&pkg)
		if result.Error != nil {
			return t, result.Error
		}
		if result.RowsAffected == 0 {
			return t, invoicedomain.ErrNotFound
		}
		t.subscriptionID = pkg.SubscriptionID
		t.totalCost = pkg.TotalCost
		t.status = pkg.StatusCode
		t.table = "package_invoices"
		t.paidChecksum = func(creditID uuid.UUID, now time.Time) string {
			pkg.StatusCode = invoicedomain.StatusSuccess
			pkg.PaidAt = &now
			pkg.CreditInvoiceID = &creditID
			return integrity.Checksum(s.secret, pkg)
		}
	default:
		return t, invoicedomain.ErrInvalidOperation
	}
	return t, nil
}

func (s *Service) lockOwner(tx *gorm.DB, subscriptionID uuid.UUID) (subscriptiondomain.Subscription, customerdomain.Customer, error) {
	var sub subscriptiondomain.Subscription
	if err := tx.First(&sub, "id = ?", subscriptionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return sub, customerdomain.Customer{}, subscriptiondomain.ErrNotFound
		}
		return sub, customerdomain.Customer{}, err
	}

	var customer customerdomain.Customer
	result := tx.Raw(`SELECT * FROM customers WHERE id = ? FOR UPDATE`, sub.CustomerID).Scan(&customer)
	if result.Error != nil {
		return sub, customer, result.Error
	}
	if result.RowsAffected == 0 {
		return sub, customer, customerdomain.ErrNotFound
	}

	if !integrity.Verify(s.secret, customer, customer.Checksum) {
		s.metrics.IntegrityFailures.Inc()
		s.log.Error("customer checksum mismatch before settlement",
			zap.String("customer_code", customer.CustomerCode))
		return sub, customer, invoicedomain.ErrCreditDrift
	}
	return sub, customer, nil
}

// openCreditInvoice reuses the pending credit invoice for this target or
// creates one with a fresh cool-down.
func (s *Service) openCreditInvoice(ctx context.Context, tx *gorm.DB, customer customerdomain.Customer, t target, now time.Time) (*invoicedomain.CreditInvoice, error) {
	var credit invoicedomain.CreditInvoice
	usedFor := t.usedFor
	err := tx.Where("used_for = ? AND used_for_id = ? AND status_code IN ?",
		usedFor, t.id, []invoicedomain.Status{invoicedomain.StatusReady, invoicedomain.StatusPending}).
		First(&credit).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if err == gorm.ErrRecordNotFound {
		coolDownMinutes, cfgErr := s.runtimeConfig.GetInt(ctx, rcdomain.KeyPaymentCoolDown)
		if cfgErr != nil {
			return nil, cfgErr
		}
		coolDown := now.Add(time.Duration(coolDownMinutes) * time.Minute)
		credit = invoicedomain.CreditInvoice{
			ID:              uuid.New(),
			TrackingCode:    s.tracking.Next(),
			CustomerID:      customer.ID,
			OperationType:   invoicedomain.OperationDecrease,
			UsedFor:         &usedFor,
			UsedForID:       &t.id,
			TotalCost:       t.totalCost,
			StatusCode:      invoicedomain.StatusPending,
			PayCoolDown:     &coolDown,
			UpdatedStatusAt: now,
			CreatedAt:       now,
		}
		credit.Checksum = integrity.Checksum(s.secret, credit)
		if err := tx.Create(&credit).Error; err != nil {
			return nil, err
		}
		return &credit, nil
	}

	if credit.StatusCode == invoicedomain.StatusReady {
		if err := tx.Model(&invoicedomain.CreditInvoice{}).
			Where("id = ? AND status_code = ?", credit.ID, invoicedomain.StatusReady).
			Updates(map[string]any{
				"status_code":       invoicedomain.StatusPending,
				"updated_status_at": now,
			}).Error; err != nil {
			return nil, err
		}
		credit.StatusCode = invoicedomain.StatusPending
	}
	return &credit, nil
}

func (s *Service) markTargetPaid(tx *gorm.DB, t target, creditInvoiceID uuid.UUID, now time.Time) error {
	result := tx.Table(t.table).
		Where("id = ? AND status_code IN ?", t.id,
			[]invoicedomain.Status{invoicedomain.StatusReady, invoicedomain.StatusPending}).
		Updates(map[string]any{
			"status_code":       invoicedomain.StatusSuccess,
			"paid_at":           now,
			"credit_invoice_id": creditInvoiceID,
			"checksum":          t.paidChecksum(creditInvoiceID, now),
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.ErrInvalidTransition
	}
	return nil
}

// afterSettle runs the side effects that must not hold the settlement
// transaction open.
func (s *Service) afterSettle(ctx context.Context, t target, paidAt time.Time) {
	switch t.usedFor {
	case invoicedomain.UsedForInvoice:
		inv, err := s.GetInvoice(ctx, t.id)
		if err != nil {
			return
		}
		if inv.InvoiceTypeCode == invoicedomain.TypeInterim {
			if sub, subErr := s.subscriptionByID(ctx, inv.SubscriptionID); subErr == nil {
				s.releaseInterim(ctx, sub.SubscriptionCode)
			}
		}
	case invoicedomain.UsedForPackageInvoice:
		if err := s.activatePackage(ctx, t.id, paidAt); err != nil {
			s.log.Error("package activation after settlement failed",
				zap.String("package_invoice_id", t.id.String()),
				zap.Error(err))
		}
	}
}

// RevokeCreditInvoice returns a pending credit invoice to ready, leaving
// customer credit untouched. Used when a gateway attempt fails.
func (s *Service) RevokeCreditInvoice(ctx context.Context, creditInvoiceID uuid.UUID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var credit invoicedomain.CreditInvoice
		found := tx.Raw(`SELECT * FROM credit_invoices WHERE id = ? FOR UPDATE`, creditInvoiceID).Scan(&credit)
		if found.Error != nil {
			return found.Error
		}
		if found.RowsAffected == 0 || credit.StatusCode != invoicedomain.StatusPending {
			return invoicedomain.ErrInvalidTransition
		}

		// status_code is a covered column; the checksum must follow it.
		credit.StatusCode = invoicedomain.StatusReady
		result := tx.Model(&invoicedomain.CreditInvoice{}).
			Where("id = ? AND status_code = ?", creditInvoiceID, invoicedomain.StatusPending).
			Updates(map[string]any{
				"status_code":       invoicedomain.StatusReady,
				"updated_status_at": now,
				"checksum":          integrity.Checksum(s.secret, credit),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvalidTransition
		}
		return nil
	})
}

// IncreaseCredit tops up the customer through an immediately successful
// increase credit invoice.
func (s *Service) IncreaseCredit(ctx context.Context, customerCode string, amount int64) (invoicedomain.CreditInvoice, error) {
	if amount <= 0 {
		return invoicedomain.CreditInvoice{}, invoicedomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var credit invoicedomain.CreditInvoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer customerdomain.Customer
		result := tx.Raw(`SELECT * FROM customers WHERE customer_code = ? FOR UPDATE`, customerCode).Scan(&customer)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return customerdomain.ErrNotFound
		}

		credit = invoicedomain.CreditInvoice{
			ID:              uuid.New(),
			TrackingCode:    s.tracking.Next(),
			CustomerID:      customer.ID,
			OperationType:   invoicedomain.OperationIncrease,
			TotalCost:       amount,
			StatusCode:      invoicedomain.StatusSuccess,
			PaidAt:          &now,
			UpdatedStatusAt: now,
			CreatedAt:       now,
		}
		credit.Checksum = integrity.Checksum(s.secret, credit)
		if err := tx.Create(&credit).Error; err != nil {
			return err
		}

		customer.Credit += amount
		customer.Checksum = integrity.Checksum(s.secret, customer)
		return tx.Model(&customerdomain.Customer{}).
			Where("id = ?", customer.ID).
			Updates(map[string]any{
				"credit":   customer.Credit,
				"checksum": customer.Checksum,
			}).Error
	})
	if err != nil {
		return invoicedomain.CreditInvoice{}, err
	}
	return credit, nil
}
