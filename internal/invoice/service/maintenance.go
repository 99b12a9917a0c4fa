package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	"github.com/nexfon/cbg/internal/integrity"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
)

// DeleteInvoice removes an invoice that never settled. Successful invoices
// and invoices mid-payment are kept for the audit trail.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv invoicedomain.Invoice
		result := tx.Raw(`SELECT * FROM invoices WHERE id = ? FOR UPDATE`, id).Scan(&inv)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrNotFound
		}

		if inv.StatusCode != invoicedomain.StatusReady && inv.StatusCode != invoicedomain.StatusRevoke {
			return invoicedomain.ErrNotDeletable
		}

		var settled int64
		if err := tx.Model(&invoicedomain.CreditInvoice{}).
			Where("used_for = ? AND used_for_id = ? AND status_code = ?",
				invoicedomain.UsedForInvoice, inv.ID, invoicedomain.StatusSuccess).
			Count(&settled).Error; err != nil {
			return err
		}
		if settled > 0 {
			return invoicedomain.ErrNotDeletable
		}

		// Open credit invoices against the row die with it.
		if err := tx.Where("used_for = ? AND used_for_id = ?",
			invoicedomain.UsedForInvoice, inv.ID).
			Delete(&invoicedomain.CreditInvoice{}).Error; err != nil {
			return err
		}
		return tx.Delete(&invoicedomain.Invoice{}, "id = ?", inv.ID).Error
	})
}

// VerifyAndRepair recomputes the customer's credit from the credit invoice
// ledger and re-aligns the stored balance on drift. Returns true iff a
// repair was applied.
func (s *Service) VerifyAndRepair(ctx context.Context, branchCode, subscriptionCode string) (bool, error) {
	sub, err := s.subscriptions.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return false, err
	}

	repaired := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer customerdomain.Customer
		result := tx.Raw(`SELECT * FROM customers WHERE id = ? FOR UPDATE`, sub.CustomerID).Scan(&customer)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return customerdomain.ErrNotFound
		}

		var expected int64
		if err := tx.Model(&invoicedomain.CreditInvoice{}).
			Select(`COALESCE(SUM(CASE WHEN operation_type = ? THEN total_cost ELSE -total_cost END), 0)`,
				invoicedomain.OperationIncrease).
			Where("customer_id = ? AND status_code = ?", customer.ID, invoicedomain.StatusSuccess).
			Scan(&expected).Error; err != nil {
			return err
		}

		if expected == customer.Credit && integrity.Verify(s.secret, customer, customer.Checksum) {
			return nil
		}

		s.log.Warn("customer credit drift repaired",
			zap.String("customer_code", customer.CustomerCode),
			zap.String("branch_code", branchCode),
			zap.Int64("stored", customer.Credit),
			zap.Int64("expected", expected))

		customer.Credit = expected
		customer.Checksum = integrity.Checksum(s.secret, customer)
		repaired = true
		return tx.Model(&customerdomain.Customer{}).
			Where("id = ?", customer.ID).
			Updates(map[string]any{
				"credit":   customer.Credit,
				"checksum": customer.Checksum,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return repaired, nil
}
