package commerce

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

const invoicePrefix = "TBQ"

// nextInvoiceNumber formats the TBQ-YYYYMM-NNNNN number for the month of
// issuedAt. NNNNN is the count of invoices already issued within that
// calendar month plus one, read inside the caller's write transaction;
// the unique index on order_id is the idempotency guard and the unique
// index on the number catches any counter drift.
func nextInvoiceNumber(tx *gorm.DB, issuedAt time.Time) (string, error) {
	monthStart := time.Date(issuedAt.Year(), issuedAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var issued int64
	err := tx.Model(&Invoice{}).
		Where("issued_at_s >= ? AND issued_at_s < ?", monthStart.Unix(), monthEnd.Unix()).
		Count(&issued).Error
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%05d", invoicePrefix, issuedAt.UTC().Format("200601"), issued+1), nil
}
