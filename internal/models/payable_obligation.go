package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObligationStatusOpen is the state of a payable that has not been settled yet
const ObligationStatusOpen = "OPEN"

// ObligationCategoryInvoice tags payables created from electronic invoices
const ObligationCategoryInvoice = "NFE"

// PayableObligation is the accounts-payable record created when an operator
// accepts an ingested document. SourceDocumentID is unique so a document can
// back at most one obligation.
type PayableObligation struct {
	ID               uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	SourceDocumentID uint            `json:"source_document_id" gorm:"not null;uniqueIndex"`
	Description      string          `json:"description" gorm:"type:varchar(255);not null"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(15,2);not null"`
	DueDate          time.Time       `json:"due_date" gorm:"not null"`
	Supplier         string          `json:"supplier" gorm:"type:varchar(255)"`
	SupplierTaxID    string          `json:"supplier_tax_id" gorm:"type:varchar(14)"`
	DocumentNumber   string          `json:"document_number" gorm:"type:varchar(44)"`
	Category         string          `json:"category" gorm:"type:varchar(50)"`
	Status           string          `json:"status" gorm:"type:varchar(20);not null"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TableName specifies the table name for PayableObligation
func (PayableObligation) TableName() string {
	return "payable_obligations"
}
