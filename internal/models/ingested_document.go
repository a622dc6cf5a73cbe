package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentStatus is the reconciliation state of an ingested document
type DocumentStatus string

const (
	StatusPending   DocumentStatus = "PENDING"
	StatusProcessed DocumentStatus = "PROCESSED"
	StatusIgnored   DocumentStatus = "IGNORED"
)

// Valid reports whether s is one of the known statuses
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusIgnored:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s
func (s DocumentStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusIgnored
}

// AccessKeyLength is the fixed length of an electronic invoice access key
const AccessKeyLength = 44

// IngestedDocument is one electronic invoice pulled from the tax authority feed.
// Rows are never deleted; AccessKey is the idempotency key for ingestion.
type IngestedDocument struct {
	ID                 uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	AccessKey          string          `json:"access_key" gorm:"type:varchar(44);not null;uniqueIndex"`
	DocumentNumber     string          `json:"document_number" gorm:"type:varchar(20);not null"`
	IssuerTaxID        string          `json:"issuer_tax_id" gorm:"type:varchar(14);not null;index"`
	IssuerName         string          `json:"issuer_name" gorm:"type:varchar(255);not null"`
	TotalAmount        decimal.Decimal `json:"total_amount" gorm:"type:decimal(15,2);not null"`
	IssuedAt           time.Time       `json:"issued_at" gorm:"not null"`
	Sequence           string          `json:"sequence" gorm:"type:varchar(20)"`
	RawPayload         string          `json:"-" gorm:"type:longblob;not null"`
	Status             DocumentStatus  `json:"status" gorm:"type:varchar(20);not null;index"`
	ImportedAt         time.Time       `json:"imported_at" gorm:"not null;index"`
	ProcessedAt        *time.Time      `json:"processed_at"`
	IgnoredAt          *time.Time      `json:"ignored_at"`
	LinkedObligationID *uint           `json:"linked_obligation_id" gorm:"index"`
	Notes              string          `json:"notes" gorm:"type:text"`
}

// TableName specifies the table name for IngestedDocument
func (IngestedDocument) TableName() string {
	return "ingested_documents"
}
