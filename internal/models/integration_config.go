package models

import (
	"time"
)

// Environment selects which tax authority endpoint a cycle talks to
type Environment string

const (
	EnvironmentSandbox    Environment = "SANDBOX"
	EnvironmentProduction Environment = "PRODUCTION"
)

// InitialCursor is the watermark of a configuration that never completed a cycle
const InitialCursor = "0"

// DefaultRegion is the jurisdiction used when none is configured
const DefaultRegion = "SP"

// IntegrationConfig holds the credentials and feed position for the tax authority
// integration. Only one row is read per cycle.
type IntegrationConfig struct {
	ID                uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	IssuerTaxID       string      `json:"issuer_tax_id" gorm:"type:varchar(14);not null;uniqueIndex"`
	CertificateRef    string      `json:"certificate_ref" gorm:"type:varchar(512);not null"`
	CertificateSecret string      `json:"-" gorm:"type:varchar(255);not null"`
	Cursor            string      `json:"cursor" gorm:"column:feed_cursor;type:varchar(20);not null;default:'0'"`
	Environment       Environment `json:"environment" gorm:"type:varchar(20);not null;default:'SANDBOX'"`
	Region            string      `json:"region" gorm:"type:varchar(2);not null;default:'SP'"`
	Enabled           bool        `json:"enabled" gorm:"not null"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// TableName specifies the table name for IntegrationConfig
func (IntegrationConfig) TableName() string {
	return "integration_configs"
}
