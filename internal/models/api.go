package models

import (
	"time"
)

// IntegrationConfigRequest represents the request structure for saving the integration config
type IntegrationConfigRequest struct {
	IssuerTaxID       string      `json:"issuer_tax_id" binding:"required,numeric,min=11,max=14"`
	CertificateRef    string      `json:"certificate_ref" binding:"required"`
	CertificateSecret string      `json:"certificate_secret" binding:"required"`
	Environment       Environment `json:"environment" binding:"omitempty,oneof=SANDBOX PRODUCTION"`
	Region            string      `json:"region" binding:"omitempty,len=2,alpha"`
	Enabled           *bool       `json:"enabled"`
}

// AcceptRequest represents the request structure for accepting a document
type AcceptRequest struct {
	DueDate     string `json:"due_date" binding:"omitempty,datetime=2006-01-02"`
	Description string `json:"description" binding:"max=255"`
}

// IgnoreRequest represents the request structure for ignoring a document
type IgnoreRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// InboxStats summarises documents per status
type InboxStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Ignored   int64 `json:"ignored"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
