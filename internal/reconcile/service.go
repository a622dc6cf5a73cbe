package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/metrics"
	"fiscal-inbox-go/internal/models"
)

// DefaultPaymentTermDays is added to the issue date when no due date is given
const DefaultPaymentTermDays = 30

// DefaultIgnoreReason is recorded when an operator ignores without a reason
const DefaultIgnoreReason = "ignored by operator"

// DocumentStore is the part of the document repository the service needs.
// Accept and Ignore must only apply to documents that are still pending.
type DocumentStore interface {
	Get(ctx context.Context, id uint) (*models.IngestedDocument, error)
	ListPending(ctx context.Context) ([]models.IngestedDocument, error)
	Accept(ctx context.Context, id uint, obligation *models.PayableObligation, at time.Time) error
	Ignore(ctx context.Context, id uint, notes string, at time.Time) error
}

// Service turns pending documents into payable obligations or dismisses them
type Service struct {
	docs    DocumentStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new reconciliation service
func NewService(docs DocumentStore, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	return &Service{docs: docs, metrics: m, now: time.Now}
}

// Accept creates the payable obligation for a pending document and marks it
// processed. dueDate defaults to the issue date plus the payment term and an
// empty description is derived from the document.
func (s *Service) Accept(ctx context.Context, id uint, dueDate *time.Time, description string) (*models.PayableObligation, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.StatusPending {
		return nil, models.ErrInvalidState
	}

	due := doc.IssuedAt.AddDate(0, 0, DefaultPaymentTermDays)
	if dueDate != nil {
		due = *dueDate
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = fmt.Sprintf("NFe %s - %s", doc.DocumentNumber, doc.IssuerName)
	}

	obligation := &models.PayableObligation{
		SourceDocumentID: doc.ID,
		Description:      description,
		Amount:           doc.TotalAmount,
		DueDate:          due,
		Supplier:         doc.IssuerName,
		SupplierTaxID:    doc.IssuerTaxID,
		DocumentNumber:   doc.AccessKey,
		Category:         models.ObligationCategoryInvoice,
		Status:           models.ObligationStatusOpen,
	}
	if err := s.docs.Accept(ctx, doc.ID, obligation, s.now()); err != nil {
		return nil, err
	}

	s.metrics.Accepted.Inc()
	s.metrics.PendingDocuments.Dec()
	logrus.WithFields(logrus.Fields{
		"document_id":   doc.ID,
		"access_key":    doc.AccessKey,
		"obligation_id": obligation.ID,
		"amount":        obligation.Amount.StringFixed(2),
		"due_date":      due.Format("2006-01-02"),
	}).Info("Document accepted")
	return obligation, nil
}

// Ignore marks a pending document as ignored, recording the reason in notes
func (s *Service) Ignore(ctx context.Context, id uint, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultIgnoreReason
	}

	if err := s.docs.Ignore(ctx, id, "Ignored: "+reason, s.now()); err != nil {
		return err
	}

	s.metrics.Ignored.Inc()
	s.metrics.PendingDocuments.Dec()
	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"reason":      reason,
	}).Info("Document ignored")
	return nil
}

// ProcessAllPending accepts every pending document with default terms. A
// failing document is logged and skipped; the number accepted is returned.
func (s *Service) ProcessAllPending(ctx context.Context) (int, error) {
	pending, err := s.docs.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, doc := range pending {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		if _, err := s.Accept(ctx, doc.ID, nil, ""); err != nil {
			if !errors.Is(err, models.ErrInvalidState) {
				logrus.WithError(err).WithField("document_id", doc.ID).Error("Failed to accept pending document")
			}
			continue
		}
		accepted++
	}

	logrus.WithFields(logrus.Fields{
		"pending":  len(pending),
		"accepted": accepted,
	}).Info("Processed pending documents")
	return accepted, nil
}
