package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/metrics"
	"fiscal-inbox-go/internal/models"
	"fiscal-inbox-go/internal/parser"
	"fiscal-inbox-go/internal/sefaz"
)

// ErrCycleInProgress is returned when another cycle holds the ingestion lock
var ErrCycleInProgress = errors.New("an ingestion cycle is already running")

// Triggers recorded with each cycle
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// ConfigStore loads the integration config and moves its cursor
type ConfigStore interface {
	Load(ctx context.Context) (*models.IntegrationConfig, error)
	AdvanceCursor(ctx context.Context, id uint, from, to string) error
}

// DocumentStore is the idempotent document sink
type DocumentStore interface {
	Exists(ctx context.Context, accessKey string) (bool, error)
	Insert(ctx context.Context, doc *models.IngestedDocument) (bool, error)
}

// Fetcher retrieves one page of the remote feed
type Fetcher interface {
	FetchBatch(ctx context.Context, creds sefaz.Credentials, cursor string) (sefaz.Batch, error)
}

// RunRecorder keeps the cycle history
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.SyncRun) error
}

// Notifier tells the finance team about cycle results
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body, related string) error
}

// Locker serialises cycles across processes. Acquire returns
// ErrCycleInProgress when the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Deps are the collaborators of an Engine. Runs, Notifier, Locker and
// Metrics are optional.
type Deps struct {
	Configs   ConfigStore
	Documents DocumentStore
	Fetcher   Fetcher
	Runs      RunRecorder
	Notifier  Notifier
	Locker    Locker
	Metrics   *metrics.Metrics
}

// Options tune the paging behaviour of a cycle
type Options struct {
	MaxPages  int
	PageDelay time.Duration
	Recipient string
}

// Rejection records a document that could not be parsed
type Rejection struct {
	Sequence string `json:"sequence"`
	Reason   string `json:"reason"`
}

// CycleReport summarises one run of the engine
type CycleReport struct {
	CycleID      string      `json:"cycle_id"`
	Trigger      string      `json:"trigger"`
	Skipped      bool        `json:"skipped"`
	SkipReason   string      `json:"skip_reason,omitempty"`
	Pages        int         `json:"pages"`
	Fetched      int         `json:"fetched"`
	Imported     int         `json:"imported"`
	Duplicates   int         `json:"duplicates"`
	Ignored      int         `json:"ignored"`
	Rejected     []Rejection `json:"rejected,omitempty"`
	CursorBefore string      `json:"cursor_before"`
	CursorAfter  string      `json:"cursor_after"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// Engine pulls new documents from the feed into the document store
type Engine struct {
	deps Deps
	opts Options

	mu    sync.Mutex
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new ingestion engine
func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	return &Engine{
		deps:  deps,
		opts:  opts,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// RunCycle fetches every page after the stored cursor, stores new invoices
// and advances the cursor page by page. It returns ErrCycleInProgress without
// a report when another cycle is running; otherwise the report is returned
// even if the cycle failed.
func (e *Engine) RunCycle(ctx context.Context, trigger string) (*CycleReport, error) {
	if !e.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer e.mu.Unlock()

	if e.deps.Locker != nil {
		release, err := e.deps.Locker.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	report := &CycleReport{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: e.now(),
	}
	log := logrus.WithFields(logrus.Fields{
		"cycle_id": report.CycleID,
		"trigger":  trigger,
	})

	err := e.run(ctx, report, log)
	e.finish(ctx, report, err, log)
	return report, err
}

func (e *Engine) run(ctx context.Context, report *CycleReport, log *logrus.Entry) error {
	cfg, err := e.deps.Configs.Load(ctx)
	if errors.Is(err, models.ErrNotFound) {
		report.Skipped, report.SkipReason = true, "integration not configured"
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load integration config: %w", err)
	}
	if !cfg.Enabled {
		report.Skipped, report.SkipReason = true, "integration disabled"
		return nil
	}

	cursor := cfg.Cursor
	if !sefaz.ValidCursor(cursor) {
		return fmt.Errorf("stored cursor %q is not a sequence number", cursor)
	}
	report.CursorBefore = sefaz.NormalizeCursor(cursor)
	report.CursorAfter = report.CursorBefore

	creds := sefaz.CredentialsFrom(cfg)
	for page := 0; page < e.opts.MaxPages; page++ {
		if page > 0 {
			if err := e.sleep(ctx, e.opts.PageDelay); err != nil {
				return err
			}
		}

		batch, err := e.deps.Fetcher.FetchBatch(ctx, creds, cursor)
		if err != nil {
			e.deps.Metrics.FetchErrors.WithLabelValues(fetchErrorReason(err)).Inc()
			return fmt.Errorf("failed to fetch batch after cursor %s: %w", sefaz.NormalizeCursor(cursor), err)
		}
		report.Pages++
		report.Fetched += len(batch.Documents)

		for _, raw := range batch.Documents {
			if err := e.ingestDocument(ctx, raw, report, log); err != nil {
				return err
			}
		}

		next := batch.NextCursor
		if !sefaz.ValidCursor(next) || sefaz.CompareCursors(next, cursor) <= 0 {
			log.WithField("cursor", report.CursorAfter).Debug("Cursor did not move, stopping")
			return nil
		}

		next = sefaz.NormalizeCursor(next)
		if err := e.deps.Configs.AdvanceCursor(ctx, cfg.ID, cursor, next); err != nil {
			return fmt.Errorf("failed to advance cursor to %s: %w", next, err)
		}
		cursor = next
		report.CursorAfter = next

		if batch.MaxCursor == "" || sefaz.CompareCursors(cursor, batch.MaxCursor) >= 0 {
			return nil
		}
	}

	log.WithField("max_pages", e.opts.MaxPages).Info("Page limit reached, remaining documents wait for the next cycle")
	return nil
}

func (e *Engine) ingestDocument(ctx context.Context, raw sefaz.RawDocument, report *CycleReport, log *logrus.Entry) error {
	docLog := log.WithField("sequence", raw.Sequence)

	if raw.Err != nil {
		e.reject(report, raw.Sequence, fmt.Errorf("undecodable entry: %w", raw.Err))
		docLog.WithError(raw.Err).Warn("Rejecting undecodable document")
		return nil
	}

	fields, err := parser.Parse(raw.Payload)
	if errors.Is(err, parser.ErrNotInvoice) {
		report.Ignored++
		e.deps.Metrics.Documents.WithLabelValues(metrics.OutcomeIgnored).Inc()
		docLog.WithField("schema", raw.Schema).Debug("Skipping non-invoice document")
		return nil
	}
	if err != nil {
		e.reject(report, raw.Sequence, err)
		docLog.WithError(err).Warn("Rejecting unparseable document")
		return nil
	}

	docLog = docLog.WithField("access_key", fields.AccessKey)

	exists, err := e.deps.Documents.Exists(ctx, fields.AccessKey)
	if err != nil {
		return err
	}
	if exists {
		report.Duplicates++
		e.deps.Metrics.Documents.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		docLog.Debug("Document already ingested")
		return nil
	}

	doc := &models.IngestedDocument{
		AccessKey:      fields.AccessKey,
		DocumentNumber: fields.DocumentNumber,
		IssuerTaxID:    fields.IssuerTaxID,
		IssuerName:     fields.IssuerName,
		TotalAmount:    fields.TotalAmount,
		IssuedAt:       fields.IssuedAt,
		Sequence:       raw.Sequence,
		RawPayload:     string(raw.Payload),
		Status:         models.StatusPending,
		ImportedAt:     e.now(),
	}
	inserted, err := e.deps.Documents.Insert(ctx, doc)
	if err != nil {
		return err
	}
	if !inserted {
		report.Duplicates++
		e.deps.Metrics.Documents.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return nil
	}

	report.Imported++
	e.deps.Metrics.Documents.WithLabelValues(metrics.OutcomeImported).Inc()
	e.deps.Metrics.PendingDocuments.Inc()
	docLog.WithFields(logrus.Fields{
		"issuer": fields.IssuerName,
		"total":  fields.TotalAmount.StringFixed(2),
	}).Info("Document ingested")
	return nil
}

func (e *Engine) reject(report *CycleReport, sequence string, err error) {
	report.Rejected = append(report.Rejected, Rejection{Sequence: sequence, Reason: err.Error()})
	e.deps.Metrics.Documents.WithLabelValues(metrics.OutcomeRejected).Inc()
}

func (e *Engine) finish(ctx context.Context, report *CycleReport, cycleErr error, log *logrus.Entry) {
	report.FinishedAt = e.now()

	status := models.SyncRunSuccess
	switch {
	case cycleErr != nil:
		status = models.SyncRunFailure
	case report.Skipped:
		status = models.SyncRunSkipped
	}
	e.deps.Metrics.Cycles.WithLabelValues(status).Inc()
	e.deps.Metrics.CycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	fields := logrus.Fields{
		"status":        status,
		"pages":         report.Pages,
		"imported":      report.Imported,
		"duplicates":    report.Duplicates,
		"ignored":       report.Ignored,
		"rejected":      len(report.Rejected),
		"cursor_before": report.CursorBefore,
		"cursor_after":  report.CursorAfter,
	}
	switch {
	case cycleErr != nil:
		log.WithFields(fields).WithError(cycleErr).Error("Ingestion cycle failed")
	case report.Skipped:
		log.WithFields(fields).WithField("reason", report.SkipReason).Info("Ingestion cycle skipped")
	default:
		log.WithFields(fields).Info("Ingestion cycle completed")
	}

	// the cycle context may already be cancelled; bookkeeping still has to land
	bg := context.WithoutCancel(ctx)
	if e.deps.Runs != nil {
		run := &models.SyncRun{
			ID:           report.CycleID,
			Status:       status,
			Trigger:      report.Trigger,
			Pages:        report.Pages,
			Fetched:      report.Fetched,
			Imported:     report.Imported,
			Duplicates:   report.Duplicates,
			Ignored:      report.Ignored,
			Rejected:     len(report.Rejected),
			CursorBefore: report.CursorBefore,
			CursorAfter:  report.CursorAfter,
			StartedAt:    report.StartedAt,
			FinishedAt:   report.FinishedAt,
		}
		if cycleErr != nil {
			run.ErrorMsg = cycleErr.Error()
		}
		if err := e.deps.Runs.RecordRun(bg, run); err != nil {
			log.WithError(err).Error("Failed to record sync run")
		}
	}

	e.notify(bg, report, cycleErr, log)
}

func (e *Engine) notify(ctx context.Context, report *CycleReport, cycleErr error, log *logrus.Entry) {
	if e.deps.Notifier == nil || e.opts.Recipient == "" {
		return
	}
	if cycleErr == nil && report.Imported == 0 {
		return
	}

	subject, body := summarize(report, cycleErr)
	if err := e.deps.Notifier.Notify(ctx, e.opts.Recipient, subject, body, report.CycleID); err != nil {
		log.WithError(err).Warn("Failed to send cycle notification")
	}
}

func summarize(report *CycleReport, cycleErr error) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %s (%s)\n", report.CycleID, report.Trigger)
	fmt.Fprintf(&b, "Pages: %d\nFetched: %d\nImported: %d\nDuplicates: %d\nIgnored: %d\nRejected: %d\n",
		report.Pages, report.Fetched, report.Imported, report.Duplicates, report.Ignored, len(report.Rejected))
	fmt.Fprintf(&b, "Cursor: %s -> %s\n", report.CursorBefore, report.CursorAfter)
	for _, r := range report.Rejected {
		fmt.Fprintf(&b, "  rejected %s: %s\n", r.Sequence, r.Reason)
	}

	if cycleErr != nil {
		fmt.Fprintf(&b, "\nError: %v\n", cycleErr)
		return "Fiscal inbox: ingestion cycle failed", b.String()
	}
	return fmt.Sprintf("Fiscal inbox: %d new document(s) awaiting review", report.Imported), b.String()
}

func fetchErrorReason(err error) string {
	switch {
	case errors.Is(err, sefaz.ErrAuthenticationFailed):
		return "authentication"
	case errors.Is(err, sefaz.ErrRemoteUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
