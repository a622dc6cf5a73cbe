package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscal-inbox-go/internal/metrics"
	"fiscal-inbox-go/internal/models"
	"fiscal-inbox-go/internal/sefaz"
)

type fakeConfigs struct {
	mu  sync.Mutex
	cfg *models.IntegrationConfig
}

func (f *fakeConfigs) Load(ctx context.Context) (*models.IntegrationConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return nil, models.ErrNotFound
	}
	c := *f.cfg
	return &c, nil
}

func (f *fakeConfigs) AdvanceCursor(ctx context.Context, id uint, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Cursor != from {
		return models.ErrCursorConflict
	}
	f.cfg.Cursor = to
	return nil
}

func (f *fakeConfigs) cursor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Cursor
}

type fakeDocuments struct {
	mu        sync.Mutex
	docs      map[string]*models.IngestedDocument
	insertErr error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: map[string]*models.IngestedDocument{}}
}

func (f *fakeDocuments) Exists(ctx context.Context, accessKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[accessKey]
	return ok, nil
}

func (f *fakeDocuments) Insert(ctx context.Context, doc *models.IngestedDocument) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, ok := f.docs[doc.AccessKey]; ok {
		return false, nil
	}
	doc.ID = uint(len(f.docs) + 1)
	f.docs[doc.AccessKey] = doc
	return true, nil
}

func (f *fakeDocuments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

type fakeFetcher struct {
	mu      sync.Mutex
	batches map[string]sefaz.Batch
	err     error
	calls   []string
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, creds sefaz.Credentials, cursor string) (sefaz.Batch, error) {
	if f.entered != nil {
		close(f.entered)
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor = sefaz.NormalizeCursor(cursor)
	f.calls = append(f.calls, cursor)
	if f.err != nil {
		return sefaz.Batch{}, f.err
	}
	if b, ok := f.batches[cursor]; ok {
		return b, nil
	}
	return sefaz.Batch{Status: sefaz.StatusNoDocuments, NextCursor: cursor, MaxCursor: cursor}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func (f *fakeRuns) RecordRun(ctx context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type notification struct {
	recipient, subject, body, related string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(ctx context.Context, recipient, subject, body, related string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{recipient, subject, body, related})
	return nil
}

type busyLocker struct{}

func (busyLocker) Acquire(ctx context.Context) (func(), error) {
	return nil, ErrCycleInProgress
}

func accessKey(n int) string {
	return fmt.Sprintf("3524011234567800019955001%09d1000012345", n)
}

func invoice(n int) []byte {
	return []byte(fmt.Sprintf(`<resNFe versao="1.01">
  <chNFe>%s</chNFe>
  <CNPJ>12345678000199</CNPJ>
  <xNome>ACME LTDA</xNome>
  <dhEmi>2024-12-11T10:30:00-03:00</dhEmi>
  <vNF>%d.50</vNF>
</resNFe>`, accessKey(n), n))
}

func rawDocs(from, to int) []sefaz.RawDocument {
	var docs []sefaz.RawDocument
	for i := from; i <= to; i++ {
		docs = append(docs, sefaz.RawDocument{Sequence: fmt.Sprint(i), Schema: "resNFe_v1.01.xsd", Payload: invoice(i)})
	}
	return docs
}

type harness struct {
	engine   *Engine
	configs  *fakeConfigs
	docs     *fakeDocuments
	fetcher  *fakeFetcher
	runs     *fakeRuns
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	sleeps   int
}

func newHarness(batches map[string]sefaz.Batch, opts Options) *harness {
	h := &harness{
		configs: &fakeConfigs{cfg: &models.IntegrationConfig{
			ID:          1,
			IssuerTaxID: "12345678000199",
			Cursor:      models.InitialCursor,
			Environment: models.EnvironmentSandbox,
			Region:      "SP",
			Enabled:     true,
		}},
		docs:     newFakeDocuments(),
		fetcher:  &fakeFetcher{batches: batches},
		runs:     &fakeRuns{},
		notifier: &fakeNotifier{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = 10
	}
	if opts.Recipient == "" {
		opts.Recipient = "finance@example.com"
	}
	h.engine = NewEngine(Deps{
		Configs:   h.configs,
		Documents: h.docs,
		Fetcher:   h.fetcher,
		Runs:      h.runs,
		Notifier:  h.notifier,
		Metrics:   h.metrics,
	}, opts)
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps++
		return nil
	}
	return h
}

func TestRunCycleImportsAndAdvancesCursor(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 2), NextCursor: "2", MaxCursor: "2"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, "0", report.CursorBefore)
	assert.Equal(t, "2", report.CursorAfter)
	assert.Equal(t, "2", h.configs.cursor())
	assert.Equal(t, 2, h.docs.count())
	assert.NotEmpty(t, report.CycleID)

	doc := h.docs.docs[accessKey(1)]
	require.NotNil(t, doc)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, "1.5", doc.TotalAmount.String())
	assert.Equal(t, "1", doc.Sequence)
	assert.False(t, doc.ImportedAt.IsZero())

	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, models.SyncRunSuccess, h.runs.runs[0].Status)
	assert.Equal(t, report.CycleID, h.runs.runs[0].ID)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "finance@example.com", h.notifier.sent[0].recipient)
	assert.Contains(t, h.notifier.sent[0].subject, "2 new document")

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Documents.WithLabelValues(metrics.OutcomeImported)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Cycles.WithLabelValues(models.SyncRunSuccess)))
}

func TestRunCycleIsIdempotent(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 3), NextCursor: "3", MaxCursor: "3"},
	}, Options{})

	first, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Imported)

	// the feed replays the same documents after a cursor reset
	h.configs.cfg.Cursor = "0"

	second, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 3, h.docs.count())

	// nothing new, nothing to tell
	assert.Len(t, h.notifier.sent, 1)
}

func TestRunCycleDeduplicatesWithinBatch(t *testing.T) {
	docs := append(rawDocs(1, 2), sefaz.RawDocument{Sequence: "3", Payload: invoice(1)})
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: docs, NextCursor: "3", MaxCursor: "3"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, h.docs.count())
}

func TestRunCycleFetchFailureLeavesCursor(t *testing.T) {
	h := newHarness(nil, Options{})
	h.fetcher.err = fmt.Errorf("%w: http status 503", sefaz.ErrRemoteUnavailable)

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sefaz.ErrRemoteUnavailable))
	require.NotNil(t, report)

	assert.Equal(t, "0", h.configs.cursor())
	assert.Equal(t, 0, h.docs.count())

	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, models.SyncRunFailure, h.runs.runs[0].Status)
	assert.Contains(t, h.runs.runs[0].ErrorMsg, "unavailable")

	require.Len(t, h.notifier.sent, 1)
	assert.Contains(t, h.notifier.sent[0].subject, "failed")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.FetchErrors.WithLabelValues("unavailable")))
}

func TestRunCycleAuthenticationFailure(t *testing.T) {
	h := newHarness(nil, Options{})
	h.fetcher.err = fmt.Errorf("%w: http status 403", sefaz.ErrAuthenticationFailed)

	_, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	assert.True(t, errors.Is(err, sefaz.ErrAuthenticationFailed))
	assert.Equal(t, "0", h.configs.cursor())
}

func TestRunCycleIsolatesParseFailures(t *testing.T) {
	docs := rawDocs(1, 5)
	docs[2].Payload = []byte("<nfeProc><broken")

	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: docs, NextCursor: "5", MaxCursor: "5"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Imported)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "3", report.Rejected[0].Sequence)
	assert.Equal(t, "5", h.configs.cursor())
	assert.Equal(t, 1, h.runs.runs[0].Rejected)
}

func TestRunCycleRejectsUndecodableEntry(t *testing.T) {
	docs := append(rawDocs(1, 1), sefaz.RawDocument{
		Sequence: "2",
		Schema:   "resNFe_v1.01.xsd",
		Err:      errors.New("invalid base64: illegal base64 data at input byte 10"),
	})

	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: docs, NextCursor: "2", MaxCursor: "2"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "2", report.Rejected[0].Sequence)
	assert.Contains(t, report.Rejected[0].Reason, "base64")
	assert.Equal(t, "2", h.configs.cursor())
	assert.Equal(t, 1, h.docs.count())
}

func TestRunCycleSkipsEvents(t *testing.T) {
	docs := append(rawDocs(1, 1), sefaz.RawDocument{
		Sequence: "2",
		Schema:   "resEvento_v1.01.xsd",
		Payload:  []byte(`<resEvento versao="1.01"><chNFe>` + accessKey(1) + `</chNFe></resEvento>`),
	})
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: docs, NextCursor: "2", MaxCursor: "2"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 1, report.Ignored)
	assert.Empty(t, report.Rejected)
}

func TestRunCycleDisabledOrMissingConfig(t *testing.T) {
	h := newHarness(nil, Options{})
	h.configs.cfg.Enabled = false

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 0, h.fetcher.callCount())

	h.configs.cfg = nil
	report, err = h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, h.fetcher.callCount())

	require.Len(t, h.runs.runs, 2)
	assert.Equal(t, models.SyncRunSkipped, h.runs.runs[1].Status)
	assert.Empty(t, h.notifier.sent)
}

func TestRunCycleEmptyBatchAdvancesCursor(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Status: sefaz.StatusNoDocuments, NextCursor: "100", MaxCursor: "100"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, "100", h.configs.cursor())
}

func TestRunCycleFollowsPages(t *testing.T) {
	batches := map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 2), NextCursor: "2", MaxCursor: "5"},
		"2": {Documents: rawDocs(3, 4), NextCursor: "4", MaxCursor: "5"},
		"4": {Documents: rawDocs(5, 5), NextCursor: "5", MaxCursor: "5"},
	}

	t.Run("until caught up", func(t *testing.T) {
		h := newHarness(batches, Options{PageDelay: 2 * time.Second})

		report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Pages)
		assert.Equal(t, 5, report.Imported)
		assert.Equal(t, "5", h.configs.cursor())
		assert.Equal(t, []string{"0", "2", "4"}, h.fetcher.calls)
		assert.Equal(t, 2, h.sleeps)
	})

	t.Run("until page limit", func(t *testing.T) {
		h := newHarness(batches, Options{MaxPages: 2})

		report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Pages)
		assert.Equal(t, "4", h.configs.cursor())

		report, err = h.engine.RunCycle(context.Background(), TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Imported)
		assert.Equal(t, "5", h.configs.cursor())
	})
}

func TestRunCycleStopsWhenCursorDoesNotMove(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 1), NextCursor: "0", MaxCursor: "9"},
	}, Options{})

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, "0", h.configs.cursor())
}

func TestRunCycleNeverMovesCursorBackwards(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"50": {NextCursor: "40", MaxCursor: "60"},
	}, Options{})
	h.configs.cfg.Cursor = "50"

	_, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, "50", h.configs.cursor())
}

func TestRunCycleStoreFailureKeepsCursor(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 2), NextCursor: "2", MaxCursor: "2"},
	}, Options{})
	h.docs.insertErr = errors.New("disk full")

	_, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	require.Error(t, err)
	assert.Equal(t, "0", h.configs.cursor())
}

func TestRunCycleRejectsConcurrentRun(t *testing.T) {
	h := newHarness(nil, Options{})
	h.fetcher.block = make(chan struct{})
	h.fetcher.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
		done <- err
	}()

	<-h.fetcher.entered
	_, err := h.engine.RunCycle(context.Background(), TriggerManual)
	assert.True(t, errors.Is(err, ErrCycleInProgress))

	close(h.fetcher.block)
	require.NoError(t, <-done)
	assert.Len(t, h.runs.runs, 1)
}

func TestRunCycleHonoursDistributedLock(t *testing.T) {
	h := newHarness(nil, Options{})
	h.engine.deps.Locker = busyLocker{}

	report, err := h.engine.RunCycle(context.Background(), TriggerSchedule)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, ErrCycleInProgress))
	assert.Equal(t, 0, h.fetcher.callCount())
}

func TestRunCycleCancelledBetweenPages(t *testing.T) {
	h := newHarness(map[string]sefaz.Batch{
		"0": {Documents: rawDocs(1, 1), NextCursor: "1", MaxCursor: "5"},
	}, Options{})
	h.engine.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.opts.PageDelay = time.Hour
	go func() {
		for h.fetcher.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.engine.RunCycle(ctx, TriggerSchedule)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "1", h.configs.cursor())
	require.Len(t, h.runs.runs, 1)
}
