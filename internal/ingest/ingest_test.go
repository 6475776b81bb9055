package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/provider"
	"github.com/evalforge/evalforge/internal/redact"
)

type fakeStore struct {
	existing    map[string]bool
	captures    []*model.FailureCapture
	runs        []*model.RunSummary
	diagnostics []*model.DiagnosticError
	upsertErr   error
}

func (f *fakeStore) UpsertCapture(ctx context.Context, c *model.FailureCapture) (bool, error) {
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	f.captures = append(f.captures, c)
	if f.existing[c.TraceID] {
		return false, nil
	}
	return true, nil
}

func (f *fakeStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error {
	f.diagnostics = append(f.diagnostics, d)
	return nil
}

func (f *fakeStore) CountUnprocessedCaptures(ctx context.Context) (int64, error) {
	return int64(len(f.captures)), nil
}

type fakeSource struct {
	spans []provider.SpanEvent
	err   error

	gotLookback  time.Duration
	gotThreshold float64
}

func (f *fakeSource) SearchFailureSpans(ctx context.Context, lookback time.Duration, threshold float64) ([]provider.SpanEvent, error) {
	f.gotLookback = lookback
	f.gotThreshold = threshold
	return f.spans, f.err
}

func (f *fakeSource) LastRateLimit() provider.RateLimit {
	return provider.RateLimit{Limit: 300, Remaining: 120}
}

func newService(store *fakeStore, source *fakeSource) *Service {
	return New(store, source, redact.New("salt"), config.DefaultConfig().Batch)
}

func span(traceID string, at time.Time, score float64) provider.SpanEvent {
	return provider.SpanEvent{
		TraceID:      traceID,
		Service:      "support-bot",
		StartedAt:    at,
		FailureType:  "hallucination",
		QualityScore: score,
		Attributes:   map[string]any{"input": "where is my order, my email is a@b.com"},
	}
}

func TestRun_StoresAndRedacts(t *testing.T) {
	at := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	svc := newService(store, &fakeSource{spans: []provider.SpanEvent{span("t-1", at, 0.2)}})

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, Stage, run.Stage)
	assert.Equal(t, model.TriggerManual, run.TriggeredBy)
	assert.Equal(t, 1, run.Counts.Stored)
	require.Len(t, store.captures, 1)
	cap := store.captures[0]
	assert.Equal(t, model.SeverityHigh, cap.Severity)
	payload, _ := cap.TracePayload["input"].(string)
	assert.NotContains(t, payload, "a@b.com", "free text inputs are redacted before persistence")
	require.Len(t, store.runs, 1, "run summary persisted")
}

func TestRun_CollapsesRecurrences(t *testing.T) {
	at := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	svc := newService(store, &fakeSource{spans: []provider.SpanEvent{
		span("t-1", at.Add(time.Minute), 0.2),
		span("t-1", at, 0.2),
		span("t-2", at, 0.3),
	}})

	run, err := svc.Run(context.Background(), model.BatchOptions{TriggeredBy: model.TriggerScheduled})
	require.NoError(t, err)

	assert.Equal(t, 2, run.BatchSize, "same trace id collapses in-batch")
	require.Len(t, store.captures, 2)
	assert.Equal(t, "t-1", store.captures[0].TraceID)
	assert.Equal(t, 2, store.captures[0].RecurrenceCount)
	assert.Equal(t, at, store.captures[0].CapturedAt, "earliest occurrence wins")
}

func TestRun_HashesUserIdentifierBeforeStripping(t *testing.T) {
	sp := span("t-1", time.Now(), 0.2)
	sp.Attributes = map[string]any{
		"user":  map[string]any{"id": "u-123", "email": "a@b.com"},
		"input": "where is my order",
	}
	store := &fakeStore{}
	svc := newService(store, &fakeSource{spans: []provider.SpanEvent{sp}})

	_, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)

	require.Len(t, store.captures, 1)
	cap := store.captures[0]
	assert.Equal(t, redact.New("salt").HashIdentifier("u-123"), cap.UserHash)
	if user, ok := cap.TracePayload["user"].(map[string]any); ok {
		assert.NotContains(t, user, "id", "raw identifier is stripped after hashing")
		assert.NotContains(t, user, "email")
	}
}

func TestRun_OverridesLookbackAndThreshold(t *testing.T) {
	source := &fakeSource{}
	svc := newService(&fakeStore{}, source)

	_, err := svc.Run(context.Background(), model.BatchOptions{LookbackHours: 6, QualityThreshold: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, source.gotLookback)
	assert.Equal(t, 0.9, source.gotThreshold)

	_, err = svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	cfg := config.DefaultConfig().Batch
	assert.Equal(t, time.Duration(cfg.LookbackHours)*time.Hour, source.gotLookback)
	assert.Equal(t, cfg.QualityThreshold, source.gotThreshold)
}

func TestRun_ExistingTraceSkipped(t *testing.T) {
	store := &fakeStore{existing: map[string]bool{"t-1": true}}
	svc := newService(store, &fakeSource{spans: []provider.SpanEvent{span("t-1", time.Now(), 0.2)}})

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Skipped)
	assert.Zero(t, run.Counts.Stored)
}

func TestRun_ItemErrorRecordsDiagnostic(t *testing.T) {
	store := &fakeStore{upsertErr: model.E(model.KindTimeout, "store slow")}
	svc := newService(store, &fakeSource{spans: []provider.SpanEvent{span("t-1", time.Now(), 0.2)}})

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err, "item failures do not abort the run")
	assert.Equal(t, 1, run.Counts.Errored)
	require.Len(t, store.diagnostics, 1)
	assert.Equal(t, model.KindTimeout, store.diagnostics[0].Kind)
	assert.Equal(t, "t-1", store.diagnostics[0].SourceID)
}

func TestRun_ProviderFailureAborts(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store, &fakeSource{err: model.E(model.KindRateLimited, "429")})

	_, err := svc.Run(context.Background(), model.BatchOptions{})
	assert.Equal(t, model.KindRateLimited, model.KindOf(err))
	assert.Empty(t, store.runs, "no summary for an aborted run")
}

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, model.SeverityLow, severityForScore(0.9))
	assert.Equal(t, model.SeverityMedium, severityForScore(0.3))
	assert.Equal(t, model.SeverityHigh, severityForScore(0.15))
	assert.Equal(t, model.SeverityCritical, severityForScore(0))
}

func TestHealth(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store, &fakeSource{})
	h := svc.Health(context.Background())
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, "120/300", h["provider_rate"])
}
