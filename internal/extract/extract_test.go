package extract

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/redact"
)

type fakeStore struct {
	mu          sync.Mutex
	captures    []*model.FailureCapture
	patterns    map[string]*model.FailurePattern
	processed   map[string]bool
	runs        []*model.RunSummary
	diagnostics []*model.DiagnosticError
	putErr      error
	gotLimit    int
}

func newFakeStore(caps ...*model.FailureCapture) *fakeStore {
	return &fakeStore{
		captures:  caps,
		patterns:  make(map[string]*model.FailurePattern),
		processed: make(map[string]bool),
	}
}

func (f *fakeStore) ListUnprocessedCaptures(ctx context.Context, limit int) ([]*model.FailureCapture, error) {
	f.gotLimit = limit
	if limit > len(f.captures) {
		limit = len(f.captures)
	}
	return f.captures[:limit], nil
}

func (f *fakeStore) GetCapture(ctx context.Context, traceID string) (*model.FailureCapture, error) {
	for _, c := range f.captures {
		if c.TraceID == traceID {
			return c, nil
		}
	}
	return nil, model.E(model.KindNotFound, "capture %s not found", traceID)
}

func (f *fakeStore) PutPattern(ctx context.Context, p *model.FailurePattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.patterns[p.SourceTraceID] = p
	return nil
}

func (f *fakeStore) MarkCaptureProcessed(ctx context.Context, traceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[traceID] = true
	return nil
}

func (f *fakeStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagnostics = append(f.diagnostics, d)
	return nil
}

func (f *fakeStore) CountUnprocessedCaptures(ctx context.Context) (int64, error) {
	return int64(len(f.captures)), nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	raw   string
	err   error
	delay time.Duration
}

func (f *fakeLLM) GenerateStructured(ctx context.Context, system, user, jsonSchema string) (*llm.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, model.Wrap(model.KindTimeout, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{
		Raw:          json.RawMessage(f.raw),
		PromptHash:   "ph",
		ResponseHash: "rh",
		Model:        "gemini-2.5-flash",
	}, nil
}

func validPatternJSON() string {
	return `{
		"title": "Fabricated dates",
		"failure_type": "hallucination",
		"trigger_condition": "factual questions about dates",
		"summary": "Wrong year stated confidently for user a@b.com",
		"root_cause_hypothesis": "no grounding",
		"evidence": {"signals": ["contradicts known fact"], "excerpt": "contact a@b.com, said 1921"},
		"recommended_actions": ["add dated-facts eval"],
		"reproduction_context": {"input_pattern": "When did X happen?", "tools_involved": []},
		"severity": "high",
		"confidence": 0.9,
		"confidence_rationale": "unambiguous"
	}`
}

func capture(traceID string) *model.FailureCapture {
	return &model.FailureCapture{
		TraceID:      traceID,
		FailureType:  "hallucination",
		Service:      "support-bot",
		QualityScore: 0.2,
		TracePayload: map[string]any{"input": "when did it open?", "output": "1921"},
	}
}

func newService(store *fakeStore, gen Generator) *Service {
	return New(store, gen, redact.New("salt"), config.DefaultConfig().Batch)
}

func TestRun_StoresPattern(t *testing.T) {
	store := newFakeStore(capture("t-1"))
	svc := newService(store, &fakeLLM{raw: validPatternJSON()})

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Stored)

	p := store.patterns["t-1"]
	require.NotNil(t, p)
	assert.Equal(t, model.PatternIDFor("t-1"), p.PatternID)
	assert.Equal(t, model.FailureHallucination, p.FailureType)
	assert.False(t, p.Processed)
	assert.True(t, store.processed["t-1"], "capture marked processed after pattern stored")
	assert.NotContains(t, p.Evidence.Excerpt, "a@b.com", "excerpt redacted")
	assert.NotContains(t, p.Summary, "a@b.com", "summary redacted")
	require.Len(t, store.runs, 1)
}

func TestRun_SchemaViolationRecordsDiagnostic(t *testing.T) {
	store := newFakeStore(capture("t-1"))
	svc := newService(store, &fakeLLM{raw: `{"title": "x"}`})

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Errored)
	assert.Empty(t, store.patterns)
	assert.False(t, store.processed["t-1"], "failed extraction leaves capture unprocessed")

	require.Len(t, store.diagnostics, 1)
	d := store.diagnostics[0]
	assert.Equal(t, model.KindSchemaValidation, d.Kind)
	assert.Equal(t, "rh", d.ResponseHash)
	assert.NotEmpty(t, d.ResponseExcerpt)
}

func TestRun_MissingPayloadSkipsAndUnblocks(t *testing.T) {
	cap := capture("t-1")
	cap.TracePayload = nil
	store := newFakeStore(cap)
	gen := &fakeLLM{raw: validPatternJSON()}
	svc := newService(store, gen)

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Skipped)
	assert.Zero(t, gen.calls, "no LLM call for unpreparable captures")
	assert.True(t, store.processed["t-1"], "unpreparable captures do not wedge the queue")
}

func TestRun_ItemTimeout(t *testing.T) {
	store := newFakeStore(capture("t-1"))
	svc := newService(store, &fakeLLM{raw: validPatternJSON(), delay: 200 * time.Millisecond})
	svc.cfg.ExtractionTimeout = 20 * time.Millisecond

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.TimedOut)
	assert.False(t, store.processed["t-1"])
	require.Len(t, store.diagnostics, 1)
	assert.Equal(t, model.KindTimeout, store.diagnostics[0].Kind)
}

func TestRun_OneBadItemDoesNotSinkBatch(t *testing.T) {
	store := newFakeStore(capture("t-1"), capture("t-2"))
	gen := &fakeLLM{raw: validPatternJSON(), err: nil}
	// First capture has no payload and skips; second succeeds.
	store.captures[0].TracePayload = nil
	svc := newService(store, gen)

	run, err := svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Skipped)
	assert.Equal(t, 1, run.Counts.Stored)
	assert.NotNil(t, store.patterns["t-2"])
}

func TestRun_DryRunPersistsNothing(t *testing.T) {
	store := newFakeStore(capture("t-1"))
	gen := &fakeLLM{raw: validPatternJSON()}
	svc := newService(store, gen)

	run, err := svc.Run(context.Background(), model.BatchOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, 1, run.Counts.Stored, "outcome still reported")
	assert.Equal(t, 1, gen.calls, "dry run still calls the model")

	assert.Empty(t, store.patterns)
	assert.False(t, store.processed["t-1"])
	assert.Empty(t, store.runs, "dry run summaries are not persisted")
}

func TestRun_ExplicitTraceIDs(t *testing.T) {
	store := newFakeStore(capture("t-1"), capture("t-2"))
	svc := newService(store, &fakeLLM{raw: validPatternJSON()})

	run, err := svc.Run(context.Background(), model.BatchOptions{TraceIDs: []string{"t-2", "t-missing"}})
	require.NoError(t, err)
	assert.Equal(t, 2, run.BatchSize)
	assert.Equal(t, 1, run.Counts.Stored)
	assert.Equal(t, 1, run.Counts.Errored, "unknown trace id is a per-item error")
	assert.NotNil(t, store.patterns["t-2"])
	assert.Nil(t, store.patterns["t-1"], "queue is not consulted when ids are named")
	assert.Zero(t, store.gotLimit)
}

func TestRun_BatchSizeOverride(t *testing.T) {
	store := newFakeStore(capture("t-1"))
	svc := newService(store, &fakeLLM{raw: validPatternJSON()})

	_, err := svc.Run(context.Background(), model.BatchOptions{BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, store.gotLimit)

	_, err = svc.Run(context.Background(), model.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Batch.ExtractionBatchSize, store.gotLimit)
}

func TestBuildPrompts(t *testing.T) {
	system, user := buildPrompts(capture("t-1"), `{"input":"x"}`)
	assert.Contains(t, system, "hallucination")
	assert.Contains(t, system, "client_error")
	assert.Contains(t, user, "support-bot")
	assert.Contains(t, user, `{"input":"x"}`)
	assert.Contains(t, user, "Example output", "few-shot example present")
}
