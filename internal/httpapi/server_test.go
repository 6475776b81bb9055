package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/store"
)

const testKey = "secret-key"

type fakeStage struct {
	summary *model.RunSummary
	err     error
	health  map[string]any
	opts    model.BatchOptions
}

func (f *fakeStage) Run(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error) {
	f.opts = opts
	return f.summary, f.err
}

func (f *fakeStage) Health(ctx context.Context) map[string]any {
	if f.health != nil {
		return f.health
	}
	return map[string]any{"status": "ok"}
}

type fakeGenerator struct {
	opts    generate.Options
	oneID   string
	force   bool
	sug     *model.Suggestion
	summary *model.RunSummary
	err     error
}

func (f *fakeGenerator) Run(ctx context.Context, opts generate.Options) (*model.RunSummary, error) {
	f.opts = opts
	return f.summary, f.err
}

func (f *fakeGenerator) GenerateOne(ctx context.Context, id string, force bool) (*model.Suggestion, error) {
	f.oneID, f.force = id, force
	if f.err != nil {
		return nil, f.err
	}
	return f.sug, nil
}

func (f *fakeGenerator) Health(ctx context.Context) map[string]any {
	return map[string]any{"status": "ok"}
}

type fakeReviewer struct {
	sug    *model.Suggestion
	page   *store.SuggestionPage
	rec    *model.ExportRecord
	err    error
	filter store.SuggestionFilter
	actor  string
	reason string
}

func (f *fakeReviewer) Get(ctx context.Context, id string) (*model.Suggestion, error) {
	return f.sug, f.err
}

func (f *fakeReviewer) List(ctx context.Context, filter store.SuggestionFilter) (*store.SuggestionPage, error) {
	f.filter = filter
	return f.page, f.err
}

func (f *fakeReviewer) Approve(ctx context.Context, id, actor, notes string) (*model.Suggestion, error) {
	f.actor = actor
	return f.sug, f.err
}

func (f *fakeReviewer) Reject(ctx context.Context, id, actor, reason string) (*model.Suggestion, error) {
	f.actor, f.reason = actor, reason
	if reason == "" {
		return nil, model.E(model.KindConfiguration, "a rejection reason is required")
	}
	return f.sug, f.err
}

func (f *fakeReviewer) Export(ctx context.Context, id, format, actor string) (*model.ExportRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeReviewer) Health(ctx context.Context) map[string]any {
	return map[string]any{"status": "ok"}
}

type fakeRuns struct {
	run *model.RunSummary
	err error
}

func (f *fakeRuns) GetRun(ctx context.Context, stage, runID string) (*model.RunSummary, error) {
	return f.run, f.err
}

func (f *fakeRuns) LatestRun(ctx context.Context, stage string) (*model.RunSummary, error) {
	return f.run, f.err
}

func newTestServer(ingest *fakeStage, gen *fakeGenerator, review *fakeReviewer) *Server {
	if ingest == nil {
		ingest = &fakeStage{summary: &model.RunSummary{Stage: "ingestion"}}
	}
	if gen == nil {
		gen = &fakeGenerator{summary: &model.RunSummary{Stage: "eval"}}
	}
	if review == nil {
		review = &fakeReviewer{page: &store.SuggestionPage{}}
	}
	return New(Options{
		APIKey:     testKey,
		Version:    "test",
		Ingestion:  ingest,
		Extraction: &fakeStage{summary: &model.RunSummary{Stage: "extraction"}},
		Dedup:      &fakeStage{summary: &model.RunSummary{Stage: "dedup"}},
		Generators: map[model.SuggestionType]Generator{model.TypeEval: gen},
		Review:     review,
	})
}

func do(t *testing.T, srv *Server, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealth_DegradedIsStill200(t *testing.T) {
	ingest := &fakeStage{health: map[string]any{"status": "degraded", "error": "provider down"}}
	srv := newTestServer(ingest, nil, nil)

	rr := do(t, srv, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got["status"])
}

func TestRunOnce_RequiresKey(t *testing.T) {
	srv := newTestServer(nil, nil, nil)

	rr := do(t, srv, http.MethodPost, "/ingestion/run-once", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, srv, http.MethodPost, "/ingestion/run-once", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRunOnce_TriggersStage(t *testing.T) {
	ingest := &fakeStage{summary: &model.RunSummary{Stage: "ingestion", RunID: "r-1"}}
	srv := newTestServer(ingest, nil, nil)

	rr := do(t, srv, http.MethodPost, "/ingestion/run-once", runRequest{TriggeredBy: "scheduled"}, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.TriggerScheduled, ingest.opts.TriggeredBy)

	var got model.RunSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "r-1", got.RunID)
}

func TestRunOnce_PassesBatchOptions(t *testing.T) {
	ingest := &fakeStage{summary: &model.RunSummary{Stage: "ingestion"}}
	srv := newTestServer(ingest, nil, nil)

	body := map[string]any{
		"batchSize":          25,
		"dryRun":             true,
		"traceIds":           []string{"t-1", "t-2"},
		"traceLookbackHours": 6,
		"qualityThreshold":   0.7,
	}
	rr := do(t, srv, http.MethodPost, "/ingestion/run-once", body, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 25, ingest.opts.BatchSize)
	assert.True(t, ingest.opts.DryRun)
	assert.Equal(t, []string{"t-1", "t-2"}, ingest.opts.TraceIDs)
	assert.Equal(t, 6, ingest.opts.LookbackHours)
	assert.Equal(t, 0.7, ingest.opts.QualityThreshold)
	assert.Equal(t, model.TriggerManual, ingest.opts.TriggeredBy)
}

func TestRunOnce_RateLimitMapsTo429(t *testing.T) {
	ingest := &fakeStage{err: model.E(model.KindRateLimited, "provider throttled")}
	srv := newTestServer(ingest, nil, nil)

	rr := do(t, srv, http.MethodPost, "/ingestion/run-once", nil, testKey)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestGenerateRun_PassesOptions(t *testing.T) {
	gen := &fakeGenerator{summary: &model.RunSummary{Stage: "eval"}}
	srv := newTestServer(nil, gen, nil)

	body := map[string]any{
		"batchSize":      5,
		"dryRun":         true,
		"suggestionIds":  []string{"s-1"},
		"forceOverwrite": true,
	}
	rr := do(t, srv, http.MethodPost, "/generate/eval/run-once", body, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, gen.opts.BatchSize)
	assert.True(t, gen.opts.DryRun)
	assert.Equal(t, []string{"s-1"}, gen.opts.SuggestionIDs)
	assert.True(t, gen.opts.ForceOverwrite)
	assert.Equal(t, model.TriggerManual, gen.opts.TriggeredBy)
}

func TestGenerateRun_UnknownType404(t *testing.T) {
	srv := newTestServer(nil, nil, nil)
	rr := do(t, srv, http.MethodPost, "/generate/playbook/run-once", nil, testKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGenerateOne_StatusMapping(t *testing.T) {
	cases := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.KindNotFound, http.StatusNotFound},
		{model.KindWrongType, http.StatusBadRequest},
		{model.KindOverwriteBlocked, http.StatusConflict},
		{model.KindRateLimited, http.StatusTooManyRequests},
		{model.KindTimeout, http.StatusGatewayTimeout},
		{model.KindUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			gen := &fakeGenerator{err: model.E(tc.kind, "boom")}
			srv := newTestServer(nil, gen, nil)
			rr := do(t, srv, http.MethodPost, "/eval/generate/s-1", nil, testKey)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestGenerateOne_ForceOverwriteInBody(t *testing.T) {
	gen := &fakeGenerator{sug: &model.Suggestion{SuggestionID: "s-1"}}
	srv := newTestServer(nil, gen, nil)

	rr := do(t, srv, http.MethodPost, "/eval/generate/s-1", map[string]any{"forceOverwrite": true}, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "s-1", gen.oneID)
	assert.True(t, gen.force)
}

func TestGenerateOne_ForceQueryParamStillHonored(t *testing.T) {
	gen := &fakeGenerator{sug: &model.Suggestion{SuggestionID: "s-1"}}
	srv := newTestServer(nil, gen, nil)

	rr := do(t, srv, http.MethodPost, "/eval/generate/s-1?force=true", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, gen.force)
}

func TestListSuggestions_FilterAndShape(t *testing.T) {
	review := &fakeReviewer{page: &store.SuggestionPage{
		Items:      []*model.Suggestion{{SuggestionID: "s-1"}},
		NextCursor: "abc",
		HasMore:    true,
	}}
	srv := newTestServer(nil, nil, review)

	rr := do(t, srv, http.MethodGet, "/suggestions/?status=pending&type=eval&limit=5", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.StatusPending, review.filter.Status)
	assert.Equal(t, model.TypeEval, review.filter.Type)
	assert.Equal(t, 5, review.filter.Limit)

	var got struct {
		Suggestions []model.Suggestion `json:"suggestions"`
		NextCursor  string             `json:"nextCursor"`
		HasMore     bool               `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got.Suggestions, 1)
	assert.Equal(t, "abc", got.NextCursor)
	assert.True(t, got.HasMore)
}

func TestListSuggestions_BadParams(t *testing.T) {
	srv := newTestServer(nil, nil, nil)

	rr := do(t, srv, http.MethodGet, "/suggestions/?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, srv, http.MethodGet, "/suggestions/?severity=extreme", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApprove_PassesActor(t *testing.T) {
	review := &fakeReviewer{sug: &model.Suggestion{SuggestionID: "s-1", Status: model.StatusApproved}}
	srv := newTestServer(nil, nil, review)

	rr := do(t, srv, http.MethodPost, "/suggestions/s-1/approve", decisionRequest{Actor: "alice"}, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice", review.actor)
}

func TestReject_MissingReason400(t *testing.T) {
	srv := newTestServer(nil, nil, &fakeReviewer{})
	rr := do(t, srv, http.MethodPost, "/suggestions/s-1/reject", decisionRequest{Actor: "bob"}, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApprove_SecondDecision409(t *testing.T) {
	review := &fakeReviewer{err: model.E(model.KindInvalidTransition, "already approved")}
	srv := newTestServer(nil, nil, review)

	rr := do(t, srv, http.MethodPost, "/suggestions/s-1/approve", nil, testKey)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestExport_NotApprovedIs400(t *testing.T) {
	review := &fakeReviewer{err: model.E(model.KindInvalidTransition, "export requires approved")}
	srv := newTestServer(nil, nil, review)

	rr := do(t, srv, http.MethodGet, "/suggestions/s-1/export?format=deepeval", nil, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRuns_LatestAndByID(t *testing.T) {
	runs := &fakeRuns{run: &model.RunSummary{RunID: "r-1", Stage: "extraction"}}
	srv := New(Options{APIKey: testKey, Runs: runs})

	rr := do(t, srv, http.MethodGet, "/extraction/runs/latest", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, srv, http.MethodGet, "/extraction/runs/r-1", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got model.RunSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "r-1", got.RunID)
}

func TestRuns_NeverRanIs404(t *testing.T) {
	srv := New(Options{APIKey: testKey, Runs: &fakeRuns{}})
	rr := do(t, srv, http.MethodGet, "/dedup/runs/latest", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExport_ReturnsRecord(t *testing.T) {
	review := &fakeReviewer{rec: &model.ExportRecord{
		ExportID:    "e-1",
		Format:      "deepeval",
		ContentType: "application/json",
		Content:     "{}",
	}}
	srv := newTestServer(nil, nil, review)

	rr := do(t, srv, http.MethodGet, "/suggestions/s-1/export", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)

	var got model.ExportRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "e-1", got.ExportID)
	assert.Equal(t, "deepeval", got.Format)
}
