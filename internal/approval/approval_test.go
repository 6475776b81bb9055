package approval

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	suggestions map[string]*model.Suggestion
	exports     []*model.ExportRecord
	exportedCap map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suggestions: make(map[string]*model.Suggestion),
		exportedCap: make(map[string]string),
	}
}

func (f *fakeStore) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sug, ok := f.suggestions[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "suggestion %s", id)
	}
	cp := *sug
	return &cp, nil
}

func (f *fakeStore) UpdateSuggestion(ctx context.Context, id string, mutate func(*model.Suggestion) error) (*model.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sug, ok := f.suggestions[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "suggestion %s", id)
	}
	cp := *sug
	prev := cp.UpdatedAt
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	if cp.UpdatedAt.Equal(prev) {
		cp.UpdatedAt = time.Now().UTC()
	}
	f.suggestions[id] = &cp
	return &cp, nil
}

func (f *fakeStore) ListSuggestions(ctx context.Context, filter store.SuggestionFilter) (*store.SuggestionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &store.SuggestionPage{}
	for _, sug := range f.suggestions {
		if filter.Status != "" && sug.Status != filter.Status {
			continue
		}
		if filter.Type != "" && sug.Type != filter.Type {
			continue
		}
		page.Items = append(page.Items, sug)
	}
	return page, nil
}

func (f *fakeStore) SaveExport(ctx context.Context, rec *model.ExportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports = append(f.exports, rec)
	return nil
}

func (f *fakeStore) MarkCaptureExported(ctx context.Context, traceID, exportRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportedCap[traceID] = exportRef
	return nil
}

func (f *fakeStore) CountSuggestions(ctx context.Context, path, value string) (int64, error) {
	return int64(len(f.suggestions)), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	decided []*model.Suggestion
	done    chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 10)}
}

func (n *recordingNotifier) SuggestionDecided(ctx context.Context, sug *model.Suggestion) {
	n.mu.Lock()
	n.decided = append(n.decided, sug)
	n.mu.Unlock()
	n.done <- struct{}{}
}

func (n *recordingNotifier) wait(t *testing.T) *model.Suggestion {
	t.Helper()
	select {
	case <-n.done:
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decided[len(n.decided)-1]
}

func pendingSuggestion(id string, typ model.SuggestionType) *model.Suggestion {
	return &model.Suggestion{
		SuggestionID: id,
		Type:         typ,
		Status:       model.StatusPending,
		Severity:     model.SeverityHigh,
		SourceTraces: []model.SourceTrace{{TraceID: "t-1", PatternID: model.PatternIDFor("t-1")}},
		Pattern:      model.PatternContext{Title: "Fabricated dates"},
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
}

func TestApprove(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = pendingSuggestion("s-1", model.TypeEval)
	notifier := newRecordingNotifier()
	svc := New(st, notifier)

	got, err := svc.Approve(context.Background(), "s-1", "alice", "looks right")
	require.NoError(t, err)

	assert.Equal(t, model.StatusApproved, got.Status)
	require.NotNil(t, got.Approval)
	assert.Equal(t, "alice", got.Approval.Actor)
	assert.Equal(t, "approve", got.Approval.Action)
	require.Len(t, got.VersionHistory, 1)
	last := got.VersionHistory[len(got.VersionHistory)-1]
	assert.Equal(t, model.StatusPending, last.PreviousStatus)
	assert.Equal(t, got.Status, last.NewStatus)
	assert.Equal(t, got.Approval.Timestamp, got.UpdatedAt, "updated_at matches the approval timestamp")

	delivered := notifier.wait(t)
	assert.Equal(t, "s-1", delivered.SuggestionID)
}

func TestApprove_NonPendingRefused(t *testing.T) {
	st := newFakeStore()
	sug := pendingSuggestion("s-1", model.TypeEval)
	sug.Status = model.StatusApproved
	st.suggestions["s-1"] = sug
	svc := New(st, newRecordingNotifier())

	_, err := svc.Approve(context.Background(), "s-1", "bob", "")
	assert.Equal(t, model.KindInvalidTransition, model.KindOf(err))
	assert.Equal(t, model.StatusApproved, st.suggestions["s-1"].Status, "status never changes once terminal")
}

func TestReject_RequiresReason(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = pendingSuggestion("s-1", model.TypeEval)
	svc := New(st, newRecordingNotifier())

	_, err := svc.Reject(context.Background(), "s-1", "bob", "")
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
	assert.Equal(t, model.StatusPending, st.suggestions["s-1"].Status)

	got, err := svc.Reject(context.Background(), "s-1", "bob", "duplicate of existing eval")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, "duplicate of existing eval", got.Approval.Reason)
}

func TestApprove_NotFound(t *testing.T) {
	svc := New(newFakeStore(), newRecordingNotifier())
	_, err := svc.Approve(context.Background(), "missing", "alice", "")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func approvedEvalSuggestion() *model.Suggestion {
	sug := pendingSuggestion("s-1", model.TypeEval)
	sug.Status = model.StatusApproved
	sug.Content.Eval = &model.EvalDraft{
		ID:                 "eval-1",
		Name:               "Dated Facts Check",
		Lineage:            model.DraftLineage{TraceIDs: []string{"t-1"}, PatternIDs: []string{model.PatternIDFor("t-1")}},
		Description:        "checks date answers",
		TestInput:          "When did the Eiffel Tower open?",
		ExpectedBehavior:   "answers 1889",
		FailureCondition:   "states another year",
		EvaluationCriteria: []string{"year matches ground truth"},
		Tags:               []string{"hallucination"},
		Status:             model.DraftReady,
		EditSource:         model.EditGenerated,
	}
	return sug
}

func TestExport_Deepeval(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = approvedEvalSuggestion()
	svc := New(st, newRecordingNotifier())

	rec, err := svc.Export(context.Background(), "s-1", FormatDeepeval, "alice")
	require.NoError(t, err)
	assert.Equal(t, "application/json", rec.ContentType)

	var tc map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.Content), &tc))
	assert.Len(t, tc, 9, "deepeval test case has nine fields")
	assert.Equal(t, "When did the Eiffel Tower open?", tc["input"])

	require.Len(t, st.exports, 1)
	assert.Equal(t, rec.ExportID, st.exportedCap["t-1"], "lineage captures marked exported")
}

func TestExport_RequiresApproval(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = pendingSuggestion("s-1", model.TypeEval)
	svc := New(st, newRecordingNotifier())

	_, err := svc.Export(context.Background(), "s-1", FormatDeepeval, "alice")
	assert.Equal(t, model.KindInvalidTransition, model.KindOf(err))
	assert.Empty(t, st.exports)
}

func TestExport_Pytest(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = approvedEvalSuggestion()
	svc := New(st, newRecordingNotifier())

	rec, err := svc.Export(context.Background(), "s-1", FormatPytest, "")
	require.NoError(t, err)
	assert.Equal(t, "text/x-python", rec.ContentType)
	assert.Contains(t, rec.Content, "def test_dated_facts_check(")
	assert.Contains(t, rec.Content, "When did the Eiffel Tower open?")
}

func TestExport_YAMLGuardrailOnly(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = approvedEvalSuggestion()
	svc := New(st, newRecordingNotifier())

	_, err := svc.Export(context.Background(), "s-1", FormatYAML, "")
	assert.Equal(t, model.KindWrongType, model.KindOf(err))

	sug := pendingSuggestion("s-2", model.TypeGuardrail)
	sug.Status = model.StatusApproved
	sug.Content.Guardrail = &model.GuardrailDraft{
		Name:          "loop breaker",
		Description:   "caps iterations",
		GuardrailType: model.GuardrailRateLimit,
		Scope:         "agent-runtime",
		Configuration: map[string]string{"max_iterations": "8"},
		Action:        "block",
		Lineage:       model.DraftLineage{TraceIDs: []string{"t-9"}},
	}
	st.suggestions["s-2"] = sug

	rec, err := svc.Export(context.Background(), "s-2", FormatYAML, "")
	require.NoError(t, err)
	assert.Equal(t, "application/yaml", rec.ContentType)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(rec.Content), &doc))
	assert.Equal(t, "rate_limit", doc["guardrail_type"])
	assert.Equal(t, "block", doc["action"])
}

func TestExport_UnsupportedFormat(t *testing.T) {
	st := newFakeStore()
	st.suggestions["s-1"] = approvedEvalSuggestion()
	svc := New(st, newRecordingNotifier())

	_, err := svc.Export(context.Background(), "s-1", "csv", "")
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestPyIdent(t *testing.T) {
	assert.Equal(t, "dated_facts_check", pyIdent("Dated Facts Check"))
	assert.Equal(t, "generated_eval", pyIdent("!!!"))
	assert.False(t, strings.Contains(pyIdent("a b-c.d"), " "))
}
