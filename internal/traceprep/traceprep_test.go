package traceprep

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/model"
)

func capture(traceID string, payload map[string]any) *model.FailureCapture {
	return &model.FailureCapture{TraceID: traceID, TracePayload: payload}
}

func TestPrepare_MissingFields(t *testing.T) {
	_, _, err := Prepare(capture("", map[string]any{"a": 1}))
	assert.Equal(t, model.KindMissingContext, model.KindOf(err))

	_, _, err = Prepare(capture("t1", nil))
	assert.Equal(t, model.KindMissingContext, model.KindOf(err))
}

func TestPrepare_SmallPayloadUntouched(t *testing.T) {
	out, stats, err := Prepare(capture("t1", map[string]any{"prompt": "hi"}))
	require.NoError(t, err)
	assert.False(t, stats.Truncated)
	assert.Equal(t, stats.OriginalBytes, stats.FinalBytes)
	assert.JSONEq(t, `{"prompt":"hi"}`, out)
}

func TestPrepare_TruncatesOversized(t *testing.T) {
	big := strings.Repeat("z", MaxSerializedBytes+MaxStringChars)
	out, stats, err := Prepare(capture("t1", map[string]any{"response": big}))
	require.NoError(t, err)
	assert.True(t, stats.Truncated)
	assert.Less(t, stats.FinalBytes, stats.OriginalBytes)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	s := decoded["response"].(string)
	assert.Contains(t, s, "[…truncated")
	assert.True(t, strings.HasSuffix(s, strings.Repeat("z", 100)))
}

func TestTruncateString_PreservesSuffix(t *testing.T) {
	original := strings.Repeat("a", 50) + "THE-RECENT-TAIL"
	got := TruncateString(original, 15)
	assert.True(t, strings.HasSuffix(got, "THE-RECENT-TAIL"), "suffix of length N must survive")
	assert.Contains(t, got, "[…truncated 50 chars…]")

	assert.Equal(t, "short", TruncateString("short", 15), "short strings untouched")
}

func TestPrepare_ListsKeepTail(t *testing.T) {
	items := make([]any, 150)
	for i := range items {
		items[i] = i
	}
	// Pad with a large field so the payload crosses the size threshold.
	payload := map[string]any{
		"spans":    items,
		"response": strings.Repeat("x", MaxSerializedBytes),
	}
	out, stats, err := Prepare(capture("t1", payload))
	require.NoError(t, err)
	require.True(t, stats.Truncated)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	spans := decoded["spans"].([]any)
	require.Len(t, spans, MaxListItems+1, "marker plus last 100")
	assert.Contains(t, spans[0], "truncated 50 items")
	assert.EqualValues(t, 149, spans[len(spans)-1])
	assert.EqualValues(t, 50, spans[1], "tail starts at item 50")
}
