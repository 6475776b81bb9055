// Package traceprep serializes trace payloads for LLM submission, truncating
// oversized content while preserving recent context (suffixes, list tails).
package traceprep

import (
	"encoding/json"
	"fmt"

	"github.com/evalforge/evalforge/internal/model"
)

const (
	// MaxSerializedBytes is the size above which truncation kicks in.
	MaxSerializedBytes = 200 * 1024
	// MaxStringChars is the per-string cap; longer strings keep their tail.
	MaxStringChars = 10000
	// MaxListItems is the per-list cap; longer lists keep their tail.
	MaxListItems = 100
)

// Stats describes what preparation did to a payload.
type Stats struct {
	OriginalBytes int  `json:"original_bytes"`
	FinalBytes    int  `json:"final_bytes"`
	Truncated     bool `json:"truncated"`
}

// Prepare serializes the trace payload for the given capture. If the
// serialized form exceeds MaxSerializedBytes the payload is truncated field
// by field and re-serialized. Returns missing_required_fields when the
// capture has no trace id or an empty payload.
func Prepare(capture *model.FailureCapture) (string, Stats, error) {
	if capture == nil || capture.TraceID == "" || len(capture.TracePayload) == 0 {
		return "", Stats{}, model.E(model.KindMissingContext, "missing_required_fields: trace_id or trace_payload absent")
	}

	raw, err := json.Marshal(capture.TracePayload)
	if err != nil {
		return "", Stats{}, fmt.Errorf("serialize trace %s: %w", capture.TraceID, err)
	}

	stats := Stats{OriginalBytes: len(raw), FinalBytes: len(raw)}
	if len(raw) <= MaxSerializedBytes {
		return string(raw), stats, nil
	}

	truncated := truncateValue(capture.TracePayload)
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", Stats{}, fmt.Errorf("reserialize trace %s: %w", capture.TraceID, err)
	}
	stats.FinalBytes = len(out)
	stats.Truncated = true
	return string(out), stats, nil
}

// TruncateString keeps the last max runes of s behind an explicit marker.
// The preserved suffix equals the original suffix: recent context matters
// more than openings in failure traces.
func TruncateString(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	dropped := len(runes) - max
	return fmt.Sprintf("[…truncated %d chars…]%s", dropped, string(runes[len(runes)-max:]))
}

func truncateValue(v any) any {
	switch typed := v.(type) {
	case string:
		return TruncateString(typed, MaxStringChars)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = truncateValue(item)
		}
		return out
	case []any:
		items := typed
		var marker any
		if len(items) > MaxListItems {
			marker = fmt.Sprintf("[…truncated %d items…]", len(items)-MaxListItems)
			items = items[len(items)-MaxListItems:]
		}
		out := make([]any, 0, len(items)+1)
		if marker != nil {
			out = append(out, marker)
		}
		for _, item := range items {
			out = append(out, truncateValue(item))
		}
		return out
	default:
		return v
	}
}
