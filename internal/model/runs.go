package model

import (
	"fmt"
	"time"
)

// Outcome is the per-item result recorded in a run summary.
type Outcome string

const (
	OutcomeStored           Outcome = "stored"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeTimedOut         Outcome = "timed_out"
	OutcomeError            Outcome = "error"
	OutcomeMerged           Outcome = "merged"
	OutcomeCreated          Outcome = "created"
	OutcomeGenerated        Outcome = "generated"
	OutcomeTemplate         Outcome = "template"
)

// BatchOptions carries per-request overrides for one batch run. Zero values
// fall back to the configured defaults; each stage reads only the fields
// that apply to it.
type BatchOptions struct {
	TriggeredBy      TriggeredBy
	BatchSize        int
	DryRun           bool
	TraceIDs         []string
	LookbackHours    int
	QualityThreshold float64
}

// Trigger returns the triggered-by value, defaulting to manual.
func (o BatchOptions) Trigger() TriggeredBy {
	if o.TriggeredBy == "" {
		return TriggerManual
	}
	return o.TriggeredBy
}

// ItemOutcome records what happened to one batch item.
type ItemOutcome struct {
	SourceID   string  `firestore:"source_id" json:"source_id"`
	Outcome    Outcome `firestore:"outcome" json:"outcome"`
	Detail     string  `firestore:"detail,omitempty" json:"detail,omitempty"`
	Similarity float64 `firestore:"similarity,omitempty" json:"similarity,omitempty"`
	DurationMs int64   `firestore:"duration_ms" json:"duration_ms"`
}

// RunCounts aggregates per-item outcomes for a batch.
type RunCounts struct {
	PickedUp int `firestore:"picked_up" json:"picked_up"`
	Stored   int `firestore:"stored" json:"stored"`
	Skipped  int `firestore:"skipped" json:"skipped"`
	Errored  int `firestore:"errored" json:"errored"`
	TimedOut int `firestore:"timed_out" json:"timed_out"`
	Merged   int `firestore:"merged,omitempty" json:"merged,omitempty"`
	Created  int `firestore:"created,omitempty" json:"created,omitempty"`
}

// RunSummary is persisted once per batch execution per stage.
type RunSummary struct {
	RunID         string        `firestore:"run_id" json:"run_id"`
	Stage         string        `firestore:"stage" json:"stage"`
	StartedAt     time.Time     `firestore:"started_at" json:"started_at"`
	CompletedAt   time.Time     `firestore:"completed_at" json:"completed_at"`
	TriggeredBy   TriggeredBy   `firestore:"triggered_by" json:"triggered_by"`
	DryRun        bool          `firestore:"dry_run" json:"dry_run"`
	BatchSize     int           `firestore:"batch_size" json:"batch_size"`
	Counts        RunCounts     `firestore:"counts" json:"counts"`
	Items         []ItemOutcome `firestore:"items" json:"items"`
	DurationMs    int64         `firestore:"duration_ms" json:"duration_ms"`
	MergeRate     float64       `firestore:"merge_rate,omitempty" json:"merge_rate,omitempty"`
	AvgSimilarity float64       `firestore:"avg_similarity,omitempty" json:"avg_similarity,omitempty"`
}

// Tally recomputes Counts from Items.
func (r *RunSummary) Tally() {
	c := RunCounts{PickedUp: len(r.Items)}
	for _, it := range r.Items {
		switch it.Outcome {
		case OutcomeStored, OutcomeGenerated, OutcomeTemplate:
			c.Stored++
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeTimedOut:
			c.TimedOut++
		case OutcomeMerged:
			c.Merged++
			c.Stored++
		case OutcomeCreated:
			c.Created++
			c.Stored++
		default:
			c.Errored++
		}
	}
	r.Counts = c
}

// DiagnosticError is the persisted per-item failure record, keyed by
// "{run_id}:{source_id}".
type DiagnosticError struct {
	Key             string    `firestore:"key" json:"key"`
	RunID           string    `firestore:"run_id" json:"run_id"`
	SourceID        string    `firestore:"source_id" json:"source_id"`
	Kind            ErrorKind `firestore:"kind" json:"kind"`
	Message         string    `firestore:"message" json:"message"`
	ResponseHash    string    `firestore:"response_hash,omitempty" json:"response_hash,omitempty"`
	ResponseExcerpt string    `firestore:"response_excerpt,omitempty" json:"response_excerpt,omitempty"`
	At              time.Time `firestore:"at" json:"at"`
}

// DiagnosticKey builds the document id for a diagnostic record.
func DiagnosticKey(runID, sourceID string) string {
	return fmt.Sprintf("%s:%s", runID, sourceID)
}

// ExportRecord is the persisted result of an approval export.
type ExportRecord struct {
	ExportID     string    `firestore:"export_id" json:"export_id"`
	SuggestionID string    `firestore:"suggestion_id" json:"suggestion_id"`
	Format       string    `firestore:"format" json:"format"`
	ContentType  string    `firestore:"content_type" json:"content_type"`
	Content      string    `firestore:"content" json:"content"`
	Actor        string    `firestore:"actor,omitempty" json:"actor,omitempty"`
	ExportedAt   time.Time `firestore:"exported_at" json:"exported_at"`
}
