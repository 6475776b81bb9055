// Package model defines the EvalForge data model: failure captures pulled
// from the observability provider, extracted failure patterns, reviewable
// suggestions with their typed artifact drafts, and the batch run records
// every pipeline stage persists.
//
// All entities live in Firestore. Each stage exclusively writes its output
// collection and toggles the processed flag on the immediately upstream one.
package model

import "time"

// FailureType classifies why a trace is considered a failure.
type FailureType string

const (
	FailureHallucination  FailureType = "hallucination"
	FailureToxicity       FailureType = "toxicity"
	FailureWrongTool      FailureType = "wrong_tool"
	FailureRunawayLoop    FailureType = "runaway_loop"
	FailurePIILeak        FailureType = "pii_leak"
	FailureStaleData      FailureType = "stale_data"
	FailureInfrastructure FailureType = "infrastructure_error"
	FailureClientError    FailureType = "client_error"
)

// FailureTypes lists the closed enum, in schema order.
var FailureTypes = []FailureType{
	FailureHallucination,
	FailureToxicity,
	FailureWrongTool,
	FailureRunawayLoop,
	FailurePIILeak,
	FailureStaleData,
	FailureInfrastructure,
	FailureClientError,
}

// ValidFailureType reports whether s is a member of the closed enum.
func ValidFailureType(s string) bool {
	for _, ft := range FailureTypes {
		if string(ft) == s {
			return true
		}
	}
	return false
}

// Severity grades failure impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a member of the closed enum.
func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SuggestionType selects which artifact generator owns a suggestion.
type SuggestionType string

const (
	TypeEval      SuggestionType = "eval"
	TypeGuardrail SuggestionType = "guardrail"
	TypeRunbook   SuggestionType = "runbook"
)

// SuggestionStatus is the review state machine. pending is the only
// non-terminal state; transitions are pending->approved and pending->rejected.
type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusApproved SuggestionStatus = "approved"
	StatusRejected SuggestionStatus = "rejected"
)

// CaptureStatus tracks the export lifecycle of a raw trace.
type CaptureStatus string

const (
	CaptureNew      CaptureStatus = "new"
	CaptureExported CaptureStatus = "exported"
)

// DraftStatus marks whether a generated draft is usable as-is.
type DraftStatus string

const (
	DraftReady           DraftStatus = "draft"
	DraftNeedsHumanInput DraftStatus = "needs_human_input"
)

// EditSource records draft provenance. Once a human edits a draft,
// regeneration is refused unless forced.
type EditSource string

const (
	EditGenerated EditSource = "generated"
	EditHuman     EditSource = "human"
)

// TriggeredBy records how a batch run was started.
type TriggeredBy string

const (
	TriggerScheduled TriggeredBy = "scheduled"
	TriggerManual    TriggeredBy = "manual"
)

// FailureCapture is a redacted, normalized failure trace. Document id is the
// provider trace id, which makes re-ingestion idempotent.
type FailureCapture struct {
	TraceID         string                `firestore:"trace_id" json:"trace_id"`
	CapturedAt      time.Time             `firestore:"captured_at" json:"captured_at"`
	FailureType     string                `firestore:"failure_type" json:"failure_type"`
	Severity        Severity              `firestore:"severity" json:"severity"`
	Service         string                `firestore:"service" json:"service"`
	QualityScore    float64               `firestore:"quality_score" json:"quality_score"`
	TracePayload    map[string]any        `firestore:"trace_payload" json:"trace_payload"`
	UserHash        string                `firestore:"user_hash,omitempty" json:"user_hash,omitempty"`
	RecurrenceCount int                   `firestore:"recurrence_count" json:"recurrence_count"`
	Processed       bool                  `firestore:"processed" json:"processed"`
	Status          CaptureStatus         `firestore:"status" json:"status"`
	StatusHistory   []CaptureStatusChange `firestore:"status_history" json:"status_history"`
	ExportRef       string                `firestore:"export_ref,omitempty" json:"export_ref,omitempty"`
}

// CaptureStatusChange is one append-only status history entry on a capture.
type CaptureStatusChange struct {
	PreviousStatus CaptureStatus `firestore:"previous_status" json:"previous_status"`
	NewStatus      CaptureStatus `firestore:"new_status" json:"new_status"`
	Timestamp      time.Time     `firestore:"timestamp" json:"timestamp"`
	Note           string        `firestore:"note,omitempty" json:"note,omitempty"`
}

// Evidence carries the signals that justify a pattern. The excerpt is
// PII-redacted and capped at 500 chars before persistence.
type Evidence struct {
	Signals []string `firestore:"signals" json:"signals"`
	Excerpt string   `firestore:"excerpt,omitempty" json:"excerpt,omitempty"`
}

// ReproductionContext describes how to reproduce the failure.
type ReproductionContext struct {
	InputPattern  string   `firestore:"input_pattern" json:"input_pattern"`
	RequiredState string   `firestore:"required_state,omitempty" json:"required_state,omitempty"`
	ToolsInvolved []string `firestore:"tools_involved" json:"tools_involved"`
}

// FailurePattern is the LLM-distilled structured description of one failure
// trace. Document id is SourceTraceID so re-extraction overwrites in place.
type FailurePattern struct {
	PatternID           string              `firestore:"pattern_id" json:"pattern_id"`
	SourceTraceID       string              `firestore:"source_trace_id" json:"source_trace_id"`
	Title               string              `firestore:"title" json:"title"`
	FailureType         FailureType         `firestore:"failure_type" json:"failure_type"`
	TriggerCondition    string              `firestore:"trigger_condition" json:"trigger_condition"`
	Summary             string              `firestore:"summary" json:"summary"`
	RootCauseHypothesis string              `firestore:"root_cause_hypothesis" json:"root_cause_hypothesis"`
	Evidence            Evidence            `firestore:"evidence" json:"evidence"`
	RecommendedActions  []string            `firestore:"recommended_actions" json:"recommended_actions"`
	Reproduction        ReproductionContext `firestore:"reproduction_context" json:"reproduction_context"`
	Severity            Severity            `firestore:"severity" json:"severity"`
	Confidence          float64             `firestore:"confidence" json:"confidence"`
	ConfidenceRationale string              `firestore:"confidence_rationale" json:"confidence_rationale"`
	ExtractedAt         time.Time           `firestore:"extracted_at" json:"extracted_at"`
	Processed           bool                `firestore:"processed" json:"processed"`
}

// PatternIDFor derives the pattern document label from its source trace.
func PatternIDFor(traceID string) string {
	return "pattern:" + traceID
}

// SourceTrace is one lineage entry linking a suggestion back to a failure.
type SourceTrace struct {
	TraceID         string    `firestore:"trace_id" json:"trace_id"`
	PatternID       string    `firestore:"pattern_id" json:"pattern_id"`
	AddedAt         time.Time `firestore:"added_at" json:"added_at"`
	SimilarityScore float64   `firestore:"similarity_score" json:"similarity_score"`
}

// PatternContext is the compact pattern summary carried on a suggestion so
// reviewers have context without hydrating the pattern collection.
type PatternContext struct {
	Title            string      `firestore:"title" json:"title"`
	FailureType      FailureType `firestore:"failure_type" json:"failure_type"`
	TriggerCondition string      `firestore:"trigger_condition" json:"trigger_condition"`
	Summary          string      `firestore:"summary" json:"summary"`
	Severity         Severity    `firestore:"severity" json:"severity"`
}

// SuggestionContent holds exactly one typed draft, matching the suggestion
// type. All three are nil until the owning generator runs.
type SuggestionContent struct {
	Eval      *EvalDraft      `firestore:"eval,omitempty" json:"eval,omitempty"`
	Guardrail *GuardrailDraft `firestore:"guardrail,omitempty" json:"guardrail,omitempty"`
	Runbook   *RunbookDraft   `firestore:"runbook,omitempty" json:"runbook,omitempty"`
}

// ApprovalMetadata records the reviewer action that closed a suggestion.
type ApprovalMetadata struct {
	Actor     string    `firestore:"actor" json:"actor"`
	Action    string    `firestore:"action" json:"action"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
	Notes     string    `firestore:"notes,omitempty" json:"notes,omitempty"`
	Reason    string    `firestore:"reason,omitempty" json:"reason,omitempty"`
}

// StatusChange is one append-only version history entry.
type StatusChange struct {
	PreviousStatus SuggestionStatus `firestore:"previous_status" json:"previous_status"`
	NewStatus      SuggestionStatus `firestore:"new_status" json:"new_status"`
	Actor          string           `firestore:"actor" json:"actor"`
	Timestamp      time.Time        `firestore:"timestamp" json:"timestamp"`
	Notes          string           `firestore:"notes,omitempty" json:"notes,omitempty"`
}

// Suggestion is the reviewable artifact carrier plus its lineage.
type Suggestion struct {
	SuggestionID    string            `firestore:"suggestion_id" json:"suggestion_id"`
	Type            SuggestionType    `firestore:"type" json:"type"`
	Status          SuggestionStatus  `firestore:"status" json:"status"`
	Severity        Severity          `firestore:"severity" json:"severity"`
	SourceTraces    []SourceTrace     `firestore:"source_traces" json:"source_traces"`
	Pattern         PatternContext    `firestore:"pattern" json:"pattern"`
	Embedding       []float64         `firestore:"embedding" json:"embedding"`
	SimilarityGroup string            `firestore:"similarity_group" json:"similarity_group"`
	Content         SuggestionContent `firestore:"suggestion_content" json:"suggestion_content"`
	Approval        *ApprovalMetadata `firestore:"approval_metadata,omitempty" json:"approval_metadata,omitempty"`
	VersionHistory  []StatusChange    `firestore:"version_history" json:"version_history"`
	CreatedAt       time.Time         `firestore:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `firestore:"updated_at" json:"updated_at"`
}

// HasTrace reports whether the lineage already references traceID.
// Merges de-duplicate on it, which makes repeated merges idempotent.
func (s *Suggestion) HasTrace(traceID string) bool {
	for _, st := range s.SourceTraces {
		if st.TraceID == traceID {
			return true
		}
	}
	return false
}

// Draft returns the populated draft's status, edit source and generated-at,
// regardless of type. ok is false when no draft exists yet.
func (s *Suggestion) Draft() (status DraftStatus, source EditSource, generatedAt time.Time, ok bool) {
	switch {
	case s.Content.Eval != nil:
		d := s.Content.Eval
		return d.Status, d.EditSource, d.GeneratedAt, true
	case s.Content.Guardrail != nil:
		d := s.Content.Guardrail
		return d.Status, d.EditSource, d.GeneratedAt, true
	case s.Content.Runbook != nil:
		d := s.Content.Runbook
		return d.Status, d.EditSource, d.GeneratedAt, true
	}
	return "", "", time.Time{}, false
}
