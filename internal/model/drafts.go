package model

import "time"

// GuardrailType is derived deterministically from the source failure type by
// a versioned mapping; it never comes from the model output.
type GuardrailType string

const (
	GuardrailValidationRule    GuardrailType = "validation_rule"
	GuardrailContentFilter     GuardrailType = "content_filter"
	GuardrailRateLimit         GuardrailType = "rate_limit"
	GuardrailRedactionRule     GuardrailType = "redaction_rule"
	GuardrailScopeLimit        GuardrailType = "scope_limit"
	GuardrailFreshnessCheck    GuardrailType = "freshness_check"
	GuardrailInputSanitization GuardrailType = "input_sanitization"
)

// GuardrailMappingVersion identifies the failure-type to guardrail-type
// mapping baked into generated guardrails. Bump when the table changes.
const GuardrailMappingVersion = "v1"

// GuardrailTypeFor maps a failure type to its guardrail type (mapping v1).
func GuardrailTypeFor(failureType string) GuardrailType {
	switch failureType {
	case string(FailureHallucination):
		return GuardrailValidationRule
	case string(FailureToxicity):
		return GuardrailContentFilter
	case string(FailureRunawayLoop):
		return GuardrailRateLimit
	case string(FailurePIILeak):
		return GuardrailRedactionRule
	case string(FailureWrongTool):
		return GuardrailScopeLimit
	case string(FailureStaleData):
		return GuardrailFreshnessCheck
	case "prompt_injection":
		return GuardrailInputSanitization
	default:
		return GuardrailValidationRule
	}
}

// DraftLineage mirrors the suggestion's source pattern and trace ids on the
// draft itself so exported artifacts remain traceable on their own.
type DraftLineage struct {
	PatternIDs []string `firestore:"pattern_ids" json:"pattern_ids"`
	TraceIDs   []string `firestore:"trace_ids" json:"trace_ids"`
}

// GeneratorMeta records provenance for one generated draft.
type GeneratorMeta struct {
	Model          string  `firestore:"model" json:"model"`
	Temperature    float64 `firestore:"temperature" json:"temperature"`
	PromptHash     string  `firestore:"prompt_hash" json:"prompt_hash"`
	ResponseHash   string  `firestore:"response_hash,omitempty" json:"response_hash,omitempty"`
	RunID          string  `firestore:"run_id" json:"run_id"`
	MappingVersion string  `firestore:"mapping_version,omitempty" json:"mapping_version,omitempty"`
}

// EvalDraft is a machine-proposed evaluation test case.
type EvalDraft struct {
	ID                 string        `firestore:"id" json:"id"`
	Name               string        `firestore:"name" json:"name"`
	Lineage            DraftLineage  `firestore:"lineage" json:"lineage"`
	Description        string        `firestore:"description" json:"description"`
	TestInput          string        `firestore:"test_input" json:"test_input"`
	ExpectedBehavior   string        `firestore:"expected_behavior" json:"expected_behavior"`
	FailureCondition   string        `firestore:"failure_condition" json:"failure_condition"`
	EvaluationCriteria []string      `firestore:"evaluation_criteria" json:"evaluation_criteria"`
	Tags               []string      `firestore:"tags" json:"tags"`
	Status             DraftStatus   `firestore:"status" json:"status"`
	EditSource         EditSource    `firestore:"edit_source" json:"edit_source"`
	Reason             string        `firestore:"reason,omitempty" json:"reason,omitempty"`
	GeneratedAt        time.Time     `firestore:"generated_at" json:"generated_at"`
	UpdatedAt          time.Time     `firestore:"updated_at" json:"updated_at"`
	Meta               GeneratorMeta `firestore:"generator_meta" json:"generator_meta"`
}

// GuardrailDraft is a machine-proposed runtime enforcement rule.
type GuardrailDraft struct {
	ID            string            `firestore:"id" json:"id"`
	Name          string            `firestore:"name" json:"name"`
	Lineage       DraftLineage      `firestore:"lineage" json:"lineage"`
	Description   string            `firestore:"description" json:"description"`
	GuardrailType GuardrailType     `firestore:"guardrail_type" json:"guardrail_type"`
	Scope         string            `firestore:"scope" json:"scope"`
	Configuration map[string]string `firestore:"configuration" json:"configuration"`
	Action        string            `firestore:"action" json:"action"`
	Status        DraftStatus       `firestore:"status" json:"status"`
	EditSource    EditSource        `firestore:"edit_source" json:"edit_source"`
	Reason        string            `firestore:"reason,omitempty" json:"reason,omitempty"`
	GeneratedAt   time.Time         `firestore:"generated_at" json:"generated_at"`
	UpdatedAt     time.Time         `firestore:"updated_at" json:"updated_at"`
	Meta          GeneratorMeta     `firestore:"generator_meta" json:"generator_meta"`
}

// RunbookDraft is a machine-proposed operational runbook.
type RunbookDraft struct {
	ID              string        `firestore:"id" json:"id"`
	Title           string        `firestore:"title" json:"title"`
	Lineage         DraftLineage  `firestore:"lineage" json:"lineage"`
	Summary         string        `firestore:"summary" json:"summary"`
	Symptoms        []string      `firestore:"symptoms" json:"symptoms"`
	DiagnosisSteps  []string      `firestore:"diagnosis_steps" json:"diagnosis_steps"`
	MitigationSteps []string      `firestore:"mitigation_steps" json:"mitigation_steps"`
	Escalation      string        `firestore:"escalation" json:"escalation"`
	Severity        Severity      `firestore:"severity" json:"severity"`
	Status          DraftStatus   `firestore:"status" json:"status"`
	EditSource      EditSource    `firestore:"edit_source" json:"edit_source"`
	Reason          string        `firestore:"reason,omitempty" json:"reason,omitempty"`
	GeneratedAt     time.Time     `firestore:"generated_at" json:"generated_at"`
	UpdatedAt       time.Time     `firestore:"updated_at" json:"updated_at"`
	Meta            GeneratorMeta `firestore:"generator_meta" json:"generator_meta"`
}
