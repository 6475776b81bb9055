// Package schema holds the JSON Schemas enforced on every LLM structured
// output. The same schema text is sent to the model as responseJsonSchema
// and recompiled locally: the provider guarantees syntax, not semantics, so
// every boundary between the model and the store revalidates.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/evalforge/evalforge/internal/model"
)

// FailurePattern is the extraction output contract.
const FailurePattern = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "failure_type": {"type": "string", "enum": ["hallucination", "toxicity", "wrong_tool", "runaway_loop", "pii_leak", "stale_data", "infrastructure_error", "client_error"]},
    "trigger_condition": {"type": "string", "minLength": 1},
    "summary": {"type": "string", "minLength": 1},
    "root_cause_hypothesis": {"type": "string"},
    "evidence": {
      "type": "object",
      "properties": {
        "signals": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "excerpt": {"type": "string"}
      },
      "required": ["signals"]
    },
    "recommended_actions": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "reproduction_context": {
      "type": "object",
      "properties": {
        "input_pattern": {"type": "string"},
        "required_state": {"type": "string"},
        "tools_involved": {"type": "array", "items": {"type": "string"}}
      },
      "required": ["input_pattern"]
    },
    "severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "confidence_rationale": {"type": "string"}
  },
  "required": ["title", "failure_type", "trigger_condition", "summary", "evidence", "recommended_actions", "reproduction_context", "severity", "confidence"]
}`

// EvalDraft is the eval generator output contract.
const EvalDraft = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "test_input": {"type": "string", "minLength": 1},
    "expected_behavior": {"type": "string", "minLength": 1},
    "failure_condition": {"type": "string", "minLength": 1},
    "evaluation_criteria": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["name", "description", "test_input", "expected_behavior", "failure_condition", "evaluation_criteria"]
}`

// GuardrailDraft is the guardrail generator output contract. guardrail_type
// is intentionally absent: it is derived from the failure type, never trusted
// from the model.
const GuardrailDraft = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1},
    "configuration": {"type": "object", "additionalProperties": {"type": "string"}},
    "action": {"type": "string", "enum": ["block", "warn", "fallback"]}
  },
  "required": ["name", "description", "scope", "configuration", "action"]
}`

// RunbookDraft is the runbook generator output contract.
const RunbookDraft = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "summary": {"type": "string", "minLength": 1},
    "symptoms": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "diagnosis_steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "mitigation_steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "escalation": {"type": "string"},
    "severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
  },
  "required": ["title", "summary", "symptoms", "diagnosis_steps", "mitigation_steps", "severity"]
}`

// Validator revalidates raw LLM output against a compiled schema.
type Validator struct {
	compiled *jsonschema.Schema
	raw      string
}

// MustCompile compiles a schema constant. Panics on malformed schema text,
// which is a programming error, not a runtime condition.
func MustCompile(name, schemaText string) *Validator {
	sch, err := jsonschema.CompileString(name, schemaText)
	if err != nil {
		panic(fmt.Sprintf("schema %s does not compile: %v", name, err))
	}
	return &Validator{compiled: sch, raw: schemaText}
}

// JSON returns the schema text passed to the model as responseJsonSchema.
func (v *Validator) JSON() string { return v.raw }

// Validate parses data and checks it against the schema. Parse failures are
// invalid_json; structural failures are schema_validation.
func (v *Validator) Validate(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return model.E(model.KindInvalidJSON, "output is not valid JSON: %v", err)
	}
	if err := v.compiled.Validate(decoded); err != nil {
		return model.E(model.KindSchemaValidation, "output violates schema: %v", err)
	}
	return nil
}
