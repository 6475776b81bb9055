package generate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/schema"
)

// Per-field length caps applied to every string before persistence.
const (
	maxShort  = 200
	maxMedium = 1000
)

// typeSpec is the per-type plug-in: output contract, prompt, draft
// composition, and template fallback.
type typeSpec struct {
	validator *schema.Validator
	prompts   func(p *model.FailurePattern, sug *model.Suggestion) (system, user string)
	compose   func(s *Service, sug *model.Suggestion, canonical *model.FailurePattern, raw json.RawMessage, meta model.GeneratorMeta, now time.Time) error
	template  func(s *Service, sug *model.Suggestion, reason string, meta model.GeneratorMeta, now time.Time)
}

var specs = map[model.SuggestionType]typeSpec{
	model.TypeEval: {
		validator: schema.MustCompile("eval_draft.json", schema.EvalDraft),
		prompts:   evalPrompts,
		compose:   composeEval,
		template:  templateEval,
	},
	model.TypeGuardrail: {
		validator: schema.MustCompile("guardrail_draft.json", schema.GuardrailDraft),
		prompts:   guardrailPrompts,
		compose:   composeGuardrail,
		template:  templateGuardrail,
	},
	model.TypeRunbook: {
		validator: schema.MustCompile("runbook_draft.json", schema.RunbookDraft),
		prompts:   runbookPrompts,
		compose:   composeRunbook,
		template:  templateRunbook,
	},
}

// lineage mirrors the suggestion's source ids onto the draft.
func lineage(sug *model.Suggestion) model.DraftLineage {
	l := model.DraftLineage{}
	for _, st := range sug.SourceTraces {
		l.TraceIDs = append(l.TraceIDs, st.TraceID)
		l.PatternIDs = append(l.PatternIDs, st.PatternID)
	}
	return l
}

// patternBrief renders the canonical pattern for a user prompt.
func patternBrief(p *model.FailurePattern) string {
	var b strings.Builder
	fmt.Fprintf(&b, "failure_type: %s\n", p.FailureType)
	fmt.Fprintf(&b, "title: %s\n", p.Title)
	fmt.Fprintf(&b, "trigger_condition: %s\n", p.TriggerCondition)
	fmt.Fprintf(&b, "summary: %s\n", p.Summary)
	fmt.Fprintf(&b, "root_cause_hypothesis: %s\n", p.RootCauseHypothesis)
	fmt.Fprintf(&b, "severity: %s\n", p.Severity)
	fmt.Fprintf(&b, "evidence signals: %s\n", strings.Join(p.Evidence.Signals, "; "))
	fmt.Fprintf(&b, "reproduction input: %s\n", p.Reproduction.InputPattern)
	if p.Reproduction.RequiredState != "" {
		fmt.Fprintf(&b, "required state: %s\n", p.Reproduction.RequiredState)
	}
	if len(p.Reproduction.ToolsInvolved) > 0 {
		fmt.Fprintf(&b, "tools involved: %s\n", strings.Join(p.Reproduction.ToolsInvolved, ", "))
	}
	return b.String()
}

// ---- eval ----

func evalPrompts(p *model.FailurePattern, _ *model.Suggestion) (string, string) {
	system := `You write regression eval test cases for LLM applications.
Given a failure pattern, produce one eval test that would have caught it:
- test_input must be a concrete, runnable input in the spirit of the reproduction input, not a description of one
- expected_behavior and failure_condition must be observable and mutually exclusive
- evaluation_criteria are individually checkable`
	return system, "Failure pattern:\n" + patternBrief(p) + "\nProduce the eval test case."
}

func composeEval(s *Service, sug *model.Suggestion, _ *model.FailurePattern, raw json.RawMessage, meta model.GeneratorMeta, now time.Time) error {
	var d model.EvalDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.E(model.KindInvalidJSON, "decode eval draft: %v", err)
	}
	d.ID = draftID(evalID(sug), "eval")
	d.Name = s.redactor.RedactAndTruncate(d.Name, maxShort)
	d.Description = s.redactor.RedactAndTruncate(d.Description, maxMedium)
	d.TestInput = s.redactor.RedactAndTruncate(d.TestInput, maxMedium)
	d.ExpectedBehavior = s.redactor.RedactAndTruncate(d.ExpectedBehavior, maxMedium)
	d.FailureCondition = s.redactor.RedactAndTruncate(d.FailureCondition, maxMedium)
	d.EvaluationCriteria = s.sanitizeList(d.EvaluationCriteria, maxMedium)
	d.Tags = s.sanitizeList(d.Tags, maxShort)
	d.Lineage = lineage(sug)
	d.Status = model.DraftReady
	d.EditSource = model.EditGenerated
	d.GeneratedAt = preservedGeneratedAt(sug, now)
	d.UpdatedAt = now
	d.Meta = meta
	sug.Content = model.SuggestionContent{Eval: &d}
	return nil
}

func templateEval(s *Service, sug *model.Suggestion, reason string, meta model.GeneratorMeta, now time.Time) {
	d := &model.EvalDraft{
		ID:               draftID(evalID(sug), "eval"),
		Name:             "Eval for " + titleOr(sug, "suggestion "+sug.SuggestionID),
		Lineage:          lineage(sug),
		Description:      "Complete this eval by hand; automatic generation lacked context.",
		TestInput:        "[describe a concrete input that reproduces the failure]",
		ExpectedBehavior: "[describe the correct behavior]",
		FailureCondition: "[describe the observable failure]",
		EvaluationCriteria: []string{
			"[add at least one checkable criterion]",
		},
		Status:      model.DraftNeedsHumanInput,
		EditSource:  model.EditGenerated,
		Reason:      reason,
		GeneratedAt: preservedGeneratedAt(sug, now),
		UpdatedAt:   now,
		Meta:        meta,
	}
	sug.Content = model.SuggestionContent{Eval: d}
}

// ---- guardrail ----

func guardrailPrompts(p *model.FailurePattern, _ *model.Suggestion) (string, string) {
	system := `You write runtime guardrail rules for LLM applications.
Given a failure pattern, produce one enforceable guardrail:
- scope names where the rule applies (a service, an agent step, a tool)
- configuration holds concrete parameter values as strings, never placeholders
- action is one of block, warn, fallback`
	return system, "Failure pattern:\n" + patternBrief(p) + "\nProduce the guardrail rule."
}

func composeGuardrail(s *Service, sug *model.Suggestion, canonical *model.FailurePattern, raw json.RawMessage, meta model.GeneratorMeta, now time.Time) error {
	var d model.GuardrailDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.E(model.KindInvalidJSON, "decode guardrail draft: %v", err)
	}
	d.ID = draftID(guardrailID(sug), "guardrail")
	d.Name = s.redactor.RedactAndTruncate(d.Name, maxShort)
	d.Description = s.redactor.RedactAndTruncate(d.Description, maxMedium)
	d.Scope = s.redactor.RedactAndTruncate(d.Scope, maxShort)
	cfg := make(map[string]string, len(d.Configuration))
	for k, v := range d.Configuration {
		cfg[k] = s.redactor.RedactAndTruncate(v, maxShort)
	}
	d.Configuration = cfg
	// guardrail_type comes from the versioned mapping, never from the model.
	d.GuardrailType = model.GuardrailTypeFor(string(canonical.FailureType))
	d.Lineage = lineage(sug)
	d.Status = model.DraftReady
	d.EditSource = model.EditGenerated
	if tok, found := placeholderIn(d); found {
		d.Status = model.DraftNeedsHumanInput
		d.Reason = fmt.Sprintf("generated configuration contains placeholder %q", tok)
	}
	d.GeneratedAt = preservedGeneratedAt(sug, now)
	d.UpdatedAt = now
	meta.MappingVersion = model.GuardrailMappingVersion
	d.Meta = meta
	sug.Content = model.SuggestionContent{Guardrail: &d}
	return nil
}

func templateGuardrail(s *Service, sug *model.Suggestion, reason string, meta model.GeneratorMeta, now time.Time) {
	ft := sug.Pattern.FailureType
	d := &model.GuardrailDraft{
		ID:            draftID(guardrailID(sug), "guardrail"),
		Name:          "Guardrail for " + titleOr(sug, "suggestion "+sug.SuggestionID),
		Lineage:       lineage(sug),
		Description:   "Complete this guardrail by hand; automatic generation lacked context.",
		GuardrailType: model.GuardrailTypeFor(string(ft)),
		Scope:         "[name the service or agent step this applies to]",
		Configuration: map[string]string{},
		Action:        "warn",
		Status:        model.DraftNeedsHumanInput,
		EditSource:    model.EditGenerated,
		Reason:        reason,
		GeneratedAt:   preservedGeneratedAt(sug, now),
		UpdatedAt:     now,
	}
	meta.MappingVersion = model.GuardrailMappingVersion
	d.Meta = meta
	sug.Content = model.SuggestionContent{Guardrail: d}
}

// placeholderTokens are substrings that mark a guardrail as not actually
// configured. Matched case-insensitively across name, scope, and every
// configuration value.
var placeholderTokens = []string{"todo", "tbd", "[value]", "<value>", "placeholder", "fixme", "xxx"}

func placeholderIn(d model.GuardrailDraft) (string, bool) {
	check := func(s string) (string, bool) {
		lower := strings.ToLower(s)
		for _, tok := range placeholderTokens {
			if strings.Contains(lower, tok) {
				return tok, true
			}
		}
		return "", false
	}
	if tok, found := check(d.Name); found {
		return tok, true
	}
	if tok, found := check(d.Scope); found {
		return tok, true
	}
	for _, v := range d.Configuration {
		if tok, found := check(v); found {
			return tok, true
		}
	}
	return "", false
}

// ---- runbook ----

func runbookPrompts(p *model.FailurePattern, _ *model.Suggestion) (string, string) {
	system := `You write operational runbooks for LLM application failures.
Given a failure pattern, produce one runbook:
- symptoms are what an on-call engineer observes, not causes
- diagnosis_steps are ordered and concrete (a query to run, a log to read)
- mitigation_steps stop the bleeding; escalation names when to page further`
	return system, "Failure pattern:\n" + patternBrief(p) + "\nProduce the runbook."
}

func composeRunbook(s *Service, sug *model.Suggestion, canonical *model.FailurePattern, raw json.RawMessage, meta model.GeneratorMeta, now time.Time) error {
	var d model.RunbookDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.E(model.KindInvalidJSON, "decode runbook draft: %v", err)
	}
	d.ID = draftID(runbookID(sug), "runbook")
	d.Title = s.redactor.RedactAndTruncate(d.Title, maxShort)
	d.Summary = s.redactor.RedactAndTruncate(d.Summary, maxMedium)
	d.Symptoms = s.sanitizeList(d.Symptoms, maxMedium)
	d.DiagnosisSteps = s.sanitizeList(d.DiagnosisSteps, maxMedium)
	d.MitigationSteps = s.sanitizeList(d.MitigationSteps, maxMedium)
	d.Escalation = s.redactor.RedactAndTruncate(d.Escalation, maxMedium)
	if d.Severity == "" {
		d.Severity = canonical.Severity
	}
	d.Lineage = lineage(sug)
	d.Status = model.DraftReady
	d.EditSource = model.EditGenerated
	d.GeneratedAt = preservedGeneratedAt(sug, now)
	d.UpdatedAt = now
	d.Meta = meta
	sug.Content = model.SuggestionContent{Runbook: &d}
	return nil
}

func templateRunbook(s *Service, sug *model.Suggestion, reason string, meta model.GeneratorMeta, now time.Time) {
	d := &model.RunbookDraft{
		ID:              draftID(runbookID(sug), "runbook"),
		Title:           "Runbook for " + titleOr(sug, "suggestion "+sug.SuggestionID),
		Lineage:         lineage(sug),
		Summary:         "Complete this runbook by hand; automatic generation lacked context.",
		Symptoms:        []string{"[what does the on-call engineer observe?]"},
		DiagnosisSteps:  []string{"[how is the failure confirmed?]"},
		MitigationSteps: []string{"[what stops the bleeding?]"},
		Severity:        sug.Severity,
		Status:          model.DraftNeedsHumanInput,
		EditSource:      model.EditGenerated,
		Reason:          reason,
		GeneratedAt:     preservedGeneratedAt(sug, now),
		UpdatedAt:       now,
		Meta:            meta,
	}
	sug.Content = model.SuggestionContent{Runbook: d}
}

// ---- shared helpers ----

// draftID keeps a stable id across regenerations of the same draft.
func draftID(prev, prefix string) string {
	if prev != "" {
		return prev
	}
	return prefix + "-" + uuid.NewString()
}

func evalID(sug *model.Suggestion) string {
	if sug.Content.Eval != nil {
		return sug.Content.Eval.ID
	}
	return ""
}

func guardrailID(sug *model.Suggestion) string {
	if sug.Content.Guardrail != nil {
		return sug.Content.Guardrail.ID
	}
	return ""
}

func runbookID(sug *model.Suggestion) string {
	if sug.Content.Runbook != nil {
		return sug.Content.Runbook.ID
	}
	return ""
}

// preservedGeneratedAt keeps the original generation timestamp when a draft
// is overwritten; updated_at carries the regeneration time.
func preservedGeneratedAt(sug *model.Suggestion, now time.Time) time.Time {
	if _, _, generatedAt, ok := sug.Draft(); ok && !generatedAt.IsZero() {
		return generatedAt
	}
	return now
}

func titleOr(sug *model.Suggestion, fallback string) string {
	if sug.Pattern.Title != "" {
		return sug.Pattern.Title
	}
	return fallback
}
