package extract

import (
	"fmt"
	"strings"

	"github.com/evalforge/evalforge/internal/model"
)

// systemPrompt frames the extraction task. The output contract itself is
// enforced by responseJsonSchema; the prompt carries the judgment calls the
// schema cannot.
const systemPrompt = `You are a reliability engineer analyzing failed LLM application traces.
Given one trace, distill the failure into a structured pattern:
- failure_type must be one of: %s
- trigger_condition describes the class of input or state that provokes the failure, not this one instance
- evidence.signals quote concrete observations from the trace
- confidence reflects how certain you are that this is a real, reproducible failure pattern, with a one-line rationale
- recommended_actions are specific and testable
Do not include any personally identifying information in any field.`

// fewShot is one worked example appended to every extraction prompt. It
// anchors the granularity of trigger_condition, which models otherwise make
// either trace-specific or uselessly broad.
const fewShot = `Example trace (abbreviated):
  user asks "When did the Eiffel Tower open?", assistant answers "1921", evaluation flags factual error.
Example output:
  {"title": "Fabricated historical dates", "failure_type": "hallucination",
   "trigger_condition": "factual questions about dates of historical events",
   "summary": "The assistant states a confident but wrong year for a well-known event.",
   "root_cause_hypothesis": "No retrieval grounding; the model free-associates plausible dates.",
   "evidence": {"signals": ["answer contradicts established fact", "no source cited"], "excerpt": "opened in 1921"},
   "recommended_actions": ["add a dated-facts eval set", "require citation for date claims"],
   "reproduction_context": {"input_pattern": "When did <historical event> happen?", "tools_involved": []},
   "severity": "high", "confidence": 0.9,
   "confidence_rationale": "the contradiction is unambiguous"}`

// buildPrompts returns the system and user prompts for one capture whose
// trace text has already been prepared.
func buildPrompts(capture *model.FailureCapture, traceText string) (string, string) {
	types := make([]string, len(model.FailureTypes))
	for i, ft := range model.FailureTypes {
		types[i] = string(ft)
	}
	system := fmt.Sprintf(systemPrompt, strings.Join(types, ", "))

	var user strings.Builder
	user.WriteString(fewShot)
	user.WriteString("\n\nAnalyze this trace:\n")
	fmt.Fprintf(&user, "service: %s\n", capture.Service)
	fmt.Fprintf(&user, "provider_failure_type: %s\n", capture.FailureType)
	fmt.Fprintf(&user, "quality_score: %.2f\n", capture.QualityScore)
	fmt.Fprintf(&user, "recurrence_count: %d\n", capture.RecurrenceCount)
	user.WriteString("trace:\n")
	user.WriteString(traceText)
	return system, user.String()
}
