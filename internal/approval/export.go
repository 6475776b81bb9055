package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

// Export formats.
const (
	FormatDeepeval = "deepeval"
	FormatPytest   = "pytest"
	FormatYAML     = "yaml"
)

// Export renders an approved suggestion in the requested format, persists an
// export record, and marks the lineage captures exported. Only approved
// suggestions export.
func (s *Service) Export(ctx context.Context, id, format, actor string) (*model.ExportRecord, error) {
	log := logging.For(logging.CategoryApproval)

	sug, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Status != model.StatusApproved {
		return nil, model.E(model.KindInvalidTransition, "suggestion %s is %s; export requires approved", id, sug.Status)
	}

	var (
		content     string
		contentType string
	)
	switch format {
	case FormatDeepeval:
		content, contentType, err = exportDeepeval(sug)
	case FormatPytest:
		content, contentType, err = exportPytest(sug)
	case FormatYAML:
		content, contentType, err = exportYAML(sug)
	default:
		return nil, model.E(model.KindConfiguration, "unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	rec := &model.ExportRecord{
		ExportID:     uuid.NewString(),
		SuggestionID: sug.SuggestionID,
		Format:       format,
		ContentType:  contentType,
		Content:      content,
		Actor:        actor,
		ExportedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveExport(ctx, rec); err != nil {
		return nil, err
	}
	for _, st := range sug.SourceTraces {
		if err := s.store.MarkCaptureExported(ctx, st.TraceID, rec.ExportID); err != nil {
			// The export already succeeded; a missing capture only loses the
			// back-reference.
			log.Warn("mark capture exported failed",
				zap.String("trace_id", st.TraceID),
				zap.Error(err))
		}
	}
	log.Info("suggestion exported",
		zap.String("suggestion_id", id),
		zap.String("format", format),
		zap.String("export_id", rec.ExportID))
	return rec, nil
}

// deepevalCase is the nine-field test-case shape deepeval imports.
type deepevalCase struct {
	Name               string            `json:"name"`
	Input              string            `json:"input"`
	ExpectedOutput     string            `json:"expected_output"`
	Context            []string          `json:"context"`
	RetrievalContext   []string          `json:"retrieval_context"`
	Tags               []string          `json:"tags"`
	Comments           string            `json:"comments"`
	SourceFile         string            `json:"source_file"`
	AdditionalMetadata map[string]string `json:"additional_metadata"`
}

func exportDeepeval(sug *model.Suggestion) (string, string, error) {
	d := sug.Content.Eval
	if d == nil {
		return "", "", model.E(model.KindWrongType, "suggestion %s has no eval draft to export", sug.SuggestionID)
	}
	tc := deepevalCase{
		Name:             d.Name,
		Input:            d.TestInput,
		ExpectedOutput:   d.ExpectedBehavior,
		Context:          []string{d.Description},
		RetrievalContext: []string{},
		Tags:             d.Tags,
		Comments:         "failure condition: " + d.FailureCondition,
		SourceFile:       "",
		AdditionalMetadata: map[string]string{
			"suggestion_id": sug.SuggestionID,
			"trace_ids":     strings.Join(d.Lineage.TraceIDs, ","),
		},
	}
	out, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal deepeval case: %w", err)
	}
	return string(out), "application/json", nil
}

func exportPytest(sug *model.Suggestion) (string, string, error) {
	d := sug.Content.Eval
	if d == nil {
		return "", "", model.E(model.KindWrongType, "suggestion %s has no eval draft to export", sug.SuggestionID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated from suggestion %s\n", sug.SuggestionID)
	fmt.Fprintf(&b, "# Source traces: %s\n\n", strings.Join(d.Lineage.TraceIDs, ", "))
	b.WriteString("import pytest\n\n\n")
	fmt.Fprintf(&b, "def test_%s(llm_client):\n", pyIdent(d.Name))
	fmt.Fprintf(&b, "    %q\n", d.Description)
	fmt.Fprintf(&b, "    response = llm_client.complete(%q)\n\n", d.TestInput)
	fmt.Fprintf(&b, "    # Expected: %s\n", d.ExpectedBehavior)
	fmt.Fprintf(&b, "    # Failure:  %s\n", d.FailureCondition)
	for _, c := range d.EvaluationCriteria {
		fmt.Fprintf(&b, "    assert evaluate(response, %q)\n", c)
	}
	return b.String(), "text/x-python", nil
}

// pyIdent lowercases a name into a legal python identifier fragment.
func pyIdent(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "generated_eval"
	}
	return out
}

// yamlGuardrail is the policy-engine document shape.
type yamlGuardrail struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	GuardrailType string            `yaml:"guardrail_type"`
	Scope         string            `yaml:"scope"`
	Action        string            `yaml:"action"`
	Configuration map[string]string `yaml:"configuration"`
	TraceIDs      []string          `yaml:"trace_ids"`
}

func exportYAML(sug *model.Suggestion) (string, string, error) {
	d := sug.Content.Guardrail
	if d == nil {
		return "", "", model.E(model.KindWrongType, "yaml export is guardrail-only; suggestion %s has no guardrail draft", sug.SuggestionID)
	}
	doc := yamlGuardrail{
		Name:          d.Name,
		Description:   d.Description,
		GuardrailType: string(d.GuardrailType),
		Scope:         d.Scope,
		Action:        d.Action,
		Configuration: d.Configuration,
		TraceIDs:      d.Lineage.TraceIDs,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("marshal guardrail yaml: %w", err)
	}
	return string(out), "application/yaml", nil
}
