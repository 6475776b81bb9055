package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{
		"status":  "ok",
		"version": s.version,
		"config":  s.configInfo,
	}
	stages := map[string]any{}
	for name, stage := range s.stages {
		if stage == nil {
			continue
		}
		h := stage.Health(ctx)
		stages[name] = h
		if h["status"] != "ok" {
			out["status"] = "degraded"
		}
	}
	for typ, gen := range s.generators {
		h := gen.Health(ctx)
		stages["generate_"+string(typ)] = h
		if h["status"] != "ok" {
			out["status"] = "degraded"
		}
	}
	if s.review != nil {
		h := s.review.Health(ctx)
		stages["approval"] = h
		if h["status"] != "ok" {
			out["status"] = "degraded"
		}
	}
	out["stages"] = stages
	// Degraded is still a 200: the process is serving, a dependency is not.
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// runRequest is the batch-trigger body. Each stage reads only the fields
// that apply to it; everything defaults.
type runRequest struct {
	TriggeredBy      string   `json:"triggeredBy"`
	BatchSize        int      `json:"batchSize"`
	DryRun           bool     `json:"dryRun"`
	TraceIDs         []string `json:"traceIds"`
	LookbackHours    int      `json:"traceLookbackHours"`
	QualityThreshold float64  `json:"qualityThreshold"`
}

func (s *Server) handleStageRun(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := s.stages[name]
		if stage == nil {
			writeError(w, http.StatusNotFound, model.KindNotFound, "stage "+name+" is not wired")
			return
		}
		var req runRequest
		decodeOptional(r, &req)
		summary, err := stage.Run(r.Context(), model.BatchOptions{
			TriggeredBy:      triggerFrom(req.TriggeredBy),
			BatchSize:        req.BatchSize,
			DryRun:           req.DryRun,
			TraceIDs:         req.TraceIDs,
			LookbackHours:    req.LookbackHours,
			QualityThreshold: req.QualityThreshold,
		})
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type generateRunRequest struct {
	BatchSize      int      `json:"batchSize"`
	DryRun         bool     `json:"dryRun"`
	TriggeredBy    string   `json:"triggeredBy"`
	SuggestionIDs  []string `json:"suggestionIds"`
	ForceOverwrite bool     `json:"forceOverwrite"`
}

func (s *Server) handleGenerateRun(w http.ResponseWriter, r *http.Request) {
	gen, ok := s.generators[model.SuggestionType(chi.URLParam(r, "type"))]
	if !ok {
		writeError(w, http.StatusNotFound, model.KindNotFound, "unknown generator type "+chi.URLParam(r, "type"))
		return
	}
	var req generateRunRequest
	decodeOptional(r, &req)
	summary, err := gen.Run(r.Context(), generate.Options{
		BatchSize:      req.BatchSize,
		DryRun:         req.DryRun,
		TriggeredBy:    triggerFrom(req.TriggeredBy),
		SuggestionIDs:  req.SuggestionIDs,
		ForceOverwrite: req.ForceOverwrite,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type generateOneRequest struct {
	ForceOverwrite bool `json:"forceOverwrite"`
}

func (s *Server) handleGenerateOne(w http.ResponseWriter, r *http.Request) {
	gen, ok := s.generators[model.SuggestionType(chi.URLParam(r, "type"))]
	if !ok {
		writeError(w, http.StatusNotFound, model.KindNotFound, "unknown generator type "+chi.URLParam(r, "type"))
		return
	}
	var req generateOneRequest
	decodeOptional(r, &req)
	force := req.ForceOverwrite
	if !force {
		force, _ = strconv.ParseBool(r.URL.Query().Get("force"))
	}
	sug, err := gen.GenerateOne(r.Context(), chi.URLParam(r, "suggestionID"), force)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

func (s *Server) handleGetRun(stage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.GetRun(r.Context(), stage, chi.URLParam(r, "runID"))
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleLatestRun(stage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.LatestRun(r.Context(), stage)
		if err != nil {
			writeKindError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, model.KindNotFound, "stage "+stage+" has never run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SuggestionFilter{
		Type:   model.SuggestionType(q.Get("type")),
		Status: model.SuggestionStatus(q.Get("status")),
		Cursor: q.Get("cursor"),
	}
	if sev := q.Get("severity"); sev != "" {
		if !model.ValidSeverity(sev) {
			writeError(w, http.StatusBadRequest, model.KindConfiguration, "invalid severity "+sev)
			return
		}
		filter.Severity = model.Severity(sev)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, model.KindConfiguration, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	page, err := s.review.List(r.Context(), filter)
	if err != nil {
		writeKindError(w, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []*model.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": items,
		"nextCursor":  page.NextCursor,
		"hasMore":     page.HasMore,
	})
}

func (s *Server) handleGetSuggestion(w http.ResponseWriter, r *http.Request) {
	sug, err := s.review.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	decodeOptional(r, &req)
	sug, err := s.review.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	decodeOptional(r, &req)
	sug, err := s.review.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "deepeval"
	}
	rec, err := s.review.Export(r.Context(), chi.URLParam(r, "id"), format, r.URL.Query().Get("actor"))
	if err != nil {
		// Exporting an unapproved suggestion is a caller mistake, not a
		// state conflict.
		if model.IsKind(err, model.KindInvalidTransition) {
			writeError(w, http.StatusBadRequest, model.KindInvalidTransition, err.Error())
			return
		}
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeOptional decodes a JSON body when present. An empty body is fine;
// every field has a usable zero value.
func decodeOptional(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func triggerFrom(raw string) model.TriggeredBy {
	if raw == string(model.TriggerScheduled) {
		return model.TriggerScheduled
	}
	return model.TriggerManual
}
