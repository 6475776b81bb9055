// Package approval owns the suggestion review state machine: transactional
// approve/reject transitions with an append-only audit trail, fire-and-forget
// notification, and export of approved artifacts.
package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/store"
)

// Store is the persistence surface approval needs.
type Store interface {
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	UpdateSuggestion(ctx context.Context, id string, mutate func(*model.Suggestion) error) (*model.Suggestion, error)
	ListSuggestions(ctx context.Context, f store.SuggestionFilter) (*store.SuggestionPage, error)
	SaveExport(ctx context.Context, rec *model.ExportRecord) error
	MarkCaptureExported(ctx context.Context, traceID, exportRef string) error
	CountSuggestions(ctx context.Context, path, value string) (int64, error)
}

// Notifier delivers decision notifications. Implementations must be safe to
// call from a detached goroutine.
type Notifier interface {
	SuggestionDecided(ctx context.Context, sug *model.Suggestion)
}

// Service executes approval operations.
type Service struct {
	store    Store
	notifier Notifier
}

// New builds the approval service.
func New(st Store, notifier Notifier) *Service {
	return &Service{store: st, notifier: notifier}
}

// Approve transitions a pending suggestion to approved. The transition,
// approval metadata, and history entry commit atomically; the notification
// goes out after commit and never affects the result.
func (s *Service) Approve(ctx context.Context, id, actor, notes string) (*model.Suggestion, error) {
	return s.decide(ctx, id, model.StatusApproved, actor, notes, "")
}

// Reject transitions a pending suggestion to rejected. A reason is required.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*model.Suggestion, error) {
	if reason == "" {
		return nil, model.E(model.KindConfiguration, "a rejection reason is required")
	}
	return s.decide(ctx, id, model.StatusRejected, actor, "", reason)
}

func (s *Service) decide(ctx context.Context, id string, target model.SuggestionStatus, actor, notes, reason string) (*model.Suggestion, error) {
	log := logging.For(logging.CategoryApproval)
	if actor == "" {
		actor = "unknown"
	}
	action := "approve"
	if target == model.StatusRejected {
		action = "reject"
	}

	updated, err := s.store.UpdateSuggestion(ctx, id, func(sug *model.Suggestion) error {
		if sug.Status != model.StatusPending {
			return model.E(model.KindInvalidTransition, "suggestion %s is %s; only pending suggestions can be %sd", id, sug.Status, action)
		}
		now := time.Now().UTC()
		sug.VersionHistory = append(sug.VersionHistory, model.StatusChange{
			PreviousStatus: sug.Status,
			NewStatus:      target,
			Actor:          actor,
			Timestamp:      now,
			Notes:          firstNonEmpty(notes, reason),
		})
		sug.Status = target
		sug.Approval = &model.ApprovalMetadata{
			Actor:     actor,
			Action:    action,
			Timestamp: now,
			Notes:     notes,
			Reason:    reason,
		}
		sug.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("suggestion decided",
		zap.String("suggestion_id", id),
		zap.String("status", string(target)),
		zap.String("actor", actor))

	// Fire and forget: the decision is already durable. WithoutCancel keeps
	// the delivery alive after the HTTP request that triggered it returns.
	go s.notifier.SuggestionDecided(context.WithoutCancel(ctx), updated)
	return updated, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Get loads one suggestion.
func (s *Service) Get(ctx context.Context, id string) (*model.Suggestion, error) {
	return s.store.GetSuggestion(ctx, id)
}

// List pages through suggestions with optional filters.
func (s *Service) List(ctx context.Context, f store.SuggestionFilter) (*store.SuggestionPage, error) {
	return s.store.ListSuggestions(ctx, f)
}

// Health reports review queue counts.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"stage": "approval"}
	pending, err := s.store.CountSuggestions(ctx, "status", string(model.StatusPending))
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	out["status"] = "ok"
	out["pending_review"] = pending
	return out
}
