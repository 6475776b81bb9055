// Package notify delivers review notifications to a Slack incoming webhook.
// Delivery is strictly best-effort: approval transitions must never fail or
// slow down because Slack is unreachable.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

// deliveryTimeout bounds one webhook POST.
const deliveryTimeout = 5 * time.Second

// Notifier posts suggestion decisions to a webhook. A Notifier with no URL
// is a valid no-op.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// New builds a Notifier. An empty URL disables delivery.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: deliveryTimeout},
	}
}

// Configured reports whether deliveries will actually be sent.
func (n *Notifier) Configured() bool { return n.webhookURL != "" }

// SuggestionDecided posts an approve/reject notification. Errors are logged
// and swallowed; a 429 is logged at debug as transient backpressure.
func (n *Notifier) SuggestionDecided(ctx context.Context, sug *model.Suggestion) {
	log := logging.For(logging.CategoryNotify)
	if n.webhookURL == "" {
		return
	}
	if sug.Approval == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	msg := buildMessage(sug)
	err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.httpClient, msg)
	if err == nil {
		log.Debug("notification delivered", zap.String("suggestion_id", sug.SuggestionID))
		return
	}

	var sce slack.StatusCodeError
	if errors.As(err, &sce) && sce.Code == http.StatusTooManyRequests {
		log.Debug("webhook rate limited, dropping notification",
			zap.String("suggestion_id", sug.SuggestionID))
		return
	}
	log.Warn("notification delivery failed",
		zap.String("suggestion_id", sug.SuggestionID),
		zap.Error(err))
}

func buildMessage(sug *model.Suggestion) *slack.WebhookMessage {
	verb := "reviewed"
	switch sug.Status {
	case model.StatusApproved:
		verb = "approved"
	case model.StatusRejected:
		verb = "rejected"
	}
	title := sug.Pattern.Title
	if title == "" {
		title = sug.SuggestionID
	}

	fields := []slack.AttachmentField{
		{Title: "Type", Value: string(sug.Type), Short: true},
		{Title: "Severity", Value: string(sug.Severity), Short: true},
		{Title: "Actor", Value: sug.Approval.Actor, Short: true},
		{Title: "Source traces", Value: fmt.Sprintf("%d", len(sug.SourceTraces)), Short: true},
	}
	if sug.Approval.Reason != "" {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: sug.Approval.Reason})
	}

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("Suggestion %s: %s", verb, title),
		Attachments: []slack.Attachment{{
			Color:  colorFor(sug.Status),
			Fields: fields,
		}},
	}
}

func colorFor(status model.SuggestionStatus) string {
	switch status {
	case model.StatusApproved:
		return "good"
	case model.StatusRejected:
		return "danger"
	default:
		return "#cccccc"
	}
}
