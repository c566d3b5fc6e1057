// Package notify fans human notifications and audit events out to Slack and
// NATS. Every channel is optional and failures are only logged.
package notify

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/hermes"
)

// EscalationPoster posts escalation alerts, e.g. to Slack.
type EscalationPoster interface {
	PostEscalation(ctx context.Context, rec chat.EscalationRecord) (string, error)
}

// Publisher publishes JSON events, e.g. to NATS.
type Publisher interface {
	Publish(subject string, data any) error
}

type Notifier struct {
	poster EscalationPoster
	bus    Publisher
	logger *slog.Logger
}

// New builds a notifier. Either channel may be nil.
func New(poster EscalationPoster, bus Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{poster: poster, bus: bus, logger: logger}
}

// Escalation alerts staff and publishes the record. It returns the Slack
// message ts, or "" when no alert was posted.
func (n *Notifier) Escalation(ctx context.Context, rec chat.EscalationRecord) string {
	n.Publish(hermes.SubjectEscalation, rec)

	if n.poster == nil {
		return ""
	}
	ts, err := n.poster.PostEscalation(ctx, rec)
	if err != nil {
		n.logger.Error("escalation alert failed",
			"correspondent", rec.Correspondent,
			"reason", rec.Reason,
			"error", err,
		)
		return ""
	}
	return ts
}

// Publish sends an audit event on the bus if one is configured.
func (n *Notifier) Publish(subject string, data any) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(subject, data); err != nil {
		n.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}
