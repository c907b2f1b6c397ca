// Package notify is the outbound notification collaborator boundary.
// Delivery is fire-and-forget: failures are logged and never roll back
// an assignment.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/models"
)

type Notification struct {
	AlertID  string          `json:"alert_id"`
	AgentID  string          `json:"agent_id,omitempty"`
	Priority models.Priority `json:"priority"`
	Reasons  []string        `json:"reasons"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log. Stands in for
// push/email/SMS channels, which live outside this subsystem.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info().
		Str("alert_id", n.AlertID).
		Str("agent_id", n.AgentID).
		Str("priority", string(n.Priority)).
		Strs("reasons", n.Reasons).
		Msg("notification dispatched")
	return nil
}
