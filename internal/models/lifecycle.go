package models

import (
	"fmt"
	"time"
)

// AlertStatus tracks where an alert is in its lifecycle.
type AlertStatus string

const (
	// StatusPending means created, no agent selected yet
	StatusPending AlertStatus = "PENDING"

	// StatusDelivered means an agent was selected and notified
	StatusDelivered AlertStatus = "DELIVERED"

	// StatusAcknowledged means the agent accepted the alert
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"

	// StatusConverted means the opportunity closed successfully (terminal)
	StatusConverted AlertStatus = "CONVERTED"

	// StatusDismissed means the agent rejected the alert (terminal)
	StatusDismissed AlertStatus = "DISMISSED"

	// StatusExpired means the alert aged out without acknowledgment (terminal)
	StatusExpired AlertStatus = "EXPIRED"
)

var legalTransitions = map[AlertStatus][]AlertStatus{
	StatusPending:      {StatusDelivered, StatusExpired},
	StatusDelivered:    {StatusAcknowledged, StatusExpired},
	StatusAcknowledged: {StatusConverted, StatusDismissed},
}

func (s AlertStatus) Terminal() bool {
	switch s {
	case StatusConverted, StatusDismissed, StatusExpired:
		return true
	}
	return false
}

// Active reports whether an alert in this status counts against the
// assignee's capacity.
func (s AlertStatus) Active() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusAcknowledged:
		return true
	}
	return false
}

func (s AlertStatus) CanTransition(to AlertStatus) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a caller attempts an illegal
// lifecycle move. The alert is left unchanged.
type InvalidTransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alert %s: invalid transition %s -> %s", e.AlertID, e.From, e.To)
}

// Transition validates and applies a status change, stamping the
// corresponding timestamp field. The alert is untouched on rejection.
func (a *Alert) Transition(to AlertStatus, at time.Time) error {
	if !a.Status.CanTransition(to) {
		return &InvalidTransitionError{AlertID: a.ID, From: a.Status, To: to}
	}
	a.Status = to
	switch to {
	case StatusDelivered:
		a.AssignedAt = &at
	case StatusAcknowledged:
		a.AcknowledgedAt = &at
	case StatusConverted:
		a.ConvertedAt = &at
	}
	return nil
}
