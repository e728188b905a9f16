// Package events defines the outbound events emitted by the workflow engine
// and the publishers that deliver them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Type names an outbound event
type Type string

// Event types
const (
	TypeTaskAssigned   Type = "task.assigned"
	TypeTaskReassigned Type = "task.reassigned"
	TypeTaskOverdue    Type = "task.overdue"
	TypeSLAAlert       Type = "sla.alert"
	TypeNotification   Type = "notification"
	TypeDigest         Type = "digest"
)

// Event is a single outbound message. Recipient is set for notifications.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	TaskKind   tasks.Kind     `json:"task_kind,omitempty"`
	Reference  string         `json:"reference,omitempty"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// New creates an event with a fresh id
func New(t Type, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, At: at}
}

// Subject returns the NATS subject an event is published on
func (e Event) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi fans an event out to several publishers and joins their errors
type Multi []Publisher

// Publish sends evt to every publisher
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the structured log
type LogPublisher struct{}

// Publish logs the event
func (LogPublisher) Publish(_ context.Context, evt Event) error {
	slog.Info("event published",
		"event_id", evt.ID,
		"type", evt.Type,
		"task_id", evt.TaskID,
		"recipient", evt.Recipient)
	return nil
}
