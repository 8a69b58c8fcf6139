package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Flow events
	EventTypeFlowSaved          EventType = "flow.saved"
	EventTypeFlowRejected       EventType = "flow.rejected"
	EventTypeFlowCompileFailure EventType = "flow.compile_failed"

	// Instance events
	EventTypeInstanceCreated   EventType = "instance.created"
	EventTypeInstanceWaiting   EventType = "instance.waiting"
	EventTypeInstanceCompleted EventType = "instance.completed"
	EventTypeInstanceCancelled EventType = "instance.cancelled"
	EventTypeInstanceFailed    EventType = "instance.failed"

	// Action events
	EventTypeActionExecuted EventType = "action.executed"
	EventTypeActionFailed   EventType = "action.failed"

	// Lead events
	EventTypeLeadReplied EventType = "lead.replied"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeFlow     EntityType = "flow"
	EntityTypeInstance EntityType = "instance"
	EntityTypeLead     EntityType = "lead"
	EntityTypeSystem   EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// FlowSavedPayload is the payload for flow.saved and flow.rejected events.
type FlowSavedPayload struct {
	Version  int      `json:"version"`
	Runnable bool     `json:"runnable"`
	Problems []string `json:"problems,omitempty"`
}

// InstanceTransitionPayload is the payload for instance.* events.
type InstanceTransitionPayload struct {
	LeadID       string         `json:"lead_id"`
	FlowID       string         `json:"flow_id"`
	NodeID       string         `json:"node_id,omitempty"`
	Status       InstanceStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Reason       string         `json:"reason,omitempty"`
}

// ActionExecutedPayload is the payload for action.executed and action.failed events.
type ActionExecutedPayload struct {
	NodeID     string     `json:"node_id"`
	ActionType ActionType `json:"action_type"`
	Retryable  bool       `json:"retryable,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// LeadRepliedPayload is the payload for lead.replied events.
type LeadRepliedPayload struct {
	Cancelled int `json:"cancelled"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
