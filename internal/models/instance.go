package models

import (
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a flow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// Terminal reports whether the instance will never be resumed.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusCancelled, InstanceStatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusPending, InstanceStatusWaiting, InstanceStatusRunning,
		InstanceStatusCompleted, InstanceStatusCancelled, InstanceStatusFailed:
		return true
	}
	return false
}

// ActiveStatuses are the statuses a lead reply cancels.
var ActiveStatuses = []InstanceStatus{
	InstanceStatusPending,
	InstanceStatusWaiting,
	InstanceStatusRunning,
}

// FlowInstance is one execution of a flow version for a lead.
type FlowInstance struct {
	ID             string `json:"id"`
	LeadID         string `json:"lead_id"`
	FlowID         string `json:"flow_id"`
	FlowVersion    int    `json:"flow_version"`
	ConversationID string `json:"conversation_id,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	Channel        string `json:"channel,omitempty"`

	// CurrentNodeID is the cursor.
	CurrentNodeID string `json:"current_node_id"`

	// AttemptCount increments every time the instance parks at a wait action.
	AttemptCount int `json:"attempt_count"`

	// RetryCount counts consecutive retryable failures at the cursor node.
	RetryCount int `json:"retry_count"`

	Status InstanceStatus `json:"status"`

	// ScheduledAt is when the current wait (or retry backoff) expires.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// CancelRequested is set by a lead reply before the instance lock is taken.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// Version guards concurrent writers.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

// Validate checks the fields required to persist an instance.
func (i *FlowInstance) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(i.LeadID) == "" {
		validation.AddMessage("lead_id", "lead_id is required")
	}
	if strings.TrimSpace(i.FlowID) == "" {
		validation.AddMessage("flow_id", "flow_id is required")
	}
	if i.FlowVersion <= 0 {
		validation.AddMessage("flow_version", "flow_version must be positive")
	}
	if !i.Status.Valid() {
		validation.AddMessage("status", "unknown status "+string(i.Status))
	}
	if i.AttemptCount < 0 {
		validation.AddMessage("attempt_count", "attempt_count cannot be negative")
	}
	return validation.Err()
}

// HistoryOutcome classifies a history entry.
type HistoryOutcome string

const (
	OutcomeTriggered       HistoryOutcome = "triggered"
	OutcomeBranch          HistoryOutcome = "branch"
	OutcomeWaiting         HistoryOutcome = "waiting"
	OutcomeWoke            HistoryOutcome = "woke"
	OutcomeDispatched      HistoryOutcome = "dispatched"
	OutcomeSucceeded       HistoryOutcome = "succeeded"
	OutcomeFailedRetryable HistoryOutcome = "failed_retryable"
	OutcomeFailed          HistoryOutcome = "failed"
	OutcomeSkipped         HistoryOutcome = "skipped"
	OutcomeCompleted       HistoryOutcome = "completed"
	OutcomeCancelled       HistoryOutcome = "cancelled"
	OutcomeDeadEnd         HistoryOutcome = "dead_end"
)

// HistoryEntry is one append-only execution log record.
type HistoryEntry struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Seq        int            `json:"seq"`
	NodeID     string         `json:"node_id"`
	Outcome    HistoryOutcome `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	LeadID   string
	FlowID   string
	Statuses []InstanceStatus
	Limit    int
}
