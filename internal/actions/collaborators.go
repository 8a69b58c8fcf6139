// Package actions executes a single action node through external collaborators.
package actions

import (
	"context"
	"errors"

	"github.com/opencode-ai/followup/internal/models"
)

// MessageKind distinguishes chat messages from email.
type MessageKind string

const (
	MessageKindChat  MessageKind = "message"
	MessageKindEmail MessageKind = "email"
)

// OutboundMessage is one message handed to the messaging collaborator. Template
// variables in Text are substituted by the collaborator.
type OutboundMessage struct {
	Kind           MessageKind `json:"kind"`
	Channel        string      `json:"channel,omitempty"`
	AccountID      string      `json:"account_id,omitempty"`
	LeadID         string      `json:"lead_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Subject        string      `json:"subject,omitempty"`
	Text           string      `json:"text"`
	// IdempotencyKey is stable per instance and node.
	IdempotencyKey string `json:"idempotency_key"`
}

// DeliveryResult is what the messenger reports back.
type DeliveryResult struct {
	MessageID string `json:"message_id,omitempty"`
}

// ConversationContext is passed to the text generator.
type ConversationContext struct {
	AccountID      string `json:"account_id,omitempty"`
	LeadID         string `json:"lead_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Channel        string `json:"channel,omitempty"`
	AttemptCount   int    `json:"attempt_count"`
}

// GenerationRequest asks the AI collaborator for message text.
type GenerationRequest struct {
	Instructions string              `json:"instructions"`
	MaxLength    int                 `json:"max_length,omitempty"`
	Context      ConversationContext `json:"context"`
}

// TagChange adds or removes tags on a lead.
type TagChange struct {
	AccountID string       `json:"account_id,omitempty"`
	LeadID    string       `json:"lead_id"`
	Tags      []models.Tag `json:"tags,omitempty"`
	Remove    bool         `json:"remove,omitempty"`
	RemoveAll bool         `json:"remove_all,omitempty"`
}

// Messenger delivers outbound messages.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryResult, error)
}

// TextGenerator produces AI-written message text.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// TagStore owns lead tags.
type TagStore interface {
	Apply(ctx context.Context, change TagChange) error
}

// Handoff transfers a lead to a human.
type Handoff interface {
	Transfer(ctx context.Context, leadID, reason string) error
}

// Deals closes a lead's deal.
type Deals interface {
	CloseLost(ctx context.Context, leadID, reason string) error
}

// Collaborators bundles the outbound dependencies of the executor.
type Collaborators struct {
	Messenger Messenger
	Generator TextGenerator
	Tags      TagStore
	Handoff   Handoff
	Deals     Deals
}

// ErrEmptyGeneration is returned when the generator produced only whitespace.
var ErrEmptyGeneration = errors.New("generated text is empty")

// ErrNoCollaborator is returned when the collaborator for an action is not configured.
var ErrNoCollaborator = errors.New("collaborator not configured")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
