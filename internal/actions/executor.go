package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencode-ai/followup/internal/logging"
	"github.com/opencode-ai/followup/internal/models"
)

// DefaultTimeout bounds each collaborator call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of executing one action node.
type Result struct {
	OK        bool
	Retryable bool
	Detail    string

	// WakeAt is set by wait actions.
	WakeAt time.Time

	// Err is the collaborator error behind a failure, if any.
	Err error
}

func success(detail string) Result {
	return Result{OK: true, Detail: detail}
}

func failure(err error) Result {
	return Result{
		OK:        false,
		Retryable: !IsPermanent(err),
		Detail:    err.Error(),
		Err:       err,
	}
}

// Executor dispatches action nodes to collaborators.
type Executor struct {
	collab  Collaborators
	timeout time.Duration
	now     func() time.Time
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds every collaborator call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source used for wait actions.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(collab Collaborators, opts ...Option) *Executor {
	e := &Executor{
		collab:  collab,
		timeout: DefaultTimeout,
		now:     time.Now,
		tracer:  otel.Tracer("github.com/opencode-ai/followup/internal/actions"),
		logger:  logging.Component("actions"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the action of node for inst. It never panics on an unknown
// action type; that is reported as a permanent failure.
func (e *Executor) Execute(ctx context.Context, node *models.RuntimeNode, inst *models.FlowInstance) Result {
	if node == nil || node.Action == nil {
		return failure(Permanent(errors.New("node has no action")))
	}

	ctx, span := e.tracer.Start(ctx, "actions.Execute", trace.WithAttributes(
		attribute.String("action.type", string(node.Action.Type())),
		attribute.String("node.id", node.ID),
		attribute.String("instance.id", inst.ID),
	))
	defer span.End()

	result := e.dispatch(ctx, node, inst)
	if !result.OK {
		span.SetStatus(codes.Error, result.Detail)
		span.SetAttributes(attribute.Bool("action.retryable", result.Retryable))
		e.logger.Warn().
			Str("instance_id", inst.ID).
			Str("node_id", node.ID).
			Str("action_type", string(node.Action.Type())).
			Bool("retryable", result.Retryable).
			Msg(result.Detail)
	}
	return result
}

func (e *Executor) dispatch(ctx context.Context, node *models.RuntimeNode, inst *models.FlowInstance) Result {
	switch a := node.Action.(type) {
	case models.WaitAction:
		d, err := a.WaitUnit.Duration(a.WaitTime)
		if err != nil {
			return failure(Permanent(err))
		}
		wake := e.now().Add(d)
		return Result{OK: true, WakeAt: wake, Detail: "until " + wake.UTC().Format(time.RFC3339)}

	case models.SendMessageAction:
		return e.send(ctx, inst, node.ID, MessageKindChat, "", a.Message)

	case models.SendEmailAction:
		return e.send(ctx, inst, node.ID, MessageKindEmail, a.Subject, a.Body)

	case models.AIMessageAction:
		return e.aiMessage(ctx, node.ID, a, inst)

	case models.AddTagAction:
		return e.tags(ctx, TagChange{AccountID: inst.AccountID, LeadID: inst.LeadID, Tags: a.Tags})

	case models.RemoveTagAction:
		change := TagChange{AccountID: inst.AccountID, LeadID: inst.LeadID, Remove: true, RemoveAll: a.RemoveAll}
		if !a.RemoveAll {
			change.Tags = a.Tags
		}
		return e.tags(ctx, change)

	case models.TransferAction:
		if e.collab.Handoff == nil {
			return failure(Permanent(fmt.Errorf("handoff: %w", ErrNoCollaborator)))
		}
		err := e.call(ctx, func(ctx context.Context) error {
			return e.collab.Handoff.Transfer(ctx, inst.LeadID, a.Reason)
		})
		if err != nil {
			return failure(err)
		}
		return success("transferred to human")

	case models.CloseNegativeAction:
		if e.collab.Deals == nil {
			return failure(Permanent(fmt.Errorf("deals: %w", ErrNoCollaborator)))
		}
		err := e.call(ctx, func(ctx context.Context) error {
			return e.collab.Deals.CloseLost(ctx, inst.LeadID, a.Reason)
		})
		if err != nil {
			return failure(err)
		}
		return success("closed lost: " + a.Reason)

	case models.UnsupportedAction:
		return failure(Permanent(fmt.Errorf("unsupported action type %q", a.Name)))

	default:
		return failure(Permanent(fmt.Errorf("unsupported action type %q", node.Action.Type())))
	}
}

func (e *Executor) send(ctx context.Context, inst *models.FlowInstance, nodeID string, kind MessageKind, subject, text string) Result {
	if e.collab.Messenger == nil {
		return failure(Permanent(fmt.Errorf("messenger: %w", ErrNoCollaborator)))
	}
	msg := OutboundMessage{
		Kind:           kind,
		Channel:        inst.Channel,
		AccountID:      inst.AccountID,
		LeadID:         inst.LeadID,
		ConversationID: inst.ConversationID,
		Subject:        subject,
		Text:           text,
		IdempotencyKey: inst.ID + ":" + nodeID,
	}

	var delivery DeliveryResult
	err := e.call(ctx, func(ctx context.Context) error {
		var sendErr error
		delivery, sendErr = e.collab.Messenger.Send(ctx, msg)
		return sendErr
	})
	if err != nil {
		return failure(err)
	}
	if delivery.MessageID != "" {
		return success("sent " + delivery.MessageID)
	}
	return success("sent")
}

func (e *Executor) aiMessage(ctx context.Context, nodeID string, a models.AIMessageAction, inst *models.FlowInstance) Result {
	if e.collab.Generator == nil {
		return failure(Permanent(fmt.Errorf("generator: %w", ErrNoCollaborator)))
	}
	req := GenerationRequest{
		Instructions: a.Instructions,
		MaxLength:    a.MaxLength,
		Context: ConversationContext{
			AccountID:      inst.AccountID,
			LeadID:         inst.LeadID,
			ConversationID: inst.ConversationID,
			Channel:        inst.Channel,
			AttemptCount:   inst.AttemptCount,
		},
	}

	var text string
	err := e.call(ctx, func(ctx context.Context) error {
		var genErr error
		text, genErr = e.collab.Generator.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return failure(fmt.Errorf("generate: %w", err))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return failure(ErrEmptyGeneration)
	}
	text = truncateRunes(text, a.MaxLength)
	return e.send(ctx, inst, nodeID, MessageKindChat, "", text)
}

func (e *Executor) tags(ctx context.Context, change TagChange) Result {
	if e.collab.Tags == nil {
		return failure(Permanent(fmt.Errorf("tag store: %w", ErrNoCollaborator)))
	}
	err := e.call(ctx, func(ctx context.Context) error {
		return e.collab.Tags.Apply(ctx, change)
	})
	if err != nil {
		return failure(err)
	}
	switch {
	case change.RemoveAll:
		return success("removed all tags")
	case change.Remove:
		return success(fmt.Sprintf("removed %d tag(s)", len(change.Tags)))
	default:
		return success(fmt.Sprintf("added %d tag(s)", len(change.Tags)))
	}
}

// call runs fn under the executor timeout. A collaborator that ignores its
// context is abandoned once the deadline passes.
func (e *Executor) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("collaborator timed out after %s: %w", e.timeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("collaborator timed out after %s: %w", e.timeout, ctx.Err())
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max]))
}
