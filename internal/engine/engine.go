// Package engine drives flow instances through their compiled plans.
package engine

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

	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/events"
	"github.com/opencode-ai/followup/internal/graph"
	"github.com/opencode-ai/followup/internal/logging"
	"github.com/opencode-ai/followup/internal/models"
)

// Engine errors.
var (
	ErrInvalidSignal    = errors.New("invalid signal")
	ErrFlowNotRunnable  = errors.New("flow has no runnable version")
	ErrTriggerMismatch  = errors.New("flow is not started by this trigger")
	ErrInstanceTerminal = errors.New("flow instance already ended")
	// ErrIndeterminateDispatch means an action was dispatched but its outcome
	// was never recorded, so it cannot be retried safely.
	ErrIndeterminateDispatch = errors.New("outcome of a previous dispatch is unknown")
)

// NoResponseSignal reports that a lead has not answered a conversation.
type NoResponseSignal struct {
	LeadID         string
	ConversationID string
	AccountID      string
	Channel        string

	// FlowID selects the flow. TriggerAll ignores it.
	FlowID string

	// SilentSince is when the lead went quiet. When set and the trigger's
	// silence window has not yet elapsed, the instance waits for the rest.
	SilentSince time.Time
}

// TriggerResult is the instance a signal resolved to.
type TriggerResult struct {
	Instance *models.FlowInstance
	// Created is false when an active instance already existed.
	Created bool
}

// Engine owns flow instances. All mutation of an instance happens under its
// per-instance lock.
type Engine struct {
	flows     *db.FlowRepository
	instances *db.InstanceRepository
	events    events.Repository
	runner    graph.ActionRunner
	retry     RetryPolicy

	locks  *keyedMutex
	plans  *planCache
	now    func() time.Time
	tracer trace.Tracer
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventRepository records audit events.
func WithEventRepository(repo events.Repository) Option {
	return func(e *Engine) {
		e.events = repo
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetryPolicy sets how retryable failures are rescheduled.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = policy.normalized()
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New creates an Engine.
func New(flows *db.FlowRepository, instances *db.InstanceRepository, runner graph.ActionRunner, opts ...Option) *Engine {
	e := &Engine{
		flows:     flows,
		instances: instances,
		runner:    runner,
		retry:     RetryPolicy{MaxRetries: 5, Jitter: true}.normalized(),
		locks:     newKeyedMutex(),
		plans:     newPlanCache(),
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("github.com/opencode-ai/followup/internal/engine"),
		logger:    logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger starts the flow in sig for the lead. A lead never runs two active
// instances of one flow: if one exists it is returned unchanged.
func (e *Engine) Trigger(ctx context.Context, sig NoResponseSignal) (*TriggerResult, error) {
	if strings.TrimSpace(sig.LeadID) == "" {
		return nil, fmt.Errorf("%w: lead id is required", ErrInvalidSignal)
	}
	if strings.TrimSpace(sig.FlowID) == "" {
		return nil, fmt.Errorf("%w: flow id is required", ErrInvalidSignal)
	}

	flow, err := e.flows.Get(ctx, sig.FlowID)
	if err != nil {
		return nil, err
	}
	if flow.Version == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotRunnable, sig.FlowID)
	}
	if flow.TriggerEvent != models.TriggerEventNoResponse {
		return nil, fmt.Errorf("%w: %s starts on %q", ErrTriggerMismatch, sig.FlowID, flow.TriggerEvent)
	}

	if existing, err := e.instances.FindActive(ctx, sig.LeadID, sig.FlowID); err == nil {
		return &TriggerResult{Instance: existing}, nil
	} else if !errors.Is(err, db.ErrInstanceNotFound) {
		return nil, err
	}

	plan, err := e.Plan(ctx, flow.Definition.ID, flow.Version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst := &models.FlowInstance{
		LeadID:         sig.LeadID,
		FlowID:         flow.Definition.ID,
		FlowVersion:    flow.Version,
		ConversationID: sig.ConversationID,
		AccountID:      sig.AccountID,
		Channel:        sig.Channel,
		CurrentNodeID:  plan.Entry,
		Status:         models.InstanceStatusPending,
		CreatedAt:      now,
	}
	history := []models.HistoryEntry{
		e.entry(plan.Entry, models.OutcomeTriggered, fmt.Sprintf("flow %s v%d", flow.Definition.ID, flow.Version)),
	}
	if !sig.SilentSince.IsZero() {
		wake := sig.SilentSince.Add(plan.TriggerWindow()).UTC()
		if wake.After(now) {
			inst.Status = models.InstanceStatusWaiting
			inst.ScheduledAt = &wake
			history = append(history, e.entry(plan.Entry, models.OutcomeWaiting, "silence window until "+wake.Format(time.RFC3339)))
		}
	}

	if err := e.instances.Create(ctx, inst, history...); err != nil {
		if errors.Is(err, db.ErrActiveInstanceExists) {
			existing, findErr := e.instances.FindActive(ctx, sig.LeadID, sig.FlowID)
			if findErr != nil {
				return nil, findErr
			}
			return &TriggerResult{Instance: existing}, nil
		}
		return nil, err
	}

	e.logger.Info().
		Str("instance_id", inst.ID).
		Str("lead_id", inst.LeadID).
		Str("flow_id", inst.FlowID).
		Int("flow_version", inst.FlowVersion).
		Str("status", string(inst.Status)).
		Msg("flow instance created")
	if e.events != nil {
		e.record(events.LogInstanceCreated(ctx, e.events, inst))
	}

	var advanceErr error
	if inst.Status == models.InstanceStatusPending {
		advanceErr = e.Advance(ctx, inst.ID)
	}

	readCtx, cancel := detach(ctx)
	defer cancel()
	current, err := e.instances.GetWithHistory(readCtx, inst.ID)
	if err != nil {
		return nil, err
	}
	return &TriggerResult{Instance: current, Created: true}, advanceErr
}

// TriggerAll starts every runnable no_response flow for the lead.
func (e *Engine) TriggerAll(ctx context.Context, sig NoResponseSignal) ([]*TriggerResult, error) {
	flows, err := e.flows.ListByTrigger(ctx, models.TriggerEventNoResponse)
	if err != nil {
		return nil, err
	}

	var results []*TriggerResult
	var errs []error
	for _, flow := range flows {
		s := sig
		s.FlowID = flow.Definition.ID
		res, err := e.Trigger(ctx, s)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flow %s: %w", flow.Definition.ID, err))
		}
	}
	return results, errors.Join(errs...)
}

// LeadReplied cancels every active instance of the lead whose flow starts on
// no_response. It returns how many instances ended as cancelled.
func (e *Engine) LeadReplied(ctx context.Context, leadID string) (int, error) {
	if strings.TrimSpace(leadID) == "" {
		return 0, fmt.Errorf("%w: lead id is required", ErrInvalidSignal)
	}

	// The flag is durable before any lock is taken, so a walk in progress
	// stops before its next action.
	ids, err := e.instances.RequestCancelForLead(ctx, leadID, models.TriggerEventNoResponse)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	var errs []error
	for _, id := range ids {
		ok, err := e.cancelInstance(ctx, id, "lead replied")
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
			continue
		}
		if ok {
			cancelled++
		}
	}

	e.logger.Info().Str("lead_id", leadID).Int("cancelled", cancelled).Msg("lead replied")
	if e.events != nil {
		e.record(events.LogLeadReplied(ctx, e.events, leadID, cancelled))
	}
	return cancelled, errors.Join(errs...)
}

// Cancel ends a single instance on operator request.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, instanceID, inst.Status)
	}
	if err := e.instances.RequestCancel(ctx, instanceID); err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	ok, err := e.cancelInstance(ctx, instanceID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceTerminal, instanceID)
	}
	return nil
}

func (e *Engine) cancelInstance(ctx context.Context, id, reason string) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.instances.GetWithHistory(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() {
		return false, nil
	}
	return true, e.finishCancelled(ctx, inst, reason)
}

// Advance walks the instance forward until it waits or ends. Calling it for
// an instance that is not due is a no-op.
func (e *Engine) Advance(ctx context.Context, instanceID string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Advance", trace.WithAttributes(
		attribute.String("instance.id", instanceID),
	))
	defer span.End()

	inst, err := e.instances.GetWithHistory(ctx, instanceID)
	if err == nil {
		err = e.advanceLocked(ctx, inst)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) advanceLocked(ctx context.Context, inst *models.FlowInstance) error {
	if inst.Status.Terminal() {
		return nil
	}
	if inst.CancelRequested {
		return e.finishCancelled(ctx, inst, "lead replied")
	}
	if inst.Status == models.InstanceStatusWaiting && inst.ScheduledAt != nil && inst.ScheduledAt.After(e.now()) {
		return nil
	}

	plan, err := e.Plan(ctx, inst.FlowID, inst.FlowVersion)
	if err != nil {
		return e.fail(ctx, inst, nil, fmt.Sprintf("plan unavailable: %v", err))
	}
	return e.walk(ctx, plan, inst)
}

// Due returns the ids of instances whose timer fired or that await cancellation.
func (e *Engine) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	list, err := e.instances.ListDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, inst := range list {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

// Stalled returns instances left pending or running and not written since
// updatedBefore, as after a crash or an advance that could not commit. Ids
// come in order after afterID.
func (e *Engine) Stalled(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]string, error) {
	list, err := e.instances.ListStalled(ctx, updatedBefore, afterID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, inst := range list {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

func (e *Engine) entry(nodeID string, outcome models.HistoryOutcome, detail string) models.HistoryEntry {
	return models.HistoryEntry{NodeID: nodeID, Outcome: outcome, Detail: detail, At: e.now()}
}

func (e *Engine) record(err error) {
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to record event")
	}
}
