package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencode-ai/followup/internal/events"
	"github.com/opencode-ai/followup/internal/graph"
	"github.com/opencode-ai/followup/internal/models"
)

type dispatchState int

const (
	dispatchNone dispatchState = iota
	dispatchSucceeded
	dispatchUnknown
)

// outcomeTimeout bounds the write that records a collaborator's result.
const outcomeTimeout = 10 * time.Second

// detach returns a context for recording an outcome. A dispatched marker is
// always followed by its outcome, even after ctx is cancelled.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

// previousDispatch inspects the history of a node to decide whether its side
// effect already happened.
func previousDispatch(history []models.HistoryEntry, nodeID string) dispatchState {
	pending := false
	for _, h := range history {
		if h.NodeID != nodeID {
			continue
		}
		switch h.Outcome {
		case models.OutcomeDispatched:
			pending = true
		case models.OutcomeSucceeded:
			return dispatchSucceeded
		case models.OutcomeFailedRetryable, models.OutcomeFailed:
			pending = false
		}
	}
	if pending {
		return dispatchUnknown
	}
	return dispatchNone
}

// walk runs steps from the cursor until the instance suspends or ends.
func (e *Engine) walk(ctx context.Context, plan *graph.Plan, inst *models.FlowInstance) error {
	switch inst.Status {
	case models.InstanceStatusWaiting:
		step, ok := plan.Step(inst.CurrentNodeID)
		if !ok {
			return e.fail(ctx, inst, nil, fmt.Sprintf("node %s is not part of flow %s v%d", inst.CurrentNodeID, plan.FlowID, plan.Version))
		}
		inst.Status = models.InstanceStatusRunning
		inst.ScheduledAt = nil
		entries := []models.HistoryEntry{e.entry(step.Node.ID, models.OutcomeWoke, "")}

		// Waking at a wait node moves past it; anywhere else the node runs again.
		if step.Kind == graph.StepWait {
			next, ok := plan.Next(step.Node.ID, models.HandleDefault)
			if !ok {
				return e.complete(ctx, inst, entries, "end of flow")
			}
			inst.CurrentNodeID = next
		}
		if err := e.instances.Commit(ctx, inst, entries...); err != nil {
			return err
		}

	case models.InstanceStatusPending:
		inst.Status = models.InstanceStatusRunning
	}

	// A DAG visits each node at most once per walk.
	for i := 0; i <= len(plan.Steps); i++ {
		// The cursor is committed; a later advance resumes here.
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok := plan.Step(inst.CurrentNodeID)
		if !ok {
			return e.fail(ctx, inst, nil, fmt.Sprintf("node %s is not part of flow %s v%d", inst.CurrentNodeID, plan.FlowID, plan.Version))
		}
		done, err := e.step(ctx, plan, inst, step)
		if err != nil || done {
			return err
		}
	}
	return e.fail(ctx, inst, nil, "walk did not settle")
}

func (e *Engine) step(ctx context.Context, plan *graph.Plan, inst *models.FlowInstance, step *graph.Step) (bool, error) {
	nodeID := step.Node.ID

	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("node.id", nodeID),
		attribute.String("step.kind", string(step.Kind)),
	))
	defer span.End()

	if step.Kind.SideEffect() {
		cancelled, err := e.instances.IsCancelRequested(ctx, inst.ID)
		if err != nil {
			return true, err
		}
		if cancelled {
			return true, e.finishCancelled(ctx, inst, "lead replied")
		}

		switch previousDispatch(inst.History, nodeID) {
		case dispatchSucceeded:
			tr := graph.Transition{Kind: graph.Continue, Handle: models.HandleDefault}
			if step.Kind == graph.StepTerminal {
				tr.Kind = graph.Finish
			}
			skipped := []models.HistoryEntry{e.entry(nodeID, models.OutcomeSkipped, "already executed")}
			return e.apply(ctx, plan, inst, step, tr, skipped)
		case dispatchUnknown:
			return true, e.fail(ctx, inst, nil, fmt.Sprintf("%v: node %s", ErrIndeterminateDispatch, nodeID))
		}

		// The dispatch marker is durable before the collaborator is called.
		if err := e.instances.Commit(ctx, inst, e.entry(nodeID, models.OutcomeDispatched, string(step.Node.Action.Type()))); err != nil {
			return true, err
		}
	}

	tr := step.Run(ctx, e.runner, inst)

	ctx, cancel := detach(ctx)
	defer cancel()
	span.SetAttributes(attribute.String("step.transition", tr.Kind.String()))

	e.logger.Debug().
		Str("instance_id", inst.ID).
		Str("node_id", nodeID).
		Str("kind", string(step.Kind)).
		Str("transition", tr.Kind.String()).
		Str("detail", tr.Detail).
		Msg("step ran")

	if step.Node.Action != nil && e.events != nil {
		ok := tr.Kind != graph.Retry && tr.Kind != graph.Fail
		e.record(events.LogActionExecuted(ctx, e.events, inst.ID, nodeID, step.Node.Action.Type(), ok, tr.Kind == graph.Retry, tr.Detail))
	}

	return e.apply(ctx, plan, inst, step, tr, nil)
}

// apply commits the outcome of a step together with the cursor move.
func (e *Engine) apply(ctx context.Context, plan *graph.Plan, inst *models.FlowInstance, step *graph.Step, tr graph.Transition, entries []models.HistoryEntry) (bool, error) {
	nodeID := step.Node.ID

	switch tr.Kind {
	case graph.Continue:
		if len(entries) == 0 {
			switch step.Kind {
			case graph.StepCondition:
				entries = append(entries, e.entry(nodeID, models.OutcomeBranch, string(tr.Handle)))
			case graph.StepAction, graph.StepTerminal:
				entries = append(entries, e.entry(nodeID, models.OutcomeSucceeded, tr.Detail))
			}
		}
		inst.RetryCount = 0
		inst.LastError = ""

		next, ok := plan.Next(nodeID, tr.Handle)
		if !ok {
			if step.Kind == graph.StepCondition {
				reason := fmt.Sprintf("no edge for branch %q", tr.Handle)
				entries = append(entries, e.entry(nodeID, models.OutcomeDeadEnd, reason))
				return true, e.complete(ctx, inst, entries, reason)
			}
			return true, e.complete(ctx, inst, entries, "end of flow")
		}
		inst.CurrentNodeID = next
		return false, e.instances.Commit(ctx, inst, entries...)

	case graph.Suspend:
		wake := tr.WakeAt.UTC()
		inst.AttemptCount++
		inst.RetryCount = 0
		inst.LastError = ""
		inst.Status = models.InstanceStatusWaiting
		inst.ScheduledAt = &wake
		entries = append(entries, e.entry(nodeID, models.OutcomeWaiting, tr.Detail))
		if err := e.instances.Commit(ctx, inst, entries...); err != nil {
			return true, err
		}
		e.logger.Debug().
			Str("instance_id", inst.ID).
			Int("attempt_count", inst.AttemptCount).
			Time("wake_at", wake).
			Msg("flow instance waiting")
		if e.events != nil {
			e.record(events.LogInstanceTransition(ctx, e.events, inst, tr.Detail))
		}
		return true, nil

	case graph.Finish:
		if len(entries) == 0 {
			entries = append(entries, e.entry(nodeID, models.OutcomeSucceeded, tr.Detail))
		}
		return true, e.complete(ctx, inst, entries, tr.Detail)

	case graph.Retry:
		inst.RetryCount++
		inst.LastError = tr.Detail
		entries = append(entries, e.entry(nodeID, models.OutcomeFailedRetryable, tr.Detail))
		if inst.RetryCount > e.retry.MaxRetries {
			return true, e.fail(ctx, inst, entries, fmt.Sprintf("giving up after %d retries: %s", e.retry.MaxRetries, tr.Detail))
		}
		wake := e.now().Add(e.retry.Backoff(inst.RetryCount - 1))
		inst.Status = models.InstanceStatusWaiting
		inst.ScheduledAt = &wake
		if err := e.instances.Commit(ctx, inst, entries...); err != nil {
			return true, err
		}
		e.logger.Warn().
			Str("instance_id", inst.ID).
			Str("node_id", nodeID).
			Int("retry", inst.RetryCount).
			Time("retry_at", wake).
			Str("error", tr.Detail).
			Msg("action failed, retry scheduled")
		return true, nil

	default:
		return true, e.fail(ctx, inst, entries, tr.Detail)
	}
}

func (e *Engine) complete(ctx context.Context, inst *models.FlowInstance, entries []models.HistoryEntry, reason string) error {
	return e.end(ctx, inst, models.InstanceStatusCompleted, models.OutcomeCompleted, entries, reason)
}

func (e *Engine) fail(ctx context.Context, inst *models.FlowInstance, entries []models.HistoryEntry, reason string) error {
	inst.LastError = reason
	return e.end(ctx, inst, models.InstanceStatusFailed, models.OutcomeFailed, entries, reason)
}

func (e *Engine) finishCancelled(ctx context.Context, inst *models.FlowInstance, reason string) error {
	return e.end(ctx, inst, models.InstanceStatusCancelled, models.OutcomeCancelled, nil, reason)
}

func (e *Engine) end(ctx context.Context, inst *models.FlowInstance, status models.InstanceStatus, outcome models.HistoryOutcome, entries []models.HistoryEntry, reason string) error {
	now := e.now()
	inst.Status = status
	inst.ScheduledAt = nil
	inst.EndedAt = &now
	entries = append(entries, e.entry(inst.CurrentNodeID, outcome, reason))

	if err := e.instances.Commit(ctx, inst, entries...); err != nil {
		return err
	}

	event := e.logger.Info()
	if status == models.InstanceStatusFailed {
		event = e.logger.Warn()
	}
	event.
		Str("instance_id", inst.ID).
		Str("lead_id", inst.LeadID).
		Str("flow_id", inst.FlowID).
		Str("status", string(status)).
		Int("attempt_count", inst.AttemptCount).
		Str("reason", reason).
		Msg("flow instance ended")

	if e.events != nil {
		e.record(events.LogInstanceTransition(ctx, e.events, inst, reason))
	}
	return nil
}
