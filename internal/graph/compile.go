package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/followup/internal/condition"
	"github.com/opencode-ai/followup/internal/models"
)

// CompileError means a definition reached the compiler without passing
// validation. It is an internal fault, never an authoring error.
type CompileError struct {
	FlowID string
	Errors ValidationErrors
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile flow %s: %v", e.FlowID, e.Errors)
}

func (e *CompileError) Unwrap() error {
	return e.Errors
}

// Compile re-validates def and builds its plan. The same definition always
// yields an equivalent plan.
func Compile(def *models.FlowDefinition, version int) (*Plan, error) {
	if errs := Validate(def); len(errs) > 0 {
		id := ""
		if def != nil {
			id = def.ID
		}
		return nil, &CompileError{FlowID: id, Errors: errs}
	}

	plan := &Plan{
		FlowID:  def.ID,
		Version: version,
		Steps:   make(map[string]*Step, len(def.Nodes)),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		step := &Step{Node: n.Runtime(), Next: map[models.Handle]string{}}
		step.Kind = stepKind(n)
		step.Run = handlerFor(step)
		plan.Steps[n.ID] = step
		if n.Kind == models.NodeKindTrigger {
			plan.Entry = n.ID
		}
	}

	for _, e := range def.Edges {
		step := plan.Steps[e.Source]
		handle := models.HandleDefault
		if step.Kind == StepCondition {
			handle = e.SourceHandle
		}
		step.Next[handle] = e.Target
	}

	plan.Order = topoOrder(def)
	return plan, nil
}

func stepKind(n *models.Node) StepKind {
	switch n.Kind {
	case models.NodeKindTrigger:
		return StepTrigger
	case models.NodeKindCondition:
		return StepCondition
	}
	switch t := n.Action.Type(); {
	case t == models.ActionTypeWait:
		return StepWait
	case t.Terminal():
		return StepTerminal
	default:
		return StepAction
	}
}

func handlerFor(step *Step) StepFunc {
	node := step.Node
	switch step.Kind {
	case StepTrigger:
		return func(context.Context, ActionRunner, *models.FlowInstance) Transition {
			return Transition{Kind: Continue, Handle: models.HandleDefault}
		}

	case StepCondition:
		return func(_ context.Context, _ ActionRunner, inst *models.FlowInstance) Transition {
			branch, err := condition.Evaluate(&node, inst)
			if err != nil {
				return Transition{Kind: Fail, Detail: err.Error(), Err: err}
			}
			return Transition{Kind: Continue, Handle: branch, Detail: "branch " + string(branch)}
		}

	case StepWait:
		return func(ctx context.Context, runner ActionRunner, inst *models.FlowInstance) Transition {
			res := runner.Execute(ctx, &node, inst)
			if !res.OK {
				return failed(res.Detail, res.Err, res.Retryable)
			}
			return Transition{Kind: Suspend, WakeAt: res.WakeAt, Detail: res.Detail}
		}

	case StepTerminal:
		return func(ctx context.Context, runner ActionRunner, inst *models.FlowInstance) Transition {
			res := runner.Execute(ctx, &node, inst)
			if !res.OK {
				return failed(res.Detail, res.Err, res.Retryable)
			}
			return Transition{Kind: Finish, Detail: res.Detail}
		}

	default:
		return func(ctx context.Context, runner ActionRunner, inst *models.FlowInstance) Transition {
			res := runner.Execute(ctx, &node, inst)
			if !res.OK {
				return failed(res.Detail, res.Err, res.Retryable)
			}
			return Transition{Kind: Continue, Handle: models.HandleDefault, Detail: res.Detail}
		}
	}
}

func failed(detail string, err error, retryable bool) Transition {
	if err == nil {
		err = errors.New(detail)
	}
	if retryable {
		return Transition{Kind: Retry, Detail: detail, Err: err}
	}
	return Transition{Kind: Fail, Detail: detail, Err: err}
}

// topoOrder is Kahn's algorithm over a validated (acyclic) definition.
func topoOrder(def *models.FlowDefinition) []string {
	inDegree := make(map[string]int, len(def.Nodes))
	out := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		inDegree[e.Target]++
		out[e.Source] = append(out[e.Source], e.Target)
	}

	var ready []string
	for i := range def.Nodes {
		if inDegree[def.Nodes[i].ID] == 0 {
			ready = append(ready, def.Nodes[i].ID)
		}
	}

	position := make(map[string]int, len(def.Nodes))
	for i := range def.Nodes {
		position[def.Nodes[i].ID] = i
	}

	order := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		// pick the earliest-defined ready node
		best := 0
		for i := range ready {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, target := range out[id] {
			inDegree[target]--
			if inDegree[target] == 0 {
				ready = append(ready, target)
			}
		}
	}
	return order
}
