package graph

import (
	"context"
	"time"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/models"
)

// StepKind is the handler family of a compiled step.
type StepKind string

const (
	StepTrigger   StepKind = "trigger"
	StepCondition StepKind = "condition"
	StepWait      StepKind = "wait"
	StepAction    StepKind = "action"
	StepTerminal  StepKind = "terminal"
)

// SideEffect reports whether running the step calls an outbound collaborator.
func (k StepKind) SideEffect() bool {
	return k == StepAction || k == StepTerminal
}

// TransitionKind tells the engine what to do after a step ran.
type TransitionKind int

const (
	// Continue follows the Handle output.
	Continue TransitionKind = iota
	// Suspend parks the instance until WakeAt.
	Suspend
	// Finish ends the instance as completed.
	Finish
	// Retry keeps the cursor and tries the step again later.
	Retry
	// Fail ends the instance as failed.
	Fail
)

func (k TransitionKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Suspend:
		return "suspend"
	case Finish:
		return "finish"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Transition is the result of running one step.
type Transition struct {
	Kind   TransitionKind
	Handle models.Handle
	WakeAt time.Time
	Detail string
	Err    error
}

// ActionRunner executes action nodes; *actions.Executor satisfies it.
type ActionRunner interface {
	Execute(ctx context.Context, node *models.RuntimeNode, inst *models.FlowInstance) actions.Result
}

// StepFunc is the typed handler of a compiled node.
type StepFunc func(ctx context.Context, runner ActionRunner, inst *models.FlowInstance) Transition

// Step is one node of a plan with its resolved outputs.
type Step struct {
	Node models.RuntimeNode
	Kind StepKind
	// Next maps an output handle to the target node id.
	Next map[models.Handle]string
	Run  StepFunc
}

// Plan is the executable form of a flow version. It holds no editor state
// and is safe to share between goroutines.
type Plan struct {
	FlowID  string
	Version int
	Entry   string
	Steps   map[string]*Step
	// Order lists node ids topologically, ties broken by definition order.
	Order []string
}

// Step returns the step for id.
func (p *Plan) Step(id string) (*Step, bool) {
	s, ok := p.Steps[id]
	return s, ok
}

// Next resolves the target of id's output h. ok is false for a dead end.
func (p *Plan) Next(id string, h models.Handle) (string, bool) {
	s, ok := p.Steps[id]
	if !ok {
		return "", false
	}
	target, ok := s.Next[h]
	return target, ok
}

// TriggerWindow returns the silence window configured on the entry trigger.
func (p *Plan) TriggerWindow() time.Duration {
	s, ok := p.Steps[p.Entry]
	if !ok || s.Node.Trigger == nil {
		return 0
	}
	return s.Node.Trigger.SilenceWindow()
}
