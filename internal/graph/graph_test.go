package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/models"
)

func trigger(id string) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindTrigger, Trigger: &models.TriggerPayload{
		Event: models.TriggerEventNoResponse, WaitTime: 24, WaitUnit: models.WaitUnitHours,
	}}
}

func cond(id string, op models.Operator, value float64) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindCondition, Condition: &models.ConditionPayload{
		ConditionType: models.ConditionTypeAttemptCount, Operator: op, Value: value,
	}}
}

func action(id string, a models.Action) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindAction, Action: a}
}

func edge(id, src, dst string, h models.Handle) models.Edge {
	return models.Edge{ID: id, Source: src, Target: dst, SourceHandle: h}
}

// simpleFlow is trigger -> condition(<3) -yes-> send -> wait ; -no-> close.
func simpleFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:   "flow-1",
		Name: "simple",
		Nodes: []models.Node{
			trigger("t"),
			cond("c", models.OperatorLessThan, 3),
			action("m", models.SendMessageAction{Message: "Still there?"}),
			action("w", models.WaitAction{WaitTime: 24, WaitUnit: models.WaitUnitHours}),
			action("x", models.CloseNegativeAction{Reason: "no_response"}),
		},
		Edges: []models.Edge{
			edge("e1", "t", "c", ""),
			edge("e2", "c", "m", models.HandleYes),
			edge("e3", "m", "w", ""),
			edge("e4", "c", "x", models.HandleNo),
		},
	}
}

func TestValidateAcceptsSimpleFlow(t *testing.T) {
	errs := Validate(simpleFlow())
	assert.Empty(t, errs)
	assert.NoError(t, errs.Err())
}

func TestValidateTriggerCountAlwaysReported(t *testing.T) {
	defs := map[string]*models.FlowDefinition{
		"two triggers": {
			Nodes: []models.Node{trigger("t1"), trigger("t2")},
		},
		"two triggers and other problems": {
			Nodes: []models.Node{
				trigger("t1"), trigger("t2"),
				cond("c", "between", -1),
				action("lonely", models.SendMessageAction{}),
			},
			Edges: []models.Edge{edge("e1", "t1", "ghost", "")},
		},
		"no trigger": {
			Nodes: []models.Node{action("m", models.SendMessageAction{Message: "x"})},
		},
	}

	for name, def := range defs {
		t.Run(name, func(t *testing.T) {
			errs := Validate(def)
			assert.True(t, errs.Has(RuleTriggerCount), "expected trigger_count in %v", errs)
		})
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			trigger("t"),
			action("a", models.SendMessageAction{Message: "a"}),
			action("b", models.SendMessageAction{Message: "b"}),
		},
		Edges: []models.Edge{
			edge("e1", "t", "a", ""),
			edge("e2", "a", "b", ""),
			edge("e3", "b", "a", ""),
		},
	}

	errs := Validate(def)
	require.True(t, errs.Has(RuleCycle), "expected cycle in %v", errs)
	for _, e := range errs {
		if e.Rule == RuleCycle {
			assert.Contains(t, e.Message, "a -> b -> a")
		}
	}

	_, err := Compile(def, 1)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			trigger("t"),
			cond("c", models.OperatorLessThan, 2.5),
			action("m1", models.SendMessageAction{Message: "one"}),
			action("m2", models.SendMessageAction{Message: "two"}),
			action("m3", models.SendMessageAction{Message: "three"}),
			action("x", models.TransferAction{}),
			action("after", models.SendMessageAction{Message: "never"}),
			action("orphan", models.WaitAction{WaitTime: 0, WaitUnit: "weeks"}),
			action("bad", models.UnsupportedAction{Name: "fax"}),
			action("dup", models.AddTagAction{Tags: []models.Tag{{Name: "hot", Color: "#123456"}}}),
			action("dup", models.SendMessageAction{Message: "dup"}),
		},
		Edges: []models.Edge{
			edge("e1", "t", "c", ""),
			edge("e2", "c", "m1", models.HandleYes),
			edge("e3", "c", "m2", models.HandleYes),
			edge("e4", "c", "m3", "maybe"),
			edge("e5", "m1", "x", ""),
			edge("e6", "x", "after", ""),
			edge("e7", "m2", "ghost", ""),
			edge("e8", "m3", "bad", ""),
			edge("e9", "m3", "dup", ""),
		},
	}

	errs := Validate(def)
	for _, rule := range []Rule{
		RuleDuplicateNode,
		RuleDanglingEdge,
		RuleOrphan,
		RuleConditionHandles,
		RuleTerminalOutputs,
		RuleSingleOutput,
		RuleField,
	} {
		assert.True(t, errs.Has(rule), "missing %s in %v", rule, errs)
	}
	assert.False(t, errs.Has(RuleTriggerCount))
	assert.False(t, errs.Has(RuleCycle))

	messages := errs.Error()
	assert.Contains(t, messages, "value must be a positive integer")
	assert.Contains(t, messages, "unknown waitUnit")
	assert.Contains(t, messages, `unknown actionType "fax"`)
	assert.Contains(t, messages, `unknown color "#123456"`)
}

func TestValidateUnreachableBehindOrphan(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			trigger("t"),
			action("island", models.SendMessageAction{Message: "a"}),
			action("tail", models.SendMessageAction{Message: "b"}),
		},
		Edges: []models.Edge{edge("e1", "island", "tail", "")},
	}

	errs := Validate(def)
	require.Len(t, errs, 2)
	assert.Equal(t, RuleOrphan, errs[0].Rule)
	assert.Equal(t, "island", errs[0].NodeID)
	assert.Equal(t, RuleUnreachable, errs[1].Rule)
	assert.Equal(t, "tail", errs[1].NodeID)
}

func TestValidateAcceptsDeadCondition(t *testing.T) {
	def := &models.FlowDefinition{
		Nodes: []models.Node{trigger("t"), cond("c", models.OperatorEquals, 1)},
		Edges: []models.Edge{edge("e1", "t", "c", "")},
	}
	assert.Empty(t, Validate(def))
}

func TestValidateReportsDecodeIssues(t *testing.T) {
	def := simpleFlow()
	def.Nodes[3].Issues = []string{"waitTime must be an integer (got 1.5)"}

	errs := Validate(def)
	require.Len(t, errs, 1)
	assert.Equal(t, RuleField, errs[0].Rule)
	assert.Equal(t, "w", errs[0].NodeID)
}

func TestCompileResolvesHandles(t *testing.T) {
	plan, err := Compile(simpleFlow(), 4)
	require.NoError(t, err)

	assert.Equal(t, "t", plan.Entry)
	assert.Equal(t, 4, plan.Version)
	assert.Equal(t, 24*time.Hour, plan.TriggerWindow())

	next, ok := plan.Next("c", models.HandleYes)
	require.True(t, ok)
	assert.Equal(t, "m", next)

	next, ok = plan.Next("c", models.HandleNo)
	require.True(t, ok)
	assert.Equal(t, "x", next)

	_, ok = plan.Next("w", models.HandleDefault)
	assert.False(t, ok, "wait at the end of the flow has no successor")

	kinds := map[string]StepKind{}
	for id, s := range plan.Steps {
		kinds[id] = s.Kind
	}
	assert.Equal(t, map[string]StepKind{
		"t": StepTrigger, "c": StepCondition, "m": StepAction, "w": StepWait, "x": StepTerminal,
	}, kinds)
}

func TestCompileIsDeterministic(t *testing.T) {
	a, err := Compile(simpleFlow(), 1)
	require.NoError(t, err)
	b, err := Compile(simpleFlow(), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"t", "c", "m", "w", "x"}, a.Order)
	assert.Equal(t, a.Order, b.Order)
	for id, step := range a.Steps {
		assert.Equal(t, step.Next, b.Steps[id].Next)
		assert.Equal(t, step.Node, b.Steps[id].Node)
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	def := simpleFlow()
	def.Nodes = append(def.Nodes, trigger("t2"))

	_, err := Compile(def, 1)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.True(t, compileErr.Errors.Has(RuleTriggerCount))

	var verrs ValidationErrors
	assert.True(t, errors.As(err, &verrs))
}

type stubRunner struct {
	result actions.Result
	calls  int
}

func (s *stubRunner) Execute(context.Context, *models.RuntimeNode, *models.FlowInstance) actions.Result {
	s.calls++
	return s.result
}

func TestStepHandlers(t *testing.T) {
	plan, err := Compile(simpleFlow(), 1)
	require.NoError(t, err)
	ctx := context.Background()

	runner := &stubRunner{result: actions.Result{OK: true}}
	tr := plan.Steps["c"].Run(ctx, runner, &models.FlowInstance{AttemptCount: 3})
	assert.Equal(t, Continue, tr.Kind)
	assert.Equal(t, models.HandleNo, tr.Handle)
	assert.Zero(t, runner.calls, "conditions never call collaborators")

	wake := time.Now().Add(time.Hour)
	runner.result = actions.Result{OK: true, WakeAt: wake}
	tr = plan.Steps["w"].Run(ctx, runner, &models.FlowInstance{})
	assert.Equal(t, Suspend, tr.Kind)
	assert.Equal(t, wake, tr.WakeAt)

	runner.result = actions.Result{OK: true}
	assert.Equal(t, Finish, plan.Steps["x"].Run(ctx, runner, &models.FlowInstance{}).Kind)

	runner.result = actions.Result{Retryable: true, Detail: "503"}
	assert.Equal(t, Retry, plan.Steps["m"].Run(ctx, runner, &models.FlowInstance{}).Kind)

	runner.result = actions.Result{Detail: "rejected"}
	assert.Equal(t, Fail, plan.Steps["m"].Run(ctx, runner, &models.FlowInstance{}).Kind)
}
