package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const editorFlow = `{
  "id": "flow-1",
  "name": "No reply",
  "nodes": [
    {"id": "t", "type": "trigger", "position": {"x": 10, "y": 20}, "selected": true,
     "data": {"event": "no_response", "waitTime": "24", "waitUnit": "hours", "onDelete": null}},
    {"id": "c", "type": "condition", "position": {"x": 0, "y": 0},
     "data": {"conditionType": "attempt_count", "operator": "less_than", "value": 3}},
    {"id": "m", "type": "action", "position": {"x": 0, "y": 0},
     "data": {"actionType": "send_message", "message": "Still there?"}},
    {"id": "rt", "type": "action", "position": {"x": 0, "y": 0},
     "data": {"actionType": "remove_tag", "params": {"tags": [{"name": "hot", "color": "#ef4444"}], "removeAll": true}}},
    {"id": "x", "type": "action", "position": {"x": 0, "y": 0},
     "data": {"actionType": "close_negative", "closeReason": "no_response"}}
  ],
  "edges": [
    {"id": "e1", "source": "t", "target": "c"},
    {"id": "e2", "source": "c", "target": "m", "sourceHandle": "yes"},
    {"id": "e3", "source": "c", "target": "x", "sourceHandle": "no", "label": "give up"}
  ]
}`

func TestParseFlowDefinitionEditorShape(t *testing.T) {
	def, err := ParseFlowDefinition([]byte(editorFlow))
	require.NoError(t, err)

	require.Len(t, def.Nodes, 5)
	require.Len(t, def.Edges, 3)

	trigger, ok := def.TriggerNode()
	require.True(t, ok)
	assert.Equal(t, TriggerEventNoResponse, trigger.Trigger.Event)
	assert.Equal(t, 24, trigger.Trigger.WaitTime)
	assert.Equal(t, WaitUnitHours, trigger.Trigger.WaitUnit)
	assert.Equal(t, Position{X: 10, Y: 20}, trigger.Position)
	assert.Empty(t, trigger.Issues)

	cond, _ := def.Node("c")
	assert.Equal(t, OperatorLessThan, cond.Condition.Operator)
	assert.Equal(t, float64(3), cond.Condition.Value)

	msg, _ := def.Node("m")
	assert.Equal(t, SendMessageAction{Message: "Still there?"}, msg.Action)

	rt, _ := def.Node("rt")
	removal, ok := rt.Action.(RemoveTagAction)
	require.True(t, ok)
	assert.True(t, removal.RemoveAll)
	assert.Equal(t, []Tag{{Name: "hot", Color: "#ef4444"}}, removal.Tags)

	assert.Equal(t, HandleNo, def.Edges[2].SourceHandle)
	assert.Equal(t, "give up", def.Edges[2].Label)
}

func TestNodeJSONRoundTripKeepsPayload(t *testing.T) {
	def, err := ParseFlowDefinition([]byte(editorFlow))
	require.NoError(t, err)

	encoded, err := json.Marshal(def)
	require.NoError(t, err)

	again, err := ParseFlowDefinition(encoded)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestUnknownAndNonIntegralValuesAreKept(t *testing.T) {
	raw := `{"id": "f", "name": "n", "nodes": [
	  {"id": "w", "type": "action", "data": {"actionType": "wait", "waitTime": 1.5, "waitUnit": "weeks"}},
	  {"id": "z", "type": "action", "data": {"actionType": "launch_rocket"}},
	  {"id": "t", "type": "trigger", "data": {"event": "no_response", "waitUnit": "hours", "waitTime": "soon"}}
	], "edges": []}`

	def, err := ParseFlowDefinition([]byte(raw))
	require.NoError(t, err)

	w, _ := def.Node("w")
	assert.Equal(t, WaitUnit("weeks"), w.Action.(WaitAction).WaitUnit)
	require.Len(t, w.Issues, 1)
	assert.Contains(t, w.Issues[0], "waitTime must be an integer")

	z, _ := def.Node("z")
	assert.Equal(t, UnsupportedAction{Name: "launch_rocket"}, z.Action)
	assert.Equal(t, ActionType("launch_rocket"), z.Action.Type())

	tr, _ := def.Node("t")
	require.Len(t, tr.Issues, 1)
	assert.Contains(t, tr.Issues[0], "must be a number")
}

func TestWaitUnitDuration(t *testing.T) {
	d, err := WaitUnitDays.Duration(2)
	require.NoError(t, err)
	assert.Equal(t, "48h0m0s", d.String())

	_, err = WaitUnit("fortnights").Duration(1)
	assert.Error(t, err)
}

func TestDraftNumbersSurviveReencoding(t *testing.T) {
	raw := `{"id": "f", "name": "n", "nodes": [
	  {"id": "t", "type": "trigger", "data": {"event": "no_response", "waitUnit": "hours"}},
	  {"id": "w", "type": "action", "data": {"actionType": "wait", "waitTime": "1.5", "waitUnit": "days"}},
	  {"id": "c", "type": "condition", "data": {"conditionType": "attempt_count", "operator": "less_than", "value": "abc"}},
	  {"id": "a", "type": "action", "data": {"actionType": "ai_message", "aiInstructions": "be nice", "aiMaxLength": 99.9}}
	], "edges": []}`

	def, err := ParseFlowDefinition([]byte(raw))
	require.NoError(t, err)

	encoded, err := json.Marshal(def)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"waitTime":1.5`)
	assert.Contains(t, string(encoded), `"value":"abc"`)
	assert.Contains(t, string(encoded), `"aiMaxLength":99.9`)

	again, err := ParseFlowDefinition(encoded)
	require.NoError(t, err)
	for _, id := range []string{"t", "w", "c", "a"} {
		before, _ := def.Node(id)
		after, _ := again.Node(id)
		require.NotEmpty(t, before.Issues, id)
		assert.Equal(t, before.Issues, after.Issues, id)
	}

	reencoded, err := json.Marshal(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(reencoded))
}
