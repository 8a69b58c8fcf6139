package models

import (
	"fmt"
	"time"
)

// NodeKind is the node discriminant of a flow graph.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
)

// Handle names an output port of a node.
type Handle string

const (
	// HandleDefault is the single output of Trigger and Action nodes.
	HandleDefault Handle = ""
	HandleYes     Handle = "yes"
	HandleNo      Handle = "no"
)

// TriggerEvent is the external signal that starts a flow.
type TriggerEvent string

const (
	TriggerEventNoResponse TriggerEvent = "no_response"
)

// WaitUnit is the unit of a wait duration.
type WaitUnit string

const (
	WaitUnitSeconds WaitUnit = "seconds"
	WaitUnitMinutes WaitUnit = "minutes"
	WaitUnitHours   WaitUnit = "hours"
	WaitUnitDays    WaitUnit = "days"
)

// Valid reports whether u is one of the known units.
func (u WaitUnit) Valid() bool {
	switch u {
	case WaitUnitSeconds, WaitUnitMinutes, WaitUnitHours, WaitUnitDays:
		return true
	}
	return false
}

// Duration converts n units into a time.Duration.
func (u WaitUnit) Duration(n int) (time.Duration, error) {
	var base time.Duration
	switch u {
	case WaitUnitSeconds:
		base = time.Second
	case WaitUnitMinutes:
		base = time.Minute
	case WaitUnitHours:
		base = time.Hour
	case WaitUnitDays:
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown wait unit %q", u)
	}
	return time.Duration(n) * base, nil
}

// ConditionType selects the runtime counter a condition inspects.
type ConditionType string

const (
	ConditionTypeAttemptCount ConditionType = "attempt_count"
)

// Operator is a numeric comparison operator.
type Operator string

const (
	OperatorLessThan           Operator = "less_than"
	OperatorGreaterThan        Operator = "greater_than"
	OperatorEquals             Operator = "equals"
	OperatorLessThanOrEqual    Operator = "less_than_or_equal"
	OperatorGreaterThanOrEqual Operator = "greater_than_or_equal"
)

// Valid reports whether o is one of the known operators.
func (o Operator) Valid() bool {
	switch o {
	case OperatorLessThan, OperatorGreaterThan, OperatorEquals,
		OperatorLessThanOrEqual, OperatorGreaterThanOrEqual:
		return true
	}
	return false
}

// Position is editor layout only and never affects execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TriggerPayload configures the single entry node.
type TriggerPayload struct {
	Event    TriggerEvent
	WaitTime int
	WaitUnit WaitUnit
}

// SilenceWindow returns the minimum silence period before the flow starts.
func (p *TriggerPayload) SilenceWindow() time.Duration {
	d, err := p.WaitUnit.Duration(p.WaitTime)
	if err != nil {
		return 0
	}
	return d
}

// ConditionPayload configures a binary branch.
type ConditionPayload struct {
	ConditionType ConditionType
	Operator      Operator
	Value         float64
}

// Node is a single vertex of a flow graph. Exactly one of Trigger, Condition
// and Action is set, matching Kind.
type Node struct {
	ID       string
	Kind     NodeKind
	Position Position
	Label    string

	Trigger   *TriggerPayload
	Condition *ConditionPayload
	Action    Action

	// Issues holds decoding problems (non-integral numbers and the like) for the validator.
	Issues []string

	// rawNumbers keeps the author's text for numbers behind an issue, keyed by
	// field name. An empty string marks a missing field.
	rawNumbers map[string]string
}

// RuntimeNode is the execution view of a node: no layout, no decoding issues.
type RuntimeNode struct {
	ID        string
	Kind      NodeKind
	Label     string
	Trigger   *TriggerPayload
	Condition *ConditionPayload
	Action    Action
}

// Runtime strips editor-only state from the node.
func (n *Node) Runtime() RuntimeNode {
	return RuntimeNode{
		ID:        n.ID,
		Kind:      n.Kind,
		Label:     n.Label,
		Trigger:   n.Trigger,
		Condition: n.Condition,
		Action:    n.Action,
	}
}

// Edge connects two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle Handle `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// FlowDefinition is the authored graph as exchanged with the editor.
type FlowDefinition struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with id, if present.
func (d *FlowDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNode returns the first trigger node.
func (d *FlowDefinition) TriggerNode() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindTrigger {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Flow is a persisted definition plus its runnable state.
type Flow struct {
	Definition FlowDefinition `json:"definition"`

	// Version is the latest runnable version; 0 means the flow never validated.
	Version int `json:"version"`

	// Runnable is true when the current draft validated.
	Runnable bool `json:"runnable"`

	// TriggerEvent is copied from the trigger node of the latest runnable version.
	TriggerEvent TriggerEvent `json:"trigger_event,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowVersion is an immutable snapshot that instances execute against.
type FlowVersion struct {
	FlowID     string         `json:"flow_id"`
	Version    int            `json:"version"`
	Definition FlowDefinition `json:"definition"`
	CreatedAt  time.Time      `json:"created_at"`
}
