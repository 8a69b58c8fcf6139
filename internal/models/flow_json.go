package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// nodeJSON is the editor wire shape of a node: {id, type, position, data}.
type nodeJSON struct {
	ID       string    `json:"id"`
	Type     NodeKind  `json:"type"`
	Position Position  `json:"position"`
	Data     *nodeData `json:"data"`
}

// nodeData is the union of every kind's data fields. UI-only keys (callbacks,
// selection state) are dropped by decoding into it.
type nodeData struct {
	Label string `json:"label,omitempty"`

	// trigger
	Event TriggerEvent `json:"event,omitempty"`

	// condition
	ConditionType ConditionType `json:"conditionType,omitempty"`
	Operator      Operator      `json:"operator,omitempty"`
	Value         *flexNumber   `json:"value,omitempty"`

	// action
	ActionType     ActionType  `json:"actionType,omitempty"`
	WaitTime       *flexNumber `json:"waitTime,omitempty"`
	WaitUnit       WaitUnit    `json:"waitUnit,omitempty"`
	Message        string      `json:"message,omitempty"`
	AIInstructions string      `json:"aiInstructions,omitempty"`
	AIMaxLength    *flexNumber `json:"aiMaxLength,omitempty"`
	EmailSubject   string      `json:"emailSubject,omitempty"`
	EmailBody      string      `json:"emailBody,omitempty"`
	Params         *tagParams  `json:"params,omitempty"`
	CloseReason    string      `json:"closeReason,omitempty"`
	TransferReason string      `json:"transferReason,omitempty"`
}

type tagParams struct {
	Tags      []Tag `json:"tags,omitempty"`
	RemoveAll bool  `json:"removeAll,omitempty"`
}

// flexNumber accepts a JSON number or a numeric string, as editors emit both.
type flexNumber struct {
	value float64
	raw   string
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	text := string(b)
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
	}
	n.raw = text
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		// keep the raw text; the caller records it as an issue
		n.value = math.NaN()
		return nil
	}
	n.value = v
	return nil
}

func (n flexNumber) MarshalJSON() ([]byte, error) {
	if n.raw != "" && json.Valid([]byte(n.raw)) {
		if _, err := strconv.ParseFloat(n.raw, 64); err == nil {
			return []byte(n.raw), nil
		}
	}
	if math.IsNaN(n.value) {
		return json.Marshal(n.raw)
	}
	return json.Marshal(n.value)
}

func newFlexNumber(v float64) *flexNumber {
	return &flexNumber{value: v, raw: strconv.FormatFloat(v, 'f', -1, 64)}
}

// intField converts a decoded number to int, recording an issue when it is
// missing, not numeric, or not integral.
func (n *Node) intField(name string, num *flexNumber) int {
	if num == nil {
		n.Issues = append(n.Issues, fmt.Sprintf("%s is required", name))
		n.keepRaw(name, "")
		return 0
	}
	if math.IsNaN(num.value) {
		n.Issues = append(n.Issues, fmt.Sprintf("%s must be a number (got %q)", name, num.raw))
		n.keepRaw(name, num.raw)
		return 0
	}
	if num.value != math.Trunc(num.value) {
		n.Issues = append(n.Issues, fmt.Sprintf("%s must be an integer (got %s)", name, num.raw))
		n.keepRaw(name, num.raw)
	}
	return int(num.value)
}

func (n *Node) keepRaw(name, raw string) {
	if n.rawNumbers == nil {
		n.rawNumbers = make(map[string]string)
	}
	n.rawNumbers[name] = raw
}

// number encodes v, or the author's original text when name had an issue.
func (n Node) number(name string, v float64) *flexNumber {
	raw, ok := n.rawNumbers[name]
	if !ok {
		return newFlexNumber(v)
	}
	if raw == "" {
		return nil
	}
	return &flexNumber{value: math.NaN(), raw: raw}
}

// UnmarshalJSON decodes the editor node shape into a typed node.
func (n *Node) UnmarshalJSON(b []byte) error {
	var wire nodeJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	*n = Node{ID: wire.ID, Kind: wire.Type, Position: wire.Position}
	data := wire.Data
	if data == nil {
		data = &nodeData{}
	}
	n.Label = data.Label

	switch wire.Type {
	case NodeKindTrigger:
		n.Trigger = &TriggerPayload{
			Event:    data.Event,
			WaitTime: n.intField("waitTime", data.WaitTime),
			WaitUnit: data.WaitUnit,
		}
	case NodeKindCondition:
		c := &ConditionPayload{
			ConditionType: data.ConditionType,
			Operator:      data.Operator,
		}
		n.intField("value", data.Value)
		if data.Value != nil && !math.IsNaN(data.Value.value) {
			c.Value = data.Value.value
		}
		n.Condition = c
	case NodeKindAction:
		n.Action = n.decodeAction(data)
	}
	return nil
}

func (n *Node) decodeAction(data *nodeData) Action {
	params := data.Params
	if params == nil {
		params = &tagParams{}
	}

	switch data.ActionType {
	case ActionTypeWait:
		return WaitAction{WaitTime: n.intField("waitTime", data.WaitTime), WaitUnit: data.WaitUnit}
	case ActionTypeSendMessage:
		return SendMessageAction{Message: data.Message}
	case ActionTypeAIMessage:
		a := AIMessageAction{Instructions: data.AIInstructions}
		if data.AIMaxLength != nil {
			a.MaxLength = n.intField("aiMaxLength", data.AIMaxLength)
		}
		return a
	case ActionTypeSendEmail:
		return SendEmailAction{Subject: data.EmailSubject, Body: data.EmailBody}
	case ActionTypeAddTag:
		return AddTagAction{Tags: params.Tags}
	case ActionTypeRemoveTag:
		return RemoveTagAction{Tags: params.Tags, RemoveAll: params.RemoveAll}
	case ActionTypeTransfer:
		return TransferAction{Reason: data.TransferReason}
	case ActionTypeCloseNegative:
		return CloseNegativeAction{Reason: data.CloseReason}
	default:
		return UnsupportedAction{Name: string(data.ActionType)}
	}
}

// MarshalJSON encodes the node in the editor shape.
func (n Node) MarshalJSON() ([]byte, error) {
	data := &nodeData{Label: n.Label}

	switch {
	case n.Trigger != nil:
		data.Event = n.Trigger.Event
		data.WaitTime = n.number("waitTime", float64(n.Trigger.WaitTime))
		data.WaitUnit = n.Trigger.WaitUnit
	case n.Condition != nil:
		data.ConditionType = n.Condition.ConditionType
		data.Operator = n.Condition.Operator
		data.Value = n.number("value", n.Condition.Value)
	case n.Action != nil:
		data.ActionType = n.Action.Type()
		switch a := n.Action.(type) {
		case WaitAction:
			data.WaitTime = n.number("waitTime", float64(a.WaitTime))
			data.WaitUnit = a.WaitUnit
		case SendMessageAction:
			data.Message = a.Message
		case AIMessageAction:
			data.AIInstructions = a.Instructions
			if _, kept := n.rawNumbers["aiMaxLength"]; kept || a.MaxLength != 0 {
				data.AIMaxLength = n.number("aiMaxLength", float64(a.MaxLength))
			}
		case SendEmailAction:
			data.EmailSubject = a.Subject
			data.EmailBody = a.Body
		case AddTagAction:
			data.Params = &tagParams{Tags: a.Tags}
		case RemoveTagAction:
			data.Params = &tagParams{Tags: a.Tags, RemoveAll: a.RemoveAll}
		case TransferAction:
			data.TransferReason = a.Reason
		case CloseNegativeAction:
			data.CloseReason = a.Reason
		}
	}

	return json.Marshal(nodeJSON{ID: n.ID, Type: n.Kind, Position: n.Position, Data: data})
}

// ParseFlowDefinition decodes editor JSON into a FlowDefinition.
func ParseFlowDefinition(b []byte) (*FlowDefinition, error) {
	var def FlowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("decode flow definition: %w", err)
	}
	return &def, nil
}
