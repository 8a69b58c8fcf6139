// Package graph validates flow definitions and compiles them into runnable plans.
package graph

import (
	"fmt"
	"math"
	"strings"

	"github.com/opencode-ai/followup/internal/models"
)

// Rule names a structural or field check.
type Rule string

const (
	RuleTriggerCount     Rule = "trigger_count"
	RuleDuplicateNode    Rule = "duplicate_node"
	RuleDanglingEdge     Rule = "dangling_edge"
	RuleCycle            Rule = "cycle"
	RuleOrphan           Rule = "orphan"
	RuleUnreachable      Rule = "unreachable"
	RuleConditionHandles Rule = "condition_handles"
	RuleTerminalOutputs  Rule = "terminal_outputs"
	RuleSingleOutput     Rule = "single_output"
	RuleField            Rule = "field"
)

// ValidationError is one problem found in a flow definition.
type ValidationError struct {
	Rule    Rule   `json:"rule"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Rule, e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %s: %s", e.Rule, e.EdgeID, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Rule, e.Message)
	}
}

// ValidationErrors is the full list of problems in a definition.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return fmt.Sprintf("flow has %d problem(s): %s", len(v), strings.Join(parts, "; "))
}

// Err returns nil when there are no problems.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Has reports whether any problem was reported under rule.
func (v ValidationErrors) Has(rule Rule) bool {
	for _, e := range v {
		if e.Rule == rule {
			return true
		}
	}
	return false
}

// Validate runs every check and returns all problems. A nil result means the
// definition can be compiled.
func Validate(def *models.FlowDefinition) ValidationErrors {
	if def == nil {
		return ValidationErrors{{Rule: RuleField, Message: "flow definition is nil"}}
	}

	c := &checker{def: def}
	c.indexNodes()
	c.checkTriggerCount()
	c.checkEdges()
	c.checkCycles()
	c.checkReachability()
	c.checkOutputs()
	c.checkFields()
	return c.errs
}

type checker struct {
	def   *models.FlowDefinition
	nodes map[string]*models.Node
	// out and in only hold edges whose endpoints both exist.
	out  map[string][]models.Edge
	in   map[string][]models.Edge
	errs ValidationErrors
}

func (c *checker) add(rule Rule, nodeID, edgeID, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{
		Rule:    rule,
		NodeID:  nodeID,
		EdgeID:  edgeID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *checker) indexNodes() {
	c.nodes = make(map[string]*models.Node, len(c.def.Nodes))
	for i := range c.def.Nodes {
		n := &c.def.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			c.add(RuleField, "", "", "node at index %d has no id", i)
			continue
		}
		if _, dup := c.nodes[n.ID]; dup {
			c.add(RuleDuplicateNode, n.ID, "", "node id is used more than once")
			continue
		}
		c.nodes[n.ID] = n
	}
}

func (c *checker) checkTriggerCount() {
	count := 0
	for i := range c.def.Nodes {
		if c.def.Nodes[i].Kind == models.NodeKindTrigger {
			count++
		}
	}
	if count != 1 {
		c.add(RuleTriggerCount, "", "", "flow must have exactly one trigger node, found %d", count)
	}
}

func (c *checker) checkEdges() {
	c.out = make(map[string][]models.Edge)
	c.in = make(map[string][]models.Edge)
	for _, e := range c.def.Edges {
		_, srcOK := c.nodes[e.Source]
		_, dstOK := c.nodes[e.Target]
		if !srcOK {
			c.add(RuleDanglingEdge, "", e.ID, "source %q does not exist", e.Source)
		}
		if !dstOK {
			c.add(RuleDanglingEdge, "", e.ID, "target %q does not exist", e.Target)
		}
		if srcOK && dstOK {
			c.out[e.Source] = append(c.out[e.Source], e)
			c.in[e.Target] = append(c.in[e.Target], e)
		}
	}
}

// checkCycles uses DFS colouring: white unvisited, gray on the stack, black done.
// Each back edge is reported once with the cycle path.
func (c *checker) checkCycles() {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(c.nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range c.out[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case gray:
				c.add(RuleCycle, e.Target, e.ID, "cycle %s", cyclePath(stack, e.Target))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for i := range c.def.Nodes {
		id := c.def.Nodes[i].ID
		if _, ok := c.nodes[id]; ok && color[id] == white {
			visit(id)
		}
	}
}

func cyclePath(stack []string, start string) string {
	for i, id := range stack {
		if id == start {
			path := append([]string{}, stack[i:]...)
			path = append(path, start)
			return strings.Join(path, " -> ")
		}
	}
	return start
}

func (c *checker) checkReachability() {
	reached := make(map[string]bool, len(c.nodes))
	var queue []string
	for i := range c.def.Nodes {
		n := &c.def.Nodes[i]
		if n.Kind == models.NodeKindTrigger && c.nodes[n.ID] == n {
			reached[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range c.out[id] {
			if !reached[e.Target] {
				reached[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	for i := range c.def.Nodes {
		n := &c.def.Nodes[i]
		if n.Kind == models.NodeKindTrigger || c.nodes[n.ID] != n {
			continue
		}
		switch {
		case len(c.in[n.ID]) == 0:
			c.add(RuleOrphan, n.ID, "", "node has no incoming edge")
		case !reached[n.ID]:
			c.add(RuleUnreachable, n.ID, "", "node is not reachable from the trigger")
		}
	}
}

func (c *checker) checkOutputs() {
	for i := range c.def.Nodes {
		n := &c.def.Nodes[i]
		if c.nodes[n.ID] != n {
			continue
		}
		edges := c.out[n.ID]

		switch n.Kind {
		case models.NodeKindCondition:
			counts := map[models.Handle]int{}
			for _, e := range edges {
				switch e.SourceHandle {
				case models.HandleYes, models.HandleNo:
					counts[e.SourceHandle]++
					if counts[e.SourceHandle] == 2 {
						c.add(RuleConditionHandles, n.ID, e.ID, "more than one %q edge", e.SourceHandle)
					}
				default:
					c.add(RuleConditionHandles, n.ID, e.ID, "condition output must use handle yes or no, got %q", e.SourceHandle)
				}
			}
		case models.NodeKindAction:
			if n.Action != nil && n.Action.Type().Terminal() {
				if len(edges) > 0 {
					c.add(RuleTerminalOutputs, n.ID, "", "%s action cannot have outgoing edges", n.Action.Type())
				}
				continue
			}
			if len(edges) > 1 {
				c.add(RuleSingleOutput, n.ID, "", "node has %d outgoing edges, at most 1 allowed", len(edges))
			}
		case models.NodeKindTrigger:
			if len(edges) > 1 {
				c.add(RuleSingleOutput, n.ID, "", "node has %d outgoing edges, at most 1 allowed", len(edges))
			}
		}
	}
}

func (c *checker) checkFields() {
	for i := range c.def.Nodes {
		n := &c.def.Nodes[i]
		for _, issue := range n.Issues {
			c.add(RuleField, n.ID, "", "%s", issue)
		}

		switch n.Kind {
		case models.NodeKindTrigger:
			c.checkTrigger(n)
		case models.NodeKindCondition:
			c.checkCondition(n)
		case models.NodeKindAction:
			c.checkAction(n)
		default:
			c.add(RuleField, n.ID, "", "unknown node type %q", n.Kind)
		}
	}
}

func (c *checker) checkTrigger(n *models.Node) {
	p := n.Trigger
	if p == nil {
		c.add(RuleField, n.ID, "", "trigger data is missing")
		return
	}
	if p.Event != models.TriggerEventNoResponse {
		c.add(RuleField, n.ID, "", "event must be %q, got %q", models.TriggerEventNoResponse, p.Event)
	}
	c.checkWait(n, p.WaitTime, p.WaitUnit)
}

func (c *checker) checkCondition(n *models.Node) {
	p := n.Condition
	if p == nil {
		c.add(RuleField, n.ID, "", "condition data is missing")
		return
	}
	if p.ConditionType != models.ConditionTypeAttemptCount {
		c.add(RuleField, n.ID, "", "conditionType must be %q, got %q", models.ConditionTypeAttemptCount, p.ConditionType)
	}
	if !p.Operator.Valid() {
		c.add(RuleField, n.ID, "", "unknown operator %q", p.Operator)
	}
	if p.Value <= 0 || p.Value != math.Trunc(p.Value) {
		c.add(RuleField, n.ID, "", "value must be a positive integer, got %v", p.Value)
	}
}

func (c *checker) checkWait(n *models.Node, waitTime int, unit models.WaitUnit) {
	if waitTime <= 0 {
		c.add(RuleField, n.ID, "", "waitTime must be a positive integer, got %d", waitTime)
	}
	if !unit.Valid() {
		c.add(RuleField, n.ID, "", "unknown waitUnit %q", unit)
	}
}

func (c *checker) checkAction(n *models.Node) {
	switch a := n.Action.(type) {
	case nil:
		c.add(RuleField, n.ID, "", "action data is missing")
	case models.WaitAction:
		c.checkWait(n, a.WaitTime, a.WaitUnit)
	case models.SendMessageAction:
		if strings.TrimSpace(a.Message) == "" {
			c.add(RuleField, n.ID, "", "message is required")
		}
	case models.AIMessageAction:
		if strings.TrimSpace(a.Instructions) == "" {
			c.add(RuleField, n.ID, "", "aiInstructions is required")
		}
		if a.MaxLength < 0 {
			c.add(RuleField, n.ID, "", "aiMaxLength cannot be negative")
		}
	case models.SendEmailAction:
		if strings.TrimSpace(a.Body) == "" {
			c.add(RuleField, n.ID, "", "emailBody is required")
		}
	case models.AddTagAction:
		if len(a.Tags) == 0 {
			c.add(RuleField, n.ID, "", "at least one tag is required")
		}
		c.checkTags(n, a.Tags)
	case models.RemoveTagAction:
		if len(a.Tags) == 0 && !a.RemoveAll {
			c.add(RuleField, n.ID, "", "tags or removeAll is required")
		}
		c.checkTags(n, a.Tags)
	case models.TransferAction, models.CloseNegativeAction:
	case models.UnsupportedAction:
		c.add(RuleField, n.ID, "", "unknown actionType %q", a.Name)
	}
}

func (c *checker) checkTags(n *models.Node, tags []models.Tag) {
	for _, tag := range tags {
		if strings.TrimSpace(tag.Name) == "" {
			c.add(RuleField, n.ID, "", "tag name is required")
		}
		if !models.ValidTagColor(tag.Color) {
			c.add(RuleField, n.ID, "", "tag %q has unknown color %q", tag.Name, tag.Color)
		}
	}
}
