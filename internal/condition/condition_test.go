package condition

import (
	"testing"

	"github.com/opencode-ai/followup/internal/models"
)

func conditionNode(op models.Operator, value float64) *models.RuntimeNode {
	return &models.RuntimeNode{
		ID:   "c",
		Kind: models.NodeKindCondition,
		Condition: &models.ConditionPayload{
			ConditionType: models.ConditionTypeAttemptCount,
			Operator:      op,
			Value:         value,
		},
	}
}

func TestEvaluateLessThanThree(t *testing.T) {
	node := conditionNode(models.OperatorLessThan, 3)
	for attempts := 0; attempts <= 50; attempts++ {
		got, err := Evaluate(node, &models.FlowInstance{AttemptCount: attempts})
		if err != nil {
			t.Fatalf("Evaluate(%d): %v", attempts, err)
		}
		want := models.HandleNo
		if attempts < 3 {
			want = models.HandleYes
		}
		if got != want {
			t.Fatalf("attempts=%d: expected %q, got %q", attempts, want, got)
		}
	}
}

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		op       models.Operator
		value    float64
		attempts int
		want     models.Handle
	}{
		{models.OperatorGreaterThan, 2, 3, models.HandleYes},
		{models.OperatorGreaterThan, 2, 2, models.HandleNo},
		{models.OperatorEquals, 2, 2, models.HandleYes},
		{models.OperatorEquals, 2, 1, models.HandleNo},
		{models.OperatorLessThanOrEqual, 2, 2, models.HandleYes},
		{models.OperatorLessThanOrEqual, 2, 3, models.HandleNo},
		{models.OperatorGreaterThanOrEqual, 2, 2, models.HandleYes},
		{models.OperatorGreaterThanOrEqual, 2, 1, models.HandleNo},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, err := Evaluate(conditionNode(tt.op, tt.value), &models.FlowInstance{AttemptCount: tt.attempts})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("%d %s %v: expected %q, got %q", tt.attempts, tt.op, tt.value, tt.want, got)
			}
		})
	}
}

func TestEvaluateRejectsUnknownInput(t *testing.T) {
	if _, err := Evaluate(conditionNode("between", 1), &models.FlowInstance{}); err == nil {
		t.Fatal("expected error for unknown operator")
	}
	if _, err := Evaluate(&models.RuntimeNode{ID: "a"}, &models.FlowInstance{}); err != ErrNotCondition {
		t.Fatalf("expected ErrNotCondition, got %v", err)
	}
}
