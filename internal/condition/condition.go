// Package condition evaluates condition nodes against an instance's counters.
package condition

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/followup/internal/models"
)

// ErrNotCondition is returned for nodes without a condition payload.
var ErrNotCondition = errors.New("node is not a condition")

// Evaluate returns HandleYes when the comparison holds and HandleNo otherwise.
func Evaluate(node *models.RuntimeNode, inst *models.FlowInstance) (models.Handle, error) {
	if node == nil || node.Condition == nil {
		return "", ErrNotCondition
	}
	if inst == nil {
		return "", errors.New("instance is nil")
	}

	p := node.Condition
	var actual float64
	switch p.ConditionType {
	case models.ConditionTypeAttemptCount:
		actual = float64(inst.AttemptCount)
	default:
		return "", fmt.Errorf("unknown condition type %q", p.ConditionType)
	}

	holds, err := Compare(actual, p.Operator, p.Value)
	if err != nil {
		return "", err
	}
	if holds {
		return models.HandleYes, nil
	}
	return models.HandleNo, nil
}

// Compare applies op to a and b.
func Compare(a float64, op models.Operator, b float64) (bool, error) {
	switch op {
	case models.OperatorLessThan:
		return a < b, nil
	case models.OperatorGreaterThan:
		return a > b, nil
	case models.OperatorEquals:
		return a == b, nil
	case models.OperatorLessThanOrEqual:
		return a <= b, nil
	case models.OperatorGreaterThanOrEqual:
		return a >= b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
