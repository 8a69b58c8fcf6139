// Package events provides helper functions for recording follow-up audit events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/followup/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Append(ctx context.Context, event *models.Event) error
}

// LogInstanceTransition records an instance status change.
func LogInstanceTransition(ctx context.Context, repo Repository, inst *models.FlowInstance, reason string) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}

	eventType, ok := transitionTypes[inst.Status]
	if !ok {
		return nil
	}

	return write(ctx, repo, eventType, models.EntityTypeInstance, inst.ID, models.InstanceTransitionPayload{
		LeadID:       inst.LeadID,
		FlowID:       inst.FlowID,
		NodeID:       inst.CurrentNodeID,
		Status:       inst.Status,
		AttemptCount: inst.AttemptCount,
		Reason:       reason,
	}, map[string]string{"lead_id": inst.LeadID})
}

var transitionTypes = map[models.InstanceStatus]models.EventType{
	models.InstanceStatusPending:   models.EventTypeInstanceCreated,
	models.InstanceStatusWaiting:   models.EventTypeInstanceWaiting,
	models.InstanceStatusCompleted: models.EventTypeInstanceCompleted,
	models.InstanceStatusCancelled: models.EventTypeInstanceCancelled,
	models.InstanceStatusFailed:    models.EventTypeInstanceFailed,
}

// LogInstanceCreated records a new instance regardless of its first status.
func LogInstanceCreated(ctx context.Context, repo Repository, inst *models.FlowInstance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	return write(ctx, repo, models.EventTypeInstanceCreated, models.EntityTypeInstance, inst.ID, models.InstanceTransitionPayload{
		LeadID:       inst.LeadID,
		FlowID:       inst.FlowID,
		NodeID:       inst.CurrentNodeID,
		Status:       inst.Status,
		AttemptCount: inst.AttemptCount,
	}, map[string]string{"lead_id": inst.LeadID, "flow_version": fmt.Sprint(inst.FlowVersion)})
}

// LogActionExecuted records the outcome of an action node.
func LogActionExecuted(ctx context.Context, repo Repository, instanceID, nodeID string, actionType models.ActionType, ok, retryable bool, detail string) error {
	if instanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	eventType := models.EventTypeActionExecuted
	if !ok {
		eventType = models.EventTypeActionFailed
	}
	return write(ctx, repo, eventType, models.EntityTypeInstance, instanceID, models.ActionExecutedPayload{
		NodeID:     nodeID,
		ActionType: actionType,
		Retryable:  retryable,
		Detail:     detail,
	}, nil)
}

// LogFlowSaved records a save; problems is empty when the flow became runnable.
func LogFlowSaved(ctx context.Context, repo Repository, flow *models.Flow, problems []string) error {
	if flow == nil || flow.Definition.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	eventType := models.EventTypeFlowSaved
	if !flow.Runnable {
		eventType = models.EventTypeFlowRejected
	}
	return write(ctx, repo, eventType, models.EntityTypeFlow, flow.Definition.ID, models.FlowSavedPayload{
		Version:  flow.Version,
		Runnable: flow.Runnable,
		Problems: problems,
	}, nil)
}

// LogCompileFailure records a plan that could not be compiled.
func LogCompileFailure(ctx context.Context, repo Repository, flowID string, err error) error {
	if flowID == "" {
		return fmt.Errorf("flow id is required")
	}
	return write(ctx, repo, models.EventTypeFlowCompileFailure, models.EntityTypeFlow, flowID, models.ErrorPayload{
		Error:   err.Error(),
		Context: "compile",
	}, nil)
}

// LogLeadReplied records a reply and how many instances it cancelled.
func LogLeadReplied(ctx context.Context, repo Repository, leadID string, cancelled int) error {
	if leadID == "" {
		return fmt.Errorf("lead id is required")
	}
	return write(ctx, repo, models.EventTypeLeadReplied, models.EntityTypeLead, leadID, models.LeadRepliedPayload{
		Cancelled: cancelled,
	}, nil)
}

func write(ctx context.Context, repo Repository, eventType models.EventType, entityType models.EntityType, entityID string, payload any, metadata map[string]string) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return repo.Append(ctx, &models.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    data,
		Metadata:   metadata,
	})
}
