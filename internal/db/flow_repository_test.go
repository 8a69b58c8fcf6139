package db

import (
	"context"
	"errors"
	"testing"

	"github.com/opencode-ai/followup/internal/models"
)

func TestFlowRepositoryPublishCreatesVersions(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	repo := NewFlowRepository(database)

	flow := publishFlow(t, database, "flow-a")
	if flow.Version != 1 || !flow.Runnable {
		t.Fatalf("expected runnable version 1, got version=%d runnable=%v", flow.Version, flow.Runnable)
	}

	flow.Definition.Name = "Renamed"
	flow.Definition.Nodes[1].Action = models.SendMessageAction{Message: "second"}
	if err := repo.Publish(ctx, flow, models.TriggerEventNoResponse); err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if flow.Version != 2 {
		t.Fatalf("expected version 2, got %d", flow.Version)
	}

	v1, err := repo.GetVersion(ctx, "flow-a", 1)
	if err != nil {
		t.Fatalf("GetVersion(1): %v", err)
	}
	if msg := v1.Definition.Nodes[1].Action.(models.SendMessageAction).Message; msg != "hi" {
		t.Fatalf("version 1 must be immutable, got message %q", msg)
	}

	got, err := repo.Get(ctx, "flow-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Definition.Name != "Renamed" || got.Version != 2 || got.TriggerEvent != models.TriggerEventNoResponse {
		t.Fatalf("unexpected flow: %+v", got)
	}
}

func TestFlowRepositoryDraftKeepsRunnableVersion(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	repo := NewFlowRepository(database)

	publishFlow(t, database, "flow-b")

	draft := &models.Flow{Definition: testDefinition("flow-b")}
	draft.Definition.Edges = nil
	if err := repo.SaveDraft(ctx, draft); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if draft.Runnable {
		t.Fatal("draft must not be runnable")
	}
	if draft.Version != 1 {
		t.Fatalf("draft should report the latest runnable version 1, got %d", draft.Version)
	}

	flows, err := repo.ListByTrigger(ctx, models.TriggerEventNoResponse)
	if err != nil {
		t.Fatalf("ListByTrigger: %v", err)
	}
	if len(flows) != 1 || flows[0].Definition.ID != "flow-b" {
		t.Fatalf("expected flow-b to stay triggerable, got %d flows", len(flows))
	}
}

func TestFlowRepositoryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewFlowRepository(openTestDB(t))

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
	if _, err := repo.GetVersion(ctx, "missing", 1); !errors.Is(err, ErrFlowVersionNotFound) {
		t.Fatalf("expected ErrFlowVersionNotFound, got %v", err)
	}

	draft := &models.Flow{Definition: models.FlowDefinition{ID: "x"}}
	if err := repo.SaveDraft(ctx, draft); !errors.Is(err, ErrInvalidFlow) {
		t.Fatalf("expected ErrInvalidFlow for a nameless flow, got %v", err)
	}
}
