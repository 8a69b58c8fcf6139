package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opencode-ai/followup/internal/models"
)

func newInstance(leadID, flowID string) *models.FlowInstance {
	return &models.FlowInstance{
		LeadID:        leadID,
		FlowID:        flowID,
		FlowVersion:   1,
		CurrentNodeID: "t",
		Status:        models.InstanceStatusPending,
		Channel:       "linkedin",
	}
}

func TestInstanceRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	inst := newInstance("lead-1", "flow-1")
	err := repo.Create(ctx, inst, models.HistoryEntry{NodeID: "t", Outcome: models.OutcomeTriggered})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID == "" || inst.Version != 1 {
		t.Fatalf("expected id and version 1, got id=%q version=%d", inst.ID, inst.Version)
	}
	if len(inst.History) != 1 || inst.History[0].Seq != 1 {
		t.Fatalf("expected history seq 1, got %+v", inst.History)
	}

	got, err := repo.GetWithHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetWithHistory: %v", err)
	}
	if got.LeadID != "lead-1" || got.Channel != "linkedin" || got.Status != models.InstanceStatusPending {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Outcome != models.OutcomeTriggered {
		t.Fatalf("unexpected history: %+v", got.History)
	}
}

func TestInstanceRepositoryRejectsSecondActiveInstance(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	first := newInstance("lead-1", "flow-1")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, newInstance("lead-1", "flow-1")); !errors.Is(err, ErrActiveInstanceExists) {
		t.Fatalf("expected ErrActiveInstanceExists, got %v", err)
	}

	// once the first ends, a new trigger occurrence may start
	now := time.Now().UTC()
	first.Status = models.InstanceStatusCompleted
	first.EndedAt = &now
	if err := repo.Commit(ctx, first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := repo.Create(ctx, newInstance("lead-1", "flow-1")); err != nil {
		t.Fatalf("Create after completion: %v", err)
	}
}

func TestInstanceRepositoryCommitIsOptimistic(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	inst := newInstance("lead-1", "flow-1")
	if err := repo.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := repo.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	inst.CurrentNodeID = "m"
	inst.Status = models.InstanceStatusRunning
	if err := repo.Commit(ctx, inst, models.HistoryEntry{NodeID: "m", Outcome: models.OutcomeDispatched}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if inst.Version != 2 {
		t.Fatalf("expected version 2, got %d", inst.Version)
	}

	stale.Status = models.InstanceStatusFailed
	if err := repo.Commit(ctx, stale, models.HistoryEntry{NodeID: "m", Outcome: models.OutcomeFailed}); !errors.Is(err, ErrStaleInstance) {
		t.Fatalf("expected ErrStaleInstance, got %v", err)
	}

	history, err := repo.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("rejected commit must not write history, got %d entries", len(history))
	}

	ghost := newInstance("lead-9", "flow-1")
	ghost.ID = "does-not-exist"
	if err := repo.Commit(ctx, ghost); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestInstanceRepositoryListDue(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newInstance("lead-due", "flow-1")
	due.Status = models.InstanceStatusWaiting
	due.ScheduledAt = &past

	later := newInstance("lead-later", "flow-1")
	later.Status = models.InstanceStatusWaiting
	later.ScheduledAt = &future

	for _, inst := range []*models.FlowInstance{due, later} {
		if err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := repo.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("expected only the due instance, got %d", len(list))
	}

	// a cancellation request makes a sleeping instance due immediately
	if err := repo.RequestCancel(ctx, later.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	list, err = repo.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 due instances, got %d", len(list))
	}

	next, err := repo.NextWake(ctx)
	if err != nil {
		t.Fatalf("NextWake: %v", err)
	}
	if next == nil || !next.Equal(past) {
		t.Fatalf("expected next wake %v, got %v", past, next)
	}
}

func TestInstanceRepositoryRequestCancelForLead(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	publishFlow(t, database, "flow-2")
	repo := NewInstanceRepository(database)

	a := newInstance("lead-1", "flow-1")
	b := newInstance("lead-1", "flow-2")
	other := newInstance("lead-2", "flow-1")
	for _, inst := range []*models.FlowInstance{a, b, other} {
		if err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	ids, err := repo.RequestCancelForLead(ctx, "lead-1", models.TriggerEventNoResponse)
	if err != nil {
		t.Fatalf("RequestCancelForLead: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 flagged instances, got %v", ids)
	}

	got, _ := repo.Get(ctx, a.ID)
	if !got.CancelRequested {
		t.Fatal("expected cancel flag on lead-1 instance")
	}
	if got.Version != a.Version {
		t.Fatalf("flagging must not bump version: %d != %d", got.Version, a.Version)
	}
	untouched, _ := repo.Get(ctx, other.ID)
	if untouched.CancelRequested {
		t.Fatal("lead-2 instance must not be flagged")
	}

	counts, err := repo.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.InstanceStatusPending] != 3 {
		t.Fatalf("expected 3 pending, got %v", counts)
	}
}

func TestInstanceRepositoryList(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	for _, lead := range []string{"a", "b", "c"} {
		if err := repo.Create(ctx, newInstance(lead, "flow-1")); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := repo.List(ctx, models.InstanceFilter{LeadID: "b"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].LeadID != "b" {
		t.Fatalf("expected lead b only, got %d", len(list))
	}

	list, err = repo.List(ctx, models.InstanceFilter{Statuses: []models.InstanceStatus{models.InstanceStatusFailed}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no failed instances, got %d", len(list))
	}

	if _, err := repo.FindActive(ctx, "a", "flow-1"); err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if _, err := repo.FindActive(ctx, "zzz", "flow-1"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestInstanceRepositoryListStalledPages(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	publishFlow(t, database, "flow-1")
	repo := NewInstanceRepository(database)

	old := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 150; i++ {
		inst := newInstance(fmt.Sprintf("lead-%03d", i), "flow-1")
		inst.Status = models.InstanceStatusRunning
		inst.CreatedAt = old
		if err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	fresh := newInstance("lead-fresh", "flow-1")
	fresh.Status = models.InstanceStatusRunning
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waiting := newInstance("lead-waiting", "flow-1")
	waiting.Status = models.InstanceStatusWaiting
	waiting.CreatedAt = old
	if err := repo.Create(ctx, waiting); err != nil {
		t.Fatalf("Create: %v", err)
	}

	seen := make(map[string]bool)
	after := ""
	for {
		page, err := repo.ListStalled(ctx, time.Now().UTC().Add(-time.Minute), after, 100)
		if err != nil {
			t.Fatalf("ListStalled: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, inst := range page {
			if seen[inst.ID] {
				t.Fatalf("instance %s returned twice", inst.ID)
			}
			seen[inst.ID] = true
		}
		after = page[len(page)-1].ID
	}
	if len(seen) != 150 {
		t.Fatalf("expected 150 stalled instances, got %d", len(seen))
	}
	if seen[fresh.ID] || seen[waiting.ID] {
		t.Fatal("expected recently written and waiting instances to be skipped")
	}
}
