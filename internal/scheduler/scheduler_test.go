package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// mockAdvancer records Advance calls and serves canned due lists.
type mockAdvancer struct {
	mu       sync.Mutex
	due      []string
	stalled  []string
	advanced []string
	failures map[string]error
	dueErr   error
	dueAt    []time.Time
	block    chan struct{}

	stalledBefore []time.Time
}

func newMockAdvancer() *mockAdvancer {
	return &mockAdvancer{failures: make(map[string]error)}
}

func (m *mockAdvancer) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dueAt = append(m.dueAt, now)
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	ids := m.due
	m.due = nil
	if limit > 0 && len(ids) > limit {
		m.due = ids[limit:]
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockAdvancer) Stalled(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalledBefore = append(m.stalledBefore, updatedBefore)

	ids := append([]string(nil), m.stalled...)
	sort.Strings(ids)
	var page []string
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		page = append(page, id)
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

func (m *mockAdvancer) Advance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced = append(m.advanced, instanceID)
	return m.failures[instanceID]
}

func (m *mockAdvancer) setDue(ids ...string) {
	m.mu.Lock()
	m.due = append(m.due, ids...)
	m.mu.Unlock()
}

func (m *mockAdvancer) getAdvanced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.advanced...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func fastConfig() Config {
	return Config{
		TickInterval:          10 * time.Millisecond,
		AdvanceTimeout:        time.Second,
		MaxConcurrentAdvances: 5,
		BatchSize:             10,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TickInterval != 1*time.Second {
		t.Errorf("expected TickInterval 1s, got %v", cfg.TickInterval)
	}
	if cfg.AdvanceTimeout != 2*time.Minute {
		t.Errorf("expected AdvanceTimeout 2m, got %v", cfg.AdvanceTimeout)
	}
	if cfg.MaxConcurrentAdvances != 10 {
		t.Errorf("expected MaxConcurrentAdvances 10, got %d", cfg.MaxConcurrentAdvances)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("expected BatchSize 100, got %d", cfg.BatchSize)
	}
	if !cfg.RecoverOnStart {
		t.Error("expected RecoverOnStart true")
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("expected SweepInterval 1m, got %v", cfg.SweepInterval)
	}
	if cfg.StallTimeout != 10*time.Minute {
		t.Errorf("expected StallTimeout 10m, got %v", cfg.StallTimeout)
	}
}

func TestNew_StallTimeoutOutlastsAdvance(t *testing.T) {
	sched := New(Config{AdvanceTimeout: 20 * time.Minute, StallTimeout: 5 * time.Minute}, nil)
	if sched.config.StallTimeout <= sched.config.AdvanceTimeout {
		t.Errorf("expected StallTimeout above AdvanceTimeout, got %v", sched.config.StallTimeout)
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	sched := New(Config{}, nil)

	if sched.config.TickInterval != DefaultConfig().TickInterval {
		t.Errorf("expected default TickInterval, got %v", sched.config.TickInterval)
	}
	if sched.config.AdvanceTimeout != DefaultConfig().AdvanceTimeout {
		t.Errorf("expected default AdvanceTimeout, got %v", sched.config.AdvanceTimeout)
	}
	if sched.config.MaxConcurrentAdvances != DefaultConfig().MaxConcurrentAdvances {
		t.Errorf("expected default MaxConcurrentAdvances, got %d", sched.config.MaxConcurrentAdvances)
	}
	if sched.config.BatchSize != DefaultConfig().BatchSize {
		t.Errorf("expected default BatchSize, got %d", sched.config.BatchSize)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	sched := New(fastConfig(), newMockAdvancer())
	ctx := context.Background()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}

	stats := sched.Stats()
	if !stats.Running {
		t.Error("expected scheduler to be running")
	}
	if stats.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	if err := sched.Start(ctx); err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}

	if err := sched.Stop(); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}
	if sched.Stats().Running {
		t.Error("expected scheduler to be stopped")
	}
	if err := sched.Stop(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	sched := New(fastConfig(), newMockAdvancer())

	if err := sched.Pause(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
	if err := sched.Resume(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	if err := sched.Pause(); err != nil {
		t.Fatalf("failed to pause scheduler: %v", err)
	}
	if !sched.Stats().Paused {
		t.Error("expected scheduler to be paused")
	}
	if err := sched.Pause(); err != nil {
		t.Errorf("expected pause to be idempotent, got %v", err)
	}
	if err := sched.ScheduleNow("inst-1"); err != ErrSchedulerNotRunning {
		t.Errorf("expected ScheduleNow to fail while paused, got %v", err)
	}

	if err := sched.Resume(); err != nil {
		t.Fatalf("failed to resume scheduler: %v", err)
	}
	if sched.Stats().Paused {
		t.Error("expected scheduler not to be paused")
	}
}

func TestScheduler_TickAdvancesDueInstances(t *testing.T) {
	adv := newMockAdvancer()
	adv.setDue("inst-1", "inst-2")
	sched := New(fastConfig(), adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, func() bool { return len(adv.getAdvanced()) == 2 })

	waitFor(t, func() bool { return sched.Stats().SuccessfulAdvances == 2 })
	if sched.Stats().FailedAdvances != 0 {
		t.Errorf("expected no failures, got %d", sched.Stats().FailedAdvances)
	}
}

func TestScheduler_UsesClockForDue(t *testing.T) {
	adv := newMockAdvancer()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sched := New(fastConfig(), adv, WithClock(func() time.Time { return fixed }))

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitFor(t, func() bool {
		adv.mu.Lock()
		defer adv.mu.Unlock()
		return len(adv.dueAt) > 0
	})
	sched.Stop()

	adv.mu.Lock()
	defer adv.mu.Unlock()
	if !adv.dueAt[0].Equal(fixed) {
		t.Errorf("expected Due called with %v, got %v", fixed, adv.dueAt[0])
	}
}

func TestScheduler_RecoversStalledOnStart(t *testing.T) {
	adv := newMockAdvancer()
	adv.stalled = []string{"crashed-1", "crashed-2"}

	cfg := fastConfig()
	cfg.RecoverOnStart = true
	sched := New(cfg, adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, func() bool { return len(adv.getAdvanced()) == 2 })
	if got := sched.Stats().Recovered; got != 2 {
		t.Errorf("expected 2 recovered, got %d", got)
	}
}

func TestScheduler_RecoversMoreThanOneBatch(t *testing.T) {
	adv := newMockAdvancer()
	for i := 0; i < 25; i++ {
		adv.stalled = append(adv.stalled, fmt.Sprintf("crashed-%02d", i))
	}

	cfg := fastConfig()
	cfg.RecoverOnStart = true
	cfg.BatchSize = 10
	sched := New(cfg, adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, func() bool { return len(adv.getAdvanced()) == 25 })
	waitFor(t, func() bool { return sched.Stats().Recovered == 25 })
}

func TestScheduler_SweepResumesStalledInstances(t *testing.T) {
	adv := newMockAdvancer()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cfg := fastConfig()
	cfg.RecoverOnStart = false
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.StallTimeout = time.Hour
	sched := New(cfg, adv, WithClock(func() time.Time { return fixed }))

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	adv.mu.Lock()
	adv.stalled = []string{"stuck-1"}
	adv.mu.Unlock()

	waitFor(t, func() bool {
		got := adv.getAdvanced()
		return len(got) > 0 && got[0] == "stuck-1"
	})

	adv.mu.Lock()
	defer adv.mu.Unlock()
	if !adv.stalledBefore[0].Equal(fixed.Add(-time.Hour)) {
		t.Errorf("expected cutoff %v, got %v", fixed.Add(-time.Hour), adv.stalledBefore[0])
	}
}

func TestScheduler_ScheduleNow_Running(t *testing.T) {
	adv := newMockAdvancer()
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	sched := New(cfg, adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	if err := sched.ScheduleNow("inst-7"); err != nil {
		t.Fatalf("expected ScheduleNow to succeed, got %v", err)
	}
	waitFor(t, func() bool {
		got := adv.getAdvanced()
		return len(got) == 1 && got[0] == "inst-7"
	})
}

func TestScheduler_ScheduleNow_NotRunning(t *testing.T) {
	sched := New(DefaultConfig(), nil)
	if err := sched.ScheduleNow("inst-1"); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestScheduler_FailedAdvanceIsRecorded(t *testing.T) {
	adv := newMockAdvancer()
	adv.failures["bad"] = errors.New("boom")
	adv.setDue("bad")
	sched := New(fastConfig(), adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	select {
	case ev := <-sched.AdvanceEvents():
		if ev.Success || ev.Error != "boom" || ev.InstanceID != "bad" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an advance event")
	}
	waitFor(t, func() bool { return sched.Stats().FailedAdvances == 1 })
}

func TestScheduler_SkipsInstanceAlreadyInFlight(t *testing.T) {
	adv := newMockAdvancer()
	adv.block = make(chan struct{})
	sched := New(fastConfig(), adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	adv.setDue("slow")
	waitFor(t, func() bool { return sched.Stats().InFlight == 1 })
	adv.setDue("slow")
	time.Sleep(50 * time.Millisecond)
	if got := sched.Stats().InFlight; got != 1 {
		t.Errorf("expected one in-flight advance, got %d", got)
	}

	close(adv.block)
	sched.Stop()

	if got := adv.getAdvanced(); len(got) != 1 {
		t.Errorf("expected a single advance, got %v", got)
	}
}

func TestScheduler_DueErrorDoesNotStopLoop(t *testing.T) {
	adv := newMockAdvancer()
	adv.dueErr = errors.New("db locked")
	sched := New(fastConfig(), adv)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer sched.Stop()

	time.Sleep(30 * time.Millisecond)
	adv.mu.Lock()
	adv.dueErr = nil
	adv.mu.Unlock()
	adv.setDue("later")

	waitFor(t, func() bool { return len(adv.getAdvanced()) == 1 })
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	sched := New(fastConfig(), newMockAdvancer())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitFor(t, func() bool { return sched.Stats().Running })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
