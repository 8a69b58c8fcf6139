package engine

import (
	"sync"
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}.normalized()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
	if got := p.Backoff(200); got != 10*time.Second {
		t.Fatalf("large attempt: expected max delay, got %v", got)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}.normalized()
	for i := 0; i < 100; i++ {
		d := p.Backoff(3)
		if d < 4*time.Second || d > 8*time.Second {
			t.Fatalf("jittered delay %v outside [4s, 8s]", d)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1}.normalized()
	if p.MaxRetries != 0 || p.BaseDelay != 30*time.Second || p.MaxDelay != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var wg sync.WaitGroup
	var mu sync.Mutex
	active, peak := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("expected one holder at a time, saw %d", peak)
	}
	if k.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", k.Len())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
