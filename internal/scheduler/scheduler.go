// Package scheduler wakes flow instances whose timers have fired.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/followup/internal/logging"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
)

// Advancer is the part of the engine the scheduler drives.
type Advancer interface {
	// Due lists instances whose wake time passed or that await cancellation.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Stalled lists instances left mid-walk and not written since
	// updatedBefore, in id order after afterID.
	Stalled(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]string, error)
	// Advance moves one instance forward.
	Advance(ctx context.Context, instanceID string) error
}

// Config contains scheduler configuration.
type Config struct {
	// TickInterval is how often the scheduler checks for due instances.
	// Default: 1 second.
	TickInterval time.Duration

	// AdvanceTimeout bounds a single Advance call.
	// Default: 2 minutes.
	AdvanceTimeout time.Duration

	// MaxConcurrentAdvances limits how many instances advance at once.
	// Default: 10.
	MaxConcurrentAdvances int

	// BatchSize is how many due instances one tick picks up.
	// Default: 100.
	BatchSize int

	// RecoverOnStart resumes instances left pending or running by a previous process.
	// Default: true.
	RecoverOnStart bool

	// SweepInterval is how often instances stuck mid-walk are looked for.
	// Default: 1 minute.
	SweepInterval time.Duration

	// StallTimeout is how long an instance may stay pending or running
	// without a write before the sweep resumes it. Always longer than
	// AdvanceTimeout.
	// Default: 10 minutes.
	StallTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:          1 * time.Second,
		AdvanceTimeout:        2 * time.Minute,
		MaxConcurrentAdvances: 10,
		BatchSize:             100,
		RecoverOnStart:        true,
		SweepInterval:         time.Minute,
		StallTimeout:          10 * time.Minute,
	}
}

// AdvanceEvent records one Advance call made by the scheduler.
type AdvanceEvent struct {
	InstanceID string
	Success    bool
	Error      string
	Timestamp  time.Time
	Duration   time.Duration
}

// SchedulerStats contains scheduler statistics.
type SchedulerStats struct {
	Running   bool
	Paused    bool
	StartedAt *time.Time

	TotalAdvances      int64
	SuccessfulAdvances int64
	FailedAdvances     int64
	LastAdvanceAt      *time.Time

	// Recovered counts stalled instances resumed at start or by the sweep.
	Recovered int

	// InFlight is the number of advances currently running.
	InFlight int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to find due instances.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler periodically advances due flow instances.
type Scheduler struct {
	config   Config
	advancer Advancer
	now      func() time.Time
	logger   zerolog.Logger

	mu          sync.RWMutex
	running     bool
	paused      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	advanceSem  chan struct{}
	scheduleNow chan string
	inflight    map[string]struct{}

	stats     SchedulerStats
	statsMu   sync.RWMutex
	advanceCh chan AdvanceEvent
}

// New creates a new Scheduler.
func New(config Config, advancer Advancer, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.AdvanceTimeout <= 0 {
		config.AdvanceTimeout = defaults.AdvanceTimeout
	}
	if config.MaxConcurrentAdvances <= 0 {
		config.MaxConcurrentAdvances = defaults.MaxConcurrentAdvances
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = defaults.StallTimeout
	}
	if config.StallTimeout <= config.AdvanceTimeout {
		config.StallTimeout = config.AdvanceTimeout + time.Minute
	}

	s := &Scheduler{
		config:      config,
		advancer:    advancer,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logging.Component("scheduler"),
		advanceSem:  make(chan struct{}, config.MaxConcurrentAdvances),
		scheduleNow: make(chan string, 100),
		inflight:    make(map[string]struct{}),
		advanceCh:   make(chan AdvanceEvent, 100),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler's background processing loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.paused = false

	now := s.now()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.Paused = false
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Int("max_concurrent", s.config.MaxConcurrentAdvances).
		Msg("scheduler starting")

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop halts the scheduler and waits for in-flight advances to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}

	s.logger.Info().Msg("scheduler stopping")

	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil && !errors.Is(err, ErrSchedulerNotRunning) {
		return err
	}
	return nil
}

// ScheduleNow advances an instance without waiting for the next tick.
func (s *Scheduler) ScheduleNow(instanceID string) error {
	s.mu.RLock()
	running := s.running
	paused := s.paused
	s.mu.RUnlock()

	if !running || paused {
		return ErrSchedulerNotRunning
	}

	select {
	case s.scheduleNow <- instanceID:
		s.logger.Debug().Str("instance_id", instanceID).Msg("immediate advance requested")
	default:
		s.logger.Debug().Str("instance_id", instanceID).Msg("schedule channel full, will advance on next tick")
	}
	return nil
}

// Pause temporarily suspends the scheduler without stopping it.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if s.paused {
		return nil
	}

	s.paused = true
	s.statsMu.Lock()
	s.stats.Paused = true
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler paused")
	return nil
}

// Resume resumes a paused scheduler.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if !s.paused {
		return nil
	}

	s.paused = false
	s.statsMu.Lock()
	s.stats.Paused = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler resumed")
	return nil
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	stats := s.stats
	s.statsMu.RUnlock()

	s.mu.RLock()
	stats.InFlight = len(s.inflight)
	s.mu.RUnlock()
	return stats
}

// AdvanceEvents returns the channel of advance events. Events are dropped
// when nobody reads.
func (s *Scheduler) AdvanceEvents() <-chan AdvanceEvent {
	return s.advanceCh
}

func (s *Scheduler) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	if s.config.RecoverOnStart {
		s.recoverStalled(s.now(), true)
	}

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case id := <-s.scheduleNow:
			if !s.isPaused() {
				s.tryAdvance(id, false)
			}

		case <-ticker.C:
			if !s.isPaused() {
				s.tick()
			}

		case <-sweep.C:
			if !s.isPaused() {
				s.recoverStalled(s.now().Add(-s.config.StallTimeout), false)
			}
		}
	}
}

// recoverStalled resumes pending or running instances not written since
// updatedBefore. Ticks never pick these up. At start it waits for free slots
// and pages through every stalled instance; the periodic sweep stops at the
// first full slot and continues next time.
func (s *Scheduler) recoverStalled(updatedBefore time.Time, wait bool) {
	if s.advancer == nil {
		return
	}

	recovered := 0
	after := ""
	for {
		ids, err := s.advancer.Stalled(s.ctx, updatedBefore, after, s.config.BatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list stalled instances")
			break
		}
		if len(ids) == 0 {
			break
		}
		full := false
		for _, id := range ids {
			if !s.tryAdvance(id, wait) {
				full = true
				break
			}
			recovered++
		}
		if full {
			break
		}
		after = ids[len(ids)-1]
	}

	s.statsMu.Lock()
	s.stats.Recovered += recovered
	s.statsMu.Unlock()

	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Msg("resuming stalled instances")
	}
}

// tick performs one scheduling cycle.
func (s *Scheduler) tick() {
	if s.advancer == nil {
		return
	}

	ids, err := s.advancer.Due(s.ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list due instances")
		return
	}

	for _, id := range ids {
		if !s.tryAdvance(id, false) {
			// Out of slots; the rest stay due for the next tick.
			return
		}
	}
}

// tryAdvance starts an Advance in the background. It reports false when the
// instance could not be started because no slot was free.
func (s *Scheduler) tryAdvance(instanceID string, wait bool) bool {
	if wait {
		select {
		case s.advanceSem <- struct{}{}:
		case <-s.ctx.Done():
			return false
		}
	} else {
		select {
		case s.advanceSem <- struct{}{}:
		default:
			return false
		}
	}

	s.mu.Lock()
	if _, busy := s.inflight[instanceID]; busy {
		s.mu.Unlock()
		<-s.advanceSem
		return true
	}
	s.inflight[instanceID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, instanceID)
			s.mu.Unlock()
			<-s.advanceSem
		}()

		s.advance(instanceID)
	}()
	return true
}

func (s *Scheduler) advance(instanceID string) {
	if s.advancer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.AdvanceTimeout)
	defer cancel()

	start := time.Now()
	err := s.advancer.Advance(ctx, instanceID)

	event := AdvanceEvent{
		InstanceID: instanceID,
		Success:    err == nil,
		Timestamp:  start,
		Duration:   time.Since(start),
	}
	if err != nil {
		event.Error = err.Error()
		s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("advance failed")
	} else {
		s.logger.Debug().Str("instance_id", instanceID).Dur("duration", event.Duration).Msg("instance advanced")
	}
	s.recordAdvance(event)
}

func (s *Scheduler) recordAdvance(event AdvanceEvent) {
	s.statsMu.Lock()
	s.stats.TotalAdvances++
	if event.Success {
		s.stats.SuccessfulAdvances++
	} else {
		s.stats.FailedAdvances++
	}
	at := event.Timestamp
	s.stats.LastAdvanceAt = &at
	s.statsMu.Unlock()

	select {
	case s.advanceCh <- event:
	default:
	}
}
