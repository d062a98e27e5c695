// Package keepalive drives the control loop: tick, fetch a valid session,
// touch presence, decide backoff. One logical loop, ticks never overlap,
// and every network call is bounded by the configured request timeout so a
// hung call cannot stall the cadence.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/internal/config"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
	"github.com/alwaysgreen/go-teams-keepalive/presence"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// State is the scheduler's lifecycle position. Stopped is terminal: a new
// scheduler instance is required to run again.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// SessionProvider is the guardian surface the scheduler depends on.
type SessionProvider interface {
	GetValidSession(ctx context.Context) (*msauth.SessionHandle, error)
	Invalidate()
}

// Toucher is the actuator surface the scheduler depends on.
type Toucher interface {
	Touch(ctx context.Context, handle *msauth.SessionHandle) presence.Result
}

// Scheduler owns the retry policy. Success resets the backoff to base;
// network errors and throttling double it up to the cap, with any
// server-supplied retry-after hint taking precedence when it is longer.
// A fatal authentication failure is the only path on which the scheduler
// halts itself.
type Scheduler struct {
	sessions       SessionProvider
	toucher        Toucher
	tickInterval   time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
	logger         zerolog.Logger

	lock                sync.Mutex
	state               State
	consecutiveFailures int
	currentBackoff      time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option defines a function type to modify the Scheduler instance.
type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates an idle scheduler. Intervals come from config: the
// tick interval must undercut the presence service's away-detection window,
// which is the operator's knowledge, not ours.
func NewScheduler(sessions SessionProvider, toucher Toucher, cfg config.KeepAliveConfig, options ...Option) (*Scheduler, error) {
	if sessions == nil {
		return nil, errors.New("[NewScheduler] session provider is required")
	}
	if toucher == nil {
		return nil, errors.New("[NewScheduler] presence toucher is required")
	}
	if cfg.GetTickInterval() <= 0 {
		return nil, errors.New("[NewScheduler] tick interval must be positive")
	}
	if cfg.GetBaseBackoff() <= 0 || cfg.GetMaxBackoff() <= 0 {
		return nil, errors.New("[NewScheduler] backoff bounds must be positive")
	}
	if cfg.GetMaxBackoff() < cfg.GetBaseBackoff() {
		return nil, errors.New("[NewScheduler] max backoff must not undercut the base")
	}
	if cfg.GetRequestTimeout() <= 0 {
		return nil, errors.New("[NewScheduler] request timeout must be positive")
	}

	scheduler := &Scheduler{
		sessions:       sessions,
		toucher:        toucher,
		tickInterval:   cfg.GetTickInterval(),
		baseBackoff:    cfg.GetBaseBackoff(),
		maxBackoff:     cfg.GetMaxBackoff(),
		requestTimeout: cfg.GetRequestTimeout(),
		logger:         zerolog.Nop(),
		state:          StateIdle,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	scheduler.currentBackoff = scheduler.baseBackoff
	for _, opt := range options {
		opt(scheduler)
	}
	return scheduler, nil
}

// Start transitions Idle -> Running and arms the tick loop. The first tick
// fires immediately so presence is asserted at startup, not one interval
// later. Starting from any other state is an error; there is no
// resurrection from Stopped.
func (s *Scheduler) Start() error {
	s.lock.Lock()
	if s.state != StateIdle {
		defer s.lock.Unlock()
		return errors.Errorf("[Scheduler.Start] cannot start from state %q", s.state)
	}
	s.state = StateRunning
	s.lock.Unlock()

	s.logger.Info().Dur("tick_interval", s.tickInterval).Msg("keep-alive started")
	go s.run()
	return nil
}

// Stop requests a cooperative shutdown: any in-flight tick finishes, no new
// tick starts. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	if s.state == StateIdle {
		s.state = StateStopped
		s.lock.Unlock()
		close(s.doneCh)
		return
	}
	s.lock.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Done is closed once the scheduler reaches Stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Scheduler) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Scheduler) ConsecutiveFailures() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.consecutiveFailures
}

func (s *Scheduler) CurrentBackoff() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.currentBackoff
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	defer s.setState(StateStopped)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			s.setState(StateStopping)
			return
		case <-timer.C:
		}

		// Honour stop before starting network I/O.
		select {
		case <-s.stopCh:
			s.setState(StateStopping)
			return
		default:
		}

		next, fatal := s.tick()
		if fatal {
			s.setState(StateStopping)
			return
		}
		timer.Reset(next)
	}
}

// tick runs one guardian -> actuator round and returns how long to wait for
// the next one. fatal is true only for unrecoverable auth failures.
func (s *Scheduler) tick() (next time.Duration, fatal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	handle, err := s.sessions.GetValidSession(ctx)
	if err != nil {
		var authErr *msauth.AuthError
		if errors.As(err, &authErr) && authErr.Fatal() {
			s.logger.Error().Err(err).Msg("halting: credential can never succeed")
			return 0, true
		}
		s.logger.Warn().Err(err).Msg("session unavailable this tick")
		return s.failureDelay(0), false
	}

	result := s.toucher.Touch(ctx, handle)
	switch result.Outcome {
	case presence.Success:
		s.lock.Lock()
		s.consecutiveFailures = 0
		s.currentBackoff = s.baseBackoff
		s.lock.Unlock()
		s.logger.Debug().Msg("presence touched")
		return s.tickInterval, false

	case presence.RateLimited:
		delay := s.failureDelay(result.RetryAfter)
		s.logger.Warn().Dur("delay", delay).Msg("throttled, deferring next touch")
		return delay, false

	default:
		if result.Unauthorized {
			s.sessions.Invalidate()
		}
		delay := s.failureDelay(0)
		s.logger.Warn().Dur("delay", delay).Int("consecutive_failures", s.ConsecutiveFailures()).Msg("presence touch failed")
		return delay, false
	}
}

// failureDelay doubles the backoff up to the cap and returns the effective
// wait, honouring a longer server-supplied retry-after hint.
func (s *Scheduler) failureDelay(retryAfter time.Duration) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.consecutiveFailures++
	s.currentBackoff = min(s.currentBackoff*2, s.maxBackoff)

	return max(s.currentBackoff, retryAfter)
}

func (s *Scheduler) setState(state State) {
	s.lock.Lock()
	previous := s.state
	if previous == StateStopped {
		s.lock.Unlock()
		return
	}
	s.state = state
	s.lock.Unlock()

	if previous != state {
		s.logger.Info().Str("from", string(previous)).Str("to", string(state)).Msg("scheduler state change")
	}
}
