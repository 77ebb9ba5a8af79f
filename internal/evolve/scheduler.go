package evolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives the evolver on an interval. A failed run must never
// wedge the schedule: panics are recovered and the ticker keeps going.
type Scheduler struct {
	evolver  *Evolver
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a Scheduler running the evolver every interval.
func NewScheduler(evolver *Evolver, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		evolver:  evolver,
		interval: interval,
		timeout:  time.Hour,
		logger:   logger,
	}
}

// Start begins the schedule. Returns an error when already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("evolution scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop gracefully stops the schedule. Calling Stop on a stopped scheduler
// is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) run(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) runOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("evolution run panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.evolver.Run(ctx)
	switch {
	case errors.Is(err, ErrLockHeld):
		s.logger.Info("skipping evolution run, lock held elsewhere")
	case err != nil:
		s.logger.Error("evolution run failed", zap.Error(err))
	case !result.Succeeded():
		s.logger.Warn("evolution run completed with failed phases",
			zap.Any("phases_failed", result.PhasesFailed),
		)
	}
}
