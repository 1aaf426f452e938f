package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/logger"

	"dlab/internal/domain"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
)

// Ticker runs one bounded timer step for a stage: evaluate, wait, re-check,
// then checkpoint or end. It returns false once there is nothing left to do.
type Ticker interface {
	UpdateTimeElapsed(ctx context.Context, key domain.StageKey) (bool, error)
}

// Scheduler keeps one timer loop per stage until it ends or is stopped.
type Scheduler struct {
	ticker     Ticker
	sleep      func(context.Context, time.Duration) error
	minBackoff time.Duration
	maxBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	loops  map[domain.StageKey]struct{}
}

type SchedulerOption func(*Scheduler)

// WithSleep replaces the wait used between failed steps.
func WithSleep(fn func(context.Context, time.Duration) error) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

func WithBackoff(minWait, maxWait time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.minBackoff = minWait
		s.maxBackoff = maxWait
	}
}

func NewScheduler(ctx context.Context, t Ticker, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ticker:     t,
		sleep:      SleepContext,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		ctx:        ctx,
		cancel:     cancel,
		loops:      make(map[domain.StageKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule starts a loop for key unless one is already running.
func (s *Scheduler) Schedule(key domain.StageKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.loops[key]; ok {
		return false
	}
	s.loops[key] = struct{}{}
	s.wg.Add(1)
	go s.run(key)
	return true
}

func (s *Scheduler) Running(key domain.StageKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[key]
	return ok
}

// Stop cancels every loop and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every loop has returned on its own.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(key domain.StageKey) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.loops, key)
		s.mu.Unlock()
	}()
	backoff := s.minBackoff
	for {
		more, err := s.ticker.UpdateTimeElapsed(s.ctx, key)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warningf("timer %s: step failed, retrying in %s: %v", key, backoff, err)
			if s.sleep(s.ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}
		backoff = s.minBackoff
		if !more {
			logger.Infof("timer %s: stopped", key)
			return
		}
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
