// Package scheduler runs named jobs on a fixed interval from an injectable clock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Job func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	job      Job
}

// Scheduler runs every registered job once at Start and then on each tick.
// A job never overlaps with itself: a tick that arrives mid-run is dropped.
type Scheduler struct {
	clock clockwork.Clock
	log   *zap.Logger
	tasks []task
	wg    sync.WaitGroup
}

func New(clock clockwork.Clock, log *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, log: log}
}

// Every registers job. It must be called before Start.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, job: job})
}

// Start launches one goroutine per job; they stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()
	tick := s.clock.NewTicker(t.interval)
	defer tick.Stop()

	s.run(ctx, t)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("job stopped", zap.String("job", t.name))
			return
		case <-tick.Chan():
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("job", t.name), zap.Any("panic", r))
		}
	}()
	start := s.clock.Now()
	if err := t.job(ctx); err != nil {
		s.log.Error("job failed", zap.String("job", t.name), zap.Error(err))
		return
	}
	s.log.Debug("job done", zap.String("job", t.name), zap.Duration("took", s.clock.Since(start)))
}
