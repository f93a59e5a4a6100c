// Package scheduler runs the engine's periodic background sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc performs one sweep as of now and reports how many records it
// acted on. Controller.SweepTimeouts and Tracker.Sweep have this shape.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// ErrInFlight is returned by RunNow when the job is already running.
var ErrInFlight = errors.New("sweep already in flight")

type job struct {
	name  string
	spec  string
	sweep SweepFunc
}

// Scheduler runs registered sweeps on cron schedules. A sweep never overlaps
// with itself; a tick that finds it still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	jobs   []job
	ctx    context.Context
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	catchUp    sync.WaitGroup
}

// New creates a Scheduler. Specs accept an optional leading seconds field
// and descriptors such as "@every 30s".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:   parser,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Add registers sweep under name to run on spec.
func (s *Scheduler) Add(name, spec string, sweep SweepFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("sweep %q already registered", name)
		}
	}
	if _, err := s.cron.AddFunc(spec, func() { s.tick(name, sweep) }); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, sweep: sweep})
	return nil
}

// Start runs every sweep once to catch up on anything missed while down,
// then follows the schedules until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		s.catchUp.Add(1)
		go func(j job) {
			defer s.catchUp.Done()
			s.tick(j.name, j.sweep)
		}(j)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("sweeps", len(jobs)))
	return nil
}

// Stop halts the schedules and waits for running sweeps.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-s.cron.Stop().Done()
	s.catchUp.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named sweep synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	sweep, ok := s.lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown sweep %q", name)
	}
	if !s.tryAcquire(name) {
		return 0, ErrInFlight
	}
	defer s.release(name)
	return sweep(ctx, s.now())
}

// NextRun returns when spec fires next after from.
func (s *Scheduler) NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tick(name string, sweep SweepFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if !s.tryAcquire(name) {
		s.logger.Debug("sweep still running, skipping tick", slog.String("sweep", name))
		return
	}
	defer s.release(name)

	start := s.now()
	n, err := sweep(ctx, start)
	if err != nil {
		s.logger.Error("sweep failed",
			slog.String("sweep", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Info("sweep acted",
			slog.String("sweep", name),
			slog.Int("count", n),
			slog.Duration("took", s.now().Sub(start)),
		)
	}
}

func (s *Scheduler) lookup(name string) (SweepFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.sweep, true
		}
	}
	return nil, false
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}
