package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a maintenance task run by the Sweeper.
type Job func(ctx context.Context) error

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a sweep schedule ("@every 5s", "*/10 * * * * *", ...).
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return nil
}

// NextRun computes the next activation of spec after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Sweeper runs named maintenance jobs on a cron schedule. A job still running
// when its next tick arrives is skipped for that tick.
type Sweeper struct {
	spec   string
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewSweeper creates a sweeper. logger may be nil.
func NewSweeper(spec string, logger *slog.Logger) (*Sweeper, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		spec:     spec,
		logger:   logger.With(slog.String("component", "sweeper")),
		jobs:     make(map[string]Job),
		inflight: make(map[string]struct{}),
	}, nil
}

// Add registers a job. Jobs added after Start run from the next tick.
func (s *Sweeper) Add(name string, job Job) {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
}

// Start launches the cron loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(specParser))
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(s.baseCtx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", slog.String("spec", s.spec))
	return nil
}

// Stop halts the loop and waits for running jobs.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.cancel()
	s.logger.Info("sweeper stopped")
}

// RunOnce runs every job once, in name order, skipping jobs already in flight.
// It returns how many jobs ran.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	jobs := make(map[string]Job, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	ran := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(name) {
			continue
		}
		if err := jobs[name](ctx); err != nil {
			s.logger.Error("sweep job failed", slog.String("job", name), slog.Any("error", err))
		}
		s.releaseJob(name)
		ran++
	}
	return ran
}

func (s *Sweeper) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Sweeper) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}
