// Package scheduler hosts all cron-driven work. Jobs are keyed strings;
// add/modify/remove are idempotent, and every job body runs inside the
// safe-job envelope so a crashing pull can never take the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/metrics"
)

// States reported by State.
const (
	StateStopped = "stopped"
	StateRunning = "running"
)

// Args carries the per-fire arguments of a job. Modify swaps them in place;
// the job closure reads the current value at fire time.
type Args struct {
	Symbols   []string
	Exchanges []string
}

// JobFunc is a scheduled job body.
type JobFunc func(ctx context.Context, args Args)

type entry struct {
	id   cron.EntryID
	spec string
	args Args
}

// Scheduler wraps a UTC cron with keyed, replaceable jobs.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Registry
	log     zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool
}

// New creates a stopped scheduler running in UTC.
func New(m *metrics.Registry) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
		jobs:    make(map[string]*entry),
	}
}

// Start begins firing triggers. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop suppresses new triggers without waiting for in-flight jobs. Safe to
// invoke repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.log.Info().Msg("Scheduler stopped")
}

// State returns the lifecycle state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return StateRunning
	}
	return StateStopped
}

// Add schedules fn under key with a 5-field UTC crontab shifted by offset.
// A positive offset delays the fire; a negative one fires early. An existing
// job with the same key is replaced.
func (s *Scheduler) Add(key, spec string, offset time.Duration, fn JobFunc) error {
	sched, err := parseOffset(spec, offset)
	if err != nil {
		return fmt.Errorf("invalid crontab %q for job %s: %w", spec, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[key]; ok {
		s.cron.Remove(old.id)
	}

	e := &entry{spec: spec}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		args := e.args
		s.mu.Unlock()
		s.runSafe(key, fn, args)
	}))
	s.jobs[key] = e
	s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.log.Info().Str("job", key).Str("cron", spec).Dur("offset", offset).Msg("Job scheduled")
	return nil
}

// Modify replaces the stored args of an existing job.
func (s *Scheduler) Modify(key string, args Args) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("no job with key %s", key)
	}
	e.args = args
	return nil
}

// SetArgs is Modify for a job that was just added.
func (s *Scheduler) SetArgs(key string, args Args) error { return s.Modify(key, args) }

// Remove unschedules a job. Removing an unknown key is a no-op.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return
	}
	s.cron.Remove(e.id)
	delete(s.jobs, key)
	s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.log.Info().Str("job", key).Msg("Job removed")
}

// Has reports whether a job key is scheduled.
func (s *Scheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Keys returns the scheduled job keys.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys
}

// runSafe is the safe-job envelope: panics are logged and swallowed, never
// propagated into the cron runner.
func (s *Scheduler) runSafe(key string, fn JobFunc, args Args) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.JobPanics.Inc()
			s.metrics.JobRuns.WithLabelValues(key, "panic").Inc()
			s.log.Error().Str("job", key).Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	s.log.Debug().Str("job", key).Msg("Job starting")
	fn(context.Background(), args)
	s.metrics.JobRuns.WithLabelValues(key, "ok").Inc()
	s.log.Debug().Str("job", key).Dur("elapsed", time.Since(start)).Msg("Job finished")
}

// offsetSchedule shifts a crontab's fire times by a signed offset.
type offsetSchedule struct {
	inner  cron.Schedule
	offset time.Duration
}

// Next returns the shifted fire time after t. Shifting the query instant by
// -offset before asking the inner schedule keeps the arithmetic correct for
// both signs.
func (o offsetSchedule) Next(t time.Time) time.Time {
	return o.inner.Next(t.Add(-o.offset)).Add(o.offset)
}

// parseOffset parses a standard 5-field crontab and wraps it with an offset.
func parseOffset(spec string, offset time.Duration) (cron.Schedule, error) {
	inner, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		return inner, nil
	}
	return offsetSchedule{inner: inner, offset: offset}, nil
}
