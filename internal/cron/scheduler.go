// Package cron runs the periodic maintenance jobs (repair sweep, retention)
// on standard 5-field cron expressions.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is how often the loop checks for due jobs.
const DefaultInterval = time.Minute

// ErrJobRunning is returned by RunNow while the job is already executing.
var ErrJobRunning = errors.New("cron: job already running")

// Minute, hour, day of month, month, day of week.
var specParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Job is a named unit of periodic work. A zero Timeout leaves the run
// bounded only by the scheduler's context.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

// slot is the scheduler's bookkeeping for one job; guarded by Scheduler.mu.
type slot struct {
	Job
	sched   cronlib.Schedule
	next    time.Time
	last    time.Time
	lastErr error
	runs    int
	running bool
}

// Scheduler fires each job once per due slot. A job never overlaps itself;
// a slot that comes due while the previous run is still going is skipped.
type Scheduler struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	slots []*slot

	stop context.CancelFunc
	done chan struct{}
}

// NewScheduler parses every spec up front; a bad spec or a job without a
// Run func fails construction.
func NewScheduler(cfg Config) (*Scheduler, error) {
	s := &Scheduler{log: cfg.Logger, interval: cfg.Interval, now: cfg.Now}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}

	start := s.now()
	for _, j := range cfg.Jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("cron job %q: nil Run", j.Name)
		}
		if slices.ContainsFunc(s.slots, func(o *slot) bool { return o.Name == j.Name }) {
			return nil, fmt.Errorf("cron job %q registered twice", j.Name)
		}
		sched, err := specParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: spec %q: %w", j.Name, j.Spec, err)
		}
		s.slots = append(s.slots, &slot{Job: j, sched: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start runs the check loop in the background until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Tick(ctx)
			}
		}
	}()
	s.log.Info("cron scheduler started", "jobs", len(s.slots), "interval", s.interval)
}

// Stop cancels the loop and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.done
	s.log.Info("cron scheduler stopped")
}

// Tick runs every due job concurrently and returns when they have finished.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*slot
	for _, sl := range s.slots {
		if sl.next.After(now) {
			continue
		}
		// Missed slots collapse into this one run.
		sl.next = sl.sched.Next(now)
		if sl.running {
			s.log.Warn("cron job still running; slot skipped", "job", sl.Name, "next_run_at", sl.next)
			continue
		}
		sl.running = true
		due = append(due, sl)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sl := range due {
		g.Go(func() error {
			s.execute(ctx, sl, now)
			return nil
		})
	}
	_ = g.Wait()
}

// RunNow executes the named job immediately, leaving its schedule alone.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.slots, func(sl *slot) bool { return sl.Name == name })
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("cron: unknown job %q", name)
	}
	sl := s.slots[i]
	if sl.running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	sl.running = true
	s.mu.Unlock()
	return s.execute(ctx, sl, s.now())
}

func (s *Scheduler) execute(ctx context.Context, sl *slot, at time.Time) error {
	if sl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sl.Timeout)
		defer cancel()
	}
	began := time.Now()
	err := runGuarded(ctx, sl.Run)
	took := time.Since(began)

	s.mu.Lock()
	sl.running = false
	sl.last = at
	sl.lastErr = err
	sl.runs++
	next := sl.next
	s.mu.Unlock()

	if err != nil {
		s.log.ErrorContext(ctx, "cron job failed", "job", sl.Name, "duration", took, "next_run_at", next, "error", err)
		return err
	}
	s.log.InfoContext(ctx, "cron job done", "job", sl.Name, "duration", took, "next_run_at", next)
	return nil
}

// runGuarded reports a panicking job as an error.
func runGuarded(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

// JobStatus is the scheduler's view of one job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	NextRunAt time.Time `json:"next_run_at"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Running   bool      `json:"running,omitempty"`
}

func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.slots))
	for i, sl := range s.slots {
		out[i] = JobStatus{Name: sl.Name, Spec: sl.Spec, NextRunAt: sl.next, LastRunAt: sl.last, Runs: sl.runs, Running: sl.running}
		if sl.lastErr != nil {
			out[i].LastError = sl.lastErr.Error()
		}
	}
	return out
}

// NextRunTime returns the first activation of spec strictly after after.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
