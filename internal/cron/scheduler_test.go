package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	var runs atomic.Int32
	s, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "sweep", Spec: "*/5 * * * *", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	s.Tick(ctx)
	if runs.Load() != 0 {
		t.Fatalf("job fired before its first slot")
	}
	clock.Advance(5 * time.Minute)
	s.Tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
	s.Tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("job fired twice in the same slot")
	}

	st := s.Status()
	if len(st) != 1 || st[0].Runs != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	want := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)
	if !st[0].NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", st[0].NextRunAt, want)
	}
}

func TestScheduler_RecordsJobError(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "broken", Spec: "* * * * *", Run: func(context.Context) error {
			return errors.New("disk full")
		}}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clock.Advance(time.Minute)
	s.Tick(context.Background())
	if st := s.Status(); st[0].LastError != "disk full" {
		t.Fatalf("expected recorded error, got %+v", st[0])
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "bad", Spec: "every tuesday", Run: func(context.Context) error { return nil }}},
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	var runs atomic.Int32
	clock := &manualClock{now: time.Now()}
	s, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "tick", Spec: "* * * * *", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}},
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clock.Advance(2 * time.Minute)
	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 })
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	var runs atomic.Int32
	s, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "retention", Spec: "0 3 * * *", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := s.RunNow(context.Background(), "retention"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestScheduler_SkipsSlotWhileRunning(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32
	s, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "slow", Spec: "* * * * *", Run: func(context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			return nil
		}}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	clock.Advance(time.Minute)
	firstDone := make(chan struct{})
	go func() {
		s.Tick(ctx)
		close(firstDone)
	}()
	<-started

	if err := s.RunNow(ctx, "slow"); !errors.Is(err, cron.ErrJobRunning) {
		t.Fatalf("RunNow during a run = %v, want ErrJobRunning", err)
	}
	clock.Advance(time.Minute)
	s.Tick(ctx)
	if st := s.Status(); !st[0].Running || runs.Load() != 1 {
		t.Fatalf("overlapping slot fired: runs=%d status=%+v", runs.Load(), st[0])
	}

	close(release)
	<-firstDone
	if st := s.Status(); st[0].Running || st[0].Runs != 1 {
		t.Fatalf("status after run = %+v", st[0])
	}
}

func TestScheduler_PanicAndTimeoutBecomeErrors(t *testing.T) {
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "panics", Spec: "0 * * * *", Run: func(context.Context) error { panic("boom") }},
		{Name: "hangs", Spec: "0 * * * *", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()
	if err := s.RunNow(ctx, "panics"); err == nil || err.Error() != "panic: boom" {
		t.Fatalf("panicking job err = %v", err)
	}
	if err := s.RunNow(ctx, "hangs"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("hanging job err = %v", err)
	}
	for _, st := range s.Status() {
		if st.LastError == "" || st.Running {
			t.Fatalf("status = %+v", st)
		}
	}
}

func TestScheduler_DuplicateName(t *testing.T) {
	run := func(context.Context) error { return nil }
	_, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "repair", Spec: "* * * * *", Run: run},
		{Name: "repair", Spec: "0 3 * * *", Run: run},
	}})
	if err == nil {
		t.Fatal("expected duplicate job name to fail")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("30 2 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := cron.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeRepairer struct {
	report integrity.RepairReport
	err    error
}

func (f fakeRepairer) Repair(context.Context, integrity.RepairRequest) (integrity.RepairReport, error) {
	return f.report, f.err
}

func TestRepairJob_PublishesReport(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRepairCompleted)
	defer b.Unsubscribe(sub)

	job := cron.RepairJob("*/5 * * * *", fakeRepairer{report: integrity.RepairReport{Scanned: 3, Terminalized: 2, SkippedIncompletePipeline: 1}}, b, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(bus.RepairCompleted)
		if !ok || got.Scanned != 3 || got.Terminalized != 2 || got.Incomplete != 1 {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no repair event published")
	}

	failing := cron.RepairJob("*/5 * * * *", fakeRepairer{err: errors.New("db gone")}, b, nil)
	if err := failing.Run(context.Background()); err == nil {
		t.Fatal("expected repair error to surface")
	}
}

func TestRetentionJob_PurgesExpiredState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Set(ctx, "scratch", []byte(`1`), time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	b := bus.New()
	sub := b.Subscribe(bus.TopicRetentionPurged)
	defer b.Unsubscribe(sub)

	job := cron.RetentionJob("0 3 * * *", store, 30, 90, b, nil)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.RetentionPurged)
		if got.StateEntries != 1 {
			t.Fatalf("expected 1 purged state entry, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no retention event published")
	}
}
