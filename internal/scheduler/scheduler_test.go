package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/XavierBriggs/Argus/internal/coordinator"
	"github.com/XavierBriggs/Argus/pkg/models"
)

type fakeSettings struct {
	set models.Settings
	err error
}

func (f *fakeSettings) LoadSettings(context.Context) (models.Settings, error) {
	return f.set, f.err
}

type fakeMaintainer struct {
	cleanups atomic.Int32
	marked   atomic.Int32
}

func (f *fakeMaintainer) Cleanup(context.Context, models.Settings, time.Time) error {
	f.cleanups.Add(1)
	return nil
}

func (f *fakeMaintainer) MarkPastAlerts(context.Context, time.Time) (int64, error) {
	f.marked.Add(1)
	return 0, nil
}

// fakeRunner yields a minimal two-element progress sequence per cycle.
type fakeRunner struct {
	mu      sync.Mutex
	cycles  int
	err     error
	running atomic.Bool
	counts  models.CycleCounts
}

func (f *fakeRunner) Run(ctx context.Context, set models.Settings) (<-chan models.Progress, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.cycles++
	f.mu.Unlock()

	ch := make(chan models.Progress, 2)
	ch <- models.Progress{Kind: models.ProgressDiscoveryStarted, At: time.Now()}
	counts := f.counts
	ch <- models.Progress{Kind: models.ProgressCycleComplete, At: time.Now(), Counts: &counts}
	close(ch)
	return ch, nil
}

func (f *fakeRunner) Running() bool { return f.running.Load() }

func (f *fakeRunner) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeBroadcaster) Publish(topic, msgType string, data any) {
	f.mu.Lock()
	f.messages = append(f.messages, topic+"/"+msgType)
	f.mu.Unlock()
}

func (f *fakeBroadcaster) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func newTestScheduler(runner CycleRunner, bc Broadcaster) (*Scheduler, *fakeMaintainer) {
	set := models.DefaultSettings()
	set.ScrapeInterval = time.Hour // scheduled laps never fire in tests
	maint := &fakeMaintainer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&fakeSettings{set: set}, maint, runner, bc, logger), maint
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStart_RunsImmediateCycleAndMaintenance(t *testing.T) {
	runner := &fakeRunner{counts: models.CycleCounts{Events: 3}}
	bc := &fakeBroadcaster{}
	s, maint := newTestScheduler(runner, bc)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return runner.cycleCount() == 1 }, "first cycle never ran")
	waitFor(t, func() bool { return maint.cleanups.Load() == 1 }, "maintenance never ran")

	waitFor(t, func() bool { return len(bc.all()) == 2 }, "progress was not forwarded")
	msgs := bc.all()
	if msgs[0] != "scrape_progress/discovery_started" || msgs[1] != "scrape_progress/cycle_complete" {
		t.Errorf("unexpected broadcast sequence %v", msgs)
	}

	waitFor(t, func() bool { return s.Status().LastCycle != nil }, "last cycle was not recorded")
	last := s.Status().LastCycle
	if last.Counts == nil || last.Counts.Events != 3 {
		t.Errorf("last cycle counts %+v", last.Counts)
	}
	if last.Error != "" {
		t.Errorf("unexpected error %q", last.Error)
	}
}

func TestTriggerNow(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(runner, &fakeBroadcaster{})

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return runner.cycleCount() == 1 }, "first cycle never ran")

	if err := s.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	waitFor(t, func() bool { return runner.cycleCount() == 2 }, "triggered cycle never ran")
}

func TestTriggerNow_RejectedWhileCycleRuns(t *testing.T) {
	runner := &fakeRunner{}
	runner.running.Store(true)
	s, _ := newTestScheduler(runner, &fakeBroadcaster{})

	if err := s.TriggerNow(); !errors.Is(err, coordinator.ErrCycleRunning) {
		t.Errorf("expected ErrCycleRunning, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(runner, &fakeBroadcaster{})

	if err := s.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("pausing a stopped scheduler should fail, got %v", err)
	}
	if err := s.Resume(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("resuming a stopped scheduler should fail, got %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return runner.cycleCount() == 1 }, "first cycle never ran")

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := s.Status().State; got != StatePaused {
		t.Errorf("state %s, want PAUSED", got)
	}

	// No new cycle starts while paused, manual triggers included.
	if err := s.TriggerNow(); !errors.Is(err, ErrPaused) {
		t.Errorf("TriggerNow while paused should be rejected, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := runner.cycleCount(); got != 1 {
		t.Errorf("paused scheduler started a cycle, count %d", got)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := s.Status().State; got != StateRunning {
		t.Errorf("state %s, want RUNNING", got)
	}

	// Resumed, triggers work again.
	if err := s.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow after resume: %v", err)
	}
	waitFor(t, func() bool { return runner.cycleCount() == 2 }, "resumed trigger never ran")
}

func TestTriggerQueuedBeforePauseIsDropped(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(runner, &fakeBroadcaster{})

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return runner.cycleCount() == 1 }, "first cycle never ran")

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// A trigger that slipped into the channel before the pause landed is
	// dropped by the loop, not run.
	s.trigger <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	if got := runner.cycleCount(); got != 1 {
		t.Errorf("stale trigger ran a cycle while paused, count %d", got)
	}
}

func TestStop(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(runner, &fakeBroadcaster{})

	s.Start(context.Background())
	waitFor(t, func() bool { return runner.cycleCount() == 1 }, "first cycle never ran")
	s.Stop()

	if got := s.Status().State; got != StateStopped {
		t.Errorf("state %s, want STOPPED", got)
	}
}

func TestRunCycle_SkipsWhenAlreadyRunning(t *testing.T) {
	runner := &fakeRunner{err: coordinator.ErrCycleRunning}
	bc := &fakeBroadcaster{}
	s, _ := newTestScheduler(runner, bc)

	s.Start(context.Background())
	defer s.Stop()

	// The overlapping start is swallowed quietly; nothing broadcasts.
	time.Sleep(50 * time.Millisecond)
	if msgs := bc.all(); len(msgs) != 0 {
		t.Errorf("rejected cycle must not broadcast, got %v", msgs)
	}
}
