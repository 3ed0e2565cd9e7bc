// Package scheduler drives the pipeline: it runs a cycle every scrape
// interval, forwards the cycle's progress to the broadcaster, and hosts
// the retention maintenance job. Operators can pause, resume, and
// trigger cycles out of band.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/coordinator"
	"github.com/XavierBriggs/Argus/pkg/models"
)

// State is the scheduler's operator-visible lifecycle.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// ErrNotRunning is returned by Pause and Resume when the scheduler is
// stopped.
var ErrNotRunning = errors.New("scheduler not running")

// ErrPaused is returned by TriggerNow while the scheduler is paused.
var ErrPaused = errors.New("scheduler paused")

// SettingsSource loads the settings snapshot taken at each cycle start.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (models.Settings, error)
}

// Maintainer is the retention surface of the store.
type Maintainer interface {
	Cleanup(ctx context.Context, set models.Settings, now time.Time) error
	MarkPastAlerts(ctx context.Context, now time.Time) (int64, error)
}

// CycleRunner starts scrape cycles. Satisfied by the coordinator.
type CycleRunner interface {
	Run(ctx context.Context, set models.Settings) (<-chan models.Progress, error)
	Running() bool
}

// Broadcaster receives progress envelopes.
type Broadcaster interface {
	Publish(topic, msgType string, data any)
}

// CycleStatus is the last cycle's outcome, surfaced by the API.
type CycleStatus struct {
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Counts     *models.CycleCounts `json:"counts,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Status is the scheduler snapshot returned to operators.
type Status struct {
	State        State        `json:"state"`
	CycleRunning bool         `json:"cycle_running"`
	LastCycle    *CycleStatus `json:"last_cycle,omitempty"`
}

// Scheduler owns the cycle timer and the maintenance ticker.
type Scheduler struct {
	settings    SettingsSource
	maintainer  Maintainer
	runner      CycleRunner
	broadcaster Broadcaster
	logger      *slog.Logger

	maintenanceInterval time.Duration

	mu        sync.Mutex
	state     State
	lastCycle *CycleStatus

	trigger  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped scheduler.
func New(settings SettingsSource, maintainer Maintainer, runner CycleRunner, broadcaster Broadcaster, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		settings:            settings,
		maintainer:          maintainer,
		runner:              runner,
		broadcaster:         broadcaster,
		logger:              logger,
		maintenanceInterval: time.Hour,
		state:               StateStopped,
		trigger:             make(chan struct{}, 1),
		stopChan:            make(chan struct{}),
	}
}

// Start launches the cycle loop and the maintenance loop. The first
// cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.cycleLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx)
	}()
}

// Stop shuts both loops down and waits for an in-flight cycle's
// progress consumption to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

// Pause suspends new cycles, scheduled and manual alike. A cycle
// already running finishes.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrNotRunning
	}
	s.state = StatePaused
	return nil
}

// Resume reinstates scheduled cycles.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrNotRunning
	}
	s.state = StateRunning
	return nil
}

// TriggerNow requests an immediate cycle. Rejected while one is already
// running and while the scheduler is paused.
func (s *Scheduler) TriggerNow() error {
	if s.paused() {
		return ErrPaused
	}
	if s.runner.Running() {
		return coordinator.ErrCycleRunning
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the current scheduler snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		CycleRunning: s.runner.Running(),
		LastCycle:    s.lastCycle,
	}
}

func (s *Scheduler) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePaused
}

// cycleLoop runs one cycle, sleeps the configured interval, repeats.
// The interval is re-read from settings every lap, so changes apply
// without a restart.
func (s *Scheduler) cycleLoop(ctx context.Context) {
	s.runCycle(ctx)

	for {
		interval := s.interval(ctx)
		select {
		case <-time.After(interval):
			if s.paused() {
				continue
			}
			s.runCycle(ctx)
		case <-s.trigger:
			// A trigger accepted just before Pause is dropped too.
			if s.paused() {
				continue
			}
			s.runCycle(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	set, err := s.settings.LoadSettings(ctx)
	if err != nil || set.ScrapeInterval <= 0 {
		return models.DefaultSettings().ScrapeInterval
	}
	return set.ScrapeInterval
}

// runCycle snapshots settings, starts one cycle, and forwards every
// progress element to the broadcaster.
func (s *Scheduler) runCycle(ctx context.Context) {
	set, err := s.settings.LoadSettings(ctx)
	if err != nil {
		s.logger.Error("settings load failed, skipping cycle", "error", err)
		return
	}

	progress, err := s.runner.Run(ctx, set)
	if err != nil {
		if errors.Is(err, coordinator.ErrCycleRunning) {
			return
		}
		s.logger.Error("cycle start failed", "error", err)
		return
	}

	status := &CycleStatus{StartedAt: time.Now().UTC()}
	for p := range progress {
		s.broadcaster.Publish(broadcast.TopicScrapeProgress, string(p.Kind), p)
		if p.Kind == models.ProgressCycleComplete {
			status.Counts = p.Counts
			status.Error = p.Error
		}
	}
	status.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.lastCycle = status
	s.mu.Unlock()

	if status.Error != "" {
		s.logger.Error("cycle finished with error", "error", status.Error)
	} else if status.Counts != nil {
		s.logger.Info("cycle finished",
			"events", status.Counts.Events,
			"batches", status.Counts.Batches,
			"changed", status.Counts.Changed,
			"alerts", status.Counts.Alerts,
			"elapsed", status.FinishedAt.Sub(status.StartedAt))
	}
}

// maintenanceLoop applies retention and rolls alert statuses on a slow
// ticker, independent of the scrape cadence.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	s.runMaintenance(ctx)

	for {
		select {
		case <-ticker.C:
			s.runMaintenance(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	now := time.Now().UTC()

	set, err := s.settings.LoadSettings(ctx)
	if err != nil {
		s.logger.Error("maintenance settings load failed", "error", err)
		return
	}

	if err := s.maintainer.Cleanup(ctx, set, now); err != nil {
		s.logger.Error("retention cleanup failed", "error", err)
	}

	marked, err := s.maintainer.MarkPastAlerts(ctx, now)
	if err != nil {
		s.logger.Error("marking past alerts failed", "error", err)
	} else if marked > 0 {
		s.logger.Info("marked alerts past kickoff", "count", marked)
	}
}
