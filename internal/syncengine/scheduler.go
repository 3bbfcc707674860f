package syncengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/netstatus"
	"github.com/marcus/gradesync/internal/settings"
)

const defaultDebounce = 3 * time.Second

// Scheduler runs sync passes automatically:
//   - every syncInterval while autoSync is on and the mode is not local,
//   - once on every offline to online transition (mode not local),
//   - shortly after Trigger, coalescing bursts of mutations.
//
// Settings changes take effect immediately; switching to local mode stops
// all automatic passes. Each gate check re-reads the persisted settings, and
// with SettingsPoll set they are also re-read periodically, so changes made
// by another process (the CLI) apply to a running scheduler.
type Scheduler struct {
	engine   *Engine
	settings *settings.Controller
	net      *netstatus.Monitor
	clock    clock.Clock
	debounce time.Duration
	poll     time.Duration

	trigger chan struct{}
	// passDone, when set, receives after every automatic pass (tests).
	passDone chan<- PassResult
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Engine   *Engine
	Settings *settings.Controller
	Network  *netstatus.Monitor
	Clock    clock.Clock
	Debounce time.Duration

	// SettingsPoll re-reads the stored settings this often; zero disables.
	SettingsPoll time.Duration
}

// NewScheduler creates a scheduler. Call Run to start it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Scheduler{
		engine:   cfg.Engine,
		settings: cfg.Settings,
		net:      cfg.Network,
		clock:    clk,
		debounce: debounce,
		poll:     cfg.SettingsPoll,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a pass soon. Calls made before the pass starts coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	settingsCh, cancelSettings := s.settings.Subscribe()
	defer cancelSettings()
	netCh, cancelNet := s.net.Subscribe(4)
	defer cancelNet()

	current := s.settings.Get()

	var interval clock.Ticker
	var intervalC <-chan time.Time
	stopInterval := func() {
		if interval != nil {
			interval.Stop()
			interval = nil
			intervalC = nil
		}
	}
	startInterval := func(st models.StorageSettings) {
		stopInterval()
		if st.AutoSyncActive() {
			interval = s.clock.NewTicker(st.Interval())
			intervalC = interval.C()
			slog.Debug("auto-sync scheduled", "every", st.Interval())
		}
	}
	startInterval(current)
	defer stopInterval()

	var pollC <-chan time.Time
	if s.poll > 0 {
		poll := s.clock.NewTicker(s.poll)
		defer poll.Stop()
		pollC = poll.C()
	}

	var debounce clock.Ticker
	var debounceC <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceC = nil
		}
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return

		case st, ok := <-settingsCh:
			if !ok {
				return
			}
			if st.AutoSyncActive() != current.AutoSyncActive() || st.SyncInterval != current.SyncInterval {
				startInterval(st)
			}
			if st.StorageMode == models.ModeLocal {
				stopDebounce()
			}
			current = st

		case tr, ok := <-netCh:
			if !ok {
				return
			}
			if tr.Reconnected() && s.gate(ctx).StorageMode.MirrorsRemote() {
				slog.Info("back online, syncing")
				s.runPass(ctx, "reconnect")
			}

		case <-s.trigger:
			if debounce == nil && current.StorageMode.MirrorsRemote() {
				debounce = s.clock.NewTicker(s.debounce)
				debounceC = debounce.C()
			}

		case <-debounceC:
			stopDebounce()
			if s.gate(ctx).StorageMode.MirrorsRemote() {
				s.runPass(ctx, "trigger")
			}

		case <-intervalC:
			// Re-check the gate: settings may have changed since the
			// ticker was armed.
			if !s.gate(ctx).AutoSyncActive() {
				continue
			}
			s.runPass(ctx, "interval")

		case <-pollC:
			// A change is delivered on settingsCh.
			s.gate(ctx)
		}
	}
}

// gate returns the stored settings, falling back to the cached copy when
// they cannot be read.
func (s *Scheduler) gate(ctx context.Context) models.StorageSettings {
	st, err := s.settings.Refresh(ctx)
	if err != nil {
		slog.Warn("reload storage settings", "err", err)
		return s.settings.Get()
	}
	return st
}

func (s *Scheduler) runPass(ctx context.Context, reason string) {
	res, err := s.engine.SyncPendingChanges(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("auto-sync failed", "reason", reason, "err", err)
		}
		return
	}
	slog.Debug("auto-sync pass", "reason", reason, "synced", res.Synced, "failed", res.Failed)
	if s.passDone != nil {
		select {
		case s.passDone <- res:
		case <-ctx.Done():
		}
	}
}
