// Package daemon wires the long-running gradesync process: Local Store,
// sync queue, settings, remote backend, connectivity prober, sync engine,
// scheduler and the local HTTP API.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/gradesync/internal/api"
	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/config"
	"github.com/marcus/gradesync/internal/hybrid"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/netstatus"
	"github.com/marcus/gradesync/internal/remote"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncengine"
	"github.com/marcus/gradesync/internal/syncqueue"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	DataDir       string
	SchoolID      string
	Remote        remote.Config
	APIAddr       string
	ProbeInterval time.Duration
	Debounce      time.Duration
	SettingsPoll  time.Duration
}

// defaultSettingsPoll bounds how long a storage mode change made with the
// CLI takes to reach a running daemon.
const defaultSettingsPoll = 10 * time.Second

// passLockWait covers a one-shot CLI sync finishing while the daemon starts.
const passLockWait = 5 * time.Second

// ParamsFromConfig resolves Params from the loaded config file and env.
func ParamsFromConfig(c *config.Config) Params {
	return Params{
		DataDir:       c.GetDataDir(),
		SchoolID:      c.GetSchoolID(),
		Remote:        c.RemoteBackend(),
		APIAddr:       c.GetAPIAddr(),
		ProbeInterval: c.GetProbeInterval(),
		Debounce:      c.GetDebounce(),
	}
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideClock,
			provideStore,
			provideQueue,
			provideSettings,
			provideRemote,
			provideMonitor,
			provideEngine,
			provideScheduler,
			provideHybrid,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// Logger routes fx's own events through slog.
func Logger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		l := &fxevent.SlogLogger{Logger: slog.Default()}
		l.UseLogLevel(slog.LevelDebug)
		return l
	})
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideStore(lc fx.Lifecycle, p Params) (*localstore.Store, error) {
	store, err := localstore.Open(p.DataDir)
	if err != nil {
		return nil, err
	}
	version, _ := store.SchemaVersion()
	slog.Info("local store opened", "dir", p.DataDir, "schema", version)
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func provideQueue(store *localstore.Store) *syncqueue.Queue {
	return syncqueue.New(store)
}

func provideSettings(store *localstore.Store) (*settings.Controller, error) {
	return settings.New(context.Background(), store)
}

func provideRemote(lc fx.Lifecycle, p Params) (remote.Client, error) {
	client, closeFn, err := remote.Open(context.Background(), p.Remote)
	if err != nil {
		return nil, err
	}
	if p.Remote.Kind == remote.KindNone {
		slog.Warn("no remote backend configured, changes stay queued locally")
	} else {
		slog.Info("remote backend ready", "kind", p.Remote.Kind)
	}
	lc.Append(fx.StopHook(closeFn))
	return client, nil
}

// provideMonitor starts offline when the backend can be probed; the first
// probe runs during start.
func provideMonitor(client remote.Client, clk clock.Clock) *netstatus.Monitor {
	_, canPing := client.(remote.Pinger)
	return netstatus.NewMonitor(!canPing, clk)
}

func provideEngine(p Params, store *localstore.Store, queue *syncqueue.Queue, client remote.Client,
	mon *netstatus.Monitor, ctl *settings.Controller, clk clock.Clock) *syncengine.Engine {
	return syncengine.New(syncengine.Config{
		Store:    store,
		Queue:    queue,
		Remote:   client,
		Network:  mon,
		Settings: ctl,
		Clock:    clk,
		SchoolID: p.SchoolID,
	})
}

func provideScheduler(p Params, engine *syncengine.Engine, ctl *settings.Controller, mon *netstatus.Monitor, clk clock.Clock) *syncengine.Scheduler {
	poll := p.SettingsPoll
	if poll <= 0 {
		poll = defaultSettingsPoll
	}
	return syncengine.NewScheduler(syncengine.SchedulerConfig{
		Engine:       engine,
		Settings:     ctl,
		Network:      mon,
		Clock:        clk,
		Debounce:     p.Debounce,
		SettingsPoll: poll,
	})
}

func provideHybrid(store *localstore.Store, queue *syncqueue.Queue, ctl *settings.Controller, sched *syncengine.Scheduler) *hybrid.Store {
	return hybrid.New(store, queue, ctl, hybrid.WithNotify(sched.Trigger))
}

func provideServer(p Params, engine *syncengine.Engine, store *hybrid.Store, queue *syncqueue.Queue, ctl *settings.Controller) *api.Server {
	return api.NewServer(api.Config{ListenAddr: p.APIAddr, SchoolID: p.SchoolID}, api.Deps{
		Engine:   engine,
		Store:    store,
		Queue:    queue,
		Settings: ctl,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, store *localstore.Store, srv *api.Server, engine *syncengine.Engine,
	sched *syncengine.Scheduler, client remote.Client, mon *netstatus.Monitor, clk clock.Clock) {
	var (
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		passLock *localstore.PassLock
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lock, err := store.AcquirePassLock(passLockWait)
			if err != nil {
				return err
			}
			passLock = lock

			// Entries left syncing by a crashed process go back to pending.
			if err := engine.Recover(ctx); err != nil {
				passLock.Release()
				return err
			}

			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop

			wg.Add(1)
			go func() {
				defer wg.Done()
				sched.Run(runCtx)
			}()

			if pinger, ok := client.(remote.Pinger); ok {
				prober := &netstatus.Prober{Pinger: pinger, Monitor: mon, Interval: p.ProbeInterval, Clock: clk}
				prober.Probe(ctx)
				wg.Add(1)
				go func() {
					defer wg.Done()
					prober.Run(runCtx)
				}()
			}
			// Drain whatever an earlier run left queued.
			sched.Trigger()

			if err := srv.Start(); err != nil {
				stop()
				wg.Wait()
				passLock.Release()
				return err
			}
			slog.Info("daemon started", "addr", srv.Addr().String())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			if passLock != nil {
				passLock.Release()
			}
			slog.Info("daemon stopped")
			return err
		},
	})
}
