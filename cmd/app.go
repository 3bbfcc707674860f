package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/hybrid"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/netstatus"
	"github.com/marcus/gradesync/internal/output"
	"github.com/marcus/gradesync/internal/remote"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncengine"
	"github.com/marcus/gradesync/internal/syncqueue"
)

// app is the component stack for one CLI invocation. The remote side
// (client, monitor, engine) is only built when a command needs it.
type app struct {
	local    *localstore.Store
	queue    *syncqueue.Queue
	settings *settings.Controller
	store    *hybrid.Store

	remote      remote.Client
	closeRemote func() error
	net         *netstatus.Monitor
	engine      *syncengine.Engine
}

func openApp(ctx context.Context, withRemote bool) (*app, error) {
	local, err := localstore.Open(dataDir())
	if err != nil {
		return nil, err
	}
	ctl, err := settings.New(ctx, local)
	if err != nil {
		local.Close()
		return nil, err
	}
	a := &app{
		local:    local,
		queue:    syncqueue.New(local),
		settings: ctl,
	}
	a.store = hybrid.New(local, a.queue, ctl)
	if !withRemote {
		return a, nil
	}

	client, closeFn, err := remote.Open(ctx, cfg.RemoteBackend())
	if err != nil {
		local.Close()
		return nil, err
	}
	a.remote = client
	a.closeRemote = closeFn
	a.net = netstatus.Detect(ctx, client, clock.Real())
	a.engine = syncengine.New(syncengine.Config{
		Store:    local,
		Queue:    a.queue,
		Remote:   client,
		Network:  a.net,
		Settings: ctl,
		SchoolID: cfg.GetSchoolID(),
	})
	return a, nil
}

// ownPasses takes the cross-process pass lock and returns entries left
// syncing or failed by an earlier process to pending. It fails with
// ErrSyncBusy while a daemon is running: its claims are live.
func (a *app) ownPasses(ctx context.Context) (release func(), recovered int, err error) {
	lock, err := a.local.AcquirePassLock(0)
	if err != nil {
		return nil, 0, fmt.Errorf("%w (use the daemon API or stop gradesync serve)", err)
	}
	n, err := a.queue.RecoverInterrupted(ctx)
	if err != nil {
		lock.Release()
		return nil, 0, err
	}
	return lock.Release, n, nil
}

func (a *app) Close() error {
	var errs []error
	if a.closeRemote != nil {
		errs = append(errs, a.closeRemote())
	}
	errs = append(errs, a.local.Close())
	return errors.Join(errs...)
}

// fail reports err in the selected output format and returns it.
func fail(err error) error {
	if jsonOutput {
		output.JSONError(errorCode(err), err.Error())
	} else {
		output.Error("%v", err)
	}
	return err
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, syncengine.ErrOffline):
		return output.ErrCodeOffline
	case errors.Is(err, syncengine.ErrPendingChanges):
		return output.ErrCodePending
	case errors.Is(err, syncengine.ErrFetchFailed):
		return output.ErrCodeRemoteError
	case errors.Is(err, hybrid.ErrLocalOnly):
		return output.ErrCodeLocalOnly
	case errors.Is(err, remote.ErrNotConfigured):
		return output.ErrCodeNotConfigured
	case errors.Is(err, syncqueue.ErrNotFound),
		errors.Is(err, localstore.ErrUnknownCollection),
		errors.Is(err, errRecordNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, localstore.ErrSyncBusy):
		return output.ErrCodeSyncBusy
	case errors.Is(err, localstore.ErrStoreInit),
		errors.Is(err, localstore.ErrLockTimeout):
		return output.ErrCodeDatabaseError
	}
	return output.ErrCodeInvalidInput
}
