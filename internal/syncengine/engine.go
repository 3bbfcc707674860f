// Package syncengine reconciles the Local Store with the remote backend:
// it drains the sync queue, restores remote snapshots and reports status.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/netstatus"
	"github.com/marcus/gradesync/internal/remote"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncqueue"
)

var (
	// ErrOffline is returned by operations that need the remote while offline.
	ErrOffline = errors.New("remote is offline")
	// ErrPendingChanges is returned when a download would overwrite local
	// changes that could not be pushed first.
	ErrPendingChanges = errors.New("local changes pending push")
	// ErrFetchFailed wraps a rejected snapshot fetch.
	ErrFetchFailed = errors.New("fetch failed")
)

// PassResult counts the outcome of one sync pass. Exhausted entries are
// included in Failed.
type PassResult struct {
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Exhausted int       `json:"exhausted"`
	At        time.Time `json:"at"`
}

// Engine runs sync passes and downloads.
type Engine struct {
	store    *localstore.Store
	queue    *syncqueue.Queue
	remote   remote.Client
	net      *netstatus.Monitor
	settings *settings.Controller
	clock    clock.Clock
	schoolID string

	mu       sync.Mutex
	inflight *pass
	last     *PassResult
}

type pass struct {
	done   chan struct{}
	result PassResult
	err    error
}

// Config wires an Engine.
type Config struct {
	Store    *localstore.Store
	Queue    *syncqueue.Queue
	Remote   remote.Client
	Network  *netstatus.Monitor
	Settings *settings.Controller
	Clock    clock.Clock
	// SchoolID scopes downloads; empty downloads every school.
	SchoolID string
}

// New creates an engine.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		remote:   cfg.Remote,
		net:      cfg.Network,
		settings: cfg.Settings,
		clock:    clk,
		schoolID: cfg.SchoolID,
	}
}

// Recover returns entries left mid-flight by a previous process to pending.
// Call once at startup before the first pass.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.queue.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered interrupted queue entries", "count", n)
	}
	return nil
}

// SyncPendingChanges pushes pending queue entries to the remote. Offline it
// returns zero counts without touching the queue. Only one pass runs at a
// time; a concurrent caller waits for the running pass and shares its result.
func (e *Engine) SyncPendingChanges(ctx context.Context) (PassResult, error) {
	e.mu.Lock()
	if p := e.inflight; p != nil {
		e.mu.Unlock()
		select {
		case <-p.done:
			return p.result, p.err
		case <-ctx.Done():
			return PassResult{}, ctx.Err()
		}
	}
	p := &pass{done: make(chan struct{})}
	e.inflight = p
	e.mu.Unlock()

	p.result, p.err = e.runPass(ctx)

	e.mu.Lock()
	e.inflight = nil
	if p.err == nil && !p.result.At.IsZero() {
		r := p.result
		e.last = &r
	}
	e.mu.Unlock()
	close(p.done)
	return p.result, p.err
}

// Syncing reports whether a pass is running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight != nil
}

// LastResult returns the most recent completed online pass, or nil.
func (e *Engine) LastResult() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

func (e *Engine) runPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	if !e.net.Online() {
		slog.Debug("sync pass skipped: offline")
		return res, nil
	}

	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	// Claims are resolved even when the caller cancels mid-call; a claim
	// left syncing would drop out of ListPending until Recover.
	resolveCtx := context.WithoutCancel(ctx)

	var passErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			passErr = ctx.Err()
			break
		}
		if entry.Exhausted() {
			res.Failed++
			res.Exhausted++
			continue
		}

		// Persist the claim before calling out so a crash leaves a trace
		// that Recover can act on.
		if err := e.queue.MarkStatus(ctx, entry.ID, models.StatusSyncing, nil, entry.LastError); err != nil {
			passErr = fmt.Errorf("claim %s: %w", entry.ID, err)
			e.release(resolveCtx, entry)
			break
		}

		result := e.remote.Invoke(ctx, requestFor(entry))
		if result.Success {
			err = e.queue.MarkStatus(resolveCtx, entry.ID, models.StatusSynced, nil, "")
			res.Synced++
		} else {
			retries := entry.RetryCount + 1
			err = e.queue.MarkStatus(resolveCtx, entry.ID, models.StatusFailed, &retries, result.Error)
			res.Failed++
			slog.Debug("queue entry failed", "id", entry.ID, "action", entry.Action,
				"store", entry.StoreName, "retry", retries, "err", result.Error)
		}
		if err != nil {
			passErr = fmt.Errorf("resolve %s: %w", entry.ID, err)
			e.release(resolveCtx, entry)
			break
		}
	}

	// Resolution steps run even when the caller cancelled mid-pass.
	cleanup := context.WithoutCancel(ctx)
	if _, err := e.queue.RequeueFailed(cleanup); err != nil {
		return res, err
	}
	if _, err := e.queue.PurgeSynced(cleanup); err != nil {
		return res, err
	}
	if passErr != nil {
		return res, passErr
	}

	res.At = e.clock.Now().UTC()
	if err := e.settings.RecordSync(cleanup, res.At); err != nil {
		return res, err
	}
	if res.Synced > 0 || res.Failed > 0 {
		slog.Info("sync pass complete", "synced", res.Synced, "failed", res.Failed, "exhausted", res.Exhausted)
	}
	return res, nil
}

// release returns an entry whose claim could not be resolved to pending with
// its previous retry count.
func (e *Engine) release(ctx context.Context, entry *models.SyncQueueEntry) {
	retries := entry.RetryCount
	err := e.queue.MarkStatus(ctx, entry.ID, models.StatusPending, &retries, entry.LastError)
	if err != nil && !errors.Is(err, syncqueue.ErrNotFound) {
		slog.Warn("release queue entry", "id", entry.ID, "err", err)
	}
}

// requestFor maps a queue entry onto a remote operation.
func requestFor(entry *models.SyncQueueEntry) remote.Request {
	req := remote.Request{SchoolID: entry.SchoolID, Payload: entry.Data}
	if entry.Kind == models.KindOperation {
		req.Action = entry.Action
		return req
	}
	switch models.Action(entry.Action) {
	case models.ActionDelete:
		req.Action = remote.DeleteAction(entry.StoreName)
	default:
		req.Action = remote.UpsertAction(entry.StoreName)
	}
	return req
}

// DownloadOptions controls DownloadCloudData.
type DownloadOptions struct {
	// Force overwrites local data even when queued changes could not be pushed.
	Force bool
}

// DownloadResult reports how many records each collection received.
type DownloadResult struct {
	Push        PassResult     `json:"push"`
	Collections map[string]int `json:"collections"`
}

// DownloadCloudData replaces each syncable collection with the remote
// snapshot (the remote wins). It first pushes pending changes; if any remain
// it refuses unless opts.Force is set. A failed fetch aborts before that
// collection is touched.
func (e *Engine) DownloadCloudData(ctx context.Context, opts DownloadOptions) (DownloadResult, error) {
	out := DownloadResult{Collections: make(map[string]int)}
	if !e.net.Online() {
		return out, ErrOffline
	}

	push, err := e.SyncPendingChanges(ctx)
	if err != nil {
		return out, fmt.Errorf("push before download: %w", err)
	}
	out.Push = push

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return out, err
	}
	if pending > 0 {
		if !opts.Force {
			return out, fmt.Errorf("%w: %d entries", ErrPendingChanges, pending)
		}
		slog.Warn("download overwriting local data with unpushed changes", "pending", pending)
	}

	for _, c := range models.SyncableCollections() {
		records, err := e.fetch(ctx, c.Name)
		if err != nil {
			return out, err
		}
		if err := e.store.ReplaceAll(ctx, c.Name, e.schoolID, records); err != nil {
			return out, fmt.Errorf("replace %s: %w", c.Name, err)
		}
		out.Collections[c.Name] = len(records)
	}

	if err := e.settings.RecordSync(ctx, e.clock.Now()); err != nil {
		return out, err
	}
	slog.Info("download complete", "collections", len(out.Collections))
	return out, nil
}

func (e *Engine) fetch(ctx context.Context, collection string) ([]models.Record, error) {
	res := e.remote.Invoke(ctx, remote.Request{
		Action:   remote.FetchAction(collection),
		SchoolID: e.schoolID,
	})
	if !res.Success {
		return nil, fmt.Errorf("%w: %s: %s", ErrFetchFailed, collection, res.Error)
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	var records []models.Record
	if err := json.Unmarshal(res.Data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: decode snapshot: %v", ErrFetchFailed, collection, err)
	}
	return records, nil
}

// Status is the snapshot polled by UI callers.
type Status struct {
	IsOnline         bool               `json:"isOnline"`
	PendingSyncCount int                `json:"pendingSyncCount"`
	LastSyncTime     *time.Time         `json:"lastSyncTime"`
	Mode             models.StorageMode `json:"mode"`
	AutoSync         bool               `json:"autoSync"`
	SyncInterval     int                `json:"syncInterval"`
	Syncing          bool               `json:"syncing"`
	LastResult       *PassResult        `json:"lastResult,omitempty"`
}

// GetStorageStatus combines network state, settings and queue depth.
func (e *Engine) GetStorageStatus(ctx context.Context) (Status, error) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	s, err := e.settings.Refresh(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		IsOnline:         e.net.Online(),
		PendingSyncCount: pending,
		LastSyncTime:     s.LastSyncTime,
		Mode:             s.StorageMode,
		AutoSync:         s.AutoSync,
		SyncInterval:     s.SyncInterval,
		Syncing:          e.Syncing(),
		LastResult:       e.LastResult(),
	}, nil
}
