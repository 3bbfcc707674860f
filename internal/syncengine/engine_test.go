package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/netstatus"
	"github.com/marcus/gradesync/internal/remote"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncqueue"
)

type harness struct {
	store    *localstore.Store
	queue    *syncqueue.Queue
	remote   *remote.Memory
	net      *netstatus.Monitor
	settings *settings.Controller
	clock    *clock.Fake
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctl, err := settings.New(context.Background(), store)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	h := &harness{
		store:    store,
		queue:    syncqueue.New(store),
		remote:   remote.NewMemory(),
		settings: ctl,
		clock:    clock.NewFake(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)),
	}
	h.net = netstatus.NewMonitor(true, h.clock)
	h.engine = New(Config{
		Store:    store,
		Queue:    h.queue,
		Remote:   h.remote,
		Network:  h.net,
		Settings: ctl,
		Clock:    h.clock,
	})
	return h
}

func (h *harness) enqueue(t *testing.T, action models.Action, collection string, rec models.Record) *models.SyncQueueEntry {
	t.Helper()
	e, err := h.queue.Enqueue(context.Background(), action, collection, rec)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return e
}

func (h *harness) entry(t *testing.T, id string) *models.SyncQueueEntry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return e
}

func TestPass_SuccessPurgesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1", "name": "Ali"})

	res, err := h.engine.SyncPendingChanges(ctx)
	if err != nil {
		t.Fatalf("SyncPendingChanges: %v", err)
	}
	if res.Synced != 1 || res.Failed != 0 {
		t.Fatalf("got synced=%d failed=%d, want 1/0", res.Synced, res.Failed)
	}
	all, _ := h.queue.List(ctx)
	if len(all) != 0 {
		t.Fatalf("queue not empty after purge: %d entries", len(all))
	}
	var got map[string]any
	json.Unmarshal(h.remote.Record("students", "s1"), &got)
	if got["name"] != "Ali" {
		t.Fatalf("remote record: got %v", got)
	}
	if h.settings.Get().LastSyncTime == nil {
		t.Fatal("lastSyncTime not recorded")
	}
}

func TestPass_FailureIncrementsRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.FailWith(func(remote.Request) error { return errors.New("rejected") })
	e := h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1", "name": "Ali"})

	for pass := 1; pass <= 3; pass++ {
		res, err := h.engine.SyncPendingChanges(ctx)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if res.Synced != 0 || res.Failed != 1 {
			t.Fatalf("pass %d: got synced=%d failed=%d, want 0/1", pass, res.Synced, res.Failed)
		}
		got := h.entry(t, e.ID)
		if got.RetryCount != pass {
			t.Fatalf("pass %d: retryCount got %d, want %d", pass, got.RetryCount, pass)
		}
		if got.Status != models.StatusPending {
			t.Fatalf("pass %d: status got %s, want pending", pass, got.Status)
		}
		if got.LastError != "rejected" {
			t.Fatalf("pass %d: lastError got %q", pass, got.LastError)
		}
	}
}

func TestPass_RetryCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, models.ActionUpdate, "students", models.Record{"id": "s1"})
	ceiling := models.MaxRetries
	if err := h.queue.MarkStatus(ctx, e.ID, models.StatusPending, &ceiling, "old failure"); err != nil {
		t.Fatal(err)
	}

	for pass := 0; pass < 3; pass++ {
		res, err := h.engine.SyncPendingChanges(ctx)
		if err != nil {
			t.Fatalf("SyncPendingChanges: %v", err)
		}
		if res.Failed != 1 || res.Exhausted != 1 || res.Synced != 0 {
			t.Fatalf("got %+v, want one exhausted failure", res)
		}
	}
	if calls := h.remote.Calls(); len(calls) != 0 {
		t.Fatalf("remote called %d times for exhausted entry", len(calls))
	}
	got := h.entry(t, e.ID)
	if got.RetryCount != models.MaxRetries || got.Status != models.StatusPending || got.LastError != "old failure" {
		t.Fatalf("exhausted entry changed: %+v", got)
	}
}

func TestPass_ReachesCeilingThenStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.FailWith(func(remote.Request) error { return errors.New("down") })
	e := h.enqueue(t, models.ActionAdd, "classes", models.Record{"id": "c1"})

	for i := 0; i < models.MaxRetries+2; i++ {
		if _, err := h.engine.SyncPendingChanges(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.remote.Calls()); got != models.MaxRetries {
		t.Fatalf("remote calls: got %d, want %d", got, models.MaxRetries)
	}
	if got := h.entry(t, e.ID); got.RetryCount != models.MaxRetries {
		t.Fatalf("retryCount: got %d, want %d", got.RetryCount, models.MaxRetries)
	}
}

func TestPass_OfflineLeavesQueueAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.net.Set(false)
	e := h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})

	res, err := h.engine.SyncPendingChanges(ctx)
	if err != nil {
		t.Fatalf("SyncPendingChanges: %v", err)
	}
	if res.Synced != 0 || res.Failed != 0 {
		t.Fatalf("offline pass: got %+v, want zero counts", res)
	}
	got := h.entry(t, e.ID)
	if got.Status != models.StatusPending || got.RetryCount != 0 || !got.UpdatedAt.Equal(e.UpdatedAt) {
		t.Fatalf("entry changed offline: %+v", got)
	}
	if len(h.remote.Calls()) != 0 {
		t.Fatal("remote called while offline")
	}
	if h.settings.Get().LastSyncTime != nil {
		t.Fatal("lastSyncTime recorded for offline pass")
	}
}

func TestPass_MixedOutcomesPurgesOnlySynced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.FailWith(func(req remote.Request) error {
		if req.Action == remote.UpsertAction("tests") {
			return errors.New("tests table locked")
		}
		return nil
	})
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})
	failing := h.enqueue(t, models.ActionAdd, "tests", models.Record{"id": "t1"})
	h.enqueue(t, models.ActionDelete, "classes", models.Record{"id": "c1"})

	res, err := h.engine.SyncPendingChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 2 || res.Failed != 1 {
		t.Fatalf("got %+v, want 2 synced 1 failed", res)
	}
	stats, _ := h.queue.Stats(ctx)
	if stats.Synced != 0 || stats.Syncing != 0 || stats.Failed != 0 {
		t.Fatalf("non-pending entries left after pass: %+v", stats)
	}
	all, _ := h.queue.List(ctx)
	if len(all) != 1 || all[0].ID != failing.ID {
		t.Fatalf("remaining entries: %+v", all)
	}
}

func TestPass_ActionMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.Handle("results.publish", func(remote.Request) remote.Result { return remote.OK(nil) })

	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1", "school_id": "sch1"})
	h.enqueue(t, models.ActionDelete, "students", models.Record{"id": "s1", "school_id": "sch1"})
	if _, err := h.queue.EnqueueOperation(ctx, "results.publish", "sch1", map[string]string{"test_id": "t1"}); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.SyncPendingChanges(ctx)
	if err != nil || res.Synced != 3 {
		t.Fatalf("got %+v, %v; want 3 synced", res, err)
	}
	calls := h.remote.Calls()
	want := []string{"students.upsert", "students.delete", "results.publish"}
	for i, c := range calls {
		if c.Action != want[i] {
			t.Fatalf("call %d: got %s, want %s", i, c.Action, want[i])
		}
		if c.SchoolID != "sch1" {
			t.Fatalf("call %d: schoolId got %q", i, c.SchoolID)
		}
	}
}

func TestPass_SnapshotExcludesEntriesQueuedMidPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})

	var once sync.Once
	h.remote.FailWith(func(remote.Request) error {
		once.Do(func() {
			h.queue.Enqueue(ctx, models.ActionAdd, "students", models.Record{"id": "late"})
		})
		return nil
	})

	res, err := h.engine.SyncPendingChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 {
		t.Fatalf("synced: got %d, want 1", res.Synced)
	}
	pending, _ := h.queue.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("late entry should wait for next pass, pending=%d", len(pending))
	}
}

func TestPass_SingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.remote.FailWith(func(remote.Request) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	results := make(chan PassResult, 2)
	go func() {
		r, _ := h.engine.SyncPendingChanges(ctx)
		results <- r
	}()
	<-entered
	if !h.engine.Syncing() {
		t.Fatal("expected a pass in flight")
	}
	go func() {
		r, _ := h.engine.SyncPendingChanges(ctx)
		results <- r
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	if a != b || a.Synced != 1 {
		t.Fatalf("results differ or wrong: %+v vs %+v", a, b)
	}
	h.remote.FailWith(nil)
	if n := len(h.remote.Calls()); n != 1 {
		t.Fatalf("remote calls: got %d, want 1", n)
	}
}

func TestPass_CancelledMidInvokeLeavesNothingSyncing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})
	second := h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s2"})

	h.remote.FailWith(func(remote.Request) error {
		cancel()
		return errors.New("connection reset")
	})
	if _, err := h.engine.SyncPendingChanges(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}

	bg := context.Background()
	st, err := h.queue.Stats(bg)
	if err != nil {
		t.Fatal(err)
	}
	if st.Syncing != 0 || st.Pending != 2 {
		t.Fatalf("stats after cancelled pass: %+v", st)
	}
	if got := h.entry(t, first.ID); got.RetryCount != 1 || got.LastError != "connection reset" {
		t.Fatalf("first entry: retry=%d lastError=%q", got.RetryCount, got.LastError)
	}
	if got := h.entry(t, second.ID); got.RetryCount != 0 {
		t.Fatalf("second entry was attempted: retry=%d", got.RetryCount)
	}

	h.remote.FailWith(nil)
	res, err := h.engine.SyncPendingChanges(bg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 2 {
		t.Fatalf("next pass synced %d, want 2", res.Synced)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})
	h.queue.MarkStatus(ctx, e.ID, models.StatusSyncing, nil, "")

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := h.entry(t, e.ID); got.Status != models.StatusPending {
		t.Fatalf("status: got %s, want pending", got.Status)
	}
	res, _ := h.engine.SyncPendingChanges(ctx)
	if res.Synced != 1 {
		t.Fatalf("recovered entry not synced: %+v", res)
	}
}

func TestDownload_OverwritesLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Put(ctx, "students", models.Record{"id": "stale", "school_id": "sch1"})
	h.remote.Seed("students", map[string]any{"id": "s1", "school_id": "sch1", "name": "Ali"})
	h.remote.Seed("classes", map[string]any{"id": "c1", "school_id": "sch1"})

	res, err := h.engine.DownloadCloudData(ctx, DownloadOptions{})
	if err != nil {
		t.Fatalf("DownloadCloudData: %v", err)
	}
	if res.Collections["students"] != 1 || res.Collections["classes"] != 1 {
		t.Fatalf("counts: %+v", res.Collections)
	}
	if got, _ := h.store.Get(ctx, "students", "stale"); got != nil {
		t.Fatal("local-only record survived authoritative download")
	}
	got, _ := h.store.Get(ctx, "students", "s1")
	if got == nil || got["name"] != "Ali" {
		t.Fatalf("downloaded record: got %v", got)
	}
}

func TestDownload_PushesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Put(ctx, "students", models.Record{"id": "s1", "name": "Local"})
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1", "name": "Local"})

	res, err := h.engine.DownloadCloudData(ctx, DownloadOptions{})
	if err != nil {
		t.Fatalf("DownloadCloudData: %v", err)
	}
	if res.Push.Synced != 1 {
		t.Fatalf("push: got %+v", res.Push)
	}
	if got, _ := h.store.Get(ctx, "students", "s1"); got == nil {
		t.Fatal("pushed record lost on download")
	}
}

func TestDownload_RefusesWithUnpushedChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.FailWith(func(req remote.Request) error {
		if req.Action == remote.UpsertAction("students") {
			return errors.New("rejected")
		}
		return nil
	})
	h.store.Put(ctx, "students", models.Record{"id": "s1"})
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})

	_, err := h.engine.DownloadCloudData(ctx, DownloadOptions{})
	if !errors.Is(err, ErrPendingChanges) {
		t.Fatalf("got %v, want ErrPendingChanges", err)
	}
	if got, _ := h.store.Get(ctx, "students", "s1"); got == nil {
		t.Fatal("local record removed despite refusal")
	}

	if _, err := h.engine.DownloadCloudData(ctx, DownloadOptions{Force: true}); err != nil {
		t.Fatalf("forced download: %v", err)
	}
	if got, _ := h.store.Get(ctx, "students", "s1"); got != nil {
		t.Fatal("forced download kept local-only record")
	}
}

func TestDownload_FetchFailureKeepsCollection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Put(ctx, "students", models.Record{"id": "s1"})
	h.remote.FailWith(func(req remote.Request) error {
		if req.Action == remote.FetchAction("students") {
			return errors.New("timeout")
		}
		return nil
	})

	_, err := h.engine.DownloadCloudData(ctx, DownloadOptions{})
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("got %v, want ErrFetchFailed", err)
	}
	if got, _ := h.store.Get(ctx, "students", "s1"); got == nil {
		t.Fatal("collection touched after failed fetch")
	}
}

func TestDownload_Offline(t *testing.T) {
	h := newHarness(t)
	h.net.Set(false)
	if _, err := h.engine.DownloadCloudData(context.Background(), DownloadOptions{}); !errors.Is(err, ErrOffline) {
		t.Fatalf("got %v, want ErrOffline", err)
	}
}

func TestGetStorageStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s1"})
	h.enqueue(t, models.ActionAdd, "students", models.Record{"id": "s2"})

	st, err := h.engine.GetStorageStatus(ctx)
	if err != nil {
		t.Fatalf("GetStorageStatus: %v", err)
	}
	if !st.IsOnline || st.PendingSyncCount != 2 || st.Mode != models.ModeHybrid || st.LastSyncTime != nil {
		t.Fatalf("before pass: %+v", st)
	}

	h.engine.SyncPendingChanges(ctx)
	h.net.Set(false)
	st, _ = h.engine.GetStorageStatus(ctx)
	if st.IsOnline || st.PendingSyncCount != 0 || st.LastSyncTime == nil {
		t.Fatalf("after pass: %+v", st)
	}
	if !st.LastSyncTime.Equal(h.clock.Now()) {
		t.Fatalf("lastSyncTime: got %v, want %v", st.LastSyncTime, h.clock.Now())
	}
	if st.LastResult == nil || st.LastResult.Synced != 2 {
		t.Fatalf("lastResult: %+v", st.LastResult)
	}
}
