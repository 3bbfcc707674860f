package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
)

func openStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDefaults(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	c, err := New(ctx, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := c.Get()
	if got.StorageMode != models.ModeHybrid || !got.AutoSync || got.SyncInterval != 5 || got.LastSyncTime != nil {
		t.Fatalf("defaults: got %+v", got)
	}

	rec, err := store.Get(ctx, models.CollectionSettings, models.StorageSettingsID)
	if err != nil || rec == nil {
		t.Fatalf("singleton not persisted: %v, %v", rec, err)
	}
	if rec["storageMode"] != "hybrid" {
		t.Fatalf("persisted mode: got %v", rec["storageMode"])
	}
}

func TestUpdate_MergesAndPersists(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	c, _ := New(ctx, store)

	mode := models.ModeLocal
	interval := 15
	got, err := c.Update(ctx, Patch{StorageMode: &mode, SyncInterval: &interval})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.StorageMode != models.ModeLocal || got.SyncInterval != 15 || !got.AutoSync {
		t.Fatalf("merged: got %+v", got)
	}

	reloaded, err := New(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if r := reloaded.Get(); r.StorageMode != models.ModeLocal || r.SyncInterval != 15 {
		t.Fatalf("reloaded: got %+v", r)
	}
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	c, _ := New(context.Background(), openStore(t))

	zero := 0
	_, err := c.Update(context.Background(), Patch{SyncInterval: &zero})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("interval 0: got %v, want ErrInvalid", err)
	}
	bogus := models.StorageMode("floppy")
	_, err = c.Update(context.Background(), Patch{StorageMode: &bogus})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad mode: got %v, want ErrInvalid", err)
	}
	if got := c.Get(); got.SyncInterval != 5 || got.StorageMode != models.ModeHybrid {
		t.Fatalf("settings changed by invalid update: %+v", got)
	}
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	c, _ := New(context.Background(), openStore(t))
	ch, cancel := c.Subscribe()
	defer cancel()

	off := false
	if _, err := c.Update(context.Background(), Patch{AutoSync: &off}); err != nil {
		t.Fatal(err)
	}
	mode := models.ModeCloud
	if _, err := c.Update(context.Background(), Patch{StorageMode: &mode}); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-ch:
		if s.AutoSync || s.StorageMode != models.ModeCloud {
			t.Fatalf("got %+v, want latest settings", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestRecordSync(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	c, _ := New(ctx, store)

	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	if err := c.RecordSync(ctx, at); err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	got := c.Get()
	if got.LastSyncTime == nil || !got.LastSyncTime.Equal(at) {
		t.Fatalf("lastSyncTime: got %v, want %v", got.LastSyncTime, at)
	}

	reloaded, _ := New(ctx, store)
	if r := reloaded.Get(); r.LastSyncTime == nil || !r.LastSyncTime.Equal(at) {
		t.Fatalf("reloaded lastSyncTime: got %v", r.LastSyncTime)
	}
}

func TestRecordSync_KeepsChangesFromAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	open := func() *Controller {
		store, err := localstore.Open(dir)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		c, err := New(ctx, store)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}
	daemon, cli := open(), open()
	ch, cancel := daemon.Subscribe()
	defer cancel()

	mode := models.ModeLocal
	if _, err := cli.Update(ctx, Patch{StorageMode: &mode}); err != nil {
		t.Fatal(err)
	}
	if got := daemon.Get().StorageMode; got != models.ModeHybrid {
		t.Fatalf("cached mode before refresh: got %s", got)
	}

	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	if err := daemon.RecordSync(ctx, at); err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	got := daemon.Get()
	if got.StorageMode != models.ModeLocal {
		t.Fatalf("RecordSync reverted mode to %s", got.StorageMode)
	}
	if got.LastSyncTime == nil || !got.LastSyncTime.Equal(at) {
		t.Fatalf("lastSyncTime: got %v", got.LastSyncTime)
	}
	select {
	case s := <-ch:
		if s.StorageMode != models.ModeLocal {
			t.Fatalf("notified %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for the merged change")
	}

	fresh, err := cli.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.StorageMode != models.ModeLocal || fresh.LastSyncTime == nil {
		t.Fatalf("persisted: got %+v", fresh)
	}
}

func TestRefresh_NotifiesOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := localstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := localstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	reader, _ := New(ctx, a)
	writer, _ := New(ctx, b)
	ch, cancel := reader.Subscribe()
	defer cancel()

	if _, err := reader.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-ch:
		t.Fatalf("unchanged refresh notified %+v", s)
	default:
	}

	off := false
	if _, err := writer.Update(ctx, Patch{AutoSync: &off}); err != nil {
		t.Fatal(err)
	}
	got, err := reader.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.AutoSync {
		t.Fatal("refresh did not pick up autoSync=false")
	}
	select {
	case s := <-ch:
		if s.AutoSync {
			t.Fatalf("notified %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after change")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("cloud"); err != nil || m != models.ModeCloud {
		t.Fatalf("ParseMode(cloud) = %v, %v", m, err)
	}
	if _, err := ParseMode("usb"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ParseMode(usb): got %v, want ErrInvalid", err)
	}
}
