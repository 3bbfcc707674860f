// Package settings owns the storage settings singleton: storage mode,
// auto-sync switch and interval, and the last successful sync time.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
)

// ErrInvalid wraps settings that fail validation.
var ErrInvalid = errors.New("invalid storage settings")

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	StorageMode  *models.StorageMode `json:"storageMode,omitempty"`
	AutoSync     *bool               `json:"autoSync,omitempty"`
	SyncInterval *int                `json:"syncInterval,omitempty"`
}

// Controller owns the storage settings for one process. The persisted
// record is the source of truth: every write re-reads it under the store's
// write lock, and Refresh picks up changes made by other processes.
type Controller struct {
	store *localstore.Store

	// writeMu serialises read-modify-write cycles within the process.
	writeMu sync.Mutex
	mu      sync.Mutex
	current models.StorageSettings
	subs    map[int]chan models.StorageSettings
	nextID  int
}

// New loads the settings from the store, creating and persisting the
// defaults on first use.
func New(ctx context.Context, store *localstore.Store) (*Controller, error) {
	c := &Controller{store: store, subs: make(map[int]chan models.StorageSettings)}

	err := store.Update(ctx, func(tx *localstore.Tx) error {
		rec, err := tx.Get(ctx, models.CollectionSettings, models.StorageSettingsID)
		if err != nil {
			return fmt.Errorf("load storage settings: %w", err)
		}
		if rec != nil {
			c.current, err = decode(rec)
			return err
		}
		c.current = models.DefaultStorageSettings()
		return save(ctx, tx, c.current)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a copy of the last loaded settings.
func (c *Controller) Get() models.StorageSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySettings(c.current)
}

// Refresh re-reads the persisted settings and notifies subscribers when they
// differ from the cached copy.
func (c *Controller) Refresh(ctx context.Context) (models.StorageSettings, error) {
	rec, err := c.store.Get(ctx, models.CollectionSettings, models.StorageSettingsID)
	if err != nil {
		return c.Get(), fmt.Errorf("load storage settings: %w", err)
	}
	s := models.DefaultStorageSettings()
	if rec != nil {
		if s, err = decode(rec); err != nil {
			return c.Get(), err
		}
	}
	if c.apply(s) {
		slog.Debug("storage settings reloaded", "mode", s.StorageMode, "auto_sync", s.AutoSync)
	}
	return copySettings(s), nil
}

// Update merges p into the persisted settings, validates, saves and then
// notifies subscribers. Fields not in p keep their stored values.
func (c *Controller) Update(ctx context.Context, p Patch) (models.StorageSettings, error) {
	next, err := c.modify(ctx, func(s *models.StorageSettings) error {
		if p.StorageMode != nil {
			s.StorageMode = *p.StorageMode
		}
		if p.AutoSync != nil {
			s.AutoSync = *p.AutoSync
		}
		if p.SyncInterval != nil {
			s.SyncInterval = *p.SyncInterval
		}
		if err := models.Validate(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil
	})
	if err != nil {
		return c.Get(), err
	}
	slog.Info("storage settings updated",
		"mode", next.StorageMode, "auto_sync", next.AutoSync, "interval_min", next.SyncInterval)
	return next, nil
}

// RecordSync stores t as the last sync time. Only lastSyncTime is written.
func (c *Controller) RecordSync(ctx context.Context, t time.Time) error {
	t = t.UTC()
	_, err := c.modify(ctx, func(s *models.StorageSettings) error {
		s.LastSyncTime = &t
		return nil
	})
	return err
}

// modify applies fn to the persisted settings inside one transaction.
func (c *Controller) modify(ctx context.Context, fn func(*models.StorageSettings) error) (models.StorageSettings, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var next models.StorageSettings
	err := c.store.Update(ctx, func(tx *localstore.Tx) error {
		rec, err := tx.Get(ctx, models.CollectionSettings, models.StorageSettingsID)
		if err != nil {
			return fmt.Errorf("load storage settings: %w", err)
		}
		next = models.DefaultStorageSettings()
		if rec != nil {
			if next, err = decode(rec); err != nil {
				return err
			}
		}
		if err := fn(&next); err != nil {
			return err
		}
		return save(ctx, tx, next)
	})
	if err != nil {
		return models.StorageSettings{}, err
	}
	c.apply(next)
	return copySettings(next), nil
}

// apply caches next and notifies subscribers if it changed anything.
func (c *Controller) apply(next models.StorageSettings) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if equal(c.current, next) {
		return false
	}
	c.current = copySettings(next)
	for _, ch := range c.subs {
		// Keep only the latest value for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- copySettings(next)
	}
	return true
}

// decode reads a stored record, falling back to the defaults (keeping the
// last sync time) when the stored values fail validation.
func decode(rec models.Record) (models.StorageSettings, error) {
	s := models.DefaultStorageSettings()
	if err := models.FromRecord(rec, &s); err != nil {
		return s, fmt.Errorf("decode storage settings: %w", err)
	}
	if err := models.Validate(&s); err != nil {
		slog.Warn("stored storage settings invalid, using defaults", "err", err)
		last := s.LastSyncTime
		s = models.DefaultStorageSettings()
		s.LastSyncTime = last
	}
	return s, nil
}

func save(ctx context.Context, tx *localstore.Tx, s models.StorageSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal storage settings: %w", err)
	}
	rec, err := models.DecodeRecord(data)
	if err != nil {
		return err
	}
	rec["id"] = models.StorageSettingsID
	if err := tx.Put(ctx, models.CollectionSettings, rec); err != nil {
		return fmt.Errorf("save storage settings: %w", err)
	}
	return nil
}

func equal(a, b models.StorageSettings) bool {
	if a.StorageMode != b.StorageMode || a.AutoSync != b.AutoSync || a.SyncInterval != b.SyncInterval {
		return false
	}
	if a.LastSyncTime == nil || b.LastSyncTime == nil {
		return a.LastSyncTime == b.LastSyncTime
	}
	return a.LastSyncTime.Equal(*b.LastSyncTime)
}

// Subscribe returns a channel receiving the settings after every change.
// Only the latest value is buffered. cancel closes the channel.
func (c *Controller) Subscribe() (<-chan models.StorageSettings, func()) {
	ch := make(chan models.StorageSettings, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func copySettings(s models.StorageSettings) models.StorageSettings {
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		s.LastSyncTime = &t
	}
	return s
}

// ParseMode validates a storage mode name.
func ParseMode(s string) (models.StorageMode, error) {
	switch m := models.StorageMode(s); m {
	case models.ModeLocal, models.ModeCloud, models.ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown storage mode %q (want local, cloud or hybrid)", ErrInvalid, s)
}
