// Package hybrid is the write path for CRUD callers. Every write lands in
// the Local Store; outside local mode it is also queued for the remote.
package hybrid

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncqueue"
)

// ErrLocalOnly is returned when a remote operation is queued in local mode.
var ErrLocalOnly = errors.New("storage mode is local")

// Store combines the Local Store and the Sync Queue.
type Store struct {
	local    *localstore.Store
	queue    *syncqueue.Queue
	settings *settings.Controller
	notify   func()
	validate bool
}

// Option configures a Store.
type Option func(*Store)

// WithNotify registers fn to run after each queued mutation, typically a
// scheduler trigger.
func WithNotify(fn func()) Option {
	return func(s *Store) { s.notify = fn }
}

// WithValidation toggles typed validation of entity records (on by default).
func WithValidation(on bool) Option {
	return func(s *Store) { s.validate = on }
}

// New creates a hybrid store.
func New(local *localstore.Store, queue *syncqueue.Queue, ctl *settings.Controller, opts ...Option) *Store {
	s := &Store{local: local, queue: queue, settings: ctl, validate: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotify replaces the post-enqueue hook.
func (s *Store) SetNotify(fn func()) {
	s.notify = fn
}

func (s *Store) collection(name string) (models.Collection, error) {
	c, ok := models.NormalizeCollection(name)
	if !ok {
		return c, fmt.Errorf("%w: %q", localstore.ErrUnknownCollection, name)
	}
	return c, nil
}

// mirrors reports whether writes to c are queued. Settings are re-read so a
// mode change made by another process applies to the next write.
func (s *Store) mirrors(ctx context.Context, c models.Collection) (bool, error) {
	if !c.Syncable {
		return false, nil
	}
	st, err := s.settings.Refresh(ctx)
	if err != nil {
		return false, err
	}
	return st.StorageMode.MirrorsRemote(), nil
}

func (s *Store) check(c models.Collection, r models.Record) error {
	if r.ID() == "" {
		return localstore.ErrMissingID
	}
	if !s.validate {
		return nil
	}
	return models.ValidateRecord(c.Name, r)
}

// Put writes r and queues an add (new id) or update (existing id). The
// existence check, the write and the queue entry share one transaction.
func (s *Store) Put(ctx context.Context, collection string, r models.Record) (models.Action, error) {
	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}
	if err := s.check(c, r); err != nil {
		return "", err
	}
	mirror, err := s.mirrors(ctx, c)
	if err != nil {
		return "", err
	}

	var action models.Action
	err = s.local.Update(ctx, func(tx *localstore.Tx) error {
		existing, err := tx.Get(ctx, c.Name, r.ID())
		if err != nil {
			return err
		}
		action = models.ActionAdd
		if existing != nil {
			action = models.ActionUpdate
		}
		if err := tx.Put(ctx, c.Name, r); err != nil {
			return err
		}
		if !mirror {
			return nil
		}
		if _, err := s.queue.EnqueueTx(ctx, tx, action, c.Name, r); err != nil {
			return fmt.Errorf("queue %s %s/%s: %w", action, c.Name, r.ID(), err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if mirror {
		s.notifyQueued()
	}
	return action, nil
}

// Delete removes the record and queues a delete carrying its id and
// school_id. Deleting a missing record is a no-op and queues nothing.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	mirror, err := s.mirrors(ctx, c)
	if err != nil {
		return err
	}

	var queued bool
	err = s.local.Update(ctx, func(tx *localstore.Tx) error {
		existing, err := tx.Get(ctx, c.Name, id)
		if err != nil || existing == nil {
			return err
		}
		if err := tx.Delete(ctx, c.Name, id); err != nil {
			return err
		}
		if !mirror {
			return nil
		}
		ref := models.Record{"id": id, "school_id": existing.SchoolID()}
		if _, err := s.queue.EnqueueTx(ctx, tx, models.ActionDelete, c.Name, ref); err != nil {
			return fmt.Errorf("queue delete %s/%s: %w", c.Name, id, err)
		}
		queued = true
		return nil
	})
	if err != nil {
		return err
	}
	if queued {
		s.notifyQueued()
	}
	return nil
}

// ImportResult summarises an Import.
type ImportResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Import writes records and their queue entries in one transaction. With
// replace, local records absent from the import are removed and their
// deletes queued. Validation runs on every record before anything is
// written.
func (s *Store) Import(ctx context.Context, collection string, records []models.Record, replace bool) (ImportResult, error) {
	var res ImportResult
	c, err := s.collection(collection)
	if err != nil {
		return res, err
	}
	for i, r := range records {
		if err := s.check(c, r); err != nil {
			return res, fmt.Errorf("record %d: %w", i, err)
		}
	}
	mirror, err := s.mirrors(ctx, c)
	if err != nil {
		return res, err
	}

	err = s.local.Update(ctx, func(tx *localstore.Tx) error {
		res = ImportResult{}
		existing, err := tx.GetAll(ctx, c.Name, "")
		if err != nil {
			return err
		}
		before := make(map[string]models.Record, len(existing))
		for _, r := range existing {
			before[r.ID()] = r
		}

		if replace {
			err = tx.ReplaceAll(ctx, c.Name, "", records)
		} else {
			err = tx.BulkPut(ctx, c.Name, records)
		}
		if err != nil {
			return err
		}

		incoming := make(map[string]bool, len(records))
		for _, r := range records {
			incoming[r.ID()] = true
			action := models.ActionAdd
			if _, ok := before[r.ID()]; ok {
				action = models.ActionUpdate
				res.Updated++
			} else {
				res.Added++
			}
			if mirror {
				if _, err := s.queue.EnqueueTx(ctx, tx, action, c.Name, r); err != nil {
					return fmt.Errorf("queue %s %s/%s: %w", action, c.Name, r.ID(), err)
				}
			}
		}
		if !replace {
			return nil
		}
		for id, r := range before {
			if incoming[id] {
				continue
			}
			res.Deleted++
			if mirror {
				ref := models.Record{"id": id, "school_id": r.SchoolID()}
				if _, err := s.queue.EnqueueTx(ctx, tx, models.ActionDelete, c.Name, ref); err != nil {
					return fmt.Errorf("queue delete %s/%s: %w", c.Name, id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	if mirror && (len(records) > 0 || res.Deleted > 0) {
		s.notifyQueued()
	}
	return res, nil
}

// Get reads one record from the Local Store; nil when absent.
func (s *Store) Get(ctx context.Context, collection, id string) (models.Record, error) {
	return s.local.Get(ctx, collection, id)
}

// List reads a collection from the Local Store, optionally by school.
func (s *Store) List(ctx context.Context, collection, schoolID string) ([]models.Record, error) {
	return s.local.GetAll(ctx, collection, schoolID)
}

// QueueOperation queues a named remote operation.
func (s *Store) QueueOperation(ctx context.Context, operation, schoolID string, payload any) (*models.SyncQueueEntry, error) {
	st, err := s.settings.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !st.StorageMode.MirrorsRemote() {
		return nil, ErrLocalOnly
	}
	e, err := s.queue.EnqueueOperation(ctx, operation, schoolID, payload)
	if err != nil {
		return nil, err
	}
	s.notifyQueued()
	return e, nil
}

func (s *Store) notifyQueued() {
	if s.notify != nil {
		s.notify()
	}
}
