// Package syncqueue persists pending remote mutations and operations in the
// Local Store database, tracking delivery status and retry counts.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
)

// ErrNotFound is returned when no entry has the given id.
var ErrNotFound = errors.New("queue entry not found")

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const entryColumns = `id, kind, action, store_name, school_id, data, timestamp, status, retry_count, last_error, updated_at`

// Queue is the durable Sync Queue.
type Queue struct {
	store *localstore.Store
	now   func() time.Time
}

// New returns a queue backed by the store's database.
func New(store *localstore.Store) *Queue {
	return &Queue{store: store, now: store.Now}
}

// SetNow overrides the time source for entry timestamps.
func (q *Queue) SetNow(now func() time.Time) {
	q.now = now
}

func (q *Queue) stamp() string {
	return q.now().UTC().Format(timeFormat)
}

// Enqueue records a mutation of collection. The entry starts pending with
// zero retries.
func (q *Queue) Enqueue(ctx context.Context, action models.Action, collection string, payload models.Record) (*models.SyncQueueEntry, error) {
	e, err := q.newMutation(action, collection, payload)
	if err != nil {
		return nil, err
	}
	if err := q.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EnqueueTx records a mutation inside tx so the entry commits or rolls back
// together with the record write it describes.
func (q *Queue) EnqueueTx(ctx context.Context, tx *localstore.Tx, action models.Action, collection string, payload models.Record) (*models.SyncQueueEntry, error) {
	e, err := q.newMutation(action, collection, payload)
	if err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx.SQL(), e); err != nil {
		return nil, err
	}
	return e, nil
}

// EnqueueOperation records a named remote operation with an arbitrary
// payload. It follows the same lifecycle and retry ceiling as mutations.
func (q *Queue) EnqueueOperation(ctx context.Context, operation, schoolID string, payload any) (*models.SyncQueueEntry, error) {
	if strings.TrimSpace(operation) == "" {
		return nil, fmt.Errorf("enqueue operation: name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue operation: marshal payload: %w", err)
	}
	e, err := q.newEntry(models.KindOperation, operation, "", schoolID, data)
	if err != nil {
		return nil, err
	}
	if err := q.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (q *Queue) newMutation(action models.Action, collection string, payload models.Record) (*models.SyncQueueEntry, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("enqueue: invalid action %q", action)
	}
	c, ok := models.NormalizeCollection(collection)
	if !ok {
		return nil, fmt.Errorf("enqueue: %w: %q", localstore.ErrUnknownCollection, collection)
	}
	if payload == nil {
		payload = models.Record{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue: marshal payload: %w", err)
	}
	return q.newEntry(models.KindMutation, string(action), c.Name, payload.SchoolID(), data)
}

func (q *Queue) newEntry(kind models.EntryKind, action, storeName, schoolID string, data []byte) (*models.SyncQueueEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}
	now := q.now().UTC()
	return &models.SyncQueueEntry{
		ID:        id.String(),
		Kind:      kind,
		Action:    action,
		StoreName: storeName,
		SchoolID:  schoolID,
		Data:      json.RawMessage(data),
		Timestamp: now,
		Status:    models.StatusPending,
		UpdatedAt: now,
	}, nil
}

func (q *Queue) save(ctx context.Context, e *models.SyncQueueEntry) error {
	return q.store.WithWriteLock(func() error {
		return insertEntry(ctx, q.store.Conn(), e)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, e *models.SyncQueueEntry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO sync_queue (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		e.ID, string(e.Kind), e.Action, e.StoreName, e.SchoolID, string(e.Data),
		e.Timestamp.Format(timeFormat), string(e.Status), e.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// ListPending returns pending entries in delivery order (timestamp, then id).
func (q *Queue) ListPending(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	return q.query(ctx,
		`SELECT `+entryColumns+` FROM sync_queue WHERE status = ? ORDER BY timestamp, id`,
		string(models.StatusPending))
}

// List returns every entry in delivery order.
func (q *Queue) List(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	return q.query(ctx, `SELECT `+entryColumns+` FROM sync_queue ORDER BY timestamp, id`)
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncQueueEntry, error) {
	entries, err := q.query(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entries[0], nil
}

// MarkStatus sets an entry's status and last error. retryCount is only
// written when non-nil.
func (q *Queue) MarkStatus(ctx context.Context, id string, status models.EntryStatus, retryCount *int, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("mark status: invalid status %q", status)
	}
	return q.update(ctx, id, func(conn *sql.DB) (sql.Result, error) {
		if retryCount != nil {
			return conn.ExecContext(ctx,
				`UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(status), *retryCount, lastError, q.stamp(), id)
		}
		return conn.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(status), lastError, q.stamp(), id)
	})
}

// ResetRetries returns an entry to pending with a zero retry count so the
// next pass attempts it again.
func (q *Queue) ResetRetries(ctx context.Context, id string) error {
	return q.update(ctx, id, func(conn *sql.DB) (sql.Result, error) {
		return conn.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, retry_count = 0, last_error = '', updated_at = ? WHERE id = ?`,
			string(models.StatusPending), q.stamp(), id)
	})
}

// Remove deletes one entry regardless of status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.update(ctx, id, func(conn *sql.DB) (sql.Result, error) {
		return conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	})
}

func (q *Queue) update(ctx context.Context, id string, exec func(*sql.DB) (sql.Result, error)) error {
	var affected int64
	err := q.store.WithWriteLock(func() error {
		res, err := exec(q.store.Conn())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update queue entry %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PurgeSynced removes all synced entries and returns how many were removed.
func (q *Queue) PurgeSynced(ctx context.Context) (int, error) {
	return q.bulk(ctx, "purge synced",
		`DELETE FROM sync_queue WHERE status = ?`, string(models.StatusSynced))
}

// RequeueFailed moves failed entries back to pending for the next pass.
// Entries at the retry ceiling come back too; passes count and skip them.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	return q.bulk(ctx, "requeue failed",
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.StatusPending), q.stamp(), string(models.StatusFailed))
}

// RecoverInterrupted returns entries left syncing or failed by an
// interrupted pass to pending. Remote operations are idempotent, so a claim
// whose outcome is unknown is safe to retry.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	return q.bulk(ctx, "recover interrupted",
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(models.StatusPending), q.stamp(), string(models.StatusSyncing), string(models.StatusFailed))
}

// Clear removes every entry, including exhausted ones.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	return q.bulk(ctx, "clear queue", `DELETE FROM sync_queue`)
}

func (q *Queue) bulk(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int64
	err := q.store.WithWriteLock(func() error {
		res, err := q.store.Conn().ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

// Stats summarises the queue by status.
type Stats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Total     int `json:"total"`
}

// Stats counts entries per status. Exhausted counts entries at the retry
// ceiling, whatever their status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT status, COUNT(*), SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END) FROM sync_queue GROUP BY status`,
		models.MaxRetries)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n, exhausted int
		if err := rows.Scan(&status, &n, &exhausted); err != nil {
			return s, fmt.Errorf("scan queue stats: %w", err)
		}
		switch models.EntryStatus(status) {
		case models.StatusPending:
			s.Pending = n
		case models.StatusSyncing:
			s.Syncing = n
		case models.StatusSynced:
			s.Synced = n
		case models.StatusFailed:
			s.Failed = n
		}
		s.Exhausted += exhausted
		s.Total += n
	}
	return s, rows.Err()
}

// PendingCount returns the number of pending entries.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.store.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(models.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]*models.SyncQueueEntry, error) {
	rows, err := q.store.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*models.SyncQueueEntry, error) {
	var (
		e                   models.SyncQueueEntry
		kind, status, data  string
		timestamp, updateAt string
	)
	if err := rows.Scan(&e.ID, &kind, &e.Action, &e.StoreName, &e.SchoolID, &data,
		&timestamp, &status, &e.RetryCount, &e.LastError, &updateAt); err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	e.Kind = models.EntryKind(kind)
	e.Status = models.EntryStatus(status)
	e.Data = json.RawMessage(data)

	var err error
	if e.Timestamp, err = time.Parse(timeFormat, timestamp); err != nil {
		return nil, fmt.Errorf("parse timestamp of %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updateAt); err != nil {
		return nil, fmt.Errorf("parse updated_at of %s: %w", e.ID, err)
	}
	return &e, nil
}
