// Package localstore is the durable local persistence layer: one SQLite
// table per entity collection plus the sync queue table.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/gradesync/internal/models"
	_ "modernc.org/sqlite"
)

const dbFile = "gradesync.db"

var (
	// ErrStoreInit wraps every failure to open or migrate the store.
	// Callers must treat it as fatal.
	ErrStoreInit = errors.New("local store init failed")
	// ErrMissingID is returned when a record has no id.
	ErrMissingID = errors.New("record id is required")
	// ErrUnknownCollection is returned for unregistered collection names.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrLockTimeout is returned when the cross-process write lock is busy.
	ErrLockTimeout = errors.New("write lock timeout")
	// ErrSyncBusy is returned when another process owns sync passes.
	ErrSyncBusy = errors.New("sync is running in another process")
)

// Store is the SQLite-backed Local Store.
type Store struct {
	conn        *sql.DB
	dir         string
	now         func() time.Time
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the time source used for updated_at stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockTimeout overrides how long writers wait for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Open opens (creating if needed) the store in dir and applies migrations.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStoreInit, err)
	}

	dsn := "file:" + filepath.Join(dir, dbFile) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStoreInit, err)
	}
	// One connection: SQLite serialises writers anyway and this keeps
	// transactions strictly ordered within the process.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStoreInit, err)
	}

	s := &Store{
		conn:        conn,
		dir:         dir,
		now:         time.Now,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Conn returns the underlying connection for packages sharing the database
// (the sync queue lives in the same file).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// WithWriteLock runs fn while holding the cross-process write lock.
func (s *Store) WithWriteLock(fn func() error) error {
	lock := newFileLock(s.dir, lockFileName)
	if err := lock.acquire(s.lockTimeout, ErrLockTimeout); err != nil {
		return err
	}
	defer lock.release()
	return fn()
}

// InTx runs fn inside a transaction under the write lock. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.WithWriteLock(func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func lookup(collection string) (models.Collection, error) {
	c, ok := models.NormalizeCollection(collection)
	if !ok {
		return models.Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return c, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction over the store, handed out by Update. Queue
// entries and record writes made through one Tx commit together.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// SQL exposes the underlying transaction for packages that keep their own
// tables in the store's database.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// Now returns the store's current time in UTC.
func (t *Tx) Now() time.Time {
	return t.s.Now()
}

// Get returns the record with id, or nil when it does not exist.
func (t *Tx) Get(ctx context.Context, collection, id string) (models.Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, t.tx, c, id)
}

// GetAll is GetAll inside the transaction.
func (t *Tx) GetAll(ctx context.Context, collection, schoolID string) ([]models.Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	return listRecords(ctx, t.tx, c, schoolID)
}

// Put inserts or replaces a record by id.
func (t *Tx) Put(ctx context.Context, collection string, r models.Record) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return t.s.putRecord(ctx, t.tx, c, r)
}

// Delete removes the record with id. Missing records are not an error.
func (t *Tx) Delete(ctx context.Context, collection, id string) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return deleteRecord(ctx, t.tx, c, id)
}

// BulkPut writes every record; the caller's transaction makes it atomic.
func (t *Tx) BulkPut(ctx context.Context, collection string, records []models.Record) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	for i, r := range records {
		if err := t.s.putRecord(ctx, t.tx, c, r); err != nil {
			return fmt.Errorf("bulk put record %d: %w", i, err)
		}
	}
	return nil
}

// ReplaceAll is ReplaceAll inside the transaction.
func (t *Tx) ReplaceAll(ctx context.Context, collection, schoolID string, records []models.Record) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return t.s.replaceRecords(ctx, t.tx, c, schoolID, records)
}

// Update runs fn in one transaction under the write lock. Nothing fn wrote
// is kept unless it returns nil. fn must not call back into the Store: the
// store holds a single connection.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		return fn(&Tx{s: s, tx: tx})
	})
}

func (s *Store) putRecord(ctx context.Context, q queryer, c models.Collection, r models.Record) error {
	id := r.ID()
	if id == "" {
		return ErrMissingID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", c.Name, id, err)
	}
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %q (id, school_id, data, updated_at) VALUES (?, ?, ?, ?)`, c.Name),
		id, r.SchoolID(), string(data), s.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", c.Name, id, err)
	}
	return nil
}

func getRecord(ctx context.Context, q queryer, c models.Collection, id string) (models.Record, error) {
	var data string
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, c.Name), id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c.Name, id, err)
	}
	return models.DecodeRecord([]byte(data))
}

func listRecords(ctx context.Context, q queryer, c models.Collection, schoolID string) ([]models.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if c.Indexed && schoolID != "" {
		rows, err = q.QueryContext(ctx,
			fmt.Sprintf(`SELECT data FROM %q WHERE school_id = ? ORDER BY id`, c.Name), schoolID)
	} else {
		rows, err = q.QueryContext(ctx,
			fmt.Sprintf(`SELECT data FROM %q ORDER BY id`, c.Name))
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.Name, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.Name, err)
		}
		r, err := models.DecodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func deleteRecord(ctx context.Context, q queryer, c models.Collection, id string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, c.Name), id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.Name, id, err)
	}
	return nil
}

func (s *Store) replaceRecords(ctx context.Context, q queryer, c models.Collection, schoolID string, records []models.Record) error {
	var err error
	if c.Indexed && schoolID != "" {
		_, err = q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE school_id = ?`, c.Name), schoolID)
	} else {
		_, err = q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, c.Name))
	}
	if err != nil {
		return fmt.Errorf("clear %s: %w", c.Name, err)
	}
	for i, r := range records {
		if err := s.putRecord(ctx, q, c, r); err != nil {
			return fmt.Errorf("replace record %d: %w", i, err)
		}
	}
	return nil
}

// Put inserts or replaces a record by id.
func (s *Store) Put(ctx context.Context, collection string, r models.Record) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	if r.ID() == "" {
		return ErrMissingID
	}
	return s.WithWriteLock(func() error {
		return s.putRecord(ctx, s.conn, c, r)
	})
}

// Get returns the record with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (models.Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, s.conn, c, id)
}

// GetAll returns every record in the collection ordered by id. schoolID
// filters indexed collections; it is ignored for unindexed ones.
func (s *Store) GetAll(ctx context.Context, collection, schoolID string) ([]models.Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	return listRecords(ctx, s.conn, c, schoolID)
}

// Delete removes the record with id. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return s.WithWriteLock(func() error {
		return deleteRecord(ctx, s.conn, c, id)
	})
}

// BulkPut writes every record in one transaction. If any write fails the
// whole batch is rolled back.
func (s *Store) BulkPut(ctx context.Context, collection string, records []models.Record) error {
	if _, err := lookup(collection); err != nil {
		return err
	}
	return s.Update(ctx, func(tx *Tx) error {
		return tx.BulkPut(ctx, collection, records)
	})
}

// Clear removes every record in the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return s.WithWriteLock(func() error {
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, c.Name)); err != nil {
			return fmt.Errorf("clear %s: %w", c.Name, err)
		}
		return nil
	})
}

// ReplaceAll replaces the collection's contents with records in one
// transaction. A non-empty schoolID on an indexed collection limits the
// replacement to that school's records.
func (s *Store) ReplaceAll(ctx context.Context, collection, schoolID string, records []models.Record) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		return s.replaceRecords(ctx, tx, c, schoolID, records)
	})
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	c, err := lookup(collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, c.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.Name, err)
	}
	return n, nil
}
