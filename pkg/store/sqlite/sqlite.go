// Package sqlite is the primary store.Store implementation, grounded on the
// teacher's SyncJournal (internal/client/sync/sync_journal.go): same sqlx
// query style, generalized from journal-only FileMetadata to the full
// SyncState + OperationRecord model of spec.md §3, and with schema
// migrations run through goose instead of a hand-written ALTER TABLE.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/relaysync/syncd/pkg/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const timeLayout = time.RFC3339Nano

// Store is a sqlite-backed store.Store.
type Store struct {
	path string
	db   *sqlx.DB
	lock *flock.Flock
}

// New returns an unopened sqlite store at path. Call Init to open it.
func New(path string) *Store {
	return &Store{path: path}
}

// dbSyncState mirrors store.SyncState with sqlite-friendly column types.
type dbSyncState struct {
	Path           string `db:"path"`
	IsDirectory    bool   `db:"is_directory"`
	LocalHash      string `db:"local_hash"`
	RemoteHash     string `db:"remote_hash"`
	LocalModified  string `db:"local_modified"`
	RemoteModified string `db:"remote_modified"`
	LocalSize      int64  `db:"local_size"`
	RemoteSize     int64  `db:"remote_size"`
	Status         string `db:"status"`
	LastSyncTime   string `db:"last_sync_time"`
	ETag           string `db:"etag"`
	ErrorMessage   string `db:"error_message"`
	SyncAttempts   int    `db:"sync_attempts"`
}

func toDB(s *store.SyncState) dbSyncState {
	return dbSyncState{
		Path:           s.Path,
		IsDirectory:    s.IsDirectory,
		LocalHash:      s.LocalHash,
		RemoteHash:     s.RemoteHash,
		LocalModified:  formatTime(s.LocalModified),
		RemoteModified: formatTime(s.RemoteModified),
		LocalSize:      s.LocalSize,
		RemoteSize:     s.RemoteSize,
		Status:         string(s.Status),
		LastSyncTime:   formatTime(s.LastSyncTime),
		ETag:           s.ETag,
		ErrorMessage:   s.ErrorMessage,
		SyncAttempts:   s.SyncAttempts,
	}
}

func fromDB(d dbSyncState) *store.SyncState {
	return &store.SyncState{
		Path:           d.Path,
		IsDirectory:    d.IsDirectory,
		LocalHash:      d.LocalHash,
		RemoteHash:     d.RemoteHash,
		LocalModified:  parseTime(d.LocalModified),
		RemoteModified: parseTime(d.RemoteModified),
		LocalSize:      d.LocalSize,
		RemoteSize:     d.RemoteSize,
		Status:         store.Status(d.Status),
		LastSyncTime:   parseTime(d.LastSyncTime),
		ETag:           d.ETag,
		ErrorMessage:   d.ErrorMessage,
		SyncAttempts:   d.SyncAttempts,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Init opens the database, takes an advisory file lock on <path>.lock so two
// processes can't share a store path concurrently (spec.md §9), and runs
// pending goose migrations.
func (s *Store) Init() error {
	if s.path != ":memory:" {
		if err := ensureParentDir(s.path); err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		s.lock = flock.New(s.path + ".lock")
		ok, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("sqlite store: acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("sqlite store: another process holds %s.lock", s.path)
		}
	}

	dsn := s.path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", dsn)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		s.unlock()
		return fmt.Errorf("sqlite store: connect: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA foreign_keys=ON;
	`); err != nil {
		db.Close()
		s.unlock()
		return fmt.Errorf("sqlite store: pragmas: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		s.unlock()
		return fmt.Errorf("sqlite store: goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		s.unlock()
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) unlock() {
	if s.lock != nil {
		s.lock.Unlock()
	}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.unlock()
	return err
}

func (s *Store) Get(path string) (*store.SyncState, error) {
	var d dbSyncState
	err := s.db.Get(&d, `SELECT * FROM sync_state WHERE path = ?`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite store: get %s: %w", path, err)
	}
	return fromDB(d), nil
}

func (s *Store) Upsert(state_ *store.SyncState) error {
	if state_ == nil {
		return errors.New("sqlite store: cannot upsert nil state")
	}
	d := toDB(state_)
	query := `INSERT INTO sync_state
		(path, is_directory, local_hash, remote_hash, local_modified, remote_modified,
		 local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts)
		VALUES (:path, :is_directory, :local_hash, :remote_hash, :local_modified, :remote_modified,
		 :local_size, :remote_size, :status, :last_sync_time, :etag, :error_message, :sync_attempts)
		ON CONFLICT(path) DO UPDATE SET
		 is_directory=excluded.is_directory, local_hash=excluded.local_hash,
		 remote_hash=excluded.remote_hash, local_modified=excluded.local_modified,
		 remote_modified=excluded.remote_modified, local_size=excluded.local_size,
		 remote_size=excluded.remote_size, status=excluded.status,
		 last_sync_time=excluded.last_sync_time, etag=excluded.etag,
		 error_message=excluded.error_message, sync_attempts=excluded.sync_attempts`
	_, err := s.db.NamedExec(query, d)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert %s: %w", state_.Path, err)
	}
	return nil
}

func (s *Store) Delete(path string) error {
	_, err := s.db.Exec(`DELETE FROM sync_state WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("sqlite store: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) ListAll() ([]*store.SyncState, error) {
	var rows []dbSyncState
	if err := s.db.Select(&rows, `SELECT * FROM sync_state`); err != nil {
		return nil, fmt.Errorf("sqlite store: list all: %w", err)
	}
	out := make([]*store.SyncState, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromDB(r))
	}
	return out, nil
}

func (s *Store) ListByStatus(status store.Status) ([]*store.SyncState, error) {
	var rows []dbSyncState
	if err := s.db.Select(&rows, `SELECT * FROM sync_state WHERE status = ?`, string(status)); err != nil {
		return nil, fmt.Errorf("sqlite store: list by status: %w", err)
	}
	out := make([]*store.SyncState, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromDB(r))
	}
	return out, nil
}

func (s *Store) AppendHistory(rec *store.OperationRecord) error {
	if rec == nil {
		return errors.New("sqlite store: cannot append nil record")
	}
	_, err := s.db.Exec(`
		INSERT INTO operation_history
		(timestamp, path, action_type, success, duration_ns, bytes_transferred, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(rec.Timestamp), rec.Path, string(rec.ActionType), rec.Success,
		rec.Duration.Nanoseconds(), rec.BytesTransferred, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: append history: %w", err)
	}
	return nil
}

type dbOperationRecord struct {
	Timestamp        string `db:"timestamp"`
	Path             string `db:"path"`
	ActionType       string `db:"action_type"`
	Success          bool   `db:"success"`
	DurationNs       int64  `db:"duration_ns"`
	BytesTransferred int64  `db:"bytes_transferred"`
	ErrorMessage     string `db:"error_message"`
}

func (s *Store) RecentHistory(limit int, since time.Time) ([]*store.OperationRecord, error) {
	var rows []dbOperationRecord
	err := s.db.Select(&rows, `
		SELECT timestamp, path, action_type, success, duration_ns, bytes_transferred, error_message
		FROM operation_history WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?`,
		formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent history: %w", err)
	}
	out := make([]*store.OperationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &store.OperationRecord{
			Timestamp:        parseTime(r.Timestamp),
			Path:             r.Path,
			ActionType:       store.ActionType(r.ActionType),
			Success:          r.Success,
			Duration:         time.Duration(r.DurationNs),
			BytesTransferred: r.BytesTransferred,
			ErrorMessage:     r.ErrorMessage,
		})
	}
	return out, nil
}

func (s *Store) PurgeHistoryBefore(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM operation_history WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite store: purge history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Stats() (*store.Stats, error) {
	rows, err := s.db.Queryx(`SELECT status, COUNT(*) AS n FROM sync_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int)
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite store: stats scan: %w", err)
		}
		counts[store.Status(status)] = n
		total += n
	}

	var sizeBytes int64
	if s.path != "" && s.path != ":memory:" {
		if fi, statErr := statSize(s.path); statErr == nil {
			sizeBytes = fi
		}
	}

	return &store.Stats{CountByStatus: counts, TotalPaths: total, StoreSizeBytes: sizeBytes}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	return mkdirAll(dir)
}
