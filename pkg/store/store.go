// Package store defines the durable state store contract (spec.md §4.C):
// a transactional map from relative path to SyncState, plus an append-only
// operation history. Concrete backends live in sibling packages
// (pkg/store/sqlite, pkg/store/bolt).
package store

import "time"

// Status is the lifecycle state of a single path's sync record.
type Status string

const (
	StatusSynced          Status = "synced"
	StatusLocalNew        Status = "local_new"
	StatusRemoteNew       Status = "remote_new"
	StatusLocalModified   Status = "local_modified"
	StatusRemoteModified  Status = "remote_modified"
	StatusLocalDeleted    Status = "local_deleted"
	StatusRemoteDeleted   Status = "remote_deleted"
	StatusConflict        Status = "conflict"
	StatusError           Status = "error"
	StatusIgnored         Status = "ignored"
)

// SyncState is the persistent, per-path record described in spec.md §3.
type SyncState struct {
	Path           string
	IsDirectory    bool
	LocalHash      string
	RemoteHash     string
	LocalModified  time.Time
	RemoteModified time.Time
	LocalSize      int64
	RemoteSize     int64
	Status         Status
	LastSyncTime   time.Time
	ETag           string
	ErrorMessage   string
	SyncAttempts   int
}

// ActionType enumerates the operations an Executor performs.
type ActionType string

const (
	ActionUpload       ActionType = "upload"
	ActionDownload     ActionType = "download"
	ActionDeleteLocal  ActionType = "delete_local"
	ActionDeleteRemote ActionType = "delete_remote"
	ActionConflict     ActionType = "conflict"
	ActionSkip         ActionType = "skip"
	ActionRename       ActionType = "rename"
)

// OperationRecord is one append-only history entry (spec.md §3).
type OperationRecord struct {
	Timestamp        time.Time
	Path             string
	ActionType       ActionType
	Success          bool
	Duration         time.Duration
	BytesTransferred int64
	ErrorMessage     string
}

// Stats aggregates totals for observability (spec.md §4.C `stats()`).
type Stats struct {
	CountByStatus map[Status]int
	TotalPaths    int
	StoreSizeBytes int64
}

// Store is the durable state store contract. Every method is transactional
// per call; concurrent calls from multiple engine internals are serialized
// by the implementation (spec.md §4.C).
type Store interface {
	// Init ensures the backing schema exists. Idempotent.
	Init() error

	// Close releases the store's resources (connections, file locks).
	Close() error

	Get(path string) (*SyncState, error)
	Upsert(state *SyncState) error
	Delete(path string) error

	ListAll() ([]*SyncState, error)
	ListByStatus(status Status) ([]*SyncState, error)

	AppendHistory(rec *OperationRecord) error
	RecentHistory(limit int, since time.Time) ([]*OperationRecord, error)
	PurgeHistoryBefore(before time.Time) (int, error)

	Stats() (*Stats, error)
}
