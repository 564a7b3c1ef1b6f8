// Package bolt is a second store.Store implementation, over go.etcd.io/bbolt,
// proving the state store contract (spec.md §4.C, §6) is genuinely
// pluggable rather than tied to sqlite's query model.
package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/relaysync/syncd/pkg/store"
)

var (
	bucketState   = []byte("sync_state")
	bucketHistory = []byte("operation_history")
)

// Store is a bbolt-backed store.Store. A single *bbolt.DB file holds both
// the sync_state and operation_history buckets; bbolt's own file lock
// (flock under the hood) already enforces single-writer access, so unlike
// the sqlite backend this store needs no separate advisory lock file.
type Store struct {
	path string
	db   *bbolt.DB
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Init() error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := ensureDir(dir); err != nil {
			return fmt.Errorf("bolt store: %w", err)
		}
	}
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("bolt store: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("bolt store: create buckets: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(path string) (*store.SyncState, error) {
	var out *store.SyncState
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(path))
		if v == nil {
			return nil
		}
		var st store.SyncState
		if err := json.Unmarshal(v, &st); err != nil {
			return err
		}
		out = &st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt store: get %s: %w", path, err)
	}
	return out, nil
}

func (s *Store) Upsert(state_ *store.SyncState) error {
	if state_ == nil {
		return errors.New("bolt store: cannot upsert nil state")
	}
	buf, err := json.Marshal(state_)
	if err != nil {
		return fmt.Errorf("bolt store: marshal %s: %w", state_.Path, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(state_.Path), buf)
	})
	if err != nil {
		return fmt.Errorf("bolt store: upsert %s: %w", state_.Path, err)
	}
	return nil
}

func (s *Store) Delete(path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("bolt store: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) ListAll() ([]*store.SyncState, error) {
	var out []*store.SyncState
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(k, v []byte) error {
			var st store.SyncState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt store: list all: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) ListByStatus(status store.Status) ([]*store.SyncState, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]*store.SyncState, 0, len(all))
	for _, st := range all {
		if st.Status == status {
			out = append(out, st)
		}
	}
	return out, nil
}

// historyKey encodes a monotonic, lexicographically sortable key from a
// bucket auto-increment sequence so range scans come back in append order
// without a secondary index, same trick bbolt's own docs recommend.
func historyKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (s *Store) AppendHistory(rec *store.OperationRecord) error {
	if rec == nil {
		return errors.New("bolt store: cannot append nil record")
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt store: marshal history: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(historyKey(seq), buf)
	})
	if err != nil {
		return fmt.Errorf("bolt store: append history: %w", err)
	}
	return nil
}

func (s *Store) RecentHistory(limit int, since time.Time) ([]*store.OperationRecord, error) {
	var all []*store.OperationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var rec store.OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Timestamp.Before(since) {
				all = append(all, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt store: recent history: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) PurgeHistoryBefore(before time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec store.OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Timestamp.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt store: purge history: %w", err)
	}
	return purged, nil
}

func (s *Store) Stats() (*store.Stats, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	counts := make(map[store.Status]int)
	for _, st := range all {
		counts[st.Status]++
	}
	var size int64
	if fi, statErr := statSize(s.path); statErr == nil {
		size = fi
	}
	return &store.Stats{CountByStatus: counts, TotalPaths: len(all), StoreSizeBytes: size}, nil
}
