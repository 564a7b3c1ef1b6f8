package sync

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaysync/syncd/pkg/adapter"
	"github.com/relaysync/syncd/pkg/store"
)

// ChangeKind classifies one side of a path against its recorded shadow
// (spec.md §4.D).
type ChangeKind string

const (
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeNew       ChangeKind = "new"
	ChangeModified  ChangeKind = "modified"
	ChangeDeleted   ChangeKind = "deleted"
)

// SideChange is one side (local or remote) of a change triplet.
type SideChange struct {
	Kind ChangeKind
	Item *adapter.SyncItem // nil iff Kind == ChangeDeleted or the path never existed on this side
}

// Triplet is the Change Detector's output for a single path: (Lp, Rp, Sp)
// in spec.md §4.D terms.
type Triplet struct {
	Path    string
	Local   SideChange
	Remote  SideChange
	Stored  *store.SyncState // nil if this path has no prior recorded state
}

// Detector compares local/remote listings against stored shadows to produce
// change triplets, grounded on the teacher's sync_local_state.go /
// file_metadata.go comparison logic, generalized to the two-sided model.
type Detector struct {
	localAdapter  adapter.StorageAdapter
	remoteAdapter adapter.StorageAdapter
	hashCache     *lru.Cache[string, string]
}

// NewDetector builds a Detector. cacheSize bounds the advisory hash cache
// (spec.md §4.D: "such caches are advisory and must be re-verified before
// use if either side is re-listed") — hashicorp/golang-lru replaces an
// unbounded map so long-running engines don't grow memory without limit.
func NewDetector(localAdapter, remoteAdapter adapter.StorageAdapter, cacheSize int) (*Detector, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("sync: new hash cache: %w", err)
	}
	return &Detector{localAdapter: localAdapter, remoteAdapter: remoteAdapter, hashCache: cache}, nil
}

// Detect produces one Triplet per path in local ∪ remote ∪ stored.
func (d *Detector) Detect(
	ctx context.Context,
	local, remote map[string]*adapter.SyncItem,
	stored map[string]*store.SyncState,
	opts SyncOptions,
) ([]Triplet, error) {
	// Each Detect call works from fresh listings, so hashes cached by an
	// earlier call are dropped rather than reused.
	d.hashCache.Purge()

	paths := mapset.NewThreadUnsafeSet[string]()
	for p := range local {
		paths.Add(p)
	}
	for p := range remote {
		paths.Add(p)
	}
	for p := range stored {
		paths.Add(p)
	}

	triplets := make([]Triplet, 0, paths.Cardinality())
	for _, p := range paths.ToSlice() {
		st := stored[p]

		localSide, err := d.classify(ctx, sideLocal, p, local[p], st, opts)
		if err != nil {
			return nil, err
		}
		remoteSide, err := d.classify(ctx, sideRemote, p, remote[p], st, opts)
		if err != nil {
			return nil, err
		}

		triplets = append(triplets, Triplet{Path: p, Local: localSide, Remote: remoteSide, Stored: st})
	}
	return triplets, nil
}

type side int

const (
	sideLocal side = iota
	sideRemote
)

// classify determines a single side's ChangeKind by comparing item against
// its recorded shadow in st, using the comparison-key precedence of
// spec.md §4.D.
func (d *Detector) classify(ctx context.Context, s side, path string, item *adapter.SyncItem, st *store.SyncState, opts SyncOptions) (SideChange, error) {
	hasShadow := st != nil && shadowExists(s, st)

	if item == nil {
		if hasShadow {
			return SideChange{Kind: ChangeDeleted}, nil
		}
		return SideChange{Kind: ChangeUnchanged}, nil // never observed on this side, nothing to report
	}
	if !hasShadow {
		return SideChange{Kind: ChangeNew, Item: item}, nil
	}

	adp := d.localAdapter
	if s == sideRemote {
		adp = d.remoteAdapter
	}

	cur, err := d.keyOf(ctx, path, item, adp, opts)
	if err != nil {
		return SideChange{}, err
	}
	shadow := shadowKey(s, st, opts)

	if keysEqual(cur, shadow) {
		return SideChange{Kind: ChangeUnchanged, Item: item}, nil
	}
	return SideChange{Kind: ChangeModified, Item: item}, nil
}

func shadowExists(s side, st *store.SyncState) bool {
	if s == sideLocal {
		return st.LocalSize != 0 || !st.LocalModified.IsZero() || st.LocalHash != ""
	}
	return st.RemoteSize != 0 || !st.RemoteModified.IsZero() || st.RemoteHash != ""
}

// comparisonKey is the tuple the Change Detector compares for equality
// (spec.md §4.D "Comparison key").
type comparisonKey struct {
	useHash    bool
	hash       string
	size       int64
	useModTime bool
	modUnixSec int64
}

func keysEqual(a, b comparisonKey) bool {
	if a.useHash || b.useHash {
		return a.hash == b.hash
	}
	if a.size != b.size {
		return false
	}
	if a.useModTime && b.useModTime {
		return a.modUnixSec == b.modUnixSec
	}
	return true
}

func (d *Detector) keyOf(ctx context.Context, path string, item *adapter.SyncItem, adp adapter.StorageAdapter, opts SyncOptions) (comparisonKey, error) {
	if opts.ChecksumOnly {
		h, err := d.hash(ctx, path, item, adp)
		if err != nil {
			return comparisonKey{}, err
		}
		return comparisonKey{useHash: true, hash: h}, nil
	}
	if opts.SizeOnly {
		return comparisonKey{size: item.Size}, nil
	}
	if item.HasModTime() && adp.Capabilities().SupportsTimestamps {
		return comparisonKey{size: item.Size, useModTime: true, modUnixSec: item.LastModified.Unix()}, nil
	}
	// Fall back to (size, hash) when the endpoint lacks mtime support.
	h, err := d.hash(ctx, path, item, adp)
	if err != nil {
		return comparisonKey{}, err
	}
	return comparisonKey{size: item.Size, useHash: true, hash: h}, nil
}

func (d *Detector) hash(ctx context.Context, path string, item *adapter.SyncItem, adp adapter.StorageAdapter) (string, error) {
	if item.Hash != "" {
		return item.Hash, nil
	}
	cacheKey := adp.Name() + ":" + path
	if h, ok := d.hashCache.Get(cacheKey); ok {
		return h, nil
	}
	h, err := adp.Hash(ctx, path)
	if err != nil {
		return "", fmt.Errorf("sync: hash %s: %w", path, err)
	}
	d.hashCache.Add(cacheKey, h)
	item.Hash = h
	return h, nil
}

func shadowKey(s side, st *store.SyncState, opts SyncOptions) comparisonKey {
	if s == sideLocal {
		if opts.ChecksumOnly {
			return comparisonKey{useHash: true, hash: st.LocalHash}
		}
		if opts.SizeOnly {
			return comparisonKey{size: st.LocalSize}
		}
		if !st.LocalModified.IsZero() {
			return comparisonKey{size: st.LocalSize, useModTime: true, modUnixSec: st.LocalModified.Unix()}
		}
		return comparisonKey{size: st.LocalSize, useHash: true, hash: st.LocalHash}
	}
	if opts.ChecksumOnly {
		return comparisonKey{useHash: true, hash: st.RemoteHash}
	}
	if opts.SizeOnly {
		return comparisonKey{size: st.RemoteSize}
	}
	if !st.RemoteModified.IsZero() {
		return comparisonKey{size: st.RemoteSize, useModTime: true, modUnixSec: st.RemoteModified.Unix()}
	}
	return comparisonKey{size: st.RemoteSize, useHash: true, hash: st.RemoteHash}
}
