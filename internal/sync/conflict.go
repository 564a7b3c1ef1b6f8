package sync

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/relaysync/syncd/pkg/adapter"
)

// ConflictResolution is the result a ConflictResolver returns for one
// conflict (spec.md §4.F). Ask is illegal as a returned value; callers that
// receive it from a misbehaving resolver must downgrade it to Skip.
type ConflictResolution string

const (
	ResolutionUseLocal     ConflictResolution = "use_local"
	ResolutionUseRemote    ConflictResolution = "use_remote"
	ResolutionSkip         ConflictResolution = "skip"
	ResolutionRenameLocal  ConflictResolution = "rename_local"
	ResolutionRenameRemote ConflictResolution = "rename_remote"
	ResolutionAsk          ConflictResolution = "ask"
)

// ConflictAnalysis is the input to a ConflictResolver: everything known
// about one conflicted path at planning time.
type ConflictAnalysis struct {
	Path           string
	Reason         ConflictReason
	Local          *adapter.SyncItem
	Remote         *adapter.SyncItem
	RecommendedBy  ConflictResolution
	Recommendation string // human-readable reason for the recommendation, set by Smart
}

// ConflictResolver maps a ConflictAnalysis to a concrete resolution.
type ConflictResolver func(ConflictAnalysis) ConflictResolution

// PreferNewer compares lastModified; ties are broken by size, then by
// lexicographic hash; a missing mtime on either side yields Skip.
func PreferNewer(a ConflictAnalysis) ConflictResolution {
	if a.Local == nil || a.Remote == nil {
		return ResolutionSkip
	}
	if !a.Local.HasModTime() || !a.Remote.HasModTime() {
		return ResolutionSkip
	}
	if a.Local.LastModified.After(a.Remote.LastModified) {
		return ResolutionUseLocal
	}
	if a.Remote.LastModified.After(a.Local.LastModified) {
		return ResolutionUseRemote
	}
	if a.Local.Size != a.Remote.Size {
		if a.Local.Size > a.Remote.Size {
			return ResolutionUseLocal
		}
		return ResolutionUseRemote
	}
	if a.Local.Hash != "" && a.Remote.Hash != "" && a.Local.Hash != a.Remote.Hash {
		if a.Local.Hash < a.Remote.Hash {
			return ResolutionUseLocal
		}
		return ResolutionUseRemote
	}
	return ResolutionSkip
}

// PreferLocal always keeps the local side.
func PreferLocal(ConflictAnalysis) ConflictResolution { return ResolutionUseLocal }

// PreferRemote always keeps the remote side.
func PreferRemote(ConflictAnalysis) ConflictResolution { return ResolutionUseRemote }

// Skip never auto-resolves; the SyncState stays Conflict.
func Skip(ConflictAnalysis) ConflictResolution { return ResolutionSkip }

// Smart delegates to a caller-supplied handler, first attaching a
// recommendation derived from PreferNewer so the handler (e.g. a UI prompt)
// can default to it.
func Smart(handler func(ConflictAnalysis) ConflictResolution) ConflictResolver {
	return func(a ConflictAnalysis) ConflictResolution {
		rec := PreferNewer(a)
		a.RecommendedBy = rec
		a.Recommendation = recommendationReason(a, rec)
		resolution := handler(a)
		if resolution == ResolutionAsk {
			return ResolutionSkip
		}
		return resolution
	}
}

func recommendationReason(a ConflictAnalysis, rec ConflictResolution) string {
	switch rec {
	case ResolutionUseLocal:
		return fmt.Sprintf("local %s is newer or larger", a.Path)
	case ResolutionUseRemote:
		return fmt.Sprintf("remote %s is newer or larger", a.Path)
	default:
		return "insufficient metadata to prefer a side; defaulting to skip"
	}
}

// ResolverFor maps a SyncOptions.ConflictResolution string (spec.md §4.H)
// to a built-in ConflictResolver. Ask must be paired with a caller-supplied
// handler via Smart; ResolverFor alone never returns a resolver that yields
// Ask.
func ResolverFor(name string, askHandler func(ConflictAnalysis) ConflictResolution) (ConflictResolver, error) {
	switch strings.ToLower(name) {
	case "", "prefer_newer":
		return PreferNewer, nil
	case "prefer_local":
		return PreferLocal, nil
	case "prefer_remote":
		return PreferRemote, nil
	case "skip":
		return Skip, nil
	case "ask", "smart":
		if askHandler == nil {
			return nil, fmt.Errorf("%w: conflict resolution %q requires a handler", ErrConflict, name)
		}
		return Smart(askHandler), nil
	default:
		return nil, fmt.Errorf("sync: unknown conflict resolution %q", name)
	}
}

// RenamedPath computes the sibling filename spec.md §4.F mandates for a
// rename resolution: <stem>.conflict-<UTC-ISO8601>-<hash8>.<ext>, in the
// same directory as the original.
func RenamedPath(original string, at time.Time, contentHash string) string {
	dir, stem, ext := SplitExt(original)
	stamp := at.UTC().Format("20060102T150405Z")
	disambiguator := hash8(contentHash)
	name := fmt.Sprintf("%s.conflict-%s-%s%s", stem, stamp, disambiguator, ext)
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

func hash8(contentHash string) string {
	if len(contentHash) >= 8 {
		return contentHash[:8]
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// conflictSiblingGlob returns the doublestar pattern matching every prior
// conflict-marked sibling of original, used to sweep stale rename
// collisions before choosing a new disambiguator.
func conflictSiblingGlob(original string) string {
	dir, stem, ext := SplitExt(original)
	pattern := fmt.Sprintf("%s.conflict-*-*%s", stem, ext)
	if dir == "" {
		return pattern
	}
	return path.Join(dir, pattern)
}

// FindConflictSiblings filters candidatePaths (e.g. a directory listing)
// down to those that are prior conflict-renamed siblings of original,
// grounded on the teacher's markerFileExists glob sweep
// (sync_marker.go) but matched with doublestar instead of filepath.Glob so
// it works against adapter listings, not just local filesystem paths.
func FindConflictSiblings(original string, candidatePaths []string) []string {
	pattern := conflictSiblingGlob(original)
	var matches []string
	for _, p := range candidatePaths {
		ok, err := doublestar.Match(pattern, p)
		if err == nil && ok {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches
}
