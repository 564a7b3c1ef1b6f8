package sync

import (
	"errors"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPath signals a structurally malformed or out-of-root path.
var ErrInvalidPath = errors.New("sync: invalid path")

// NormalizePath converts a native-separator, possibly-relative input path
// into the engine's canonical relative path form: POSIX separators, no
// leading separator, no "." or ".." segments, NFC-normalized (so a path
// typed with a decomposed accent on macOS compares equal to its composed
// form from another endpoint). Paths that would resolve above the root
// after collapsing segments fail with ErrInvalidPath.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = norm.NFC.String(p)

	cleaned := path.Clean(strings.TrimLeft(p, "/"))

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// JoinPath joins canonical-relative segments and re-normalizes the result,
// used when the Conflict Resolver derives a sibling filename.
func JoinPath(segments ...string) (string, error) {
	return NormalizePath(path.Join(segments...))
}

// SplitExt splits a canonical path into its directory, file stem, and
// extension (extension includes the leading dot, empty if none).
func SplitExt(p string) (dir, stem, ext string) {
	dir, file := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	ext = path.Ext(file)
	stem = strings.TrimSuffix(file, ext)
	return dir, stem, ext
}
