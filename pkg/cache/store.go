// Package cache implements the Integrity & Artifact Store (C2) and the
// Cache Index (C3). Store is content-addressed and identity-agnostic;
// Index owns the identity→entry mapping, statistics, and eviction.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/venvforge/pvm/internal/logx"
	"github.com/venvforge/pvm/internal/perr"
)

// ErrMiss is returned by Get when the artifact is not present.
var ErrMiss = errors.New("cache: artifact not present")

// Store is the content-addressed artifact tree rooted at Root, grounded on
// the teacher's atomic write-then-rename pattern
// (pkg/environment/state.go) generalized from a single JSON document to
// arbitrary binary blobs, and on pkg/runner/persistent.go's sha256-based
// content hashing.
type Store struct {
	root string
}

// NewStore ensures root exists and returns a ready Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, perr.Wrap(perr.IOFailure, "creating artifact store root", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put streams r to a temporary file under Root while computing SHA-256,
// then atomically renames it to the content-addressed path. Returns the
// hex-encoded hash and the byte size written.
func (s *Store) Put(r io.Reader) (hash string, size int64, err error) {
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return "", 0, perr.Wrap(perr.IOFailure, "creating temp artifact file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, perr.Wrap(perr.IOFailure, "writing artifact", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, perr.Wrap(perr.IOFailure, "closing artifact temp file", err)
	}

	hash = hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, perr.Wrap(perr.IOFailure, "creating artifact shard directory", err)
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		// Identical content already stored; the rename would still succeed,
		// but skipping it keeps the existing file's mtime/inode stable for
		// any concurrent reader holding an open handle.
		logx.For("cache.store").Debug().Str("hash", hash).Msg("artifact already present")
		return hash, n, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, perr.Wrap(perr.IOFailure, "renaming artifact into place", err)
	}
	return hash, n, nil
}

// Get opens the artifact for hash. Returns ErrMiss if absent.
func (s *Store) Get(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, perr.Wrap(perr.IOFailure, "opening artifact", err)
	}
	return f, nil
}

// Verify re-reads the artifact for hash and recomputes its SHA-256,
// reporting whether it still matches.
func (s *Store) Verify(hash string) (bool, error) {
	f, err := s.Get(hash)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, perr.Wrap(perr.IOFailure, "reading artifact for verification", err)
	}
	return hex.EncodeToString(h.Sum(nil)) == hash, nil
}

// Drop removes the artifact for hash. Idempotent: a missing file is not an
// error, per spec.md §4.2.
func (s *Store) Drop(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return perr.Wrap(perr.IOFailure, fmt.Sprintf("dropping artifact %s", hash), err)
	}
	return nil
}
