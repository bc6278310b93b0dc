// Package objectstore implements the Blob Store (spec.md §4.2): an
// immutable, content-addressed file store under objects/<aa>/<bb>/<hash>,
// sharded two levels deep by hex prefix the way the teacher's
// storagedriver/filesystem driver lays out the registry's blob backend.
// Writes are atomic (temp file + fsync + rename within the same
// directory), so a crash mid-write never leaves a corrupt blob visible at
// its final path.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/hashutil"
)

// Store is the Blob Store. The zero value is not usable; construct with
// New.
type Store struct {
	root string
}

// New constructs a Store rooted at <cacheDir>/objects.
func New(cacheDir string) (*Store, error) {
	root := filepath.Join(cacheDir, "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &cacheerrors.StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Store{root: root}, nil
}

// shardedPath returns objects/<aa>/<bb>/<hash> for a hex-encoded hash.
func (s *Store) shardedPath(hash string) string {
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash)
}

// Path returns the on-disk path for a blob hash, for callers (the Bundle
// Packer) that want to stream directly from it.
func (s *Store) Path(hash string) string {
	return s.shardedPath(hash)
}

// Exists reports whether a blob with the given hash is already stored.
func (s *Store) Exists(hash string) (bool, error) {
	_, err := os.Stat(s.shardedPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &cacheerrors.StorageError{Op: "stat", Path: hash, Err: err}
}

// Put hashes r's content and stores it. The content is always first
// written to a temp file while it is hashed; if a blob with the resulting
// hash already exists, the temp file is discarded (idempotent, no torn
// reads: the existing file is never touched). Returns the hex hash and the
// number of bytes read.
func (s *Store) Put(ctx context.Context, r io.Reader) (hash string, size int64, err error) {
	dir := filepath.Join(s.root, ".tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "create-temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := hashutil.NewStreamingHasher()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "write", Path: tmpPath, Err: err}
	}

	if err := tmp.Sync(); err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "close", Path: tmpPath, Err: err}
	}

	digestHex := hashutil.Hex(hasher.Digest())
	finalPath := s.shardedPath(digestHex)

	if exists, err := s.Exists(digestHex); err != nil {
		return "", 0, err
	} else if exists {
		// Concurrent put of identical bytes is a benign no-op: the bytes at
		// finalPath are, by construction, the same bytes we just hashed.
		os.Remove(tmpPath)
		cleanup = false
		return digestHex, n, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", 0, &cacheerrors.StorageError{Op: "mkdir", Path: filepath.Dir(finalPath), Err: err}
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if exists, existsErr := s.Exists(digestHex); existsErr == nil && exists {
			// Lost a race against a concurrent Put of the same content;
			// the loser's rename failing is harmless.
			cleanup = true
			return digestHex, n, nil
		}
		return "", 0, &cacheerrors.StorageError{Op: "rename", Path: finalPath, Err: err}
	}

	cleanup = false
	return digestHex, n, nil
}

// Get opens a reader over the blob's content. Returns cacheerrors.NotFound
// if no such blob exists.
func (s *Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.shardedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &cacheerrors.NotFound{Fingerprint: hash}
		}
		return nil, &cacheerrors.StorageError{Op: "open", Path: hash, Err: err}
	}
	return f, nil
}

// Verify reads back the blob at hash and confirms its content hashes to
// hash, satisfying spec.md's round-trip invariant (4). Intended for tests
// and operational audits, not the request hot path.
func (s *Store) Verify(ctx context.Context, hash string) error {
	r, err := s.Get(ctx, hash)
	if err != nil {
		return err
	}
	defer r.Close()

	got, err := hashutil.Sum(r)
	if err != nil {
		return &cacheerrors.StorageError{Op: "verify", Path: hash, Err: err}
	}
	if hashutil.Hex(got) != hash {
		return fmt.Errorf("blob %s: content hash mismatch, got %s", hash, hashutil.Hex(got))
	}
	return nil
}
