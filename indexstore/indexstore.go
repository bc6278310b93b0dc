// Package indexstore implements the Index Store (spec.md §4.4): the
// per-bundle map from relative file path to blob hash, persisted as
// stable-sorted JSON at indexes/<aa>/<bb>/<hash>.<manager>.<version-tag>.index.
// The version tag is purely informational (spec.md §9 Open Questions);
// Load never parses it back out, matching the grounding in
// original_source's FileSystemCacheRepository.get_index, which globs for
// any file starting with the bundle hash and ignores the suffix.
package indexstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
)

// Store is the Index Store. Construct with New.
type Store struct {
	root string
}

// New constructs a Store rooted at <cacheDir>/indexes.
func New(cacheDir string) (*Store, error) {
	root := filepath.Join(cacheDir, "indexes")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &cacheerrors.StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Store{root: root}, nil
}

func (s *Store) shardDir(fingerprint string) string {
	return filepath.Join(s.root, fingerprint[0:2], fingerprint[2:4])
}

// Save persists the path->blob-hash mapping for fingerprint, as sorted-key,
// 2-space-indent JSON, written atomically via temp file + rename. The
// caller must have already ensured every referenced blob hash exists in
// the Blob Store (spec.md's Index invariant).
func (s *Store) Save(fingerprint, manager, versionTag string, mapping map[string]string) error {
	dir := s.shardDir(fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &cacheerrors.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	if versionTag == "" {
		versionTag = "unknown"
	}
	filename := fmt.Sprintf("%s.%s.%s.index", fingerprint, manager, versionTag)
	target := filepath.Join(dir, filename)

	data, err := marshalSorted(mapping)
	if err != nil {
		return &cacheerrors.StorageError{Op: "marshal", Path: target, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "index-*.tmp")
	if err != nil {
		return &cacheerrors.StorageError{Op: "create-temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &cacheerrors.StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &cacheerrors.StorageError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &cacheerrors.StorageError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return &cacheerrors.StorageError{Op: "rename", Path: target, Err: err}
	}
	return nil
}

// Load locates the unique index file whose name starts with fingerprint in
// the sharded directory and returns its mapping. If more than one file
// matches (version tag differs), the first encountered is returned —
// callers must not depend on which, per spec.md §4.4; in practice the
// fingerprint already binds versions so this does not occur.
func (s *Store) Load(fingerprint string) (map[string]string, error) {
	dir := s.shardDir(fingerprint)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &cacheerrors.NotFound{Fingerprint: fingerprint}
		}
		return nil, &cacheerrors.StorageError{Op: "readdir", Path: dir, Err: err}
	}

	prefix := fingerprint + "."
	names := make([]string, 0, 1)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".index") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, &cacheerrors.NotFound{Fingerprint: fingerprint}
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		return nil, &cacheerrors.StorageError{Op: "read", Path: names[0], Err: err}
	}

	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, &cacheerrors.StorageError{Op: "unmarshal", Path: names[0], Err: err}
	}
	return mapping, nil
}

// Exists reports whether an index is present for fingerprint. It loads and
// decodes the index, so an unreadable or malformed index reports false.
func (s *Store) Exists(fingerprint string) bool {
	_, err := s.Load(fingerprint)
	return err == nil
}

func marshalSorted(mapping map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json already sorts map keys on marshal, but we build an
	// explicit ordered buffer so the 2-space indent and key order are both
	// guaranteed regardless of future Go json package behavior changes.
	var b strings.Builder
	b.WriteString("{\n")
	for i, k := range keys {
		line, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(mapping[k])
		if err != nil {
			return nil, err
		}
		b.WriteString("  ")
		b.Write(line)
		b.WriteString(": ")
		b.Write(val)
		if i != len(keys)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return []byte(b.String()), nil
}
