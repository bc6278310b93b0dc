// Package bundle implements the Bundle Packer and Download Service
// (spec.md §4.5, §4.10): materializing an index into a DEFLATE-compressed
// ZIP at bundles/<aa>/<bb>/<hash>.zip, atomically, and serving it back as a
// byte stream. The packing approach — streaming each content-addressed
// blob straight into a zip.Writer entry — mirrors the teacher/pack's own
// content-addressed-to-archive pattern in blobpacked.go (other_examples),
// which builds zip files out of a logical-to-physical blob index the same
// way. klauspost/compress's flate implementation is registered on each
// bundle's zip.Writer as its DEFLATE compressor; it's a drop-in faster
// encoder than the standard library's, and the domain stack explicitly
// wires it here.
package bundle

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	kflate "github.com/klauspost/compress/flate"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/indexstore"
	"github.com/SiestaCat/dep-cache-proxy/objectstore"
)

// Packer produces and serves packed bundles.
type Packer struct {
	root    string
	indexes *indexstore.Store
	objects *objectstore.Store
}

// New constructs a Packer rooted at <cacheDir>/bundles.
func New(cacheDir string, indexes *indexstore.Store, objects *objectstore.Store) (*Packer, error) {
	root := filepath.Join(cacheDir, "bundles")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &cacheerrors.StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Packer{root: root, indexes: indexes, objects: objects}, nil
}

func (p *Packer) path(fingerprint string) string {
	return filepath.Join(p.root, fingerprint[0:2], fingerprint[2:4], fingerprint+".zip")
}

// Path returns the would-be path for fingerprint, regardless of whether it
// exists. Used by the Download Service and by cache-hit lookups.
func (p *Packer) Path(fingerprint string) string {
	return p.path(fingerprint)
}

// Exists reports whether a packed bundle is already on disk for
// fingerprint. Its existence is the authoritative cache-hit signal
// (spec.md's Packed Bundle invariant).
func (p *Packer) Exists(fingerprint string) bool {
	_, err := os.Stat(p.path(fingerprint))
	return err == nil
}

// Pack materializes the index for fingerprint into a ZIP, atomically. If
// the ZIP already exists, it is returned unchanged (idempotent, spec.md
// invariant 9). Returns cacheerrors.NotFound if no index exists for
// fingerprint.
func (p *Packer) Pack(ctx context.Context, fingerprint string) (string, error) {
	target := p.path(fingerprint)
	if p.Exists(fingerprint) {
		return target, nil
	}

	mapping, err := p.indexes.Load(fingerprint)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &cacheerrors.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "bundle-*.zip.tmp")
	if err != nil {
		return "", &cacheerrors.StorageError{Op: "create-temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := p.writeZip(tmp, mapping); err != nil {
		return "", err
	}

	if err := tmp.Sync(); err != nil {
		return "", &cacheerrors.StorageError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &cacheerrors.StorageError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		if p.Exists(fingerprint) {
			// Lost the pack race to a concurrent packer for the same
			// fingerprint; the losing rename is harmless (same bytes).
			succeeded = true
			os.Remove(tmpPath)
			return target, nil
		}
		return "", &cacheerrors.StorageError{Op: "rename", Path: target, Err: err}
	}

	succeeded = true
	return target, nil
}

func (p *Packer) writeZip(w io.Writer, mapping map[string]string) error {
	paths := make([]string, 0, len(mapping))
	for path := range mapping {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(out, kflate.DefaultCompression)
	})
	for _, path := range paths {
		blobHash := mapping[path]
		entryWriter, err := zw.Create(path)
		if err != nil {
			zw.Close()
			return &cacheerrors.StorageError{Op: "zip-create-entry", Path: path, Err: err}
		}

		blobReader, err := p.objects.Get(context.Background(), blobHash)
		if err != nil {
			zw.Close()
			return err
		}

		_, copyErr := io.Copy(entryWriter, blobReader)
		blobReader.Close()
		if copyErr != nil {
			zw.Close()
			return &cacheerrors.StorageError{Op: "zip-write-entry", Path: path, Err: copyErr}
		}
	}
	if err := zw.Close(); err != nil {
		return &cacheerrors.StorageError{Op: "zip-close", Path: "", Err: err}
	}
	return nil
}

// Open returns a reader over the packed bundle and its size, for the
// Download Service. Returns cacheerrors.NotFound if no bundle is packed
// for fingerprint.
func (p *Packer) Open(fingerprint string) (io.ReadSeekCloser, int64, error) {
	path := p.path(fingerprint)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &cacheerrors.NotFound{Fingerprint: fingerprint}
		}
		return nil, 0, &cacheerrors.StorageError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, &cacheerrors.StorageError{Op: "stat", Path: path, Err: err}
	}
	return f, info.Size(), nil
}
