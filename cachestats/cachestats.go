// Package cachestats implements the supplemented cache statistics
// feature recovered from original_source's
// FileSystemCacheRepository.get_cache_stats: a read-only walk counting
// blobs, indexes, and bundles plus total on-disk bytes. It is pure
// observability over existing state, not dependency resolution,
// distribution, or GC, so it sits outside any of spec.md's Non-goals.
package cachestats

import (
	"os"
	"path/filepath"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
)

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	TotalBlobs     int   `json:"total_blobs"`
	TotalIndexes   int   `json:"total_indexes"`
	TotalBundles   int   `json:"total_bundles"`
	CacheSizeBytes int64 `json:"cache_size_bytes"`
}

// Collect walks objects/, indexes/, and bundles/ under cacheDir and
// returns their combined accounting. Missing subdirectories contribute
// zero rather than an error, since a freshly initialized cache may not
// have written any bundles yet.
func Collect(cacheDir string) (Stats, error) {
	var s Stats

	blobs, blobBytes, err := walkCount(filepath.Join(cacheDir, "objects"), "")
	if err != nil {
		return Stats{}, err
	}
	s.TotalBlobs = blobs
	s.CacheSizeBytes += blobBytes

	indexes, indexBytes, err := walkCount(filepath.Join(cacheDir, "indexes"), ".index")
	if err != nil {
		return Stats{}, err
	}
	s.TotalIndexes = indexes
	s.CacheSizeBytes += indexBytes

	bundles, bundleBytes, err := walkCount(filepath.Join(cacheDir, "bundles"), ".zip")
	if err != nil {
		return Stats{}, err
	}
	s.TotalBundles = bundles
	s.CacheSizeBytes += bundleBytes

	return s, nil
}

// walkCount counts regular files under root whose name has the given
// suffix (empty suffix matches every file, used for the Blob Store where
// filenames are bare hex hashes) and sums their sizes.
func walkCount(root, suffix string) (count int, size int64, err error) {
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if suffix != "" && filepath.Ext(p) != suffix {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	})
	if walkErr != nil {
		return 0, 0, &cacheerrors.StorageError{Op: "stats-walk", Path: root, Err: walkErr}
	}
	return count, size, nil
}
