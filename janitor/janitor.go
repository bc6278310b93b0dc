// Package janitor implements the Janitor (spec.md §4.11): an age-based
// sweep of packed bundles only, grounded the same way the teacher's
// storage.MarkAndSweep walks and removes blobs under a GCOpts policy,
// simplified here to a single mtime cutoff since packed bundles (unlike
// registry blobs) carry no reference graph to mark first.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/internal/dcontext"
	"github.com/SiestaCat/dep-cache-proxy/metrics"
)

// Janitor sweeps stale packed bundles from a cache root.
type Janitor struct {
	bundlesRoot string
	metrics     *metrics.Recorder
}

// New constructs a Janitor rooted at <cacheDir>/bundles. It never touches
// <cacheDir>/objects or <cacheDir>/indexes, per spec.md §4.11: blobs and
// indexes are content-addressed and may be shared across bundles that
// haven't been swept yet, or reused by a future identical request.
func New(cacheDir string, recorder *metrics.Recorder) *Janitor {
	return &Janitor{bundlesRoot: filepath.Join(cacheDir, "bundles"), metrics: recorder}
}

// Sweep removes every bundle zip under bundlesRoot whose modification time
// is older than maxAge, relative to now. It logs and skips individual
// removal failures rather than aborting the whole sweep — a single
// permission error or concurrent unlink should not stop the rest of the
// sweep from making progress.
func (j *Janitor) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	logger := dcontext.GetLogger(ctx)
	cutoff := timeNow().Add(-maxAge)

	removed := 0
	err := filepath.WalkDir(j.bundlesRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".zip" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.WithError(err).Warnf("janitor: stat failed for %s, skipping", p)
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(p); err != nil {
			logger.WithError(err).Warnf("janitor: remove failed for %s, skipping", p)
			return nil
		}
		removed++
		j.metrics.SweptBundles.Inc()
		return nil
	})
	if err != nil {
		return removed, &cacheerrors.StorageError{Op: "sweep", Path: j.bundlesRoot, Err: err}
	}
	return removed, nil
}

// timeNow is a seam so tests can't rely on wall-clock timing races; it is
// always time.Now in production.
var timeNow = time.Now
