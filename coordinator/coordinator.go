// Package coordinator implements the Request Coordinator (spec.md §4.9),
// the heart of the cache engine: it turns a (manager, versions, manifest,
// lockfile) request into a packed bundle, collapsing concurrent identical
// requests into a single install via golang.org/x/sync/singleflight the
// way the teacher's blobWriter upload path collapses concurrent digest
// verification, and cleaning up its scratch directory on every exit path.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/SiestaCat/dep-cache-proxy/bundle"
	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/fingerprint"
	"github.com/SiestaCat/dep-cache-proxy/indexstore"
	"github.com/SiestaCat/dep-cache-proxy/installer"
	"github.com/SiestaCat/dep-cache-proxy/installer/sandbox"
	"github.com/SiestaCat/dep-cache-proxy/internal/dcontext"
	"github.com/SiestaCat/dep-cache-proxy/metrics"
	"github.com/SiestaCat/dep-cache-proxy/objectstore"
	"github.com/SiestaCat/dep-cache-proxy/versionpolicy"
)

// CacheRequest is the input to Handle, gathered from the transport layer
// before any validation happens.
type CacheRequest struct {
	Manager  string
	Versions map[string]string
	Manifest []byte
	Lockfile []byte
}

// CacheResponse is the successful outcome of Handle.
type CacheResponse struct {
	Fingerprint string
	DownloadURL string
	CacheHit    bool
}

// Coordinator wires together every module the state machine touches.
type Coordinator struct {
	objects *objectstore.Store
	indexes *indexstore.Store
	packer  *bundle.Packer
	policy  *versionpolicy.Policy
	runtime *sandbox.Runtime
	metrics *metrics.Recorder

	scratchRoot       string
	downloadURLPrefix string

	flight singleflight.Group
}

// New constructs a Coordinator. scratchRoot is where per-request scratch
// directories are created and removed; downloadURLPrefix is prepended to a
// fingerprint to build the response's DownloadURL (e.g. "/v1/bundles/").
func New(
	objects *objectstore.Store,
	indexes *indexstore.Store,
	packer *bundle.Packer,
	policy *versionpolicy.Policy,
	runtime *sandbox.Runtime,
	recorder *metrics.Recorder,
	scratchRoot string,
	downloadURLPrefix string,
) *Coordinator {
	return &Coordinator{
		objects:           objects,
		indexes:           indexes,
		packer:            packer,
		policy:            policy,
		runtime:           runtime,
		metrics:           recorder,
		scratchRoot:       scratchRoot,
		downloadURLPrefix: downloadURLPrefix,
	}
}

// Handle runs the full state machine from spec.md §4.9 for one request.
func (c *Coordinator) Handle(ctx context.Context, req CacheRequest) (CacheResponse, error) {
	inst, err := installer.New(req.Manager, req.Manifest, req.Lockfile)
	if err != nil {
		return CacheResponse{}, err
	}
	if err := validateRequiredFiles(req.Manager, inst, req.Manifest, req.Lockfile); err != nil {
		return CacheResponse{}, err
	}

	// FINGERPRINT: computed over the manifest and lockfile exactly as they
	// arrived, before any installation runs (original_source's
	// _calculate_bundle_hash operates pre-install for the same reason: the
	// fingerprint must be reproducible without paying installation cost).
	fp := fingerprint.Compute(req.Manager, req.Versions, []fingerprint.File{
		{Path: inst.ManifestName(), Content: req.Manifest},
		{Path: inst.LockfileName(), Content: req.Lockfile},
	})

	ctx = dcontext.WithFields(ctx, map[string]any{
		"fingerprint": fp,
		"manager":     req.Manager,
	})
	logger := dcontext.GetLogger(ctx)

	// LOOKUP
	if c.packer.Exists(fp) {
		logger.Debug("cache hit")
		c.metrics.CacheHits.Inc()
		return c.respond(fp, true), nil
	}
	c.metrics.CacheMisses.Inc()

	decision, reason := c.policy.Decide(req.Manager, req.Versions)
	if decision == versionpolicy.Reject {
		return CacheResponse{}, &cacheerrors.UnsupportedVersion{Manager: req.Manager, Versions: req.Versions, Reason: reason}
	}

	// ACQUIRE-SINGLEFLIGHT: at most one installation runs per fingerprint
	// at a time; late joiners share the holder's outcome. Installs a
	// *failed* holder produces are reported to every waiter as the same
	// InstallFailure rather than each waiter re-entering LOOKUP per
	// spec.md §4.9; DESIGN.md records this as an accepted divergence of
	// the singleflight-based design.
	//
	// installCtx is detached from the triggering request's cancellation
	// (spec.md §5 Cancellation item 2: a holder's install must finish and
	// populate the cache even if the request that triggered it is
	// cancelled) but still carries ctx's dcontext fields and values, so
	// logging during the install keeps its fingerprint/manager context.
	// DoChan lets every caller, holder or waiter, independently drop its
	// own response via ctx.Done() without cancelling the install itself.
	installCtx := context.WithoutCancel(ctx)
	resultCh := c.flight.DoChan(fp, func() (interface{}, error) {
		return fp, c.installStoreAndPack(installCtx, fp, req, inst, decision)
	})
	select {
	case res := <-resultCh:
		if res.Err != nil {
			return CacheResponse{}, res.Err
		}
		logger.Info("bundle packed")
		return c.respond(res.Val.(string), false), nil
	case <-ctx.Done():
		return CacheResponse{}, ctx.Err()
	}
}

func (c *Coordinator) respond(fp string, hit bool) CacheResponse {
	return CacheResponse{
		Fingerprint: fp,
		DownloadURL: path.Join(c.downloadURLPrefix, fp),
		CacheHit:    hit,
	}
}

// installStoreAndPack runs INSTALL -> STORE -> PACK -> RELEASE. It is the
// body of the single-flight closure: only one goroutine per fingerprint
// ever executes it concurrently.
func (c *Coordinator) installStoreAndPack(ctx context.Context, fp string, req CacheRequest, inst installer.Installer, decision versionpolicy.Decision) error {
	// A second flight for the same fingerprint can start after the first
	// has already forgotten the key; re-check so we never install twice.
	if c.packer.Exists(fp) {
		return nil
	}

	var runner installer.Installer = inst
	mode := "native"
	if decision == versionpolicy.Sandboxed {
		mode = "sandboxed"
		runner = &sandbox.Installer{
			Runtime: c.runtime,
			Inner:   inst,
			Version: sandboxVersion(req.Manager, req.Versions),
		}
	}

	scratchDir, err := os.MkdirTemp(c.scratchRoot, "install-"+uuid.NewString()+"-")
	if err != nil {
		return &cacheerrors.StorageError{Op: "mkdir-scratch", Path: c.scratchRoot, Err: err}
	}
	defer os.RemoveAll(scratchDir)

	c.metrics.Installs.WithValues(req.Manager, mode).Inc(1)
	start := time.Now()
	result, err := runner.Install(ctx, scratchDir)
	c.metrics.InstallSeconds.WithValues(req.Manager, mode).UpdateSince(start)
	if err != nil {
		return err
	}
	if !result.Success {
		c.metrics.InstallFailures.WithValues(req.Manager, mode).Inc(1)
		return &cacheerrors.InstallFailure{Manager: req.Manager, Stderr: result.Stderr}
	}

	mapping := make(map[string]string, len(result.Files))
	for _, f := range result.Files {
		hash, _, err := c.objects.Put(ctx, bytes.NewReader(f.Content))
		if err != nil {
			return err
		}
		mapping[bundlePathFor(inst, f)] = hash
	}

	versionTag := versionTagFor(req.Manager, req.Versions)
	if err := c.indexes.Save(fp, req.Manager, versionTag, mapping); err != nil {
		return err
	}

	if _, err := c.packer.Pack(ctx, fp); err != nil {
		return err
	}
	c.metrics.BundlesPacked.Inc()
	return nil
}

// bundlePathFor places an installer's output file under the bundle layout:
// everything lives under the manager's output root except a generated
// lockfile, which belongs at the bundle root next to where it would sit in
// a real project checkout.
func bundlePathFor(inst installer.Installer, f installer.File) string {
	if f.Path == inst.LockfileName() {
		return f.Path
	}
	return path.Join(inst.OutputRoot(), f.Path)
}

// sandboxVersion picks the runtime version string used to select the
// pinned container image, per spec.md §4.7 item 2.
func sandboxVersion(manager string, versions map[string]string) string {
	switch manager {
	case "npm":
		return versions["node"]
	case "composer":
		return versions["php"]
	default:
		return versions["runtime"]
	}
}

// versionTagFor folds the declared version fields into the index
// filename's informational tag (spec.md §4.4: purely informational, never
// parsed back out).
func versionTagFor(manager string, versions map[string]string) string {
	switch manager {
	case "npm":
		node := versions["node"]
		pm := versions["npm"]
		if pm == "" {
			pm = versions["yarn"]
		}
		if node == "" && pm == "" {
			return ""
		}
		return fmt.Sprintf("%s_%s", orUnknown(node), orUnknown(pm))
	case "composer":
		return orUnknown(versions["php"])
	default:
		return ""
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// validateRequiredFiles enforces spec.md §4.1's per-manager file
// requirements: a manifest is always required, a lockfile is required for
// composer (there is no `composer install` equivalent of `npm install`
// without one worth caching) but optional for npm, where its absence
// selects `npm install` over `npm ci`.
func validateRequiredFiles(manager string, inst installer.Installer, manifest, lockfile []byte) error {
	if len(manifest) == 0 {
		return &cacheerrors.InvalidRequest{Reason: "missing " + inst.ManifestName()}
	}
	if manager == "composer" && len(lockfile) == 0 {
		return &cacheerrors.InvalidRequest{Reason: "missing " + inst.LockfileName() + " (required for composer)"}
	}
	return nil
}
