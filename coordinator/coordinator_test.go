package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SiestaCat/dep-cache-proxy/bundle"
	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/fingerprint"
	"github.com/SiestaCat/dep-cache-proxy/indexstore"
	"github.com/SiestaCat/dep-cache-proxy/installer/sandbox"
	"github.com/SiestaCat/dep-cache-proxy/metrics"
	"github.com/SiestaCat/dep-cache-proxy/objectstore"
	"github.com/SiestaCat/dep-cache-proxy/versionpolicy"
)

func newTestCoordinator(t *testing.T, policy *versionpolicy.Policy, rt *sandbox.Runtime) (*Coordinator, *objectstore.Store, *bundle.Packer) {
	t.Helper()
	cacheDir := t.TempDir()
	scratchDir := t.TempDir()

	objects, err := objectstore.New(cacheDir)
	require.NoError(t, err)
	indexes, err := indexstore.New(cacheDir)
	require.NoError(t, err)
	packer, err := bundle.New(cacheDir, indexes, objects)
	require.NoError(t, err)

	if rt == nil {
		rt = sandbox.NewRuntime("definitely-not-a-real-binary-xyz")
	}

	c := New(objects, indexes, packer, policy, rt, metrics.New(), scratchDir, "/v1/bundles/")
	return c, objects, packer
}

func rejectAllPolicy() *versionpolicy.Policy {
	return versionpolicy.New(map[string][]versionpolicy.Tuple{}, false, nil)
}

func TestHandleRejectsUnsupportedVersion(t *testing.T) {
	c, _, _ := newTestCoordinator(t, rejectAllPolicy(), nil)

	_, err := c.Handle(context.Background(), CacheRequest{
		Manager:  "npm",
		Versions: map[string]string{"node": "18.0.0", "npm": "9.0.0"},
		Manifest: []byte(`{"name":"t"}`),
		Lockfile: []byte(`{"lockfileVersion":2}`),
	})
	require.Error(t, err)
	var unsupported *cacheerrors.UnsupportedVersion
	require.ErrorAs(t, err, &unsupported)
}

func TestHandleRejectsMissingManifest(t *testing.T) {
	c, _, _ := newTestCoordinator(t, rejectAllPolicy(), nil)

	_, err := c.Handle(context.Background(), CacheRequest{
		Manager:  "npm",
		Versions: map[string]string{"node": "18.0.0"},
		Manifest: nil,
		Lockfile: []byte(`{}`),
	})
	require.Error(t, err)
	var invalid *cacheerrors.InvalidRequest
	require.ErrorAs(t, err, &invalid)
}

func TestHandleRejectsComposerWithoutLockfile(t *testing.T) {
	c, _, _ := newTestCoordinator(t, rejectAllPolicy(), nil)

	_, err := c.Handle(context.Background(), CacheRequest{
		Manager:  "composer",
		Versions: map[string]string{"php": "8.2"},
		Manifest: []byte(`{"name":"t"}`),
		Lockfile: nil,
	})
	require.Error(t, err)
	var invalid *cacheerrors.InvalidRequest
	require.ErrorAs(t, err, &invalid)
}

func TestHandleCacheHitSkipsVersionPolicy(t *testing.T) {
	// rejectAllPolicy would reject this request if the version policy were
	// ever consulted; a pre-existing packed bundle must short-circuit
	// straight to RESPOND without touching it.
	c, objects, packer := newTestCoordinator(t, rejectAllPolicy(), nil)

	manifest := []byte(`{"name":"t"}`)
	lockfile := []byte(`{"lockfileVersion":2}`)
	versions := map[string]string{"node": "18.0.0", "npm": "9.0.0"}

	hash, _, err := objects.Put(context.Background(), bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	fpReq := CacheRequest{Manager: "npm", Versions: versions, Manifest: manifest, Lockfile: lockfile}

	// With no bundle packed yet, the reject-everything policy must fail
	// the request.
	_, err = c.Handle(context.Background(), fpReq)
	require.Error(t, err)

	// Compute the same fingerprint the coordinator would, and pre-seed an
	// index + packed bundle for it directly, simulating a prior successful
	// install without running one here.
	fp := fingerprint.Compute("npm", versions, []fingerprint.File{
		{Path: "package.json", Content: manifest},
		{Path: "package-lock.json", Content: lockfile},
	})
	require.NoError(t, c.indexes.Save(fp, "npm", "18.0.0_9.0.0", map[string]string{"node_modules/x.js": hash}))
	_, err = packer.Pack(context.Background(), fp)
	require.NoError(t, err)

	resp2, err := c.Handle(context.Background(), fpReq)
	require.NoError(t, err)
	require.True(t, resp2.CacheHit)
	require.Equal(t, fp, resp2.Fingerprint)
}

func TestHandleSingleFlightCollapsesConcurrentInstalls(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake runtime script is posix shell")
	}

	binDir := t.TempDir()
	counterPath := filepath.Join(binDir, "invocations.log")
	require.NoError(t, os.WriteFile(counterPath, nil, 0o644))

	script := `#!/bin/sh
if [ "$1" = "version" ]; then
  exit 0
fi
echo "run" >> "` + counterPath + `"
# args: run --rm -v <scratch>:/app -w /app <image> sh -c <cmd>
scratch=$(echo "$4" | cut -d: -f1)
mkdir -p "$scratch/node_modules"
echo "ok" > "$scratch/node_modules/dep.js"
exit 0
`
	fake := filepath.Join(binDir, "docker")
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	rt := sandbox.NewRuntime(fake)
	policy := versionpolicy.New(map[string][]versionpolicy.Tuple{}, true, func() bool { return true })
	c, _, packer := newTestCoordinator(t, policy, rt)

	req := CacheRequest{
		Manager:  "npm",
		Versions: map[string]string{"node": "18.0.0", "npm": "9.0.0"},
		Manifest: []byte(`{"name":"concurrent-test"}`),
		Lockfile: []byte(`{"lockfileVersion":2}`),
	}

	const n = 20
	var wg sync.WaitGroup
	responses := make([]CacheResponse, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Handle(context.Background(), req)
			responses[i] = resp
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, responses[0].Fingerprint, responses[i].Fingerprint)
		require.Equal(t, responses[0].DownloadURL, responses[i].DownloadURL)
	}
	require.True(t, packer.Exists(responses[0].Fingerprint))

	lines := readLines(t, counterPath)
	require.Len(t, lines, 1, "expected exactly one sandboxed install invocation across all concurrent requests")
}

func TestHandleHolderCancellationDoesNotAbortInstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake runtime script is posix shell")
	}

	binDir := t.TempDir()
	// Sleeps before writing its output so the test has a window to cancel
	// the holder's request context while the install is still running.
	script := `#!/bin/sh
if [ "$1" = "version" ]; then
  exit 0
fi
sleep 0.3
scratch=$(echo "$4" | cut -d: -f1)
mkdir -p "$scratch/node_modules"
echo "ok" > "$scratch/node_modules/dep.js"
exit 0
`
	fake := filepath.Join(binDir, "docker")
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	rt := sandbox.NewRuntime(fake)
	policy := versionpolicy.New(map[string][]versionpolicy.Tuple{}, true, func() bool { return true })
	c, _, packer := newTestCoordinator(t, policy, rt)

	req := CacheRequest{
		Manager:  "npm",
		Versions: map[string]string{"node": "18.0.0", "npm": "9.0.0"},
		Manifest: []byte(`{"name":"cancel-test"}`),
		Lockfile: []byte(`{"lockfileVersion":2}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Handle(ctx, req)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))

	fp := fingerprint.Compute("npm", req.Versions, []fingerprint.File{
		{Path: "package.json", Content: req.Manifest},
		{Path: "package-lock.json", Content: req.Lockfile},
	})

	require.Eventually(t, func() bool {
		return packer.Exists(fp)
	}, 2*time.Second, 10*time.Millisecond, "holder's cancelled request must not abort the in-flight install")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	return lines
}
