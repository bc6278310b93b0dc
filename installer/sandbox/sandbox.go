// Package sandbox implements the Sandbox Installer (spec.md §4.7): the
// same Installer contract, executed inside a pinned container image when
// the Version Policy selects "sandboxed" because the host's toolchain
// doesn't match the request. It shells out to the container runtime the
// same way original_source's DockerUtils does (`docker run --rm -v
// <scratch>:/app -w /app <image> sh -c "<cmd>"`) — a single-purpose `run`
// invocation, not a build client, which is why this wires os/exec rather
// than a heavier image-building SDK like the pack's moby/buildkit: that
// library builds images, it doesn't run one-off containers.
package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/SiestaCat/dep-cache-proxy/installer"
)

// probeTimeout bounds the availability check (spec.md §4.7 item 1).
const probeTimeout = 5 * time.Second

// wallClockCap bounds a single sandboxed install (spec.md §4.7 item 3).
const wallClockCap = 300 * time.Second

// imageTagToken matches the set of characters a version string must be
// restricted to before being interpolated into a container image tag,
// preventing shell-metacharacter injection (spec.md §4.7: "treat the
// value as an opaque tag token; reject anything outside [A-Za-z0-9._-]").
var imageTagToken = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Runtime abstracts the container runtime binary invocation so tests don't
// need a real container engine installed.
type Runtime struct {
	// Binary is the container CLI to invoke ("docker" by default).
	Binary string

	mu        sync.Mutex
	probed    bool
	available bool
}

// NewRuntime constructs a Runtime using the given binary (pass "docker"
// in production).
func NewRuntime(binary string) *Runtime {
	return &Runtime{Binary: binary}
}

// Available probes the runtime once per process and caches the result
// until Invalidate is called, per spec.md §4.7 item 1.
func (r *Runtime) Available(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probed {
		return r.available
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.Binary, "version")
	r.available = cmd.Run() == nil
	r.probed = true
	return r.available
}

// Invalidate forces the next Available call to re-probe.
func (r *Runtime) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probed = false
}

// Installer wraps an installer.Installer, running its install command
// inside a container instead of on the host.
type Installer struct {
	Runtime *Runtime
	Inner   installer.Installer
	// Version selects the image tag ("18.0.0" for node, "8.2" for php).
	Version string
}

var _ installer.Installer = (*Installer)(nil)

func (s *Installer) Manager() string       { return s.Inner.Manager() }
func (s *Installer) LockfileName() string  { return s.Inner.LockfileName() }
func (s *Installer) ManifestName() string  { return s.Inner.ManifestName() }
func (s *Installer) OutputRoot() string    { return s.Inner.OutputRoot() }
func (s *Installer) ManifestBytes() []byte { return s.Inner.ManifestBytes() }
func (s *Installer) LockfileBytes() []byte { return s.Inner.LockfileBytes() }

// imageFor returns the pinned image reference for (manager, version), per
// spec.md §4.7 item 2.
func imageFor(manager, version string) (string, error) {
	if !imageTagToken.MatchString(version) {
		return "", errInvalidTag(version)
	}
	switch manager {
	case "npm":
		return "node:" + version + "-alpine", nil
	case "composer":
		return "composer:" + version, nil
	default:
		return "", errInvalidTag(version)
	}
}

type errInvalidTag string

func (e errInvalidTag) Error() string { return "invalid image tag token: " + string(e) }

// Install runs the inner installer's install command inside the pinned
// container image, bind-mounting scratchDir at /app. On success, it
// collects files the same way the native installer would (the bind mount
// means the host sees exactly what the container wrote).
func (s *Installer) Install(ctx context.Context, scratchDir string) (installer.Result, error) {
	if !s.Runtime.Available(ctx) {
		return installer.Result{Success: false, Stderr: "container runtime unavailable"}, nil
	}

	if err := installer.Seed(scratchDir, s.Inner); err != nil {
		return installer.Result{}, err
	}

	image, err := imageFor(s.Inner.Manager(), s.Version)
	if err != nil {
		return installer.Result{Success: false, Stderr: err.Error()}, nil
	}

	installCmd, err := nativeInstallCommand(s.Inner)
	if err != nil {
		return installer.Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, wallClockCap)
	defer cancel()

	args := []string{
		"run", "--rm",
		"-v", scratchDir + ":/app",
		"-w", "/app",
		image,
		"sh", "-c", installCmd,
	}

	cmd := exec.CommandContext(runCtx, s.Runtime.Binary, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		msg := stderrBuf.String()
		if msg == "" {
			if runCtx.Err() != nil {
				msg = "sandboxed install timed out after " + wallClockCap.String()
			} else {
				msg = err.Error()
			}
		}
		return installer.Result{Success: false, Stderr: msg}, nil
	}

	files, _, err := installer.CollectOutputTree(scratchDir, s.Inner.OutputRoot())
	if err != nil {
		return installer.Result{}, err
	}

	if s.Inner.Manager() == "npm" && len(s.Inner.LockfileBytes()) == 0 {
		// Mirror the native NPM installer: if `npm install` generated a
		// lockfile inside the container, it belongs in the result.
		if generated, statErr := readGeneratedLockfile(scratchDir, s.Inner.LockfileName()); statErr == nil {
			files = append(files, generated)
		}
	}

	return installer.Result{Success: true, Files: files}, nil
}

func readGeneratedLockfile(scratchDir, name string) (installer.File, error) {
	content, err := os.ReadFile(filepath.Join(scratchDir, name))
	if err != nil {
		return installer.File{}, err
	}
	return installer.File{Path: name, Content: content}, nil
}

// nativeInstallCommand returns the shell command line the sandbox must run
// inside the container to match the native installer's semantics exactly
// (spec.md §4.7 item 3: "running the same install command from §4.6").
func nativeInstallCommand(inner installer.Installer) (string, error) {
	switch inner.Manager() {
	case "npm":
		n := inner.(*installer.NPM)
		if len(n.LockfileContent) > 0 {
			return "NODE_ENV=production npm ci --ignore-scripts --no-audit --no-fund", nil
		}
		return "NODE_ENV=production npm install --ignore-scripts --no-audit --no-fund", nil
	case "composer":
		return "composer install --prefer-dist --no-scripts --no-interaction --optimize-autoloader", nil
	default:
		return "", errInvalidTag(inner.Manager())
	}
}
