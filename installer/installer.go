// Package installer implements the Installer contract (spec.md §4.6) as a
// tagged variant over {npm, composer}, per the design note in spec.md §9:
// "express Installer as a sum type ... or an interface with two
// implementations. The Coordinator never introspects the variant beyond
// asking for lockfile/manifest filenames, output root, and an install
// function." This mirrors the teacher's storagedriver.StorageDriver
// interface (storagedriver/storagedriver.go): one small interface, no
// inheritance, each implementation self-contained.
package installer

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
)

// File is a single regular file collected from an installer's output tree:
// a forward-slash relative path and its bytes.
type File struct {
	Path    string
	Content []byte
}

// Result is the outcome of an install. It is a plain value, never an
// exception — the coordinator inspects Success and branches, per spec.md
// §9 "exception control flow -> explicit result".
type Result struct {
	Success bool
	Files   []File
	Stderr  string
}

// Installer is the contract every package-manager variant implements.
type Installer interface {
	// Manager is the wire identifier this installer serves ("npm", "composer").
	Manager() string
	// LockfileName and ManifestName are the canonical filenames used both to
	// seed the scratch directory and to compute the pre-install fingerprint.
	LockfileName() string
	ManifestName() string
	// OutputRoot is the directory under the scratch dir the installer
	// populates ("node_modules", "vendor").
	OutputRoot() string
	// Install seeds scratchDir with the manifest and lockfile, runs the
	// manager's install command inside it, and returns the resulting file
	// tree.
	Install(ctx context.Context, scratchDir string) (Result, error)

	// ManifestBytes and LockfileBytes expose the seed content so callers
	// that run the install out-of-process (the Sandbox Installer) can
	// reproduce the same scratch directory without depending on a
	// concrete variant type.
	ManifestBytes() []byte
	LockfileBytes() []byte
}

// Seed writes an installer's manifest and (if present) lockfile into dir,
// the way every variant's own Install does for the native case. Exported
// so the Sandbox Installer can seed a scratch directory before handing it
// to a container instead of a local subprocess.
func Seed(dir string, inst Installer) error {
	if err := writeSeedFile(dir, inst.ManifestName(), inst.ManifestBytes()); err != nil {
		return err
	}
	return writeSeedFile(dir, inst.LockfileName(), inst.LockfileBytes())
}

// CollectOutputTree is the exported form of collectOutputTree, for callers
// outside this package that run an installer's command themselves (the
// Sandbox Installer, which runs the command inside a container but still
// needs to harvest the bind-mounted output the same way).
func CollectOutputTree(scratchDir, outputRoot string) ([]File, []string, error) {
	return collectOutputTree(scratchDir, outputRoot)
}

// collectOutputTree walks outputRoot inside scratchDir and returns every
// regular file found, with paths normalized to forward slashes and made
// relative to outputRoot. Symlinks are followed only if they resolve
// inside outputRoot (spec.md §9 "Path safety" / §4.6); a symlink that
// escapes is skipped with a warning rather than followed, since following
// an arbitrary link out of an untrusted install tree risks exfiltrating
// host files into the cache.
func collectOutputTree(scratchDir, outputRoot string) ([]File, []string, error) {
	root := filepath.Join(scratchDir, outputRoot)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		// Some installs legitimately produce no output directory (e.g. a
		// manifest with zero dependencies); that's success with no files,
		// not a failure.
		return nil, nil, nil
	}

	var files []File
	var warnings []string

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		resolvedPath := p
		mode := info.Mode()

		if mode&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(p)
			if err != nil {
				warnings = append(warnings, "unresolvable symlink: "+p)
				return nil
			}
			absTarget, err := filepath.Abs(target)
			if err != nil {
				return err
			}
			if !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) && absTarget != absRoot {
				warnings = append(warnings, "symlink escapes output root, skipped: "+p)
				return nil
			}
			targetInfo, err := os.Stat(target)
			if err != nil {
				warnings = append(warnings, "broken symlink, skipped: "+p)
				return nil
			}
			if targetInfo.IsDir() {
				return nil
			}
			resolvedPath = target
			mode = targetInfo.Mode()
		}

		if mode.IsDir() {
			return nil
		}
		if !mode.IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)

		if err := validateRelativePath(relSlash); err != nil {
			warnings = append(warnings, err.Error())
			return nil
		}

		content, err := os.ReadFile(resolvedPath)
		if err != nil {
			return err
		}

		files = append(files, File{Path: relSlash, Content: content})
		return nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}

	return files, warnings, nil
}

// validateRelativePath rejects any path that is empty, absolute, or
// contains ".." components, per spec.md §4.9 "Path sanitisation" and
// §9's explicit behavioral change over the source.
func validateRelativePath(p string) error {
	if p == "" || p == "." {
		return &cacheerrors.InvalidRequest{Reason: "empty installer output path"}
	}
	if path.IsAbs(p) {
		return &cacheerrors.InvalidRequest{Reason: "absolute installer output path: " + p}
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return &cacheerrors.InvalidRequest{Reason: "path escapes output root: " + p}
		}
	}
	return nil
}

// runCommand executes name with args inside dir, with the given extra
// environment variables appended to the current process environment.
// Both a non-zero exit and a failure to even start the process are
// reported as an unsuccessful Result carrying captured stderr, never as a
// Go error — per spec.md §9 "exception control flow -> explicit result",
// subprocess failure is domain data, not a plumbing error.
func runCommand(ctx context.Context, dir, name string, args []string, env []string) (stderr string, success bool) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if runErr := cmd.Run(); runErr != nil {
		if stderrBuf.Len() == 0 {
			stderrBuf.WriteString(runErr.Error())
		}
		return stderrBuf.String(), false
	}
	return stderrBuf.String(), true
}

func writeSeedFile(dir, name string, content []byte) error {
	if len(content) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(dir, name), content, 0o644)
}
