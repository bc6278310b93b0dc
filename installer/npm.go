package installer

import (
	"context"
	"os"
	"path/filepath"
)

// NPM installs an npm dependency tree. Whether it invokes `npm ci` or
// `npm install` depends on whether a non-empty package-lock.json was
// supplied, per spec.md §4.6.
type NPM struct {
	ManifestContent []byte
	LockfileContent []byte
}

var _ Installer = (*NPM)(nil)

func (n *NPM) Manager() string          { return "npm" }
func (n *NPM) LockfileName() string     { return "package-lock.json" }
func (n *NPM) ManifestName() string     { return "package.json" }
func (n *NPM) OutputRoot() string       { return "node_modules" }
func (n *NPM) ManifestBytes() []byte    { return n.ManifestContent }
func (n *NPM) LockfileBytes() []byte    { return n.LockfileContent }

// Install seeds scratchDir with package.json and (if present)
// package-lock.json, then runs `npm ci` or `npm install` with scripts
// disabled, collecting node_modules/ on success.
func (n *NPM) Install(ctx context.Context, scratchDir string) (Result, error) {
	if err := Seed(scratchDir, n); err != nil {
		return Result{}, err
	}
	hasLock := len(n.LockfileContent) > 0

	args := []string{"install", "--ignore-scripts", "--no-audit", "--no-fund"}
	if hasLock {
		args = []string{"ci", "--ignore-scripts", "--no-audit", "--no-fund"}
	}

	stderr, ok := runCommand(ctx, scratchDir, "npm", args, []string{"NODE_ENV=production"})
	if !ok {
		return Result{Success: false, Stderr: stderr}, nil
	}

	files, _, err := collectOutputTree(scratchDir, n.OutputRoot())
	if err != nil {
		return Result{}, err
	}

	// If `npm install` (no prior lockfile) generated one, it belongs in the
	// result file list so the bundle reflects exactly what was installed,
	// per spec.md §4.6: "If a lockfile was generated during install,
	// include it in the resulting file list."
	if !hasLock {
		if generated, err := os.ReadFile(filepath.Join(scratchDir, n.LockfileName())); err == nil {
			files = append(files, File{Path: n.LockfileName(), Content: generated})
		}
	}

	return Result{Success: true, Files: files}, nil
}
