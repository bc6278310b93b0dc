package installer

import "context"

// Composer installs a PHP dependency tree via `composer install`.
type Composer struct {
	ManifestContent []byte
	LockfileContent []byte
}

var _ Installer = (*Composer)(nil)

func (c *Composer) Manager() string       { return "composer" }
func (c *Composer) LockfileName() string  { return "composer.lock" }
func (c *Composer) ManifestName() string  { return "composer.json" }
func (c *Composer) OutputRoot() string    { return "vendor" }
func (c *Composer) ManifestBytes() []byte { return c.ManifestContent }
func (c *Composer) LockfileBytes() []byte { return c.LockfileContent }

// Install seeds scratchDir with composer.json and composer.lock, then runs
// `composer install` with scripts and interaction disabled, collecting
// vendor/ on success.
func (c *Composer) Install(ctx context.Context, scratchDir string) (Result, error) {
	if err := Seed(scratchDir, c); err != nil {
		return Result{}, err
	}

	args := []string{"install", "--prefer-dist", "--no-scripts", "--no-interaction", "--optimize-autoloader"}
	stderr, ok := runCommand(ctx, scratchDir, "composer", args, nil)
	if !ok {
		return Result{Success: false, Stderr: stderr}, nil
	}

	files, _, err := collectOutputTree(scratchDir, c.OutputRoot())
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Files: files}, nil
}
