package installer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewUnknownManager(t *testing.T) {
	_, err := New("pip", nil, nil)
	require.Error(t, err)
}

func TestNewNPMAndComposer(t *testing.T) {
	i, err := New("npm", []byte("{}"), []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, "npm", i.Manager())
	require.Equal(t, "package-lock.json", i.LockfileName())
	require.Equal(t, "node_modules", i.OutputRoot())

	i, err = New("composer", []byte("{}"), []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, "composer", i.Manager())
	require.Equal(t, "vendor", i.OutputRoot())
}

func TestCollectOutputTreeSkipsEscapingSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	scratch := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("host secret"), 0o644))

	root := filepath.Join(scratch, "node_modules")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.js"), []byte("ok"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "escaped.js")))

	files, warnings, err := collectOutputTree(scratch, "node_modules")
	require.NoError(t, err)
	require.NotEmpty(t, warnings)

	paths := map[string]bool{}
	for _, f := range files {
		paths[f.Path] = true
	}
	require.True(t, paths["real.js"])
	require.False(t, paths["escaped.js"])
}

func TestCollectOutputTreeFollowsInsideSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	scratch := t.TempDir()
	root := filepath.Join(scratch, "node_modules")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "real.js"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "dir", "real.js"), filepath.Join(root, "alias.js")))

	files, _, err := collectOutputTree(scratch, "node_modules")
	require.NoError(t, err)

	byPath := map[string]string{}
	for _, f := range files {
		byPath[f.Path] = string(f.Content)
	}
	require.Equal(t, "hello", byPath["alias.js"])
	require.Equal(t, "hello", byPath["dir/real.js"])
}

func TestCollectOutputTreeMissingRootIsEmptySuccess(t *testing.T) {
	scratch := t.TempDir()
	files, warnings, err := collectOutputTree(scratch, "node_modules")
	require.NoError(t, err)
	require.Empty(t, files)
	require.Empty(t, warnings)
}

func TestValidateRelativePathRejectsTraversal(t *testing.T) {
	require.Error(t, validateRelativePath("../escape"))
	require.Error(t, validateRelativePath("/abs"))
	require.Error(t, validateRelativePath(""))
	require.NoError(t, validateRelativePath("a/b/c.js"))
}

func TestRunCommandCapturesFailure(t *testing.T) {
	stderr, ok := runCommand(context.Background(), t.TempDir(), "sh", []string{"-c", "echo boom 1>&2; exit 1"}, nil)
	require.False(t, ok)
	require.Contains(t, stderr, "boom")
}
