package configuration

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: "1.0"
storage:
  rootdirectory: /var/cache/depcache
http:
  addr: ":5454"
versionpolicy:
  supported:
    npm:
      - runtime: "18.0.0"
        packagemanager: "9.0.0"
    composer:
      - runtime: "8.2"
`

func TestParseMinimal(t *testing.T) {
	c, err := Parse(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "/var/cache/depcache", c.Storage.RootDirectory)
	require.Equal(t, "/var/cache/depcache/scratch", c.Storage.ScratchDirectory)
	require.Equal(t, ":5454", c.HTTP.Addr)

	tuples := c.VersionPolicy.Tuples()
	require.Equal(t, "18.0.0", tuples["npm"][0].Runtime)
	require.Equal(t, "9.0.0", tuples["npm"][0].PackageManager)
	require.Equal(t, "", tuples["composer"][0].PackageManager)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse(strings.NewReader("version: \"2.0\"\nstorage:\n  rootdirectory: /x\n"))
	require.Error(t, err)
}

func TestParseRequiresRootDirectory(t *testing.T) {
	_, err := Parse(strings.NewReader("version: \"1.0\"\n"))
	require.Error(t, err)
}

func TestParseAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DEPCACHE_HTTP_ADDR", ":9999")
	t.Setenv("DEPCACHE_SANDBOX_ENABLED", "true")
	defer os.Unsetenv("DEPCACHE_HTTP_ADDR")
	defer os.Unsetenv("DEPCACHE_SANDBOX_ENABLED")

	c, err := Parse(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, ":9999", c.HTTP.Addr)
	require.True(t, c.Sandbox.Enabled)
}
