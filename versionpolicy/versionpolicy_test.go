package versionpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func npmPolicy(sandbox bool, available bool) *Policy {
	return New(map[string][]Tuple{
		"npm":      {{Runtime: "18.0.0", PackageManager: "9.0.0"}},
		"composer": {{Runtime: "8.2"}},
	}, sandbox, func() bool { return available })
}

func TestDecideUnknownManager(t *testing.T) {
	p := npmPolicy(false, false)
	d, reason := p.Decide("pip", map[string]string{})
	require.Equal(t, Reject, d)
	require.NotEmpty(t, reason)
}

func TestDecideNativeMatch(t *testing.T) {
	p := npmPolicy(false, false)
	d, _ := p.Decide("npm", map[string]string{"node": "18.0.0", "npm": "9.0.0"})
	require.Equal(t, Native, d)
}

func TestDecideComposerIgnoresPackageManagerVersion(t *testing.T) {
	p := npmPolicy(false, false)
	d, _ := p.Decide("composer", map[string]string{"php": "8.2"})
	require.Equal(t, Native, d)
}

func TestDecideMismatchWithoutSandboxRejects(t *testing.T) {
	p := npmPolicy(false, false)
	d, reason := p.Decide("npm", map[string]string{"node": "14.0.0", "npm": "6.0.0"})
	require.Equal(t, Reject, d)
	require.NotEmpty(t, reason)
}

func TestDecideMismatchWithSandboxAvailable(t *testing.T) {
	p := npmPolicy(true, true)
	d, _ := p.Decide("npm", map[string]string{"node": "14.0.0", "npm": "6.0.0"})
	require.Equal(t, Sandboxed, d)
}

func TestDecideMismatchWithSandboxEnabledButUnavailable(t *testing.T) {
	p := npmPolicy(true, false)
	d, _ := p.Decide("npm", map[string]string{"node": "14.0.0", "npm": "6.0.0"})
	require.Equal(t, Reject, d)
}

func TestDecideAcceptsYarnAsPackageManagerVersionAlias(t *testing.T) {
	p := npmPolicy(false, false)
	d, _ := p.Decide("npm", map[string]string{"node": "18.0.0", "yarn": "9.0.0"})
	require.Equal(t, Native, d)
}
