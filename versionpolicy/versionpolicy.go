// Package versionpolicy implements the Version Policy (spec.md §4.8): the
// decision of whether a (manager, versions) pair installs natively, must
// fall back to a sandbox, or is rejected outright. It normalizes between
// the wire vocabulary (node/npm/yarn/php) and the internal vocabulary
// (runtime/package_manager) the way original_source's
// HandleCacheRequest._is_version_supported does, before comparing against
// configured supported tuples.
package versionpolicy

// Decision is the outcome of evaluating a request against the policy.
type Decision int

const (
	// Reject means no installer should run; the request fails outright.
	Reject Decision = iota
	// Native means the host's installed toolchain can serve the request
	// directly.
	Native
	// Sandboxed means the host toolchain doesn't match, but a container
	// image can serve the request.
	Sandboxed
)

func (d Decision) String() string {
	switch d {
	case Native:
		return "native"
	case Sandboxed:
		return "sandboxed"
	default:
		return "reject"
	}
}

// Tuple is one supported (runtime, package_manager) combination for a
// manager. PackageManager is empty for managers that don't version it
// separately (composer).
type Tuple struct {
	Runtime        string
	PackageManager string
}

// SandboxProbe reports whether the container runtime is currently
// reachable. Implementations should cache the result per process, per
// spec.md §4.7's 5s-probe/cache-until-invalidated contract.
type SandboxProbe func() bool

// Policy evaluates requests against a configured set of supported version
// tuples per manager.
type Policy struct {
	Supported       map[string][]Tuple
	SandboxEnabled  bool
	SandboxAvailable SandboxProbe
}

// New constructs a Policy. sandboxAvailable may be nil if sandboxEnabled is
// false.
func New(supported map[string][]Tuple, sandboxEnabled bool, sandboxAvailable SandboxProbe) *Policy {
	return &Policy{
		Supported:        supported,
		SandboxEnabled:   sandboxEnabled,
		SandboxAvailable: sandboxAvailable,
	}
}

// normalize maps the wire vocabulary onto the internal (runtime,
// package_manager) pair. Accepts both forms already in internal
// vocabulary, so policies can be probed with either.
func normalize(manager string, versions map[string]string) (runtime, packageManager string) {
	if v, ok := versions["runtime"]; ok {
		runtime = v
	}
	if v, ok := versions["package_manager"]; ok {
		packageManager = v
	}

	switch manager {
	case "npm":
		if v, ok := versions["node"]; ok {
			runtime = v
		}
		if v, ok := versions["npm"]; ok {
			packageManager = v
		} else if v, ok := versions["yarn"]; ok {
			packageManager = v
		}
	case "composer":
		if v, ok := versions["php"]; ok {
			runtime = v
		}
	}
	return runtime, packageManager
}

// Decide evaluates (manager, versions) per the decision table in
// spec.md §4.8. npm and composer are always known managers: when one has
// no configured tuples, no version matches natively and the sandbox rule
// decides. Any other manager is rejected outright.
func (p *Policy) Decide(manager string, versions map[string]string) (Decision, string) {
	tuples, configured := p.Supported[manager]
	if !configured && manager != "npm" && manager != "composer" {
		return Reject, "unsupported manager: " + manager
	}

	runtime, packageManager := normalize(manager, versions)

	for _, t := range tuples {
		if t.Runtime == runtime && (t.PackageManager == "" || t.PackageManager == packageManager) {
			return Native, ""
		}
	}

	if p.SandboxEnabled && p.SandboxAvailable != nil && p.SandboxAvailable() {
		return Sandboxed, ""
	}

	return Reject, "unsupported version"
}
