// Package configuration defines the cache engine's YAML configuration
// format, modeled on the teacher's configuration.Configuration: a
// versioned top-level struct, nested structs per concern, parsed from
// YAML with a handful of operationally hot fields overridable by
// environment variable. The teacher's config surface supports dozens of
// storage/auth/notification backends through a generic reflect-driven env
// overlay (configuration/parser.go); this domain has a single storage
// backend and about a dozen fields total, so the overlay here is a short
// explicit list rather than reimplementing that generic machinery for a
// surface it was never sized for.
package configuration

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SiestaCat/dep-cache-proxy/versionpolicy"
)

// Version is the configuration format version, following the teacher's
// convention of a dedicated Version type rather than a bare string so
// future incompatible formats fail to parse instead of silently
// misreading fields.
type Version string

// CurrentVersion is the only version this build understands.
const CurrentVersion = Version("1.0")

// Configuration is the cache engine's top-level configuration, intended
// to be provided by a YAML file and optionally overridden by environment
// variables for the handful of fields operators tend to override per
// deployment.
//
// Note that yaml field names should never include `_` characters, since
// that collides with the separator used in environment variable names.
type Configuration struct {
	Version Version `yaml:"version"`

	Storage       Storage             `yaml:"storage"`
	HTTP          HTTP                `yaml:"http"`
	Log           Log                 `yaml:"log"`
	VersionPolicy VersionPolicyConfig `yaml:"versionpolicy"`
	Sandbox       Sandbox             `yaml:"sandbox"`
	Janitor       Janitor             `yaml:"janitor"`
}

// Storage configures the on-disk cache root.
type Storage struct {
	// RootDirectory is the directory under which objects/, indexes/, and
	// bundles/ are created (spec.md §6). Overridable by DEPCACHE_STORAGE_ROOTDIRECTORY.
	RootDirectory string `yaml:"rootdirectory"`
	// ScratchDirectory is where per-request install scratch dirs are
	// created; defaults to RootDirectory + "/scratch" if empty.
	ScratchDirectory string `yaml:"scratchdirectory,omitempty"`
}

// HTTP configures the transport shell.
type HTTP struct {
	// Addr is the listen address, e.g. ":5454". Overridable by
	// DEPCACHE_HTTP_ADDR.
	Addr string `yaml:"addr"`
	// Secret is the bearer token clients must present. Overridable by
	// DEPCACHE_HTTP_SECRET so it need not live in a checked-in file.
	Secret string `yaml:"secret,omitempty"`
}

// Log configures the logging subsystem, mirroring the teacher's Log
// struct trimmed to the fields this engine's internal/dcontext actually
// consumes.
type Log struct {
	// Level is the minimum logged severity ("debug", "info", "warn",
	// "error"). Overridable by DEPCACHE_LOG_LEVEL.
	Level string `yaml:"level,omitempty"`
	// Formatter selects the logrus formatter: "text" or "json".
	Formatter string `yaml:"formatter,omitempty"`
}

// VersionPolicyConfig configures the supported (runtime, package manager)
// tuples per manager, marshaled into versionpolicy.Tuple values.
type VersionPolicyConfig struct {
	Supported map[string][]VersionTuple `yaml:"supported"`
}

// VersionTuple is the YAML-facing form of versionpolicy.Tuple.
type VersionTuple struct {
	Runtime        string `yaml:"runtime"`
	PackageManager string `yaml:"packagemanager,omitempty"`
}

// Tuples converts the configured tuples into versionpolicy.Tuple values.
func (v VersionPolicyConfig) Tuples() map[string][]versionpolicy.Tuple {
	out := make(map[string][]versionpolicy.Tuple, len(v.Supported))
	for manager, tuples := range v.Supported {
		converted := make([]versionpolicy.Tuple, len(tuples))
		for i, t := range tuples {
			converted[i] = versionpolicy.Tuple{Runtime: t.Runtime, PackageManager: t.PackageManager}
		}
		out[manager] = converted
	}
	return out
}

// Sandbox configures the Sandbox Installer fallback.
type Sandbox struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary,omitempty"`
}

// Janitor configures the background sweep.
type Janitor struct {
	// Interval is how often the sweep runs.
	Interval time.Duration `yaml:"interval"`
	// MaxAge is the mtime cutoff past which a packed bundle is removed.
	MaxAge time.Duration `yaml:"maxage"`
}

// Parse reads and validates a Configuration from rd, then applies
// environment variable overrides for the operationally hot fields.
func Parse(rd io.Reader) (*Configuration, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("configuration: read: %w", err)
	}

	var c Configuration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("configuration: parse: %w", err)
	}

	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Version != CurrentVersion {
		return nil, fmt.Errorf("configuration: unsupported version %q, expected %q", c.Version, CurrentVersion)
	}
	if c.Storage.RootDirectory == "" {
		return nil, fmt.Errorf("configuration: storage.rootdirectory is required")
	}
	if c.Storage.ScratchDirectory == "" {
		c.Storage.ScratchDirectory = c.Storage.RootDirectory + "/scratch"
	}

	applyEnvOverrides(&c)
	return &c, nil
}

// applyEnvOverrides overlays the small set of fields operators commonly
// need to vary per-deployment without editing the checked-in YAML,
// matching the teacher's stated rationale for env overrides (secrets and
// per-environment addressing) without the teacher's generic reflect-based
// overlay across its entire (much larger) config surface.
func applyEnvOverrides(c *Configuration) {
	if v := os.Getenv("DEPCACHE_STORAGE_ROOTDIRECTORY"); v != "" {
		c.Storage.RootDirectory = v
	}
	if v := os.Getenv("DEPCACHE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("DEPCACHE_HTTP_SECRET"); v != "" {
		c.HTTP.Secret = v
	}
	if v := os.Getenv("DEPCACHE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DEPCACHE_SANDBOX_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sandbox.Enabled = b
		}
	}
}
