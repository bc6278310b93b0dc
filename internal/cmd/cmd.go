// Package cmd assembles the depcached CLI: a cobra RootCmd with `serve`,
// `sweep` and `stats` subcommands, mirroring the teacher's registry/root.go
// (RootCmd with ServeCmd and GCCmd). SweepCmd is this engine's analogue
// of the teacher's garbage-collect command, scoped to the Janitor's
// bundles-only sweep instead of a mark-and-sweep over a reference graph.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	dmetrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SiestaCat/dep-cache-proxy/bundle"
	"github.com/SiestaCat/dep-cache-proxy/cachestats"
	"github.com/SiestaCat/dep-cache-proxy/coordinator"
	"github.com/SiestaCat/dep-cache-proxy/downloadsvc"
	"github.com/SiestaCat/dep-cache-proxy/indexstore"
	"github.com/SiestaCat/dep-cache-proxy/installer/sandbox"
	"github.com/SiestaCat/dep-cache-proxy/internal/configuration"
	"github.com/SiestaCat/dep-cache-proxy/internal/dcontext"
	"github.com/SiestaCat/dep-cache-proxy/internal/httpapi"
	"github.com/SiestaCat/dep-cache-proxy/janitor"
	"github.com/SiestaCat/dep-cache-proxy/metrics"
	"github.com/SiestaCat/dep-cache-proxy/objectstore"
	"github.com/SiestaCat/dep-cache-proxy/versionpolicy"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(SweepCmd)
	RootCmd.AddCommand(StatsCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the depcached binary.
var RootCmd = &cobra.Command{
	Use:   "depcached",
	Short: "`depcached` is a sandboxed dependency install cache",
	Long:  "`depcached` caches npm/composer installs keyed by a content fingerprint of manifest, lockfile, and declared toolchain versions.",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(Version)
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// Version is set at build time via -ldflags, matching the teacher's
// version package convention.
var Version = "dev"

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("configuration path required")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	defer f.Close()
	return configuration.Parse(f)
}

func configureLogging(config *configuration.Configuration) {
	if config.Log.Level != "" {
		level, err := logrus.ParseLevel(config.Log.Level)
		if err == nil {
			logrus.SetLevel(level)
		}
	}
	if config.Log.Formatter == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// buildEngine wires every module the state machine and the janitor need
// from a parsed Configuration. Shared between ServeCmd and SweepCmd so
// both construct an identical storage topology; StatsCmd only walks the
// cache root and does not build an engine.
type engine struct {
	config      *configuration.Configuration
	objects     *objectstore.Store
	indexes     *indexstore.Store
	packer      *bundle.Packer
	coordinator *coordinator.Coordinator
	janitor     *janitor.Janitor
}

func buildEngine(config *configuration.Configuration) (*engine, error) {
	recorder := metrics.New()
	dmetrics.Register(recorder.Namespace)

	objects, err := objectstore.New(config.Storage.RootDirectory)
	if err != nil {
		return nil, err
	}
	indexes, err := indexstore.New(config.Storage.RootDirectory)
	if err != nil {
		return nil, err
	}
	packer, err := bundle.New(config.Storage.RootDirectory, indexes, objects)
	if err != nil {
		return nil, err
	}

	runtimeBinary := config.Sandbox.Binary
	if runtimeBinary == "" {
		runtimeBinary = "docker"
	}
	sandboxRuntime := sandbox.NewRuntime(runtimeBinary)

	policy := versionpolicy.New(config.VersionPolicy.Tuples(), config.Sandbox.Enabled, func() bool {
		return sandboxRuntime.Available(context.Background())
	})

	if err := os.MkdirAll(config.Storage.ScratchDirectory, 0o755); err != nil {
		return nil, err
	}

	coord := coordinator.New(objects, indexes, packer, policy, sandboxRuntime, recorder, config.Storage.ScratchDirectory, "/v1/bundles/")
	j := janitor.New(config.Storage.RootDirectory, recorder)

	return &engine{
		config:      config,
		objects:     objects,
		indexes:     indexes,
		packer:      packer,
		coordinator: coord,
		janitor:     j,
	}, nil
}

// ServeCmd runs the HTTP API.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` runs the dependency install cache HTTP API",
	Long:  "`serve` runs the dependency install cache HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		configureLogging(config)

		eng, err := buildEngine(config)
		if err != nil {
			logrus.WithError(err).Fatal("failed to build cache engine")
		}

		downloads := downloadsvc.New(eng.packer)
		server := httpapi.NewServer(eng.coordinator, downloads, eng.objects, eng.indexes, config.Storage.RootDirectory, config.HTTP.Secret)

		if config.Janitor.Interval > 0 {
			go runJanitorLoop(eng.janitor, config.Janitor.Interval, config.Janitor.MaxAge)
		}

		logrus.WithField("addr", config.HTTP.Addr).Info("listening")
		if err := http.ListenAndServe(config.HTTP.Addr, server); err != nil {
			logrus.WithError(err).Fatal("server exited")
		}
	},
}

func runJanitorLoop(j *janitor.Janitor, interval, maxAge time.Duration) {
	ctx := dcontext.WithFields(context.Background(), map[string]any{"component": "janitor"})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := j.Sweep(ctx, maxAge)
		if err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("sweep failed")
			continue
		}
		dcontext.GetLogger(ctx).Infof("swept %d stale bundles", removed)
	}
}

// SweepCmd runs the Janitor's bundle sweep once and exits, the sweep
// analogue of the teacher's garbage-collect command.
var SweepCmd = &cobra.Command{
	Use:   "sweep <config>",
	Short: "`sweep` removes packed bundles older than the configured max age",
	Long:  "`sweep` removes packed bundles older than the configured max age. It never touches blobs or indexes.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		configureLogging(config)

		eng, err := buildEngine(config)
		if err != nil {
			logrus.WithError(err).Fatal("failed to build cache engine")
		}

		removed, err := eng.janitor.Sweep(context.Background(), config.Janitor.MaxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sweep: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("removed %d stale bundles\n", removed)
	},
}

// StatsCmd prints the supplemented cache statistics feature to stdout.
var StatsCmd = &cobra.Command{
	Use:   "stats <config>",
	Short: "`stats` prints blob/index/bundle counts and total cache size",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		stats, err := cachestats.Collect(config.Storage.RootDirectory)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to collect stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("blobs=%d indexes=%d bundles=%d size_bytes=%d\n",
			stats.TotalBlobs, stats.TotalIndexes, stats.TotalBundles, stats.CacheSizeBytes)
	},
}
