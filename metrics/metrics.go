// Package metrics wires the cache's operational counters through
// docker/go-metrics, the same metrics library the teacher's registry.go
// uses to expose a Prometheus-compatible namespace over HTTP. This keeps
// metrics definition close to the teacher's idiom (a go-metrics
// namespace with registered counters/timers) rather than reaching for
// prometheus/client_golang directly, which go-metrics already wraps.
package metrics

import (
	metrics "github.com/docker/go-metrics"
)

// Recorder holds the cache engine's metric instruments. Namespace is
// exposed so a single call site (buildEngine in internal/cmd) can register it with
// metrics.Register for a /metrics endpoint; constructing a Recorder does
// not register it, since tests construct many Recorders per process and
// registering each into the same global Prometheus registry would panic
// on the second registration of identically named metrics.
type Recorder struct {
	Namespace *metrics.Namespace

	CacheHits       metrics.Counter
	CacheMisses     metrics.Counter
	Installs        metrics.LabeledCounter
	InstallFailures metrics.LabeledCounter
	InstallSeconds  metrics.LabeledTimer
	BundlesPacked   metrics.Counter
	SweptBundles    metrics.Counter
}

// New constructs a Recorder with its own private go-metrics namespace.
func New() *Recorder {
	ns := metrics.NewNamespace("depcache", "", nil)
	return &Recorder{
		Namespace:       ns,
		CacheHits:       ns.NewCounter("cache_hits_total", "number of requests served from an existing packed bundle"),
		CacheMisses:     ns.NewCounter("cache_misses_total", "number of requests that required installation"),
		Installs:        ns.NewLabeledCounter("installs_total", "number of installer invocations", "manager", "mode"),
		InstallFailures: ns.NewLabeledCounter("install_failures_total", "number of installer invocations that failed", "manager", "mode"),
		InstallSeconds:  ns.NewLabeledTimer("install_duration_seconds", "install wall-clock duration", "manager", "mode"),
		BundlesPacked:   ns.NewCounter("bundles_packed_total", "number of bundle zips produced"),
		SweptBundles:    ns.NewCounter("bundles_swept_total", "number of bundle zips removed by the janitor"),
	}
}
