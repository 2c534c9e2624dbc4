// Package util provides common utility functions and constants used across
// tuinnel. This package is intentionally kept dependency-free (no imports
// from other internal/* packages) to serve as a shared foundation without
// introducing circular dependencies.
package util

import "time"

const (
	// HTTPAttemptTimeout bounds a single provider API HTTP attempt (spec §4.A).
	HTTPAttemptTimeout = 30 * time.Second

	// PortDownProbeTimeout bounds a single TCP probe of a tunnel's local
	// origin port. No code in this module probes origin ports or sets
	// TunnelRuntime.PortDown.
	PortDownProbeTimeout = 500 * time.Millisecond

	// MetricsScrapeInterval is how often the metrics scraper polls a
	// connector's Prometheus endpoint (spec §4.E).
	MetricsScrapeInterval = 3 * time.Second

	// MetricsStaleAfter is how old a metrics snapshot can get before callers
	// should treat it as stale (spec §4.E).
	MetricsStaleAfter = 10 * time.Second

	// ConnectorShutdownGrace is how long Kill() waits after SIGTERM before
	// escalating to SIGKILL (spec §4.C).
	ConnectorShutdownGrace = 5 * time.Second

	// SecretFileLinger is how long after spawn the connector supervisor
	// waits before unlinking the token secret file, on the assumption the
	// child has read it by then (spec §4.C).
	SecretFileLinger = 500 * time.Millisecond

	// DefaultRefreshSeconds is the fallback TUI dashboard refresh interval.
	DefaultRefreshSeconds = 3
)
