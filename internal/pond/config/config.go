// Package config is Pond's flag-parsed runtime configuration: one flag
// per knob, wired straight into constructors, no config-file grammar.
package config

import (
	"flag"
	"time"
)

// Config is Pond's whole runtime configuration.
type Config struct {
	// DatabaseSize is the arena's fixed capacity in bytes.
	DatabaseSize int

	// MaxAge, when non-zero, is the retention window enforced by a ~60s
	// timer. Zero disables retention.
	MaxAge time.Duration

	// PerSiteRateLimit is messages/sec per site for HTTP_ERROR records, or
	// core.DefaultRateLimitRate (-1) to disable.
	PerSiteRateLimit float64

	// ListenAddr is the TCP query/control protocol listen address.
	ListenAddr string

	// ReceiverAddr is the UDP log-ingestion listen address.
	ReceiverAddr string

	// MetricsAddr, if non-empty, exposes Prometheus /metrics on this address.
	MetricsAddr string

	// AutoCloneZeroconfService, if non-empty, enables Zeroconf
	// advertisement of the TCP listener under this service name and
	// AutoClone peer discovery against the same service.
	AutoCloneZeroconfService string

	// AutoCloneOnStartup, when true and AutoCloneZeroconfService is set,
	// starts an AutoClone operation immediately after startup.
	AutoCloneOnStartup bool
}

// Parse builds a Config from command-line flags.
func Parse() *Config {
	dbSize := flag.Int64("database_size", 1<<30, "Arena capacity in bytes")
	maxAge := flag.Duration("max_age", 0, "Discard records older than this (0 disables retention)")
	rateLimit := flag.Float64("per_site_rate_limit", -1, "Per-site HTTP_ERROR message rate limit, messages/sec (-1 disables)")
	listenAddr := flag.String("listen", ":5480", "TCP query/control listen address")
	receiverAddr := flag.String("receiver", ":5479", "UDP log receiver listen address")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address")
	zeroconfService := flag.String("zeroconf_service", "", "If non-empty, advertise and discover peers under this Zeroconf service name")
	autoClone := flag.Bool("auto_clone", false, "Clone from the Zeroconf peer with the most records on startup")
	flag.Parse()

	return &Config{
		DatabaseSize:             int(*dbSize),
		MaxAge:                   *maxAge,
		PerSiteRateLimit:         *rateLimit,
		ListenAddr:               *listenAddr,
		ReceiverAddr:             *receiverAddr,
		MetricsAddr:              *metricsAddr,
		AutoCloneZeroconfService: *zeroconfService,
		AutoCloneOnStartup:       *autoClone,
	}
}
