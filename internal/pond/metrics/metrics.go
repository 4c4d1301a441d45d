// Package metrics registers Pond's Prometheus instrumentation behind an
// opt-in, address-gated promhttp.Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pond/internal/pond/pondlog"
)

var (
	RecordsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pond_records_total",
		Help: "Records currently held in the arena.",
	})
	RecordsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pond_records_received_total",
		Help: "Datagrams accepted for emplacement, regardless of outcome.",
	})
	RecordsMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pond_records_malformed_total",
		Help: "Datagrams rejected because they failed to parse.",
	})
	RecordsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pond_records_discarded_total",
		Help: "Records dropped by the per-site rate limiter.",
	})
	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pond_memory_usage_bytes",
		Help: "Bytes currently used in the arena.",
	})
	MemoryCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pond_memory_capacity_bytes",
		Help: "Arena capacity in bytes.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pond_connections_active",
		Help: "Open TCP query/control connections.",
	})
	FollowListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pond_follow_listeners_active",
		Help: "Connections currently registered as FOLLOW/CONTINUE append listeners.",
	})
	CloneOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pond_clone_operations_total",
		Help: "Completed CLONE/AutoClone operations by outcome.",
	}, []string{"outcome"})
)

// Serve starts a /metrics HTTP server on addr in its own goroutine. Callers
// only invoke this when addr is non-empty.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			pondlog.Errorf("metrics server on %s failed: %v", addr, err)
		}
	}()
}
