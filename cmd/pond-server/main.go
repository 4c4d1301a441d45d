// Command pond-server runs a Pond instance: a UDP log receiver, a TCP
// query/control listener, optional Zeroconf publication/AutoClone, and
// optional Prometheus metrics. Components are wired together in main and
// torn down gracefully on SIGINT/SIGTERM, ending with a colored stats
// summary.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pond/internal/pond/config"
	"pond/internal/pond/core"
	"pond/internal/pond/instance"
	"pond/internal/pond/metrics"
	"pond/internal/pond/pondlog"
)

func main() {
	cfg := config.Parse()
	clock := core.NewRealClock()

	in, err := instance.New(cfg, clock)
	if err != nil {
		pondlog.Fatalf("failed to create database: %v", err)
	}

	if err := in.ListenUDP(cfg.ReceiverAddr); err != nil {
		pondlog.Fatalf("failed to listen on %s (udp): %v", cfg.ReceiverAddr, err)
	}
	if err := in.ListenTCP(cfg.ListenAddr); err != nil {
		pondlog.Fatalf("failed to listen on %s (tcp): %v", cfg.ListenAddr, err)
	}

	in.StartRetentionTimers(cfg.MaxAge, clock)

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	if cfg.AutoCloneOnStartup && cfg.AutoCloneZeroconfService != "" {
		in.StartAutoClone(cfg.AutoCloneZeroconfService)
	}

	fmt.Printf("pond: listening tcp=%s udp=%s\n", cfg.ListenAddr, cfg.ReceiverAddr)

	// SIGHUP is a reload hook placeholder; SIGPIPE is ignored so a client
	// closing its read side mid-write doesn't kill the process (Go's net
	// package already never raises SIGPIPE for socket writes, so this is
	// here only to document the invariant).
	signal.Ignore(syscall.SIGPIPE)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			pondlog.Infof("received SIGHUP (no-op)")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down pond...")
	in.Close()

	stats := in.Database().GetStats()
	pondlog.PrintFinalStats(pondlog.FinalStats{
		MemoryCapacity: stats.MemoryCapacity,
		MemoryUsage:    stats.MemoryUsage,
		NRecords:       stats.NRecords,
		NReceived:      stats.NReceived,
		NMalformed:     stats.NMalformed,
		NDiscarded:     stats.NDiscarded,
	})

	fmt.Println("pond stopped.")
}
