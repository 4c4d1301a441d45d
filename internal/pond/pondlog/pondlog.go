// Package pondlog is a thin leveled wrapper around the standard log
// package, plus the colored shutdown summary.
package pondlog

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Quiet silences Infof/Warnf/Errorf, for tests that would otherwise spam
// stdout/stderr on every emplace or connection event.
var Quiet bool

func Infof(format string, args ...any) {
	if Quiet {
		return
	}
	log.Printf("[pond] "+format, args...)
}

func Warnf(format string, args ...any) {
	if Quiet {
		return
	}
	log.Printf("[pond] warning: "+format, args...)
}

func Errorf(format string, args ...any) {
	if Quiet {
		return
	}
	log.Printf("[pond] error: "+format, args...)
}

func Fatalf(format string, args ...any) {
	log.Fatalf("[pond] fatal: "+format, args...)
}

// FinalStats is the shutdown summary handed to PrintFinalStats, mirroring
// PondStatsPayload's fields.
type FinalStats struct {
	MemoryCapacity uint64
	MemoryUsage    uint64
	NRecords       uint64
	NReceived      uint64
	NMalformed     uint64
	NDiscarded     uint64
}

// PrintFinalStats prints a single yellow, columnar end-of-process
// summary.
func PrintFinalStats(s FinalStats) {
	if Quiet {
		return
	}
	yellow := "\x1b[33m"
	reset := "\x1b[0m"
	now := time.Now().Format(time.RFC3339)
	sep := strings.Repeat("-", 60)

	fmt.Printf("%s[%s] Final pond metrics\n", yellow, now)
	fmt.Println(sep)
	fmt.Printf("%-18s %12s\n", "Metric", "Value")
	fmt.Println(sep)
	fmt.Printf("%-18s %12d\n", "Capacity", s.MemoryCapacity)
	fmt.Printf("%-18s %12d\n", "Memory used", s.MemoryUsage)
	fmt.Printf("%-18s %12d\n", "Records", s.NRecords)
	fmt.Printf("%-18s %12d\n", "Received", s.NReceived)
	fmt.Printf("%-18s %12d\n", "Malformed", s.NMalformed)
	fmt.Printf("%-18s %12d\n", "Discarded", s.NDiscarded)
	fmt.Println(sep)
	fmt.Println("Records were held in memory only; a peer CLONE restores state after restart.")
	fmt.Print(reset)
}
