package util

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Traffic is a cumulative packet/byte counter owned by one relay.
type Traffic struct {
	Packets atomic.Int64 // messages relayed since start
	Bytes   atomic.Int64 // payload bytes relayed since start
}

// Add records one message of n bytes.
func (t *Traffic) Add(n int) {
	t.Packets.Add(1)
	t.Bytes.Add(int64(n))
}

// TrafficSource names the relay a Traffic counter belongs to.
type TrafficSource struct {
	Name    string
	Traffic *Traffic
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs per-relay throughput
// every interval. Idle relays are left out of the line. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, sources []TrafficSource) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prevBytes := make([]int64, len(sources))
		prevPackets := make([]int64, len(sources))
		secs := interval.Seconds()

		for {
			select {
			case <-ticker.C:
				var parts []string
				for i, src := range sources {
					b := src.Traffic.Bytes.Load()
					p := src.Traffic.Packets.Load()

					rate := float64(b-prevBytes[i]) / secs
					count := p - prevPackets[i]
					if count > 0 {
						parts = append(parts, formatStats(src.Name, rate, count))
					}

					prevBytes[i] = b
					prevPackets[i] = p
				}

				if len(parts) > 0 {
					pterm.DefaultLogger.Info(strings.Join(parts, " | "))
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns one relay's share of the periodic stats line.
func formatStats(name string, rate float64, packets int64) string {
	return fmt.Sprintf("%s: %s/s %4d msg", name, FormatBytes(rate), packets)
}
