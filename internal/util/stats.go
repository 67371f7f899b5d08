// Package util holds the two process-wide facilities every tunnel role
// shares: leveled logging and a periodic traffic-stats reporter, both
// backed by the same pterm sink so tunnel logs and tunnel stats
// interleave on one stream instead of two.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 2006 15:04:05"
}

// ──────────────────────────────────────────────────────────────────────────────
// Leveled logging
// ──────────────────────────────────────────────────────────────────────────────

func LogDebug(format string, args ...interface{}) {
	pterm.Debug.Printfln(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	pterm.Info.Printfln(format, args...)
}

func LogSuccess(format string, args ...interface{}) {
	pterm.Success.Printfln(format, args...)
}

func LogWarning(format string, args ...interface{}) {
	pterm.Warning.Printfln(format, args...)
}

func LogError(format string, args ...interface{}) {
	pterm.Error.Printfln(format, args...)
}

// EnableDebug configures the logger to also emit debug-level messages.
func EnableDebug() {
	pterm.EnableDebugMessages()
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/traffic counter.
var Stats = &stats{}

type stats struct {
	SessionsOpened atomic.Int64 // cumulative sessions created since process start
	SessionsKilled atomic.Int64 // cumulative sessions killed (terminal) since process start
	BytesToTCP     atomic.Int64 // cumulative bytes written out to TCP peers
	BytesFromTCP   atomic.Int64 // cumulative bytes read from TCP peers
}

func (s *stats) AddSession()           { s.SessionsOpened.Add(1) }
func (s *stats) RemoveSession()        { s.SessionsKilled.Add(1) }
func (s *stats) AddBytesToTCP(n int)   { s.BytesToTCP.Add(int64(n)) }
func (s *stats) AddBytesFromTCP(n int) { s.BytesFromTCP.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.SessionsOpened.Load()
				closed := Stats.SessionsKilled.Load()
				sent := Stats.BytesToTCP.Load()
				recv := Stats.BytesFromTCP.Load()

				inS := float64(sent-prevSent) / 10.0
				outS := float64(recv-prevRecv) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("Sessions: %2d↑ %2d↓ | TCP in: %s/s | TCP out: %s/s",
		inC,
		outC,
		formatBytes(inS),
		formatBytes(outS),
	)
}
