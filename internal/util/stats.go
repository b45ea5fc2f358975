package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter.
var Stats = &stats{}

type stats struct {
	TransfersStarted  atomic.Int64 // transfers that entered TRANSFERRING
	TransfersFinished atomic.Int64 // transfers that reached COMPLETED
	ChunksSent        atomic.Int64 // chunks handed to the DataChannel
	ChunksRecv        atomic.Int64 // chunks read from the DataChannel
	BytesSent         atomic.Int64 // file bytes written to the DataChannel
	BytesRecv         atomic.Int64 // file bytes read from the DataChannel
}

func (s *stats) StartTransfer()  { s.TransfersStarted.Add(1) }
func (s *stats) FinishTransfer() { s.TransfersFinished.Add(1) }

func (s *stats) AddSent(n int) {
	s.ChunksSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.ChunksRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs transfer throughput
// every 10 seconds while traffic flows. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				upS := float64(sent-prevSent) / reportInterval.Seconds()
				downS := float64(recv-prevRecv) / reportInterval.Seconds()

				if upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, sent, recv))
				}

				prevSent = sent
				prevRecv = recv

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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(upS, downS float64, sent, recv int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Total: %s↑ %s↓",
		FormatBytes(upS),
		FormatBytes(downS),
		FormatBytes(float64(sent)),
		FormatBytes(float64(recv)),
	)
}
