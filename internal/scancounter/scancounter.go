// Package scancounter runs an independent background pass over a task's
// source paths to keep a live file/byte denominator on the task row while
// the main pipeline is busy producing and staging archives.
package scancounter

import (
	"context"
	"time"

	"github.com/coldstack/tapebackarr/internal/enumerate"
	"github.com/coldstack/tapebackarr/internal/logging"
)

// defaultUpdateInterval is the fallback cadence (files) when a task's
// configured ScanUpdateInterval is zero.
const defaultUpdateInterval = 10000

// defaultLogInterval is the time-based fallback cadence.
const defaultLogInterval = 60 * time.Second

// ProgressSink receives periodic totals and terminal status. It is
// implemented by the catalog package's scan-progress helpers; scancounter
// depends only on this narrow interface so it never needs to know about
// SQL or table names.
type ProgressSink interface {
	UpdateScanProgress(taskID int64, scannedFiles int64, scannedBytes int64) error
	SetScanStatus(taskID int64, status string) error
}

// Counter walks a task's sources independently of the main pipeline.
type Counter struct {
	enumerator     *enumerate.Enumerator
	updateInterval int
	logInterval    time.Duration
	logger         *logging.Logger
}

// New builds a Counter. updateInterval is the number of files between
// progress writes (falls back to defaultUpdateInterval if <= 0).
func New(strategy enumerate.Strategy, threads int, updateInterval int, logger *logging.Logger) *Counter {
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	return &Counter{
		enumerator:     enumerate.New(strategy, threads, logger),
		updateInterval: updateInterval,
		logInterval:    defaultLogInterval,
		logger:         logger,
	}
}

// Run walks sourceRoots, excluding excludePatterns, writing totals to sink
// every updateInterval files or logInterval elapsed, whichever comes
// first. It sets scan_status=running on entry and completed on exit,
// including after cancellation (after a final partial flush). Run blocks until the walk finishes or ctx is
// cancelled; callers invoke it in its own goroutine per spec.md's
// "independent background task" contract — the main pipeline never waits
// on it.
func (c *Counter) Run(ctx context.Context, taskID int64, sourceRoots []string, excludePatterns []string, sink ProgressSink) error {
	if err := sink.SetScanStatus(taskID, "running"); err != nil {
		c.warn("failed to set scan_status running", taskID, err)
	}

	out, stats := c.enumerator.Enumerate(ctx, sourceRoots, excludePatterns, 256)

	filesSinceFlush := 0
	lastFlush := time.Now()

	drain := func() {
		for range out {
		}
	}

	for {
		select {
		case _, ok := <-out:
			if !ok {
				c.flush(taskID, stats, sink)
				if err := sink.SetScanStatus(taskID, "completed"); err != nil {
					c.warn("failed to set terminal scan_status", taskID, err)
				}
				return nil
			}
			filesSinceFlush++
			if filesSinceFlush >= c.updateInterval || time.Since(lastFlush) >= c.logInterval {
				c.flush(taskID, stats, sink)
				filesSinceFlush = 0
				lastFlush = time.Now()
			}
		case <-ctx.Done():
			c.flush(taskID, stats, sink)
			if err := sink.SetScanStatus(taskID, "completed"); err != nil {
				c.warn("failed to set scan_status after cancellation", taskID, err)
			}
			go drain()
			return ctx.Err()
		}
	}
}

func (c *Counter) flush(taskID int64, stats *enumerate.Stats, sink ProgressSink) {
	if err := sink.UpdateScanProgress(taskID, stats.Files(), stats.Bytes()); err != nil {
		c.warn("failed to update scan progress", taskID, err)
	}
}

func (c *Counter) warn(msg string, taskID int64, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
}
