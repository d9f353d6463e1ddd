// Package tapestage moves a completed archive from the staging area onto
// the tape-visible filesystem path, or returns its existing path unchanged
// when the pipeline writes directly to tape.
package tapestage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
)

// sizeStabilityChecks is how many consecutive identical size samples are
// required before a file is considered done writing and safe to move.
const sizeStabilityChecks = 3

// sizeStabilityInterval is the delay between stability samples.
const sizeStabilityInterval = 500 * time.Millisecond

// Stager moves archives onto the tape mount path. In direct-write mode it
// only checks that the mount path exists and leaves the archive where it is.
type Stager struct {
	cfg    config.PipelineConfig
	logger *logging.Logger
}

func New(cfg config.PipelineConfig, logger *logging.Logger) *Stager {
	return &Stager{cfg: cfg, logger: logger}
}

// Stage moves rec's archive onto the tape-visible path (in direct-write
// mode it is left in place), recording the result on rec.FinalPath.
// Returns the final path on success.
func (s *Stager) Stage(ctx context.Context, rec *models.ArchiveRecord, setID string, groupIndex int) (string, error) {
	mountPath := s.cfg.TapeDriveLetter
	if mountPath == "" {
		mountPath = s.cfg.DefaultDevice
	}
	if _, err := os.Stat(mountPath); err != nil {
		return "", ErrTapeDriveMissing
	}

	if s.cfg.CompressDirectlyToTape {
		// The archive was already built directly on the tape filesystem.
		return rec.FinalPath, nil
	}

	if err := waitForSizeStability(ctx, rec.FinalPath); err != nil {
		return "", fmt.Errorf("wait for stable archive size: %w", err)
	}

	dest := filepath.Join(mountPath, setID, filepath.Base(rec.FinalPath))
	if err := s.moveWithRetry(ctx, rec.FinalPath, dest); err != nil {
		return "", err
	}

	rec.FinalPath = dest
	return dest, nil
}

// moveWithRetry renames src to dest, retrying on transient IO errors up to
// WriteRetries times.
func (s *Stager) moveWithRetry(ctx context.Context, src, dest string) error {
	retries := s.cfg.WriteRetries
	if retries <= 0 {
		retries = 3
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create tape-visible directory: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := os.Rename(src, dest); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if s.logger != nil {
			s.logger.Warn("staged move attempt failed, retrying", map[string]interface{}{
				"src": src, "dest": dest, "attempt": attempt, "error": lastErr.Error(),
			})
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrMoveFailed, lastErr)
}

// waitForSizeStability polls path's size until it has reported the same
// value for sizeStabilityChecks consecutive samples, guarding against
// moving a file the archive builder is still flushing to disk.
func waitForSizeStability(ctx context.Context, path string) error {
	var lastSize int64 = -1
	stableCount := 0

	for stableCount < sizeStabilityChecks {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize {
			stableCount++
		} else {
			stableCount = 1
			lastSize = info.Size()
		}

		if stableCount >= sizeStabilityChecks {
			break
		}

		select {
		case <-time.After(sizeStabilityInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
