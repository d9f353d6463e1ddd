// Package archive partitions enumerated files into size-bounded groups and
// builds one archive file per group in the configured format.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/natefinch/atomic"
)

// Builder produces archives from file groups per the configured
// compression method, staging layout, and disk-space policy.
type Builder struct {
	cfg    config.PipelineConfig
	logger *logging.Logger
}

func New(cfg config.PipelineConfig, logger *logging.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// NewProgress allocates the mutable progress record for a group before
// the build starts, so a caller running Build in a goroutine can poll it
// concurrently.
func NewProgress(group models.FileGroup) *Progress {
	return newProgress(len(group.Files), group.Bytes)
}

// Build writes one archive for group, returning the populated
// ArchiveRecord. sourceRoots is used to compute each member's arcname
// relative to the root that contains it. progress, if non-nil, is updated
// as entries are added; pass the result of NewProgress to poll it from
// another goroutine while Build runs.
func (b *Builder) Build(ctx context.Context, group models.FileGroup, setID string, sourceRoots []string, progress *Progress) (*models.ArchiveRecord, error) {
	if progress == nil {
		progress = NewProgress(group)
	}

	stagingDir := filepath.Join(b.cfg.StagingDir, "temp", setID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	if err := b.waitForDiskSpace(ctx, stagingDir); err != nil {
		return nil, err
	}

	ext := extensionFor(compressionMethod(b.cfg))
	stagingPath := filepath.Join(stagingDir, fmt.Sprintf("backup_%s_%d.%s", setID, timestampSuffix(), ext))

	record := &models.ArchiveRecord{
		StagingPath:   stagingPath,
		Format:        compressionMethod(b.cfg),
		ChunkNumber:   group.ChunkNumber,
		MemberCount:   len(group.Files),
		OriginalSize:  group.Bytes,
		MemberResults: make(map[string]bool, len(group.Files)),
	}

	var buildErr error
	switch compressionMethod(b.cfg) {
	case models.CompressionP7zip:
		buildErr = b.buildP7zip(ctx, stagingPath, group, sourceRoots, record, progress)
	default:
		buildErr = b.buildTarStream(ctx, stagingPath, group, sourceRoots, record, progress)
	}
	if buildErr != nil {
		os.Remove(stagingPath)
		return nil, buildErr
	}

	info, err := os.Stat(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	record.CompressedSize = info.Size()

	if verifyErr := verify(record); verifyErr != nil {
		return nil, verifyErr
	}

	if !b.cfg.CompressDirectlyToTape {
		finalDir := filepath.Join(b.cfg.StagingDir, "final", setID)
		if err := os.MkdirAll(finalDir, 0o755); err != nil {
			return nil, fmt.Errorf("create final dir: %w", err)
		}
		finalPath := filepath.Join(finalDir, filepath.Base(stagingPath))
		if err := atomic.ReplaceFile(stagingPath, finalPath); err != nil {
			return nil, fmt.Errorf("move archive to final: %w", err)
		}
		record.FinalPath = finalPath
	} else {
		record.FinalPath = stagingPath
	}

	progress.markCompleted()
	return record, nil
}

// waitForDiskSpace requires free space at path to be at least
// 3 x MaxArchiveSize, retrying on a configured interval up to
// DiskCheckMaxRetries times before giving up.
func (b *Builder) waitForDiskSpace(ctx context.Context, path string) error {
	required := 3 * b.cfg.MaxArchiveSize
	interval := time.Duration(b.cfg.DiskCheckInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	retries := b.cfg.DiskCheckMaxRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt <= retries; attempt++ {
		free, err := freeSpace(path)
		if err == nil && free >= required {
			return nil
		}
		if attempt == retries {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.logger != nil {
		b.logger.Warn("disk space gate exhausted retries", map[string]interface{}{"path": path, "required": required})
	}
	return ErrDiskFull
}

func extensionFor(m models.CompressionMethod) string {
	switch m {
	case models.CompressionTar:
		return "tar"
	case models.CompressionPgzip:
		return "tar.gz"
	case models.CompressionZstd:
		return "tar.zst"
	case models.CompressionP7zip:
		return "7z"
	default:
		return "bin"
	}
}

func timestampSuffix() int64 {
	return time.Now().UnixNano()
}

// arcname computes a member's path relative to the first source root that
// contains it, falling back to the base name.
func arcname(path string, sourceRoots []string) string {
	clean := filepath.Clean(path)
	for _, root := range sourceRoots {
		root = filepath.Clean(root)
		if rel, err := filepath.Rel(root, clean); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(clean)
}

// verify implements the spec's empty-archive heuristic: a build is
// considered failed if the original payload was large but the resulting
// archive is implausibly small and not a single member succeeded.
func verify(r *models.ArchiveRecord) error {
	const minOriginalForCheck = 100 * 1024 * 1024
	if r.OriginalSize <= minOriginalForCheck {
		return nil
	}
	ratio := float64(r.CompressedSize) / float64(r.OriginalSize)
	if ratio >= 0.001 {
		return nil
	}
	for _, ok := range r.MemberResults {
		if ok {
			return nil
		}
	}
	return ErrEmptyArchive
}

// compressionMethod returns cfg's configured archive format. A free
// function rather than a method because PipelineConfig belongs to
// package config, not archive.
func compressionMethod(cfg config.PipelineConfig) models.CompressionMethod {
	return models.CompressionMethod(cfg.CompressionMethod)
}

var _ io.Writer = (*countingWriter)(nil)

type countingWriter struct {
	w       io.Writer
	written int64
	onWrite func(n int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.written += int64(n)
		if cw.onWrite != nil {
			cw.onWrite(int64(n))
		}
	}
	return n, err
}

// addTarMember streams one file's contents into tw, recording success or
// failure on record.MemberResults without aborting the whole build.
func addTarMember(tw *tar.Writer, rec models.FileRecord, name string, result map[string]bool, progress *Progress) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		result[rec.Path] = false
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		result[rec.Path] = false
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		result[rec.Path] = false
		return nil
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", rec.Path, err)
	}

	written, err := io.Copy(tw, f)
	progress.addBytes(written)
	progress.advanceFile()
	if err != nil {
		result[rec.Path] = false
		return nil
	}
	result[rec.Path] = true
	return nil
}
