package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"os"

	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// buildTarStream handles the tar, pgzip, and zstd formats, which all share
// the same tar.Writer member-adding loop wrapped in different (or no)
// compressing io.Writer layers.
func (b *Builder) buildTarStream(ctx context.Context, stagingPath string, group models.FileGroup, sourceRoots []string, record *models.ArchiveRecord, progress *Progress) error {
	out, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	cw := &countingWriter{w: out, onWrite: progress.addBytes}

	tw, closeLayers, err := b.wrapTarWriter(cw)
	if err != nil {
		return err
	}

	for _, f := range group.Files {
		select {
		case <-ctx.Done():
			tw.Close()
			closeLayers()
			return ctx.Err()
		default:
		}
		name := arcname(f.Path, sourceRoots)
		if err := addTarMember(tw, f, name, record.MemberResults, progress); err != nil {
			tw.Close()
			closeLayers()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		closeLayers()
		return fmt.Errorf("close tar writer: %w", err)
	}
	return closeLayers()
}

// wrapTarWriter returns a tar.Writer over cw, optionally passing through a
// compressing layer selected by the builder's configured method. The
// returned close func flushes and closes any compressing layer (not the
// underlying file, which the caller owns).
func (b *Builder) wrapTarWriter(cw *countingWriter) (*tar.Writer, func() error, error) {
	switch compressionMethod(b.cfg) {
	case models.CompressionTar:
		return tar.NewWriter(cw), func() error { return nil }, nil

	case models.CompressionPgzip:
		gw, err := pgzip.NewWriterLevel(cw, levelOrDefault(b.cfg.CompressionLevel, pgzip.DefaultCompression))
		if err != nil {
			return nil, nil, fmt.Errorf("create pgzip writer: %w", err)
		}
		threads := b.cfg.PgzipThreads
		if threads <= 0 {
			threads = 4
		}
		blockSize := b.cfg.PgzipBlockSize
		if blockSize <= 0 {
			blockSize = 1 << 20
		}
		if err := gw.SetConcurrency(blockSize, threads); err != nil {
			return nil, nil, fmt.Errorf("configure pgzip concurrency: %w", err)
		}
		return tar.NewWriter(gw), gw.Close, nil

	case models.CompressionZstd:
		level := zstd.EncoderLevelFromZstd(clampZstdLevel(b.cfg.CompressionLevel))
		opts := []zstd.EOption{zstd.WithEncoderLevel(level)}
		if b.cfg.ZstdThreads > 0 {
			opts = append(opts, zstd.WithEncoderConcurrency(b.cfg.ZstdThreads))
		}
		zw, err := zstd.NewWriter(cw, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return tar.NewWriter(zw), zw.Close, nil

	default:
		return nil, nil, ErrUnsupportedFormat
	}
}

func levelOrDefault(level int, fallback int) int {
	if level <= 0 {
		return fallback
	}
	return level
}

func clampZstdLevel(level int) int {
	if level < 1 {
		return 3
	}
	if level > 19 {
		return 19
	}
	return level
}
