package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/coldstack/tapebackarr/internal/models"
)

// buildP7zip invokes an external 7z binary over a work directory laid out
// with each member hardlinked, or copied where a hardlink fails (a symlink
// tree would break 7z's path handling across mount boundaries), under its
// computed arcname, preserving
// relative paths under each source root. There is no Go 7z writer in the
// retrieved corpus, so this shells out the same way the teacher shells out
// to pigz/zstd for its own compression pipelines.
func (b *Builder) buildP7zip(ctx context.Context, stagingPath string, group models.FileGroup, sourceRoots []string, record *models.ArchiveRecord, progress *Progress) error {
	workDir, err := os.MkdirTemp(b.cfg.StagingDir, "p7zip-work-*")
	if err != nil {
		return fmt.Errorf("create 7z work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	var memberPaths []string
	for _, f := range group.Files {
		name := arcname(f.Path, sourceRoots)
		dst := filepath.Join(workDir, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			record.MemberResults[f.Path] = false
			continue
		}
		if err := linkOrCopy(f.Path, dst); err != nil {
			record.MemberResults[f.Path] = false
			continue
		}
		memberPaths = append(memberPaths, name)
		record.MemberResults[f.Path] = true
		progress.addBytes(f.Size)
		progress.advanceFile()
	}

	sevenZip := b.cfg.SevenZipPath
	if sevenZip == "" {
		sevenZip = "7z"
	}

	args := []string{"a", "-t7z", stagingPath}
	if b.cfg.CompressionDictionarySize > 0 {
		args = append(args, fmt.Sprintf("-m0=lzma2:d%dm", b.cfg.CompressionDictionarySize))
	}
	if b.cfg.CompressionCommandThreads > 0 {
		args = append(args, fmt.Sprintf("-mmt%d", b.cfg.CompressionCommandThreads))
	}
	args = append(args, memberPaths...)

	cmd := exec.CommandContext(ctx, sevenZip, args...)
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("7z build failed: %w (%s)", err, string(out))
	}

	return nil
}

// linkOrCopy hardlinks src into dst when possible (same filesystem, no
// copy cost) and falls back to a full copy across filesystem boundaries.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
