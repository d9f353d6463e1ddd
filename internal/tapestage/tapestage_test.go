package tapestage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/models"
)

func TestStageMovesArchiveOntoMount(t *testing.T) {
	mount := t.TempDir()
	finalDir := t.TempDir()
	archivePath := filepath.Join(finalDir, "backup_set1_1.tar")
	if err := os.WriteFile(archivePath, []byte("archive-bytes"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	cfg := config.PipelineConfig{TapeDriveLetter: mount, WriteRetries: 1}
	s := New(cfg, nil)

	rec := &models.ArchiveRecord{FinalPath: archivePath}
	finalPath, err := s.Stage(context.Background(), rec, "set1", 0)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("expected archive at %s, got error: %v", finalPath, err)
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Errorf("expected staging path to be gone after move")
	}
	if rec.FinalPath != finalPath {
		t.Errorf("rec.FinalPath = %s, want %s", rec.FinalPath, finalPath)
	}
}

func TestStageDirectWriteIsNoOp(t *testing.T) {
	mount := t.TempDir()
	archivePath := filepath.Join(mount, "already-there.tar")
	if err := os.WriteFile(archivePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.PipelineConfig{TapeDriveLetter: mount, CompressDirectlyToTape: true}
	s := New(cfg, nil)

	rec := &models.ArchiveRecord{FinalPath: archivePath}
	finalPath, err := s.Stage(context.Background(), rec, "set1", 0)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if finalPath != archivePath {
		t.Errorf("finalPath = %s, want unchanged %s", finalPath, archivePath)
	}
}

func TestStageFailsWhenMountMissing(t *testing.T) {
	cfg := config.PipelineConfig{TapeDriveLetter: "/nonexistent/mount/path"}
	s := New(cfg, nil)

	rec := &models.ArchiveRecord{FinalPath: "/tmp/whatever.tar"}
	_, err := s.Stage(context.Background(), rec, "set1", 0)
	if err != ErrTapeDriveMissing {
		t.Errorf("err = %v, want ErrTapeDriveMissing", err)
	}
}
