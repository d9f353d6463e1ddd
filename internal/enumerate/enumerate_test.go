package enumerate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldstack/tapebackarr/internal/models"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func collect(t *testing.T, root string, excludes []string, strategy Strategy) ([]string, *Stats) {
	t.Helper()
	e := New(strategy, 4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, stats := e.Enumerate(ctx, []string{root}, excludes, 16)
	var paths []string
	for rec := range out {
		paths = append(paths, rec.Path)
	}
	return paths, stats
}

func TestEnumerateSequentialFindsAllFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), 20)
	writeFile(t, filepath.Join(root, "sub", "deep", "c.txt"), 30)

	paths, stats := collect(t, root, nil, StrategySequential)
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(paths), paths)
	}
	if stats.Files() != 3 {
		t.Errorf("Files() = %d, want 3", stats.Files())
	}
	if stats.Bytes() != 60 {
		t.Errorf("Bytes() = %d, want 60", stats.Bytes())
	}
}

func TestEnumerateConcurrentFindsAllFiles(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(root, "dir", itoa(i), "f.txt"), 5)
	}

	paths, stats := collect(t, root, nil, StrategyConcurrent)
	if len(paths) != 20 {
		t.Fatalf("expected 20 files, got %d", len(paths))
	}
	if stats.Files() != 20 {
		t.Errorf("Files() = %d, want 20", stats.Files())
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}

func TestEnumerateRespectsExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), 1)
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), 1)
	writeFile(t, filepath.Join(root, "build", "out.bin"), 1)

	excludes := []string{
		filepath.Join(root, "node_modules"),
		filepath.Join(root, "build", "*.bin"),
	}
	paths, _ := collect(t, root, excludes, StrategySequential)
	if len(paths) != 1 {
		t.Fatalf("expected 1 file after exclusion, got %d: %v", len(paths), paths)
	}
}

func TestEnumerateCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 500; i++ {
		writeFile(t, filepath.Join(root, "d", itoa(i)+".txt"), 1)
	}

	e := New(StrategySequential, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	out, stats := e.Enumerate(ctx, []string{root}, nil, 1)
	cancel()
	for range out {
	}

	if !stats.WasCancelled() {
		t.Error("expected WasCancelled() to be true")
	}
}

func TestEnumerateContainsDirectoryAccessErrors(t *testing.T) {
	root := t.TempDir()
	unreadable := filepath.Join(root, "locked")
	if err := os.MkdirAll(unreadable, 0o000); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defer os.Chmod(unreadable, 0o755)
	writeFile(t, filepath.Join(root, "ok.txt"), 1)

	if os.Geteuid() == 0 {
		t.Skip("running as root, permission bits are not enforced")
	}

	paths, stats := collect(t, root, nil, StrategySequential)
	if len(paths) != 1 {
		t.Fatalf("expected 1 accessible file, got %d: %v", len(paths), paths)
	}
	errs := stats.Errors()
	if errs[models.ErrorKindDirAccess] == 0 {
		t.Error("expected at least one directory access error recorded")
	}
}
