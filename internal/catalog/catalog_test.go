package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestNewSetTableCreatesTable(t *testing.T) {
	db := newTestDB(t)
	w := New(db, nil)

	table, err := w.NewSetTable()
	if err != nil {
		t.Fatalf("NewSetTable failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected table %s to exist", table)
	}
}

func TestInsertArchiveMembersPersistsRows(t *testing.T) {
	db := newTestDB(t)
	w := New(db, nil)

	table, err := w.NewSetTable()
	if err != nil {
		t.Fatalf("NewSetTable failed: %v", err)
	}

	now := time.Now().UTC()
	files := []models.FileRecord{
		{Path: "/src/a.txt", Name: "a.txt", DirectoryPath: "/src", Size: 10, ModTime: now, CreatedTime: now, AccessedTime: now, Permissions: "644"},
		{Path: "/src/b.txt", Name: "b.txt", DirectoryPath: "/src", Size: 20, ModTime: now, CreatedTime: now, AccessedTime: now, Permissions: "644"},
	}
	rec := &models.ArchiveRecord{
		ChunkNumber:    0,
		MemberCount:    2,
		CompressedSize: 24,
		MemberResults:  map[string]bool{"/src/a.txt": true, "/src/b.txt": false},
	}

	if err := w.InsertArchiveMembers(table, 1, rec, files); err != nil {
		t.Fatalf("InsertArchiveMembers failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var successA, successB bool
	if err := db.QueryRow("SELECT is_copy_success FROM "+table+" WHERE file_path = ?", "/src/a.txt").Scan(&successA); err != nil {
		t.Fatalf("query a: %v", err)
	}
	if err := db.QueryRow("SELECT is_copy_success FROM "+table+" WHERE file_path = ?", "/src/b.txt").Scan(&successB); err != nil {
		t.Fatalf("query b: %v", err)
	}
	if !successA || successB {
		t.Errorf("success flags = (%v, %v), want (true, false)", successA, successB)
	}
}

func TestScanProgressHelpersUpdateOnlyScanColumns(t *testing.T) {
	db := newTestDB(t)
	w := New(db, nil)

	_, err := db.Exec(`INSERT INTO backup_tasks (task_name, processed_files) VALUES ('t1', 5)`)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	var taskID int64
	if err := db.QueryRow("SELECT id FROM backup_tasks WHERE task_name = 't1'").Scan(&taskID); err != nil {
		t.Fatalf("query task id: %v", err)
	}

	if err := w.UpdateScanProgress(taskID, 100, 2048); err != nil {
		t.Fatalf("UpdateScanProgress failed: %v", err)
	}
	if err := w.SetScanStatus(taskID, "completed"); err != nil {
		t.Fatalf("SetScanStatus failed: %v", err)
	}
	if err := w.SetStageDescription(taskID, "archiving", "building group 3"); err != nil {
		t.Fatalf("SetStageDescription failed: %v", err)
	}

	var (
		scanFiles   int64
		scanStatus  string
		stage       string
		description string
		processed   int64
	)
	row := db.QueryRow("SELECT total_files, scan_status, operation_stage, description, processed_files FROM backup_tasks WHERE id = ?", taskID)
	if err := row.Scan(&scanFiles, &scanStatus, &stage, &description, &processed); err != nil {
		t.Fatalf("scan row: %v", err)
	}
	if scanFiles != 100 {
		t.Errorf("total_files = %d, want 100", scanFiles)
	}
	if scanStatus != "completed" {
		t.Errorf("scan_status = %q, want completed", scanStatus)
	}
	if stage != "archiving" || description != "building group 3" {
		t.Errorf("stage/description = %q/%q, unexpected", stage, description)
	}
	if processed != 5 {
		t.Errorf("processed_files = %d, want unchanged 5", processed)
	}
}
