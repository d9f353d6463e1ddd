package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/coldstack/tapebackarr/internal/notify"
	"github.com/coldstack/tapebackarr/internal/tapectl"
)

type fakeTapeCtl struct {
	cartridge   *models.TapeCartridge
	formatCalls int
	formatErr   error

	// available, when non-empty, is consumed in order by
	// GetAvailableCartridge to simulate an operator loading successive
	// cartridges during a spanning run; once exhausted it falls back to
	// returning cartridge, same as CurrentCartridge.
	available []*models.TapeCartridge
	nextIdx   int
}

func (f *fakeTapeCtl) CurrentCartridge(ctx context.Context) (*models.TapeCartridge, error) {
	return f.cartridge, nil
}

func (f *fakeTapeCtl) ReadLabel(ctx context.Context) (string, error) {
	if f.cartridge == nil {
		return "", nil
	}
	return f.cartridge.Label, nil
}

func (f *fakeTapeCtl) FormatPreserveLabel(ctx context.Context, task *models.BackupTask, progress tapectl.ProgressCallback) error {
	f.formatCalls++
	return f.formatErr
}

func (f *fakeTapeCtl) GetAvailableCartridge(ctx context.Context) (*models.TapeCartridge, error) {
	if f.nextIdx < len(f.available) {
		c := f.available[f.nextIdx]
		f.nextIdx++
		return c, nil
	}
	return f.cartridge, nil
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Send(ctx context.Context, event notify.Event) error {
	r.events = append(r.events, event)
	return nil
}

func newTestController(t *testing.T, notifier *recordingNotifier, cartridge *models.TapeCartridge) (*Controller, *database.DB, string) {
	t.Helper()
	return newTestControllerWithTape(t, notifier, &fakeTapeCtl{cartridge: cartridge})
}

func newTestControllerWithTape(t *testing.T, notifier *recordingNotifier, tapeCtl *fakeTapeCtl, cfgOpts ...func(*config.PipelineConfig)) (*Controller, *database.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stagingDir := t.TempDir()
	mountDir := t.TempDir()

	cfg := config.PipelineConfig{
		ScanMethod:             "sequential",
		UseScanMultithread:     false,
		ScanThreads:            2,
		ScanBatchSize:          500,
		ScanBatchSizeBytes:     1 << 30,
		ScanUpdateInterval:     10,
		ScanLogIntervalSeconds: 1,

		MaxArchiveSize:         1 << 30,
		CompressionMethod:      "tar",
		CompressDirectlyToTape: true,

		StagingDir:          stagingDir,
		DiskCheckInterval:   10,
		DiskCheckMaxRetries: 1,

		TapeDriveLetter: mountDir,
		WriteRetries:    1,
	}
	for _, opt := range cfgOpts {
		opt(&cfg)
	}

	logger, err := logging.NewLogger("warn", "text", "-")
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}

	ctrl := New(db, cfg, logger, tapeCtl, notifier)
	return ctrl, db, stagingDir
}

func insertTestTask(t *testing.T, db *database.DB, name string, sourceRoots []string) int64 {
	t.Helper()
	sp, _ := json.Marshal(sourceRoots)
	res, err := db.Exec(`
		INSERT INTO backup_tasks (task_name, task_type, source_paths, exclude_patterns, compression_method)
		VALUES (?, 'full', ?, '[]', 'tar')`, name, string(sp))
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func writeSrcFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestExecuteTaskHappyPathThreeFiles(t *testing.T) {
	notifier := &recordingNotifier{}
	cartridge := &models.TapeCartridge{TapeID: "T1", Label: "scratch", Status: models.TapeStatusActive}
	ctrl, db, _ := newTestController(t, notifier, cartridge)

	srcRoot := t.TempDir()
	writeSrcFile(t, filepath.Join(srcRoot, "a.txt"), "0123456789")
	writeSrcFile(t, filepath.Join(srcRoot, "b.txt"), "01234567890123456789")
	writeSrcFile(t, filepath.Join(srcRoot, "c.txt"), "012345678901234567890123456789")

	taskID := insertTestTask(t, db, "nightly", []string{srcRoot})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.ExecuteTask(ctx, taskID, nil, true); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	var status string
	var processedFiles, processedBytes int64
	var progressPercent int
	row := db.QueryRow(`SELECT status, processed_files, processed_bytes, progress_percent FROM backup_tasks WHERE id = ?`, taskID)
	if err := row.Scan(&status, &processedFiles, &processedBytes, &progressPercent); err != nil {
		t.Fatalf("scan task row: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
	if processedFiles != 3 {
		t.Errorf("processed_files = %d, want 3", processedFiles)
	}
	if processedBytes != 60 {
		t.Errorf("processed_bytes = %d, want 60", processedBytes)
	}
	if progressPercent != 100 {
		t.Errorf("progress_percent = %d, want 100", progressPercent)
	}

	var table string
	if err := db.QueryRow(`SELECT backup_files_table FROM backup_tasks WHERE id = ?`, taskID).Scan(&table); err != nil {
		t.Fatalf("scan backup_files_table: %v", err)
	}
	var rowCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&rowCount); err != nil {
		t.Fatalf("count catalog rows: %v", err)
	}
	if rowCount != 3 {
		t.Errorf("catalog row count = %d, want 3", rowCount)
	}

	var chunkCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE chunk_number = 0").Scan(&chunkCount); err != nil {
		t.Fatalf("count chunk 0: %v", err)
	}
	if chunkCount != 3 {
		t.Errorf("expected all three rows at chunk_number=0, count = %d", chunkCount)
	}

	foundComplete := false
	for _, e := range notifier.events {
		if e.Kind == notify.KindBackupComplete {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Error("expected a backup_complete notification")
	}
}

func TestExecuteTaskFailsWhenSourceUnreachable(t *testing.T) {
	notifier := &recordingNotifier{}
	cartridge := &models.TapeCartridge{TapeID: "T1", Label: "scratch"}
	ctrl, db, _ := newTestController(t, notifier, cartridge)

	taskID := insertTestTask(t, db, "broken", []string{"/nonexistent/does/not/exist"})

	err := ctrl.ExecuteTask(context.Background(), taskID, nil, true)
	if err == nil {
		t.Fatal("expected ExecuteTask to fail for unreachable source")
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM backup_tasks WHERE id = ?`, taskID).Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestExecuteTaskFailsWhenTapeUnregistered(t *testing.T) {
	notifier := &recordingNotifier{}
	ctrl, db, _ := newTestController(t, notifier, nil)

	srcRoot := t.TempDir()
	writeSrcFile(t, filepath.Join(srcRoot, "a.txt"), "x")
	taskID := insertTestTask(t, db, "unregistered-tape", []string{srcRoot})

	err := ctrl.ExecuteTask(context.Background(), taskID, nil, true)
	if err != ErrTapeNotRegistered {
		t.Fatalf("expected ErrTapeNotRegistered, got %v", err)
	}

	foundUnknown := false
	for _, e := range notifier.events {
		if e.Kind == notify.KindTapeUnregistered {
			foundUnknown = true
		}
	}
	if !foundUnknown {
		t.Error("expected a tape_unregistered notification")
	}
}

func TestCancelReturnsFalseWhenNotRunning(t *testing.T) {
	ctrl, _, _ := newTestController(t, &recordingNotifier{}, nil)
	if ctrl.Cancel(999) {
		t.Error("expected Cancel to return false for a task that isn't running")
	}
}

func TestExecuteTaskSpansOntoSecondTape(t *testing.T) {
	notifier := &recordingNotifier{}
	tape1 := &models.TapeCartridge{TapeID: "T1", Label: "scratch1", Status: models.TapeStatusActive}
	tape2 := &models.TapeCartridge{TapeID: "T2", Label: "scratch2", Status: models.TapeStatusActive}
	tapeCtl := &fakeTapeCtl{cartridge: tape1, available: []*models.TapeCartridge{tape2}}

	ctrl, db, _ := newTestControllerWithTape(t, notifier, tapeCtl, func(cfg *config.PipelineConfig) {
		cfg.ScanBatchSize = 1 // flush one file at a time so each becomes its own group
	})

	if _, err := db.Exec(`INSERT INTO tape_cartridges (tape_id, label, capacity_bytes, used_bytes) VALUES (?, ?, ?, 0)`,
		"T1", "scratch1", 15); err != nil {
		t.Fatalf("insert tape_cartridges T1: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO tape_cartridges (tape_id, label, capacity_bytes, used_bytes) VALUES (?, ?, ?, 0)`,
		"T2", "scratch2", 50); err != nil {
		t.Fatalf("insert tape_cartridges T2: %v", err)
	}

	srcRoot := t.TempDir()
	writeSrcFile(t, filepath.Join(srcRoot, "a.txt"), "0123456789")                      // 10 bytes
	writeSrcFile(t, filepath.Join(srcRoot, "b.txt"), "01234567890123456789")            // 20 bytes
	writeSrcFile(t, filepath.Join(srcRoot, "c.txt"), "012345678901234567890123456789")  // 30 bytes

	taskID := insertTestTask(t, db, "spanning", []string{srcRoot})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.ExecuteTask(ctx, taskID, nil, true); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM backup_tasks WHERE id = ?`, taskID).Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "completed" {
		t.Fatalf("status = %q, want completed", status)
	}

	var setCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM backup_sets WHERE task_id = ?`, taskID).Scan(&setCount); err != nil {
		t.Fatalf("count backup_sets: %v", err)
	}
	if setCount != 2 {
		t.Fatalf("backup_sets count = %d, want 2 (one per spanned tape)", setCount)
	}

	rows, err := db.Query(`SELECT tape_id, sequence_number, status, archive_count, original_bytes FROM backup_sets WHERE task_id = ? ORDER BY sequence_number`, taskID)
	if err != nil {
		t.Fatalf("query backup_sets: %v", err)
	}
	defer rows.Close()

	type setRow struct {
		tapeID   string
		sequence int
		status   string
		archives int
		bytes    int64
	}
	var sets []setRow
	for rows.Next() {
		var r setRow
		if err := rows.Scan(&r.tapeID, &r.sequence, &r.status, &r.archives, &r.bytes); err != nil {
			t.Fatalf("scan backup_sets row: %v", err)
		}
		sets = append(sets, r)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d backup_sets rows, want 2", len(sets))
	}
	// readDir doesn't sort entries, so which single file lands alone on the
	// first tape (before it fills past capacity 15) isn't fixed — only the
	// shape is: one archive on tape 1, the other two on tape 2, both
	// finalized, totaling all 60 bytes across the run.
	if sets[0].tapeID != "T1" || sets[0].sequence != 1 || sets[0].status != "finalized" || sets[0].archives != 1 {
		t.Errorf("first set = %+v, want tape T1 seq 1 finalized with 1 archive", sets[0])
	}
	if sets[1].tapeID != "T2" || sets[1].sequence != 2 || sets[1].status != "finalized" || sets[1].archives != 2 {
		t.Errorf("second set = %+v, want tape T2 seq 2 finalized with 2 archives", sets[1])
	}
	if sets[0].bytes+sets[1].bytes != 60 {
		t.Errorf("total original_bytes across sets = %d, want 60", sets[0].bytes+sets[1].bytes)
	}

	var changeReqCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tape_change_requests WHERE task_id = ? AND status = 'completed'`, taskID).Scan(&changeReqCount); err != nil {
		t.Fatalf("count tape_change_requests: %v", err)
	}
	if changeReqCount != 1 {
		t.Errorf("tape_change_requests completed count = %d, want 1", changeReqCount)
	}

	var currentTapeID string
	if err := db.QueryRow(`SELECT current_tape_id FROM backup_tasks WHERE id = ?`, taskID).Scan(&currentTapeID); err != nil {
		t.Fatalf("scan current_tape_id: %v", err)
	}
	if currentTapeID != "T2" {
		t.Errorf("current_tape_id = %q, want T2", currentTapeID)
	}
}

func TestResumeCheckpointRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	taskID := insertTestTask(t, db, "resumable", []string{"/tmp/src"})
	s := newStore(db)

	task, err := s.loadTask(taskID)
	if err != nil {
		t.Fatalf("loadTask: %v", err)
	}
	if task.CanResume {
		t.Error("fresh task should not be resumable")
	}
	if skip := loadResumeSkipSet(task); len(skip) != 0 {
		t.Errorf("fresh task skip set = %v, want empty", skip)
	}

	if err := s.saveResumeState(taskID, []string{"/tmp/src/a.txt", "/tmp/src/b.txt"}); err != nil {
		t.Fatalf("saveResumeState: %v", err)
	}

	task, err = s.loadTask(taskID)
	if err != nil {
		t.Fatalf("loadTask after save: %v", err)
	}
	if !task.CanResume {
		t.Error("task should be resumable after saveResumeState")
	}
	skip := loadResumeSkipSet(task)
	if !skip["/tmp/src/a.txt"] || !skip["/tmp/src/b.txt"] || len(skip) != 2 {
		t.Errorf("skip set = %v, want exactly a.txt and b.txt", skip)
	}

	if err := s.clearResumeState(taskID); err != nil {
		t.Fatalf("clearResumeState: %v", err)
	}
	task, err = s.loadTask(taskID)
	if err != nil {
		t.Fatalf("loadTask after clear: %v", err)
	}
	if task.CanResume || task.ResumeState != "" {
		t.Errorf("task after clear = CanResume=%v ResumeState=%q, want false/empty", task.CanResume, task.ResumeState)
	}
	if skip := loadResumeSkipSet(task); len(skip) != 0 {
		t.Errorf("cleared task skip set = %v, want empty", skip)
	}
}

func TestProgressPercentFormula(t *testing.T) {
	cases := []struct {
		processed, total int64
		want              int
	}{
		{0, 0, 0},
		{5, 0, 10},
		{0, 100, 10},
		{50, 100, 55},
		{100, 100, 100},
		{150, 100, 100},
	}
	for _, c := range cases {
		got := progressPercent(c.processed, c.total)
		if got != c.want {
			t.Errorf("progressPercent(%d, %d) = %d, want %d", c.processed, c.total, got, c.want)
		}
	}
}
