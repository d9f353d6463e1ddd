package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/models"
)

// store is the controller's direct view of backup_tasks/backup_sets, kept
// as plain SQL against *database.DB in the same inline style the teacher
// uses throughout RunBackup rather than a generic repository abstraction —
// the controller is the only writer of these rows besides catalog.Writer's
// narrow scan_* helpers.
type store struct {
	db *database.DB
}

func newStore(db *database.DB) *store {
	return &store{db: db}
}

func (s *store) loadTask(taskID int64) (*models.BackupTask, error) {
	t := &models.BackupTask{}
	var backupSetID sql.NullInt64
	row := s.db.QueryRow(`
		SELECT id, task_name, task_type, source_paths, exclude_patterns,
			compression_method, compression_level, retention_days,
			status, scan_status, backup_set_id, backup_files_table, current_tape_id,
			can_resume, resume_state
		FROM backup_tasks WHERE id = ?`, taskID)
	if err := row.Scan(&t.ID, &t.TaskName, &t.TaskType, &t.SourcePaths, &t.ExcludePatterns,
		&t.CompressionMethod, &t.CompressionLevel, &t.RetentionDays,
		&t.Status, &t.ScanStatus, &backupSetID, &t.BackupFilesTable, &t.CurrentTapeID,
		&t.CanResume, &t.ResumeState); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("load task %d: %w", taskID, err)
	}
	if backupSetID.Valid {
		t.BackupSetID = &backupSetID.Int64
	}
	return t, nil
}

func (s *store) sourceRoots(t *models.BackupTask) ([]string, error) {
	var roots []string
	if t.SourcePaths == "" {
		return roots, nil
	}
	if err := json.Unmarshal([]byte(t.SourcePaths), &roots); err != nil {
		return nil, fmt.Errorf("parse source_paths: %w", err)
	}
	return roots, nil
}

func (s *store) excludePatterns(t *models.BackupTask, override []string) ([]string, error) {
	if override != nil {
		return override, nil
	}
	var patterns []string
	if t.ExcludePatterns == "" {
		return patterns, nil
	}
	if err := json.Unmarshal([]byte(t.ExcludePatterns), &patterns); err != nil {
		return nil, fmt.Errorf("parse exclude_patterns: %w", err)
	}
	return patterns, nil
}

func (s *store) transitionToRunning(taskID int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET
			status = 'running', started_at = ?, completed_at = NULL, error_message = '',
			processed_files = 0, processed_bytes = 0, compressed_bytes = 0,
			total_files = 0, scan_dirs_scanned = 0, total_bytes = 0,
			progress_percent = 0, operation_stage = 'starting', description = 'starting run',
			updated_at = ?
		WHERE id = ?`, now, now, taskID)
	return err
}

func (s *store) setFailed(taskID int64, stage string, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET status = 'failed', operation_stage = ?, description = ?,
			error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`, stage, "["+stage+"] "+errMsg, errMsg, time.Now().UTC(), time.Now().UTC(), taskID)
	return err
}

func (s *store) setCancelled(taskID int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET status = 'cancelled', operation_stage = 'cancelled',
			description = description || ' [cancelled]', error_message = 'cancelled',
			completed_at = ?, updated_at = ?
		WHERE id = ?`, now, now, taskID)
	return err
}

func (s *store) setCompleted(taskID int64, resultSummaryJSON string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET status = 'completed', operation_stage = 'completed',
			description = 'run completed', progress_percent = 100,
			result_summary_json = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`, resultSummaryJSON, now, now, taskID)
	return err
}

func (s *store) setPaused(taskID int64) error {
	_, err := s.db.Exec(`UPDATE backup_tasks SET status = 'paused', operation_stage = 'paused', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID)
	return err
}

func (s *store) setRunningAgain(taskID int64) error {
	_, err := s.db.Exec(`UPDATE backup_tasks SET status = 'running', operation_stage = 'running', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID)
	return err
}

func (s *store) setCurrentTape(taskID int64, tapeID string) error {
	_, err := s.db.Exec(`UPDATE backup_tasks SET current_tape_id = ?, updated_at = ? WHERE id = ?`,
		tapeID, time.Now().UTC(), taskID)
	return err
}

func (s *store) setBackupSetRef(taskID int64, backupSetID int64, table string) error {
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET backup_set_id = ?, backup_files_table = ?, updated_at = ?
		WHERE id = ?`, backupSetID, table, time.Now().UTC(), taskID)
	return err
}

// updateProgress advances the counters and recomputed progress_percent,
// per spec.md §4.1's formula, monotonically within a run.
func (s *store) updateProgress(taskID int64, processedFiles, processedBytes, compressedBytes, totalFiles int64, stage, description string) error {
	percent := progressPercent(processedFiles, totalFiles)
	_, err := s.db.Exec(`
		UPDATE backup_tasks SET
			processed_files = ?, processed_bytes = ?, compressed_bytes = ?,
			progress_percent = MAX(progress_percent, ?), operation_stage = ?, description = ?, updated_at = ?
		WHERE id = ?`, processedFiles, processedBytes, compressedBytes, percent, stage, description, time.Now().UTC(), taskID)
	return err
}

func (s *store) totalFiles(taskID int64) (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT total_files FROM backup_tasks WHERE id = ?`, taskID).Scan(&total)
	return total, err
}

// progressPercent implements spec.md §4.1's formula: held at 10 until
// ScanCounter has observed any total_files, then
// 10 + 90*processed_files/max(total_files, processed_files), capped at 100.
func progressPercent(processedFiles, totalFiles int64) int {
	if totalFiles <= 0 {
		if processedFiles > 0 {
			return 10
		}
		return 0
	}
	denom := totalFiles
	if processedFiles > denom {
		denom = processedFiles
	}
	pct := 10 + int(90*processedFiles/denom)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// insertBackupSet creates a backup_sets row at sequenceNumber for the given
// tape. A task whose data spans multiple cartridges gets one row per tape,
// all sharing task_id and backup_files_table, with sequence_number
// incrementing as the run rolls onto each new cartridge.
func (s *store) insertBackupSet(setID string, taskID int64, tapeID string, sequenceNumber int, table string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO backup_sets (set_id, task_id, tape_id, sequence_number, status, backup_files_table)
		VALUES (?, ?, ?, ?, 'running', ?)`, setID, taskID, tapeID, sequenceNumber, table)
	if err != nil {
		return 0, fmt.Errorf("insert backup set: %w", err)
	}
	return res.LastInsertId()
}

// cartridgeCapacity returns the configured capacity and already-used bytes
// recorded for tapeID in tape_cartridges. A zero capacity means none is
// configured for that cartridge.
func (s *store) cartridgeCapacity(tapeID string) (capacityBytes int64, usedBytes int64, err error) {
	err = s.db.QueryRow(`SELECT capacity_bytes, used_bytes FROM tape_cartridges WHERE tape_id = ?`, tapeID).
		Scan(&capacityBytes, &usedBytes)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return capacityBytes, usedBytes, err
}

// addCartridgeUsedBytes advances a cartridge's used_bytes counter as a run
// writes to it, so later capacity checks (including by other tasks) see
// up-to-date headroom.
func (s *store) addCartridgeUsedBytes(tapeID string, delta int64) error {
	_, err := s.db.Exec(`UPDATE tape_cartridges SET used_bytes = used_bytes + ?, updated_at = ? WHERE tape_id = ?`,
		delta, time.Now().UTC(), tapeID)
	return err
}

// createTapeChangeRequest records that a run needs a new cartridge loaded,
// for operator-facing surfacing outside this process.
func (s *store) createTapeChangeRequest(taskID, backupSetID int64, currentTapeID, reason string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO tape_change_requests (task_id, backup_set_id, current_tape_id, reason, status)
		VALUES (?, ?, ?, ?, 'pending')`, taskID, backupSetID, currentTapeID, reason)
	if err != nil {
		return 0, fmt.Errorf("create tape change request: %w", err)
	}
	return res.LastInsertId()
}

// completeTapeChangeRequest marks a pending tape-change request acknowledged
// once the new cartridge has been identified and is ready to write to.
func (s *store) completeTapeChangeRequest(requestID int64, newTapeID string) error {
	_, err := s.db.Exec(`
		UPDATE tape_change_requests SET status = 'completed', new_tape_id = ?, acknowledged_at = ?
		WHERE id = ?`, newTapeID, time.Now().UTC(), requestID)
	return err
}

// resumeCheckpoint is the JSON payload stored in backup_tasks.resume_state:
// the set of source paths already durably cataloged by an interrupted run,
// so a resumed run can skip re-reading and re-archiving them.
type resumeCheckpoint struct {
	ProcessedPaths []string `json:"processed_paths"`
}

// saveResumeState persists the checkpoint for a cancelled run and marks the
// task resumable.
func (s *store) saveResumeState(taskID int64, processedPaths []string) error {
	payload, err := json.Marshal(resumeCheckpoint{ProcessedPaths: processedPaths})
	if err != nil {
		return fmt.Errorf("marshal resume state: %w", err)
	}
	_, err = s.db.Exec(`UPDATE backup_tasks SET can_resume = 1, resume_state = ?, updated_at = ? WHERE id = ?`,
		string(payload), time.Now().UTC(), taskID)
	return err
}

// clearResumeState drops a task's checkpoint once a run completes cleanly,
// so the next run starts from scratch.
func (s *store) clearResumeState(taskID int64) error {
	_, err := s.db.Exec(`UPDATE backup_tasks SET can_resume = 0, resume_state = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID)
	return err
}

// loadResumeSkipSet parses a task's resume_state into a lookup set of
// already-processed source paths. Returns an empty set if the task is not
// resumable or its checkpoint fails to parse.
func loadResumeSkipSet(task *models.BackupTask) map[string]bool {
	skip := map[string]bool{}
	if !task.CanResume || task.ResumeState == "" {
		return skip
	}
	var checkpoint resumeCheckpoint
	if err := json.Unmarshal([]byte(task.ResumeState), &checkpoint); err != nil {
		return skip
	}
	for _, p := range checkpoint.ProcessedPaths {
		skip[p] = true
	}
	return skip
}

func (s *store) finalizeBackupSet(backupSetID int64, archiveCount int, originalBytes, compressedBytes int64) error {
	_, err := s.db.Exec(`
		UPDATE backup_sets SET status = 'finalized', archive_count = ?,
			original_bytes = ?, compressed_bytes = ?, finalized_at = ?
		WHERE id = ?`, archiveCount, originalBytes, compressedBytes, time.Now().UTC(), backupSetID)
	return err
}

func (s *store) failBackupSet(backupSetID int64) error {
	_, err := s.db.Exec(`UPDATE backup_sets SET status = 'failed' WHERE id = ?`, backupSetID)
	return err
}

func (s *store) cancelBackupSet(backupSetID int64) error {
	_, err := s.db.Exec(`UPDATE backup_sets SET status = 'cancelled' WHERE id = ?`, backupSetID)
	return err
}

func generateSetID(task *models.BackupTask, now time.Time) string {
	return fmt.Sprintf("backup_%s_%s", now.UTC().Format("20060102_150405"), task.TaskName)
}
