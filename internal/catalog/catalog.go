// Package catalog persists per-file backup records into a dynamically
// created, per-set sharded table and exposes the scan-progress helpers the
// independent scan counter writes through.
package catalog

import (
	"fmt"

	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/google/uuid"
)

// insertBatchSize mirrors the teacher's catalog-entry writer batch size.
const insertBatchSize = 500

// Writer creates per-set catalog tables and persists BackupFile rows into
// them in batches, falling back to a logged drop on a second consecutive
// batch failure so a catalog problem never takes down an otherwise healthy
// tape write.
type Writer struct {
	db     *database.DB
	logger *logging.Logger
}

func New(db *database.DB, logger *logging.Logger) *Writer {
	return &Writer{db: db, logger: logger}
}

// NewSetTable creates a fresh `backup_files_<shard>` table for a backup
// set and returns its name. The shard suffix is a short hex slice of a
// fresh UUID so table names stay short and collision-free across sets.
func (w *Writer) NewSetTable() (string, error) {
	shard := uuid.New().String()[:8]
	table := fmt.Sprintf("backup_files_%s", shard)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			backup_set_id INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			directory_path TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			compressed_size INTEGER NOT NULL DEFAULT 0,
			file_permissions TEXT NOT NULL DEFAULT '',
			created_time DATETIME,
			modified_time DATETIME,
			accessed_time DATETIME,
			chunk_number INTEGER NOT NULL DEFAULT 0,
			is_copy_success BOOLEAN NOT NULL DEFAULT 0,
			backup_time DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(backup_set_id, file_path)
		)`, table)

	if _, err := w.db.Exec(ddl); err != nil {
		return "", fmt.Errorf("create set table %s: %w", table, err)
	}
	return table, nil
}

// InsertArchiveMembers writes one row per member of rec into table,
// batched in a single transaction. On failure the batch is retried once;
// on a second failure the rows are dropped (logged) and nil is returned —
// the archive itself is already on tape and restorable by archive-level
// inspection, so catalog loss here is degraded, not fatal.
func (w *Writer) InsertArchiveMembers(table string, setID int64, rec *models.ArchiveRecord, files []models.FileRecord) error {
	rows := make([]models.BackupFile, 0, len(files))
	perMemberCompressed := int64(0)
	if rec.MemberCount > 0 {
		perMemberCompressed = rec.CompressedSize / int64(rec.MemberCount)
	}

	for _, f := range files {
		rows = append(rows, models.BackupFile{
			BackupSetID:     setID,
			FilePath:        f.Path,
			FileName:        f.Name,
			DirectoryPath:   f.DirectoryPath,
			FileSize:        f.Size,
			CompressedSize:  perMemberCompressed,
			FilePermissions: f.Permissions,
			CreatedTime:     f.CreatedTime,
			ModifiedTime:    f.ModTime,
			AccessedTime:    f.AccessedTime,
			ChunkNumber:     rec.ChunkNumber,
			IsCopySuccess:   rec.MemberResults[f.Path],
		})
	}

	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		if err := w.insertBatch(table, chunk); err != nil {
			if w.logger != nil {
				w.logger.Warn("catalog insert batch failed, retrying once", map[string]interface{}{"table": table, "error": err.Error()})
			}
			if retryErr := w.insertBatch(table, chunk); retryErr != nil {
				if w.logger != nil {
					w.logger.Warn("catalog insert batch failed twice, dropping rows", map[string]interface{}{
						"table": table, "rows": len(chunk), "error": retryErr.Error(),
					})
				}
			}
		}
	}
	return nil
}

func (w *Writer) insertBatch(table string, rows []models.BackupFile) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (
			backup_set_id, file_path, file_name, directory_path, file_size,
			compressed_size, file_permissions, created_time, modified_time,
			accessed_time, chunk_number, is_copy_success, backup_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`, table))
	if err != nil {
		tx.Rollback()
		return err
	}

	for _, r := range rows {
		if _, execErr := stmt.Exec(
			r.BackupSetID, r.FilePath, r.FileName, r.DirectoryPath, r.FileSize,
			r.CompressedSize, r.FilePermissions, r.CreatedTime, r.ModifiedTime,
			r.AccessedTime, r.ChunkNumber, r.IsCopySuccess,
		); execErr != nil {
			stmt.Close()
			tx.Rollback()
			return execErr
		}
	}

	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateScanProgress updates the total_files/total_bytes columns
// on the task row; it never touches processed_*, which only the
// controller writes.
func (w *Writer) UpdateScanProgress(taskID int64, scannedFiles int64, scannedBytes int64) error {
	_, err := w.db.Exec(
		`UPDATE backup_tasks SET total_files = ?, total_bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		scannedFiles, scannedBytes, taskID,
	)
	return err
}

// SetScanStatus updates the task's scan_status column.
func (w *Writer) SetScanStatus(taskID int64, status string) error {
	_, err := w.db.Exec(
		`UPDATE backup_tasks SET scan_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, taskID,
	)
	return err
}

// SetStageDescription updates the task's operation_stage and description
// columns, used by the controller to surface human-readable progress.
func (w *Writer) SetStageDescription(taskID int64, stage string, description string) error {
	_, err := w.db.Exec(
		`UPDATE backup_tasks SET operation_stage = ?, description = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		stage, description, taskID,
	)
	return err
}
