package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/coldstack/tapebackarr/internal/scheduler"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, task_name, task_type, schedule_cron, enabled,
			compression_method, retention_days, status, progress_percent,
			last_run_at, next_run_at
		FROM backup_tasks ORDER BY task_name
	`)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	tasks := make([]map[string]interface{}, 0)
	for rows.Next() {
		var t models.BackupTask
		if err := rows.Scan(&t.ID, &t.TaskName, &t.TaskType, &t.ScheduleCron, &t.Enabled,
			&t.CompressionMethod, &t.RetentionDays, &t.Status, &t.ProgressPercent,
			&t.LastRunAt, &t.NextRunAt); err != nil {
			continue
		}
		tasks = append(tasks, map[string]interface{}{
			"id":                 t.ID,
			"task_name":          t.TaskName,
			"task_type":          t.TaskType,
			"schedule_cron":      t.ScheduleCron,
			"enabled":            t.Enabled,
			"compression_method": t.CompressionMethod,
			"retention_days":     t.RetentionDays,
			"status":             t.Status,
			"progress_percent":   t.ProgressPercent,
			"last_run_at":        t.LastRunAt,
			"next_run_at":        t.NextRunAt,
		})
	}

	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskName          string   `json:"task_name"`
		TaskType          string   `json:"task_type"`
		SourcePaths       []string `json:"source_paths"`
		ExcludePatterns   []string `json:"exclude_patterns"`
		ScheduleCron      string   `json:"schedule_cron"`
		CompressionMethod string   `json:"compression_method"`
		RetentionDays     int      `json:"retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TaskName == "" || len(req.SourcePaths) == 0 {
		s.respondError(w, http.StatusBadRequest, "task_name and source_paths are required")
		return
	}

	if req.ScheduleCron != "" {
		if err := scheduler.ParseCron(req.ScheduleCron); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = string(models.TaskTypeFull)
	}
	compression := req.CompressionMethod
	if compression == "" {
		compression = string(models.CompressionTar)
	}

	sourcePaths, _ := json.Marshal(req.SourcePaths)
	excludePatterns, _ := json.Marshal(req.ExcludePatterns)
	if req.ExcludePatterns == nil {
		excludePatterns = []byte("[]")
	}

	result, err := s.db.Exec(`
		INSERT INTO backup_tasks (task_name, task_type, source_paths, exclude_patterns, schedule_cron, enabled, compression_method, retention_days)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, req.TaskName, taskType, string(sourcePaths), string(excludePatterns), req.ScheduleCron, compression, req.RetentionDays)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, _ := result.LastInsertId()

	if req.ScheduleCron != "" {
		s.scheduler.ReloadTasks()
	}

	s.publishEvent("info", "task", "Task Created", fmt.Sprintf("backup task %q created", req.TaskName))
	s.auditLog(r, "create", "backup_task", id, fmt.Sprintf("created task %q", req.TaskName))

	s.respondJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var t models.BackupTask
	var backupSetID *int64
	err = s.db.QueryRow(`
		SELECT id, task_name, task_type, source_paths, exclude_patterns, schedule_cron,
			enabled, compression_method, compression_level, retention_days,
			status, scan_status, operation_stage, description, progress_percent,
			processed_files, processed_bytes, compressed_bytes,
			total_files, scan_dirs_scanned, total_bytes,
			current_tape_id, backup_set_id, backup_files_table,
			last_run_at, next_run_at, started_at, completed_at, error_message,
			created_at, updated_at
		FROM backup_tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.TaskName, &t.TaskType, &t.SourcePaths, &t.ExcludePatterns, &t.ScheduleCron,
		&t.Enabled, &t.CompressionMethod, &t.CompressionLevel, &t.RetentionDays,
		&t.Status, &t.ScanStatus, &t.OperationStage, &t.Description, &t.ProgressPercent,
		&t.ProcessedFiles, &t.ProcessedBytes, &t.CompressedBytes,
		&t.TotalFiles, &t.ScanDirsScanned, &t.TotalBytes,
		&t.CurrentTapeID, &backupSetID, &t.BackupFilesTable,
		&t.LastRunAt, &t.NextRunAt, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	t.BackupSetID = backupSetID

	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var status, stage, description string
	var progressPercent int
	var processedFiles, processedBytes, scanFilesFound int64
	err = s.db.QueryRow(`
		SELECT status, operation_stage, description, progress_percent, processed_files, processed_bytes, total_files
		FROM backup_tasks WHERE id = ?
	`, id).Scan(&status, &stage, &description, &progressPercent, &processedFiles, &processedBytes, &scanFilesFound)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"operation_stage":  stage,
		"description":      description,
		"progress_percent": progressPercent,
		"processed_files":  processedFiles,
		"processed_bytes":  processedBytes,
		"total_files": scanFilesFound,
		"running":          s.pipeline.IsRunning(id),
	})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var req struct {
		TaskName          *string   `json:"task_name"`
		SourcePaths       *[]string `json:"source_paths"`
		ExcludePatterns   *[]string `json:"exclude_patterns"`
		ScheduleCron      *string   `json:"schedule_cron"`
		Enabled           *bool     `json:"enabled"`
		CompressionMethod *string   `json:"compression_method"`
		RetentionDays     *int      `json:"retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ScheduleCron != nil && *req.ScheduleCron != "" {
		if err := scheduler.ParseCron(*req.ScheduleCron); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
	}

	updates := []string{}
	args := []interface{}{}

	if req.TaskName != nil {
		updates = append(updates, "task_name = ?")
		args = append(args, *req.TaskName)
	}
	if req.SourcePaths != nil {
		sp, _ := json.Marshal(*req.SourcePaths)
		updates = append(updates, "source_paths = ?")
		args = append(args, string(sp))
	}
	if req.ExcludePatterns != nil {
		ep, _ := json.Marshal(*req.ExcludePatterns)
		updates = append(updates, "exclude_patterns = ?")
		args = append(args, string(ep))
	}
	if req.ScheduleCron != nil {
		updates = append(updates, "schedule_cron = ?")
		args = append(args, *req.ScheduleCron)
	}
	if req.Enabled != nil {
		updates = append(updates, "enabled = ?")
		args = append(args, *req.Enabled)
	}
	if req.CompressionMethod != nil {
		updates = append(updates, "compression_method = ?")
		args = append(args, *req.CompressionMethod)
	}
	if req.RetentionDays != nil {
		updates = append(updates, "retention_days = ?")
		args = append(args, *req.RetentionDays)
	}

	if len(updates) == 0 {
		s.respondError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := "UPDATE backup_tasks SET " + strings.Join(updates, ", ") + " WHERE id = ?"
	if _, err := s.db.Exec(query, args...); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.scheduler.ReloadTasks()
	s.auditLog(r, "update", "backup_task", id, "updated task settings")

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if s.pipeline.IsRunning(id) {
		s.respondError(w, http.StatusConflict, "cannot delete a task that is currently running")
		return
	}

	if _, err := s.db.Exec("DELETE FROM backup_tasks WHERE id = ?", id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.scheduler.RemoveTask(id)
	s.auditLog(r, "delete", "backup_task", id, "deleted task")

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRunTask triggers an operator-invoked run of a task. The run
// executes on its own context in the background; the caller polls
// /tasks/{id}/status (or subscribes to /events/stream) for progress.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var req struct {
		ExcludePatterns []string `json:"exclude_patterns"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	go func() {
		ctx := context.Background()
		if err := s.pipeline.ExecuteTask(ctx, id, req.ExcludePatterns, true); err != nil {
			s.logger.Warn("manual task run failed", map[string]interface{}{"task_id": id, "error": err.Error()})
		}
	}()

	s.auditLog(r, "run", "backup_task", id, "started manual run")

	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if s.pipeline.Cancel(id) {
		s.publishEvent("warning", "task", "Task Cancelled", fmt.Sprintf("task %d was cancelled by operator", id))
		s.auditLog(r, "cancel", "backup_task", id, "cancelled run")
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	s.respondError(w, http.StatusNotFound, "no active run found for that task")
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if s.pipeline.Pause(id) {
		s.publishEvent("info", "task", "Task Paused", fmt.Sprintf("task %d was paused by operator", id))
		s.auditLog(r, "pause", "backup_task", id, "paused run")
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
		return
	}
	s.respondError(w, http.StatusNotFound, "no active run found for that task")
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if s.pipeline.Resume(id) {
		s.publishEvent("info", "task", "Task Resumed", fmt.Sprintf("task %d was resumed by operator", id))
		s.auditLog(r, "resume", "backup_task", id, "resumed run")
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
		return
	}
	s.respondError(w, http.StatusNotFound, "no active run found for that task")
}

// Backup sets

func (s *Server) handleListBackupSets(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, set_id, task_id, tape_id, sequence_number, status,
			archive_count, original_bytes, compressed_bytes, finalized_at, created_at
		FROM backup_sets ORDER BY created_at DESC LIMIT 200
	`)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	sets := make([]models.BackupSet, 0)
	for rows.Next() {
		var b models.BackupSet
		if err := rows.Scan(&b.ID, &b.SetID, &b.TaskID, &b.TapeID, &b.SequenceNumber, &b.Status,
			&b.ArchiveCount, &b.OriginalBytes, &b.CompressedBytes, &b.FinalizedAt, &b.CreatedAt); err != nil {
			continue
		}
		sets = append(sets, b)
	}

	s.respondJSON(w, http.StatusOK, sets)
}

func (s *Server) handleGetBackupSet(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid backup set id")
		return
	}

	var b models.BackupSet
	err = s.db.QueryRow(`
		SELECT id, set_id, task_id, tape_id, sequence_number, status,
			archive_count, original_bytes, compressed_bytes, backup_files_table, finalized_at, created_at
		FROM backup_sets WHERE id = ?
	`, id).Scan(&b.ID, &b.SetID, &b.TaskID, &b.TapeID, &b.SequenceNumber, &b.Status,
		&b.ArchiveCount, &b.OriginalBytes, &b.CompressedBytes, &b.BackupFilesTable, &b.FinalizedAt, &b.CreatedAt)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "backup set not found")
		return
	}

	s.respondJSON(w, http.StatusOK, b)
}

// Audit log

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, user_id, action, resource_type, resource_id, details, ip_address, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT 500
	`)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	logs := make([]models.AuditLog, 0)
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Action, &l.ResourceType, &l.ResourceID, &l.Details, &l.IPAddress, &l.CreatedAt); err != nil {
			continue
		}
		logs = append(logs, l)
	}

	s.respondJSON(w, http.StatusOK, logs)
}

// publishEvent is a thin helper over the server's event bus, mirroring
// the teacher's inline SystemEvent publishing at each job-control handler.
func (s *Server) publishEvent(eventType, category, title, message string) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(SystemEvent{
		Type:     eventType,
		Category: category,
		Title:    title,
		Message:  message,
	})
}
