package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"

	"github.com/robfig/cron/v3"
)

// TaskRunner executes a scheduled backup task. manualRun is always false
// for scheduler-triggered runs, distinguishing them from operator-invoked
// ones at the pipeline's pre-flight stage.
type TaskRunner func(ctx context.Context, taskID int64) error

// Service manages cron-triggered backup task execution, one cron entry
// per enabled task with a non-empty schedule_cron.
type Service struct {
	db         *database.DB
	logger     *logging.Logger
	cron       *cron.Cron
	taskRunner TaskRunner
	mu         sync.RWMutex
	entries    map[int64]cron.EntryID
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewService creates a new scheduler service.
func NewService(db *database.DB, logger *logging.Logger, taskRunner TaskRunner) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		db:         db,
		logger:     logger,
		cron:       cron.New(cron.WithSeconds()),
		taskRunner: taskRunner,
		entries:    make(map[int64]cron.EntryID),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start loads all enabled tasks and begins dispatching them on schedule.
func (s *Service) Start() error {
	s.logger.Info("starting scheduler", nil)

	if err := s.loadTasks(); err != nil {
		return err
	}

	s.cron.Start()
	go s.updateNextRuns()

	return nil
}

// Stop cancels the next-run updater and waits for the cron scheduler to
// drain any entry currently firing.
func (s *Service) Stop() {
	s.logger.Info("stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) loadTasks() error {
	rows, err := s.db.Query(`
		SELECT id, task_name, schedule_cron, enabled
		FROM backup_tasks WHERE enabled = 1 AND schedule_cron != ''
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var task models.BackupTask
		if err := rows.Scan(&task.ID, &task.TaskName, &task.ScheduleCron, &task.Enabled); err != nil {
			s.logger.Warn("failed to scan task", map[string]interface{}{"error": err.Error()})
			continue
		}

		if err := s.scheduleTask(&task); err != nil {
			s.logger.Warn("failed to schedule task", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}

	return nil
}

func (s *Service) scheduleTask(task *models.BackupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[task.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, task.ID)
	}

	if !task.Enabled || task.ScheduleCron == "" {
		return nil
	}

	taskID := task.ID
	entryID, err := s.cron.AddFunc(task.ScheduleCron, func() {
		s.runTask(taskID)
	})
	if err != nil {
		return err
	}

	s.entries[task.ID] = entryID

	s.logger.Info("scheduled task", map[string]interface{}{
		"task_id":  task.ID,
		"schedule": task.ScheduleCron,
	})

	return nil
}

// runTask dispatches one scheduled firing of a task. The 24h timeout
// bounds a single run so a stuck task never pins a cron goroutine forever.
func (s *Service) runTask(taskID int64) {
	s.logger.Info("running scheduled task", map[string]interface{}{"task_id": taskID})

	ctx, cancel := context.WithTimeout(s.ctx, 24*time.Hour)
	defer cancel()

	if err := s.taskRunner(ctx, taskID); err != nil {
		s.logger.Error("scheduled task failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}

	s.db.Exec(`UPDATE backup_tasks SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?`, taskID)
}

// AddTask adds or updates a task's schedule entry.
func (s *Service) AddTask(task *models.BackupTask) error {
	return s.scheduleTask(task)
}

// RemoveTask removes a task from the scheduler.
func (s *Service) RemoveTask(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[taskID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
		s.logger.Info("removed task from scheduler", map[string]interface{}{"task_id": taskID})
	}
}

// NextRun returns the next scheduled firing time for a task, if scheduled.
func (s *Service) NextRun(taskID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, exists := s.entries[taskID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

func (s *Service) updateNextRuns() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for taskID, entryID := range s.entries {
				entry := s.cron.Entry(entryID)
				if !entry.Next.IsZero() {
					s.db.Exec(`UPDATE backup_tasks SET next_run_at = ? WHERE id = ?`, entry.Next, taskID)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// ReloadTasks clears and reloads all scheduled entries from the database,
// picking up schedule/enabled changes made since Start.
func (s *Service) ReloadTasks() error {
	s.mu.Lock()
	for taskID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
	s.mu.Unlock()

	return s.loadTasks()
}

// ListScheduled returns info about all currently scheduled tasks.
func (s *Service) ListScheduled() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []map[string]interface{}
	for taskID, entryID := range s.entries {
		entry := s.cron.Entry(entryID)
		tasks = append(tasks, map[string]interface{}{
			"task_id":  taskID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return tasks
}

// ParseCron validates a cron expression against the seconds-included
// schedule format this service registers with.
func ParseCron(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}
