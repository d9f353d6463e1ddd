// Package pipeline drives a single backup task from its source paths to one
// or more sealed backup sets: enumerate, partition into size-bounded
// archives, stage each archive to tape, and catalog its members, while an
// independent ScanCounter keeps a live file/byte denominator on the task
// row. A run whose data outgrows the current cartridge's capacity spans
// onto a newly allocated one, finalizing the backup set left behind and
// opening a new one at the next sequence number; a run cancelled mid-span
// leaves a resume checkpoint so a later attempt can skip what's already
// cataloged. Grounded on the teacher's RunBackup — pre-flight checks, job
// progress registration, and context.CancelFunc-map cancellation — but
// restructured around discrete archive-per-group production instead of a
// single continuous tar stream.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldstack/tapebackarr/internal/archive"
	"github.com/coldstack/tapebackarr/internal/catalog"
	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/enumerate"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/coldstack/tapebackarr/internal/notify"
	"github.com/coldstack/tapebackarr/internal/scancounter"
	"github.com/coldstack/tapebackarr/internal/tapectl"
	"github.com/coldstack/tapebackarr/internal/tapestage"
)

// scanCounterShutdown is how long Controller waits for ScanCounter to
// observe cancellation before abandoning it, per spec.md §5.
const scanCounterShutdown = 5 * time.Second

// Controller drives ExecuteTask for one task at a time per task id;
// distinct task ids run concurrently, each on its own goroutine and
// cancellation token.
type Controller struct {
	db       *database.DB
	cfg      config.PipelineConfig
	logger   *logging.Logger
	store    *store
	catalog  *catalog.Writer
	builder  *archive.Builder
	stager   *tapestage.Stager
	tapeCtl  tapectl.Controller
	notifier notify.Notifier

	mu          sync.Mutex
	cancelFuncs map[int64]context.CancelFunc
	pauseFlags  map[int64]*int32
	running     map[int64]bool
}

// New constructs a Controller wiring together the archive builder, tape
// stager, and catalog writer from a single pipeline configuration.
func New(db *database.DB, cfg config.PipelineConfig, logger *logging.Logger, tapeCtl tapectl.Controller, notifier notify.Notifier) *Controller {
	return &Controller{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		store:       newStore(db),
		catalog:     catalog.New(db, logger),
		builder:     archive.New(cfg, logger),
		stager:      tapestage.New(cfg, logger),
		tapeCtl:     tapeCtl,
		notifier:    notifier,
		cancelFuncs: make(map[int64]context.CancelFunc),
		pauseFlags:  make(map[int64]*int32),
		running:     make(map[int64]bool),
	}
}

// Cancel requests cancellation of a running task. Returns false if the
// task has no registered cancel function (not running).
func (c *Controller) Cancel(taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancelFuncs[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Pause sets a task's pause flag, observed at the next group boundary.
// Grounded on the teacher's PauseJob — the flag is polled, not pushed.
func (c *Controller) Pause(taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag, ok := c.pauseFlags[taskID]
	if !ok {
		return false
	}
	atomic.StoreInt32(flag, 1)
	return true
}

// Resume clears a task's pause flag.
func (c *Controller) Resume(taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag, ok := c.pauseFlags[taskID]
	if !ok {
		return false
	}
	atomic.StoreInt32(flag, 0)
	return true
}

func (c *Controller) IsRunning(taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[taskID]
}

// ExecuteTask runs the full seven-step pipeline for taskID. excludeOverride,
// when non-nil, replaces the task's stored exclude_patterns for this run.
// manualRun controls which pre-flight checks apply (see preflight).
func (c *Controller) ExecuteTask(ctx context.Context, taskID int64, excludeOverride []string, manualRun bool) error {
	task, err := c.store.loadTask(taskID)
	if err != nil {
		return err
	}
	// resumeSkip holds source paths a previous, interrupted attempt at this
	// task already cataloged durably; the resume checkpoint in
	// task.ResumeState lets this run skip straight past them, per
	// spec.md §12's resume path.
	resumeSkip := loadResumeSkipSet(task)

	sourceRoots, err := c.store.sourceRoots(task)
	if err != nil {
		return err
	}
	excludePatterns, err := c.store.excludePatterns(task, excludeOverride)
	if err != nil {
		return err
	}

	if err := c.preflight(ctx, task, sourceRoots, manualRun); err != nil {
		c.fail(task.ID, "preflight", err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	pauseFlag := int32(0)
	c.mu.Lock()
	c.cancelFuncs[taskID] = cancel
	c.pauseFlags[taskID] = &pauseFlag
	c.running[taskID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelFuncs, taskID)
		delete(c.pauseFlags, taskID)
		delete(c.running, taskID)
		c.mu.Unlock()
		cancel()
	}()

	if err := c.store.transitionToRunning(taskID); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	cartridge, err := c.tapeCtl.CurrentCartridge(runCtx)
	if err != nil {
		c.fail(taskID, "resolve_tape", err)
		return err
	}
	if cartridge == nil {
		c.notify(runCtx, task.TaskName, notify.KindTapeUnregistered, "no registered tape cartridge found in drive", nil)
		c.fail(taskID, "resolve_tape", ErrTapeNotRegistered)
		return ErrTapeNotRegistered
	}
	if err := c.store.setCurrentTape(taskID, cartridge.TapeID); err != nil {
		c.warn("failed to record current tape", taskID, err)
	}

	table, err := c.catalog.NewSetTable()
	if err != nil {
		c.fail(taskID, "resolve_tape", err)
		return err
	}
	setID := generateSetID(task, time.Now())
	backupSetID, err := c.store.insertBackupSet(setID, taskID, cartridge.TapeID, 1, table)
	if err != nil {
		c.fail(taskID, "resolve_tape", err)
		return err
	}
	if err := c.store.setBackupSetRef(taskID, backupSetID, table); err != nil {
		c.warn("failed to record backup set ref", taskID, err)
	}
	task.BackupFilesTable = table
	task.BackupSetID = &backupSetID

	c.notify(runCtx, task.TaskName, notify.KindBackupStart, "backup run started", map[string]interface{}{"tape_id": cartridge.TapeID})

	scanDone := make(chan struct{})
	scanCtx, scanCancel := context.WithCancel(context.Background())
	go func() {
		defer close(scanDone)
		scanThreads := c.cfg.ScanThreads
		strategy := enumerate.StrategySequential
		if c.cfg.UseScanMultithread {
			strategy = enumerate.StrategyConcurrent
		}
		counter := scancounter.New(strategy, scanThreads, c.cfg.ScanUpdateInterval, c.logger)
		if err := counter.Run(scanCtx, taskID, sourceRoots, excludePatterns, c.catalog); err != nil && scanCtx.Err() == nil {
			c.warn("scan counter exited with error", taskID, err)
		}
	}()

	result, runErr := c.mainLoop(runCtx, task, sourceRoots, excludePatterns, cartridge, setID, backupSetID, &pauseFlag, resumeSkip)

	scanCancel()
	select {
	case <-scanDone:
	case <-time.After(scanCounterShutdown):
		c.warn("scan counter did not stop within shutdown window, abandoning", taskID, nil)
	}

	if runErr != nil {
		if runCtx.Err() != nil {
			c.store.cancelBackupSet(result.finalBackupSetID)
			if err := c.store.saveResumeState(taskID, result.processedPaths); err != nil {
				c.warn("failed to save resume checkpoint", taskID, err)
			}
			if err := c.store.setCancelled(taskID); err != nil {
				c.warn("failed to record cancelled status", taskID, err)
			}
			return nil
		}
		c.store.failBackupSet(result.finalBackupSetID)
		c.fail(taskID, "run", runErr)
		return runErr
	}

	if err := c.store.finalizeBackupSet(result.finalBackupSetID, result.setArchiveCount, result.setOriginalBytes, result.setCompressedBytes); err != nil {
		c.warn("failed to finalize backup set", taskID, err)
	}
	if err := c.store.clearResumeState(taskID); err != nil {
		c.warn("failed to clear resume checkpoint", taskID, err)
	}
	summary, _ := json.Marshal(result.summary)
	if err := c.store.setCompleted(taskID, string(summary)); err != nil {
		c.warn("failed to mark task completed", taskID, err)
	}
	c.notify(runCtx, task.TaskName, notify.KindBackupComplete, "backup run completed", map[string]interface{}{
		"archive_count": result.archiveCount, "processed_files": result.processedFiles,
	})
	return nil
}

func (c *Controller) fail(taskID int64, stage string, err error) {
	if setErr := c.store.setFailed(taskID, stage, err.Error()); setErr != nil {
		c.warn("failed to record failure status", taskID, setErr)
	}
	task, loadErr := c.store.loadTask(taskID)
	taskName := fmt.Sprintf("task-%d", taskID)
	if loadErr == nil {
		taskName = task.TaskName
	}
	c.notify(context.Background(), taskName, notify.KindBackupFailed, err.Error(), map[string]interface{}{"stage": stage})
}

func (c *Controller) notify(ctx context.Context, taskName string, kind notify.Kind, message string, details map[string]interface{}) {
	if c.notifier == nil {
		return
	}
	event := notify.Event{TaskName: taskName, Kind: kind, Message: message, Details: details, Timestamp: time.Now().UTC()}
	if err := c.notifier.Send(ctx, event); err != nil {
		c.warn("notification dispatch failed", 0, err)
	}
}

func (c *Controller) warn(msg string, taskID int64, err error) {
	if c.logger == nil {
		return
	}
	fields := map[string]interface{}{"task_id": taskID}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Warn(msg, fields)
}

// preflight implements spec.md §4.1 step 1. manualRun skips the entire
// tape-label month check and conditional reformat — it is not performed,
// not merely ignored.
func (c *Controller) preflight(ctx context.Context, task *models.BackupTask, sourceRoots []string, manualRun bool) error {
	if len(sourceRoots) == 0 {
		return fmt.Errorf("%w: no source paths configured", ErrNotInitialized)
	}
	for _, root := range sourceRoots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s unreachable", ErrNotInitialized, root)
		}
	}

	if !manualRun {
		if task.Status == models.TaskStatusRunning || c.IsRunning(task.ID) {
			return ErrAlreadyRunning
		}
	}

	if manualRun {
		return nil
	}

	cartridge, err := c.tapeCtl.CurrentCartridge(ctx)
	if err != nil {
		c.warn("preflight: could not read current cartridge, continuing", task.ID, err)
		return nil
	}
	if cartridge != nil && cartridge.Label != "" {
		matches, yearMismatch, ok := tapectl.MonthMatchesCurrent(cartridge.Label, time.Now())
		if ok {
			if !matches {
				return fmt.Errorf("%w: tape %q label does not match current month", ErrTapeLabelMismatch, cartridge.Label)
			}
			if yearMismatch {
				c.warn(fmt.Sprintf("tape label %q year differs from current year, month matches, continuing", cartridge.Label), task.ID, nil)
			}
		}
	}

	if task.TaskType != models.TaskTypeFull {
		return nil
	}

	err = c.tapeCtl.FormatPreserveLabel(ctx, task, func(percent int) {
		c.logger.Info("reformatting tape, preserving label", map[string]interface{}{"task_id": task.ID, "percent": percent})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormatFailed, err)
	}
	return nil
}
