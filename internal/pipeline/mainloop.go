package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coldstack/tapebackarr/internal/archive"
	"github.com/coldstack/tapebackarr/internal/models"
	"github.com/coldstack/tapebackarr/internal/notify"
)

// pauseCheckInterval is how often the main loop rechecks a pause flag
// while parked, matching the teacher's poll-sleep idiom used for tape
// wait loops.
const pauseCheckInterval = 500 * time.Millisecond

// tapeChangePollInterval/tapeChangeTimeout bound how long the spanning path
// waits for an operator (or an autoloader) to present the next cartridge
// once the current one is full, grounded on the teacher's waitForTapeChange
// poll loop.
const (
	tapeChangePollInterval = 2 * time.Second
	tapeChangeTimeout      = 10 * time.Minute
)

type runResult struct {
	archiveCount    int
	originalBytes   int64
	compressedBytes int64
	processedFiles  int64
	summary         models.ResultSummary

	// processedPaths lists every source path durably cataloged this run,
	// across every spanned tape. Persisted as a resume checkpoint if the
	// run is cancelled.
	processedPaths []string

	// finalBackupSetID/finalSetID identify whichever backup set was active
	// when the loop returned, which may differ from the set ExecuteTask
	// created if the run spanned onto later cartridges. setArchiveCount/
	// setOriginalBytes/setCompressedBytes are that set's own totals (not
	// the whole run's), for finalizeBackupSet.
	finalBackupSetID   int64
	finalSetID         string
	setArchiveCount    int
	setOriginalBytes   int64
	setCompressedBytes int64
}

// spanState tracks which cartridge the run is currently writing to and how
// much headroom remains on it, grounded on the teacher's splitFilesForTape/
// tape_spanning_sets machinery but expressed as successive backup_sets rows
// sharing one task_id rather than a separate spanning table.
type spanState struct {
	tapeID        string
	backupSetID   int64
	setID         string
	sequence      int
	capacityBytes int64 // <= 0 means no limit configured: spanning disabled
	usedBytes     int64
	seenTapeIDs   map[string]bool
}

// mainLoop implements spec.md §4.1 steps 5-6: accumulate file records into
// batches, partition each batch into size-bounded groups, and serially
// build, stage, and catalog each group — rolling onto a newly allocated
// cartridge and a new backup_sets row whenever the current tape's capacity
// would be exceeded (spec.md §12's spanning path). resumeSkip holds source
// paths already cataloged by an earlier, interrupted attempt at this task
// and are skipped rather than re-archived.
func (c *Controller) mainLoop(ctx context.Context, task *models.BackupTask, sourceRoots []string, excludePatterns []string, cartridge *models.TapeCartridge, setID string, backupSetID int64, pauseFlag *int32, resumeSkip map[string]bool) (result runResult, err error) {
	result = runResult{summary: models.ResultSummary{Errors: map[models.ErrorKind]int64{}}}

	span := &spanState{
		tapeID:      cartridge.TapeID,
		backupSetID: backupSetID,
		setID:       setID,
		sequence:    1,
		seenTapeIDs: map[string]bool{cartridge.TapeID: true},
	}
	if capacity, used, capErr := c.store.cartridgeCapacity(cartridge.TapeID); capErr == nil && capacity > 0 {
		span.capacityBytes = capacity
		span.usedBytes = used
	} else if c.cfg.MaxVolumeSize > 0 {
		span.capacityBytes = c.cfg.MaxVolumeSize
	}
	var setTotals runResult

	defer func() {
		result.finalBackupSetID = span.backupSetID
		result.finalSetID = span.setID
		result.setArchiveCount = setTotals.archiveCount
		result.setOriginalBytes = setTotals.originalBytes
		result.setCompressedBytes = setTotals.compressedBytes
	}()

	strategy := enumeratorStrategy(task, c.cfg)
	enumerator := newEnumerator(strategy, c.cfg.ScanThreads, c.logger)
	outBufSize := c.cfg.ScanBatchSize * 2
	if outBufSize <= 0 {
		outBufSize = 1024
	}
	records, stats := enumerator.Enumerate(ctx, sourceRoots, excludePatterns, outBufSize)

	var batch []models.FileRecord
	var batchBytes int64
	chunkNumber := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.waitWhilePaused(ctx, task.ID, pauseFlag); err != nil {
			return err
		}
		groups := archive.Partition(batch, c.cfg.MaxArchiveSize)
		for i := range groups {
			groups[i].ChunkNumber = chunkNumber
			chunkNumber++

			if err := c.ensureCapacity(ctx, task, span, groups[i].Bytes, &setTotals); err != nil {
				return err
			}

			if err := c.processGroup(ctx, task, sourceRoots, span.setID, span.backupSetID, groups[i], &result, &setTotals); err != nil {
				return err
			}
			span.usedBytes += groups[i].Bytes
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		batch = nil
		batchBytes = 0
		return nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				if err := flush(); err != nil {
					return result, err
				}
				result.summary.Errors = mergeErrorCounts(result.summary.Errors, stats.Errors())
				return result, nil
			}
			if resumeSkip[rec.Path] {
				continue
			}
			batch = append(batch, rec)
			batchBytes += rec.Size
			if len(batch) >= c.cfg.ScanBatchSize || (c.cfg.ScanBatchSizeBytes > 0 && batchBytes >= c.cfg.ScanBatchSizeBytes) {
				if err := flush(); err != nil {
					result.summary.Errors = mergeErrorCounts(result.summary.Errors, stats.Errors())
					return result, err
				}
			}
		case <-ctx.Done():
			result.summary.Errors = mergeErrorCounts(result.summary.Errors, stats.Errors())
			return result, ctx.Err()
		}
	}
}

// ensureCapacity finalizes the current backup set and rolls the run onto a
// newly allocated cartridge when span's remaining capacity can't hold the
// next group, per spec.md §12. A span with no configured capacity (the
// common case when MaxVolumeSize and the cartridge's capacity_bytes are
// both unset) never spans — capacityBytes stays 0 and this is a no-op.
func (c *Controller) ensureCapacity(ctx context.Context, task *models.BackupTask, span *spanState, groupBytes int64, setTotals *runResult) error {
	if span.capacityBytes <= 0 {
		return nil
	}
	if span.usedBytes == 0 {
		return nil // always allow at least one group onto a fresh tape
	}
	if span.usedBytes+groupBytes <= span.capacityBytes {
		return nil
	}

	if err := c.store.finalizeBackupSet(span.backupSetID, setTotals.archiveCount, setTotals.originalBytes, setTotals.compressedBytes); err != nil {
		c.warn("failed to finalize spanning backup set", task.ID, err)
	}
	if err := c.store.addCartridgeUsedBytes(span.tapeID, span.usedBytes); err != nil {
		c.warn("failed to record cartridge used bytes", task.ID, err)
	}
	c.notify(ctx, task.TaskName, notify.KindTapeChange, "tape full, requesting next cartridge", map[string]interface{}{"tape_id": span.tapeID})

	requestID, err := c.store.createTapeChangeRequest(task.ID, span.backupSetID, span.tapeID, "tape_full")
	if err != nil {
		c.warn("failed to record tape change request", task.ID, err)
	}

	next, err := c.waitForNextCartridge(ctx, span)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTapeChangeTimeout, err)
	}

	if requestID != 0 {
		if err := c.store.completeTapeChangeRequest(requestID, next.TapeID); err != nil {
			c.warn("failed to record tape change completion", task.ID, err)
		}
	}

	span.sequence++
	span.tapeID = next.TapeID
	span.seenTapeIDs[next.TapeID] = true
	span.usedBytes = 0
	span.capacityBytes = 0
	if capacity, used, capErr := c.store.cartridgeCapacity(next.TapeID); capErr == nil && capacity > 0 {
		span.capacityBytes = capacity
		span.usedBytes = used
	} else if c.cfg.MaxVolumeSize > 0 {
		span.capacityBytes = c.cfg.MaxVolumeSize
	}

	newSetID := generateSetID(task, time.Now())
	newBackupSetID, err := c.store.insertBackupSet(newSetID, task.ID, next.TapeID, span.sequence, task.BackupFilesTable)
	if err != nil {
		return fmt.Errorf("create spanning backup set: %w", err)
	}
	span.backupSetID = newBackupSetID
	span.setID = newSetID
	*setTotals = runResult{}

	if err := c.store.setCurrentTape(task.ID, next.TapeID); err != nil {
		c.warn("failed to record current tape", task.ID, err)
	}
	return nil
}

// waitForNextCartridge polls tapeCtl.GetAvailableCartridge until it reports
// a cartridge not already used by this run, the context is cancelled, or
// tapeChangeTimeout elapses — the same poll-sleep shape as waitWhilePaused,
// grounded on the teacher's waitForTapeChange.
func (c *Controller) waitForNextCartridge(ctx context.Context, span *spanState) (*models.TapeCartridge, error) {
	deadline := time.Now().Add(tapeChangeTimeout)
	for {
		cartridge, err := c.tapeCtl.GetAvailableCartridge(ctx)
		if err == nil && cartridge != nil && !span.seenTapeIDs[cartridge.TapeID] {
			return cartridge, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no new cartridge after %s", tapeChangeTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(tapeChangePollInterval):
		}
	}
}

func (c *Controller) waitWhilePaused(ctx context.Context, taskID int64, pauseFlag *int32) error {
	if atomic.LoadInt32(pauseFlag) == 0 {
		return nil
	}
	if err := c.store.setPaused(taskID); err != nil {
		c.warn("failed to record paused status", taskID, err)
	}
	for atomic.LoadInt32(pauseFlag) != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pauseCheckInterval):
		}
	}
	if err := c.store.setRunningAgain(taskID); err != nil {
		c.warn("failed to record resumed status", taskID, err)
	}
	return nil
}

// processGroup builds, stages, and catalogs a single file group, updating
// the task's progress counters and both the run-wide and current-tape
// totals. Archive-build and stage failures are contained at the group
// level per spec.md §7: logged, counted, and the run continues.
func (c *Controller) processGroup(ctx context.Context, task *models.BackupTask, sourceRoots []string, setID string, backupSetID int64, group models.FileGroup, result *runResult, setTotals *runResult) error {
	progress := archive.NewProgress(group)
	rec, err := c.builder.Build(ctx, group, setID, sourceRoots, progress)
	if err != nil {
		result.summary.GroupsFailed++
		result.summary.Errors[models.ErrorKindArchive]++
		c.warn(fmt.Sprintf("archive build failed for group %d", group.ChunkNumber), task.ID, err)
		return c.afterGroup(task, backupSetID, result)
	}

	finalPath, err := c.stager.Stage(ctx, rec, setID, group.ChunkNumber)
	if err != nil {
		result.summary.GroupsFailed++
		result.summary.Errors[models.ErrorKindStage]++
		c.warn(fmt.Sprintf("stage failed for group %d", group.ChunkNumber), task.ID, err)
		return c.afterGroup(task, backupSetID, result)
	}
	rec.FinalPath = finalPath

	catalogErr := c.catalog.InsertArchiveMembers(task.BackupFilesTable, backupSetID, rec, group.Files)
	if catalogErr != nil {
		result.summary.Errors[models.ErrorKindCatalog]++
		c.warn(fmt.Sprintf("catalog insert failed for group %d", group.ChunkNumber), task.ID, catalogErr)
	} else {
		for _, f := range group.Files {
			if rec.MemberResults[f.Path] {
				result.processedPaths = append(result.processedPaths, f.Path)
			}
		}
	}

	result.archiveCount++
	result.originalBytes += rec.OriginalSize
	result.compressedBytes += rec.CompressedSize
	result.processedFiles += int64(len(group.Files))
	result.summary.ArchiveCount++

	setTotals.archiveCount++
	setTotals.originalBytes += rec.OriginalSize
	setTotals.compressedBytes += rec.CompressedSize

	return c.afterGroup(task, backupSetID, result)
}

func (c *Controller) afterGroup(task *models.BackupTask, backupSetID int64, result *runResult) error {
	totalFiles, err := c.store.totalFiles(task.ID)
	if err != nil {
		totalFiles = 0
	}
	stage := "archiving"
	description := fmt.Sprintf("produced %d archives (%d files)", result.archiveCount, result.processedFiles)
	if err := c.store.updateProgress(task.ID, result.processedFiles, result.originalBytes, result.compressedBytes, totalFiles, stage, description); err != nil {
		c.warn("failed to update run progress", task.ID, err)
	}
	return nil
}

func mergeErrorCounts(into map[models.ErrorKind]int64, from map[models.ErrorKind]int64) map[models.ErrorKind]int64 {
	if into == nil {
		into = map[models.ErrorKind]int64{}
	}
	for k, v := range from {
		into[k] += v
	}
	return into
}
