// Package enumerate implements the recursive filesystem walker that feeds
// the backup pipeline's archive builder, and is reused as-is by the
// independent scan counter for its denominator-only pass.
package enumerate

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
)

// Strategy selects which walker implementation Enumerate uses.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyConcurrent Strategy = "concurrent"
)

// maxPathLength mirrors the Windows MAX_PATH limit named in the spec; on
// other platforms the limit is informational only but still enforced so
// behavior is identical across targets.
const maxPathLength = 260

// cancelCheckInterval is how often (in files processed) the sequential
// walker re-checks the cancellation signal, matching the concurrent
// walker's per-directory check granularity.
const cancelCheckInterval = 1000

// Enumerator produces a lazy sequence of FileRecords for a list of source
// roots, honoring exclude patterns and a cancellation context.
type Enumerator struct {
	strategy Strategy
	threads  int
	logger   *logging.Logger
}

// New creates an Enumerator. threads is only consulted for
// StrategyConcurrent; it is clamped to a sensible minimum the way the
// teacher's directory scanner over-subscribes workers relative to CPU
// count to keep I/O in flight on network-backed sources.
func New(strategy Strategy, threads int, logger *logging.Logger) *Enumerator {
	if threads <= 0 {
		threads = runtime.NumCPU() * 4
		if threads < 16 {
			threads = 16
		}
	}
	return &Enumerator{strategy: strategy, threads: threads, logger: logger}
}

// Enumerate walks sourceRoots, emitting one FileRecord per matched file on
// the returned channel. The channel is closed when the walk completes or
// is cancelled. outBufSize sizes the output channel; callers typically
// size it to their own batch threshold so the enumerator's blocking send
// is the system's primary backpressure point.
func (e *Enumerator) Enumerate(ctx context.Context, sourceRoots []string, excludePatterns []string, outBufSize int) (<-chan models.FileRecord, *Stats) {
	if outBufSize <= 0 {
		outBufSize = 1024
	}
	out := make(chan models.FileRecord, outBufSize)
	stats := newStats()

	go func() {
		defer close(out)
		switch e.strategy {
		case StrategyConcurrent:
			e.runConcurrent(ctx, sourceRoots, excludePatterns, out, stats)
		default:
			e.runSequential(ctx, sourceRoots, excludePatterns, out, stats)
		}
		if ctx.Err() != nil {
			stats.markCancelled()
		}
	}()

	return out, stats
}

func (e *Enumerator) warn(msg string, fields map[string]interface{}) {
	if e.logger != nil {
		e.logger.Warn(msg, fields)
	}
}

// readDir reads directory entries without sorting, avoiding the extra
// comparison pass os.ReadDir performs; ordering is not meaningful here
// since groups are partitioned by the archive builder afterward.
func readDir(dirPath string) ([]os.DirEntry, error) {
	f, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

func toFileRecord(dirPath string, entry os.DirEntry) (models.FileRecord, bool) {
	path := filepath.Join(dirPath, entry.Name())
	if len(path) > maxPathLength {
		return models.FileRecord{}, false
	}

	info, err := entry.Info()
	if err != nil {
		return models.FileRecord{}, false
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0
	return models.FileRecord{
		Path:          path,
		Name:          entry.Name(),
		DirectoryPath: dirPath,
		Size:          info.Size(),
		ModTime:       info.ModTime().UTC(),
		CreatedTime:   info.ModTime().UTC(),
		AccessedTime:  info.ModTime().UTC(),
		Permissions:   permString(info.Mode()),
		IsSymlink:     isSymlink,
	}, true
}

func permString(mode os.FileMode) string {
	return modeOctal(mode.Perm())
}

func modeOctal(perm os.FileMode) string {
	const digits = "01234567"
	b := []byte{'0', '0', '0'}
	v := uint32(perm)
	for i := 2; i >= 0; i-- {
		b[i] = digits[v&7]
		v >>= 3
	}
	return string(b)
}

// ---- sequential strategy ----

func (e *Enumerator) runSequential(ctx context.Context, roots []string, excludePatterns []string, out chan<- models.FileRecord, stats *Stats) {
	ps := newPatternSet(excludePatterns)

	type stackEntry struct{ path string }
	var stack []stackEntry
	for _, r := range roots {
		stack = append(stack, stackEntry{path: r})
	}

	filesSinceCheck := 0

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if ps.matches(top.path) {
			continue
		}

		entries, err := readDir(top.path)
		if err != nil {
			kind := classifyDirError(err)
			if stats.recordError(kind) {
				e.warn("directory access error", map[string]interface{}{"path": top.path, "error": err.Error()})
			}
			continue
		}
		stats.addDir()

		var batchBytes int64
		var batchCount int64
		for _, entry := range entries {
			path := filepath.Join(top.path, entry.Name())

			if entry.IsDir() {
				if ps.matches(path) {
					continue
				}
				stack = append(stack, stackEntry{path: path})
				continue
			}

			if len(path) > maxPathLength {
				if stats.recordError(models.ErrorKindLongPath) {
					e.warn("path exceeds limit", map[string]interface{}{"path": path})
				}
				continue
			}
			if ps.matches(path) {
				continue
			}

			rec, ok := toFileRecord(top.path, entry)
			if !ok {
				if stats.recordError(models.ErrorKindFileAccess) {
					e.warn("failed to stat entry", map[string]interface{}{"path": path})
				}
				continue
			}

			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			batchBytes += rec.Size
			batchCount++

			filesSinceCheck++
			if filesSinceCheck >= cancelCheckInterval {
				filesSinceCheck = 0
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
		if batchCount > 0 {
			stats.addFiles(batchCount, batchBytes)
		}
	}
}

func classifyDirError(err error) models.ErrorKind {
	if os.IsPermission(err) || os.IsNotExist(err) {
		return models.ErrorKindDirAccess
	}
	return models.ErrorKindDirAccess
}

// ---- concurrent strategy ----

// runConcurrent walks roots using a bounded worker pool, each worker
// pulling pending directories off a shared channel. This mirrors the
// over-subscribed worker pool the teacher uses for network-backed
// sources, generalized to multiple independent source roots.
func (e *Enumerator) runConcurrent(ctx context.Context, roots []string, excludePatterns []string, out chan<- models.FileRecord, stats *Stats) {
	ps := newPatternSet(excludePatterns)

	var (
		dirWg    sync.WaitGroup
		workerWg sync.WaitGroup
		dirs     = make(chan string, e.threads*8)
	)

	var processDir func(string)
	processDir = func(dirPath string) {
		defer dirWg.Done()

		select {
		case <-ctx.Done():
			return
		default:
		}

		if ps.matches(dirPath) {
			return
		}

		entries, err := readDir(dirPath)
		if err != nil {
			kind := classifyDirError(err)
			if stats.recordError(kind) {
				e.warn("directory access error", map[string]interface{}{"path": dirPath, "error": err.Error()})
			}
			return
		}
		stats.addDir()

		var batchBytes int64
		var batchCount int64
		for _, entry := range entries {
			path := filepath.Join(dirPath, entry.Name())

			if entry.IsDir() {
				if ps.matches(path) {
					continue
				}
				dirWg.Add(1)
				select {
				case dirs <- path:
				default:
					// Channel full: process inline to avoid deadlock, same
					// escape hatch the teacher's scanner uses.
					processDir(path)
				}
				continue
			}

			if len(path) > maxPathLength {
				if stats.recordError(models.ErrorKindLongPath) {
					e.warn("path exceeds limit", map[string]interface{}{"path": path})
				}
				continue
			}
			if ps.matches(path) {
				continue
			}

			rec, ok := toFileRecord(dirPath, entry)
			if !ok {
				if stats.recordError(models.ErrorKindFileAccess) {
					e.warn("failed to stat entry", map[string]interface{}{"path": path})
				}
				continue
			}

			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			batchBytes += rec.Size
			batchCount++
		}
		if batchCount > 0 {
			stats.addFiles(batchCount, batchBytes)
		}
	}

	for _, r := range roots {
		dirWg.Add(1)
		dirs <- r
	}

	go func() {
		dirWg.Wait()
		close(dirs)
	}()

	for i := 0; i < e.threads; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dir := range dirs {
				processDir(dir)
			}
		}()
	}

	workerWg.Wait()
}
