package archive

import "sync/atomic"

// Progress is a mutable, concurrency-safe record the controller can poll
// without touching the builder's internals.
type Progress struct {
	currentFileIndex  int64
	totalFilesInGroup int64
	bytesWritten      int64
	completed         int32
	groupSizeBytes    int64
}

func newProgress(totalFiles int, groupSize int64) *Progress {
	return &Progress{totalFilesInGroup: int64(totalFiles), groupSizeBytes: groupSize}
}

func (p *Progress) advanceFile() {
	atomic.AddInt64(&p.currentFileIndex, 1)
}

func (p *Progress) addBytes(n int64) {
	atomic.AddInt64(&p.bytesWritten, n)
}

func (p *Progress) markCompleted() {
	atomic.StoreInt32(&p.completed, 1)
}

func (p *Progress) CurrentFileIndex() int64  { return atomic.LoadInt64(&p.currentFileIndex) }
func (p *Progress) TotalFilesInGroup() int64 { return atomic.LoadInt64(&p.totalFilesInGroup) }
func (p *Progress) BytesWritten() int64      { return atomic.LoadInt64(&p.bytesWritten) }
func (p *Progress) GroupSizeBytes() int64    { return atomic.LoadInt64(&p.groupSizeBytes) }
func (p *Progress) Completed() bool          { return atomic.LoadInt32(&p.completed) != 0 }
