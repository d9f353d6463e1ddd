package enumerate

import (
	"sync"
	"sync/atomic"

	"github.com/coldstack/tapebackarr/internal/models"
)

// maxLoggedPerKind caps how many errors of each kind are logged; the rest
// are still counted but not logged individually.
const maxLoggedPerKind = 20

// Stats accumulates counters for a single enumeration pass. All fields
// updated from multiple goroutines go through atomic operations or the
// mutex-guarded error map.
type Stats struct {
	FilesFound  int64
	DirsScanned int64
	BytesFound  int64
	Cancelled   int32

	mu     sync.Mutex
	errors map[models.ErrorKind]int64
	logged map[models.ErrorKind]int64
}

func newStats() *Stats {
	return &Stats{
		errors: make(map[models.ErrorKind]int64),
		logged: make(map[models.ErrorKind]int64),
	}
}

func (s *Stats) addFiles(n int64, bytes int64) {
	atomic.AddInt64(&s.FilesFound, n)
	atomic.AddInt64(&s.BytesFound, bytes)
}

func (s *Stats) addDir() {
	atomic.AddInt64(&s.DirsScanned, 1)
}

func (s *Stats) markCancelled() {
	atomic.StoreInt32(&s.Cancelled, 1)
}

// recordError increments the bucket for kind and reports whether the
// caller should log this particular occurrence (first 20 of each kind).
func (s *Stats) recordError(kind models.ErrorKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[kind]++
	if s.logged[kind] < maxLoggedPerKind {
		s.logged[kind]++
		return true
	}
	return false
}

// Errors returns a snapshot of the per-kind error counts.
func (s *Stats) Errors() map[models.ErrorKind]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.ErrorKind]int64, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}

func (s *Stats) Files() int64 { return atomic.LoadInt64(&s.FilesFound) }
func (s *Stats) Dirs() int64  { return atomic.LoadInt64(&s.DirsScanned) }
func (s *Stats) Bytes() int64 { return atomic.LoadInt64(&s.BytesFound) }
func (s *Stats) WasCancelled() bool {
	return atomic.LoadInt32(&s.Cancelled) != 0
}
