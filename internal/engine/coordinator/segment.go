package coordinator

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

// openEndStop marks a segment whose upper bound is unknown.
const openEndStop = int64(math.MaxInt64)

// activeSegment tracks a segment currently owned by a worker. The worker
// advances current; the coordinator may shrink stopAt through the split
// rule. Both sides use atomics so neither blocks the other.
type activeSegment struct {
	seg *types.Segment

	current int64 // Atomic: next byte to write
	stopAt  int64 // Atomic: one past the last byte this worker owns

	dirty    int64 // Atomic: bytes written since the last persist
	saveMu   sync.Mutex
	lastSave time.Time
}

func newActiveSegment(seg *types.Segment) *activeSegment {
	stop := openEndStop
	if seg.End >= 0 {
		stop = seg.End + 1
	}
	as := &activeSegment{seg: seg, lastSave: time.Now()}
	atomic.StoreInt64(&as.current, seg.Current)
	atomic.StoreInt64(&as.stopAt, stop)
	return as
}

func (as *activeSegment) Current() int64 {
	return atomic.LoadInt64(&as.current)
}

func (as *activeSegment) StopAt() int64 {
	return atomic.LoadInt64(&as.stopAt)
}

func (as *activeSegment) openEnded() bool {
	return atomic.LoadInt64(&as.stopAt) == openEndStop
}

// remaining returns bytes left, or -1 when the bound is unknown.
func (as *activeSegment) remaining() int64 {
	stop := atomic.LoadInt64(&as.stopAt)
	if stop == openEndStop {
		return -1
	}
	current := atomic.LoadInt64(&as.current)
	if current >= stop {
		return 0
	}
	return stop - current
}

// advance moves the write cursor after a durable WriteAt.
func (as *activeSegment) advance(n int64) {
	atomic.AddInt64(&as.current, n)
	atomic.AddInt64(&as.dirty, n)
}

// saveDue reports whether the persistence throttle has expired: enough
// wall time since the last save, or enough dirty bytes.
func (as *activeSegment) saveDue(r *types.RuntimeConfig) bool {
	if atomic.LoadInt64(&as.dirty) >= r.GetPersistThreshold() {
		return true
	}
	as.saveMu.Lock()
	due := time.Since(as.lastSave) >= r.GetSaveInterval()
	as.saveMu.Unlock()
	return due && atomic.LoadInt64(&as.dirty) > 0
}

func (as *activeSegment) markSaved() {
	atomic.StoreInt64(&as.dirty, 0)
	as.saveMu.Lock()
	as.lastSave = time.Now()
	as.saveMu.Unlock()
}

// snapshotLocked folds the atomic cursor back into the persisted row.
// Caller holds the coordinator mutex.
func (as *activeSegment) snapshotLocked() {
	current := atomic.LoadInt64(&as.current)
	stop := atomic.LoadInt64(&as.stopAt)
	if stop != openEndStop {
		as.seg.End = stop - 1
		// A worker can overrun a boundary that shrank mid-read; the bytes
		// past it belong to the successor segment.
		if current > stop {
			current = stop
		}
	}
	as.seg.Current = current
}
