// Package progress holds the throttled in-memory snapshots UI consumers
// poll. Nothing here is persisted. A task's last snapshot is not dropped
// when its coordinator exits; it stays readable until Remove is called.
package progress

import (
	"sync"
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

// Snapshot is the latest published view of one task's transfer.
type Snapshot struct {
	TaskID         string
	Downloaded     int64
	Total          int64 // 0 = unknown
	BytesPerSecond float64
	ETASeconds     int64 // -1 when unknown
	Connections    int
	UpdatedAt      time.Time
}

// Broadcaster stores the most recent snapshot per task. Publish
// overwrites; Snapshot never blocks.
type Broadcaster struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{snaps: make(map[string]Snapshot)}
}

// Publish replaces the stored snapshot for the task.
func (b *Broadcaster) Publish(s Snapshot) {
	s.UpdatedAt = time.Now()
	b.mu.Lock()
	b.snaps[s.TaskID] = s
	b.mu.Unlock()
}

// Snapshot returns the most recent published value, or nil if none exists.
func (b *Broadcaster) Snapshot(taskID string) *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.snaps[taskID]; ok {
		copied := s
		return &copied
	}
	return nil
}

// Remove drops a task's snapshot.
func (b *Broadcaster) Remove(taskID string) {
	b.mu.Lock()
	delete(b.snaps, taskID)
	b.mu.Unlock()
}

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker accumulates byte counts for one task and publishes a snapshot
// at most once per publish interval, with the rate computed over a
// rolling window.
type Tracker struct {
	taskID      string
	broadcaster *Broadcaster

	mu          sync.Mutex
	total       int64
	downloaded  int64
	connections int
	window      []sample
	lastPublish time.Time
}

// NewTracker creates a tracker seeded with bytes already on disk (resume).
func NewTracker(taskID string, b *Broadcaster, total, alreadyDownloaded int64) *Tracker {
	return &Tracker{
		taskID:      taskID,
		broadcaster: b,
		total:       total,
		downloaded:  alreadyDownloaded,
	}
}

// SetTotal updates the declared size once the probe resolves it.
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// SetConnections records the live worker count for the next snapshot.
func (t *Tracker) SetConnections(n int) {
	t.mu.Lock()
	t.connections = n
	t.mu.Unlock()
}

// Downloaded returns the current cumulative byte count.
func (t *Tracker) Downloaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

// Add records n freshly written bytes and publishes when the throttle allows.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	t.downloaded += n
	now := time.Now()
	t.window = append(t.window, sample{at: now, bytes: t.downloaded})
	t.trimWindow(now)

	if now.Sub(t.lastPublish) < types.PublishInterval {
		t.mu.Unlock()
		return
	}
	t.lastPublish = now
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.broadcaster.Publish(snap)
}

// Flush publishes immediately, ignoring the throttle. Called at lifecycle
// edges (start, pause, completion) so consumers never see a stale final state.
func (t *Tracker) Flush() {
	t.mu.Lock()
	now := time.Now()
	t.trimWindow(now)
	t.lastPublish = now
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.broadcaster.Publish(snap)
}

func (t *Tracker) trimWindow(now time.Time) {
	cutoff := now.Add(-types.SpeedWindow)
	i := 0
	for i < len(t.window) && t.window[i].at.Before(cutoff) {
		i++
	}
	// Keep one sample past the cutoff as the window base
	if i > 0 {
		i--
		t.window = t.window[i:]
	}
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	var bps float64
	if len(t.window) >= 2 {
		first := t.window[0]
		elapsed := now.Sub(first.at).Seconds()
		if elapsed > 0 {
			bps = float64(t.downloaded-first.bytes) / elapsed
		}
	}

	eta := int64(-1)
	if t.total > 0 && bps > 0 {
		remaining := t.total - t.downloaded
		if remaining < 0 {
			remaining = 0
		}
		eta = int64(float64(remaining) / bps)
	}

	return Snapshot{
		TaskID:         t.taskID,
		Downloaded:     t.downloaded,
		Total:          t.total,
		BytesPerSecond: bps,
		ETASeconds:     eta,
		Connections:    t.connections,
	}
}
