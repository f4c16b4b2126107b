package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/events"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// syncTickInterval is how often sync queues are inspected for due checks.
const syncTickInterval = 30 * time.Second

// runSyncChecker periodically re-probes completed tasks in sync queues
// and creates successor tasks when the server copy changed.
func (s *Scheduler) runSyncChecker(ctx context.Context) {
	ticker := time.NewTicker(syncTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncPass(ctx)
		}
	}
}

// syncPass runs one check over every due sync queue.
func (s *Scheduler) syncPass(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*types.Queue
	for _, q := range s.queues {
		if q.SyncQueue && q.Active && lastCheckDue(q, now) {
			due = append(due, q)
		}
	}
	s.mu.Unlock()

	for _, q := range due {
		if ctx.Err() != nil {
			return
		}
		s.checkQueue(ctx, q)

		s.mu.Lock()
		q.LastCheck = now
		s.mu.Unlock()
		if err := s.opts.Store.UpsertQueue(q); err != nil {
			utils.Debug("SyncChecker: persisting queue %s failed: %v", q.ID, err)
		}
	}
}

// checkQueue probes every completed task in the queue and spawns
// successors for changed resources.
func (s *Scheduler) checkQueue(ctx context.Context, q *types.Queue) {
	completed, err := s.opts.Store.LoadTasks(store.TaskFilter{QueueID: q.ID, Status: types.StatusComplete})
	if err != nil {
		utils.Debug("SyncChecker: loading completed tasks for queue %s failed: %v", q.ID, err)
		return
	}

	for _, task := range completed {
		if ctx.Err() != nil {
			return
		}

		probe, err := s.opts.Transport.Probe(ctx, task.URL, engine.RequestOptions{
			Referer:   task.Referer,
			UserAgent: task.UserAgent,
			Cookies:   task.Cookies,
		})
		if err != nil {
			utils.Debug("SyncChecker: probe for task %s failed: %v", task.ID, err)
			continue
		}

		if !remoteChanged(task, probe) {
			continue
		}

		successor := &types.Task{
			ID:          uuid.New().String(),
			URL:         task.URL,
			DestFolder:  task.DestFolder,
			Filename:    task.Filename,
			Status:      types.StatusPending,
			Cookies:     task.Cookies,
			Referer:     task.Referer,
			UserAgent:   task.UserAgent,
			ContentType: task.ContentType,
			Priority:    task.Priority,
			QueueID:     task.QueueID,
			Connections: task.Connections,
			Replace:     true,
			CreatedAt:   time.Now(),
		}
		if err := s.Enqueue(successor); err != nil {
			utils.Debug("SyncChecker: enqueueing successor for task %s failed: %v", task.ID, err)
			continue
		}

		utils.Debug("SyncChecker: remote changed for task %s, created successor %s", task.ID, successor.ID)
		s.emit(events.SyncSuccessorMsg{QueueID: q.ID, SourceTaskID: task.ID, NewTaskID: successor.ID})
	}
}

// remoteChanged applies the sync policy: ETag differs, both sizes are
// nonzero and differ, or Last-Modified is strictly newer.
func remoteChanged(task *types.Task, probe *engine.ProbeResult) bool {
	if task.ETag != "" && probe.ETag != "" && task.ETag != probe.ETag {
		return true
	}
	if task.TotalSize > 0 && probe.ContentLength > 0 && task.TotalSize != probe.ContentLength {
		return true
	}
	if !task.LastModified.IsZero() && probe.LastModified.After(task.LastModified) {
		return true
	}
	return false
}
