// Package scheduler owns the set of named queues and decides which tasks
// get a coordinator, subject to per-queue concurrency limits and
// priorities.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/coordinator"
	"github.com/lovinmaxwell/nexus/internal/engine/events"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// DefaultQueueName is the queue tasks without an explicit queue land in.
const DefaultQueueName = "Default"

// Options wires the scheduler to the process-wide singletons.
type Options struct {
	Store       store.Store
	Transport   engine.Transport
	Limiter     *limiter.Limiter
	Broadcaster *progress.Broadcaster
	Runtime     *types.RuntimeConfig
	Events      chan<- any // Optional observer of lifecycle messages
}

type runningTask struct {
	coord   *coordinator.Coordinator
	queueID string
}

// Scheduler admits tasks to coordinators and fires post-completion
// actions when queues drain.
type Scheduler struct {
	opts Options

	mu       sync.Mutex
	queues   map[string]*types.Queue
	running  map[string]*runningTask // By task ID
	hasWork  map[string]bool         // Queue saw admissions since its last drain
	restarts map[string]bool         // Task IDs to start with Restart set

	cron        *cron.Cron
	cronEntries []cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start before using it.
func New(opts Options) *Scheduler {
	return &Scheduler{
		opts:     opts,
		queues:   make(map[string]*types.Queue),
		running:  make(map[string]*runningTask),
		hasWork:  make(map[string]bool),
		restarts: make(map[string]bool),
		cron:     cron.New(),
	}
}

// Start loads queues from the store, arms active-hour schedules and the
// synchronization checker, and runs a first admission pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	queues, err := s.opts.Store.LoadQueues()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, q := range queues {
		s.queues[q.ID] = q
	}
	s.mu.Unlock()

	s.rebuildCron()
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSyncChecker(s.ctx)
	}()

	s.AdmitAll()
	return nil
}

// Shutdown pauses every running task and waits for coordinators to
// persist and exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, rt := range s.running {
		rt.coord.Pause()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()
	s.wg.Wait()
}

// Enqueue persists a new task and runs admission for its queue. Tasks
// without a queue land in the lazily created Default queue.
func (s *Scheduler) Enqueue(task *types.Task) error {
	if task.QueueID == "" {
		q, err := s.ensureDefaultQueue()
		if err != nil {
			return err
		}
		task.QueueID = q.ID
	}

	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.StartPaused {
		task.Status = types.StatusPaused
	}
	if err := s.opts.Store.UpsertTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	s.hasWork[task.QueueID] = true
	if q, ok := s.queues[task.QueueID]; ok {
		q.PostProcessDone = false
	}
	s.mu.Unlock()

	s.admitQueue(task.QueueID)
	return nil
}

// AdmitAll runs an admission pass over every active queue.
func (s *Scheduler) AdmitAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.admitQueue(id)
	}
}

// admitQueue admits up to (limit - running) pending tasks, highest
// priority first, oldest first within a priority.
func (s *Scheduler) admitQueue(queueID string) {
	s.mu.Lock()
	q, ok := s.queues[queueID]
	if !ok || !q.Active {
		s.mu.Unlock()
		return
	}
	limit := q.EffectiveLimit()

	runningCount := 0
	for _, rt := range s.running {
		if rt.queueID == queueID {
			runningCount++
		}
	}
	s.mu.Unlock()

	if runningCount >= limit {
		return
	}

	pending, err := s.opts.Store.LoadTasks(store.TaskFilter{QueueID: queueID, Status: types.StatusPending})
	if err != nil {
		utils.Debug("Scheduler: loading pending tasks for queue %s failed: %v", queueID, err)
		return
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, task := range pending {
		if runningCount >= limit {
			break
		}
		if s.launch(task) {
			runningCount++
		}
	}

	if runningCount == 0 {
		s.checkDrained(queueID)
	}
}

// launch starts a coordinator for the task. Returns false if the task is
// already running.
func (s *Scheduler) launch(task *types.Task) bool {
	s.mu.Lock()
	if _, exists := s.running[task.ID]; exists {
		s.mu.Unlock()
		return false
	}
	restart := s.restarts[task.ID]
	delete(s.restarts, task.ID)

	coord := coordinator.New(task, coordinator.Options{
		Store:       s.opts.Store,
		Transport:   s.opts.Transport,
		Limiter:     s.opts.Limiter,
		Broadcaster: s.opts.Broadcaster,
		Runtime:     s.opts.Runtime,
		Events:      s.opts.Events,
		Restart:     restart,
	})
	s.running[task.ID] = &runningTask{coord: coord, queueID: task.QueueID}
	s.hasWork[task.QueueID] = true
	s.mu.Unlock()

	utils.Debug("Scheduler: admitting task %s (queue %s, priority %d)", task.ID, task.QueueID, task.Priority)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := coord.Run(s.ctx)

		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()

		switch {
		case err == nil, errors.Is(err, errdefs.ErrPaused):
		case errors.Is(err, errdefs.ErrCancelled):
			if derr := s.opts.Store.DeleteTask(task.ID); derr != nil {
				utils.Debug("Scheduler: deleting cancelled task %s failed: %v", task.ID, derr)
			}
		default:
			utils.Debug("Scheduler: task %s ended: %v", task.ID, err)
		}

		// Terminal or paused either way: this queue may have room now
		if s.ctx.Err() == nil {
			s.admitQueue(task.QueueID)
		}
	}()
	return true
}

// checkDrained fires the queue's post-process action the first time the
// queue reaches all-terminal since admission last added work.
func (s *Scheduler) checkDrained(queueID string) {
	s.mu.Lock()
	q, ok := s.queues[queueID]
	if !ok || !s.hasWork[queueID] || q.PostProcessDone {
		s.mu.Unlock()
		return
	}
	for _, rt := range s.running {
		if rt.queueID == queueID {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	pending, err := s.opts.Store.LoadTasks(store.TaskFilter{QueueID: queueID, Status: types.StatusPending})
	if err != nil || len(pending) > 0 {
		return
	}

	s.mu.Lock()
	q.PostProcessDone = true
	s.hasWork[queueID] = false
	action := q.PostProcess
	script := q.PostScript
	name := q.Name
	s.mu.Unlock()

	if err := s.opts.Store.UpsertQueue(q); err != nil {
		utils.Debug("Scheduler: persisting queue %s failed: %v", queueID, err)
	}

	s.emit(events.QueueDrainedMsg{QueueID: queueID, Name: name})
	s.runPostProcess(action, script, name)
}

// CreateQueue registers (or updates, matched by name) a queue.
func (s *Scheduler) CreateQueue(q *types.Queue) error {
	if q.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if q.ID == "" {
		// Idempotent by name: reuse the existing ID when present
		s.mu.Lock()
		for _, existing := range s.queues {
			if existing.Name == q.Name {
				q.ID = existing.ID
				break
			}
		}
		s.mu.Unlock()
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
	}
	if q.MaxConcurrent < 1 {
		q.MaxConcurrent = 1
	}
	if q.MaxConcurrent > types.MaxConnections {
		q.MaxConcurrent = types.MaxConnections
	}
	if q.PostProcess == "" {
		q.PostProcess = types.PostProcessNone
	}
	if q.StartHour == 0 && q.StopHour == 0 {
		q.StartHour, q.StopHour = -1, -1
	}

	if err := s.opts.Store.UpsertQueue(q); err != nil {
		return err
	}

	s.mu.Lock()
	s.queues[q.ID] = q
	s.mu.Unlock()

	s.rebuildCron()
	s.admitQueue(q.ID)
	return nil
}

// SetQueueActive toggles admission for a queue. Deactivation does not
// disturb running workers; it only stops new admissions.
func (s *Scheduler) SetQueueActive(queueID string, active bool) error {
	s.mu.Lock()
	q, ok := s.queues[queueID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue not found: %s", queueID)
	}
	q.Active = active
	s.mu.Unlock()

	if err := s.opts.Store.UpsertQueue(q); err != nil {
		return err
	}
	if active {
		s.admitQueue(queueID)
	}
	return nil
}

// DeleteQueue removes a queue definition.
func (s *Scheduler) DeleteQueue(queueID string) error {
	s.mu.Lock()
	delete(s.queues, queueID)
	s.mu.Unlock()
	s.rebuildCron()
	return s.opts.Store.DeleteQueue(queueID)
}

// Queues returns a copy of the queue set.
func (s *Scheduler) Queues() []*types.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		copied := *q
		out = append(out, &copied)
	}
	return out
}

// PauseTask pauses a running task; a pending task is flipped to paused
// directly in the store.
func (s *Scheduler) PauseTask(taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		rt.coord.Pause()
		return nil
	}

	tasks, err := s.opts.Store.LoadTasks(store.TaskFilter{ID: taskID})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	task := tasks[0]
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	task.Status = types.StatusPaused
	return s.opts.Store.UpsertTask(task)
}

// ResumeTask moves a paused or errored task back to pending and admits.
// restart discards persisted segments (the fileModified "restart" choice).
func (s *Scheduler) ResumeTask(taskID string, restart bool) error {
	tasks, err := s.opts.Store.LoadTasks(store.TaskFilter{ID: taskID})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	task := tasks[0]
	if task.Status == types.StatusComplete {
		return fmt.Errorf("task %s is already complete", taskID)
	}

	task.Status = types.StatusPending
	task.ErrorMsg = ""
	if err := s.opts.Store.UpsertTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	if restart {
		s.restarts[taskID] = true
	}
	s.hasWork[task.QueueID] = true
	if q, ok := s.queues[task.QueueID]; ok {
		q.PostProcessDone = false
	}
	s.mu.Unlock()

	s.emit(events.TaskResumedMsg{TaskID: taskID})
	s.admitQueue(task.QueueID)
	return nil
}

// CancelTask cancels a running task or deletes a stored one. The
// destination file is left alone.
func (s *Scheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		rt.coord.Cancel()
		return nil
	}
	return s.opts.Store.DeleteTask(taskID)
}

// RunningCount returns the number of live coordinators.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ensureDefaultQueue lazily creates the Default queue.
func (s *Scheduler) ensureDefaultQueue() (*types.Queue, error) {
	s.mu.Lock()
	for _, q := range s.queues {
		if q.Name == DefaultQueueName {
			s.mu.Unlock()
			return q, nil
		}
	}
	s.mu.Unlock()

	q := &types.Queue{
		ID:            uuid.New().String(),
		Name:          DefaultQueueName,
		MaxConcurrent: 3,
		Active:        true,
		PostProcess:   types.PostProcessNone,
		StartHour:     -1,
		StopHour:      -1,
	}
	if err := s.opts.Store.UpsertQueue(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queues[q.ID] = q
	s.mu.Unlock()
	return q, nil
}

// rebuildCron re-registers active-hour schedules for all queues.
func (s *Scheduler) rebuildCron() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.cronEntries {
		s.cron.Remove(id)
	}
	s.cronEntries = s.cronEntries[:0]

	for _, q := range s.queues {
		queueID := q.ID
		if q.StartHour >= 0 && q.StartHour <= 23 {
			spec := fmt.Sprintf("0 %d * * *", q.StartHour)
			if id, err := s.cron.AddFunc(spec, func() {
				utils.Debug("Scheduler: activating queue %s on schedule", queueID)
				s.SetQueueActive(queueID, true)
			}); err == nil {
				s.cronEntries = append(s.cronEntries, id)
			}
		}
		if q.StopHour >= 0 && q.StopHour <= 23 {
			spec := fmt.Sprintf("0 %d * * *", q.StopHour)
			if id, err := s.cron.AddFunc(spec, func() {
				utils.Debug("Scheduler: deactivating queue %s on schedule", queueID)
				s.SetQueueActive(queueID, false)
			}); err == nil {
				s.cronEntries = append(s.cronEntries, id)
			}
		}
	}
}

func (s *Scheduler) emit(msg any) {
	if s.opts.Events == nil {
		return
	}
	select {
	case s.opts.Events <- msg:
	default:
	}
}

// lastCheckDue reports whether a sync queue is due for a pass.
func lastCheckDue(q *types.Queue, now time.Time) bool {
	if q.CheckInterval <= 0 {
		return false
	}
	return now.Sub(q.LastCheck) >= q.CheckInterval
}
