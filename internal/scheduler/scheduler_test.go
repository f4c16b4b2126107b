package scheduler

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/events"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/testutil"
)

type schedEnv struct {
	store     *store.SQLiteStore
	scheduler *Scheduler
	limiter   *limiter.Limiter
	events    chan any
	dir       string
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runtime := &types.RuntimeConfig{
		MinSplitSize:     64 * 1024,
		WorkerBufferSize: 8 * 1024,
		SaveInterval:     50 * time.Millisecond,
	}
	eventCh := make(chan any, 256)
	lim := limiter.New(0)

	sched := New(Options{
		Store:       st,
		Transport:   engine.NewHTTPTransport(runtime, 8),
		Limiter:     lim,
		Broadcaster: progress.NewBroadcaster(),
		Runtime:     runtime,
		Events:      eventCh,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		cancel()
		sched.Shutdown()
	})

	return &schedEnv{store: st, scheduler: sched, limiter: lim, events: eventCh, dir: dir}
}

func (e *schedEnv) newTask(url, filename, queueID string, priority int, created time.Time) *types.Task {
	return &types.Task{
		ID:          uuid.New().String(),
		URL:         url,
		DestFolder:  e.dir,
		Filename:    filename,
		Status:      types.StatusPending,
		Priority:    priority,
		QueueID:     queueID,
		Connections: 2,
		CreatedAt:   created,
	}
}

func (e *schedEnv) waitStatus(t *testing.T, taskID string, want types.TaskStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(taskID)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	task, _ := e.store.GetTask(taskID)
	t.Fatalf("task %s never reached %s (last: %+v)", taskID, want, task)
}

func TestEnqueueCreatesDefaultQueue(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(64 * 1024))
	defer srv.Close()

	env := newSchedEnv(t)
	task := env.newTask(srv.URL(), "a.bin", "", 0, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))

	assert.NotEmpty(t, task.QueueID, "task must land in a queue")

	var found bool
	for _, q := range env.scheduler.Queues() {
		if q.Name == DefaultQueueName {
			found = true
		}
	}
	assert.True(t, found, "Default queue should be created lazily")

	env.waitStatus(t, task.ID, types.StatusComplete, 10*time.Second)
}

func TestSequentialQueueRunsOneAtATime(t *testing.T) {
	var concurrent, peak atomic.Int64
	var mu sync.Mutex
	var order []string

	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		// The probe uses HEAD, so every GET here is a data request
		if r.Method == http.MethodGet {
			cur := concurrent.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			mu.Lock()
			order = append(order, r.URL.Path)
			mu.Unlock()
			defer concurrent.Add(-1)
			time.Sleep(100 * time.Millisecond)
		}
		// No range support: each task downloads in one full-body request
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(make([]byte, 1024))
		}
	}))
	defer srv.Close()

	env := newSchedEnv(t)
	// Held inactive so all three tasks are pending before the first
	// admission pass sorts them
	queue := &types.Queue{Name: "seq", Sequential: true, MaxConcurrent: 5, Active: false}
	require.NoError(t, env.scheduler.CreateQueue(queue))

	base := time.Now()
	a := env.newTask(srv.URL()+"/a", "a.bin", queue.ID, 10, base)
	b := env.newTask(srv.URL()+"/b", "b.bin", queue.ID, 5, base.Add(time.Second))
	c := env.newTask(srv.URL()+"/c", "c.bin", queue.ID, 5, base.Add(2*time.Second))

	require.NoError(t, env.scheduler.Enqueue(c))
	require.NoError(t, env.scheduler.Enqueue(b))
	require.NoError(t, env.scheduler.Enqueue(a))
	require.NoError(t, env.scheduler.SetQueueActive(queue.ID, true))

	for _, task := range []*types.Task{a, b, c} {
		env.waitStatus(t, task.ID, types.StatusComplete, 15*time.Second)
	}

	assert.LessOrEqual(t, peak.Load(), int64(1), "sequential queue must never run two tasks at once")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "/a", order[0], "highest priority first")
	assert.Equal(t, "/b", order[1], "older task wins within a priority")
	assert.Equal(t, "/c", order[2])
}

func TestQueueDrainedEventFiresOnce(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(32 * 1024))
	defer srv.Close()

	env := newSchedEnv(t)
	queue := &types.Queue{Name: "notify", MaxConcurrent: 2, Active: true, PostProcess: types.PostProcessNotify}
	require.NoError(t, env.scheduler.CreateQueue(queue))

	task := env.newTask(srv.URL(), "n.bin", queue.ID, 0, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))
	env.waitStatus(t, task.ID, types.StatusComplete, 10*time.Second)

	deadline := time.After(5 * time.Second)
	var drained int
	for drained == 0 {
		select {
		case msg := <-env.events:
			if m, ok := msg.(events.QueueDrainedMsg); ok {
				assert.Equal(t, queue.ID, m.QueueID)
				drained++
			}
		case <-deadline:
			t.Fatal("queue drained event never fired")
		}
	}

	// The latch must survive in the store
	queues, err := env.store.LoadQueues()
	require.NoError(t, err)
	for _, q := range queues {
		if q.ID == queue.ID {
			assert.True(t, q.PostProcessDone)
		}
	}
}

func TestPauseAndResumeThroughScheduler(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(1<<20),
		testutil.WithRandomData(true),
		testutil.WithLatency(30*time.Millisecond),
	)
	defer srv.Close()

	env := newSchedEnv(t)
	// Throttle so the pause lands mid-transfer
	env.limiter.SetLimit(128 * 1024)
	task := env.newTask(srv.URL(), "p.bin", "", 0, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))

	// Wait until it is actually running, then pause
	deadline := time.Now().Add(5 * time.Second)
	for env.scheduler.RunningCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, env.scheduler.PauseTask(task.ID))
	env.waitStatus(t, task.ID, types.StatusPaused, 10*time.Second)

	env.limiter.SetLimit(0)
	require.NoError(t, env.scheduler.ResumeTask(task.ID, false))
	env.waitStatus(t, task.ID, types.StatusComplete, 15*time.Second)
}

func TestStartPausedTaskIsNotAdmitted(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(16 * 1024))
	defer srv.Close()

	env := newSchedEnv(t)
	task := env.newTask(srv.URL(), "s.bin", "", 0, time.Now())
	task.StartPaused = true
	require.NoError(t, env.scheduler.Enqueue(task))

	time.Sleep(300 * time.Millisecond)
	loaded, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, loaded.Status)
	assert.Equal(t, 0, env.scheduler.RunningCount())
}

func TestInactiveQueueHoldsTasks(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithFileSize(16 * 1024))
	defer srv.Close()

	env := newSchedEnv(t)
	queue := &types.Queue{Name: "held", MaxConcurrent: 2, Active: false}
	require.NoError(t, env.scheduler.CreateQueue(queue))

	task := env.newTask(srv.URL(), "h.bin", queue.ID, 0, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))

	time.Sleep(300 * time.Millisecond)
	loaded, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, loaded.Status, "inactive queue must not admit")

	// Activation admits on the next pass
	require.NoError(t, env.scheduler.SetQueueActive(queue.ID, true))
	env.waitStatus(t, task.ID, types.StatusComplete, 10*time.Second)
}

func TestSyncQueueCreatesSuccessor(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(32*1024),
		testutil.WithRandomData(true),
		testutil.WithETag("v1"),
	)
	defer srv.Close()

	env := newSchedEnv(t)
	queue := &types.Queue{
		Name:          "mirror",
		MaxConcurrent: 2,
		Active:        true,
		SyncQueue:     true,
		CheckInterval: time.Second,
	}
	require.NoError(t, env.scheduler.CreateQueue(queue))

	task := env.newTask(srv.URL(), "m.bin", queue.ID, 3, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))
	env.waitStatus(t, task.ID, types.StatusComplete, 10*time.Second)

	// The server copy changes; the next sync pass must spawn a successor
	srv.ETag = "v2"
	env.scheduler.syncPass(context.Background())

	tasks, err := env.store.LoadTasks(store.TaskFilter{QueueID: queue.ID})
	require.NoError(t, err)

	var successor *types.Task
	for _, candidate := range tasks {
		if candidate.ID != task.ID {
			successor = candidate
		}
	}
	require.NotNil(t, successor, "sync pass should create a successor task")
	assert.Equal(t, task.URL, successor.URL)
	assert.Equal(t, task.Filename, successor.Filename)
	assert.Equal(t, task.Priority, successor.Priority)
	assert.True(t, successor.Replace)

	// Successors flow through admission like any other pending task
	env.waitStatus(t, successor.ID, types.StatusComplete, 10*time.Second)
}

func TestUnchangedRemoteSpawnsNoSuccessor(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(32*1024),
		testutil.WithETag("stable"),
	)
	defer srv.Close()

	env := newSchedEnv(t)
	queue := &types.Queue{
		Name:          "stable-mirror",
		MaxConcurrent: 2,
		Active:        true,
		SyncQueue:     true,
		CheckInterval: time.Second,
	}
	require.NoError(t, env.scheduler.CreateQueue(queue))

	task := env.newTask(srv.URL(), "u.bin", queue.ID, 0, time.Now())
	require.NoError(t, env.scheduler.Enqueue(task))
	env.waitStatus(t, task.ID, types.StatusComplete, 10*time.Second)

	env.scheduler.syncPass(context.Background())

	tasks, err := env.store.LoadTasks(store.TaskFilter{QueueID: queue.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "unchanged remote must not spawn successors")
}

func TestCreateQueueIsIdempotentByName(t *testing.T) {
	env := newSchedEnv(t)

	first := &types.Queue{Name: "daily", MaxConcurrent: 2, Active: true}
	require.NoError(t, env.scheduler.CreateQueue(first))

	second := &types.Queue{Name: "daily", MaxConcurrent: 4, Active: true}
	require.NoError(t, env.scheduler.CreateQueue(second))

	assert.Equal(t, first.ID, second.ID, "same name must reuse the queue identity")

	count := 0
	for _, q := range env.scheduler.Queues() {
		if q.Name == "daily" {
			count++
			assert.Equal(t, 4, q.MaxConcurrent, "runtime limit change must stick")
		}
	}
	assert.Equal(t, 1, count)
}
