package coordinator

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/testutil"
)

type testEnv struct {
	store       *store.SQLiteStore
	limiter     *limiter.Limiter
	broadcaster *progress.Broadcaster
	runtime     *types.RuntimeConfig
	dir         string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &testEnv{
		store:       st,
		limiter:     limiter.New(0),
		broadcaster: progress.NewBroadcaster(),
		runtime: &types.RuntimeConfig{
			// Small split floor so modest test files still exercise the
			// in-half rule
			MinSplitSize:     16 * 1024,
			WorkerBufferSize: 8 * 1024,
			SaveInterval:     50 * time.Millisecond,
		},
		dir: dir,
	}
}

func (e *testEnv) newTask(url string, connections int) *types.Task {
	return &types.Task{
		ID:          uuid.New().String(),
		URL:         url,
		DestFolder:  e.dir,
		Filename:    "out.bin",
		Status:      types.StatusPending,
		Connections: connections,
		CreatedAt:   time.Now(),
	}
}

func (e *testEnv) newCoordinator(task *types.Task, restart bool) *Coordinator {
	return New(task, Options{
		Store:       e.store,
		Transport:   engine.NewHTTPTransport(e.runtime, task.Connections),
		Limiter:     e.limiter,
		Broadcaster: e.broadcaster,
		Runtime:     e.runtime,
		Restart:     restart,
	})
}

// checkSegmentInvariants asserts pairwise disjoint ranges covering
// exactly [0, total).
func checkSegmentInvariants(t *testing.T, segs []*types.Segment, total int64) {
	t.Helper()
	var sum int64
	for i, s := range segs {
		require.LessOrEqual(t, s.Start, s.End+1, "segment %d bounds", i)
		require.GreaterOrEqual(t, s.Current, s.Start, "segment %d cursor below start", i)
		require.LessOrEqual(t, s.Current, s.End+1, "segment %d cursor past end", i)
		sum += s.End - s.Start + 1
		for j := i + 1; j < len(segs); j++ {
			o := segs[j]
			overlap := s.Start <= o.End && o.Start <= s.End
			require.False(t, overlap, "segments %d and %d overlap", i, j)
		}
	}
	require.Equal(t, total, sum, "segment union must cover the file exactly")
}

func TestDownloadCompletes(t *testing.T) {
	const size = 2 << 20
	srv := testutil.NewMockServer(testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 4)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	assert.Equal(t, types.StatusComplete, task.Status)
	assert.Equal(t, int64(size), task.TotalSize)

	data, err := os.ReadFile(task.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data, "downloaded file must match the served bytes")

	_, err = os.Stat(task.WorkingPath())
	assert.True(t, os.IsNotExist(err), "incomplete file must be renamed away")

	segs, err := env.store.LoadSegments(task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	checkSegmentInvariants(t, segs, size)
	for _, s := range segs {
		assert.True(t, s.Complete(), "segment %s not complete", s.ID)
	}
	assert.GreaterOrEqual(t, len(segs), 4, "initial segmentation should honor the connection count")
}

func TestSingleSegmentWithoutRangeSupport(t *testing.T) {
	const size = 512 * 1024
	srv := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRandomData(true),
		testutil.WithRangeSupport(false),
		testutil.WithRejectHead(true),
	)
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 8)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	data, err := os.ReadFile(task.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data)

	segs, err := env.store.LoadSegments(task.ID)
	require.NoError(t, err)
	assert.Len(t, segs, 1, "no range support means exactly one segment")
	checkSegmentInvariants(t, segs, size)
}

func TestUnknownLengthDownload(t *testing.T) {
	payload := make([]byte, 300*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Chunked response: no Content-Length, no Accept-Ranges
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 4)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	assert.Equal(t, int64(len(payload)), task.TotalSize, "total must be set to written bytes on completion")

	data, err := os.ReadFile(task.DestPath())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestPauseThenResumeProducesIdenticalFile(t *testing.T) {
	const size = 1 << 20
	srv := testutil.NewMockServer(testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	env := newTestEnv(t)
	// Slow the transfer down so the pause lands mid-flight
	env.limiter.SetLimit(128 * 1024)
	task := env.newTask(srv.URL(), 4)

	coord := env.newCoordinator(task, false)
	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	time.Sleep(600 * time.Millisecond)
	coord.Pause()

	err := <-done
	require.ErrorIs(t, err, errdefs.ErrPaused)
	assert.Equal(t, types.StatusPaused, task.Status)

	segs, err := env.store.LoadSegments(task.ID)
	require.NoError(t, err)
	checkSegmentInvariants(t, segs, size)

	var downloaded int64
	for _, s := range segs {
		downloaded += s.Current - s.Start
	}
	require.Greater(t, downloaded, int64(0), "pause should land after some progress")
	require.Less(t, downloaded, int64(size), "pause should land before completion")

	// Resume with the limiter off; the persisted cursors pick up the rest
	env.limiter.SetLimit(0)
	resumed, err := env.store.GetTask(task.ID)
	require.NoError(t, err)

	coord2 := env.newCoordinator(resumed, false)
	require.NoError(t, coord2.Run(context.Background()))

	data, err := os.ReadFile(resumed.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data, "pause/resume must be byte-identical to one uninterrupted download")
}

func TestResumeDetectsModifiedRemote(t *testing.T) {
	const size = 1 << 20
	srv := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRandomData(true),
		testutil.WithETag("v1"),
	)
	defer srv.Close()

	env := newTestEnv(t)
	env.limiter.SetLimit(128 * 1024)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()
	time.Sleep(500 * time.Millisecond)
	coord.Pause()
	require.ErrorIs(t, <-done, errdefs.ErrPaused)

	// The remote changes while we are away
	srv.ETag = "v2"

	env.limiter.SetLimit(0)
	resumed, err := env.store.GetTask(task.ID)
	require.NoError(t, err)

	coord2 := env.newCoordinator(resumed, false)
	err = coord2.Run(context.Background())
	require.ErrorIs(t, err, errdefs.ErrFileModified)
	assert.Equal(t, types.StatusError, resumed.Status)
}

func TestRestartAfterModifiedRemote(t *testing.T) {
	const size = 256 * 1024
	srv := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRandomData(true),
		testutil.WithETag("v1"),
	)
	defer srv.Close()

	env := newTestEnv(t)
	env.limiter.SetLimit(64 * 1024)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()
	time.Sleep(400 * time.Millisecond)
	coord.Pause()
	require.ErrorIs(t, <-done, errdefs.ErrPaused)

	srv.ETag = "v2"

	env.limiter.SetLimit(0)
	resumed, err := env.store.GetTask(task.ID)
	require.NoError(t, err)

	// The caller chose "restart": partial state is discarded
	coord2 := env.newCoordinator(resumed, true)
	require.NoError(t, coord2.Run(context.Background()))

	assert.Equal(t, "v2", resumed.ETag)
	data, err := os.ReadFile(resumed.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data)
}

func TestRetriesAfterDroppedConnections(t *testing.T) {
	const size = 256 * 1024
	srv := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRandomData(true),
		// Every request dies after 32 KB; workers must resume from their
		// persisted cursors until the file completes
		testutil.WithFailAfterBytes(32*1024),
	)
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	data, err := os.ReadFile(task.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data)
	assert.Greater(t, srv.RequestCount.Load(), int64(8), "connection drops should force repeated range requests")
}

func TestCancelLeavesNoCompleteFile(t *testing.T) {
	const size = 1 << 20
	srv := testutil.NewMockServer(testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	env := newTestEnv(t)
	env.limiter.SetLimit(128 * 1024)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()
	time.Sleep(400 * time.Millisecond)
	coord.Cancel()

	require.ErrorIs(t, <-done, errdefs.ErrCancelled)
	_, err := os.Stat(task.DestPath())
	assert.True(t, os.IsNotExist(err), "cancelled download must not publish a final file")
}

func TestServerErrorIsTerminal(t *testing.T) {
	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	err := coord.Run(context.Background())
	require.Error(t, err)
	var serverErr *errdefs.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, types.StatusError, task.Status)
	assert.NotEmpty(t, task.ErrorMsg)
}

func TestInitialSegmentationCeilRule(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask("https://example.com/x", 8)
	task.TotalSize = 100
	task.SupportsResume = true

	c := env.newCoordinator(task, false)
	segs := c.createSegments()

	require.Len(t, segs, 8)
	assert.Equal(t, int64(0), segs[0].Start)
	assert.Equal(t, int64(12), segs[0].End, "ceil(100/8) = 13 byte chunks")
	last := segs[len(segs)-1]
	assert.Equal(t, int64(99), last.End, "last segment absorbs the remainder")
	checkSegmentInvariants(t, segs, 100)
}

func TestSplitPreservesUnionInvariant(t *testing.T) {
	const size = 4 << 20
	srv := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRandomData(true),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer srv.Close()

	env := newTestEnv(t)
	// Four connections; completed workers trigger in-half splits of the
	// survivors
	task := env.newTask(srv.URL(), 4)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	segs, err := env.store.LoadSegments(task.ID)
	require.NoError(t, err)
	checkSegmentInvariants(t, segs, size)

	data, err := os.ReadFile(task.DestPath())
	require.NoError(t, err)
	assert.Equal(t, srv.Data(), data)
}

func TestRangeRefusedChecksValidators(t *testing.T) {
	// Probe succeeds, but every data range gets a 416 while validators
	// stay unchanged: terminal rangeNotSatisfiable, not fileModified.
	srv := testutil.NewMockServer(testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		rng := r.Header.Get("Range")
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "65536")
			w.WriteHeader(http.StatusOK)
			return
		}
		if rng == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/65536")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
			return
		}
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 2)

	coord := env.newCoordinator(task, false)
	err := coord.Run(context.Background())
	require.ErrorIs(t, err, errdefs.ErrRangeNotSatisfiable)
	assert.False(t, errors.Is(err, errdefs.ErrFileModified))
}

func TestApplyProbeExtensionInference(t *testing.T) {
	env := newTestEnv(t)

	// ZIP local-file-header magic followed by padding
	zipHead := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 60)...)
	probe := &engine.ProbeResult{
		ContentLength: 1024,
		AcceptsRanges: true,
		ContentType:   "application/zip",
		SniffHead:     zipHead,
	}

	task := env.newTask("https://example.com/archive", 2)
	task.Filename = "archive"
	task.RequireExt = true
	New(task, Options{Runtime: env.runtime}).applyProbe(probe)
	assert.Equal(t, "archive.zip", task.Filename, "requested inference must append the magic-byte extension")
	assert.Equal(t, "application/zip", task.ContentType, "probe content type overrides the hint")

	// Without the flag the caller's raw name is left alone
	plain := env.newTask("https://example.com/archive", 2)
	plain.Filename = "archive"
	plain.ContentType = "application/x-preknown"
	New(plain, Options{Runtime: env.runtime}).applyProbe(probe)
	assert.Equal(t, "archive", plain.Filename)

	// A name that already has an extension is never touched
	named := env.newTask("https://example.com/archive", 2)
	named.Filename = "archive.bin"
	named.RequireExt = true
	New(named, Options{Runtime: env.runtime}).applyProbe(probe)
	assert.Equal(t, "archive.bin", named.Filename)
}

func TestProgressSnapshotsPublished(t *testing.T) {
	const size = 1 << 20
	srv := testutil.NewMockServer(testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	env := newTestEnv(t)
	task := env.newTask(srv.URL(), 4)

	coord := env.newCoordinator(task, false)
	require.NoError(t, coord.Run(context.Background()))

	snap := env.broadcaster.Snapshot(task.ID)
	require.NotNil(t, snap)
	assert.Equal(t, int64(size), snap.Downloaded)
	assert.Equal(t, int64(size), snap.Total)
}
