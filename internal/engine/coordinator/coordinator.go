// Package coordinator drives one task: it owns the segment set, the
// destination writer and the connection workers, applies the in-half
// split rule, and funnels every persistence write for the task.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/engine/events"
	"github.com/lovinmaxwell/nexus/internal/engine/fileio"
	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// Options wires a coordinator to its process-wide collaborators. All of
// them are passed explicitly; nothing here is ambient.
type Options struct {
	Store       store.Store
	Transport   engine.Transport
	Limiter     *limiter.Limiter
	Broadcaster *progress.Broadcaster
	Runtime     *types.RuntimeConfig
	Events      chan<- any

	// Restart discards persisted segments and validators instead of
	// failing with ErrFileModified when the remote changed.
	Restart bool
}

type segmentResult struct {
	active *activeSegment
	err    error
}

// Coordinator is the per-task state machine.
type Coordinator struct {
	task *types.Task
	opts Options

	mu       sync.Mutex
	segments map[string]*types.Segment // every segment, persisted view
	active   map[string]*activeSegment // segments with a live worker
	pending  []*types.Segment          // incomplete, not yet started
	maxConns int

	writer  *fileio.Writer
	tracker *progress.Tracker

	cancel     context.CancelFunc
	pausing    atomic.Bool
	cancelling atomic.Bool
	degraded   atomic.Bool

	workerDone chan segmentResult
	wg         sync.WaitGroup
	bufPool    sync.Pool
}

// New creates a coordinator for the task. Run does the actual work.
func New(task *types.Task, opts Options) *Coordinator {
	c := &Coordinator{
		task:     task,
		opts:     opts,
		segments: make(map[string]*types.Segment),
		active:   make(map[string]*activeSegment),
	}
	c.bufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, opts.Runtime.GetWorkerBufferSize())
			return &buf
		},
	}
	return c
}

// Task returns the coordinator's task.
func (c *Coordinator) Task() *types.Task {
	return c.task
}

// Pause signals all workers to stop at their next chunk boundary, then
// persists and transitions to paused. Run returns errdefs.ErrPaused.
func (c *Coordinator) Pause() {
	if c.pausing.CompareAndSwap(false, true) && c.cancel != nil {
		c.cancel()
	}
}

// Cancel aborts the task. Run returns errdefs.ErrCancelled; row cleanup
// is the caller's policy, not the coordinator's.
func (c *Coordinator) Cancel() {
	if c.cancelling.CompareAndSwap(false, true) && c.cancel != nil {
		c.cancel()
	}
}

// Degraded reports whether persistence has been failing while the
// transfer continued.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// Run executes the full lifecycle: startup, workers, completion. It
// returns nil on completion, errdefs.ErrPaused on a clean pause,
// errdefs.ErrCancelled on cancel, or the terminal error.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	// A pause or cancel may have landed before the cancel func existed
	if c.pausing.Load() || c.cancelling.Load() {
		cancel()
	}

	start := time.Now()

	if err := c.startup(runCtx); err != nil {
		if errors.Is(err, context.Canceled) || c.pausing.Load() || c.cancelling.Load() {
			return c.finishInterrupted()
		}
		c.fail(err)
		return err
	}

	c.emit(events.TaskStartedMsg{
		TaskID:   c.task.ID,
		URL:      c.task.URL,
		Filename: c.task.Filename,
		Total:    c.task.TotalSize,
		DestPath: c.task.DestPath(),
	})

	err := c.supervise(runCtx)

	if c.writer != nil {
		// Workers are gone; the handle is released before any terminal
		// state is reported.
		if err != nil {
			c.writer.Close()
		}
	}

	switch {
	case err == nil:
		return c.complete(start)
	case errors.Is(err, context.Canceled):
		return c.finishInterrupted()
	default:
		c.fail(err)
		return err
	}
}

// startup implements the startup sequence: load state, probe, validate,
// segment, open the writer, transition to running.
func (c *Coordinator) startup(ctx context.Context) error {
	c.task.Status = types.StatusConnecting
	c.persistTask()

	segs, err := c.opts.Store.LoadSegments(c.task.ID)
	if err != nil {
		utils.Debug("Coordinator %s: loading segments failed: %v", c.task.ID, err)
		c.degraded.Store(true)
		segs = nil
	}
	if c.opts.Restart && len(segs) > 0 {
		if err := c.opts.Store.DeleteSegments(c.task.ID); err != nil {
			utils.Debug("Coordinator %s: segment reset failed: %v", c.task.ID, err)
		}
		os.Remove(c.task.WorkingPath())
		c.task.ETag = ""
		c.task.LastModified = time.Time{}
		c.task.TotalSize = 0
		segs = nil
	}
	resuming := len(segs) > 0

	// Sniffing costs a 512-byte range on the probe, so only callers who
	// asked for an inferred extension pay for it
	sniff := c.task.RequireExt && filepath.Ext(c.task.Filename) == ""
	probe, err := c.opts.Transport.Probe(ctx, c.probeURL(), c.requestOptions(sniff))
	if err != nil {
		return err
	}

	if err := c.checkValidators(probe, resuming); err != nil {
		return err
	}

	c.applyProbe(probe)

	if resuming && !c.task.SupportsResume {
		// Servers without range support cannot continue a partial body;
		// restart from offset zero.
		utils.Debug("Coordinator %s: no range support on resume, restarting from 0", c.task.ID)
		if err := c.opts.Store.DeleteSegments(c.task.ID); err != nil {
			utils.Debug("Coordinator %s: segment reset failed: %v", c.task.ID, err)
		}
		os.Remove(c.task.WorkingPath())
		segs = nil
		resuming = false
	}

	if len(segs) == 0 {
		segs = c.createSegments()
		if err := c.opts.Store.UpsertSegments(segs); err != nil {
			utils.Debug("Coordinator %s: initial segment persist failed: %v", c.task.ID, err)
			c.degraded.Store(true)
		}
	}

	if !resuming {
		c.ensureUniquePath()
	}

	writer, err := fileio.Open(c.task.WorkingPath())
	if err != nil {
		return err
	}
	c.writer = writer
	if c.task.TotalSize > 0 {
		if err := writer.Truncate(c.task.TotalSize); err != nil {
			writer.Close()
			return err
		}
	}

	var downloaded int64
	for _, s := range segs {
		c.segments[s.ID] = s
		downloaded += s.Current - s.Start
	}
	c.tracker = progress.NewTracker(c.task.ID, c.opts.Broadcaster, c.task.TotalSize, downloaded)

	c.maxConns = c.task.Connections
	if c.maxConns < 1 {
		c.maxConns = c.opts.Runtime.GetMaxConnectionsPerTask()
	}
	if c.maxConns > types.MaxConnections {
		c.maxConns = types.MaxConnections
	}
	if !c.task.SupportsResume {
		c.maxConns = 1
	}

	c.task.Status = types.StatusRunning
	c.persistTask()

	c.workerDone = make(chan segmentResult, types.MaxConnections*2)

	c.mu.Lock()
	launched := 0
	for _, s := range segs {
		if s.Complete() {
			continue
		}
		if launched < c.maxConns {
			c.spawnLocked(ctx, s)
			launched++
		} else {
			c.pending = append(c.pending, s)
		}
	}
	live := len(c.active)
	c.mu.Unlock()

	c.tracker.SetConnections(live)
	c.tracker.Flush()
	return nil
}

// probeURL prefers the cached resolved URL for repeat startups.
func (c *Coordinator) probeURL() string {
	if c.task.ResolvedURL != "" {
		return c.task.ResolvedURL
	}
	return c.task.URL
}

func (c *Coordinator) requestOptions(sniff bool) engine.RequestOptions {
	return engine.RequestOptions{
		Referer:   c.task.Referer,
		UserAgent: c.task.UserAgent,
		Cookies:   c.task.Cookies,
		Sniff:     sniff,
	}
}

// checkValidators compares ETag first, then Last-Modified, then
// Content-Length against the stored values.
func (c *Coordinator) checkValidators(probe *engine.ProbeResult, resuming bool) error {
	if !resuming {
		return nil
	}
	if c.task.ETag != "" && probe.ETag != "" && c.task.ETag != probe.ETag {
		return fmt.Errorf("%w: etag %q became %q", errdefs.ErrFileModified, c.task.ETag, probe.ETag)
	}
	if !c.task.LastModified.IsZero() && probe.LastModified.After(c.task.LastModified) {
		return fmt.Errorf("%w: last-modified advanced to %v", errdefs.ErrFileModified, probe.LastModified)
	}
	if c.task.TotalSize > 0 && probe.ContentLength > 0 && c.task.TotalSize != probe.ContentLength {
		return fmt.Errorf("%w: size %d became %d", errdefs.ErrFileModified, c.task.TotalSize, probe.ContentLength)
	}
	return nil
}

// applyProbe folds probe results into the task; pre-known ingress values
// are hints the probe overrides.
func (c *Coordinator) applyProbe(probe *engine.ProbeResult) {
	c.task.ResolvedURL = probe.ResolvedURL
	c.task.SupportsResume = probe.AcceptsRanges
	if probe.ContentLength > 0 {
		c.task.TotalSize = probe.ContentLength
	}
	if probe.ETag != "" {
		c.task.ETag = probe.ETag
	}
	if !probe.LastModified.IsZero() {
		c.task.LastModified = probe.LastModified
	}
	if probe.ContentType != "" {
		c.task.ContentType = probe.ContentType
	}

	if c.task.Filename == "" {
		name := probe.Filename
		if name == "" {
			name = "download.bin"
		}
		c.task.Filename = name
	}
	if c.task.RequireExt && filepath.Ext(c.task.Filename) == "" && len(probe.SniffHead) > 0 {
		if ext := utils.ExtensionFromMagic(probe.SniffHead); ext != "" {
			c.task.Filename += "." + ext
		}
	}
}

// createSegments builds the initial segment set: N ranges of ceil(total/N)
// with the last absorbing the remainder, or a single segment when ranges
// are unsupported or the size is unknown.
func (c *Coordinator) createSegments() []*types.Segment {
	total := c.task.TotalSize

	if !c.task.SupportsResume || total <= 0 {
		end := int64(-1)
		if total > 0 {
			end = total - 1
		}
		return []*types.Segment{{
			ID:     uuid.New().String(),
			TaskID: c.task.ID,
			Start:  0,
			End:    end,
		}}
	}

	n := int64(c.task.Connections)
	if n < 1 {
		n = int64(c.opts.Runtime.GetMaxConnectionsPerTask())
	}
	if n > types.MaxConnections {
		n = types.MaxConnections
	}
	if n > total {
		n = total
	}

	chunk := (total + n - 1) / n // ceil
	var segs []*types.Segment
	for off := int64(0); off < total; off += chunk {
		end := off + chunk - 1
		if end > total-1 {
			end = total - 1
		}
		segs = append(segs, &types.Segment{
			ID:      uuid.New().String(),
			TaskID:  c.task.ID,
			Start:   off,
			End:     end,
			Current: off,
		})
	}
	return segs
}

// ensureUniquePath avoids clobbering an existing file on a fresh download.
// Sync successors overwrite deliberately and skip this.
func (c *Coordinator) ensureUniquePath() {
	if c.task.Replace {
		return
	}
	unique := utils.UniqueFilePath(c.task.DestPath(), types.IncompleteSuffix)
	if unique != c.task.DestPath() {
		c.task.Filename = filepath.Base(unique)
	}
}

// supervise collects worker exits, starting pending segments and applying
// the in-half rule until every segment is complete or the run is stopped.
func (c *Coordinator) supervise(ctx context.Context) error {
	var terminal error

	for c.liveCount() > 0 {
		res := <-c.workerDone
		c.retire(res.active)
		c.persistSegment(res.active, true)

		err := res.err
		switch {
		case err == nil:
			if terminal == nil && ctx.Err() == nil {
				if !c.startPending(ctx) {
					c.maybeSplit(ctx)
				}
			}

		case errors.Is(err, context.Canceled):
			// Pause or cancel in flight; let remaining workers drain.

		case errors.Is(err, errdefs.ErrRangeNotSatisfiable):
			if terminal == nil {
				terminal = c.reconsiderRange(ctx)
				c.cancel()
			}

		default:
			if terminal == nil {
				terminal = err
				c.cancel()
			}
		}
	}
	c.wg.Wait()

	if terminal != nil {
		return terminal
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// reconsiderRange handles a 416: the server refuses a range it granted
// before, which usually means the resource changed underneath us.
func (c *Coordinator) reconsiderRange(ctx context.Context) error {
	probe, err := c.opts.Transport.Probe(ctx, c.probeURL(), c.requestOptions(false))
	if err != nil {
		return errdefs.ErrRangeNotSatisfiable
	}
	if err := c.checkValidators(probe, true); err != nil {
		return err
	}
	return errdefs.ErrRangeNotSatisfiable
}

// startPending launches the next not-yet-started segment, if any.
func (c *Coordinator) startPending(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 || len(c.active) >= c.maxConns || ctx.Err() != nil {
		return false
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	c.spawnLocked(ctx, next)
	return true
}

func (c *Coordinator) liveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) retire(as *activeSegment) {
	c.mu.Lock()
	delete(c.active, as.seg.ID)
	live := len(c.active)
	c.mu.Unlock()
	c.tracker.SetConnections(live)
}

// complete closes out a finished task: fsync, rename, persist, notify.
func (c *Coordinator) complete(start time.Time) error {
	if c.task.TotalSize == 0 {
		c.task.TotalSize = c.writer.Written()
		c.tracker.SetTotal(c.task.TotalSize)
	}

	if err := c.writer.Sync(); err != nil {
		c.writer.Close()
		c.fail(err)
		return err
	}
	c.writer.Close()

	workingPath := c.writer.Path()
	destPath := c.task.DestPath()
	if err := os.Rename(workingPath, destPath); err != nil {
		wrapped := &errdefs.StorageError{Err: err}
		c.fail(wrapped)
		return wrapped
	}

	c.task.Status = types.StatusComplete
	c.persistTask()
	if c.degraded.Load() {
		// Complete on disk even though the store may disagree; observable,
		// not fatal.
		utils.Debug("Coordinator %s: completed on disk with degraded persistence", c.task.ID)
	}

	c.tracker.Flush()
	c.emit(events.TaskCompleteMsg{
		TaskID:   c.task.ID,
		QueueID:  c.task.QueueID,
		Filename: c.task.Filename,
		Elapsed:  time.Since(start),
		Total:    c.task.TotalSize,
	})
	utils.Debug("Coordinator %s: complete (%d bytes)", c.task.ID, c.task.TotalSize)
	return nil
}

// finishInterrupted resolves a context cancellation into pause or cancel.
func (c *Coordinator) finishInterrupted() error {
	c.persistAllSegments()

	if c.cancelling.Load() {
		utils.Debug("Coordinator %s: cancelled", c.task.ID)
		return errdefs.ErrCancelled
	}

	c.task.Status = types.StatusPaused
	c.persistTask()
	if c.tracker != nil {
		c.tracker.Flush()
		c.emit(events.TaskPausedMsg{TaskID: c.task.ID, Downloaded: c.tracker.Downloaded()})
	}
	utils.Debug("Coordinator %s: paused", c.task.ID)
	return errdefs.ErrPaused
}

// fail records a terminal error.
func (c *Coordinator) fail(err error) {
	c.persistAllSegments()
	c.task.Status = types.StatusError
	c.task.ErrorMsg = err.Error()
	c.persistTask()
	c.emit(events.TaskErrorMsg{TaskID: c.task.ID, QueueID: c.task.QueueID, Err: err})
	utils.Debug("Coordinator %s: failed: %v", c.task.ID, err)
}

// persistTask saves the task row, tolerating store outages.
func (c *Coordinator) persistTask() {
	if err := c.opts.Store.UpsertTask(c.task); err != nil {
		utils.Debug("Coordinator %s: task persist failed: %v", c.task.ID, err)
		c.degraded.Store(true)
	} else {
		c.degraded.Store(false)
	}
}

// persistSegment snapshots one segment row. force skips the throttle.
func (c *Coordinator) persistSegment(as *activeSegment, force bool) {
	if !force && !as.saveDue(c.opts.Runtime) {
		return
	}

	c.mu.Lock()
	as.snapshotLocked()
	seg := *as.seg
	c.mu.Unlock()

	if err := c.opts.Store.UpsertSegment(&seg); err != nil {
		utils.Debug("Coordinator %s: segment %s persist failed: %v", c.task.ID, seg.ID, err)
		c.degraded.Store(true)
		return
	}
	c.degraded.Store(false)
	as.markSaved()
}

// persistAllSegments flushes every segment row (pause, error paths).
func (c *Coordinator) persistAllSegments() {
	c.mu.Lock()
	segs := make([]*types.Segment, 0, len(c.segments))
	for _, as := range c.active {
		as.snapshotLocked()
	}
	for _, s := range c.segments {
		copied := *s
		segs = append(segs, &copied)
	}
	c.mu.Unlock()

	if len(segs) == 0 {
		return
	}
	if err := c.opts.Store.UpsertSegments(segs); err != nil {
		utils.Debug("Coordinator %s: bulk segment persist failed: %v", c.task.ID, err)
		c.degraded.Store(true)
	}
}

func (c *Coordinator) emit(msg any) {
	if c.opts.Events == nil {
		return
	}
	select {
	case c.opts.Events <- msg:
	default:
		// Consumers that fall behind lose lifecycle messages rather than
		// stalling the transfer.
	}
}
