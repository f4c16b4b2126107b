package coordinator

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// spawnLocked starts a worker for the segment. Caller holds c.mu.
func (c *Coordinator) spawnLocked(ctx context.Context, seg *types.Segment) {
	as := newActiveSegment(seg)
	c.active[seg.ID] = as

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.runSegment(ctx, as)
		c.workerDone <- segmentResult{active: as, err: err}
	}()
}

// runSegment is the worker loop for one segment: ranged reads from the
// current offset, retried with exponential backoff on transient failures.
func (c *Coordinator) runSegment(ctx context.Context, as *activeSegment) error {
	bufPtr := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(bufPtr)
	buf := *bufPtr

	utils.Debug("Worker for segment %s started (%d-%d)", as.seg.ID, as.Current(), as.seg.End)
	defer utils.Debug("Worker for segment %s finished", as.seg.ID)

	attempt := 0
	maxRetries := c.opts.Runtime.GetMaxSegmentRetries()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		current := as.Current()
		stop := as.StopAt()
		if current >= stop {
			return nil
		}

		end := int64(-1)
		if !as.openEnded() {
			end = stop - 1
		}

		body, err := c.opts.Transport.ReadRange(ctx, c.probeURL(), current, end, c.requestOptions(false))
		if err == nil {
			var progressed bool
			progressed, err = c.copyRange(ctx, as, body, buf)
			body.Close()
			if err == nil {
				return nil
			}
			if progressed {
				// Fresh bytes arrived before the failure; the connection is
				// alive enough to reset the backoff.
				attempt = 0
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errdefs.IsTransient(err) {
			return err
		}

		attempt++
		if attempt >= maxRetries {
			return err
		}

		delay := backoffDelay(attempt)
		utils.Debug("Worker for segment %s: attempt %d failed (%v), retrying in %v", as.seg.ID, attempt, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// copyRange streams one response body into the file, honoring the limiter
// and the (possibly shrinking) stop boundary. Returns whether any bytes
// were written and nil only when the segment is done.
func (c *Coordinator) copyRange(ctx context.Context, as *activeSegment, body io.Reader, buf []byte) (bool, error) {
	progressed := false

	for {
		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}

		offset := as.Current()
		stop := as.StopAt()
		if offset >= stop {
			// Split shrank the boundary underneath us; clean exit.
			return progressed, nil
		}

		readSize := int64(len(buf))
		if !as.openEnded() && readSize > stop-offset {
			readSize = stop - offset
		}

		n, readErr := io.ReadFull(body, buf[:readSize])
		if n > 0 {
			// Re-check the boundary: a split may have landed mid-read.
			stop = as.StopAt()
			if offset+int64(n) > stop {
				n = int(stop - offset)
				if n <= 0 {
					return progressed, nil
				}
			}

			if err := c.opts.Limiter.Acquire(ctx, n); err != nil {
				return progressed, err
			}

			if _, err := c.writer.WriteAt(buf[:n], offset); err != nil {
				return progressed, err
			}

			as.advance(int64(n))
			c.tracker.Add(int64(n))
			progressed = true

			c.persistSegment(as, false)
		}

		switch readErr {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			current := as.Current()
			stop := as.StopAt()
			if as.openEnded() {
				// Unknown length: a clean EOF is the end of the file.
				c.finishOpenEnded(as, current)
				return progressed, nil
			}
			if current >= stop {
				return progressed, nil
			}
			// The server closed early; treat as a dropped connection and
			// resume from the current offset.
			return progressed, errdefs.ErrConnectionFailed
		default:
			if ctx.Err() != nil {
				return progressed, ctx.Err()
			}
			return progressed, fmt.Errorf("%w: %v", errdefs.ErrConnectionFailed, readErr)
		}
	}
}

// finishOpenEnded pins the bounds of an unknown-length segment once EOF
// reveals the real size.
func (c *Coordinator) finishOpenEnded(as *activeSegment, current int64) {
	c.mu.Lock()
	as.seg.End = current - 1
	as.seg.Current = current
	atomic.StoreInt64(&as.stopAt, current)
	c.task.TotalSize = current
	c.mu.Unlock()
	c.tracker.SetTotal(current)
}

// backoffDelay computes the retry delay: base 500ms doubling per attempt,
// jitter +-20%, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	d := types.RetryBaseDelay << (attempt - 1)
	if d > types.RetryMaxDelay {
		d = types.RetryMaxDelay
	}
	jitter := (rand.Float64()*2 - 1) * types.RetryJitter
	return time.Duration(float64(d) * (1 + jitter))
}

