package coordinator

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// maybeSplit applies the in-half rule: when a worker slot frees up while
// the task is still running, the live segment with the most remaining
// bytes donates its upper half to a new segment and worker. The donor
// observes its shortened boundary on its next loop iteration.
func (c *Coordinator) maybeSplit(ctx context.Context) {
	minSplit := c.opts.Runtime.GetMinSplitSize()

	c.mu.Lock()

	if ctx.Err() != nil || len(c.active) >= c.maxConns {
		c.mu.Unlock()
		return
	}

	// Find the live segment with the largest known remainder
	var donor *activeSegment
	var maxRemaining int64
	for _, as := range c.active {
		remaining := as.remaining()
		if remaining >= minSplit && remaining > maxRemaining {
			maxRemaining = remaining
			donor = as
		}
	}
	if donor == nil {
		c.mu.Unlock()
		return
	}

	current := donor.Current()
	originalStop := donor.StopAt()
	remaining := originalStop - current
	if remaining < minSplit {
		c.mu.Unlock()
		return
	}

	// Split point rounds up, so with an odd remainder the donor keeps the larger half
	splitPoint := current + (remaining+1)/2
	atomic.StoreInt64(&donor.stopAt, splitPoint)

	// The donor may have streamed past the point between the load and the
	// store; those bytes are already on disk, so the new worker starts
	// after them.
	newCurrent := splitPoint
	if advanced := donor.Current(); advanced > newCurrent {
		newCurrent = advanced
	}
	if newCurrent >= originalStop {
		// Nothing left to hand over; undo the shrink
		atomic.StoreInt64(&donor.stopAt, originalStop)
		c.mu.Unlock()
		return
	}

	donor.seg.End = splitPoint - 1

	seg := &types.Segment{
		ID:      uuid.New().String(),
		TaskID:  c.task.ID,
		Start:   splitPoint,
		End:     originalStop - 1,
		Current: newCurrent,
	}
	c.segments[seg.ID] = seg

	donor.snapshotLocked()
	donorCopy := *donor.seg
	segCopy := *seg

	c.spawnLocked(ctx, seg)
	live := len(c.active)
	c.mu.Unlock()

	c.tracker.SetConnections(live)

	// Both rows land in one transaction so the union invariant holds
	// across the persistence boundary.
	if err := c.opts.Store.UpsertSegments([]*types.Segment{&donorCopy, &segCopy}); err != nil {
		utils.Debug("Coordinator %s: split persist failed: %v", c.task.ID, err)
		c.degraded.Store(true)
	}

	utils.Debug("Coordinator %s: split segment %s at %d (new segment %s, %d-%d)",
		c.task.ID, donorCopy.ID, splitPoint, seg.ID, seg.Start, seg.End)
}
