package cmdqueue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// run is the worker loop. Each wake runs the submit phase then the clean
// phase. The worker sleeps on workCond while there is nothing to do; while
// contexts are pending it arms a poll timer so retirement does not depend
// on the caller notifying again.
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for !q.wake && !q.stopping {
			q.armPollLocked()
			q.workCond.Wait()
		}
		q.wake = false
		stopping := q.stopping
		q.mu.Unlock()

		q.submitPhase()
		q.cleanPhase()

		if stopping {
			q.drain()
			return
		}
	}
}

// armPollLocked schedules a wake-up if contexts are waiting on the fence.
// A failed queue is not polled; its pending contexts wait for drain.
func (q *Queue) armPollLocked() {
	if q.pollArmed || q.err != nil || !q.hasStateLocked(slotPending) {
		return
	}
	q.pollArmed = true
	if q.pollTimer == nil {
		q.pollTimer = q.newPollTimer()
		return
	}
	q.pollTimer.Reset(q.cfg.pollInterval)
}

func (q *Queue) newPollTimer() *time.Timer {
	return time.AfterFunc(q.cfg.pollInterval, q.poll)
}

// poll is the poll timer callback.
func (q *Queue) poll() {
	q.mu.Lock()
	q.pollArmed = false
	q.wake = true
	q.mu.Unlock()
	q.workCond.Signal()
}

func (q *Queue) hasStateLocked(s slotState) bool {
	for i := range q.slots {
		if q.slots[i].state == s {
			return true
		}
	}
	return false
}

// drain waits for the device to finish the last accepted batch and retires
// every pending context. Runs once, on the worker, at shutdown.
func (q *Queue) drain() {
	q.mu.Lock()
	ctx := q.stopCtx
	target := q.lastSubmitted
	q.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := q.fence.WaitUntilIdle(ctx, target, q.cfg.idleTimeout); err != nil {
		if errors.Is(err, ErrDeviceLost) {
			q.fail(err)
		}
		q.mu.Lock()
		q.drainErr = err
		q.mu.Unlock()
		return
	}
	q.retire()
}

// takeReadyLocked moves every ready context to submitted and returns their
// slots in Finalize order.
func (q *Queue) takeReadyLocked() []int {
	var ready []int
	for i := range q.slots {
		if q.slots[i].state == slotReady {
			ready = append(ready, i)
		}
	}
	slices.SortFunc(ready, func(a, b int) int {
		return cmp.Compare(q.slots[a].seq, q.slots[b].seq)
	})
	for _, i := range ready {
		q.slots[i].state = slotSubmitted
		q.submittedSeq = max(q.submittedSeq, q.slots[i].seq)
	}
	return ready
}

// submitPhase drains the ready set into one device submission.
func (q *Queue) submitPhase() {
	q.mu.Lock()
	batch := q.takeReadyLocked()
	failed := q.err != nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if failed {
		// The device is gone; nothing will execute. Recycle the contexts.
		q.recycle(batch)
		return
	}

	lists := q.batchLists[:0]
	for _, i := range batch {
		lists = append(lists, q.slots[i].lists...)
	}
	defer func() {
		clear(lists)
		q.batchLists = lists[:0]
	}()

	if len(lists) == 0 {
		q.log.Warn("cmdqueue: finalized contexts have no command lists, nothing submitted",
			"contexts", len(batch))
		q.mu.Lock()
		q.stats.emptyBatches++
		q.mu.Unlock()
		q.recycle(batch)
		return
	}

	value := q.fence.Advance()
	if err := q.device.Submit(lists, q.fence.Fence(), value); err != nil {
		q.fail(fmt.Errorf("%w: submit batch %d: %w", ErrDeviceLost, value, err))
		q.recycle(batch)
		return
	}

	// The device owns execution now; contexts keep only their allocator
	// and keep-alive resources until the fence reaches value.
	for _, i := range batch {
		c := &q.slots[i]
		clear(c.lists)
		c.lists = c.lists[:0]
		c.open = nil
	}

	q.mu.Lock()
	var violation error
	for _, i := range batch {
		c := &q.slots[i]
		if c.state != slotSubmitted {
			violation = fmt.Errorf("%w: %s is %s, want submitted", ErrPartition, contextAt(i), c.state)
			continue
		}
		c.retireValue = value
		c.state = slotPending
	}
	q.lastSubmitted = value
	q.stats.batches++
	q.stats.lists += uint64(len(lists))
	q.stateCond.Broadcast()
	q.mu.Unlock()

	if violation != nil {
		q.fail(violation)
	}

	q.log.Debug("cmdqueue: batch submitted",
		"fence", value,
		"contexts", len(batch),
		"lists", len(lists))
}

// recycle returns submitted-but-unexecuted contexts straight to free.
func (q *Queue) recycle(batch []int) {
	for _, i := range batch {
		if err := q.slots[i].reclaim(); err != nil {
			q.log.Warn("cmdqueue: allocator reset failed", "context", contextAt(i), "err", err)
		}
	}

	q.mu.Lock()
	for _, i := range batch {
		q.slots[i].retireValue = 0
		q.slots[i].state = slotFree
	}
	q.stateCond.Broadcast()
	q.mu.Unlock()
}

// pendingLocked returns pending slots in retirement order.
func (q *Queue) pendingLocked() []int {
	var pending []int
	for i := range q.slots {
		if q.slots[i].state == slotPending {
			pending = append(pending, i)
		}
	}
	slices.SortFunc(pending, func(a, b int) int {
		if c := cmp.Compare(q.slots[a].retireValue, q.slots[b].retireValue); c != 0 {
			return c
		}
		return cmp.Compare(q.slots[a].seq, q.slots[b].seq)
	})
	return pending
}

// cleanPhase runs retire unless the queue has failed. After a failure the
// fence is only read again by drain.
func (q *Queue) cleanPhase() {
	q.mu.Lock()
	failed := q.err != nil
	q.mu.Unlock()
	if failed {
		return
	}
	q.retire()
}

// retire frees pending contexts whose batch has completed, oldest first,
// stopping at the first one the device has not reached. The fence is read
// once per pass.
func (q *Queue) retire() {
	q.mu.Lock()
	pending := q.pendingLocked()
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	completed, err := q.fence.CompletedValue()
	if err != nil {
		q.fail(fmt.Errorf("%w: %w", ErrDeviceLost, err))
		return
	}

	retired := pending[:0]
	for _, i := range pending {
		c := &q.slots[i]
		if completed < c.retireValue {
			break
		}
		if err := c.reclaim(); err != nil {
			q.log.Warn("cmdqueue: allocator reset failed", "context", contextAt(i), "err", err)
		}
		retired = append(retired, i)
	}
	if len(retired) == 0 {
		return
	}

	q.mu.Lock()
	var violation error
	for _, i := range retired {
		c := &q.slots[i]
		if c.state != slotPending {
			violation = fmt.Errorf("%w: %s is %s, want pending", ErrPartition, contextAt(i), c.state)
			continue
		}
		c.retireValue = 0
		c.state = slotFree
		q.stats.retired++
	}
	q.stateCond.Broadcast()
	q.mu.Unlock()

	if violation != nil {
		q.fail(violation)
	}

	q.log.Debug("cmdqueue: contexts retired",
		"completed", completed,
		"contexts", len(retired))
}

// fail records the first unrecoverable failure and runs the fatal handler.
// Later failures are only logged.
func (q *Queue) fail(err error) {
	q.mu.Lock()
	first := q.err == nil
	if first {
		q.err = err
	}
	q.stateCond.Broadcast()
	q.mu.Unlock()

	q.log.Error("cmdqueue: device failure", "err", err)
	if first && q.cfg.onFatal != nil {
		q.cfg.onFatal(err)
	}
}
