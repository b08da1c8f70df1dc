package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue schedules command-list submissions for one device queue.
//
// A Queue owns a fixed pool of allocator contexts and one worker goroutine.
// The recording API (Acquire, StartRecording, KeepAlive, Finalize, Discard)
// is meant for a single caller goroutine; NotifyReadyToProcess, Stats,
// AcquireWait and WaitForGPU may be called from any goroutine. Shutdown must
// not run concurrently with recording calls.
//
// Thread safety: slot states, the wake flag and all counters are guarded by
// a single mutex. Context contents are touched only by the party that owns
// the slot in its current state, so no per-context lock is needed.
type Queue struct {
	device Device
	fence  *FenceTracker
	cfg    config
	log    *slog.Logger

	mu sync.Mutex

	// workCond wakes the worker. stateCond wakes AcquireWait and
	// WaitForGPU callers after slots change state.
	workCond  *sync.Cond
	stateCond *sync.Cond

	slots []allocatorContext

	// seq is the last sequence number stamped by Finalize.
	seq uint64
	// submittedSeq is the highest seq the worker has taken off the ready set.
	submittedSeq uint64
	// lastSubmitted is the fence value of the last batch the device accepted.
	lastSubmitted uint64

	wake     bool
	stopping bool
	stopCtx  context.Context

	pollArmed bool
	pollTimer *time.Timer

	// err is the first unrecoverable device failure.
	err error
	// drainErr records why the worker could not wait for device idle at stop.
	drainErr error

	stats counters

	// batchLists is reused by the worker across submissions.
	batchLists []CommandList

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// counters are cumulative statistics guarded by Queue.mu.
type counters struct {
	batches      uint64
	lists        uint64
	emptyBatches uint64
	retired      uint64
	exhausted    uint64
}

// New creates a Queue on device, allocating the context pool and fence and
// starting the worker goroutine.
//
// Any resource-creation failure aborts construction: objects created so far
// are destroyed and the error is returned.
func New(device Device, opts ...Option) (*Queue, error) {
	if device == nil {
		return nil, ErrNilDevice
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.poolSize < 1 || cfg.poolSize > MaxPoolSize {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidPoolSize, cfg.poolSize, MaxPoolSize)
	}
	log := cfg.logger
	if log == nil {
		log = Logger()
	}

	q := &Queue{
		device: device,
		cfg:    cfg,
		log:    log,
		slots:  make([]allocatorContext, cfg.poolSize),
	}
	q.workCond = sync.NewCond(&q.mu)
	q.stateCond = sync.NewCond(&q.mu)

	for i := range q.slots {
		alloc, err := device.CreateAllocator(cfg.listType)
		if err != nil {
			q.destroyAllocators()
			return nil, fmt.Errorf("cmdqueue: create allocator %d: %w", i, err)
		}
		q.slots[i].allocator = alloc
	}

	fence, err := device.CreateFence()
	if err != nil {
		q.destroyAllocators()
		return nil, fmt.Errorf("cmdqueue: create fence: %w", err)
	}
	q.fence = NewFenceTracker(fence)

	q.wg.Add(1)
	go q.run()

	q.log.Info("cmdqueue: queue started",
		"contexts", cfg.poolSize,
		"type", cfg.listType.String())
	return q, nil
}

// Capacity returns the number of allocator contexts in the pool.
func (q *Queue) Capacity() int { return len(q.slots) }

// Fence returns the queue's fence tracker.
func (q *Queue) Fence() *FenceTracker { return q.fence }

// Err returns the device failure that stopped the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Acquire checks out a free context for recording.
//
// It never blocks. When every context is recording or in flight it logs a
// warning and returns NoContext; callers treat that as backpressure and skip
// or retry the work later. A closed or failed queue also returns NoContext.
func (q *Queue) Acquire() ContextIndex {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping || q.err != nil {
		q.log.Error("cmdqueue: acquire on stopped queue", "err", q.unavailableLocked())
		return NoContext
	}
	if idx, ok := q.takeFreeLocked(); ok {
		return idx
	}
	q.stats.exhausted++
	q.log.Warn("cmdqueue: no free allocator context", "capacity", len(q.slots))
	return NoContext
}

// AcquireWait is Acquire with a bounded wait: it blocks until a context is
// free, ctx is done, or the queue stops.
func (q *Queue) AcquireWait(ctx context.Context) (ContextIndex, error) {
	stop := context.AfterFunc(ctx, q.broadcastState)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopping || q.err != nil {
			return NoContext, q.unavailableLocked()
		}
		if idx, ok := q.takeFreeLocked(); ok {
			return idx, nil
		}
		if err := ctx.Err(); err != nil {
			return NoContext, err
		}
		q.stateCond.Wait()
	}
}

// takeFreeLocked moves the lowest free slot to recording.
func (q *Queue) takeFreeLocked() (ContextIndex, bool) {
	for i := range q.slots {
		if q.slots[i].state == slotFree {
			q.slots[i].state = slotRecording
			return contextAt(i), true
		}
	}
	return NoContext, false
}

// unavailableLocked returns the reason the queue refuses new work.
func (q *Queue) unavailableLocked() error {
	if q.err != nil {
		return q.err
	}
	return ErrQueueClosed
}

// owned returns the context for idx if the caller has it checked out.
// Invalid indices and contexts in another state are logged and yield nil.
func (q *Queue) owned(idx ContextIndex, op string) *allocatorContext {
	if !idx.Valid() || idx.Index() >= len(q.slots) {
		q.log.Error("cmdqueue: invalid context index", "op", op, "context", idx)
		return nil
	}

	q.mu.Lock()
	state := q.slots[idx.Index()].state
	q.mu.Unlock()

	if state != slotRecording {
		q.log.Error("cmdqueue: context not checked out",
			"op", op, "context", idx, "state", state.String())
		return nil
	}
	return &q.slots[idx.Index()]
}

// StartRecording opens a new command list of type t on the context.
//
// A list still open on the context is closed first, so at most one list per
// context records at a time. Returns nil if idx is not checked out or the
// device cannot create the list; both are logged.
func (q *Queue) StartRecording(idx ContextIndex, t ListType) CommandList {
	c := q.owned(idx, "StartRecording")
	if c == nil {
		return nil
	}

	q.closeOpenList(c, idx)

	list, err := c.allocator.NewCommandList(t)
	if err != nil {
		q.log.Error("cmdqueue: create command list failed",
			"context", idx, "type", t.String(), "err", err)
		return nil
	}
	c.lists = append(c.lists, list)
	c.open = list
	return list
}

// closeOpenList closes the context's open list. A list that fails to close
// cannot be submitted and is dropped from the context.
func (q *Queue) closeOpenList(c *allocatorContext, idx ContextIndex) {
	open := c.open
	if err := c.closeOpen(); err != nil {
		q.log.Error("cmdqueue: close command list failed, list dropped",
			"context", idx, "err", err)
		for i, l := range c.lists {
			if l == open {
				c.lists = append(c.lists[:i], c.lists[i+1:]...)
				break
			}
		}
	}
}

// KeepAlive attaches resources to a checked-out context. They are released
// when the context retires, after the device has finished executing the
// batch it was submitted in.
func (q *Queue) KeepAlive(idx ContextIndex, res ...Resource) {
	c := q.owned(idx, "KeepAlive")
	if c == nil {
		return
	}
	for _, r := range res {
		if r != nil {
			c.keepAlive = append(c.keepAlive, r)
		}
	}
}

// Finalize closes the context's open list and hands the context to the
// worker for submission. The caller gives up the index.
//
// Finalizing a context with no recorded lists is a caller error: the worker
// logs it and returns the context to the pool without submitting.
func (q *Queue) Finalize(idx ContextIndex) {
	c := q.owned(idx, "Finalize")
	if c == nil {
		return
	}

	q.closeOpenList(c, idx)

	q.mu.Lock()
	q.seq++
	c.seq = q.seq
	c.state = slotReady
	q.mu.Unlock()
}

// Discard returns a checked-out context to the pool without submitting it.
// Recorded lists are dropped and keep-alive resources released.
func (q *Queue) Discard(idx ContextIndex) {
	c := q.owned(idx, "Discard")
	if c == nil {
		return
	}

	_ = c.closeOpen()
	if err := c.reclaim(); err != nil {
		q.log.Warn("cmdqueue: allocator reset failed", "context", idx, "err", err)
	}

	q.mu.Lock()
	c.state = slotFree
	q.mu.Unlock()
	q.stateCond.Broadcast()
}

// NotifyReadyToProcess wakes the worker to submit finalized contexts and
// retire completed ones. Wakes coalesce: several notifications before the
// worker runs produce one pass.
func (q *Queue) NotifyReadyToProcess() {
	q.mu.Lock()
	q.wake = true
	q.mu.Unlock()
	q.workCond.Signal()
}

// broadcastState wakes every goroutine waiting on slot state changes.
func (q *Queue) broadcastState() {
	q.mu.Lock()
	q.stateCond.Broadcast()
	q.mu.Unlock()
}

// WaitForGPU submits everything finalized so far and blocks until the device
// has executed it and the worker has returned the contexts to the pool.
// It is meant for resize and teardown, not the per-frame path.
func (q *Queue) WaitForGPU(ctx context.Context) error {
	stop := context.AfterFunc(ctx, q.broadcastState)
	defer stop()

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	target := q.seq
	q.wake = true
	q.workCond.Signal()

	for q.submittedSeq < target && q.err == nil && !q.stopping && ctx.Err() == nil {
		q.stateCond.Wait()
	}
	if err := q.waitAbortLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	value := q.lastSubmitted
	q.mu.Unlock()

	if err := q.fence.WaitUntilIdle(ctx, value, q.cfg.idleTimeout); err != nil {
		if errors.Is(err, ErrDeviceLost) {
			q.fail(err)
		}
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.wake = true
	q.workCond.Signal()
	for q.retiringLocked(value) && q.err == nil && !q.stopping && ctx.Err() == nil {
		q.stateCond.Wait()
	}
	return q.waitAbortLocked(ctx)
}

// waitAbortLocked returns why a wait loop stopped early, or nil.
func (q *Queue) waitAbortLocked(ctx context.Context) error {
	if q.err != nil {
		return q.err
	}
	if q.stopping {
		return ErrQueueClosed
	}
	return ctx.Err()
}

// retiringLocked reports whether a pending context is waiting on a fence
// value no greater than value.
func (q *Queue) retiringLocked(value uint64) bool {
	for i := range q.slots {
		if q.slots[i].state == slotPending && q.slots[i].retireValue <= value {
			return true
		}
	}
	return false
}

// Stats is a snapshot of the queue state.
type Stats struct {
	// Capacity is the pool size. Free+Recording+Ready+Submitted+Pending
	// always equals Capacity.
	Capacity int

	Free      int
	Recording int
	Ready     int
	Submitted int
	Pending   int

	// Signaled is the last fence value handed out for a batch.
	Signaled uint64
	// Completed is the last fence value the worker observed as complete.
	Completed uint64

	Batches      uint64
	Lists        uint64
	EmptyBatches uint64
	Retired      uint64
	Exhausted    uint64
}

// String returns a compact human-readable form of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("Queue[%d free, %d recording, %d ready, %d submitted, %d pending; fence %d/%d; %d batches]",
		s.Free, s.Recording, s.Ready, s.Submitted, s.Pending,
		s.Completed, s.Signaled, s.Batches)
}

// Stats returns a consistent snapshot of slot states and counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Capacity:     len(q.slots),
		Signaled:     q.fence.Signaled(),
		Completed:    q.fence.completed.Load(),
		Batches:      q.stats.batches,
		Lists:        q.stats.lists,
		EmptyBatches: q.stats.emptyBatches,
		Retired:      q.stats.retired,
		Exhausted:    q.stats.exhausted,
	}
	for i := range q.slots {
		switch q.slots[i].state {
		case slotFree:
			s.Free++
		case slotRecording:
			s.Recording++
		case slotReady:
			s.Ready++
		case slotSubmitted:
			s.Submitted++
		case slotPending:
			s.Pending++
		}
	}
	return s
}

// Shutdown stops the queue: the worker submits whatever is finalized, waits
// for the device to go idle, retires every context and exits. Contexts still
// checked out are discarded. Then the fence and allocators are destroyed.
//
// If the device does not go idle within the idle timeout (or ctx ends
// first), device objects are left alive rather than destroyed while the
// device may still use them, and the wait error is returned.
//
// Shutdown is idempotent; later calls return the first call's result.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.closeErr = q.shutdown(ctx)
	})
	return q.closeErr
}

func (q *Queue) shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.stopping = true
	q.stopCtx = ctx
	q.workCond.Signal()
	q.stateCond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	if q.pollTimer != nil {
		q.pollTimer.Stop()
	}
	drainErr := q.drainErr
	q.mu.Unlock()

	// Contexts still checked out were never submitted; reclaiming is safe.
	for i := range q.slots {
		c := &q.slots[i]
		q.mu.Lock()
		recording := c.state == slotRecording
		q.mu.Unlock()
		if !recording {
			continue
		}
		_ = c.closeOpen()
		if err := c.reclaim(); err != nil {
			q.log.Warn("cmdqueue: allocator reset failed", "context", contextAt(i), "err", err)
		}
		q.mu.Lock()
		c.state = slotFree
		q.mu.Unlock()
	}

	if drainErr != nil {
		q.log.Error("cmdqueue: device did not go idle, leaking device objects", "err", drainErr)
		return drainErr
	}

	// Release in dependency order: fence, then allocators and their lists.
	q.fence.Fence().Destroy()
	q.destroyAllocators()

	q.log.Info("cmdqueue: queue shut down",
		"batches", q.stats.batches,
		"fence", q.fence.Signaled())
	return nil
}

// destroyAllocators destroys every allocator created so far.
func (q *Queue) destroyAllocators() {
	for i := range q.slots {
		if a := q.slots[i].allocator; a != nil {
			a.Destroy()
			q.slots[i].allocator = nil
		}
	}
}
