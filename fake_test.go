package cmdqueue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeDevice is an in-memory Device whose fence only advances when the test
// says so (or on submit when autoComplete is set).
type fakeDevice struct {
	mu sync.Mutex

	allocators []*fakeAllocator
	fence      *fakeFence
	batches    [][]*fakeList

	// resetOrder records allocator ids in the order their resets happened
	// after a submission.
	resetOrder []int
	// violations records allocators reset before their batch completed.
	violations []string

	autoComplete bool
	submitErr    error
	allocFailAt  int // fail CreateAllocator call n (1-based); 0 = never
	fenceErr     error
	listErr      error
	closeErr     error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) CreateAllocator(ListType) (Allocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocFailAt > 0 && len(d.allocators)+1 == d.allocFailAt {
		return nil, errors.New("fake: out of memory")
	}
	a := &fakeAllocator{dev: d, id: len(d.allocators)}
	d.allocators = append(d.allocators, a)
	return a, nil
}

func (d *fakeDevice) CreateFence() (Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fenceErr != nil {
		return nil, d.fenceErr
	}
	d.fence = &fakeFence{}
	return d.fence, nil
}

func (d *fakeDevice) Submit(lists []CommandList, fence Fence, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	batch := make([]*fakeList, 0, len(lists))
	for _, l := range lists {
		fl := l.(*fakeList)
		if !fl.closed {
			return fmt.Errorf("fake: list %d of allocator %d submitted open", fl.n, fl.alloc.id)
		}
		fl.alloc.inflight = value
		batch = append(batch, fl)
	}
	d.batches = append(d.batches, batch)
	f := fence.(*fakeFence)
	f.signal(value)
	if d.autoComplete {
		f.complete(value)
	}
	return nil
}

// batchCount returns the number of accepted submissions.
func (d *fakeDevice) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// batch returns the lists of submission n (0-based).
func (d *fakeDevice) batch(n int) []*fakeList {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeList(nil), d.batches[n]...)
}

func (d *fakeDevice) resets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.resetOrder...)
}

func (d *fakeDevice) checkNoPrematureReset(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.violations {
		t.Error(v)
	}
}

type fakeAllocator struct {
	dev *fakeDevice
	id  int

	lists     int
	inflight  uint64
	resets    int
	destroyed bool
}

func (a *fakeAllocator) NewCommandList(t ListType) (CommandList, error) {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.dev.listErr != nil {
		return nil, a.dev.listErr
	}
	a.lists++
	return &fakeList{alloc: a, n: a.lists, typ: t}, nil
}

func (a *fakeAllocator) Reset() error {
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.inflight != 0 {
		if done := d.fence.completedValue(); done < a.inflight {
			d.violations = append(d.violations,
				fmt.Sprintf("allocator %d reset at completed=%d before fence %d", a.id, done, a.inflight))
		}
		d.resetOrder = append(d.resetOrder, a.id)
	}
	a.inflight = 0
	a.resets++
	return nil
}

func (a *fakeAllocator) Destroy() {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	a.destroyed = true
}

type fakeList struct {
	alloc  *fakeAllocator
	n      int
	typ    ListType
	closed bool
	closes int
}

func (l *fakeList) Close() error {
	l.alloc.dev.mu.Lock()
	defer l.alloc.dev.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.alloc.dev.closeErr; err != nil {
		return err
	}
	l.closed = true
	l.closes++
	return nil
}

type fakeFence struct {
	mu        sync.Mutex
	signaled  uint64
	completed uint64
	readErr   error
	waitErr   error
	destroyed bool
}

func (f *fakeFence) signal(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled = v
}

// complete moves the device-side value forward to v.
func (f *fakeFence) complete(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v > f.completed {
		f.completed = v
	}
}

// completeAll completes everything signaled so far.
func (f *fakeFence) completeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = f.signaled
}

func (f *fakeFence) completedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeFence) CompletedValue() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.completed, nil
}

func (f *fakeFence) Wait(value uint64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		done, err := f.completed >= value, f.waitErr
		f.mu.Unlock()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func (f *fakeFence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

// newTestQueue creates a queue on a fresh fake device and shuts it down at
// test end.
func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	q, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		dev.fence.completeAll()
		_ = q.Shutdown(t.Context())
	})
	return q, dev
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// checkPartition verifies the state counts add up to the pool size.
func checkPartition(t *testing.T, s Stats) {
	t.Helper()
	sum := s.Free + s.Recording + s.Ready + s.Submitted + s.Pending
	if sum != s.Capacity {
		t.Errorf("partition broken: %v sums to %d, capacity %d", s, sum, s.Capacity)
	}
}

// record acquires a context, records n lists, finalizes it and wakes the
// worker. Returns the index used.
func record(t *testing.T, q *Queue, n int) ContextIndex {
	t.Helper()
	idx := q.Acquire()
	if !idx.Valid() {
		t.Fatalf("Acquire returned NoContext, stats %v", q.Stats())
	}
	for range n {
		if l := q.StartRecording(idx, ListDirect); l == nil {
			t.Fatalf("StartRecording(%v) returned nil", idx)
		}
	}
	q.Finalize(idx)
	q.NotifyReadyToProcess()
	return idx
}
