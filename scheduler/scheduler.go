// Package scheduler implements the priority scheduler (spec §4.6,
// component C6): a single-threaded loop executing time-ordered tasks with
// (deadline, priority) ordering, driving background refresh for the check,
// quota, and report aggregators.
//
// The heap itself is built on the standard library's container/heap — no
// pack example ships a generic priority-queue library, and a min-heap
// ordered by (deadline, priority) is exactly the documented use of that
// package, so reaching for anything else would be reinventing stdlib.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/servicecontrol-agg-go/clock"
)

// Action is the work a scheduled event performs. It receives the
// scheduler so self-rescheduling recurring events (flush-checks,
// flush-reports) can re-enter themselves at now+period.
type Action func(s *Scheduler)

// Event is spec's ScheduledEvent: ordering is earlier deadline first, then
// lower priority number first on a tie (flush-checks outranks
// flush-reports).
type Event struct {
	Action       Action
	DeadlineNanos int64
	Priority     int
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].DeadlineNanos != h[j].DeadlineNanos {
		return h[i].DeadlineNanos < h[j].DeadlineNanos
	}
	return h[i].Priority < h[j].Priority
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the min-heap of scheduled events plus the single
// background goroutine that runs due actions (spec §4.6, §5: "the
// scheduler's heap is guarded by its own lock; actions run outside the
// heap lock").
type Scheduler struct {
	clock clock.Clock

	mu sync.Mutex
	h  eventHeap

	stopped bool
}

// New creates an empty Scheduler.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.NewReal()
	}
	return &Scheduler{clock: c}
}

// Enter adds an event at the given deadline and priority.
func (s *Scheduler) Enter(deadline time.Time, priority int, action Action) {
	s.mu.Lock()
	heap.Push(&s.h, &Event{Action: action, DeadlineNanos: deadline.UnixNano(), Priority: priority})
	s.mu.Unlock()
}

// peek returns the top event without removing it, or nil if empty.
func (s *Scheduler) peek() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return nil
	}
	return s.h[0]
}

func (s *Scheduler) pop() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return nil
	}
	return heap.Pop(&s.h).(*Event)
}

// Len reports how many events are currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

// Run drives the loop:
//
//	while heap not empty:
//	    peek top
//	    gap = top.deadline - now
//	    if gap > 0:
//	        if blocking: sleep(gap); continue
//	        else: return
//	    pop top
//	    run top.action
//
// block=true is the dedicated background-thread mode (spec §4.6); it
// blocks until the heap drains. block=false is the direct-dispatch
// fallback (spec §4.6, §4.7): it runs every already-due action and
// returns immediately once the next event is still in the future,
// without ever sleeping — callers invoke this cooperatively at the tail
// of Report when no background thread is available.
func (s *Scheduler) Run(block bool) {
	for {
		top := s.peek()
		if top == nil {
			return
		}
		now := s.clock.Now().UnixNano()
		gap := top.DeadlineNanos - now
		if gap > 0 {
			if block {
				s.clock.Sleep(time.Duration(gap))
				continue
			}
			return
		}
		e := s.pop()
		if e == nil {
			continue
		}
		e.Action(s)
	}
}

// IsStopped reports whether Stop has been called. Recurring actions check
// this before rescheduling themselves (spec §4.6's cancellation contract).
func (s *Scheduler) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop marks the scheduler stopped. Recurring actions observe this on
// their next run and exit without rescheduling; the loop then observes an
// empty queue and returns on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
