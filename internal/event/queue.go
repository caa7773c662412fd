package event

import (
	"sort"
	"sync"
)

// DefaultCapacity bounds the scheduling queue engine-wide.
const DefaultCapacity = 50000

// Queue keeps tagged events sorted by timestamp. Equal timestamps keep
// insertion order. Producers insert from any goroutine; the audio goroutine
// drains once per block. Every method holds the lock only for a bounded
// slice operation.
type Queue struct {
	mu       sync.Mutex
	events   []Tagged
	capacity int
	dropped  uint64
}

// NewQueue creates a queue holding at most capacity events. A non-positive
// capacity selects DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &Queue{
		events:   make([]Tagged, 0, initial),
		capacity: capacity,
	}
}

// Insert adds ev in timestamp order and evicts from the far-future tail when
// the queue grows beyond capacity. It returns the number of evicted events.
func (q *Queue) Insert(ev Tagged) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(ev)
	return q.evictLocked()
}

// InsertAll adds a batch under a single lock acquisition.
func (q *Queue) InsertAll(evs []Tagged) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for _, ev := range evs {
		q.insertLocked(ev)
		dropped += q.evictLocked()
	}
	return dropped
}

func (q *Queue) insertLocked(ev Tagged) {
	// Upper bound keeps equal timestamps in arrival order.
	i := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].TimestampMs > ev.TimestampMs
	})
	q.events = append(q.events, Tagged{})
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = ev
}

func (q *Queue) evictLocked() int {
	n := len(q.events) - q.capacity
	if n <= 0 {
		return 0
	}
	for i := q.capacity; i < len(q.events); i++ {
		q.events[i] = Tagged{}
	}
	q.events = q.events[:q.capacity]
	q.dropped += uint64(n)
	return n
}

// PopDeliverable removes every event positioned before the end of the block
// [windowStart, windowStart+n) and appends it to dst as a Delivery. Immediate
// events and events already behind windowStart are delivered at offset 0;
// in-window events at their offset clamped to the block. Draining stops at
// the first event beyond the window.
func (q *Queue) PopDeliverable(windowStart int64, n int, sampleRate float64, dst []Delivery) []Delivery {
	if n <= 0 || sampleRate <= 0 {
		return dst
	}
	windowEnd := windowStart + int64(n)

	q.mu.Lock()
	defer q.mu.Unlock()

	k := 0
	for ; k < len(q.events); k++ {
		ev := q.events[k]
		if ev.Immediate() {
			dst = append(dst, Delivery{Event: ev})
			continue
		}
		pos := SampleAt(ev.TimestampMs, sampleRate)
		if pos >= windowEnd {
			break
		}
		d := Delivery{Event: ev}
		if pos < windowStart {
			d.Late = true
			d.Lateness = windowStart - pos
		} else {
			d.Offset = ClampOffset(pos-windowStart, n)
		}
		dst = append(dst, d)
	}
	q.removePrefixLocked(k)
	return dst
}

func (q *Queue) removePrefixLocked(k int) {
	if k == 0 {
		return
	}
	rest := copy(q.events, q.events[k:])
	for i := rest; i < len(q.events); i++ {
		q.events[i] = Tagged{}
	}
	q.events = q.events[:rest]
}

// PurgeUnits drops events whose unit is not active and returns how many were
// removed.
func (q *Queue) PurgeUnits(active func(unitID string) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.events[:0]
	for _, ev := range q.events {
		if active(ev.UnitID) {
			kept = append(kept, ev)
		}
	}
	removed := len(q.events) - len(kept)
	for i := len(kept); i < len(q.events); i++ {
		q.events[i] = Tagged{}
	}
	q.events = kept
	return removed
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.events {
		q.events[i] = Tagged{}
	}
	q.events = q.events[:0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Dropped returns the total number of events evicted by the capacity policy.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns a copy of the pending events in delivery order.
func (q *Queue) Snapshot() []Tagged {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Tagged, len(q.events))
	copy(out, q.events)
	return out
}
