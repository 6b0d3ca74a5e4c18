package conn

import (
	"container/heap"
	"time"

	"github.com/mel2oo/conntrack/metrics"
)

// wheelEntry is one scheduled fire in a TimerWheel bucket's min-heap,
// ordered by FireAt the same way postmanlabs-observability-cli's
// TimelineHeap orders entries by timestamp.
type wheelEntry struct {
	conn   *Connection
	fireAt time.Time
	// generation must match conn.wheelGeneration at fire time, or this
	// entry is stale (the connection was re-touched, or already removed)
	// and is discarded without running terminate again.
	generation uint64
}

type entryHeap []*wheelEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*wheelEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TimerWheel is the circular bucket array described in spec.md §4.7: bucket
// duration is the configured resolution, bucket count is
// maxTimeout/resolution (rounded down) plus one, and each bucket is a
// min-heap keyed by fire time so within-bucket order is cheap to maintain.
type TimerWheel struct {
	resolution time.Duration
	buckets    []entryHeap
}

func NewTimerWheel(maxTimeout, resolution time.Duration) *TimerWheel {
	n := int(maxTimeout/resolution) + 1
	buckets := make([]entryHeap, n)
	for i := range buckets {
		heap.Init(&buckets[i])
	}
	return &TimerWheel{resolution: resolution, buckets: buckets}
}

func (w *TimerWheel) bucketIndex(t time.Time) int {
	n := int64(len(w.buckets))
	slot := t.UnixNano() / int64(w.resolution)
	return int(((slot % n) + n) % n)
}

// Insert schedules c's inactivity expiry at lastSeen+window, per spec.md
// §4.7's insert(conn_id, last_seen, window). Each call stamps a fresh
// generation on c so any earlier, now-superseded entry for the same
// connection is ignored when it eventually surfaces.
func (w *TimerWheel) Insert(c *Connection, lastSeen time.Time, window time.Duration) {
	c.wheelGeneration++
	fireAt := lastSeen.Add(window)
	idx := w.bucketIndex(fireAt)
	heap.Push(&w.buckets[idx], &wheelEntry{conn: c, fireAt: fireAt, generation: c.wheelGeneration})
}

// CheckInactive advances through buckets up to bucket(now), visiting every
// bucket once, oldest slot first, popping entries whose fire time is at or
// before now and invoking terminate for each whose generation is still
// current, per spec.md §4.7's check_inactive(now).
func (w *TimerWheel) CheckInactive(now time.Time, onExpire func(*Connection)) {
	n := int64(len(w.buckets))
	end := now.UnixNano() / int64(w.resolution)
	for slot := end - n + 1; slot <= end; slot++ {
		b := &w.buckets[((slot%n)+n)%n]
		for b.Len() > 0 && !(*b)[0].fireAt.After(now) {
			e := heap.Pop(b).(*wheelEntry)
			if e.generation == e.conn.wheelGeneration {
				onExpire(e.conn)
			}
		}
	}
}

// CallbackTimerWheel schedules periodic streaming-callback timers, the
// "separate wheel, same structure" spec.md §4.7 describes.
type CallbackTimerWheel struct {
	resolution time.Duration
	buckets    []callbackHeap
}

type callbackEntry struct {
	connID     ConnectionLookupKey
	callback   func(*Connection, []byte) bool
	scratch    []byte
	period     time.Duration
	fireAt     time.Time
	generation uint64
}

// ConnectionLookupKey is how a CallbackTimerWheel re-finds a connection at
// fire time without holding a direct pointer across a possible removal;
// callers supply a lookup function in Fire.
type ConnectionLookupKey = FiveTuple

type callbackHeap []*callbackEntry

func (h callbackHeap) Len() int            { return len(h) }
func (h callbackHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h callbackHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *callbackHeap) Push(x interface{}) { *h = append(*h, x.(*callbackEntry)) }
func (h *callbackHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func NewCallbackTimerWheel(maxPeriod, resolution time.Duration) *CallbackTimerWheel {
	n := int(maxPeriod/resolution) + 1
	buckets := make([]callbackHeap, n)
	for i := range buckets {
		heap.Init(&buckets[i])
	}
	return &CallbackTimerWheel{resolution: resolution, buckets: buckets}
}

func (w *CallbackTimerWheel) bucketIndex(t time.Time) int {
	n := int64(len(w.buckets))
	slot := t.UnixNano() / int64(w.resolution)
	return int(((slot % n) + n) % n)
}

func (w *CallbackTimerWheel) Schedule(key ConnectionLookupKey, period time.Duration, now time.Time, cb func(*Connection, []byte) bool) {
	e := &callbackEntry{connID: key, callback: cb, period: period, fireAt: now.Add(period)}
	heap.Push(&w.buckets[w.bucketIndex(e.fireAt)], e)
}

// Fire advances through buckets up to bucket(now); for each due entry it
// looks up the connection via lookup, invokes the callback if found, and
// reschedules when the callback returns true, per spec.md §4.7's "On fire,
// look up the connection; if dropped, discard; else invoke callback; if
// callback returned true, reschedule".
func (w *CallbackTimerWheel) Fire(now time.Time, lookup func(ConnectionLookupKey) (*Connection, bool)) {
	target := w.bucketIndex(now)
	for i := 0; i < len(w.buckets); i++ {
		b := &w.buckets[i]
		var due []*callbackEntry
		for b.Len() > 0 && !(*b)[0].fireAt.After(now) {
			due = append(due, heap.Pop(b).(*callbackEntry))
		}
		for _, e := range due {
			c, ok := lookup(e.connID)
			if !ok {
				metrics.IncDrop(metrics.DropTimerMissingConnection)
				continue
			}
			if e.callback(c, e.scratch) {
				e.fireAt = now.Add(e.period)
				heap.Push(&w.buckets[w.bucketIndex(e.fireAt)], e)
			}
		}
		if i == target {
			break
		}
	}
}
