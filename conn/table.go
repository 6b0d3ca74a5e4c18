package conn

import (
	"time"

	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/proto"
)

// Table is the LRU-ordered 5-tuple → Connection map spec.md §4.7 describes:
// an intrusive doubly-linked list (through Connection.listNext/listPrev)
// plus a map for O(1) lookup and touch, the idiomatic Go shape for an LRU
// (container/list wraps the same pattern, but an intrusive list avoids a
// second allocation per entry on the packet path). The teacher has no LRU
// of its own to generalize from here — gopacket/reassembly's internal
// stream pool is opaque — so this is built directly from spec.md §4.7's
// algorithm.
//
// Table enforces spec.md §4.7's explicit no-eviction admission policy: at
// capacity, a vacant key is refused rather than evicting an existing entry.
type Table struct {
	capacity int
	byTuple  map[FiveTuple]*Connection
	head     *Connection // most recently touched
	tail     *Connection // least recently touched

	// pool backs every connection's out-of-order queue, if set, bounding
	// MaxBufferedPagesTotal across the whole table rather than per
	// connection. Nil leaves reassembly buffering unpooled.
	pool mempool.BufferPool
}

func NewTable(capacity int) *Table {
	return &Table{
		capacity: capacity,
		byTuple:  make(map[FiveTuple]*Connection),
	}
}

// NewTableWithPool is NewTable, but every admitted connection's reassembly
// queue draws its out-of-order storage from pool, spending down a shared
// MaxBufferedPagesTotal budget across the whole table instead of pinning
// every buffered segment's original frame in memory.
func NewTableWithPool(capacity int, pool mempool.BufferPool) *Table {
	return &Table{
		capacity: capacity,
		byTuple:  make(map[FiveTuple]*Connection),
		pool:     pool,
	}
}

func (t *Table) Len() int { return len(t.byTuple) }

// Get returns the existing connection for ctx's 5-tuple, if any.
func (t *Table) Get(ctx packet.L4Context) (*Connection, bool) {
	c, ok := t.byTuple[CanonicalFiveTuple(ctx)]
	return c, ok
}

// GetOrCreate returns the existing connection for ctx's 5-tuple, or admits a
// new one. admitted is false only when the table is at capacity and the key
// is vacant, per spec.md §4.7's "incoming packet is dropped with a warning".
func (t *Table) GetOrCreate(ctx packet.L4Context, registry *proto.Registry, maxOutOfOrder int, inactivityWindow time.Duration, now time.Time) (c *Connection, created, admitted bool) {
	tuple := CanonicalFiveTuple(ctx)
	if existing, ok := t.byTuple[tuple]; ok {
		t.touch(existing)
		return existing, false, true
	}

	if t.capacity > 0 && len(t.byTuple) >= t.capacity {
		Logger.Printf("admission refused: table at capacity %d, dropping %v", t.capacity, tuple)
		return nil, false, false
	}

	if t.pool != nil {
		c = NewWithPool(ctx, registry, maxOutOfOrder, inactivityWindow, now, t.pool)
	} else {
		c = New(ctx, registry, maxOutOfOrder, inactivityWindow, now)
	}
	t.byTuple[tuple] = c
	t.pushFront(c)
	return c, true, true
}

// Touch moves c to the front of the LRU list, marking it most recently
// observed.
func (t *Table) Touch(c *Connection) { t.touch(c) }

func (t *Table) touch(c *Connection) {
	if t.head == c {
		return
	}
	t.unlink(c)
	t.pushFront(c)
}

// Remove deletes c from the table and its LRU list, and invalidates any
// timer-wheel entry still scheduled for it.
func (t *Table) Remove(c *Connection) {
	if _, ok := t.byTuple[c.Tuple]; !ok {
		return
	}
	delete(t.byTuple, c.Tuple)
	t.unlink(c)
	c.wheelGeneration++
}

func (t *Table) pushFront(c *Connection) {
	c.listPrev = nil
	c.listNext = t.head
	if t.head != nil {
		t.head.listPrev = c
	}
	t.head = c
	if t.tail == nil {
		t.tail = c
	}
}

func (t *Table) unlink(c *Connection) {
	if c.listPrev != nil {
		c.listPrev.listNext = c.listNext
	} else if t.head == c {
		t.head = c.listNext
	}
	if c.listNext != nil {
		c.listNext.listPrev = c.listPrev
	} else if t.tail == c {
		t.tail = c.listPrev
	}
	c.listNext, c.listPrev = nil, nil
}

// All iterates every connection from most to least recently touched,
// stopping early if fn returns false, e.g. for drain-on-shutdown (spec.md
// §4.8 step 9) by a caller holding the table.
func (t *Table) All(fn func(*Connection) bool) {
	for c := t.head; c != nil; {
		next := c.listNext
		if !fn(c) {
			return
		}
		c = next
	}
}
