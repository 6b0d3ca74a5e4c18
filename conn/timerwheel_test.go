package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerWheelFiresAtOrBeforeNow(t *testing.T) {
	w := NewTimerWheel(10*time.Second, time.Second)
	base := time.Unix(1000, 0)
	c := &Connection{}
	w.Insert(c, base, 3*time.Second)

	var fired []*Connection
	w.CheckInactive(base.Add(2*time.Second), func(conn *Connection) { fired = append(fired, conn) })
	assert.Empty(t, fired)

	w.CheckInactive(base.Add(3*time.Second), func(conn *Connection) { fired = append(fired, conn) })
	assert.Equal(t, []*Connection{c}, fired)
}

func TestTimerWheelStaleEntryDiscardedAfterReinsert(t *testing.T) {
	w := NewTimerWheel(10*time.Second, time.Second)
	base := time.Unix(2000, 0)
	c := &Connection{}

	w.Insert(c, base, time.Second)
	w.Insert(c, base.Add(time.Second), 3*time.Second)

	var fired []*Connection
	w.CheckInactive(base.Add(2*time.Second), func(conn *Connection) { fired = append(fired, conn) })
	assert.Empty(t, fired, "the superseded entry at base+1s must not fire terminate")

	w.CheckInactive(base.Add(4*time.Second), func(conn *Connection) { fired = append(fired, conn) })
	assert.Equal(t, []*Connection{c}, fired)
}

func TestTimerWheelMultipleConnectionsOrderedByFireTime(t *testing.T) {
	w := NewTimerWheel(20*time.Second, time.Second)
	base := time.Unix(3000, 0)
	early := &Connection{}
	late := &Connection{}

	w.Insert(late, base, 5*time.Second)
	w.Insert(early, base, 2*time.Second)

	var fired []*Connection
	w.CheckInactive(base.Add(5*time.Second), func(conn *Connection) { fired = append(fired, conn) })
	assert.Equal(t, []*Connection{early, late}, fired)
}

func TestCallbackTimerWheelReschedulesOnTrue(t *testing.T) {
	w := NewCallbackTimerWheel(10*time.Second, time.Second)
	base := time.Unix(4000, 0)
	c := &Connection{Tuple: FiveTuple{}}
	lookup := func(FiveTuple) (*Connection, bool) { return c, true }

	calls := 0
	w.Schedule(c.Tuple, 2*time.Second, base, func(*Connection, []byte) bool {
		calls++
		return true
	})

	w.Fire(base.Add(2*time.Second), lookup)
	assert.Equal(t, 1, calls)

	w.Fire(base.Add(4*time.Second), lookup)
	assert.Equal(t, 2, calls)
}

func TestCallbackTimerWheelStopsWhenCallbackReturnsFalse(t *testing.T) {
	w := NewCallbackTimerWheel(10*time.Second, time.Second)
	base := time.Unix(5000, 0)
	c := &Connection{Tuple: FiveTuple{}}
	lookup := func(FiveTuple) (*Connection, bool) { return c, true }

	calls := 0
	w.Schedule(c.Tuple, time.Second, base, func(*Connection, []byte) bool {
		calls++
		return false
	})

	w.Fire(base.Add(time.Second), lookup)
	w.Fire(base.Add(5*time.Second), lookup)
	assert.Equal(t, 1, calls)
}

func TestCallbackTimerWheelDropsWhenLookupMisses(t *testing.T) {
	w := NewCallbackTimerWheel(10*time.Second, time.Second)
	base := time.Unix(6000, 0)
	lookup := func(FiveTuple) (*Connection, bool) { return nil, false }

	calls := 0
	w.Schedule(FiveTuple{}, time.Second, base, func(*Connection, []byte) bool {
		calls++
		return true
	})

	w.Fire(base.Add(time.Second), lookup)
	assert.Equal(t, 0, calls)
}
