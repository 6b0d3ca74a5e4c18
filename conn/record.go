package conn

import (
	"time"

	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

// Connection is the per-5-tuple record spec.md §3 describes: last-seen
// timestamp, inactivity window, the two layers (L4 transport, L7
// application), and enough identity to report a 5-tuple and direction for
// any subsequent packet.
type Connection struct {
	ID         gid.ConnectionID
	Tuple      FiveTuple
	Originator packet.SocketAddr
	Proto      packet.Proto

	LastSeen         time.Time
	InactivityWindow time.Duration

	L4 *L4Layer
	L7 *L7Layer

	// listNext/listPrev thread this connection into Table's intrusive LRU
	// list; touch() moves it to the front in O(1).
	listNext, listPrev *Connection

	// wheelGeneration is bumped on every TimerWheel.Insert for this
	// connection and on Table.Remove, so a stale bucket entry left over from
	// an earlier schedule (superseded by a later touch, or outliving the
	// connection's removal) is recognized and discarded without running
	// terminate twice.
	wheelGeneration uint64
}

// New creates a connection record for the first packet of a new 5-tuple.
// The packet's source is recorded as the originator, per spec.md §3.
func New(ctx packet.L4Context, registry *proto.Registry, maxOutOfOrder int, inactivityWindow time.Duration, now time.Time) *Connection {
	return &Connection{
		ID:               gid.GenerateConnectionID(),
		Tuple:            CanonicalFiveTuple(ctx),
		Originator:       ctx.Src,
		Proto:            ctx.Proto,
		LastSeen:         now,
		InactivityWindow: inactivityWindow,
		L4:               NewL4Layer(ctx.Proto, maxOutOfOrder),
		L7:               NewL7Layer(registry),
	}
}

// NewWithPool is New, but the connection's out-of-order queue draws its
// backing storage from pool (shared by the table and sized by
// MaxBufferedPagesTotal), rather than pinning every buffered segment's
// original frame in memory.
func NewWithPool(ctx packet.L4Context, registry *proto.Registry, maxOutOfOrder int, inactivityWindow time.Duration, now time.Time, pool mempool.BufferPool) *Connection {
	return &Connection{
		ID:               gid.GenerateConnectionID(),
		Tuple:            CanonicalFiveTuple(ctx),
		Originator:       ctx.Src,
		Proto:            ctx.Proto,
		LastSeen:         now,
		InactivityWindow: inactivityWindow,
		L4:               NewL4LayerWithPool(ctx.Proto, maxOutOfOrder, pool),
		L7:               NewL7Layer(registry),
	}
}

func (c *Connection) Direction(ctx packet.L4Context) pdu.Direction {
	return DirectionOf(c.Originator, ctx)
}

// Update feeds one PDU through the connection's layers, returning every
// state transition produced, in emission order (spec.md §4.8 step 5's
// "feed into reassembler which in turn drives the layer state machine").
// L7 reprocessing for transitions where NeedsProcess is true is handled
// here so callers get a single ordered transition list per PDU.
func (c *Connection) Update(now time.Time, ctx packet.L4Context, p *pdu.PDU) []StateTransition {
	c.LastSeen = now

	dir := c.Direction(ctx)
	l4Transitions, deliverable := c.L4.ProcessStream(dir, ctx, p)

	var all []StateTransition
	for _, t := range l4Transitions {
		c.L4.ResetActions(t.Kind)
		all = append(all, t)
	}

	for _, dp := range deliverable {
		all = append(all, c.processL7(dp)...)
	}

	return all
}

func (c *Connection) processL7(p *pdu.PDU) []StateTransition {
	transitions := c.L7.ProcessStream(p)
	var all []StateTransition
	for _, t := range transitions {
		c.L7.ResetActions(t.Kind)
		all = append(all, t)
		if NeedsProcess(t.Kind) {
			all = append(all, c.processL7(p)...)
		}
	}
	return all
}

// DropEligible reports whether every layer has no further work, per
// spec.md §3's invariant that a connection whose every layer reports drop
// is removed from the table within the same dispatcher step.
func (c *Connection) DropEligible() bool {
	return c.L4.Drop() && c.L7.Drop()
}

// Terminate runs the connection's terminate path: draining any in-flight L7
// sessions. Called on natural termination (FIN/RST), inactivity expiry, or
// program drain.
func (c *Connection) Terminate() []proto.Session {
	return c.L7.Terminate()
}
