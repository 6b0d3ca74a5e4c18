package filter

import (
	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/pdu"
)

// Engine evaluates state transitions against a registered set of roots,
// asserting TrackedActions bits into the connection's layers and collecting
// the subscriptions whose callback is due. It does not itself call
// StartStateTx — conn.Connection.Update already calls ResetActions(t) for
// every transition it produces, immediately after producing it, which is
// this engine's counterpart to spec.md §4.6 step 1.
type Engine struct {
	roots []*Node
}

func NewEngine(roots ...*Node) *Engine {
	return &Engine{roots: roots}
}

// Evaluate implements spec.md §4.6 steps 2-4 for one transition: walk every
// root (and its descendants) in DFS order asserting actions and collecting
// deliverable subscriptions, then re-assert PassThrough on L4 if L7 still
// has outstanding work, since a shallower layer with nothing left to do of
// its own must still keep passing packets through for a deeper layer that
// does.
func (e *Engine) Evaluate(c *conn.Connection, t conn.StateTransition, view PacketView, p *pdu.PDU) []Pending {
	var pending []Pending
	for _, root := range e.roots {
		root.walk(c, t, view, p, &pending)
	}

	if !c.L7.Drop() {
		c.L4.Tracked.Assert(conn.PassThrough)
	}

	return pending
}

// Dispatch invokes every pending callback in registration (DFS) order,
// feeding back the per-subscription state each one returns. Per spec.md
// §4.6, a subscription's callback panicking is not caught here — spec.md
// §7 calls a callback panic fatal, so it propagates to the caller.
func (e *Engine) Dispatch(c *conn.Connection, pending []Pending) {
	for _, p := range pending {
		next := p.Sub.Callback(p.T, c, p.Sub.stateFor(c.ID))
		p.Sub.setState(c.ID, next)
	}
}

// Forget discards every subscription's per-connection bookkeeping
// (callback state, explicit-level delivery flag, custom-predicate cache)
// for c, called once c is dropped from the table so a long-running
// process doesn't accumulate one entry per connection it has ever seen.
func (e *Engine) Forget(c *conn.Connection) {
	for _, root := range e.roots {
		root.forget(c.ID)
	}
}

// BuildView constructs the PacketView an Evaluate call matches subscription
// predicates against, from the connection's 5-tuple, its identified L7
// protocol family, and whatever the active L7 parser has exposed as
// Host/Path so far. host and path are supplied by the caller since only the
// protocol parser packages (httpparse, tlsparse) know how to extract them
// from their own session types; app is c.L7.ProtocolFamily(), which BuildView
// needs no parser-specific knowledge to read.
func BuildView(c *conn.Connection, host, path string) PacketView {
	responder := c.Tuple.Low
	if c.Originator.Equal(c.Tuple.Low) {
		responder = c.Tuple.High
	}
	return PacketView{
		SrcAddr: c.Originator.IP,
		DstAddr: responder.IP,
		SrcPort: c.Originator.Port,
		DstPort: responder.Port,
		Proto:   c.Proto.String(),
		Host:    host,
		Path:    path,
		App:     c.L7.ProtocolFamily(),
	}
}
