package filter

import (
	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
)

// customResult caches one connection's Update outcome for a CustomPredicate.
type customResult struct {
	resolved bool
	result   bool
}

// CustomPredicate is a user-provided boolean datatype: a declared level at
// which it becomes available, and an Update closure evaluated once a
// connection reaches that level. Design note §9's "Custom filter
// predicates" calls these out as datatypes for scheduling purposes — their
// Level participates in a subscription's CanDeliver/CanSkip bookkeeping the
// same as any parser-produced level, and Update runs exactly once per
// connection, the first time Level fires. The predicate itself is shared
// across every connection on the core (it's registered into the tree once),
// so its cached result is keyed by connection ID rather than held directly
// on the struct.
type CustomPredicate struct {
	Level  conn.Transition
	Update func(c *conn.Connection, p *pdu.PDU) bool

	byConn map[gid.ConnectionID]*customResult
}

// resolve runs Update the first time t matches Level for c, caching the
// result for every later CanDeliver/CanSkip check this connection makes.
func (cp *CustomPredicate) resolve(c *conn.Connection, t conn.StateTransition, p *pdu.PDU) {
	if t.Kind != cp.Level {
		return
	}
	r := cp.resultFor(c.ID)
	if r.resolved {
		return
	}
	r.resolved = true
	r.result = cp.Update(c, p)
}

// resolvedFor reports a previously cached Update result for id without
// allocating an entry for ids that have never resolved.
func (cp *CustomPredicate) resolvedFor(id gid.ConnectionID) (resolved, result bool) {
	r, ok := cp.byConn[id]
	if !ok {
		return false, false
	}
	return r.resolved, r.result
}

func (cp *CustomPredicate) resultFor(id gid.ConnectionID) *customResult {
	if cp.byConn == nil {
		cp.byConn = make(map[gid.ConnectionID]*customResult)
	}
	r, ok := cp.byConn[id]
	if !ok {
		r = &customResult{}
		cp.byConn[id] = r
	}
	return r
}

// forget discards id's cached Update result, called once the connection is
// dropped from the table so a long-running process doesn't accumulate one
// entry per connection it has ever seen.
func (cp *CustomPredicate) forget(id gid.ConnectionID) {
	delete(cp.byConn, id)
}
