package filter

import (
	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
)

// CallbackFunc is a subscription's delivery target. It receives the
// transition that triggered delivery and the connection, and returns
// whatever per-callback state should replace what it was given last time
// (nil if the subscription carries no mutable state). Streaming callbacks
// (registered against an in-progress level like L7InPayload) return through
// the same signature on every delivery.
type CallbackFunc func(t conn.StateTransition, c *conn.Connection, state interface{}) interface{}

// Subscription is one registered interest: a set of datatype-update levels
// it needs satisfied before its callback may run, an optional explicit
// level that pins exactly when it fires (rather than "as soon as every
// required level is available"), a predicate gating which connections it
// applies to at all, and the callback itself.
type Subscription struct {
	ID int

	RequiredLevels []conn.Transition
	ExplicitLevel  *conn.Transition
	Predicate      *Expr

	// Custom holds this subscription's custom-predicate datatypes, if any.
	// Each one's Level is scheduled exactly like a RequiredLevel, and its
	// cached Update result additionally gates delivery once resolved.
	Custom []*CustomPredicate

	MustDeliver bool
	Callback    CallbackFunc

	// state and delivered hold per-connection bookkeeping: this
	// Subscription is one registered interest shared by the engine across
	// every connection on the core, so a connection's callback state and
	// its explicit-level one-shot delivery flag must be keyed by
	// connection ID rather than held directly on the struct — otherwise
	// one connection's delivery or state would leak into another's.
	state     map[gid.ConnectionID]interface{}
	delivered map[gid.ConnectionID]bool
}

// stateFor returns the callback state last returned for id, or nil if the
// callback has never run for this connection.
func (s *Subscription) stateFor(id gid.ConnectionID) interface{} {
	return s.state[id]
}

// setState records the callback state returned for id.
func (s *Subscription) setState(id gid.ConnectionID, v interface{}) {
	if s.state == nil {
		s.state = make(map[gid.ConnectionID]interface{})
	}
	s.state[id] = v
}

// isDelivered reports whether an ExplicitLevel subscription has already
// fired once for id.
func (s *Subscription) isDelivered(id gid.ConnectionID) bool {
	return s.delivered[id]
}

// markDelivered records that an ExplicitLevel subscription has fired for id.
func (s *Subscription) markDelivered(id gid.ConnectionID) {
	if s.delivered == nil {
		s.delivered = make(map[gid.ConnectionID]bool)
	}
	s.delivered[id] = true
}

// forget discards every per-connection entry this subscription (and its
// custom predicates) holds for id, called once id is dropped from the
// table so a long-running process doesn't accumulate one entry per
// connection it has ever seen.
func (s *Subscription) forget(id gid.ConnectionID) {
	delete(s.state, id)
	delete(s.delivered, id)
	for _, cp := range s.Custom {
		cp.forget(id)
	}
}

// comparable reports whether comparing StateTransitions rooted at a and b
// yields a meaningful order. Required levels that land in a different
// branch of the transition tree than the firing transition (Compare returns
// conn.Unknown) are outside this subscription's current layer entirely;
// they neither block nor satisfy delivery at t; they wait for their own
// branch's transitions to resolve them.
func comparable(order conn.Order) bool { return order != conn.Unknown }

// notLessThan reports whether level compares as not-less-than t, treating
// an incomparable (cross-branch) pair as trivially satisfied.
func notLessThan(level, t conn.Transition) bool {
	order := conn.NewTransition(level).Compare(conn.NewTransition(t))
	if !comparable(order) {
		return true
	}
	return order == conn.Equal || order == conn.Greater
}

// strictlyLessThan reports whether level compares as strictly less than t,
// treating an incomparable pair as not-less (so it can never force a skip).
func strictlyLessThan(level, t conn.Transition) bool {
	order := conn.NewTransition(level).Compare(conn.NewTransition(t))
	return comparable(order) && order == conn.Less
}

// equalTo reports whether level compares as equal to t.
func equalTo(level, t conn.Transition) bool {
	order := conn.NewTransition(level).Compare(conn.NewTransition(t))
	return comparable(order) && order == conn.Equal
}

// CanDeliver implements spec.md §4.6's delivery rule: a subscription may be
// delivered at t for connection id iff every required level (and the
// explicit level, if any) is not less than t, and at least one of them
// equals t. An explicit level narrows this to "fires exactly once, at that
// level" since it is itself one of the levels checked for equality.
func (s *Subscription) CanDeliver(id gid.ConnectionID, t conn.Transition) bool {
	sawEqual := false
	for _, lvl := range s.RequiredLevels {
		if !notLessThan(lvl, t) {
			return false
		}
		if equalTo(lvl, t) {
			sawEqual = true
		}
	}
	if s.ExplicitLevel != nil {
		if !notLessThan(*s.ExplicitLevel, t) {
			return false
		}
		if equalTo(*s.ExplicitLevel, t) {
			sawEqual = true
		}
	}
	for _, cp := range s.Custom {
		if !notLessThan(cp.Level, t) {
			return false
		}
		if resolved, result := cp.resolvedFor(id); resolved && !result {
			return false
		}
		if equalTo(cp.Level, t) {
			sawEqual = true
		}
	}
	return sawEqual
}

// CanSkip implements spec.md §4.6's skip rule: a subscription may be
// bypassed at t iff every required level, and the explicit level if
// present, is strictly less than t — it can never become deliverable from
// this point on.
func (s *Subscription) CanSkip(t conn.Transition) bool {
	for _, lvl := range s.RequiredLevels {
		if !strictlyLessThan(lvl, t) {
			return false
		}
	}
	if s.ExplicitLevel != nil && !strictlyLessThan(*s.ExplicitLevel, t) {
		return false
	}
	for _, cp := range s.Custom {
		if !strictlyLessThan(cp.Level, t) {
			return false
		}
	}
	return true
}

// resolveCustom runs Update on every not-yet-resolved custom predicate
// whose Level matches t, so CanDeliver sees a cached result for this
// transition's checks.
func (s *Subscription) resolveCustom(c *conn.Connection, t conn.StateTransition, p *pdu.PDU) {
	for _, cp := range s.Custom {
		cp.resolve(c, t, p)
	}
}

// Matches reports whether the subscription's predicate accepts v. A
// subscription with no predicate matches every connection.
func (s *Subscription) Matches(v PacketView) bool {
	return s.Predicate.Match(v)
}
