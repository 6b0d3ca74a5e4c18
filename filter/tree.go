package filter

import (
	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
)

// LayerKind names which of a connection's two layers a Node's precondition
// and actions apply to.
type LayerKind int

const (
	LayerL4 LayerKind = iota
	LayerL7
)

// Precondition gates a Node on a layer having reached a given LayerState
// before its actions are asserted or its subscriptions considered.
type Precondition struct {
	Layer LayerKind
	State conn.LayerState
}

// NodeAction is the TrackedActions bits a Node asserts into its layer when
// its precondition holds, and the transitions that should re-assert them
// (spec.md §4.6 step 2's "OR the node's TrackedActions.active ... OR its
// refresh_at[*]").
type NodeAction struct {
	Bits      conn.Actions
	RefreshOn []conn.Transition
}

// Node is one level of the predicate tree: a precondition, the action it
// asserts when that precondition holds, the subscriptions interested at
// this level, and children representing deeper preconditions (e.g. an L7
// node's children gate on L7 reaching StatePayload once the parent already
// gates on StateHeaders).
type Node struct {
	Precondition Precondition
	Action       NodeAction
	Subs         []*Subscription
	Children     []*Node
}

// layerState reads the current LayerState for n's precondition's layer off
// c.
func layerState(c *conn.Connection, layer LayerKind) conn.LayerState {
	if layer == LayerL4 {
		return c.L4.State
	}
	return c.L7.State
}

// assert applies n's NodeAction to the layer it names.
func (n *Node) assert(c *conn.Connection) {
	if n.Action.Bits == 0 {
		return
	}
	if n.Precondition.Layer == LayerL4 {
		c.L4.Tracked.Assert(n.Action.Bits, n.Action.RefreshOn...)
	} else {
		c.L7.Tracked.Assert(n.Action.Bits, n.Action.RefreshOn...)
	}
}

// Pending is one subscription whose callback is due to run for a
// transition: the subscription and the transition it is due for.
type Pending struct {
	Sub *Subscription
	T   conn.StateTransition
}

// walk performs the DFS spec.md §4.6 describes: nodes whose precondition
// doesn't hold are skipped entirely (and so are their children, since a
// deeper state can't hold before a shallower one does), nodes whose
// precondition holds have their action asserted and their subscriptions
// checked against CanDeliver, then their children are walked in turn.
func (n *Node) walk(c *conn.Connection, t conn.StateTransition, view PacketView, p *pdu.PDU, out *[]Pending) {
	if layerState(c, n.Precondition.Layer) < n.Precondition.State {
		return
	}
	n.assert(c)

	for _, s := range n.Subs {
		if s.ExplicitLevel != nil && s.isDelivered(c.ID) {
			continue
		}
		if !s.Matches(view) {
			continue
		}
		s.resolveCustom(c, t, p)
		if s.CanDeliver(c.ID, t.Kind) {
			*out = append(*out, Pending{Sub: s, T: t})
			if s.ExplicitLevel != nil {
				s.markDelivered(c.ID)
			}
		}
	}

	for _, child := range n.Children {
		child.walk(c, t, view, p, out)
	}
}

// forget discards id's per-connection bookkeeping from every subscription
// in this subtree.
func (n *Node) forget(id gid.ConnectionID) {
	for _, s := range n.Subs {
		s.forget(id)
	}
	for _, child := range n.Children {
		child.forget(id)
	}
}
