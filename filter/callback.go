package filter

import "github.com/mel2oo/conntrack/conn"

// Builder assembles a predicate tree and the subscriptions attached to it,
// assigning each subscription a monotonically increasing ID as it is
// registered so DFS tree order (spec.md §4.6's evaluation order) and
// registration order coincide, satisfying spec.md §4.6's "invoke pending
// callbacks in registration order" without a separate sort step.
type Builder struct {
	nextID int
	roots  []*Node
}

func NewBuilder() *Builder { return &Builder{} }

// Root starts a new top-level Node under the given precondition and
// returns it so callers can attach NodeActions, Subscriptions, and
// Children before passing the finished tree to Engine via Build.
func (b *Builder) Root(layer LayerKind, state conn.LayerState) *Node {
	n := &Node{Precondition: Precondition{Layer: layer, State: state}}
	b.roots = append(b.roots, n)
	return n
}

// Child attaches a new Node under parent, gated on a deeper precondition.
func (b *Builder) Child(parent *Node, layer LayerKind, state conn.LayerState) *Node {
	n := &Node{Precondition: Precondition{Layer: layer, State: state}}
	parent.Children = append(parent.Children, n)
	return n
}

// Subscribe registers sub under node, assigning it the next sequential ID.
// The returned ID is the subscription's registration-order position, which
// the engine relies on for callback invocation order.
func (b *Builder) Subscribe(node *Node, sub *Subscription) int {
	b.nextID++
	sub.ID = b.nextID
	node.Subs = append(node.Subs, sub)
	return sub.ID
}

// Build finalizes the tree into an Engine.
func (b *Builder) Build() *Engine {
	return NewEngine(b.roots...)
}
