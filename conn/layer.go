package conn

// LayerInfo is the state shared by every layer implementation: its current
// LayerState and its TrackedActions. Embedded by L4Layer and L7Layer so
// both satisfy Layer's ResetActions/Drop without repeating the bookkeeping.
type LayerInfo struct {
	State   LayerState
	Tracked TrackedActions
}

func (li *LayerInfo) ResetActions(t Transition) {
	li.Tracked.StartStateTx(t)
}

func (li *LayerInfo) Drop() bool {
	return li.State == StateNone || li.Tracked.Droppable()
}

// Layer is the part of spec.md §4.3's per-layer contract that L4Layer and
// L7Layer share through LayerInfo: reset actions when a transition fires,
// report whether reprocessing is needed, and report drop-eligibility.
// ProcessStream is not part of it, since L4Layer and L7Layer take different
// inputs and return different results.
type Layer interface {
	ResetActions(t Transition)
	NeedsProcess(t Transition) bool
	Drop() bool
}

// NeedsProcess reports whether t requires the triggering PDU to be
// reprocessed against the next stage; see the package-level NeedsProcess.
func (li *LayerInfo) NeedsProcess(t Transition) bool {
	return NeedsProcess(t)
}

// NeedsProcess returns true for L7OnDiscovery and L7EndHeaders: per spec.md
// §4.3, the PDU that triggered discovery also belongs to the headers, and
// the PDU that ended headers may itself contain payload, so the dispatcher
// reprocesses the same PDU against the next stage.
func NeedsProcess(t Transition) bool {
	return t == L7OnDiscovery || t == L7EndHeaders
}
