package proto

import "github.com/mel2oo/conntrack/pdu"

// Registry multiplexes Probe calls across a fixed set of registered
// Factories, implementing spec.md §4.5's probe_all three-way vote.
type Registry struct {
	factories []Factory
}

func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

// ProbeAll probes p against every registered factory. If any factory
// returns Certain, a freshly constructed parser instance from that factory
// is returned alongside Certain. If every factory returns NotForUs (or none
// are registered, or p carries no payload), NotForUs/Unsure is returned per
// spec.md §4.5's rules, with a nil Parser.
func (r *Registry) ProbeAll(p *pdu.PDU) (Parser, ProbeResult) {
	if len(r.factories) == 0 {
		return nil, NotForUs
	}
	if p.Len() == 0 {
		return nil, Unsure
	}

	allNotForUs := true
	for _, f := range r.factories {
		switch f.Probe(p) {
		case Certain:
			return f.New(), Certain
		case Unsure:
			allNotForUs = false
		}
	}

	if allNotForUs {
		return nil, NotForUs
	}
	return nil, Unsure
}
