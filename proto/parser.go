// Package proto defines the application-layer parser contract spec.md §4.5
// gives every protocol identifier/parser, and the registry that multiplexes
// probe/parse calls across the fixed set of registered parsers.
package proto

import (
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
)

// ProbeResult is a parser's answer to "is this PDU the start of my
// protocol?".
type ProbeResult int

const (
	NotForUs ProbeResult = iota
	Unsure
	Certain
)

func (r ProbeResult) String() string {
	switch r {
	case NotForUs:
		return "NotForUs"
	case Unsure:
		return "Unsure"
	case Certain:
		return "Certain"
	default:
		return "Unknown"
	}
}

// ParseOutcome is what a Parse call accomplished.
type ParseOutcome int

const (
	ParseNone ParseOutcome = iota
	ParseContinue
	ParseHeadersDone
	ParseDone
	ParseSkipped
)

// ParseResult pairs a ParseOutcome with the parser-local session id it
// concerns, when the outcome names one.
type ParseResult struct {
	Outcome   ParseOutcome
	SessionID int
}

// Session is what a parser hands to the connection on a completed (or
// drained) parse. ID is the process-wide identity; LocalID is the
// strictly-increasing, parser-scoped counter spec.md §3 calls out as having
// special semantics for connection-level subscription state when it is 0.
type Session struct {
	ID      gid.SessionID
	LocalID int
	Data    interface{}
}

// Parser is the stateful per-connection instance a Factory produces once its
// Prober returns Certain. Owns accumulated sessions until they complete or
// the connection drains.
type Parser interface {
	Name() string
	Parse(p *pdu.PDU) ParseResult
	RemoveSession(id int)
	DrainSessions() []Session
	// BodyOffset returns the offset into the most recently parsed PDU where
	// the body begins, if the parser just finished consuming headers. A
	// second call without an intervening Parse returns (0, false) — per
	// spec.md §4.5, it is "cleared" after being read once.
	BodyOffset() (int, bool)
}

// Factory probes PDUs statelessly and, once a probe is Certain, constructs a
// fresh stateful Parser instance for the connection that matched. Splitting
// probing (stateless, cheap, called against many connections' discovery
// PDUs) from parsing (stateful, one instance per matched connection) avoids
// allocating a parser instance for every probe attempt.
type Factory interface {
	Name() string
	Probe(p *pdu.PDU) ProbeResult
	New() Parser
}
