package conn

import (
	"strings"

	"github.com/mel2oo/conntrack/metrics"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

// L7Layer drives the application-layer state machine over a registry of
// protocol parsers, per spec.md §4.3. It pairs an active parser with the
// sessions it has produced, mirroring how the teacher's tcpFlow pairs
// currentParser with currentParserCtx.
type L7Layer struct {
	LayerInfo

	registry *proto.Registry
	active   proto.Parser

	// payload holds whichever parser is currently consuming the
	// connection's Payload-phase traffic, once one has been chosen by
	// probing. Headers and Payload run independent probe/parse cycles
	// because a handshake's reply (TLS's Server Hello, Certificate) is a
	// distinct wire message from the one that won Discovery, arriving
	// from the other direction and needing its own Factory/Parser pair.
	payload proto.Parser

	sessions []proto.Session
}

func NewL7Layer(registry *proto.Registry) *L7Layer {
	return &L7Layer{registry: registry}
}

func (l *L7Layer) Parser() proto.Parser { return l.active }

// Sessions returns every session produced so far, including ones drained
// mid-connection rather than only at Terminate — a subscription callback or
// a filter predicate evaluated right after L7EndHeaders needs to see a
// Client Hello's session without waiting for the connection to close.
func (l *L7Layer) Sessions() []proto.Session { return l.sessions }

// drain pulls whatever sessions parser has produced since the last call
// into l.sessions.
func (l *L7Layer) drain(parser proto.Parser) {
	if parser == nil {
		return
	}
	if drained := parser.DrainSessions(); len(drained) > 0 {
		l.sessions = append(l.sessions, drained...)
	}
}

// ProcessStream implements spec.md §4.3's L7 process_stream, returning the
// transitions this PDU produced (streaming emissions before end emissions).
// If the parser exposed a body offset when headers finish, p's view is
// trimmed to it in place so later observers see only the body.
func (l *L7Layer) ProcessStream(p *pdu.PDU) []StateTransition {
	var transitions []StateTransition

	switch l.State {
	case StateDiscovery:
		parser, result := l.registry.ProbeAll(p)
		switch result {
		case proto.Certain:
			l.active = parser
			l.State = StateHeaders
			transitions = append(transitions, NewTransition(L7OnDiscovery))
		case proto.NotForUs:
			metrics.IncDrop(metrics.DropParserNotForUs)
			l.State = StateNone
			transitions = append(transitions, NewTransition(L7OnDiscovery))
		case proto.Unsure:
			// No transition; await more data.
		}

	case StateHeaders:
		if l.active == nil {
			break
		}
		res := l.active.Parse(p)
		l.drain(l.active)
		if p.Len() > 0 && res.Outcome == proto.ParseContinue {
			transitions = append(transitions, NewTransition(L7InHeaders))
		}
		switch res.Outcome {
		case proto.ParseHeadersDone, proto.ParseDone:
			l.State = StatePayload
			transitions = append(transitions, NewTransition(L7EndHeaders))
			if off, ok := l.active.BodyOffset(); ok {
				p.TrimFront(int64(off))
			}
		case proto.ParseNone, proto.ParseSkipped:
			metrics.IncDrop(metrics.DropParserError)
			l.State = StateNone
			transitions = append(transitions, NewTransition(L7EndHeaders))
		}

	case StatePayload:
		if p.Len() == 0 {
			break
		}
		transitions = append(transitions, NewTransition(L7InPayload))
		l.processPayload(p)

	case StateNone:
		// no-op
	}

	return transitions
}

// processPayload drives the Payload-phase parser: Headers only ever covers
// the message that won Discovery (a TLS Client Hello, say), but a
// handshake's reply arrives later, from the other direction, as a distinct
// wire message needing its own Factory/Parser pair (tlsparse's Server Hello
// and Certificate factories both probe independently of the Client Hello
// one). So Payload runs its own probe/parse cycle, picking a fresh parser
// each time the previous one finishes, the way original_source's
// tls_handshake collaborator keeps consuming Server Hello and Certificate
// after the Client Hello leg completes.
func (l *L7Layer) processPayload(p *pdu.PDU) {
	if l.payload == nil {
		parser, result := l.registry.ProbeAll(p)
		switch result {
		case proto.Certain:
			l.payload = parser
		case proto.NotForUs:
			metrics.IncDrop(metrics.DropParserNotForUs)
			return
		case proto.Unsure:
			return
		}
	}

	res := l.payload.Parse(p)
	l.drain(l.payload)

	switch res.Outcome {
	case proto.ParseHeadersDone, proto.ParseDone:
		l.payload = nil
	case proto.ParseNone, proto.ParseSkipped:
		metrics.IncDrop(metrics.DropParserError)
		l.payload = nil
	case proto.ParseContinue:
		// keep accumulating into the same parser next call.
	}
}

// Terminate drains any sessions the active and payload-phase parsers are
// still holding, for connection termination and FIN/RST close paths.
func (l *L7Layer) Terminate() []proto.Session {
	before := len(l.sessions)
	l.drain(l.active)
	l.drain(l.payload)
	return l.sessions[before:]
}

// ProtocolFamily reports the canonical protocol identifier spec.md §4.5
// names (tls, http, dns, quic, ssh) for whichever parser Discovery picked,
// or "" before Discovery resolves. TLS's three message-specific factories
// (tls-client-hello, tls-server-hello, tls-certificate) all collapse to the
// family name "tls" — a unary protocol test filters on the protocol, not on
// which handshake message happened to win the probe.
func (l *L7Layer) ProtocolFamily() string {
	if l.active == nil {
		return ""
	}
	return protocolFamily(l.active.Name())
}

func protocolFamily(name string) string {
	if i := strings.IndexByte(name, '-'); i >= 0 {
		return name[:i]
	}
	return name
}
