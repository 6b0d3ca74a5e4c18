package conn

import (
	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/metrics"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/reassembly"
)

// L4Layer drives the transport-layer state machine: Discovery (pre-handshake)
// → Headers (TCP handshake in progress) → Payload (post-handshake) → None,
// per spec.md §4.3. UDP has no handshake and moves from Discovery straight
// to Payload on its first packet.
type L4Layer struct {
	LayerInfo

	proto      packet.Proto
	reasm      *reassembly.Reassembler
	sawFirst   bool
}

func NewL4Layer(proto packet.Proto, maxOutOfOrder int) *L4Layer {
	l := &L4Layer{proto: proto}
	if proto == packet.ProtoTCP {
		l.reasm = reassembly.NewReassembler(maxOutOfOrder)
	}
	return l
}

// NewL4LayerWithPool is NewL4Layer, but a TCP connection's out-of-order
// queue draws its backing storage from pool, a budget shared with every
// other connection using the same pool. A nil pool behaves like NewL4Layer.
func NewL4LayerWithPool(proto packet.Proto, maxOutOfOrder int, pool mempool.BufferPool) *L4Layer {
	l := &L4Layer{proto: proto}
	if proto == packet.ProtoTCP {
		l.reasm = reassembly.NewReassemblerWithPool(maxOutOfOrder, pool)
	}
	return l
}

func (l *L4Layer) Reassembler() *reassembly.Reassembler { return l.reasm }

// ProcessStream implements spec.md §4.3's L4 process_stream. It returns the
// state transitions this PDU produced, streaming emissions before end
// emissions, and the PDUs (already reassembled/trimmed for TCP) ready to be
// handed to the L7 layer.
func (l *L4Layer) ProcessStream(dir pdu.Direction, ctx packet.L4Context, p *pdu.PDU) ([]StateTransition, []*pdu.PDU) {
	var transitions []StateTransition
	var deliverable []*pdu.PDU

	if !l.sawFirst {
		l.sawFirst = true
		if l.reasm != nil && dir == pdu.DirectionOriginator && ctx.Flags.Has(packet.FlagSYN) {
			l.reasm.Originator().Seed(ctx.Seq)
		}
		transitions = append(transitions, NewTransition(L4FirstPacket))
	}

	if l.State == StateNone {
		return transitions, deliverable
	}

	if l.reasm == nil {
		// UDP has no handshake; every packet with payload is already in
		// Payload state.
		l.State = StatePayload
		if ctx.PayloadLength > 0 {
			transitions = append(transitions, NewL4InPayload(false))
			deliverable = append(deliverable, p)
		}
		return transitions, deliverable
	}

	if l.State == StateDiscovery {
		l.State = StateHeaders
	}

	res := l.reasm.Insert(dir, ctx, p)

	if res.Overflow {
		metrics.IncDrop(metrics.DropReassemblyOverflow)
		Logger.Printf("out-of-order overflow: dropping connection (proto=%v)", l.proto)
		l.State = StateNone
		transitions = append(transitions, NewTransition(L4Terminated))
		return transitions, deliverable
	}

	if res.FirstInOrderAck {
		l.State = StatePayload
		transitions = append(transitions, NewTransition(L4EndHandshake))
	}

	for _, c := range res.Consumed {
		if c.PDU.Len() > 0 {
			transitions = append(transitions, NewL4InPayload(true))
			deliverable = append(deliverable, c.PDU)
		}
	}

	if res.Terminated || (l.reasm.Terminated()) {
		l.State = StateNone
		transitions = append(transitions, NewTransition(L4Terminated))
	}

	return transitions, deliverable
}
