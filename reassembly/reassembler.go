package reassembly

import (
	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
)

// Reassembler pairs the two unidirectional Flows of one TCP connection.
// Which flow a segment belongs to is determined by the caller (by comparing
// its direction to the connection's recorded originator) and passed
// explicitly to Insert.
type Reassembler struct {
	originator *Flow
	responder  *Flow
}

// NewReassembler builds a Reassembler with maxOutOfOrder buffered segments
// allowed per direction before InsertResult.Overflow fires.
func NewReassembler(maxOutOfOrder int) *Reassembler {
	return &Reassembler{
		originator: NewFlow(true, maxOutOfOrder),
		responder:  NewFlow(false, maxOutOfOrder),
	}
}

// NewReassemblerWithPool is NewReassembler, but both flows copy out-of-order
// segments into buffers drawn from pool instead of pinning the original
// frame, so the pool bounds the memory held by every reassembler that
// shares it. A nil pool behaves like NewReassembler.
func NewReassemblerWithPool(maxOutOfOrder int, pool mempool.BufferPool) *Reassembler {
	if pool == nil {
		return NewReassembler(maxOutOfOrder)
	}
	return &Reassembler{
		originator: NewFlowWithPool(true, maxOutOfOrder, pool),
		responder:  NewFlowWithPool(false, maxOutOfOrder, pool),
	}
}

// Insert feeds one arriving TCP segment into the flow matching dir.
func (r *Reassembler) Insert(dir pdu.Direction, ctx packet.L4Context, p *pdu.PDU) InsertResult {
	return r.flowFor(dir).Insert(ctx, p)
}

func (r *Reassembler) flowFor(dir pdu.Direction) *Flow {
	if dir == pdu.DirectionOriginator {
		return r.originator
	}
	return r.responder
}

// Originator returns the flow carrying bytes sent by the connection's
// originator.
func (r *Reassembler) Originator() *Flow { return r.originator }

// Responder returns the flow carrying bytes sent by the connection's
// responder.
func (r *Reassembler) Responder() *Flow { return r.responder }

// Terminated reports whether either direction has seen an in-order RST.
func (r *Reassembler) Terminated() bool {
	return r.originator.Terminated() || r.responder.Terminated()
}
