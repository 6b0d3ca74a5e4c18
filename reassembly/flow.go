package reassembly

import (
	"time"

	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/optionals"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
)

// pending is one out-of-order segment buffered until expected catches up
// (or passes) its sequence number. If the flow was built with a buffer
// pool, buf holds a copy of the segment's payload drawn from the pool
// instead of p aliasing the original frame, so the frame's backing storage
// isn't pinned in memory for the lifetime of the out-of-order queue; buf is
// released back to the pool once the segment is consumed or discarded.
type pending struct {
	seq    uint32
	length int
	fin    bool
	rst    bool
	p      *pdu.PDU
	buf    mempool.Buffer
}

// Consumed is one segment handed up to the connection's state machine,
// trimmed to only the bytes not already delivered.
type Consumed struct {
	PDU   *pdu.PDU
	Flags packet.TCPFlags
}

// InsertResult reports what happened to one arriving segment, per spec.md
// §4.2's insertion algorithm.
type InsertResult struct {
	// Consumed holds zero or more segments now in order, oldest first: the
	// arriving segment itself (if it advanced expected) plus anything the
	// out-of-order flush released as a result.
	Consumed []Consumed
	// FirstInOrderAck is true if one of the Consumed entries is the first
	// in-order ACK observed from this flow's originator, ending the
	// handshake.
	FirstInOrderAck bool
	// NewPacketObserved is true if the segment carried no fresh bytes (a
	// pure retransmission or keepalive whose bytes are already covered).
	NewPacketObserved bool
	// Overflow is true if this segment could not be buffered, because the
	// out-of-order queue was full or no pooled buffer was available; the
	// caller must drop the connection.
	Overflow bool
	// Terminated is true if an in-order RST ended this flow's consumption.
	Terminated bool
}

// Flow tracks one unidirectional TCP byte stream's reassembly state.
type Flow struct {
	isOriginator bool
	maxOOO       int
	pool         mempool.BufferPool

	expected       optionals.Optional[uint32]
	lastAck        uint32
	consumedFlags  packet.TCPFlags
	sawHandshakeAck bool
	terminated     bool
	packetCount    uint64

	ooo []pending
}

// NewFlow builds a Flow for one direction of a connection. isOriginator
// marks the flow carrying bytes sent by the connection's originator — only
// that flow's in-order ACK can end the handshake (spec.md §4.2 step 3).
func NewFlow(isOriginator bool, maxOutOfOrder int) *Flow {
	return &Flow{isOriginator: isOriginator, maxOOO: maxOutOfOrder}
}

// NewFlowWithPool is NewFlow, but out-of-order segments are copied into
// buffers drawn from pool rather than aliasing the original frame. The pool
// may be shared by many flows, so it bounds the memory all of their
// reassembly queues pin together.
func NewFlowWithPool(isOriginator bool, maxOutOfOrder int, pool mempool.BufferPool) *Flow {
	return &Flow{isOriginator: isOriginator, maxOOO: maxOutOfOrder, pool: pool}
}

func (f *Flow) PacketCount() uint64 { return f.packetCount }

func (f *Flow) ConsumedFlags() packet.TCPFlags { return f.consumedFlags }

func (f *Flow) Terminated() bool { return f.terminated }

func (f *Flow) LastAck() uint32 { return f.lastAck }

// Seed bootstraps expected directly from a plain SYN's sequence number.
// spec.md §4.2 step 1 only bootstraps a flow's expected sequence from a
// SYN+ACK segment, which a connection's originator never sends; the
// connection layer calls Seed when it first admits a connection from the
// originator's SYN, mirroring how the responder flow bootstraps itself
// in-band when its SYN+ACK arrives.
func (f *Flow) Seed(synSeq uint32) {
	if f.expected.IsSome() {
		return
	}
	f.expected = optionals.Some(synSeq + 1)
}

// Insert processes one arriving segment described by ctx against p, the PDU
// view of its payload, per spec.md §4.2's insertion algorithm.
func (f *Flow) Insert(ctx packet.L4Context, p *pdu.PDU) InsertResult {
	f.packetCount++
	var result InsertResult

	if f.terminated {
		return result
	}

	cur := ctx.Seq
	length := int(ctx.PayloadLength)
	fin := ctx.Flags.Has(packet.FlagFIN)
	rst := ctx.Flags.Has(packet.FlagRST)

	if f.expected.IsNone() {
		if ctx.Flags.Has(packet.FlagSYN) && ctx.Flags.Has(packet.FlagACK) {
			// The SYN itself consumes one sequence number.
			f.expected = optionals.Some(cur + 1 + uint32(length))
			f.lastAck = ctx.Ack
			f.consume(ctx.Flags, p, &result)
			f.flushOOO(&result)
			return result
		}
		f.bufferOOO(cur, length, fin, rst, p, &result)
		return result
	}

	expected, _ := f.expected.Get()

	switch {
	case cur == expected:
		f.consumeAdvancing(ctx.Flags, cur, length, fin, rst, p, &result)
		if !result.Terminated {
			f.flushOOO(&result)
		}

	case seqOlder(expected, cur):
		// cur is in the future relative to expected: out of order.
		f.bufferOOO(cur, length, fin, rst, p, &result)

	default:
		// cur is at or before expected (already handled cur==expected above,
		// so cur is strictly before expected here).
		end := segEnd(cur, length, fin)
		if seqOlder(expected, end) {
			// Segment extends past what's already been consumed: trim to
			// the fresh suffix and consume it.
			trimmed, ok := trimToFresh(p, cur, expected)
			if ok {
				f.consumeAdvancing(ctx.Flags, expected, int(trimmed.Len()), fin, rst, trimmed, &result)
				if !result.Terminated {
					f.flushOOO(&result)
				}
			} else {
				result.NewPacketObserved = true
			}
		} else {
			// No fresh bytes at all.
			result.NewPacketObserved = true
		}
	}

	return result
}

// consumeAdvancing consumes a segment known to start exactly at expected,
// advances expected past it, and handles RST termination.
func (f *Flow) consumeAdvancing(flags packet.TCPFlags, seq uint32, length int, fin, rst bool, p *pdu.PDU, result *InsertResult) {
	f.consume(flags, p, result)
	if rst {
		f.terminated = true
		result.Terminated = true
		return
	}
	f.expected = optionals.Some(segEnd(seq, length, fin))
}

// consume folds flags into consumedFlags, detects handshake-ending ACKs, and
// appends the (already correctly trimmed) PDU to the result.
func (f *Flow) consume(flags packet.TCPFlags, p *pdu.PDU, result *InsertResult) {
	f.consumedFlags |= flags
	if f.isOriginator && !f.sawHandshakeAck && flags.Has(packet.FlagACK) {
		f.sawHandshakeAck = true
		result.FirstInOrderAck = true
	}
	result.Consumed = append(result.Consumed, Consumed{PDU: p, Flags: flags})
}

func (f *Flow) bufferOOO(seq uint32, length int, fin, rst bool, p *pdu.PDU, result *InsertResult) {
	if len(f.ooo) >= f.maxOOO {
		result.Overflow = true
		return
	}

	if f.pool == nil {
		f.ooo = append(f.ooo, pending{seq: seq, length: length, fin: fin, rst: rst, p: p})
		return
	}

	view, err := p.View()
	if err != nil {
		result.Overflow = true
		return
	}
	buf := f.pool.NewBuffer()
	if _, err := buf.ReadFrom(view.CreateReader()); err != nil {
		buf.Release()
		result.Overflow = true
		return
	}
	f.ooo = append(f.ooo, pending{seq: seq, length: length, fin: fin, rst: rst, buf: buf})
}

// pduOf returns seg's payload as a *pdu.PDU, rebuilding it from the pooled
// buffer if the segment was copied out of the original frame.
func pduOf(seg pending, dir pdu.Direction) *pdu.PDU {
	if seg.buf == nil {
		return seg.p
	}
	view := seg.buf.Bytes()
	frame := pdu.NewFrame(view, time.Time{}, dir)
	ctx := packet.L4Context{PayloadOffset: 0, PayloadLength: int(view.Len())}
	return pdu.New(frame, ctx, dir)
}

// flushOOO repeatedly scans the out-of-order queue for a segment that can
// now be consumed against the current expected sequence, per spec.md §4.2
// step 4. Stale entries whose bytes are entirely covered by expected are
// discarded without being consumed, since they can never become relevant
// again.
func (f *Flow) flushOOO(result *InsertResult) {
	for {
		expected, ok := f.expected.Get()
		if !ok || f.terminated {
			return
		}

		progressed := false
		for i := 0; i < len(f.ooo); i++ {
			seg := f.ooo[i]
			end := segEnd(seg.seq, seg.length, seg.fin)

			switch {
			case seg.seq == expected:
				segPDU := pduOf(seg, f.direction())
				f.removeOOO(i)
				f.consumeAdvancing(flagsFor(seg), seg.seq, seg.length, seg.fin, seg.rst, segPDU, result)
				progressed = true
			case seqOlder(expected, end) && seqLessOrEqual(seg.seq, expected):
				trimmed, trimOK := trimToFresh(pduOf(seg, f.direction()), seg.seq, expected)
				f.removeOOO(i)
				if trimOK {
					f.consumeAdvancing(flagsFor(seg), expected, int(trimmed.Len()), seg.fin, seg.rst, trimmed, result)
				}
				progressed = true
			case seqLessOrEqual(end, expected):
				// Entirely stale now; drop silently.
				f.removeOOO(i)
				progressed = true
			default:
				continue
			}
			break
		}

		if !progressed || f.terminated {
			return
		}
	}
}

func (f *Flow) removeOOO(i int) {
	if f.ooo[i].buf != nil {
		f.ooo[i].buf.Release()
	}
	f.ooo = append(f.ooo[:i], f.ooo[i+1:]...)
}

func (f *Flow) direction() pdu.Direction {
	if f.isOriginator {
		return pdu.DirectionOriginator
	}
	return pdu.DirectionResponder
}

func flagsFor(seg pending) packet.TCPFlags {
	var fl packet.TCPFlags
	if seg.fin {
		fl |= packet.FlagFIN
	}
	if seg.rst {
		fl |= packet.FlagRST
	}
	return fl
}

// trimToFresh narrows p's view to the bytes at or after expected, given the
// segment's original starting sequence cur. Returns ok=false if accessing
// the frame fails, in which case the segment is treated as payload-free
// per spec.md §4.2's failure semantics.
func trimToFresh(p *pdu.PDU, cur, expected uint32) (*pdu.PDU, bool) {
	skip := int64(uint32(expected - cur))
	if skip <= 0 {
		return p, true
	}
	if skip > p.Len() {
		return nil, false
	}
	if err := p.TrimFront(skip); err != nil {
		return nil, false
	}
	return p, true
}
