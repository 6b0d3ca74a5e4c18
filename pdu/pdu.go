package pdu

import (
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/packet"
)

// PDU is one frame's payload as seen by the connection tracker: the frame
// that carried it, the L4 context that located it within that frame, and a
// mutable {offset, length} window narrowing the payload view as layers
// above consume it (an L4 handler may hand the L7 layer only the bytes past
// a header it has already parsed, for instance).
//
// A PDU does not own its bytes; Frame does. Narrowing a PDU's view never
// copies or mutates the underlying Frame, so the same Frame can back
// multiple PDUs with different views (e.g. one per subscriber needing a
// different starting offset).
type PDU struct {
	frame *Frame
	ctx   packet.L4Context
	dir   Direction

	offset int64
	length int64
}

// New builds a PDU whose view spans the full payload described by ctx.
func New(frame *Frame, ctx packet.L4Context, dir Direction) *PDU {
	return &PDU{
		frame:  frame,
		ctx:    ctx,
		dir:    dir,
		offset: int64(ctx.PayloadOffset),
		length: int64(ctx.PayloadLength),
	}
}

func (p *PDU) Frame() *Frame { return p.frame }

func (p *PDU) Context() packet.L4Context { return p.ctx }

func (p *PDU) Dir() Direction { return p.dir }

// Len is the size of the PDU's current view, which shrinks as layers above
// trim consumed prefixes via TrimFront.
func (p *PDU) Len() int64 { return p.length }

// View returns the bytes currently in scope for this PDU.
func (p *PDU) View() (memview.MemView, error) {
	return p.frame.Slice(p.offset, p.length)
}

// SetOffset repositions the view to start n bytes into the PDU's original
// payload (as located by its L4Context), with the given length. It does not
// compose with prior narrowing; it resets relative to the frame.
func (p *PDU) SetOffset(n, length int64) error {
	base := int64(p.ctx.PayloadOffset)
	if n < 0 || length < 0 || n+length > int64(p.ctx.PayloadLength) {
		return ErrSliceOutOfRange
	}
	p.offset = base + n
	p.length = length
	return nil
}

// TrimFront drops the first n bytes from the current view, as a layer
// consumes a header and hands the remainder to the next layer up.
func (p *PDU) TrimFront(n int64) error {
	if n < 0 || n > p.length {
		return ErrSliceOutOfRange
	}
	p.offset += n
	p.length -= n
	return nil
}
