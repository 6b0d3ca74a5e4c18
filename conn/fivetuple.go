package conn

import (
	"bytes"

	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
)

// FiveTuple canonically identifies a connection independent of packet
// direction: endpoints are ordered so a flow's forward and reverse packets
// hash to the same key, per spec.md §3's "canonicalized so both directions
// of a flow share an id".
type FiveTuple struct {
	Proto     packet.Proto
	Low, High packet.SocketAddr
}

func CanonicalFiveTuple(ctx packet.L4Context) FiveTuple {
	if endpointLess(ctx.Dst, ctx.Src) {
		return FiveTuple{Proto: ctx.Proto, Low: ctx.Dst, High: ctx.Src}
	}
	return FiveTuple{Proto: ctx.Proto, Low: ctx.Src, High: ctx.Dst}
}

func endpointLess(a, b packet.SocketAddr) bool {
	if c := bytes.Compare(a.IP, b.IP); c != 0 {
		return c < 0
	}
	return a.Port < b.Port
}

// DirectionOf reports which endpoint of the connection originator sent this
// packet, given the originator address recorded when the connection was
// admitted (spec.md §3: "the source of [the first] packet is the
// originator").
func DirectionOf(originator packet.SocketAddr, ctx packet.L4Context) pdu.Direction {
	if ctx.Src.Equal(originator) {
		return pdu.DirectionOriginator
	}
	return pdu.DirectionResponder
}
