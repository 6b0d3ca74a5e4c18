package conn

import (
	"testing"
	"time"

	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/stretchr/testify/assert"
)

func segL4(proto packet.Proto, dir pdu.Direction, seq uint32, payload string, flags packet.TCPFlags) (packet.L4Context, *pdu.PDU) {
	data := []byte(payload)
	frame := pdu.NewFrame(memview.New(data), time.Unix(0, 0), dir)
	ctx := packet.L4Context{
		Proto:         proto,
		Seq:           seq,
		PayloadOffset: 0,
		PayloadLength: len(data),
		Flags:         flags,
	}
	return ctx, pdu.New(frame, ctx, dir)
}

func kindsOf(ts []StateTransition) []Transition {
	out := make([]Transition, len(ts))
	for i, t := range ts {
		out[i] = t.Kind
	}
	return out
}

func TestL4LayerFirstPacketEmitsOnce(t *testing.T) {
	l := NewL4Layer(packet.ProtoUDP, 4)
	ctx, p := segL4(packet.ProtoUDP, pdu.DirectionOriginator, 0, "hello", 0)

	ts, deliverable := l.ProcessStream(pdu.DirectionOriginator, ctx, p)
	assert.Contains(t, kindsOf(ts), L4FirstPacket)
	assert.Len(t, deliverable, 1)

	ctx2, p2 := segL4(packet.ProtoUDP, pdu.DirectionOriginator, 0, "world", 0)
	ts2, _ := l.ProcessStream(pdu.DirectionOriginator, ctx2, p2)
	assert.NotContains(t, kindsOf(ts2), L4FirstPacket)
}

func TestL4LayerUDPGoesStraightToPayload(t *testing.T) {
	l := NewL4Layer(packet.ProtoUDP, 4)
	ctx, p := segL4(packet.ProtoUDP, pdu.DirectionOriginator, 0, "hello", 0)

	ts, deliverable := l.ProcessStream(pdu.DirectionOriginator, ctx, p)
	assert.Equal(t, StatePayload, l.State)
	assert.Equal(t, []Transition{L4FirstPacket, L4InPayload}, kindsOf(ts))
	assert.Equal(t, []*pdu.PDU{p}, deliverable)
}

func TestL4LayerTCPHandshakeThenPayload(t *testing.T) {
	l := NewL4Layer(packet.ProtoTCP, 4)

	synCtx, synP := segL4(packet.ProtoTCP, pdu.DirectionOriginator, 100, "", packet.FlagSYN)
	ts, _ := l.ProcessStream(pdu.DirectionOriginator, synCtx, synP)
	assert.Contains(t, kindsOf(ts), L4FirstPacket)
	assert.Equal(t, StateHeaders, l.State)

	synAckCtx, synAckP := segL4(packet.ProtoTCP, pdu.DirectionResponder, 900, "", packet.FlagSYN|packet.FlagACK)
	l.ProcessStream(pdu.DirectionResponder, synAckCtx, synAckP)

	ackCtx, ackP := segL4(packet.ProtoTCP, pdu.DirectionOriginator, 101, "", packet.FlagACK)
	ts3, _ := l.ProcessStream(pdu.DirectionOriginator, ackCtx, ackP)
	assert.Contains(t, kindsOf(ts3), L4EndHandshake)
	assert.Equal(t, StatePayload, l.State)

	dataCtx, dataP := segL4(packet.ProtoTCP, pdu.DirectionOriginator, 101, "payload", packet.FlagACK)
	ts4, deliverable := l.ProcessStream(pdu.DirectionOriginator, dataCtx, dataP)
	assert.Contains(t, kindsOf(ts4), L4InPayload)
	assert.Len(t, deliverable, 1)
}

func TestL4LayerOverflowTerminatesConnection(t *testing.T) {
	l := NewL4Layer(packet.ProtoTCP, 1)

	synAckCtx, synAckP := segL4(packet.ProtoTCP, pdu.DirectionResponder, 900, "", packet.FlagSYN|packet.FlagACK)
	l.ProcessStream(pdu.DirectionResponder, synAckCtx, synAckP)

	for i := 0; i < 3; i++ {
		gapCtx, gapP := segL4(packet.ProtoTCP, pdu.DirectionResponder, 950+uint32(i)*10, "gap", packet.FlagACK)
		ts, _ := l.ProcessStream(pdu.DirectionResponder, gapCtx, gapP)
		if len(ts) > 0 && ts[len(ts)-1].Kind == L4Terminated {
			assert.Equal(t, StateNone, l.State)
			return
		}
	}
	t.Fatal("expected overflow to terminate the connection")
}

func TestL4LayerRSTTerminates(t *testing.T) {
	l := NewL4Layer(packet.ProtoTCP, 4)

	synAckCtx, synAckP := segL4(packet.ProtoTCP, pdu.DirectionResponder, 900, "", packet.FlagSYN|packet.FlagACK)
	l.ProcessStream(pdu.DirectionResponder, synAckCtx, synAckP)

	rstCtx, rstP := segL4(packet.ProtoTCP, pdu.DirectionResponder, 901, "", packet.FlagRST)
	ts, _ := l.ProcessStream(pdu.DirectionResponder, rstCtx, rstP)
	assert.Contains(t, kindsOf(ts), L4Terminated)
	assert.Equal(t, StateNone, l.State)
}
