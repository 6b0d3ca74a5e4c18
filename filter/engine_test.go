package filter

import (
	"testing"
	"time"

	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// certainFactory always probes Certain and hands out a parser that reaches
// ParseHeadersDone on its first call with data, so the L7 layer reliably
// advances Discovery -> Headers -> Payload within a couple of packets.
type certainFactory struct{}

func (certainFactory) Name() string { return "stub" }
func (certainFactory) Probe(*pdu.PDU) proto.ProbeResult { return proto.Certain }
func (certainFactory) New() proto.Parser                { return &certainParser{} }

type certainParser struct{ done bool }

func (*certainParser) Name() string { return "stub" }
func (p *certainParser) Parse(pd *pdu.PDU) proto.ParseResult {
	if p.done {
		if pd.Len() > 0 {
			return proto.ParseResult{Outcome: proto.ParseContinue}
		}
		return proto.ParseResult{Outcome: proto.ParseNone}
	}
	p.done = true
	return proto.ParseResult{Outcome: proto.ParseHeadersDone}
}
func (*certainParser) RemoveSession(int)            {}
func (*certainParser) DrainSessions() []proto.Session { return nil }
func (*certainParser) BodyOffset() (int, bool)       { return 0, false }

func seg(src, dst packet.SocketAddr, seq uint32, payload string, flags packet.TCPFlags) (packet.L4Context, *pdu.PDU) {
	data := []byte(payload)
	frame := pdu.NewFrame(memview.New(data), time.Unix(0, 0), pdu.DirectionOriginator)
	ctx := packet.L4Context{
		Proto: packet.ProtoTCP, Src: src, Dst: dst, Seq: seq,
		PayloadOffset: 0, PayloadLength: len(data), Flags: flags,
	}
	return ctx, pdu.New(frame, ctx, pdu.DirectionOriginator)
}

func buildConnection(t *testing.T) (*conn.Connection, packet.SocketAddr, packet.SocketAddr) {
	t.Helper()
	registry := proto.NewRegistry(certainFactory{})
	src := packet.SocketAddr{IP: []byte{10, 0, 0, 1}, Port: 4000}
	dst := packet.SocketAddr{IP: []byte{10, 0, 0, 2}, Port: 80}
	now := time.Unix(1000, 0)

	synCtx, synP := seg(src, dst, 100, "", packet.FlagSYN)
	c := conn.New(synCtx, registry, 4, 30*time.Second, now)
	c.Update(now, synCtx, synP)

	synAckCtx, synAckP := seg(dst, src, 900, "", packet.FlagSYN|packet.FlagACK)
	c.Update(now, synAckCtx, synAckP)

	ackCtx, ackP := seg(src, dst, 101, "", packet.FlagACK)
	c.Update(now, ackCtx, ackP)

	return c, src, dst
}

func TestEngineDeliversSubscriptionAtRequiredLevel(t *testing.T) {
	c, src, dst := buildConnection(t)

	b := NewBuilder()
	root := b.Root(LayerL7, conn.StateHeaders)
	root.Action = NodeAction{Bits: conn.Parse | conn.Track}

	var delivered []conn.Transition
	sub := &Subscription{
		RequiredLevels: []conn.Transition{conn.L7EndHeaders},
		Callback: func(tr conn.StateTransition, _ *conn.Connection, state interface{}) interface{} {
			delivered = append(delivered, tr.Kind)
			return state
		},
	}
	b.Subscribe(root, sub)
	engine := b.Build()

	now := time.Unix(1000, 0)
	dataCtx, dataP := seg(src, dst, 101, "GET / HTTP/1.1\r\n", packet.FlagACK)
	transitions := c.Update(now, dataCtx, dataP)

	for _, tr := range transitions {
		view := BuildView(c, "", "")
		pending := engine.Evaluate(c, tr, view, nil)
		engine.Dispatch(c, pending)
	}

	assert.Contains(t, delivered, conn.L7EndHeaders)
	assert.NotContains(t, delivered, conn.L7OnDiscovery)
}

func TestEngineAssertsNodeActionsOnPrecondition(t *testing.T) {
	c, src, dst := buildConnection(t)

	b := NewBuilder()
	root := b.Root(LayerL7, conn.StateHeaders)
	root.Action = NodeAction{Bits: conn.Deliver, RefreshOn: []conn.Transition{conn.L7EndHeaders}}
	engine := b.Build()

	now := time.Unix(1000, 0)
	dataCtx, dataP := seg(src, dst, 101, "GET / HTTP/1.1\r\n", packet.FlagACK)
	transitions := c.Update(now, dataCtx, dataP)
	require.NotEmpty(t, transitions)

	for _, tr := range transitions {
		engine.Evaluate(c, tr, BuildView(c, "", ""), nil)
	}

	assert.True(t, c.L7.Tracked.Active().Has(conn.Deliver))
}

func TestEnginePassThroughReassertedWhileL7Active(t *testing.T) {
	c, src, dst := buildConnection(t)

	b := NewBuilder()
	root := b.Root(LayerL7, conn.StateHeaders)
	root.Action = NodeAction{Bits: conn.Track}
	engine := b.Build()

	now := time.Unix(1000, 0)
	dataCtx, dataP := seg(src, dst, 101, "x", packet.FlagACK)
	transitions := c.Update(now, dataCtx, dataP)
	require.NotEmpty(t, transitions)

	for _, tr := range transitions {
		engine.Evaluate(c, tr, BuildView(c, "", ""), nil)
	}

	assert.True(t, c.L4.Tracked.Active().Has(conn.PassThrough))
}

func TestEngineExplicitLevelSubscriptionDeliversAtMostOnce(t *testing.T) {
	c, src, dst := buildConnection(t)

	b := NewBuilder()
	root := b.Root(LayerL7, conn.StateHeaders)
	lvl := conn.L7EndHeaders
	count := 0
	sub := &Subscription{
		ExplicitLevel: &lvl,
		Callback: func(conn.StateTransition, *conn.Connection, interface{}) interface{} {
			count++
			return nil
		},
	}
	b.Subscribe(root, sub)
	engine := b.Build()

	now := time.Unix(1000, 0)
	dataCtx, dataP := seg(src, dst, 101, "GET / HTTP/1.1\r\n", packet.FlagACK)
	transitions := c.Update(now, dataCtx, dataP)
	for _, tr := range transitions {
		pending := engine.Evaluate(c, tr, BuildView(c, "", ""), nil)
		engine.Dispatch(c, pending)
	}

	moreCtx, moreP := seg(src, dst, 200, "more", packet.FlagACK)
	transitions2 := c.Update(now, moreCtx, moreP)
	for _, tr := range transitions2 {
		pending := engine.Evaluate(c, tr, BuildView(c, "", ""), nil)
		engine.Dispatch(c, pending)
	}

	assert.Equal(t, 1, count)
}
