package quicparse

import (
	"testing"
	"time"

	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quicPDU(data []byte) *pdu.PDU {
	frame := pdu.NewFrame(memview.New(data), time.Unix(0, 0), pdu.DirectionOriginator)
	ctx := packet.L4Context{Proto: packet.ProtoUDP, PayloadOffset: 0, PayloadLength: len(data)}
	return pdu.New(frame, ctx, pdu.DirectionOriginator)
}

func initialPacket(version uint32) []byte {
	return []byte{
		0xc0, // long header, fixed bit set, type=Initial
		byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version),
		0x00, // rest of header, irrelevant to detection
	}
}

func initialPacketWithCIDs(dcid, scid []byte) []byte {
	out := []byte{0xc0, 0x00, 0x00, 0x00, 0x01}
	out = append(out, byte(len(dcid)))
	out = append(out, dcid...)
	out = append(out, byte(len(scid)))
	out = append(out, scid...)
	return out
}

func TestFactoryProbeCertainOnInitialPacket(t *testing.T) {
	f := NewFactory()
	res := f.Probe(quicPDU(initialPacket(1)))
	assert.Equal(t, proto.Certain, res)
}

func TestFactoryProbeNotForUsOnVersionNegotiation(t *testing.T) {
	f := NewFactory()
	res := f.Probe(quicPDU(initialPacket(0)))
	assert.Equal(t, proto.NotForUs, res)
}

func TestFactoryProbeNotForUsWithoutLongHeaderBit(t *testing.T) {
	f := NewFactory()
	res := f.Probe(quicPDU([]byte{0x01, 0x00, 0x00, 0x00, 0x01}))
	assert.Equal(t, proto.NotForUs, res)
}

func TestFactoryProbeUnsureOnShortInput(t *testing.T) {
	f := NewFactory()
	res := f.Probe(quicPDU([]byte{0xc0, 0x00}))
	assert.Equal(t, proto.Unsure, res)
}

func TestParserRecordsVersionOnce(t *testing.T) {
	p := NewFactory().New()
	res := p.Parse(quicPDU(initialPacket(1)))
	require.Equal(t, proto.ParseDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	meta, ok := sessions[0].Data.(HandshakeMetadata)
	require.True(t, ok)
	assert.Equal(t, uint32(1), meta.Version)

	res2 := p.Parse(quicPDU(initialPacket(1)))
	assert.Equal(t, proto.ParseDone, res2.Outcome)
	assert.Empty(t, p.DrainSessions())
}

func TestParserExtractsConnectionIDsAsHex(t *testing.T) {
	p := NewFactory().New()
	data := initialPacketWithCIDs([]byte{0xde, 0xad, 0xbe, 0xef}, []byte{0x01, 0x02})
	res := p.Parse(quicPDU(data))
	require.Equal(t, proto.ParseDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	meta, ok := sessions[0].Data.(HandshakeMetadata)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", meta.DCID)
	assert.Equal(t, "0102", meta.SCID)
	assert.Equal(t, PacketTypeInitial, meta.Type)
}
