package dnsparse

import (
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDNSQuery(name string) []byte {
	dns := layers.DNS{
		ID:     0x1234,
		QR:     false,
		OpCode: layers.DNSOpCodeQuery,
		RD:     true,
		Questions: []layers.DNSQuestion{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	dns.QDCount = uint16(len(dns.Questions))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, &dns); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func buildDNSResponse(id uint16, name string, ip [4]byte) []byte {
	dns := layers.DNS{
		ID: id,
		QR: true,
		OpCode: layers.DNSOpCodeQuery,
		RA: true,
		Questions: []layers.DNSQuestion{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
		Answers: []layers.DNSResourceRecord{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN, IP: ip[:]},
		},
	}
	dns.QDCount = uint16(len(dns.Questions))
	dns.ANCount = uint16(len(dns.Answers))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, &dns); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func dnsPDU(data []byte, dir pdu.Direction) *pdu.PDU {
	frame := pdu.NewFrame(memview.New(data), time.Unix(0, 0), dir)
	ctx := packet.L4Context{Proto: packet.ProtoUDP, PayloadOffset: 0, PayloadLength: len(data)}
	return pdu.New(frame, ctx, dir)
}

func TestFactoryProbeCertainOnValidDNSMessage(t *testing.T) {
	f := NewFactory()
	res := f.Probe(dnsPDU(buildDNSQuery("example.com"), pdu.DirectionOriginator))
	assert.Equal(t, proto.Certain, res)
}

func TestFactoryProbeNotForUsOnGarbage(t *testing.T) {
	f := NewFactory()
	res := f.Probe(dnsPDU([]byte("this is not a dns packet at all, far too long and wrong"), pdu.DirectionOriginator))
	assert.Equal(t, proto.NotForUs, res)
}

func TestFactoryProbeUnsureOnEmptyPayload(t *testing.T) {
	f := NewFactory()
	res := f.Probe(dnsPDU(nil, pdu.DirectionOriginator))
	assert.Equal(t, proto.Unsure, res)
}

func TestParserHoldsQueryUntilResponseArrives(t *testing.T) {
	p := NewFactory().New()
	res := p.Parse(dnsPDU(buildDNSQuery("example.com"), pdu.DirectionOriginator))
	assert.Equal(t, proto.ParseContinue, res.Outcome)
	assert.Empty(t, p.DrainSessions())
}

func TestParserPairsQueryAndResponseByTransactionID(t *testing.T) {
	p := NewFactory().New()
	p.Parse(dnsPDU(buildDNSQuery("example.com"), pdu.DirectionOriginator))
	res := p.Parse(dnsPDU(buildDNSResponse(0x1234, "example.com", [4]byte{1, 2, 3, 4}), pdu.DirectionResponder))
	require.Equal(t, proto.ParseHeadersDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	txn, ok := sessions[0].Data.(Transaction)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), txn.ID)
	require.NotNil(t, txn.Query)
	require.NotNil(t, txn.Response)
	require.Len(t, txn.Query.Questions, 1)
	assert.Equal(t, "example.com", string(txn.Query.Questions[0].Name))
	require.Len(t, txn.Response.Answers, 1)
	assert.Equal(t, "1.2.3.4", txn.Response.Answers[0].IP.String())
}

func TestParserPairsResponseWithoutAMatchingQuery(t *testing.T) {
	p := NewFactory().New()
	res := p.Parse(dnsPDU(buildDNSResponse(0x9999, "example.com", [4]byte{1, 2, 3, 4}), pdu.DirectionResponder))
	require.Equal(t, proto.ParseHeadersDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	txn, ok := sessions[0].Data.(Transaction)
	require.True(t, ok)
	assert.Nil(t, txn.Query)
	require.NotNil(t, txn.Response)
}
