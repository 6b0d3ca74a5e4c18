// Package dnsparse decodes DNS messages carried over UDP, grounded on the
// teacher's *layers.DNS case in pcap/pcap.go — the one application-layer
// gopacket decoder the teacher itself reaches for, here adapted to the
// proto.Factory/Parser contract instead of a direct gopacket ApplicationLayer
// type switch.
package dnsparse

import (
	"github.com/google/gopacket/layers"
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

// Message mirrors the fields the teacher's gnet.DNSRequest pulled off
// layers.DNS.
type Message struct {
	SessionID gid.SessionID
	ID        uint16
	QR        bool
	OpCode    layers.DNSOpCode

	AA bool
	TC bool
	RD bool
	RA bool

	ResponseCode layers.DNSResponseCode

	Questions   []layers.DNSQuestion
	Answers     []layers.DNSResourceRecord
	Authorities []layers.DNSResourceRecord
	Additionals []layers.DNSResourceRecord
}

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Name() string { return "dns" }

// Probe decodes the payload as a standalone layers.DNS message: DNS over
// UDP carries one full message per datagram, so there's nothing to wait
// for — a successful decode is Certain, a failed one is NotForUs.
func (*Factory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	if view.Len() == 0 {
		return proto.Unsure
	}

	var dns layers.DNS
	if err := dns.DecodeFromBytes([]byte(view.String()), nil); err != nil {
		return proto.NotForUs
	}
	return proto.Certain
}

func (*Factory) New() proto.Parser {
	return &Parser{pending: make(map[uint16]*Message)}
}

// Transaction pairs a DNS query with its response by transaction ID, per
// spec.md §8 scenario 2: a subscription watching this connection receives
// exactly one invocation carrying both the query and the response.
// A Transaction is emitted only when a response arrives, so Response is
// never nil; Query is nil for a response with no pending query. A query
// that is never answered stays pending and is not emitted.
type Transaction struct {
	SessionID gid.SessionID
	ID        uint16
	Query     *Message
	Response  *Message
}

// Parser decodes each PDU as a standalone DNS message, then pairs a
// QR=false query against the later QR=true response carrying the same
// transaction ID, emitting one Transaction session per matched pair. DNS's
// lack of a reassembly/header-vs-body split means every Parse call on a
// decodable PDU yields either ParseContinue (still waiting on the other
// half of the pair) or ParseHeadersDone (a pair just completed), matching
// how sessions accumulate in `sessions` either way; a PDU that does not
// decode as DNS yields ParseNone.
type Parser struct {
	pending  map[uint16]*Message
	sessions []proto.Session
}

func (*Parser) Name() string { return "dns" }

func (pr *Parser) Parse(p *pdu.PDU) proto.ParseResult {
	view, err := p.View()
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}

	var dns layers.DNS
	if err := dns.DecodeFromBytes([]byte(view.String()), nil); err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}

	msg := &Message{
		SessionID:    gid.GenerateSessionID(),
		ID:           dns.ID,
		QR:           dns.QR,
		OpCode:       dns.OpCode,
		AA:           dns.AA,
		TC:           dns.TC,
		RD:           dns.RD,
		RA:           dns.RA,
		ResponseCode: dns.ResponseCode,
		Questions:    dns.Questions,
		Answers:      dns.Answers,
		Authorities:  dns.Authorities,
		Additionals:  dns.Additionals,
	}

	if !msg.QR {
		pr.pending[msg.ID] = msg
		return proto.ParseResult{Outcome: proto.ParseContinue}
	}

	query := pr.pending[msg.ID]
	delete(pr.pending, msg.ID)

	txn := Transaction{
		SessionID: gid.GenerateSessionID(),
		ID:        msg.ID,
		Query:     query,
		Response:  msg,
	}
	pr.sessions = append(pr.sessions, proto.Session{ID: txn.SessionID, Data: txn})
	return proto.ParseResult{Outcome: proto.ParseHeadersDone}
}

func (pr *Parser) RemoveSession(int) {}

func (pr *Parser) DrainSessions() []proto.Session {
	out := pr.sessions
	pr.sessions = nil
	return out
}

func (*Parser) BodyOffset() (int, bool) { return 0, false }
