package tlsparse

import (
	"bytes"
	"crypto/x509"
	"errors"

	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

const certificateHandshakeType = 11

// Certificate holds the DNS SAN entries extracted from every certificate in
// a TLS Certificate handshake message's chain (the server's reply to a
// Client Hello, carrying its leaf certificate and any intermediates).
type Certificate struct {
	SessionID gid.SessionID
	DNSNames  []string
}

// CertificateFactory probes a byte stream for a TLS Certificate handshake
// record.
type CertificateFactory struct{}

func NewCertificateFactory() *CertificateFactory { return &CertificateFactory{} }

func (*CertificateFactory) Name() string { return "tls-certificate" }

func (*CertificateFactory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	if view.Len() < int64(recordHeaderLength_bytes+1) {
		return proto.Unsure
	}
	if view.GetByte(0) != 0x16 {
		return proto.NotForUs
	}
	if view.GetByte(int64(recordHeaderLength_bytes)) != certificateHandshakeType {
		return proto.NotForUs
	}
	return proto.Certain
}

func (*CertificateFactory) New() proto.Parser { return &CertificateParser{} }

// CertificateParser buffers bytes until a full Certificate handshake record
// is available, then extracts the DNS SAN entries of every certificate in
// the chain, grounded on the teacher's gnet/tls/certificate_parser.go wire
// walk (record header, handshake header, 3-byte certificates_length, then
// a sequence of 3-byte-length-prefixed DER certificates).
type CertificateParser struct {
	buf      memview.MemView
	sessions []proto.Session
	done     bool
}

func (*CertificateParser) Name() string { return "tls-certificate" }

func (pr *CertificateParser) Parse(p *pdu.PDU) proto.ParseResult {
	if pr.done {
		return proto.ParseResult{Outcome: proto.ParseDone}
	}

	view, err := p.View()
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}
	pr.buf.Append(view)

	if pr.buf.Len() < recordHeaderLength_bytes {
		return proto.ParseResult{Outcome: proto.ParseContinue}
	}
	handshakeMsgLen := pr.buf.GetUint16(recordHeaderLength_bytes - 2)
	end := int64(recordHeaderLength_bytes) + int64(handshakeMsgLen)
	if pr.buf.Len() < end {
		return proto.ParseResult{Outcome: proto.ParseContinue}
	}

	cert, err := parseCertificateMessage(pr.buf.SubView(recordHeaderLength_bytes, end))
	pr.done = true
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}

	cert.SessionID = gid.GenerateSessionID()
	sess := proto.Session{ID: cert.SessionID, Data: cert}
	pr.sessions = append(pr.sessions, sess)
	return proto.ParseResult{Outcome: proto.ParseHeadersDone}
}

// parseCertificateMessage walks one Certificate handshake body (already
// stripped of the record header) and returns the DNS SAN entries of every
// certificate it can parse. A certificate entry that fails to parse is
// skipped rather than aborting the whole message, since a chain's
// intermediates/root are rarely what a subscriber cares about and spec.md
// §4.5 treats a parser's job as best-effort session extraction.
func parseCertificateMessage(buf memview.MemView) (Certificate, error) {
	if buf.Len() < 7 {
		return Certificate{}, errors.New("tlsparse: truncated certificate message")
	}
	offset := int64(handshakeHeaderLength_bytes) // handshake type(1) + length(3)
	certsLen := buf.GetUint24(offset)
	offset += 3
	list := buf.SubView(offset, offset+int64(certsLen))

	var names []string
	for listOffset := int64(0); listOffset+3 <= list.Len(); {
		oneLen := int64(list.GetUint24(listOffset))
		listOffset += 3
		if listOffset+oneLen > list.Len() {
			break
		}
		der, err := readAll(list.SubView(listOffset, listOffset+oneLen))
		listOffset += oneLen
		if err != nil {
			continue
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		names = append(names, c.DNSNames...)
	}
	if names == nil {
		return Certificate{}, errors.New("tlsparse: no parseable certificates in chain")
	}
	return Certificate{DNSNames: names}, nil
}

func readAll(view memview.MemView) ([]byte, error) {
	var buf bytes.Buffer
	reader := view.CreateReader()
	if _, err := reader.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (pr *CertificateParser) RemoveSession(int) {}

func (pr *CertificateParser) DrainSessions() []proto.Session {
	out := pr.sessions
	pr.sessions = nil
	return out
}

func (*CertificateParser) BodyOffset() (int, bool) { return 0, false }
