package tlsparse

import (
	"io"

	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

const (
	minServerHelloLength_bytes = 11
	serverRandomLength_bytes   = 32
)

var serverHelloBytes = []byte{
	0x16,       // handshake record
	0x03, 0x03, // record version 3.3
	0x00, 0x00, // length, ignored

	0x02,             // Server Hello
	0x00, 0x00, 0x00, // length, ignored

	0x03, 0x03, // server version 3.3 (TLS 1.2)
}

var serverHelloMask = []byte{
	0xff,
	0xff, 0xff,
	0x00, 0x00,

	0xff,
	0x00, 0x00, 0x00,

	0xff, 0xff,
}

// ServerHello holds what was extracted from one TLS Server Hello message:
// the version the server selected (overridden by the Supported Versions
// extension when TLS 1.3 is negotiated), the single cipher suite it chose,
// the extensions it echoed back, and the ALPN protocol it selected, if any
// — the fields JA3S is computed over (see ja3.GetJa3SHash).
type ServerHello struct {
	SessionID gid.SessionID

	Version      uint16
	CipherSuite  uint16
	Extensions   []uint16
	SelectedALPN string
}

// ServerHelloFactory probes a byte stream for a TLS Server Hello handshake
// record, grounded on the teacher's gnet/tls/server_parser_factory.go byte
// mask.
type ServerHelloFactory struct{}

func NewServerHelloFactory() *ServerHelloFactory { return &ServerHelloFactory{} }

func (*ServerHelloFactory) Name() string { return "tls-server-hello" }

func (*ServerHelloFactory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	if view.Len() < minServerHelloLength_bytes {
		return proto.Unsure
	}
	for i, want := range serverHelloBytes {
		if view.GetByte(int64(i))&serverHelloMask[i] != want {
			return proto.NotForUs
		}
	}
	return proto.Certain
}

func (*ServerHelloFactory) New() proto.Parser { return &ServerHelloParser{} }

// ServerHelloParser buffers bytes until a full Server Hello record is
// available, then extracts its cipher suite, extensions, and selected
// ALPN protocol. Grounded on the teacher's tlsServerHelloParser.parse, but
// narrowed to the Server Hello message itself: the certificate chain that
// follows it is this module's CertificateParser's job, kept as a separate
// session the way spec.md §4.5 treats every handshake message as its own
// parser/session.
type ServerHelloParser struct {
	buf      memview.MemView
	sessions []proto.Session
	done     bool
}

func (*ServerHelloParser) Name() string { return "tls-server-hello" }

func (pr *ServerHelloParser) Parse(p *pdu.PDU) proto.ParseResult {
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

	hello, err := parseServerHello(pr.buf.SubView(recordHeaderLength_bytes, end))
	pr.done = true
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}

	hello.SessionID = gid.GenerateSessionID()
	sess := proto.Session{ID: hello.SessionID, Data: hello}
	pr.sessions = append(pr.sessions, sess)
	return proto.ParseResult{Outcome: proto.ParseHeadersDone}
}

func parseServerHello(buf memview.MemView) (ServerHello, error) {
	reader := buf.CreateReader()
	if _, err := reader.Seek(handshakeHeaderLength_bytes, io.SeekCurrent); err != nil {
		return ServerHello{}, err
	}
	version, err := reader.ReadUint16()
	if err != nil {
		return ServerHello{}, err
	}
	if _, err := reader.Seek(serverRandomLength_bytes, io.SeekCurrent); err != nil {
		return ServerHello{}, err
	}
	if err := reader.ReadByteAndSeek(); err != nil { // session id
		return ServerHello{}, err
	}

	cipherSuite, err := reader.ReadUint16()
	if err != nil {
		return ServerHello{}, err
	}
	if _, err := reader.Seek(1, io.SeekCurrent); err != nil { // compression method
		return ServerHello{}, err
	}

	hello := ServerHello{Version: version, CipherSuite: cipherSuite}

	_, extReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		// A Server Hello without extensions is valid (pre-TLS-1.2 style).
		return hello, nil
	}

	for {
		val, err := extReader.ReadUint16()
		if err == io.EOF {
			break
		} else if err != nil {
			return hello, err
		}
		extType := extensionID(val)
		hello.Extensions = append(hello.Extensions, val)

		extLen, contentReader, err := extReader.ReadUint16AndTruncate()
		if err != nil {
			return hello, err
		}
		if _, err := extReader.Seek(int64(extLen), io.SeekCurrent); err != nil {
			return hello, err
		}

		switch extType {
		case supportedVersionsExtensionID:
			if v, err := contentReader.ReadUint16(); err == nil {
				hello.Version = v
			}
		case alpnExtensionID:
			if protocols := parseALPN(contentReader); len(protocols) > 0 {
				hello.SelectedALPN = protocols[0]
			}
		}
	}

	return hello, nil
}

func (pr *ServerHelloParser) RemoveSession(int) {}

func (pr *ServerHelloParser) DrainSessions() []proto.Session {
	out := pr.sessions
	pr.sessions = nil
	return out
}

func (*ServerHelloParser) BodyOffset() (int, bool) { return 0, false }
