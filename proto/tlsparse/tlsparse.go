// Package tlsparse extracts TLS 1.2/1.3 Client Hello metadata (SNI hostname,
// ALPN protocols) from the handshake, the way the teacher's gnet/tls client
// parser does, adapted to the probe/parse contract in proto.
package tlsparse

import (
	"errors"
	"io"

	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

const (
	minClientHelloLength_bytes  = 11
	recordHeaderLength_bytes    = 5
	handshakeHeaderLength_bytes = 4
	clientRandomLength_bytes    = 32
)

type extensionID uint16

const (
	serverNameExtensionID       extensionID = 0
	supportedGroupsExtensionID  extensionID = 10
	ecPointFormatsExtensionID   extensionID = 11
	alpnExtensionID             extensionID = 16
	supportedVersionsExtensionID extensionID = 0x2b
)

type sniType byte

const dnsHostnameSNIType sniType = 0x00

var clientHelloBytes = []byte{
	0x16,       // handshake record
	0x03, 0x01, // record version 3.1
	0x00, 0x00, // length, ignored

	0x01,             // Client Hello
	0x00, 0x00, 0x00, // length, ignored

	0x03, 0x03, // client version 3.3 (TLS 1.2)
}

var clientHelloMask = []byte{
	0xff,
	0xff, 0xff,
	0x00, 0x00,

	0xff,
	0x00, 0x00, 0x00,

	0xff, 0xff,
}

// ClientHello holds what was extracted from one TLS Client Hello message.
// Version/CipherSuites/Extensions/SupportedCurves/SupportedPoints are the
// fields a JA3 fingerprint is computed over (see ja3.GetJa3Hash); Hostname/ALPN
// are what a subscription callback is most likely to filter or report on.
type ClientHello struct {
	SessionID gid.SessionID
	Hostname  string
	ALPN      []string

	Version         uint16
	CipherSuites    []uint16
	Extensions      []uint16
	SupportedCurves []uint16
	SupportedPoints []byte
}

// Factory probes a byte stream for a TLS Client Hello handshake record.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Name() string { return "tls-client-hello" }

func (*Factory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	if view.Len() < minClientHelloLength_bytes {
		return proto.Unsure
	}
	for i, want := range clientHelloBytes {
		if view.GetByte(int64(i))&clientHelloMask[i] != want {
			return proto.NotForUs
		}
	}
	return proto.Certain
}

func (*Factory) New() proto.Parser { return &Parser{} }

// Parser buffers bytes until a full Client Hello record is available, then
// extracts the SNI hostname and ALPN protocol list.
type Parser struct {
	buf      memview.MemView
	sessions []proto.Session
	done     bool
}

func (*Parser) Name() string { return "tls-client-hello" }

func (pr *Parser) Parse(p *pdu.PDU) proto.ParseResult {
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

	hello, err := pr.parseHandshake(pr.buf.SubView(recordHeaderLength_bytes, end))
	pr.done = true
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}

	sess := proto.Session{ID: gid.GenerateSessionID(), Data: hello}
	pr.sessions = append(pr.sessions, sess)
	return proto.ParseResult{Outcome: proto.ParseHeadersDone, SessionID: 0}
}

func (pr *Parser) parseHandshake(buf memview.MemView) (ClientHello, error) {
	reader := buf.CreateReader()
	if _, err := reader.Seek(handshakeHeaderLength_bytes, io.SeekCurrent); err != nil {
		return ClientHello{}, err
	}
	version, err := reader.ReadUint16()
	if err != nil {
		return ClientHello{}, err
	}
	if _, err := reader.Seek(clientRandomLength_bytes, io.SeekCurrent); err != nil {
		return ClientHello{}, err
	}
	if err := reader.ReadByteAndSeek(); err != nil { // session id
		return ClientHello{}, err
	}

	_, cipherReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return ClientHello{}, errors.New("tlsparse: malformed client hello")
	}
	var cipherSuites []uint16
	for {
		cs, err := cipherReader.ReadUint16()
		if err == io.EOF {
			break
		} else if err != nil {
			return ClientHello{}, err
		}
		cipherSuites = append(cipherSuites, cs)
	}

	if err := reader.ReadByteAndSeek(); err != nil { // compression methods
		return ClientHello{}, err
	}
	_, extReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return ClientHello{}, errors.New("tlsparse: malformed client hello")
	}

	hello := ClientHello{Version: version, CipherSuites: cipherSuites}
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
		case serverNameExtensionID:
			if host, err := parseSNI(contentReader); err == nil {
				hello.Hostname = host
			}
		case alpnExtensionID:
			hello.ALPN = parseALPN(contentReader)
		case supportedGroupsExtensionID:
			hello.SupportedCurves = parseSupportedGroups(contentReader)
		case ecPointFormatsExtensionID:
			hello.SupportedPoints = parseECPointFormats(contentReader)
		}
	}
	return hello, nil
}

func parseSupportedGroups(reader *memview.MemViewReader) []uint16 {
	var out []uint16
	_, listReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return out
	}
	for {
		group, err := listReader.ReadUint16()
		if err != nil {
			return out
		}
		out = append(out, group)
	}
}

func parseECPointFormats(reader *memview.MemViewReader) []byte {
	var out []byte
	n, err := reader.ReadByte()
	if err != nil {
		return out
	}
	for i := byte(0); i < n; i++ {
		b, err := reader.ReadByte()
		if err != nil {
			return out
		}
		out = append(out, b)
	}
	return out
}

func parseSNI(reader *memview.MemViewReader) (string, error) {
	for {
		entryLen, entryReader, err := reader.ReadUint16AndTruncate()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
		if _, err := reader.Seek(int64(entryLen), io.SeekCurrent); err != nil {
			return "", err
		}

		typ, err := entryReader.ReadByte()
		if err != nil {
			return "", err
		}
		if sniType(typ) == dnsHostnameSNIType {
			return entryReader.ReadString_uint16()
		}
	}
	return "", errors.New("tlsparse: no SNI hostname present")
}

func parseALPN(reader *memview.MemViewReader) []string {
	var out []string
	_, listReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return out
	}
	for {
		protocol, err := listReader.ReadString_byte()
		if err != nil {
			return out
		}
		out = append(out, protocol)
	}
}

func (pr *Parser) RemoveSession(int) {}

func (pr *Parser) DrainSessions() []proto.Session {
	out := pr.sessions
	pr.sessions = nil
	return out
}

func (*Parser) BodyOffset() (int, bool) { return 0, false }
