// Package sshparse recognizes the SSH version-exchange banner and tracks
// the binary protocol's key-exchange handshake up through NEWKEYS, the
// point after which the session is encrypted. Ported from
// original_source's ssh::parser (itself built on the Rusticata SSH
// grammar) into the proto.Factory/Parser contract, using stdlib binary
// decoding in place of a dedicated SSH parsing crate.
package sshparse

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

const (
	msgKexInit = 20
	msgNewKeys = 21

	binaryPacketMinLength = 5 // 4-byte length + 1-byte padding length
)

var identifierPrefix = []byte("SSH-")

// VersionExchange holds one side's SSH-<protoversion>-<softwareversion>
// identification string, per RFC 4253 §4.2.
type VersionExchange struct {
	ProtoVersion    string
	SoftwareVersion string
	Comment         string
}

// Handshake accumulates both sides' version strings and whether each side
// has completed its half of the key exchange, up to NEWKEYS.
type Handshake struct {
	SessionID gid.SessionID

	ClientVersion *VersionExchange
	ServerVersion *VersionExchange

	ClientKeyExchangeSeen bool
	ServerKeyExchangeSeen bool
	ClientNewKeys         bool
	ServerNewKeys         bool
}

func (h *Handshake) done() bool { return h.ClientNewKeys && h.ServerNewKeys }

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Name() string { return "ssh" }

func (*Factory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	if view.Len() < int64(len(identifierPrefix)) {
		return proto.Unsure
	}
	if view.Index(0, identifierPrefix) == 0 {
		return proto.Certain
	}
	return proto.NotForUs
}

func (*Factory) New() proto.Parser {
	return &Parser{handshake: Handshake{SessionID: gid.GenerateSessionID()}}
}

// Parser tracks the handshake across both directions of one connection.
// Unlike HTTP or TLS, SSH's handshake is genuinely bidirectional: the
// client and server each send their own version string and KEXINIT/NEWKEYS
// messages, so Parse must be direction-aware.
type Parser struct {
	handshake    Handshake
	bodyOffset   int
	hasBodyOff   bool
	finished     bool
}

func (*Parser) Name() string { return "ssh" }

func (pr *Parser) Parse(p *pdu.PDU) proto.ParseResult {
	if pr.finished {
		return proto.ParseResult{Outcome: proto.ParseDone}
	}

	view, err := p.View()
	if err != nil || view.Len() == 0 {
		return proto.ParseResult{Outcome: proto.ParseSkipped}
	}
	data := []byte(view.String())
	isClient := p.Dir() == pdu.DirectionOriginator

	if idx := bytes.Index(data, identifierPrefix); idx >= 0 {
		pr.parseVersionExchange(data[idx:], isClient)
		return proto.ParseResult{Outcome: proto.ParseContinue}
	}

	remaining, ok := pr.parseBinaryPacket(data, isClient)
	if !ok {
		return proto.ParseResult{Outcome: proto.ParseSkipped}
	}

	if pr.handshake.done() {
		pr.finished = true
		if remaining > 0 && remaining < len(data) {
			pr.bodyOffset = len(data) - remaining
			pr.hasBodyOff = true
		}
		return proto.ParseResult{Outcome: proto.ParseHeadersDone}
	}
	return proto.ParseResult{Outcome: proto.ParseContinue}
}

// parseVersionExchange extracts the SSH-protoversion-softwareversion[ comment]
// identification line, per RFC 4253 §4.2.
func (pr *Parser) parseVersionExchange(data []byte, isClient bool) {
	line := data
	if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
		line = data[:idx]
	}
	fields := strings.SplitN(string(line), "-", 3)
	if len(fields) < 3 {
		return
	}
	ve := VersionExchange{ProtoVersion: fields[1]}
	rest := fields[2]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		ve.SoftwareVersion = rest[:sp]
		ve.Comment = rest[sp+1:]
	} else {
		ve.SoftwareVersion = rest
	}

	if isClient {
		pr.handshake.ClientVersion = &ve
	} else {
		pr.handshake.ServerVersion = &ve
	}
}

// parseBinaryPacket decodes one SSH binary protocol packet (RFC 4253 §6)
// far enough to read its message type, tracking KEXINIT/NEWKEYS. Returns
// the number of trailing bytes left unconsumed after the packet (MAC plus
// any pipelined data) and whether the packet was well-formed enough to
// read its type byte.
func (pr *Parser) parseBinaryPacket(data []byte, isClient bool) (remaining int, ok bool) {
	if len(data) < binaryPacketMinLength {
		return 0, false
	}
	packetLen := binary.BigEndian.Uint32(data[0:4])
	paddingLen := data[4]
	if int(packetLen) < 1+int(paddingLen) || len(data) < 4+int(packetLen) {
		return 0, false
	}
	payload := data[5 : 4+int(packetLen)-int(paddingLen)]
	if len(payload) == 0 {
		return 0, false
	}

	msgType := payload[0]
	switch msgType {
	case msgKexInit:
		if isClient {
			pr.handshake.ClientKeyExchangeSeen = true
		} else {
			pr.handshake.ServerKeyExchangeSeen = true
		}
	case msgNewKeys:
		if isClient {
			pr.handshake.ClientNewKeys = true
		} else {
			pr.handshake.ServerNewKeys = true
		}
	}

	consumed := 4 + int(packetLen)
	return len(data) - consumed, true
}

func (pr *Parser) RemoveSession(int) {}

func (pr *Parser) DrainSessions() []proto.Session {
	return []proto.Session{{ID: pr.handshake.SessionID, Data: pr.handshake}}
}

func (pr *Parser) BodyOffset() (int, bool) {
	off, ok := pr.bodyOffset, pr.hasBodyOff
	pr.hasBodyOff = false
	return off, ok
}
