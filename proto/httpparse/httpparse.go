// Package httpparse recognizes and parses HTTP/1.x requests and responses,
// grounded on the teacher's gnet/http method/status-line probes, adapted to
// the proto.Factory/Parser contract and extended to expose parsed headers
// via martian/v3/har for export.
package httpparse

import (
	"strconv"
	"strings"

	"github.com/google/martian/v3/har"
	"github.com/mel2oo/conntrack/gid"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

const (
	minSupportedMethodLength = 3
	maxSupportedMethodLength = 7
	minStatusLineLength      = 12
)

var supportedMethods = []string{
	"GET", "POST", "DELETE", "HEAD", "PUT", "PATCH", "CONNECT", "OPTIONS", "TRACE",
}

// Message is what gets attached to a Session once a request or response's
// headers are fully parsed.
type Message struct {
	SessionID     gid.SessionID
	IsRequest     bool
	StartLine     string
	Headers       map[string][]string
	ContentLength int
	HAR           *har.Entry
}

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Name() string { return "http" }

func (*Factory) Probe(p *pdu.PDU) proto.ProbeResult {
	view, err := p.View()
	if err != nil {
		return proto.NotForUs
	}
	raw := view.String()

	if len(raw) >= minStatusLineLength && strings.HasPrefix(raw, "HTTP/1.") {
		return proto.Certain
	}

	for _, m := range supportedMethods {
		if strings.HasPrefix(raw, m+" ") {
			return proto.Certain
		}
	}

	if len(raw) < maxSupportedMethodLength {
		return proto.Unsure
	}
	return proto.NotForUs
}

func (*Factory) New() proto.Parser { return &Parser{} }

// Parser buffers bytes until the blank line ending the header block
// arrives, extracts Content-Length, then reports once the byte offset, within
// the PDU that completed the headers, where the body begins so the
// connection layer can trim the view to just the body.
type Parser struct {
	buf       memview.MemView
	headerEnd int64
	msg       *Message
	sessions  []proto.Session
}

func (*Parser) Name() string { return "http" }

func (pr *Parser) Parse(p *pdu.PDU) proto.ParseResult {
	if pr.msg != nil {
		return proto.ParseResult{Outcome: proto.ParseDone}
	}

	view, err := p.View()
	if err != nil {
		return proto.ParseResult{Outcome: proto.ParseNone}
	}
	before := pr.buf.Len()
	pr.buf.Append(view)

	idx := pr.buf.Index(0, []byte("\r\n\r\n"))
	if idx < 0 {
		return proto.ParseResult{Outcome: proto.ParseContinue}
	}
	pr.headerEnd = idx + 4 - before

	raw := pr.buf.SubView(0, idx).String()
	msg := parseHeaderBlock(raw)
	msg.HAR = toHAR(msg)
	pr.msg = &msg

	sess := proto.Session{ID: gid.GenerateSessionID(), Data: *pr.msg}
	pr.sessions = append(pr.sessions, sess)

	return proto.ParseResult{Outcome: proto.ParseHeadersDone}
}

func parseHeaderBlock(raw string) Message {
	lines := strings.Split(raw, "\r\n")
	msg := Message{Headers: map[string][]string{}}
	if len(lines) == 0 {
		return msg
	}
	msg.StartLine = lines[0]
	msg.IsRequest = !strings.HasPrefix(msg.StartLine, "HTTP/1.")

	for _, line := range lines[1:] {
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		msg.Headers[key] = append(msg.Headers[key], val)
		if strings.EqualFold(key, "Content-Length") {
			if n, err := strconv.Atoi(val); err == nil {
				msg.ContentLength = n
			}
		}
	}
	return msg
}

// toHAR builds a minimal har.Entry for the message's own half (request or
// response), mirroring the field names the teacher's gnet/har.go conversion
// reads back out of a HAR file, just in the opposite direction.
func toHAR(msg Message) *har.Entry {
	headers := make([]har.Header, 0, len(msg.Headers))
	for name, values := range msg.Headers {
		for _, v := range values {
			headers = append(headers, har.Header{Name: name, Value: v})
		}
	}

	entry := &har.Entry{}
	if msg.IsRequest {
		method, target, version := splitRequestLine(msg.StartLine)
		entry.Request = &har.Request{
			Method:      method,
			URL:         target,
			HTTPVersion: version,
			Headers:     headers,
			BodySize:    int64(msg.ContentLength),
		}
		return entry
	}

	status, version := splitStatusLine(msg.StartLine)
	entry.Response = &har.Response{
		Status:      status,
		HTTPVersion: version,
		Headers:     headers,
		BodySize:    int64(msg.ContentLength),
	}
	return entry
}

func splitRequestLine(line string) (method, target, version string) {
	parts := strings.SplitN(line, " ", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}

func splitStatusLine(line string) (status int, version string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, ""
	}
	status, _ = strconv.Atoi(parts[1])
	return status, parts[0]
}

func (pr *Parser) RemoveSession(int) {}

func (pr *Parser) DrainSessions() []proto.Session {
	out := pr.sessions
	pr.sessions = nil
	return out
}

func (pr *Parser) BodyOffset() (int, bool) {
	if pr.msg == nil || pr.headerEnd <= 0 {
		return 0, false
	}
	off := int(pr.headerEnd)
	pr.headerEnd = 0
	return off, true
}
