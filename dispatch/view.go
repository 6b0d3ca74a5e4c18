package dispatch

import (
	"strings"

	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/proto/httpparse"
	"github.com/mel2oo/conntrack/proto/tlsparse"
)

// hostPath scans c's L7 sessions for whatever the active parser has
// extracted as a hostname/path pair, so filter.BuildView can populate
// FieldHost/FieldPath instead of leaving them permanently empty. Only
// httpparse and tlsparse sessions carry one; every other protocol's
// sessions are skipped. The most recent session of a recognized type wins,
// since a keep-alive connection's sessions accumulate across requests.
func hostPath(c *conn.Connection) (host, path string) {
	for _, sess := range c.L7.Sessions() {
		switch data := sess.Data.(type) {
		case tlsparse.ClientHello:
			if data.Hostname != "" {
				host = data.Hostname
			}
		case httpparse.Message:
			if data.IsRequest {
				if h := requestHost(data); h != "" {
					host = h
				}
				if p := requestPath(data.StartLine); p != "" {
					path = p
				}
			}
		}
	}
	return host, path
}

// requestHost reads the Host header off an HTTP request message,
// case-insensitively, the way net/http.Request.Host normally would.
func requestHost(msg httpparse.Message) string {
	for name, values := range msg.Headers {
		if strings.EqualFold(name, "Host") && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// requestPath pulls the path component out of a request line's target,
// "GET /foo?bar HTTP/1.1" -> "/foo".
func requestPath(startLine string) string {
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	target := parts[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	return target
}
