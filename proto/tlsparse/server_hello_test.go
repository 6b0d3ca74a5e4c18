package tlsparse

import (
	"testing"

	"github.com/mel2oo/conntrack/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildServerHello(cipherSuite uint16, alpn string, selectedVersion uint16) []byte {
	body := []byte{}
	body = append(body, 0x03, 0x03) // server version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session id len 0
	body = append(body, byte(cipherSuite>>8), byte(cipherSuite))
	body = append(body, 0x00) // compression method

	var extensions []byte

	if selectedVersion != 0 {
		ext := []byte{0x00, 0x2b} // supported_versions
		ext = append(ext, 0x00, 0x02, byte(selectedVersion>>8), byte(selectedVersion))
		extensions = append(extensions, ext...)
	}

	if alpn != "" {
		protoList := []byte{byte(len(alpn))}
		protoList = append(protoList, alpn...)
		protoListWithLen := []byte{byte(len(protoList) >> 8), byte(len(protoList))}
		protoListWithLen = append(protoListWithLen, protoList...)

		ext := []byte{0x00, 0x10} // alpn
		ext = append(ext, byte(len(protoListWithLen)>>8), byte(len(protoListWithLen)))
		ext = append(ext, protoListWithLen...)
		extensions = append(extensions, ext...)
	}

	extensionsWithLen := []byte{byte(len(extensions) >> 8), byte(len(extensions))}
	extensionsWithLen = append(extensionsWithLen, extensions...)
	body = append(body, extensionsWithLen...)

	handshake := []byte{0x02, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x03, byte(len(handshake) >> 8), byte(len(handshake))}
	record = append(record, handshake...)
	return record
}

func TestServerHelloFactoryProbeCertainOnServerHello(t *testing.T) {
	data := buildServerHello(0x002f, "", 0)
	f := NewServerHelloFactory()
	res := f.Probe(pduOf(data))
	assert.Equal(t, proto.Certain, res)
}

func TestServerHelloFactoryProbeNotForUsOnClientHello(t *testing.T) {
	data := buildClientHello("example.com")
	f := NewServerHelloFactory()
	res := f.Probe(pduOf(data))
	assert.Equal(t, proto.NotForUs, res)
}

func TestServerHelloParserExtractsCipherSuiteAndALPN(t *testing.T) {
	data := buildServerHello(0x002f, "h2", 0)
	p := NewServerHelloFactory().New()
	res := p.Parse(pduOf(data))
	require.Equal(t, proto.ParseHeadersDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	hello, ok := sessions[0].Data.(ServerHello)
	require.True(t, ok)
	assert.Equal(t, uint16(0x002f), hello.CipherSuite)
	assert.Equal(t, "h2", hello.SelectedALPN)
	assert.Equal(t, uint16(0x0303), hello.Version)
}

func TestServerHelloParserOverridesVersionFromSupportedVersionsExtension(t *testing.T) {
	data := buildServerHello(0x1301, "", 0x0304)
	p := NewServerHelloFactory().New()
	res := p.Parse(pduOf(data))
	require.Equal(t, proto.ParseHeadersDone, res.Outcome)

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	hello, ok := sessions[0].Data.(ServerHello)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0304), hello.Version)
}

func TestServerHelloParserContinuesOnPartialRecord(t *testing.T) {
	data := buildServerHello(0x002f, "h2", 0)
	p := NewServerHelloFactory().New()

	res := p.Parse(pduOf(data[:10]))
	assert.Equal(t, proto.ParseContinue, res.Outcome)

	res2 := p.Parse(pduOf(data[10:]))
	assert.Equal(t, proto.ParseHeadersDone, res2.Outcome)
}
