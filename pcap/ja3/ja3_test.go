package ja3

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/mel2oo/conntrack/proto/tlsparse"
	"github.com/stretchr/testify/assert"
)

func TestGetJa3HashMatchesManualDigest(t *testing.T) {
	hello := tlsparse.ClientHello{
		Version:         0x0303,
		CipherSuites:    []uint16{0x002f, 0x0035},
		Extensions:      []uint16{0, 10, 11},
		SupportedCurves: []uint16{23, 24},
		SupportedPoints: []byte{0},
	}

	got := GetJa3Hash(hello)

	want := md5.Sum([]byte("771,47-53,0-10-11,23-24,0"))
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestGetJa3HashEmptyFieldsStillProducesStableHash(t *testing.T) {
	hello := tlsparse.ClientHello{Version: 0x0301}
	got := GetJa3Hash(hello)
	assert.Len(t, got, 32)
}

func TestGetJa3SHashMatchesManualDigest(t *testing.T) {
	hello := tlsparse.ServerHello{
		Version:     0x0303,
		CipherSuite: 0x002f,
		Extensions:  []uint16{0, 11, 35},
	}

	got := GetJa3SHash(hello)

	want := md5.Sum([]byte("771,47,0-11-35"))
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestGetJa3SHashNoExtensionsStillProducesStableHash(t *testing.T) {
	hello := tlsparse.ServerHello{Version: 0x0301, CipherSuite: 0x0035}
	got := GetJa3SHash(hello)
	assert.Len(t, got, 32)
}
