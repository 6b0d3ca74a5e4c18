// Package ja3 computes the JA3 fingerprint hash of a TLS Client Hello.
// https://github.com/salesforce/ja3
package ja3

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/mel2oo/conntrack/proto/tlsparse"
)

const (
	dashByte  = byte(45)
	commaByte = byte(44)
)

// GetJa3Hash returns the JA3 fingerprint hash of a parsed TLS Client Hello:
// SSLVersion,Cipher,SSLExtension,EllipticCurve,EllipticCurvePointFormat
func GetJa3Hash(clientHello tlsparse.ClientHello) string {
	byteString := make([]byte, 0)

	byteString = strconv.AppendUint(byteString, uint64(clientHello.Version), 10)
	byteString = append(byteString, commaByte)

	if len(clientHello.CipherSuites) != 0 {
		for _, val := range clientHello.CipherSuites {
			byteString = strconv.AppendUint(byteString, uint64(val), 10)
			byteString = append(byteString, dashByte)
		}
		byteString[len(byteString)-1] = commaByte
	} else {
		byteString = append(byteString, commaByte)
	}

	for _, ext := range clientHello.Extensions {
		byteString = appendExtension(byteString, ext)
	}
	if len(clientHello.Extensions) > 0 && byteString[len(byteString)-1] == dashByte {
		byteString[len(byteString)-1] = commaByte
	} else {
		byteString = append(byteString, commaByte)
	}

	if len(clientHello.SupportedCurves) > 0 {
		for _, val := range clientHello.SupportedCurves {
			byteString = strconv.AppendUint(byteString, uint64(val), 10)
			byteString = append(byteString, dashByte)
		}
		byteString[len(byteString)-1] = commaByte
	} else {
		byteString = append(byteString, commaByte)
	}

	if len(clientHello.SupportedPoints) > 0 {
		for _, val := range clientHello.SupportedPoints {
			byteString = strconv.AppendUint(byteString, uint64(val), 10)
			byteString = append(byteString, dashByte)
		}
		byteString = byteString[:len(byteString)-1]
	}

	h := md5.Sum(byteString)
	return hex.EncodeToString(h[:])
}

func appendExtension(byteString []byte, exType uint16) []byte {
	byteString = strconv.AppendUint(byteString, uint64(exType), 10)
	byteString = append(byteString, dashByte)
	return byteString
}

// GetJa3SHash returns the JA3S fingerprint hash of a parsed TLS Server
// Hello: SSLVersion,Cipher,SSLExtension. Unlike JA3, JA3S has no elliptic
// curve fields, since the server chooses a single cipher suite rather than
// offering a list. https://github.com/salesforce/ja3#ja3s
func GetJa3SHash(serverHello tlsparse.ServerHello) string {
	byteString := make([]byte, 0)

	byteString = strconv.AppendUint(byteString, uint64(serverHello.Version), 10)
	byteString = append(byteString, commaByte)

	byteString = strconv.AppendUint(byteString, uint64(serverHello.CipherSuite), 10)
	byteString = append(byteString, commaByte)

	for _, ext := range serverHello.Extensions {
		byteString = appendExtension(byteString, ext)
	}
	if len(serverHello.Extensions) > 0 && byteString[len(byteString)-1] == dashByte {
		byteString = byteString[:len(byteString)-1]
	}

	h := md5.Sum(byteString)
	return hex.EncodeToString(h[:])
}
