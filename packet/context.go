// Package packet implements spec.md §4.1's packet context extractor: turning
// a raw captured frame into a validated, direction-agnostic L4Context.
package packet

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Proto identifies the transport protocol of an L4Context.
type Proto uint8

const (
	ProtoTCP Proto = iota + 1
	ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "unknown"
	}
}

// TCPFlags mirrors the flag byte of a TCP segment. Zero for UDP.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// SocketAddr is an IP address plus a transport-layer port.
type SocketAddr struct {
	IP   net.IP
	Port uint16
}

func (a SocketAddr) Equal(b SocketAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (a SocketAddr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// L4Context is the immutable result of extracting a frame's L2/L3/L4
// headers: a 5-tuple's two endpoints, the transport protocol, and the
// payload's location within the frame. Constructed only by Extract.
type L4Context struct {
	Src, Dst SocketAddr
	Proto    Proto

	// Offset and length of the payload within the frame that produced this
	// context, in bytes.
	PayloadOffset int
	PayloadLength int

	// Raw TCP sequence number of this segment. Zero for UDP.
	Seq uint32
	// Raw TCP acknowledgement number of this segment. Zero for UDP.
	Ack uint32
	// Zero for UDP.
	Flags TCPFlags
}

// Errors returned by Extract, matching spec.md §4.1's failure cases.
var (
	ErrNotEthernet   = errors.New("packet: not an Ethernet frame")
	ErrNotIP         = errors.New("packet: no IPv4/IPv6 layer")
	ErrNotTransport  = errors.New("packet: no TCP/UDP layer")
	ErrMalformedSize = errors.New("packet: declared header lengths overflow the captured frame")
)
