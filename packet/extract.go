package packet

import (
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// Extractor parses raw frame bytes into an L4Context. It reuses its layer
// storage and decode-target slice across calls (the zero-allocation style
// google/gopacket recommends for hot paths, in contrast to the teacher's
// pcap/pcap.go, which walks packet.Layers() and allocates a fresh decode for
// every packet). An Extractor is not safe for concurrent use; spec.md §5
// pins one engine instance per core, so one Extractor per core suffices.
type Extractor struct {
	eth layers.Ethernet
	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewExtractor() *Extractor {
	e := &Extractor{
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	e.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&e.eth, &e.ip4, &e.ip6, &e.tcp, &e.udp,
	)
	// A malformed/unsupported layer should produce an error (or be absent
	// from e.decoded), not a panic; we classify failures ourselves below.
	e.parser.IgnoreUnsupported = true
	return e
}

// Extract parses data (the full captured bytes of one frame, including the
// Ethernet header) into an L4Context. Matches spec.md §4.1's contract:
// Ethernet → (IPv4 or IPv6) → (TCP or UDP), payload offset/length computed
// from declared lengths, zeroed flags/seq for UDP.
func (e *Extractor) Extract(data []byte) (L4Context, error) {
	e.decoded = e.decoded[:0]
	if err := e.parser.DecodeLayers(data, &e.decoded); err != nil {
		return L4Context{}, errors.Wrap(err, "packet: decode failed")
	}

	var sawEthernet, sawIP, sawTCP, sawUDP bool
	var srcIP, dstIP []byte

	for _, lt := range e.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			sawEthernet = true
		case layers.LayerTypeIPv4:
			sawIP = true
			srcIP, dstIP = e.ip4.SrcIP, e.ip4.DstIP
		case layers.LayerTypeIPv6:
			sawIP = true
			srcIP, dstIP = e.ip6.SrcIP, e.ip6.DstIP
		case layers.LayerTypeTCP:
			sawTCP = true
		case layers.LayerTypeUDP:
			sawUDP = true
		}
	}

	if !sawEthernet {
		return L4Context{}, ErrNotEthernet
	}
	if !sawIP {
		return L4Context{}, ErrNotIP
	}
	if !sawTCP && !sawUDP {
		return L4Context{}, ErrNotTransport
	}

	ctx := L4Context{
		Src: SocketAddr{IP: append([]byte(nil), srcIP...)},
		Dst: SocketAddr{IP: append([]byte(nil), dstIP...)},
	}

	switch {
	case sawTCP:
		ctx.Proto = ProtoTCP
		ctx.Src.Port = uint16(e.tcp.SrcPort)
		ctx.Dst.Port = uint16(e.tcp.DstPort)
		ctx.Seq = e.tcp.Seq
		ctx.Ack = e.tcp.Ack
		ctx.Flags = tcpFlags(&e.tcp)
		if off, length, ok := payloadLocation(data, e.tcp.Payload); ok {
			ctx.PayloadOffset, ctx.PayloadLength = off, length
		} else {
			return L4Context{}, ErrMalformedSize
		}
	case sawUDP:
		ctx.Proto = ProtoUDP
		ctx.Src.Port = uint16(e.udp.SrcPort)
		ctx.Dst.Port = uint16(e.udp.DstPort)
		if off, length, ok := payloadLocation(data, e.udp.Payload); ok {
			ctx.PayloadOffset, ctx.PayloadLength = off, length
		} else {
			return L4Context{}, ErrMalformedSize
		}
	}

	return ctx, nil
}

func tcpFlags(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	return f
}

// payloadLocation computes where payload sits within data. gopacket layers
// reference into the original buffer rather than copying, so payload is
// ordinarily a trailing sub-slice of data; pointer arithmetic recovers its
// offset without re-scanning headers we've already parsed once.
func payloadLocation(data, payload []byte) (offset, length int, ok bool) {
	if len(payload) == 0 {
		return len(data), 0, true
	}
	base := uintptr(unsafe.Pointer(&data[0]))
	start := uintptr(unsafe.Pointer(&payload[0]))
	if start < base {
		return 0, 0, false
	}
	off := int(start - base)
	if off < 0 || off+len(payload) > len(data) {
		return 0, 0, false
	}
	return off, len(payload), true
}
