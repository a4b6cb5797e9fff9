package vpn

import (
	"net/netip"

	"github.com/tunbridge/tunbridge-core/common/errors"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// TransportProtocol of a proxied flow.
type TransportProtocol uint8

const (
	TransportTCP TransportProtocol = iota
	TransportUDP
)

func (p TransportProtocol) String() string {
	switch p {
	case TransportTCP:
		return "TCP"
	case TransportUDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// InternetProtocol of a proxied flow.
type InternetProtocol uint8

const (
	InternetIPv4 InternetProtocol = iota
	InternetIPv6
)

func (p InternetProtocol) String() string {
	switch p {
	case InternetIPv4:
		return "IPv4"
	case InternetIPv6:
		return "IPv6"
	default:
		return "Unknown"
	}
}

// SessionInfo identifies one proxied flow. It is derived from the first packet of the
// flow and never mutated afterwards; it is used directly as a map key.
type SessionInfo struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Transport   TransportProtocol
	Internet    InternetProtocol
}

func (s SessionInfo) String() string {
	return "[" + s.Internet.String() + "][" + s.Transport.String() + "]" +
		s.Source.String() + "->" + s.Destination.String()
}

// ParseSessionInfo classifies a raw IP datagram into the flow it belongs to. Packets
// that are truncated, malformed, or carry a transport other than TCP/UDP are rejected;
// rejection is not fatal to the caller.
func ParseSessionInfo(packet []byte) (SessionInfo, error) {
	if len(packet) == 0 {
		return SessionInfo{}, errors.New("empty packet")
	}
	switch header.IPVersion(packet) {
	case header.IPv4Version:
		return parseIPv4(packet)
	case header.IPv6Version:
		return parseIPv6(packet)
	default:
		return SessionInfo{}, errors.New("unknown IP version, len=", len(packet))
	}
}

func parseIPv4(packet []byte) (SessionInfo, error) {
	if len(packet) < header.IPv4MinimumSize {
		return SessionInfo{}, errors.New("truncated IPv4 packet, len=", len(packet))
	}
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		return SessionInfo{}, errors.New("malformed IPv4 packet, len=", len(packet))
	}

	src, _ := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	dst, _ := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	transport := packet[ip.HeaderLength():ip.TotalLength()]

	srcPort, dstPort, proto, err := parseTransport(uint8(ip.TransportProtocol()), transport)
	if err != nil {
		return SessionInfo{}, err
	}

	return SessionInfo{
		Source:      netip.AddrPortFrom(src, srcPort),
		Destination: netip.AddrPortFrom(dst, dstPort),
		Transport:   proto,
		Internet:    InternetIPv4,
	}, nil
}

func parseIPv6(packet []byte) (SessionInfo, error) {
	if len(packet) < header.IPv6MinimumSize {
		return SessionInfo{}, errors.New("truncated IPv6 packet, len=", len(packet))
	}
	ip := header.IPv6(packet)
	if !ip.IsValid(len(packet)) {
		return SessionInfo{}, errors.New("malformed IPv6 packet, len=", len(packet))
	}

	src, _ := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	dst, _ := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	transport := packet[header.IPv6MinimumSize:]

	// Extension headers are not traversed; a flow hiding TCP/UDP behind them is treated
	// as unsupported, same as any other next header.
	srcPort, dstPort, proto, err := parseTransport(uint8(ip.TransportProtocol()), transport)
	if err != nil {
		return SessionInfo{}, err
	}

	return SessionInfo{
		Source:      netip.AddrPortFrom(src, srcPort),
		Destination: netip.AddrPortFrom(dst, dstPort),
		Transport:   proto,
		Internet:    InternetIPv6,
	}, nil
}

func parseTransport(protocol uint8, transport []byte) (srcPort, dstPort uint16, proto TransportProtocol, err error) {
	switch protocol {
	case uint8(header.TCPProtocolNumber):
		if len(transport) < header.TCPMinimumSize {
			return 0, 0, 0, errors.New("truncated TCP header, len=", len(transport))
		}
		tcpHdr := header.TCP(transport)
		return tcpHdr.SourcePort(), tcpHdr.DestinationPort(), TransportTCP, nil
	case uint8(header.UDPProtocolNumber):
		if len(transport) < header.UDPMinimumSize {
			return 0, 0, 0, errors.New("truncated UDP header, len=", len(transport))
		}
		udpHdr := header.UDP(transport)
		return udpHdr.SourcePort(), udpHdr.DestinationPort(), TransportUDP, nil
	default:
		return 0, 0, 0, errors.New("unsupported transport protocol ", protocol)
	}
}
