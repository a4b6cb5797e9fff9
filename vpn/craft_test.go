package vpn_test

import (
	"net/netip"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// tunPair returns a datagram socketpair standing in for the tun device: one IP packet
// per read, boundaries preserved. The core side is returned raw; the test side is
// wrapped in an os.File so reads can carry deadlines.
func tunPair(t *testing.T) (coreFd int, testSide *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return fds[0], os.NewFile(uintptr(fds[1]), "tun-peer")
}

// readTunPacket reads one IP datagram from the test side of the pair.
func readTunPacket(t *testing.T, f *os.File, timeout time.Duration) []byte {
	t.Helper()
	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buffer := make([]byte, 65535)
	n, err := f.Read(buffer)
	if err != nil {
		t.Fatalf("read tun packet: %v", err)
	}
	return buffer[:n]
}

func writeTunPacket(t *testing.T, f *os.File, packet []byte) {
	t.Helper()
	if _, err := f.Write(packet); err != nil {
		t.Fatalf("write tun packet: %v", err)
	}
}

func craftIPv4TCP(src, dst netip.AddrPort, seq, ack uint32, flags header.TCPFlags, payload []byte) []byte {
	total := header.IPv4MinimumSize + header.TCPMinimumSize + len(payload)
	packet := make([]byte, total)

	srcAddr := tcpip.AddrFrom4(src.Addr().As4())
	dstAddr := tcpip.AddrFrom4(dst.Addr().As4())

	ip := header.IPv4(packet)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcpHdr := header.TCP(packet[header.IPv4MinimumSize:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	copy(packet[header.IPv4MinimumSize+header.TCPMinimumSize:], payload)

	length := uint16(header.TCPMinimumSize + len(payload))
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, srcAddr, dstAddr, length)
	xsum = checksum.Checksum(payload, xsum)
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum))

	return packet
}

func craftIPv4UDP(src, dst netip.AddrPort, payload []byte) []byte {
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	packet := make([]byte, total)

	srcAddr := tcpip.AddrFrom4(src.Addr().As4())
	dstAddr := tcpip.AddrFrom4(dst.Addr().As4())

	ip := header.IPv4(packet)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	length := uint16(header.UDPMinimumSize + len(payload))
	udpHdr := header.UDP(packet[header.IPv4MinimumSize:])
	udpHdr.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  length,
	})
	copy(packet[header.IPv4MinimumSize+header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, length)
	udpHdr.SetChecksum(^udpHdr.CalculateChecksum(checksum.Checksum(payload, xsum)))

	return packet
}

// parseTCP splits a crafted or received IPv4 TCP packet into its transport header and
// payload.
func parseTCP(t *testing.T, packet []byte) (header.TCP, []byte) {
	t.Helper()
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		t.Fatalf("invalid IPv4 packet, len=%d", len(packet))
	}
	transport := packet[ip.HeaderLength():ip.TotalLength()]
	tcpHdr := header.TCP(transport)
	return tcpHdr, transport[tcpHdr.DataOffset():]
}

func parseUDP(t *testing.T, packet []byte) (header.UDP, []byte) {
	t.Helper()
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		t.Fatalf("invalid IPv4 packet, len=%d", len(packet))
	}
	transport := packet[ip.HeaderLength():ip.TotalLength()]
	return header.UDP(transport), transport[header.UDPMinimumSize:]
}
