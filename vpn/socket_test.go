package vpn_test

import (
	"bytes"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tunbridge/tunbridge-core/common"
	. "github.com/tunbridge/tunbridge-core/vpn"
	"golang.org/x/sys/unix"
)

// waitFor blocks until the poller reports the wanted event mask for token.
func waitFor(t *testing.T, poller *Poller, token int, mask uint32) uint32 {
	t.Helper()
	events := make([]unix.EpollEvent, 16)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := poller.Wait(events)
		common.Must(err)
		for _, event := range events[:n] {
			if int(event.Fd) == token && event.Events&mask != 0 {
				return event.Events
			}
		}
	}
	t.Fatalf("no event with mask %#x for token %d", mask, token)
	return 0
}

func TestTCPSocketRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	common.Must(err)
	defer listener.Close()

	serverGot := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buffer := make([]byte, 4096)
		n, err := conn.Read(buffer)
		if err != nil {
			return
		}
		serverGot <- append([]byte(nil), buffer[:n]...)
		conn.Write([]byte("world"))
	}()

	var protectedFd atomic.Int64
	SetOnSocketCreated(func(fd int) { protectedFd.Store(int64(fd)) })
	defer SetOnSocketCreated(nil)

	info := SessionInfo{
		Source:      netip.MustParseAddrPort("10.0.0.2:41005"),
		Destination: netip.MustParseAddrPort(listener.Addr().String()),
		Transport:   TransportTCP,
		Internet:    InternetIPv4,
	}
	sock, err := NewSocket(info)
	common.Must(err)
	defer sock.Close()

	if got := protectedFd.Load(); got != int64(sock.Fd()) {
		t.Errorf("socket-created hook saw fd %d, want %d", got, sock.Fd())
	}

	poller, err := NewPoller()
	common.Must(err)
	defer poller.Close()

	const token = 2
	common.Must(sock.Register(poller, token))
	defer sock.Deregister(poller)

	waitFor(t, poller, token, unix.EPOLLOUT)
	n, err := sock.Write([]byte("hello"))
	common.Must(err)
	if n != 5 {
		t.Fatalf("Write consumed %d bytes, want 5", n)
	}
	if diff := cmp.Diff([]byte("hello"), <-serverGot); diff != "" {
		t.Errorf("server payload mismatch (-want +got):\n%s", diff)
	}

	var received bytes.Buffer
	closed := false
	deadline := time.Now().Add(5 * time.Second)
	for !closed && time.Now().Before(deadline) {
		waitFor(t, poller, token, unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP)
		data, c, err := sock.Read()
		common.Must(err)
		for _, chunk := range data {
			received.Write(chunk)
		}
		closed = c
	}

	if diff := cmp.Diff([]byte("world"), received.Bytes()); diff != "" {
		t.Errorf("received payload mismatch (-want +got):\n%s", diff)
	}
	if !closed {
		t.Error("Read never observed the server close")
	}
}

func TestUDPSocketRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	common.Must(err)
	defer serverConn.Close()
	go func() {
		buffer := make([]byte, 65535)
		for {
			n, addr, err := serverConn.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			serverConn.WriteToUDP(buffer[:n], addr)
		}
	}()

	info := SessionInfo{
		Source:      netip.MustParseAddrPort("10.0.0.2:40000"),
		Destination: netip.MustParseAddrPort(serverConn.LocalAddr().String()),
		Transport:   TransportUDP,
		Internet:    InternetIPv4,
	}
	sock, err := NewSocket(info)
	common.Must(err)
	defer sock.Close()

	poller, err := NewPoller()
	common.Must(err)
	defer poller.Close()

	const token = 3
	common.Must(sock.Register(poller, token))
	defer sock.Deregister(poller)

	datagram := []byte("ping")
	n, err := sock.Write(datagram)
	common.Must(err)
	if n != len(datagram) {
		t.Fatalf("Write consumed %d bytes, want %d", n, len(datagram))
	}

	waitFor(t, poller, token, unix.EPOLLIN)
	data, closed, err := sock.Read()
	common.Must(err)
	if closed {
		t.Error("UDP read reported closed")
	}
	if diff := cmp.Diff([][]byte{datagram}, data); diff != "" {
		t.Errorf("datagrams mismatch (-want +got):\n%s", diff)
	}
}
