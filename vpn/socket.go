package vpn

import (
	"context"
	"net/netip"

	"github.com/tunbridge/tunbridge-core/common/errors"
	"golang.org/x/sys/unix"
)

// readBufferSize is the per-read scratch size: the maximum UDP datagram.
const readBufferSize = 65535

// Socket is the non-blocking kernel socket carrying the outbound side of one session.
// The descriptor is offered to the socket-created hook before connect is initiated, so
// the host can exclude it from the tunnel's own routing.
type Socket struct {
	fd        int
	transport TransportProtocol
}

// NewSocket creates, announces and connects the outbound socket for a flow. A connect
// still in progress is not an error.
func NewSocket(info SessionInfo) (*Socket, error) {
	domain := unix.AF_INET
	if info.Internet == InternetIPv6 {
		domain = unix.AF_INET6
	}

	sockType := unix.SOCK_STREAM
	protocol := unix.IPPROTO_TCP
	if info.Transport == TransportUDP {
		sockType = unix.SOCK_DGRAM
		protocol = unix.IPPROTO_UDP
	}

	fd, err := unix.Socket(domain, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, errors.New("failed to create socket for ", info).Base(err)
	}

	OnSocketCreated(fd)

	errors.LogDebug(context.Background(), "connecting to host, address=", info.Destination)
	if err := unix.Connect(fd, sockaddr(info.Destination, info.Internet)); err != nil {
		switch err {
		case unix.EINPROGRESS, unix.EAGAIN, unix.EWOULDBLOCK:
			// completion is reported by the first writable event
		default:
			_ = unix.Close(fd)
			return nil, errors.New("failed to connect to ", info.Destination).Base(err)
		}
	}

	return &Socket{fd: fd, transport: info.Transport}, nil
}

// Fd returns the raw descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// Register adds the socket to the poller. TCP sockets report readable and writable
// readiness; UDP sockets only readable, since datagram writes succeed promptly.
func (s *Socket) Register(poller *Poller, token int) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET)
	if s.transport == TransportUDP {
		events = unix.EPOLLIN | unix.EPOLLET
	}
	return poller.Add(s.fd, token, events)
}

// Deregister removes the socket from the poller.
func (s *Socket) Deregister(poller *Poller) error {
	return poller.Delete(s.fd)
}

// Read drains the socket until it would block. TCP data arrives as stream chunks; UDP
// data as one element per datagram. closed reports end of stream or connection reset;
// err carries any other failure, which the caller also treats as end of stream.
func (s *Socket) Read() (data [][]byte, closed bool, err error) {
	buffer := make([]byte, readBufferSize)
	for {
		n, rerr := unix.Read(s.fd, buffer)
		if rerr != nil {
			switch rerr {
			case unix.EINTR:
				continue
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return data, false, nil
			case unix.ECONNRESET:
				return data, true, nil
			default:
				return data, true, errors.New("failed to read from socket").Base(rerr)
			}
		}
		if n == 0 {
			return data, true, nil
		}
		data = append(data, append([]byte(nil), buffer[:n]...))
	}
}

// Write sends bytes to the destination: a stream write for TCP, one datagram for UDP.
func (s *Socket) Write(data []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, data)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return 0, errWouldBlock
			default:
				return 0, errors.New("failed to write to socket").Base(err)
			}
		}
		return n, nil
	}
}

// Close shuts a TCP stream down in both directions and releases the descriptor.
func (s *Socket) Close() {
	if s.transport == TransportTCP {
		if err := unix.Shutdown(s.fd, unix.SHUT_RDWR); err != nil {
			errors.LogDebug(context.Background(), "failed to shutdown socket", err)
		}
	}
	_ = unix.Close(s.fd)
}

func sockaddr(ap netip.AddrPort, internet InternetProtocol) unix.Sockaddr {
	if internet == InternetIPv6 {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
}
