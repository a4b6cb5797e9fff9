package vpn

import (
	"bytes"
	"net/netip"

	"github.com/tunbridge/tunbridge-core/common/errors"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	sessionNIC tcpip.NICID = 1

	// send and receive buffer capacity of every session endpoint
	endpointBufferSize = 1 << 20
)

// newSessionStack builds the small per-session stack above the given NIC. Promiscuous
// mode and spoofing make the stack accept and answer for arbitrary addresses carried by
// the tunnel; default routes point everything back at the NIC.
func newSessionStack(nic *VirtualNic) (*stack.Stack, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        false,
	}
	sessionStack := stack.New(opts)

	if err := sessionStack.CreateNIC(sessionNIC, nic); err != nil {
		sessionStack.Close()
		return nil, errors.New(err.String())
	}

	sessionStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: sessionNIC},
		{Destination: header.IPv6EmptySubnet, NIC: sessionNIC},
	})

	if err := sessionStack.SetSpoofing(sessionNIC, true); err != nil {
		sessionStack.Close()
		return nil, errors.New(err.String())
	}
	if err := sessionStack.SetPromiscuousMode(sessionNIC, true); err != nil {
		sessionStack.Close()
		return nil, errors.New(err.String())
	}

	cOpt := tcpip.CongestionControlOption("cubic")
	sessionStack.SetTransportProtocolOption(tcp.ProtocolNumber, &cOpt)
	sOpt := tcpip.TCPSACKEnabled(true)
	sessionStack.SetTransportProtocolOption(tcp.ProtocolNumber, &sOpt)

	return sessionStack, nil
}

// teardownSessionStack releases a session stack and everything its endpoints left behind.
func teardownSessionStack(sessionStack *stack.Stack, nic *VirtualNic) {
	nic.Attach(nil)
	sessionStack.Close()
	for _, endpoint := range sessionStack.CleanupEndpoints() {
		endpoint.Abort()
	}
}

// StackSocket is the user-space endpoint terminating the client's view of one flow. For
// TCP it impersonates the remote server: it listens on the flow destination, so the
// client's SYN arriving over the virtual NIC completes a local three-way handshake. For
// UDP it is bound to the flow destination and answers toward the flow source.
type StackSocket struct {
	transport TransportProtocol
	local     tcpip.FullAddress
	peer      tcpip.FullAddress

	// notify tells the reactor this endpoint became observable again. The stack runs
	// its protocols on goroutines of its own, so readiness changes arrive outside the
	// reactor's event stream and have to be funneled back into it.
	notify func()

	wq        waiter.Queue
	wqEntry   waiter.Entry
	listener  tcpip.Endpoint
	conn      tcpip.Endpoint
	connWQ    *waiter.Queue
	connEntry waiter.Entry
}

// newStackSocket creates and binds the endpoint for info inside sessionStack.
func newStackSocket(info SessionInfo, sessionStack *stack.Stack, notify func()) (*StackSocket, error) {
	netProto := ipv4.ProtocolNumber
	if info.Internet == InternetIPv6 {
		netProto = ipv6.ProtocolNumber
	}

	sk := &StackSocket{
		transport: info.Transport,
		local:     fullAddress(info.Destination),
		peer:      fullAddress(info.Source),
		notify:    notify,
	}
	sk.wqEntry = waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp, func(waiter.EventMask) {
		sk.notify()
	})
	sk.wq.EventRegister(&sk.wqEntry)

	switch info.Transport {
	case TransportTCP:
		endpoint, err := sessionStack.NewEndpoint(tcp.ProtocolNumber, netProto, &sk.wq)
		if err != nil {
			return nil, errors.New("failed to create TCP endpoint: ", err.String())
		}
		options := endpoint.SocketOptions()
		options.SetDelayOption(false)
		options.SetKeepAlive(false)
		options.SetReuseAddress(true)
		options.SetSendBufferSize(endpointBufferSize, false)
		options.SetReceiveBufferSize(endpointBufferSize, false)

		if err := endpoint.Bind(sk.local); err != nil {
			endpoint.Close()
			return nil, errors.New("failed to listen on ", info.Destination, ": ", err.String())
		}
		if err := endpoint.Listen(1); err != nil {
			endpoint.Close()
			return nil, errors.New("failed to listen on ", info.Destination, ": ", err.String())
		}
		sk.listener = endpoint

	case TransportUDP:
		endpoint, err := sessionStack.NewEndpoint(udp.ProtocolNumber, netProto, &sk.wq)
		if err != nil {
			return nil, errors.New("failed to create UDP endpoint: ", err.String())
		}
		options := endpoint.SocketOptions()
		options.SetSendBufferSize(endpointBufferSize, false)
		options.SetReceiveBufferSize(endpointBufferSize, false)

		if err := endpoint.Bind(sk.local); err != nil {
			endpoint.Close()
			return nil, errors.New("failed to bind on ", info.Destination, ": ", err.String())
		}
		sk.conn = endpoint
	}

	return sk, nil
}

// Poll makes progress that new packets may have unlocked: for TCP it completes the
// pending accept once the client's handshake finished. UDP endpoints need none.
func (sk *StackSocket) Poll() {
	if sk.transport != TransportTCP || sk.conn != nil {
		return
	}
	endpoint, wq, err := sk.listener.Accept(nil)
	if err != nil {
		// the handshake has not completed yet
		return
	}
	endpoint.SocketOptions().SetDelayOption(false)
	sk.conn = endpoint
	sk.connWQ = wq
	sk.connEntry = waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp, func(waiter.EventMask) {
		sk.notify()
	})
	sk.connWQ.EventRegister(&sk.connEntry)
}

// CanSend reports whether payload bytes may be queued for transmission to the client.
// UDP endpoints are always writable; a TCP endpoint is writable once the handshake is
// done and its send buffer has room.
func (sk *StackSocket) CanSend() bool {
	if sk.transport == TransportUDP {
		return true
	}
	return sk.conn != nil && sk.conn.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

// Send queues payload for delivery to the client, returning how much was consumed. For
// UDP one call emits exactly one datagram addressed to the flow source.
func (sk *StackSocket) Send(data []byte) (int, error) {
	if sk.conn == nil {
		return 0, errWouldBlock
	}

	var opts tcpip.WriteOptions
	if sk.transport == TransportUDP {
		opts.To = &sk.peer
	}

	var reader bytes.Reader
	reader.Reset(data)
	n, err := sk.conn.Write(&reader, opts)
	if err != nil {
		switch err.(type) {
		case *tcpip.ErrWouldBlock:
			if sk.transport == TransportUDP {
				return int(n), errBufferFull
			}
			return int(n), errWouldBlock
		case *tcpip.ErrNoRoute, *tcpip.ErrBroadcastDisabled:
			return int(n), errBufferFull
		default:
			return int(n), errors.New("endpoint write failed: ", err.String())
		}
	}
	return int(n), nil
}

// CanReceive reports whether client payload is available.
func (sk *StackSocket) CanReceive() bool {
	return sk.conn != nil && sk.conn.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

// Receive returns one chunk of client payload: a stream segment for TCP, exactly one
// datagram for UDP.
func (sk *StackSocket) Receive() ([]byte, error) {
	if sk.conn == nil {
		return nil, errWouldBlock
	}

	var payload bytes.Buffer
	if _, err := sk.conn.Read(&payload, tcpip.ReadOptions{}); err != nil {
		switch err.(type) {
		case *tcpip.ErrWouldBlock, *tcpip.ErrClosedForReceive:
			return nil, errWouldBlock
		default:
			return nil, errors.New("endpoint read failed: ", err.String())
		}
	}
	return payload.Bytes(), nil
}

// HalfClosed reports whether the client side of a TCP flow sent its FIN and the
// endpoint moved into close-wait.
func (sk *StackSocket) HalfClosed() bool {
	if sk.transport != TransportTCP || sk.conn == nil {
		return false
	}
	return tcp.EndpointState(sk.conn.State()) == tcp.StateCloseWait
}

// Close initiates a graceful shutdown toward the client (TCP) or releases the endpoint
// (UDP).
func (sk *StackSocket) Close() {
	if sk.connWQ != nil {
		sk.connWQ.EventUnregister(&sk.connEntry)
	}
	sk.wq.EventUnregister(&sk.wqEntry)
	if sk.conn != nil {
		sk.conn.Close()
	}
	if sk.listener != nil {
		sk.listener.Close()
	}
}

func fullAddress(ap netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  sessionNIC,
		Addr: tcpip.AddrFromSlice(ap.Addr().AsSlice()),
		Port: ap.Port(),
	}
}
