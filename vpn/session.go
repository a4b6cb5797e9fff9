package vpn

import (
	"context"

	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Session is the runtime state of one proxied flow: the per-flow virtual NIC and stack
// endpoint terminating the client side, the kernel socket to the real destination, the
// directional staging buffers, and the reactor registration token. Sessions are owned by
// the reactor thread exclusively.
type Session struct {
	info      SessionInfo
	ctx       context.Context
	nic       *VirtualNic
	stack     *stack.Stack
	stackSock *StackSocket
	sock      *Socket
	token     int
	buffers   Buffers
}

// newSession runs the construction sequence for a flow. Either every step succeeds or
// all partially created resources are released and the session is not handed back.
func newSession(ctx context.Context, info SessionInfo, poller *Poller, token int, output PacketWriter, notify func()) (*Session, error) {
	nic := NewVirtualNic(output)

	sessionStack, err := newSessionStack(nic)
	if err != nil {
		return nil, err
	}

	stackSock, err := newStackSocket(info, sessionStack, notify)
	if err != nil {
		teardownSessionStack(sessionStack, nic)
		return nil, err
	}

	sock, err := NewSocket(info)
	if err != nil {
		stackSock.Close()
		teardownSessionStack(sessionStack, nic)
		return nil, err
	}
	if err := sock.Register(poller, token); err != nil {
		sock.Close()
		stackSock.Close()
		teardownSessionStack(sessionStack, nic)
		return nil, err
	}

	var buffers Buffers
	if info.Transport == TransportUDP {
		buffers = NewUDPBuffers()
	} else {
		buffers = NewTCPBuffers()
	}

	return &Session{
		info:      info,
		ctx:       ctx,
		nic:       nic,
		stack:     sessionStack,
		stackSock: stackSock,
		sock:      sock,
		token:     token,
		buffers:   buffers,
	}, nil
}
