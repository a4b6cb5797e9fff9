package vpn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	c "github.com/tunbridge/tunbridge-core/common/ctx"
	"github.com/tunbridge/tunbridge-core/common/errors"
	"github.com/tunbridge/tunbridge-core/common/log"
	"golang.org/x/sys/unix"
)

const (
	tokenTun   = 0
	tokenWaker = 1
	tokenStart = 2

	eventsCapacity = 1024

	// the tun device yields at most one full IP datagram per read
	tunReadBufferSize = 65535
)

// Processor is the single-threaded readiness loop at the center of the core. It owns
// the tun descriptor, the session table and the token allocator; every event touches at
// most one session, located by token.
type Processor struct {
	ctx    context.Context
	tunFd  int
	tunOut *tunWriter
	poller *Poller
	waker  *Waker

	sessions   map[SessionInfo]*Session
	tokens     map[int]SessionInfo
	nextToken  int
	nextFlowID uint32

	stopRequested atomic.Bool

	// sessions whose stack endpoints reported readiness from a stack goroutine; the
	// waker folds them back into the event loop
	notifyAccess sync.Mutex
	notified     map[SessionInfo]struct{}
}

// NewProcessor wires a processor to a non-blocking tun descriptor. The descriptor is
// owned by the processor from here on and closed when Run returns.
func NewProcessor(ctx context.Context, tunFd int) (*Processor, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	if err := poller.Add(tunFd, tokenTun, unix.EPOLLIN|unix.EPOLLET); err != nil {
		_ = poller.Close()
		return nil, err
	}
	waker, err := NewWaker(poller, tokenWaker)
	if err != nil {
		_ = poller.Close()
		return nil, err
	}

	return &Processor{
		ctx:        ctx,
		tunFd:      tunFd,
		tunOut:     &tunWriter{fd: tunFd},
		poller:     poller,
		waker:      waker,
		sessions:   make(map[SessionInfo]*Session),
		tokens:     make(map[int]SessionInfo),
		nextToken:  tokenStart,
		nextFlowID: 1,
		notified:   make(map[SessionInfo]struct{}),
	}, nil
}

// RequestStop makes the event loop exit. Safe to call from any thread; Run performs the
// session teardown before returning.
func (p *Processor) RequestStop() error {
	p.stopRequested.Store(true)
	return p.waker.Wake()
}

// notifySession queues a session for re-examination and wakes the event loop. Called
// from stack goroutines whenever an endpoint becomes readable, writable or hung up.
func (p *Processor) notifySession(info SessionInfo) {
	p.notifyAccess.Lock()
	p.notified[info] = struct{}{}
	p.notifyAccess.Unlock()
	_ = p.waker.Wake()
}

// handleNotifications re-runs the pump for every session flagged by a stack goroutine.
func (p *Processor) handleNotifications() {
	p.notifyAccess.Lock()
	notified := p.notified
	p.notified = make(map[SessionInfo]struct{})
	p.notifyAccess.Unlock()

	for info := range notified {
		session := p.sessions[info]
		if session == nil {
			continue
		}
		p.pumpStack(session)
		p.readFromStack(info)
		p.writeToSocket(info)
		p.writeToStack(info)
		if session := p.sessions[info]; session != nil {
			p.pumpStack(session)
		}
	}
}

// Run drives the event loop until the waker fires, then tears down every remaining
// session and closes the tun descriptor.
func (p *Processor) Run() {
	defer p.shutdown()

	events := make([]unix.EpollEvent, eventsCapacity)
	for {
		n, err := p.poller.Wait(events)
		if err != nil {
			errors.LogError(p.ctx, "poll failed, shutting down", err)
			return
		}

		for _, event := range events[:n] {
			switch int(event.Fd) {
			case tokenTun:
				p.handleTunEvent(event.Events)
			case tokenWaker:
				p.waker.Drain()
				if p.stopRequested.Load() {
					return
				}
				p.handleNotifications()
			default:
				p.handleSocketEvent(int(event.Fd), event.Events)
			}
		}
	}
}

func (p *Processor) shutdown() {
	for info := range p.sessions {
		p.destroySession(info)
	}
	_ = p.waker.Close()
	_ = p.poller.Close()
	_ = unix.Close(p.tunFd)
	errors.LogInfo(p.ctx, "session processor stopped")
}

// handleTunEvent drains the tun device. Every complete datagram is classified, demuxed
// to its session (creating it on the first packet of a flow) and pushed through the
// stack toward the outbound socket.
func (p *Processor) handleTunEvent(events uint32) {
	if events&unix.EPOLLIN == 0 {
		return
	}

	buffer := make([]byte, tunReadBufferSize)
	for {
		n, err := unix.Read(p.tunFd, buffer)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN, unix.EWOULDBLOCK:
			default:
				errors.LogError(p.ctx, "failed to read from tun", err)
			}
			return
		}
		if n == 0 {
			return
		}

		packet := append([]byte(nil), buffer[:n]...)
		logPacket(p.ctx, "out", packet)

		info, perr := ParseSessionInfo(packet)
		if perr != nil {
			errors.LogWarning(p.ctx, "dropping packet, len=", n, perr)
			continue
		}

		session := p.createSession(info)
		if session == nil {
			continue
		}

		session.nic.Receive(packet)
		p.pumpStack(session)
		p.readFromStack(info)
		p.writeToSocket(info)
	}
}

// createSession returns the session for info, creating it if this is the first packet
// of the flow. Repeated first packets are idempotent. A creation failure leaves no state
// behind; the packet is dropped and the client retransmits into the void.
func (p *Processor) createSession(info SessionInfo) *Session {
	if session, ok := p.sessions[info]; ok {
		return session
	}

	token := p.nextToken
	flowCtx := c.ContextWithID(p.ctx, c.ID(p.nextFlowID))
	session, err := newSession(flowCtx, info, p.poller, token, p.tunOut, func() { p.notifySession(info) })
	if err != nil {
		errors.LogWarning(p.ctx, "failed to create session ", info, err)
		return nil
	}

	p.nextToken++
	p.nextFlowID++
	p.sessions[info] = session
	p.tokens[token] = info

	errors.LogInfo(session.ctx, "created session ", info)
	return session
}

func (p *Processor) handleSocketEvent(token int, events uint32) {
	info, ok := p.tokens[token]
	if !ok {
		return
	}

	if events&unix.EPOLLIN != 0 {
		p.readFromSocket(info)
		p.writeToStack(info)
		if session := p.sessions[info]; session != nil {
			p.pumpStack(session)
		}
	}
	if events&unix.EPOLLOUT != 0 {
		p.readFromStack(info)
		p.writeToSocket(info)
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		p.destroySession(info)
	}
}

// pumpStack gives the session's stack a chance to run: queued rx packets are delivered,
// a finished TCP handshake is accepted, and everything the stack emitted is written to
// the tun.
func (p *Processor) pumpStack(session *Session) {
	session.nic.Deliver()
	session.stackSock.Poll()
	session.nic.Flush()
}

// readFromSocket moves available bytes from the outbound socket into the to-client
// buffer. End of stream or a reset destroys the session after a final flush toward the
// client.
func (p *Processor) readFromSocket(info SessionInfo) {
	session := p.sessions[info]
	if session == nil {
		return
	}

	data, closed, err := session.sock.Read()
	for _, chunk := range data {
		session.buffers.PushData(FromServer, chunk)
	}
	if err != nil {
		errors.LogError(session.ctx, "failed to read from socket", err)
	}
	if closed {
		p.destroySession(info)
	}
}

// writeToSocket flushes the to-server buffer into the outbound socket. A write that
// would block leaves the remainder staged for the next writable event.
func (p *Processor) writeToSocket(info SessionInfo) {
	session := p.sessions[info]
	if session == nil {
		return
	}
	session.buffers.WriteData(session.ctx, ToServer, session.sock.Write)
}

// readFromStack pulls client payload out of the stack endpoint into the to-server
// buffer. A client that half-closed its stream tears the session down.
func (p *Processor) readFromStack(info SessionInfo) {
	session := p.sessions[info]
	if session == nil {
		return
	}

	session.stackSock.Poll()
	for session.stackSock.CanReceive() {
		data, err := session.stackSock.Receive()
		if err != nil {
			if !errors.Is(err, errWouldBlock) {
				errors.LogError(session.ctx, "failed to receive from endpoint", err)
			}
			break
		}
		if len(data) == 0 {
			break
		}
		session.buffers.PushData(FromClient, data)
	}

	if session.stackSock.HalfClosed() {
		p.destroySession(info)
	}
}

// writeToStack pushes staged server bytes into the stack endpoint, which turns them
// into IP packets for the client. The endpoint's own window provides the flow control.
func (p *Processor) writeToStack(info SessionInfo) {
	session := p.sessions[info]
	if session == nil {
		return
	}
	if session.stackSock.CanSend() {
		session.buffers.WriteData(session.ctx, ToClient, session.stackSock.Send)
	}
}

// destroySession flushes whatever is still staged toward the client, then releases the
// session's resources and removes it from both tables. The ordering mirrors a graceful
// close seen on the outbound socket to the client.
func (p *Processor) destroySession(info SessionInfo) {
	session := p.sessions[info]
	if session == nil {
		return
	}

	errors.LogDebug(session.ctx, "destroying session ", info)

	p.writeToStack(info)
	p.pumpStack(session)

	session.stackSock.Close()
	// the endpoint emits trailing payload and its FIN from the stack's own goroutines;
	// give them a bounded window to reach the tun before the stack is torn down
	if session.info.Transport == TransportTCP {
		for i := 0; i < 5; i++ {
			time.Sleep(time.Millisecond)
			session.nic.Flush()
		}
	}
	p.pumpStack(session)
	teardownSessionStack(session.stack, session.nic)

	if err := session.sock.Deregister(p.poller); err != nil {
		errors.LogDebug(session.ctx, "failed to deregister socket", err)
	}
	session.sock.Close()

	delete(p.tokens, session.token)
	delete(p.sessions, info)

	errors.LogInfo(session.ctx, "destroyed session ", info)
}

// tunWriter serializes packet writes to the tun descriptor. The stack emits packets
// from its own goroutines, so writes must not interleave with the reactor's.
type tunWriter struct {
	mu sync.Mutex
	fd int
}

// WritePacket writes one IP datagram to the tun device.
func (w *tunWriter) WritePacket(packet []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		_, err := unix.Write(w.fd, packet)
		switch err {
		case nil:
			logPacket(context.Background(), "in", packet)
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return errWouldBlock
		default:
			return errors.New("failed to write to tun").Base(err)
		}
	}
}

// logPacket emits a debug summary of a packet crossing the tun boundary.
func logPacket(ctx context.Context, direction string, packet []byte) {
	if log.Level() < log.SeverityDebug {
		return
	}
	info, err := ParseSessionInfo(packet)
	if err != nil {
		errors.LogDebug(ctx, "[", direction, "] unclassified packet, len=", len(packet))
		return
	}
	errors.LogDebug(ctx, "[", direction, "] len=", len(packet), " ", info)
}
