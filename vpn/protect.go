package vpn

import (
	"context"

	"github.com/tunbridge/tunbridge-core/common/errors"
	"github.com/tunbridge/tunbridge-core/common/signal/done"
)

// ProtectFunc is the host upcall that excludes a descriptor's traffic from the tunnel.
type ProtectFunc func(fd int) bool

// stopSentinel posted on the request channel unblocks the worker and makes it exit.
const stopSentinel = -1

type protectRequest struct {
	fd    int
	reply chan bool
}

// SocketProtector serializes protect upcalls onto a dedicated worker thread. Some hosts
// require the upcall to run on a distinct runtime thread, and it may be a synchronous
// cross-language call, so the reactor never performs it directly: it posts the fd on the
// request channel and blocks on the one-shot reply.
type SocketProtector struct {
	upcall   ProtectFunc
	requests chan protectRequest
	finished *done.Instance
}

// NewSocketProtector creates a protector around the given host upcall.
func NewSocketProtector(upcall ProtectFunc) *SocketProtector {
	return &SocketProtector{
		upcall:   upcall,
		requests: make(chan protectRequest, 1),
		finished: done.New(),
	}
}

// Start spawns the worker that owns the upcall capability.
func (p *SocketProtector) Start() error {
	errors.LogDebug(context.Background(), "starting socket protecting worker")
	go p.run()
	return nil
}

func (p *SocketProtector) run() {
	defer p.finished.Close()
	for request := range p.requests {
		if request.fd == stopSentinel {
			request.reply <- false
			return
		}
		request.reply <- p.upcall(request.fd)
	}
}

// Protect asks the host to exclude fd from the tunnel. Descriptors that are not valid
// are answered false without an upcall. A false result is reported but not fatal; the
// socket stays in use.
func (p *SocketProtector) Protect(fd int) bool {
	if fd <= 0 {
		errors.LogDebug(context.Background(), "found invalid socket, fd=", fd)
		return false
	}

	request := protectRequest{fd: fd, reply: make(chan bool, 1)}
	select {
	case p.requests <- request:
	case <-p.finished.Wait():
		errors.LogError(context.Background(), "failed to protect socket ", fd, ": worker stopped")
		return false
	}

	select {
	case protected := <-request.reply:
		if !protected {
			errors.LogError(context.Background(), "failed to protect socket, fd=", fd)
		}
		return protected
	case <-p.finished.Wait():
		errors.LogError(context.Background(), "failed to protect socket ", fd, ": worker stopped")
		return false
	}
}

// Close stops the worker with the sentinel and waits for it to exit.
func (p *SocketProtector) Close() error {
	request := protectRequest{fd: stopSentinel, reply: make(chan bool, 1)}
	select {
	case p.requests <- request:
	case <-p.finished.Wait():
	}
	<-p.finished.Wait()
	return nil
}
