package vpn

import (
	"sync/atomic"
)

// SocketCreatedFunc observes every outbound descriptor immediately after creation and
// before connect. The host installs it to protect the descriptor from being routed back
// into the tunnel.
type SocketCreatedFunc func(fd int)

type socketCreatedSlot struct {
	fn SocketCreatedFunc
}

var onSocketCreated atomic.Value // socketCreatedSlot

// SetOnSocketCreated installs the socket-created hook. Passing nil restores the default
// no-op.
func SetOnSocketCreated(fn SocketCreatedFunc) {
	onSocketCreated.Store(socketCreatedSlot{fn: fn})
}

// OnSocketCreated invokes the installed hook, if any.
func OnSocketCreated(fd int) {
	if slot, ok := onSocketCreated.Load().(socketCreatedSlot); ok && slot.fn != nil {
		slot.fn(fd)
	}
}
