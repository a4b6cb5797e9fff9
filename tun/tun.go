// Package tun creates and configures the host tun device whose descriptor is handed to
// the vpn core.
package tun

// Device is an administratively managed tun interface.
type Device interface {
	// Start brings the interface up.
	Start() error
	// Close brings the interface down and releases the descriptor unless it was handed
	// off with Release.
	Close() error
	// Release transfers ownership of the descriptor to the caller.
	Release() int
}

// Options for the tun device.
type Options struct {
	Name string
	MTU  uint32
}
