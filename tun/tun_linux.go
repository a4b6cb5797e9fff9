//go:build linux

package tun

import (
	"github.com/tunbridge/tunbridge-core/common/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// linuxTun manages a tun network interface on linux. The descriptor it hands out is
// non-blocking and carries bare IP datagrams, which is exactly what the session
// processor consumes; link-level state (MTU, admin up/down) is driven over netlink.
type linuxTun struct {
	tunFd   int
	tunLink netlink.Link
	options Options
}

// linuxTun implements Device
var _ Device = (*linuxTun)(nil)

// New builds a new tun interface handler (linux specific).
func New(options Options) (Device, error) {
	t := &linuxTun{tunFd: -1, options: options}
	if err := t.open(); err != nil {
		return nil, err
	}
	if err := t.configure(); err != nil {
		_ = unix.Close(t.tunFd)
		t.tunFd = -1
		return nil, err
	}
	return t, nil
}

// open registers a tun interface under the configured name. IFF_NO_PI keeps the kernel
// from prefixing packets with protocol information, so every read yields one bare IP
// datagram.
func (t *linuxTun) open() error {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.New("failed to open tun clone device").Base(err)
	}

	request, err := unix.NewIfreq(t.options.Name)
	if err == nil {
		request.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
		err = unix.IoctlIfreq(fd, unix.TUNSETIFF, request)
	}
	if err == nil {
		err = unix.SetNonblock(fd, true)
	}
	if err != nil {
		_ = unix.Close(fd)
		return errors.New("failed to register tun interface ", t.options.Name).Base(err)
	}

	t.tunFd = fd
	return nil
}

// configure applies the MTU over netlink and remembers the link for the up/down
// transitions.
func (t *linuxTun) configure() error {
	link, err := netlink.LinkByName(t.options.Name)
	if err != nil {
		return errors.New("failed to look up link ", t.options.Name).Base(err)
	}
	if mtu := int(t.options.MTU); mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return errors.New("failed to set MTU ", mtu, " on ", t.options.Name).Base(err)
		}
	}
	t.tunLink = link
	return nil
}

// Start brings the tun interface to life.
func (t *linuxTun) Start() error {
	return netlink.LinkSetUp(t.tunLink)
}

// Close shuts the tun interface down.
func (t *linuxTun) Close() error {
	_ = netlink.LinkSetDown(t.tunLink)
	if t.tunFd >= 0 {
		_ = unix.Close(t.tunFd)
		t.tunFd = -1
	}

	return nil
}

// Release hands the descriptor to the caller; Close will no longer close it.
func (t *linuxTun) Release() int {
	fd := t.tunFd
	t.tunFd = -1
	return fd
}
