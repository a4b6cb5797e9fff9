package vpn

import (
	"encoding/binary"

	"github.com/tunbridge/tunbridge-core/common/errors"
	"golang.org/x/sys/unix"
)

// Poller multiplexes readiness of raw descriptors. It is the reactor's only blocking
// point; every registration carries a token that comes back with each event.
type Poller struct {
	epollFd int
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.New("failed to create epoll instance").Base(err)
	}
	return &Poller{epollFd: epollFd}, nil
}

// Add registers fd for the given event mask. The token is delivered back in the Fd
// field of every event for this descriptor.
func (p *Poller) Add(fd int, token int, events uint32) error {
	event := unix.EpollEvent{Events: events, Fd: int32(token)}
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return errors.New("failed to register fd ", fd).Base(err)
	}
	return nil
}

// Delete removes fd from the interest list.
func (p *Poller) Delete(fd int) error {
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.New("failed to deregister fd ", fd).Base(err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready and fills events.
func (p *Poller) Wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epollFd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.New("epoll wait failed").Base(err)
		}
		return n, nil
	}
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epollFd)
}

// Waker wakes a Poller from another thread. It is the only cross-thread signal into the
// reactor.
type Waker struct {
	fd int
}

// NewWaker creates an eventfd and registers it with the poller under token.
func NewWaker(poller *Poller, token int) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.New("failed to create eventfd").Base(err)
	}
	// level-triggered on purpose: the wake stays observable until the reactor sees it
	if err := poller.Add(fd, token, unix.EPOLLIN); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Waker{fd: fd}, nil
}

// Wake makes the poller return with an event carrying the waker's token.
func (w *Waker) Wake() error {
	var counter [8]byte
	binary.NativeEndian.PutUint64(counter[:], 1)
	if _, err := unix.Write(w.fd, counter[:]); err != nil && err != unix.EAGAIN {
		return errors.New("failed to signal waker").Base(err)
	}
	return nil
}

// Drain consumes the pending wake count so the level-triggered poller stops reporting
// the waker as readable.
func (w *Waker) Drain() {
	var counter [8]byte
	for {
		if _, err := unix.Read(w.fd, counter[:]); err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
