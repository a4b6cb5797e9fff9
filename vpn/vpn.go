// Package vpn implements the session processor of a user-space VPN: raw IP datagrams
// read from a tun device are terminated by a per-flow user-space TCP/IP stack and
// re-originated as ordinary kernel sockets toward their real destinations.
package vpn

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tunbridge/tunbridge-core/common/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Options configures a Vpn instance.
type Options struct {
	// Protect is the host upcall that excludes an outbound socket from the tunnel's
	// routing. Optional; without it outbound sockets are used unprotected.
	Protect ProtectFunc
}

// Vpn owns the reactor thread and the socket-protection worker for one tun descriptor.
type Vpn struct {
	tag       string
	processor *Processor
	protector *SocketProtector
	workers   errgroup.Group
	stopOnce  sync.Once
	stopErr   error
}

// New prepares a Vpn around tunFd. The descriptor must yield one IP datagram per read;
// it is switched to non-blocking here and owned by the instance until Stop returns.
func New(tunFd int, options Options) (*Vpn, error) {
	if err := unix.SetNonblock(tunFd, true); err != nil {
		return nil, errors.New("failed to set tun non-blocking").Base(err)
	}

	processor, err := NewProcessor(context.Background(), tunFd)
	if err != nil {
		return nil, err
	}

	v := &Vpn{
		tag:       uuid.New().String(),
		processor: processor,
	}
	if options.Protect != nil {
		v.protector = NewSocketProtector(options.Protect)
	}
	return v, nil
}

// Start launches the socket-protection worker and the reactor thread.
func (v *Vpn) Start() error {
	if v.protector != nil {
		SetOnSocketCreated(func(fd int) { v.protector.Protect(fd) })
		if err := v.protector.Start(); err != nil {
			return err
		}
	}

	v.workers.Go(func() error {
		v.processor.Run()
		return nil
	})

	errors.LogInfo(context.Background(), "vpn instance ", v.tag, " started")
	return nil
}

// Stop is safe to call from any thread and is idempotent. It returns only after the
// reactor thread has exited, every session was closed and the tun descriptor was
// closed.
func (v *Vpn) Stop() error {
	v.stopOnce.Do(func() {
		if err := v.processor.RequestStop(); err != nil {
			errors.LogError(context.Background(), "failed to wake reactor", err)
		}
		v.stopErr = v.workers.Wait()

		if v.protector != nil {
			SetOnSocketCreated(nil)
			_ = v.protector.Close()
		}

		errors.LogInfo(context.Background(), "vpn instance ", v.tag, " stopped")
	})
	return v.stopErr
}

var (
	instanceAccess sync.Mutex
	instance       *Vpn
)

// InitInstance creates and starts the process-wide instance. The host's start entry
// point calls this once per tunnel.
func InitInstance(tunFd int, options Options) error {
	instanceAccess.Lock()
	defer instanceAccess.Unlock()

	if instance != nil {
		return errors.New("vpn instance already initialized")
	}
	v, err := New(tunFd, options)
	if err != nil {
		return err
	}
	if err := v.Start(); err != nil {
		return err
	}
	instance = v
	return nil
}

// ReleaseInstance stops and clears the process-wide instance. Calling it without a live
// instance is a no-op.
func ReleaseInstance() error {
	instanceAccess.Lock()
	v := instance
	instance = nil
	instanceAccess.Unlock()

	if v == nil {
		return nil
	}
	return v.Stop()
}
