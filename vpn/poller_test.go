package vpn_test

import (
	"testing"
	"time"

	"github.com/tunbridge/tunbridge-core/common"
	. "github.com/tunbridge/tunbridge-core/vpn"
	"golang.org/x/sys/unix"
)

func TestPollerDeliversTokens(t *testing.T) {
	poller, err := NewPoller()
	common.Must(err)
	defer poller.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	common.Must(err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	const token = 7
	common.Must(poller.Add(fds[0], token, unix.EPOLLIN))

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make([]unix.EpollEvent, 16)
	n, err := poller.Wait(events)
	common.Must(err)
	if n < 1 {
		t.Fatal("Wait returned no events")
	}
	if got := int(events[0].Fd); got != token {
		t.Errorf("event token = %d, want %d", got, token)
	}
	if events[0].Events&unix.EPOLLIN == 0 {
		t.Error("event is not readable")
	}

	common.Must(poller.Delete(fds[0]))
}

func TestWakerCrossesThreads(t *testing.T) {
	poller, err := NewPoller()
	common.Must(err)
	defer poller.Close()

	const wakeToken = 1
	waker, err := NewWaker(poller, wakeToken)
	common.Must(err)
	defer waker.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		common.Must(waker.Wake())
	}()

	events := make([]unix.EpollEvent, 16)
	n, err := poller.Wait(events)
	common.Must(err)
	if n < 1 {
		t.Fatal("Wait returned no events")
	}
	if got := int(events[0].Fd); got != wakeToken {
		t.Errorf("event token = %d, want %d", got, wakeToken)
	}
}
