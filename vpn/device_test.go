package vpn_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/tunbridge/tunbridge-core/vpn"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

type captureWriter struct {
	mu      sync.Mutex
	fail    bool
	packets [][]byte
}

func (w *captureWriter) WritePacket(packet []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return fmt.Errorf("device gone")
	}
	w.packets = append(w.packets, append([]byte(nil), packet...))
	return nil
}

func (w *captureWriter) setFail(fail bool) {
	w.mu.Lock()
	w.fail = fail
	w.mu.Unlock()
}

func (w *captureWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.packets...)
}

func packetList(payloads ...[]byte) stack.PacketBufferList {
	var list stack.PacketBufferList
	for _, payload := range payloads {
		list.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), payload...)),
		}))
	}
	return list
}

func TestVirtualNicTransmitOrder(t *testing.T) {
	output := &captureWriter{}
	nic := NewVirtualNic(output)

	first := []byte{0x45, 0x00, 0x00, 0x01}
	second := []byte{0x45, 0x00, 0x00, 0x02}

	list := packetList(first, second)
	n, err := nic.WritePackets(list)
	list.DecRef()
	if err != nil {
		t.Fatalf("WritePackets: %v", err)
	}
	if n != 2 {
		t.Fatalf("WritePackets wrote %d packets, want 2", n)
	}

	if diff := cmp.Diff([][]byte{first, second}, output.snapshot()); diff != "" {
		t.Errorf("transmitted packets mismatch (-want +got):\n%s", diff)
	}
}

func TestVirtualNicRetainsPacketsWhileOutputBlocks(t *testing.T) {
	output := &captureWriter{}
	output.setFail(true)
	nic := NewVirtualNic(output)

	packet := []byte{0x45, 0x00, 0x00, 0x03}
	list := packetList(packet)
	if _, err := nic.WritePackets(list); err != nil {
		t.Fatalf("WritePackets: %v", err)
	}
	list.DecRef()

	if got := len(output.snapshot()); got != 0 {
		t.Fatalf("output received %d packets while blocked, want 0", got)
	}

	output.setFail(false)
	nic.Flush()

	if diff := cmp.Diff([][]byte{packet}, output.snapshot()); diff != "" {
		t.Errorf("flushed packets mismatch (-want +got):\n%s", diff)
	}
}

func TestVirtualNicReceiveWithoutStackIsSafe(t *testing.T) {
	nic := NewVirtualNic(&captureWriter{})

	// no stack attached yet: delivering discards the queued packets without a panic
	nic.Receive([]byte{0x45, 0x00})
	nic.Deliver()

	if nic.IsAttached() {
		t.Error("nic reports attached without a dispatcher")
	}
	if got := nic.MTU(); got != 65535 {
		t.Errorf("MTU = %d, want 65535", got)
	}
	if got := nic.MaxHeaderLength(); got != 0 {
		t.Errorf("MaxHeaderLength = %d, want 0 (raw IP medium)", got)
	}
}
