package vpn

import (
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// nicMTU is what the virtual NIC reports to the stack: the largest datagram a tun read
// can yield. The medium is raw IP, there is no link-layer framing.
const nicMTU = 65535

// PacketWriter receives IP packets drained from a VirtualNic's tx queue.
type PacketWriter interface {
	WritePacket(packet []byte) error
}

// VirtualNic presents two in-memory packet queues to the user-space stack as a
// link endpoint. The rx queue is fed by the reactor with datagrams read from the tun
// device; the tx queue collects the packets the stack emits and is drained to the tun.
// The NIC performs no I/O of its own.
type VirtualNic struct {
	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	rx         [][]byte
	tx         [][]byte
	output     PacketWriter
}

// VirtualNic implements stack.LinkEndpoint
var _ stack.LinkEndpoint = (*VirtualNic)(nil)

// NewVirtualNic creates a NIC whose tx queue drains into output.
func NewVirtualNic(output PacketWriter) *VirtualNic {
	return &VirtualNic{output: output}
}

// Receive appends one raw IP datagram to the rx queue.
func (n *VirtualNic) Receive(packet []byte) {
	n.mu.Lock()
	n.rx = append(n.rx, packet)
	n.mu.Unlock()
}

// Deliver consumes the rx queue, handing every packet to the attached stack. Packets
// with an unknown IP version are discarded.
func (n *VirtualNic) Deliver() {
	n.mu.Lock()
	packets := n.rx
	n.rx = nil
	dispatcher := n.dispatcher
	n.mu.Unlock()

	if dispatcher == nil {
		return
	}

	for _, packet := range packets {
		var protocol tcpip.NetworkProtocolNumber
		switch header.IPVersion(packet) {
		case header.IPv4Version:
			protocol = header.IPv4ProtocolNumber
		case header.IPv6Version:
			protocol = header.IPv6ProtocolNumber
		default:
			continue
		}

		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(packet),
		})
		dispatcher.DeliverNetworkPacket(protocol, pkt)
		pkt.DecRef()
	}
}

// Flush writes queued tx packets to the output. A packet the output cannot take right
// now stays queued and is retried on the next flush.
func (n *VirtualNic) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for len(n.tx) > 0 {
		if err := n.output.WritePacket(n.tx[0]); err != nil {
			return
		}
		n.tx = n.tx[1:]
	}
}

// WritePackets implements stack.LinkEndpoint. Packets are flattened into the tx queue
// and flushed immediately, so responses the stack generates on its own goroutines reach
// the tun without waiting for the next reactor iteration.
func (n *VirtualNic) WritePackets(packetBufferList stack.PacketBufferList) (int, tcpip.Error) {
	count := 0

	n.mu.Lock()
	for _, packetBuffer := range packetBufferList.AsSlice() {
		flat := make([]byte, 0, packetBuffer.Size())
		for _, view := range packetBuffer.AsSlices() {
			flat = append(flat, view...)
		}
		n.tx = append(n.tx, flat)
		count++
	}
	n.mu.Unlock()

	n.Flush()
	return count, nil
}

func (n *VirtualNic) MTU() uint32 {
	return nicMTU
}

func (n *VirtualNic) SetMTU(_ uint32) {
	// the NIC is not a real device, nothing to reconfigure
}

func (n *VirtualNic) MaxHeaderLength() uint16 {
	return 0
}

func (n *VirtualNic) LinkAddress() tcpip.LinkAddress {
	return ""
}

func (n *VirtualNic) SetLinkAddress(_ tcpip.LinkAddress) {
}

func (n *VirtualNic) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityRXChecksumOffload
}

func (n *VirtualNic) Attach(dispatcher stack.NetworkDispatcher) {
	n.mu.Lock()
	n.dispatcher = dispatcher
	n.mu.Unlock()
}

func (n *VirtualNic) IsAttached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dispatcher != nil
}

func (n *VirtualNic) Wait() {
}

func (n *VirtualNic) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

func (n *VirtualNic) AddHeader(_ *stack.PacketBuffer) {
	// raw IP medium, no link layer header to add
}

func (n *VirtualNic) ParseHeader(_ *stack.PacketBuffer) bool {
	return true
}

func (n *VirtualNic) Close() {
	n.Attach(nil)
}

func (n *VirtualNic) SetOnCloseAction(_ func()) {
}
