package vpn

import (
	"context"

	"github.com/tunbridge/tunbridge-core/common/errors"
)

// IncomingDirection tells which peer produced a chunk of payload.
type IncomingDirection uint8

const (
	FromServer IncomingDirection = iota
	FromClient
)

// OutgoingDirection tells which peer a staged chunk is bound for.
type OutgoingDirection uint8

const (
	ToServer OutgoingDirection = iota
	ToClient
)

func (d OutgoingDirection) String() string {
	if d == ToServer {
		return "to-server"
	}
	return "to-client"
}

// errWouldBlock marks a write that made no progress because the receiving side is full.
// The staged data stays buffered and is retried on the next readiness event.
var errWouldBlock = errors.New("would block")

// errBufferFull marks a datagram the stack side cannot take right now (packet buffer
// full or unaddressable). The flush stops without consuming the datagram.
var errBufferFull = errors.New("packet buffer full")

// Buffers is the per-session staging area between the user-space stack and the outbound
// socket. Data pushed in one direction leaves in the same order on the opposite side.
type Buffers interface {
	// PushData appends payload received from one of the peers.
	PushData(direction IncomingDirection, data []byte)
	// WriteData flushes staged payload through write, consuming exactly what write
	// accepted. Would-block outcomes stop the flush and are not errors.
	WriteData(ctx context.Context, direction OutgoingDirection, write func([]byte) (int, error))
	// Pending reports how many bytes (TCP) or datagrams (UDP) are staged.
	Pending(direction OutgoingDirection) int
}

// TCPBuffers stages the two byte streams of a TCP session.
type TCPBuffers struct {
	client []byte
	server []byte
}

// NewTCPBuffers creates empty TCP staging buffers.
func NewTCPBuffers() *TCPBuffers {
	return &TCPBuffers{}
}

func (b *TCPBuffers) queue(direction OutgoingDirection) *[]byte {
	if direction == ToServer {
		return &b.server
	}
	return &b.client
}

// PushData implements Buffers.
func (b *TCPBuffers) PushData(direction IncomingDirection, data []byte) {
	if direction == FromClient {
		b.server = append(b.server, data...)
	} else {
		b.client = append(b.client, data...)
	}
}

// PeekData returns the staged bytes without consuming them.
func (b *TCPBuffers) PeekData(direction OutgoingDirection) []byte {
	return *b.queue(direction)
}

// ConsumeData discards the first size staged bytes.
func (b *TCPBuffers) ConsumeData(direction OutgoingDirection, size int) {
	queue := b.queue(direction)
	*queue = (*queue)[size:]
}

// WriteData implements Buffers.
func (b *TCPBuffers) WriteData(ctx context.Context, direction OutgoingDirection, write func([]byte) (int, error)) {
	data := b.PeekData(direction)
	if len(data) == 0 {
		return
	}
	consumed, err := write(data)
	if err != nil && !errors.Is(err, errWouldBlock) {
		errors.LogError(ctx, "failed to write ", direction, " data", err)
		return
	}
	b.ConsumeData(direction, consumed)
}

// Pending implements Buffers.
func (b *TCPBuffers) Pending(direction OutgoingDirection) int {
	return len(*b.queue(direction))
}

// UDPBuffers stages the two datagram queues of a UDP session. Datagram framing is
// preserved: one staged element is written with one call.
type UDPBuffers struct {
	client [][]byte
	server [][]byte
}

// NewUDPBuffers creates empty UDP staging buffers.
func NewUDPBuffers() *UDPBuffers {
	return &UDPBuffers{}
}

func (b *UDPBuffers) queue(direction OutgoingDirection) *[][]byte {
	if direction == ToServer {
		return &b.server
	}
	return &b.client
}

// PushData implements Buffers.
func (b *UDPBuffers) PushData(direction IncomingDirection, data []byte) {
	datagram := append([]byte(nil), data...)
	if direction == FromClient {
		b.server = append(b.server, datagram)
	} else {
		b.client = append(b.client, datagram)
	}
}

// WriteData implements Buffers. Datagrams are written one at a time; the flush stops at
// the first datagram the peer cannot take.
func (b *UDPBuffers) WriteData(ctx context.Context, direction OutgoingDirection, write func([]byte) (int, error)) {
	queue := b.queue(direction)
	consumed := 0
	for _, datagram := range *queue {
		if _, err := write(datagram); err != nil {
			if errors.Is(err, errWouldBlock) || errors.Is(err, errBufferFull) {
				break
			}
			errors.LogError(ctx, "failed to write ", direction, " datagram", err)
		}
		consumed++
	}
	*queue = (*queue)[consumed:]
}

// Pending implements Buffers.
func (b *UDPBuffers) Pending(direction OutgoingDirection) int {
	return len(*b.queue(direction))
}
