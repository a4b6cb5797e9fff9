// Package log provides the process-wide logging facility.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunbridge/tunbridge-core/common/serial"
)

// Severity of a log record. Lower values are more severe.
type Severity int32

const (
	SeverityUnknown Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInfo:
		return "Info"
	case SeverityDebug:
		return "Debug"
	default:
		return "Unknown"
	}
}

// Message is the interface for all log messages.
type Message interface {
	String() string
}

// Handler is the interface for log handler.
type Handler interface {
	Handle(msg Message)
}

// GeneralMessage is a general log message that can contain all kind of content.
type GeneralMessage struct {
	Severity Severity
	Content  interface{}
}

// String implements Message.
func (m *GeneralMessage) String() string {
	return serial.Concat("[", m.Severity, "] ", m.Content)
}

var (
	logHandler syncHandler
	logLevel   = int32(SeverityInfo)
)

// SetLevel sets the maximum severity that Record forwards to the handler.
// More verbose records are discarded.
func SetLevel(s Severity) {
	atomic.StoreInt32(&logLevel, int32(s))
}

// Level returns the current maximum severity.
func Level() Severity {
	return Severity(atomic.LoadInt32(&logLevel))
}

// Record writes a message into the log stream.
func Record(msg Message) {
	if gm, ok := msg.(*GeneralMessage); ok && gm.Severity > Level() {
		return
	}
	logHandler.Handle(msg)
}

// RegisterHandler register a new handler as the current log handler. Previous registered handler will be discarded.
func RegisterHandler(handler Handler) {
	if handler == nil {
		panic("Log handler is nil")
	}
	logHandler.Set(handler)
}

type syncHandler struct {
	sync.RWMutex
	Handler
}

func (h *syncHandler) Handle(msg Message) {
	h.RLock()
	defer h.RUnlock()

	if h.Handler != nil {
		h.Handler.Handle(msg)
	}
}

func (h *syncHandler) Set(handler Handler) {
	h.Lock()
	defer h.Unlock()

	h.Handler = handler
}

// writerHandler writes each record as a single line to the underlying writer.
type writerHandler struct {
	sync.Mutex
	writer io.Writer
}

func (h *writerHandler) Handle(msg Message) {
	h.Lock()
	defer h.Unlock()

	fmt.Fprintln(h.writer, time.Now().Format("2006/01/02 15:04:05.000000"), msg.String())
}

// NewWriterHandler creates a Handler that serializes records to w.
func NewWriterHandler(w io.Writer) Handler {
	return &writerHandler{writer: w}
}

func init() {
	RegisterHandler(NewWriterHandler(os.Stderr))
}
