package transport

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTCPPort is used when the serial carries no explicit port.
const DefaultTCPPort = "5555"

// TcpHandle speaks the same bulk interface as UsbHandle over a TCP socket
// (adb over wifi, emulators). Per-call timeouts map to socket deadlines.
type TcpHandle struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
	log     zerolog.Logger
	closed  bool
}

// DialTCP connects to serial, which is "host" or "host:port".
func DialTCP(serial string, timeout time.Duration, log zerolog.Logger) (*TcpHandle, error) {
	addr := serial
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, DefaultTCPPort)
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, newErr(KindIO, "dial", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TcpHandle{conn: conn, addr: addr, timeout: timeout, log: log}, nil
}

func (h *TcpHandle) effective(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return h.timeout
	}
	return timeout
}

// Label identifies the handle in errors and logs.
func (h *TcpHandle) Label() string { return h.addr }

// BulkWrite writes all of data before the deadline.
func (h *TcpHandle) BulkWrite(data []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, newErr(KindClosed, "write", h.addr, nil)
	}
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.effective(timeout))); err != nil {
		return 0, newErr(KindIO, "write", h.addr, err)
	}
	n, err := h.conn.Write(data)
	if err != nil {
		return n, h.mapErr("write", KindWriteTimeout, err)
	}
	return n, nil
}

// BulkRead reads at most max bytes before the deadline. A short read is not
// an error; the caller accumulates.
func (h *TcpHandle) BulkRead(max int, timeout time.Duration) ([]byte, error) {
	if h.closed {
		return nil, newErr(KindClosed, "read", h.addr, nil)
	}
	if err := h.conn.SetReadDeadline(time.Now().Add(h.effective(timeout))); err != nil {
		return nil, newErr(KindIO, "read", h.addr, err)
	}
	buf := make([]byte, max)
	n, err := h.conn.Read(buf)
	if err != nil {
		return nil, h.mapErr("read", KindReadTimeout, err)
	}
	return buf[:n], nil
}

func (h *TcpHandle) mapErr(op string, timeoutKind Kind, err error) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return newErr(timeoutKind, op, h.addr, err)
	case errors.Is(err, net.ErrClosed):
		return newErr(KindClosed, op, h.addr, err)
	default:
		return newErr(KindIO, op, h.addr, err)
	}
}

// MaxPacketSize has no meaning on TCP; a page-sized read bound is plenty.
func (h *TcpHandle) MaxPacketSize() int { return 4096 }

// Flush is a no-op: a fresh socket has no stale device output.
func (h *TcpHandle) Flush() {}

// Close shuts the socket down. Idempotent.
func (h *TcpHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}
