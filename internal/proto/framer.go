package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kallelund/boretun/internal/tunerr"
)

// Framer is the codec's send/recv surface, bound to a single net.Conn.
// It is safe for concurrent Send calls (needed because a control
// session's heartbeat ticker and its accept-dispatch loop both write to
// the same connection) but Recv is meant to be driven by a single
// reader goroutine, as the spec's ordering guarantee assumes.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader

	sendMu sync.Mutex
}

// NewFramer wraps conn. The buffered reader is sized generously above
// MaxFrameSize so Unread() has room to report over-reads, but the
// MaxFrameSize cap itself is enforced by the byte-at-a-time scan in
// Recv, not by the buffer capacity.
func NewFramer(conn net.Conn) *Framer {
	return &Framer{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

// Conn returns the underlying connection.
func (f *Framer) Conn() net.Conn { return f.conn }

// Send serializes and writes msg terminated by a newline.
func (f *Framer) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return &tunerr.IoError{Err: err}
	}
	b = append(b, '\n')
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if _, err := f.conn.Write(b); err != nil {
		return &tunerr.IoError{Err: err}
	}
	return nil
}

// Recv reads one newline-delimited frame within timeout (zero means no
// deadline). It scans byte-by-byte rather than using ReadBytes so that a
// peer that never sends a newline cannot force unbounded buffering: the
// scan aborts with a ProtocolError as soon as MaxFrameSize is exceeded.
func (f *Framer) Recv(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		_ = f.conn.SetReadDeadline(time.Now().Add(timeout))
		defer f.conn.SetReadDeadline(time.Time{})
	}
	var buf []byte
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Message{}, &tunerr.TimeoutError{Op: "recv"}
			}
			return Message{}, &tunerr.IoError{Err: err}
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
		if len(buf) > MaxFrameSize {
			return Message{}, &tunerr.ProtocolError{Reason: "frame exceeds max size"}
		}
	}
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(buf), &msg); err != nil {
		return Message{}, &tunerr.ProtocolError{Reason: err.Error()}
	}
	return msg, nil
}

// Unread drains and returns any bytes the internal reader already
// pulled from the connection past the last frame's terminating newline.
// Callers must forward these bytes onto whichever raw byte-stream
// consumer takes over the connection next (see spec §4.1's requirement
// that the codec not swallow payload bytes), the same way
// original_source/src/{client,server}.rs forward Framed's leftover
// read_buf before switching to a raw copy loop.
func (f *Framer) Unread() []byte {
	n := f.r.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := f.r.Peek(n)
	out := append([]byte(nil), b...)
	_, _ = f.r.Discard(n)
	return out
}
