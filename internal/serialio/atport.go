package serialio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by AT port operations after Close.
var ErrClosed = errors.New("serialio: port closed")

// ATPort wraps a serial connection with AT request/response framing.
//
// All I/O is serialized through a single in-flight mutex: a Command exchange
// and a ReadLine poll never interleave on the wire. This matches the modem's
// own model — it processes one command at a time and emits unsolicited
// result codes only between exchanges.
type ATPort struct {
	mu     sync.Mutex
	conn   Conn
	closed bool

	// partial holds bytes read past the last complete line so URC polling
	// does not lose data that arrives in the same burst.
	partial []byte

	// deferred holds notification lines pulled out of a command exchange,
	// served to ReadLine ahead of fresh wire data.
	deferred []string

	unsolicited func(line string) bool
}

// NewATPort wraps conn in AT framing. The port takes ownership of conn.
func NewATPort(conn Conn) *ATPort {
	return &ATPort{conn: conn}
}

// OnUnsolicited installs a classifier for notification lines. Lines matched
// during a Command exchange are requeued for ReadLine instead of being folded
// into the command response, so a RING arriving mid-command is not lost.
func (p *ATPort) OnUnsolicited(match func(line string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsolicited = match
}

// Reset swaps in a freshly opened connection, discarding buffered input and
// pending notifications. The old connection is closed. Reopens a port that
// was Closed.
func (p *ATPort) Reset(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.closed {
		p.conn.Close()
	}
	p.conn = conn
	p.closed = false
	p.partial = nil
	p.deferred = nil
}

// Command writes cmd (CR/LF appended) and reads the response until the modem
// emits an OK or ERROR token or wait elapses. Whatever was read by the
// deadline is returned either way; the caller decides whether a tokenless
// response is fatal. Notification lines matched by the [ATPort.OnUnsolicited]
// classifier are excluded from the response and kept for ReadLine.
func (p *ATPort) Command(cmd string, wait time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}

	if _, err := p.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("serialio: write %q: %w", cmd, err)
	}

	deadline := time.Now().Add(wait)
	var resp strings.Builder

	buf := make([]byte, 256)
	for {
		for {
			line, ok := p.takeLine()
			if !ok {
				break
			}
			if p.unsolicited != nil && p.unsolicited(line) {
				p.deferred = append(p.deferred, line)
				continue
			}
			resp.WriteString(line)
			resp.WriteByte('\n')
		}
		if s := resp.String(); strings.Contains(s, "OK") || strings.Contains(s, "ERROR") {
			slog.Debug("at command", "cmd", cmd, "response", strings.TrimSpace(s))
			return s, nil
		}
		if time.Now().After(deadline) {
			return resp.String(), nil
		}
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.partial = append(p.partial, buf[:n]...)
			continue
		}
		if err != nil && !isTimeout(err) {
			return resp.String(), fmt.Errorf("serialio: read after %q: %w", cmd, err)
		}
		time.Sleep(pollInterval)
	}
}

// ReadLine returns the next CR/LF-terminated line from the port, waiting at
// most wait. A nil error with an empty string means the deadline passed with
// no complete line; incomplete input is retained for the next call.
func (p *ATPort) ReadLine(wait time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}

	deadline := time.Now().Add(wait)
	buf := make([]byte, 256)
	for {
		if len(p.deferred) > 0 {
			line := p.deferred[0]
			p.deferred = p.deferred[1:]
			return line, nil
		}
		if line, ok := p.takeLine(); ok {
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.partial = append(p.partial, buf[:n]...)
			continue
		}
		if err != nil && !isTimeout(err) {
			return "", fmt.Errorf("serialio: read line: %w", err)
		}
		time.Sleep(pollInterval)
	}
}

// takeLine pops the first complete line from the partial buffer. Blank lines
// are skipped: the modem pads result codes with empty CR/LF pairs.
func (p *ATPort) takeLine() (string, bool) {
	for {
		i := indexNewline(p.partial)
		if i < 0 {
			return "", false
		}
		line := strings.TrimSpace(string(p.partial[:i]))
		p.partial = p.partial[i+1:]
		if line != "" {
			return line, true
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return i
		}
	}
	return -1
}

// Close closes the underlying connection. Safe to call more than once.
func (p *ATPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// isTimeout reports whether err looks like a bounded-read expiry rather than
// a real I/O failure. A VTIME expiry surfaces as a zero-byte read with
// io.EOF; os.ErrDeadlineExceeded covers fakes that model deadlines directly.
func isTimeout(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded)
}
