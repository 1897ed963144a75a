// Package serialio provides the two serial endpoints of the SIM7600-class
// modem: the line-oriented AT command port and the raw PCM audio port.
//
// Both endpoints share the same line settings (115200 8N1, no flow control)
// but differ in framing: the AT port exchanges CR/LF-terminated commands and
// responses, while the PCM port is an unframed full-duplex byte stream.
package serialio

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/term"
)

// DefaultBaud is the line speed used for both modem ports.
const DefaultBaud = 115200

// pollInterval is the short busy-poll used while waiting for serial data.
const pollInterval = 10 * time.Millisecond

// Conn is the minimal surface of a serial character device. *term.Term
// satisfies it; tests substitute in-memory fakes.
type Conn interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a single Read may block.
	SetReadTimeout(d time.Duration) error
}

// Open opens the serial character device at path in raw mode at the given
// baud rate. Reads are bounded by pollInterval so callers can implement
// their own deadlines without blocking forever.
func Open(path string, baud int) (Conn, error) {
	t, err := term.Open(path, term.Speed(baud), term.RawMode, term.ReadTimeout(pollInterval))
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", path, err)
	}
	return t, nil
}
