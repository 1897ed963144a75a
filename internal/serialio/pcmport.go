package serialio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// PCMPort is the raw audio side-channel of the modem. The read side delivers
// caller audio; the write side plays audio to the caller. Reads and writes
// may run concurrently from different goroutines (the line is full-duplex),
// but each direction must have a single owner.
type PCMPort struct {
	conn Conn

	closeOnce sync.Once
	closeErr  error
}

// NewPCMPort wraps conn as a PCM stream. The port takes ownership of conn.
func NewPCMPort(conn Conn) *PCMPort {
	return &PCMPort{conn: conn}
}

// ReadFrame fills buf with exactly len(buf) bytes of caller PCM, polling the
// port until the frame is complete or ctx is cancelled. Returns ctx.Err() on
// cancellation; partial data read before cancellation is discarded by the
// caller along with the call itself.
func (p *PCMPort) ReadFrame(ctx context.Context, buf []byte) error {
	filled := 0
	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.conn.Read(buf[filled:])
		filled += n
		if err != nil && !isTimeout(err) {
			return fmt.Errorf("serialio: pcm read: %w", err)
		}
		if n == 0 {
			time.Sleep(pollInterval)
		}
	}
	return nil
}

// Write sends PCM bytes to the caller. Pacing is the caller's job — the
// playback scheduler sleeps between chunks so the modem-side buffer never
// overruns.
func (p *PCMPort) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("serialio: pcm write: %w", err)
	}
	if n < len(b) {
		return n, fmt.Errorf("serialio: pcm write: %w", io.ErrShortWrite)
	}
	return n, nil
}

// Close closes the underlying device. Safe to call more than once; later
// calls return the first result.
func (p *PCMPort) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	if p.closeErr != nil && !errors.Is(p.closeErr, ErrClosed) {
		return p.closeErr
	}
	return nil
}
