// Package oggopus compresses raw 16-bit PCM into Ogg-encapsulated Opus.
//
// The dialog dispatcher uses it to shrink speech chunks roughly 10x before
// the HTTP round-trip, and the call archiver uses it for on-disk recordings.
// Encoding is voice-optimized: 24 kbps VBR with the Opus VoIP tuning.
package oggopus

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"

	"layeh.com/gopus"

	"github.com/tvasile/voicegw/pkg/audio"
)

// Bitrate is the target Opus bitrate in bits per second.
const Bitrate = 24000

// frameDurationMs is the Opus frame length. Matches the capture framer so a
// VAD chunk always splits into whole frames.
const frameDurationMs = 20

// Granule positions are expressed in 48 kHz samples regardless of the input
// rate (RFC 7845 §4).
const (
	granuleRate      = 48000
	samplesPerPacket = granuleRate * frameDurationMs / 1000
)

// maxPacketBytes bounds one encoded Opus packet.
const maxPacketBytes = 4000

// Encoder converts raw PCM byte buffers into complete Ogg Opus streams.
// An Encoder is bound to one sample rate and is not safe for concurrent use;
// create one per goroutine.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
	frameSize  int // samples per frame
}

// NewEncoder creates a voice-tuned Opus encoder for mono PCM at sampleRate.
// Only the modem rates 8000 and 16000 Hz are accepted.
func NewEncoder(sampleRate int) (*Encoder, error) {
	if sampleRate != 8000 && sampleRate != 16000 {
		return nil, fmt.Errorf("oggopus: unsupported sample rate %d", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("oggopus: create encoder: %w", err)
	}
	enc.SetBitrate(Bitrate)
	enc.SetVbr(true)
	return &Encoder{
		enc:        enc,
		sampleRate: sampleRate,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// Encode compresses pcm (16-bit little-endian mono) into a self-contained
// Ogg Opus stream. The final frame is zero-padded to a whole 20 ms boundary.
// Returns an error if pcm is empty.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("oggopus: empty pcm buffer")
	}
	var buf bytes.Buffer
	s, err := e.Stream(&buf)
	if err != nil {
		return nil, err
	}
	if err := s.Write(pcm); err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream starts an incremental Ogg Opus stream on w: the identification and
// comment headers go out immediately, PCM appended with [Stream.Write] is
// paged out as frames fill, and [Stream.Close] emits the final page. The
// call archiver records hours-long calls through this without ever holding
// more than a page of audio in memory.
func (e *Encoder) Stream(w io.Writer) (*Stream, error) {
	pw := &pageWriter{w: w, serial: rand.Uint32()}
	if err := pw.writePage([][]byte{opusHead(e.sampleRate, 0)}, flagFirstPage, 0); err != nil {
		return nil, fmt.Errorf("oggopus: write head: %w", err)
	}
	if err := pw.writePage([][]byte{opusTags("voicegw")}, 0, 0); err != nil {
		return nil, fmt.Errorf("oggopus: write tags: %w", err)
	}
	return &Stream{e: e, pw: pw}, nil
}

// Stream writes one Ogg Opus logical bitstream incrementally. Not safe for
// concurrent use, and bound to its Encoder like the Encoder is bound to its
// goroutine.
type Stream struct {
	e       *Encoder
	pw      *pageWriter
	rem     []int16
	packets [][]byte
	granule uint64
}

// Write encodes pcm (16-bit little-endian mono) into the stream. Whole 20 ms
// frames are compressed immediately; a trailing partial frame is held until
// more data arrives or Close pads it.
func (s *Stream) Write(pcm []byte) error {
	samples := append(s.rem, audio.BytesToInt16s(pcm)...)
	fs := s.e.frameSize
	i := 0
	for ; i+fs <= len(samples); i += fs {
		pkt, err := s.e.enc.Encode(samples[i:i+fs], fs, maxPacketBytes)
		if err != nil {
			return fmt.Errorf("oggopus: encode frame: %w", err)
		}
		s.packets = append(s.packets, pkt)
		if len(s.packets) >= maxPacketsPerPage {
			if err := s.flush(0); err != nil {
				return err
			}
		}
	}
	s.rem = append(s.rem[:0], samples[i:]...)
	return nil
}

// Close zero-pads any buffered partial frame to a whole 20 ms boundary and
// writes the final page.
func (s *Stream) Close() error {
	if len(s.rem) > 0 {
		frame := append(s.rem, make([]int16, s.e.frameSize-len(s.rem))...)
		pkt, err := s.e.enc.Encode(frame, s.e.frameSize, maxPacketBytes)
		if err != nil {
			return fmt.Errorf("oggopus: encode final frame: %w", err)
		}
		s.packets = append(s.packets, pkt)
		s.rem = nil
	}
	return s.flush(flagLastPage)
}

func (s *Stream) flush(flags byte) error {
	s.granule += uint64(len(s.packets)) * samplesPerPacket
	err := s.pw.writePage(s.packets, flags, s.granule)
	s.packets = s.packets[:0]
	return err
}
