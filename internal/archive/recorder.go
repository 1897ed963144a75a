// Package archive records call audio to disk as Ogg Opus, one file per
// stream (caller, bot). Recording is strictly best-effort: the hot capture
// path hands PCM over a bounded channel and never blocks on disk or encoder
// speed.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/tvasile/voicegw/pkg/audio"
	"github.com/tvasile/voicegw/pkg/audio/oggopus"
)

// Stream names used in archive file names.
const (
	StreamCaller = "caller"
	StreamBot    = "bot"
)

// queueCap bounds buffered segments. At 20 ms per capture frame this is
// several seconds of backlog before drops start.
const queueCap = 256

type segment struct {
	stream string
	pcm    []byte
}

// sink is one stream's open archive file with its incremental encoder.
type sink struct {
	file  *os.File
	enc   *oggopus.Stream
	bytes int
}

// Recorder streams each call's PCM to its per-stream archive file as it
// arrives, so memory stays bounded however long the call runs. Files are
// finalized when the call ends.
type Recorder struct {
	dir        string
	callID     string
	sampleRate int
	started    time.Time
	log        *slog.Logger

	queue   chan segment
	sinks   map[string]*sink
	failed  map[string]bool
	dropped atomic.Int64
}

// New creates a recorder for callID. dir may be empty, in which case the
// recorder accepts and discards everything.
func New(dir, callID string, sampleRate int, log *slog.Logger) *Recorder {
	return &Recorder{
		dir:        dir,
		callID:     callID,
		sampleRate: sampleRate,
		started:    time.Now(),
		log:        log,
		queue:      make(chan segment, queueCap),
		sinks:      make(map[string]*sink),
		failed:     make(map[string]bool),
	}
}

// Record hands pcm to the recorder. Never blocks; overflow drops the segment.
func (r *Recorder) Record(stream string, pcm []byte) {
	if r.dir == "" || len(pcm) == 0 {
		return
	}
	buf := append([]byte(nil), pcm...)
	select {
	case r.queue <- segment{stream: stream, pcm: buf}:
	default:
		r.dropped.Add(1)
	}
}

// Run consumes segments until ctx is cancelled, then finalizes each stream's
// archive file.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case seg := <-r.queue:
			r.write(seg)
		case <-ctx.Done():
			r.drain()
			r.close()
			return ctx.Err()
		}
	}
}

// drain empties whatever was queued before cancellation.
func (r *Recorder) drain() {
	for {
		select {
		case seg := <-r.queue:
			r.write(seg)
		default:
			return
		}
	}
}

// write appends one segment to its stream's file. A stream whose sink fails
// is abandoned for the rest of the call; the other stream keeps recording.
func (r *Recorder) write(seg segment) {
	if r.failed[seg.stream] {
		return
	}
	sk, err := r.sink(seg.stream)
	if err != nil {
		r.log.Warn("archive stream not opened", "stream", seg.stream, "error", err)
		r.failed[seg.stream] = true
		return
	}
	if err := sk.enc.Write(seg.pcm); err != nil {
		r.log.Warn("archive write failed", "stream", seg.stream, "error", err)
		sk.file.Close()
		delete(r.sinks, seg.stream)
		r.failed[seg.stream] = true
		return
	}
	sk.bytes += len(seg.pcm)
}

func (r *Recorder) sink(stream string) (*sink, error) {
	if sk, ok := r.sinks[stream]; ok {
		return sk, nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s_%d.ogg", r.callID, stream, r.started.Unix())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return nil, err
	}
	enc, err := oggopus.NewEncoder(r.sampleRate)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	st, err := enc.Stream(f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	sk := &sink{file: f, enc: st}
	r.sinks[stream] = sk
	return sk, nil
}

func (r *Recorder) close() {
	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("archive segments dropped under backpressure", "dropped", n)
	}
	for stream, sk := range r.sinks {
		if err := sk.enc.Close(); err != nil {
			r.log.Warn("archive finalize failed", "stream", stream, "error", err)
		}
		if err := sk.file.Close(); err != nil {
			r.log.Warn("archive close failed", "stream", stream, "error", err)
		}
		r.log.Info("call audio archived",
			"stream", stream, "duration", audio.Duration(sk.bytes, r.sampleRate))
	}
	clear(r.sinks)
}
