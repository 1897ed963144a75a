// Package playback feeds synthesized PCM to the modem at real-time rate.
//
// The TTS engine (and the cache path) drop raw PCM artifacts into a staging
// directory; the scheduler polls it, honors the turn-taking gate before each
// message, and paces writes so the modem-side buffer neither starves nor
// overruns.
package playback

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/tts"
	"github.com/tvasile/voicegw/internal/turntaking"
	"github.com/tvasile/voicegw/pkg/audio"
)

// writeChunkDuration is the slice size written to the PCM port per iteration.
// Sleeping this long after each write is the pacing invariant: bytes out per
// wall-clock second equal sampleRate · 2.
const writeChunkDuration = 40 * time.Millisecond

const defaultPollInterval = 100 * time.Millisecond

// defaultWaitTimeout bounds how long a message waits for the caller to go
// quiet; defaultGrace is the extra pause when the caller spoke moments ago.
// After both, the message starts regardless so the call always progresses.
const (
	defaultWaitTimeout = 6 * time.Second
	defaultGrace       = 2 * time.Second
)

// MetaSource resolves artifact metadata by staged file name.
type MetaSource interface {
	ClaimMeta(name string) (tts.Meta, bool)
}

// Config wires a Scheduler to one call.
type Config struct {
	Staging    string
	CallID     string
	SampleRate int

	// Out is the PCM port write side.
	Out io.Writer

	Gate *turntaking.Coordinator
	Meta MetaSource

	// Cache receives a copy of freshly synthesized artifacts on first
	// playback. May be nil.
	Cache *tts.Cache

	Metrics *observe.Metrics
	Log     *slog.Logger

	// OnComplete fires when the artifact queue drains after playback.
	OnComplete func()

	// Sleep, WaitTimeout, Grace and PollInterval default sensibly and exist
	// as fields for tests.
	Sleep        func(time.Duration)
	WaitTimeout  time.Duration
	Grace        time.Duration
	PollInterval time.Duration
}

// Scheduler is the playback loop. One per active call.
type Scheduler struct {
	cfg        Config
	chunkBytes int
	speaking   bool
}

// New creates a scheduler; zero config fields get defaults.
func New(cfg Config) *Scheduler {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.Grace == 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Scheduler{
		cfg:        cfg,
		chunkBytes: audio.FrameBytes(cfg.SampleRate, writeChunkDuration),
	}
}

// Run polls the staging directory and plays artifacts in filename order until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		files := s.pending()
		if len(files) == 0 {
			if s.speaking {
				s.finishMessage()
			}
			s.cfg.Sleep(s.cfg.PollInterval)
			continue
		}

		if !s.speaking {
			s.awaitTurn()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		s.playFile(ctx, files[0])
	}
}

// pending lists unplayed artifacts for this call. Names embed a millisecond
// timestamp of constant width, so lexicographic order is creation order.
func (s *Scheduler) pending() []string {
	pattern := filepath.Join(s.cfg.Staging, "tts_"+s.cfg.CallID+"_*.raw")
	files, err := filepath.Glob(pattern)
	if err != nil {
		s.cfg.Log.Warn("staging scan failed", "error", err)
		return nil
	}
	sort.Strings(files)
	return files
}

// awaitTurn blocks until the bot may start a new message: caller silent, or
// the bounded wait expires with an optional grace pause. Forward progress is
// guaranteed even under continuous caller speech.
func (s *Scheduler) awaitTurn() {
	if s.cfg.Gate.CallerSilent() {
		return
	}
	if s.cfg.Gate.WaitForSilence(s.cfg.WaitTimeout) {
		return
	}
	if time.Since(s.cfg.Gate.LastSpeechTime()) < s.cfg.Grace {
		s.cfg.Log.Debug("caller still talking after wait, grace pause")
		s.cfg.Sleep(s.cfg.Grace)
	}
	s.cfg.Log.Debug("starting message without silence", "waited", s.cfg.WaitTimeout)
}

func (s *Scheduler) playFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.cfg.Log.Warn("cannot read artifact", "path", path, "error", err)
		os.Remove(path)
		return
	}
	os.Remove(path)

	meta, ok := s.cfg.Meta.ClaimMeta(filepath.Base(path))
	if ok {
		s.cfg.Metrics.RecordCacheLookup(ctx, meta.FromCache)
		if !meta.FromCache && s.cfg.Cache != nil {
			if err := s.cfg.Cache.Store(meta.AudioFormat, meta.Voice, meta.Text, data); err != nil {
				s.cfg.Log.Warn("cache store failed", "error", err)
			}
		}
	}

	if !s.speaking {
		s.speaking = true
		s.cfg.Gate.SetBotSpeaking(true)
	}

	start := time.Now()
	for off := 0; off < len(data); off += s.chunkBytes {
		if ctx.Err() != nil {
			return
		}
		end := off + s.chunkBytes
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if _, err := s.cfg.Out.Write(chunk); err != nil {
			s.cfg.Log.Warn("pcm write failed, dropping rest of message", "error", err)
			return
		}
		s.cfg.Sleep(audio.Duration(len(chunk), s.cfg.SampleRate))
	}

	s.cfg.Metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
	s.cfg.Log.Debug("artifact played",
		"bytes", len(data), "duration", audio.Duration(len(data), s.cfg.SampleRate))
}

// finishMessage clears the speaking flag once the queue drains and reports
// completion.
func (s *Scheduler) finishMessage() {
	s.speaking = false
	s.cfg.Gate.SetBotSpeaking(false)
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete()
	}
}
