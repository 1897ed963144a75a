package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tvasile/voicegw/internal/archive"
	"github.com/tvasile/voicegw/internal/config"
	"github.com/tvasile/voicegw/internal/dialog"
	"github.com/tvasile/voicegw/internal/modem"
	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/playback"
	"github.com/tvasile/voicegw/internal/profile"
	"github.com/tvasile/voicegw/internal/serialio"
	"github.com/tvasile/voicegw/internal/tts"
	"github.com/tvasile/voicegw/internal/turntaking"
	"github.com/tvasile/voicegw/internal/vad"
	"github.com/tvasile/voicegw/internal/webhook"
)

const (
	// urcPollWait bounds one idle-loop read while waiting for RING.
	urcPollWait = 500 * time.Millisecond

	// lineMonitorWait bounds one in-call read while watching for NO CARRIER.
	lineMonitorWait = 200 * time.Millisecond

	// initAttempts is how often modem initialization is retried before the
	// process gives up and lets the supervisor restart it.
	initAttempts = 3

	initRetryDelay = 250 * time.Millisecond

	// defaultSettle is the pause between answering and opening the audio
	// channel; the modem needs a moment before PCM is stable.
	defaultSettle = 2 * time.Second
)

// Telephony is the call-control slice of the modem session.
type Telephony interface {
	Initialize(wideband bool) error
	Answer() error
	EnablePCM() error
	ExtractCallerID() string
	Teardown()
}

var _ Telephony = (*modem.Session)(nil)

// AudioPort is the full-duplex PCM channel of the modem.
type AudioPort interface {
	ReadFrame(ctx context.Context, buf []byte) error
	io.Writer
}

var _ AudioPort = (*serialio.PCMPort)(nil)

// VoiceSource yields the current behavioural configuration.
type VoiceSource interface {
	Current() *config.Voice
}

var _ VoiceSource = (*config.Cache)(nil)

// Config wires a Controller to the modem ports and backend services.
type Config struct {
	Modem  Telephony
	Port   modem.CommandPort
	Audio  AudioPort
	Voices VoiceSource

	Services config.ServicesConfig
	Paths    config.PathsConfig

	Webhook  *webhook.Notifier
	TTSCache *tts.Cache
	Metrics  *observe.Metrics
	Log      *slog.Logger

	// Settle overrides the post-answer pause. Zero means the default.
	Settle time.Duration

	// Reopen closes and reopens the AT port after a read failure. Nil makes
	// a port failure fatal immediately.
	Reopen func() error
}

// Controller is the top-level call state machine: idle until a RING, then
// one call at a time through answer, active pipeline, and teardown.
type Controller struct {
	cfg  Config
	busy atomic.Bool
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}
	return &Controller{cfg: cfg}
}

// Run initializes the modem and serves calls until ctx is cancelled. A read
// failure on the AT port is recovered by reopening the port and
// reinitializing the modem; only after repeated recovery failures is the
// error returned so the process can exit and be restarted by its supervisor.
func (c *Controller) Run(ctx context.Context) error {
	voice := c.cfg.Voices.Current()
	if err := c.initModem(voice.SampleRate() == 16000); err != nil {
		return err
	}
	c.cfg.Log.Info("waiting for calls")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := c.cfg.Port.ReadLine(urcPollWait)
		if err != nil {
			if err := c.recoverPort(ctx, err); err != nil {
				return err
			}
			continue
		}
		if line == "" {
			continue
		}
		if modem.ParseURC(line).Kind == modem.URCRing {
			c.onRing(ctx, time.Now())
		}
	}
}

// Busy reports whether a call is currently being handled.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// recoverPort reopens the AT port and reinitializes the modem after a read
// failure, retrying up to initAttempts times.
func (c *Controller) recoverPort(ctx context.Context, cause error) error {
	if c.cfg.Reopen == nil {
		return fmt.Errorf("call: at port: %w", cause)
	}
	c.cfg.Log.Warn("at port read failed, reopening", "error", cause)

	wideband := c.cfg.Voices.Current().SampleRate() == 16000
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.cfg.Reopen(); err != nil {
			c.cfg.Log.Warn("at port reopen failed", "attempt", attempt, "error", err)
		} else if err := c.cfg.Modem.Initialize(wideband); err != nil {
			c.cfg.Log.Warn("modem reinit failed", "attempt", attempt, "error", err)
		} else {
			c.cfg.Log.Info("at port recovered", "attempt", attempt)
			return nil
		}
		if attempt < initAttempts {
			time.Sleep(initRetryDelay)
		}
	}
	return fmt.Errorf("call: at port not recovered after %d attempts: %w", initAttempts, cause)
}

func (c *Controller) initModem(wideband bool) error {
	var err error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if err = c.cfg.Modem.Initialize(wideband); err == nil {
			return nil
		}
		c.cfg.Log.Warn("modem initialization failed", "attempt", attempt, "error", err)
		if attempt < initAttempts {
			time.Sleep(initRetryDelay)
		}
	}
	return fmt.Errorf("call: modem init failed after %d attempts: %w", initAttempts, err)
}

// onRing decides whether to take the call. Answering happens before anything
// else; every millisecond here is ringback the caller hears.
func (c *Controller) onRing(ctx context.Context, ringAt time.Time) {
	voice := c.cfg.Voices.Current()
	callerID := c.cfg.Modem.ExtractCallerID()

	if voice.AnswerAfterRings == -1 {
		c.cfg.Log.Info("incoming call rejected by config", "caller_id", callerID)
		c.cfg.Metrics.RecordCall(ctx, "rejected")
		return
	}

	c.busy.Store(true)
	defer c.busy.Store(false)

	if err := c.cfg.Modem.Answer(); err != nil {
		c.cfg.Log.Warn("answer failed", "caller_id", callerID, "error", err)
		c.cfg.Metrics.RecordCall(ctx, "failed")
		c.cfg.Webhook.Notify(ctx, "call_failed", "", "", map[string]any{
			"caller_id": callerID,
			"error":     err.Error(),
		})
		return
	}
	c.cfg.Metrics.AnswerLatency.Record(ctx, time.Since(ringAt).Seconds())
	c.cfg.Metrics.RecordCall(ctx, "answered")

	c.handleCall(ctx, callerID, voice)
}

func (c *Controller) handleCall(ctx context.Context, callerID string, voice *config.Voice) {
	c.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	defer c.cfg.Metrics.ActiveCalls.Add(ctx, -1)

	sess := NewSession(callerID, c.cfg.Paths.TranscriptDir, c.cfg.Log)
	log := c.cfg.Log.With("call_id", sess.CallID, "caller_id", callerID)
	prof := profile.New(c.cfg.Paths.TimingDir, sess.CallID, sess.Started, log)
	prof.Mark("answered")
	log.Info("call answered", "session_id", sess.SessionID, "language", voice.Language)

	c.cfg.Webhook.Notify(ctx, "call_started", sess.CallID, sess.SessionID, map[string]any{
		"caller_id": callerID,
	})

	if !c.settle(ctx, voice) {
		c.finish(ctx, sess, prof, log, "shutdown")
		return
	}
	if err := c.cfg.Modem.EnablePCM(); err != nil {
		log.Error("pcm channel rejected", "error", err)
		c.finish(ctx, sess, prof, log, "pcm_failed")
		return
	}
	prof.Mark("pcm_enabled")

	rate := voice.SampleRate()
	gate := turntaking.New()
	machine := vad.NewMachine(thresholdsFor(voice), gate)
	framer := vad.NewFramer(c.cfg.Audio, vad.NewClassifier(rate, log), rate)
	recorder := archive.New(c.cfg.Paths.ArchiveDir, sess.CallID, rate, log)
	engine := tts.NewClient(c.cfg.Services.TTSURL, c.cfg.Paths.StagingDir, c.cfg.TTSCache, c.cfg.Metrics, log)

	callCtx, endCall := context.WithCancel(ctx)
	defer endCall()

	speak := func(text string, high bool) {
		priority := tts.PriorityNormal
		if high {
			priority = tts.PriorityHigh
		}
		engine.Speak(tts.Request{
			CallID:      sess.CallID,
			SessionID:   sess.SessionID,
			Text:        text,
			Priority:    priority,
			Language:    voice.Language,
			AudioFormat: voice.AudioFormat,
			Voice:       voice.VoiceSettings.Voice,
		})
	}

	var exceptions string
	if c.cfg.Paths.ConfigDir != "" {
		exceptions = filepath.Join(c.cfg.Paths.ConfigDir, "tokenizer_exceptions.json")
	}
	disp, err := dialog.New(dialog.Config{
		URL:            c.cfg.Services.DialogURL,
		CallID:         sess.CallID,
		CallerID:       callerID,
		Language:       voice.Language,
		SampleRate:     rate,
		Fallback:       voice.FallbackPhrase(),
		Speaker:        speakerFunc(speak),
		Transcript:     sess,
		EndCall:        endCall,
		Archive:        func(p []byte) { recorder.Record(archive.StreamCaller, p) },
		ExceptionsFile: exceptions,
		Metrics:        c.cfg.Metrics,
		Log:            log,
	})
	if err != nil {
		log.Error("cannot build dialog dispatcher", "error", err)
		c.finish(ctx, sess, prof, log, "internal_error")
		return
	}

	sched := playback.New(playback.Config{
		Staging:    c.cfg.Paths.StagingDir,
		CallID:     sess.CallID,
		SampleRate: rate,
		Out:        botTee{out: c.cfg.Audio, rec: recorder},
		Gate:       gate,
		Meta:       engine,
		Cache:      c.cfg.TTSCache,
		Metrics:    c.cfg.Metrics,
		Log:        log,
	})

	up := &uplink{
		enqueue: disp.Enqueue,
		speak:   speak,
		voice:   voice,
		metrics: c.cfg.Metrics,
		log:     log,
	}

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error { return c.monitorLine(gctx, endCall, log) })
	g.Go(func() error { return c.capture(gctx, framer, machine, up) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })

	// A playback waiter blocked on the gate must not delay teardown.
	stopWake := context.AfterFunc(gctx, gate.MarkSilenceDeclared)
	defer stopWake()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("call pipeline error", "error", err)
	}

	engine.ClearPending()
	c.finish(ctx, sess, prof, log, "completed")
}

// finish is the idempotent tail of every call path: modem back to idle,
// staging cleared, timing report written, backend notified.
func (c *Controller) finish(ctx context.Context, sess *Session, prof *profile.Profiler, log *slog.Logger, reason string) {
	c.cfg.Modem.Teardown()
	c.cleanStaging(sess.CallID, log)

	prof.MarkDetail("call_ended", reason)
	if err := prof.Write(); err != nil {
		log.Warn("timing report not written", "error", err)
	}

	duration := time.Since(sess.Started)
	c.cfg.Webhook.Notify(ctx, "call_ended", sess.CallID, sess.SessionID, map[string]any{
		"caller_id":   sess.CallerID,
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
	})
	log.Info("call ended", "reason", reason, "duration", duration)
}

// monitorLine watches the AT port during a call for the network dropping the
// connection.
func (c *Controller) monitorLine(ctx context.Context, endCall func(), log *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := c.cfg.Port.ReadLine(lineMonitorWait)
		if err != nil {
			return fmt.Errorf("call: at monitor: %w", err)
		}
		if line == "" {
			continue
		}
		switch modem.ParseURC(line).Kind {
		case modem.URCNoCarrier, modem.URCBusy:
			log.Info("remote side hung up", "line", line)
			endCall()
			return nil
		}
	}
}

// capture is the hot loop: read a frame, classify it, act on the boundary
// events. On shutdown it flushes speech still buffered in the machine so a
// sentence cut off by hangup is not lost silently.
func (c *Controller) capture(ctx context.Context, framer *vad.Framer, machine *vad.Machine, up *uplink) error {
	for {
		frame, err := framer.Next(ctx)
		if err != nil {
			up.handle(context.WithoutCancel(ctx), machine.Flush(time.Now()))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("call: pcm capture: %w", err)
		}
		up.handle(ctx, machine.Process(frame, time.Now()))
	}
}

// settle pauses between ATA and PCM enable. answer_after_rings > 0 stretches
// the pause to 2·n seconds.
func (c *Controller) settle(ctx context.Context, voice *config.Voice) bool {
	d := c.cfg.Settle
	if n := voice.AnswerAfterRings; n > 0 {
		d = time.Duration(n) * 2 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) cleanStaging(callID string, log *slog.Logger) {
	files, err := filepath.Glob(filepath.Join(c.cfg.Paths.StagingDir, "tts_"+callID+"_*.raw"))
	if err != nil {
		return
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			log.Warn("staging cleanup failed", "path", f, "error", err)
		}
	}
}

func thresholdsFor(v *config.Voice) vad.Thresholds {
	thr := vad.DefaultThresholds()
	thr.EndOfSentence = v.SilenceTimeout()
	thr.PhrasePause = v.PhrasePause()
	thr.LongSpeech = v.LongSpeechThreshold()
	thr.MaxSpeech = v.MaxSpeechDuration()
	return thr
}

// speakerFunc adapts a closure to the dialog Speaker interface.
type speakerFunc func(text string, highPriority bool)

func (f speakerFunc) Speak(text string, highPriority bool) { f(text, highPriority) }

// botTee copies outbound audio into the call archive on its way to the modem.
type botTee struct {
	out io.Writer
	rec *archive.Recorder
}

func (t botTee) Write(p []byte) (int, error) {
	t.rec.Record(archive.StreamBot, p)
	return t.out.Write(p)
}
