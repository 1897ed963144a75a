// Package dialog ships caller speech to the dialog service and turns its
// replies into synthesis requests: PCM chunks are compressed to Ogg Opus,
// posted with conversation context, and the response text is tokenized for
// the TTS client.
package dialog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/resilience"
	"github.com/tvasile/voicegw/pkg/audio"
	"github.com/tvasile/voicegw/pkg/audio/oggopus"
)

// queueCap bounds the chunk queue. A stalled dialog service drops chunks
// instead of growing memory.
const queueCap = 50

// contextEntries is how many transcript entries accompany each chunk.
const contextEntries = 5

const requestTimeout = 10 * time.Second

// Chunk is one unit of caller speech committed by the utterance machine.
// PCM is nil for end-of-sentence signals.
type Chunk struct {
	Num         int
	PCM         []byte
	EndSentence bool
	Timestamp   time.Time
}

// Transcript is the conversation log slice the dispatcher needs.
type Transcript interface {
	Append(role, text string)
	Context(n int) string
}

// Speaker hands reply tokens to the TTS pipeline.
type Speaker interface {
	Speak(text string, highPriority bool)
}

// Config wires a Dispatcher to one call.
type Config struct {
	URL        string
	CallID     string
	CallerID   string
	Language   string
	SampleRate int

	// Fallback is the localized apology spoken when the dialog service
	// fails.
	Fallback string

	Speaker    Speaker
	Transcript Transcript

	// EndCall is invoked when the service sets continue=false.
	EndCall func()

	// Archive receives a copy of each chunk's PCM for call recording. May be
	// nil. Must never block.
	Archive func(pcm []byte)

	// ExceptionsFile optionally points at a JSON file of extra tokenizer
	// abbreviations per language.
	ExceptionsFile string

	Breaker *resilience.CircuitBreaker
	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Dispatcher consumes the chunk queue, one round-trip at a time. Single
// consumer; Enqueue may be called from any goroutine.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	enc    *oggopus.Encoder
	tok    *Tokenizer
	queue  chan Chunk
}

// New creates a dispatcher for one call.
func New(cfg Config) (*Dispatcher, error) {
	enc, err := oggopus.NewEncoder(cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("dialog: %w", err)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "dialog"})
	}
	tok := NewTokenizer()
	if cfg.ExceptionsFile != "" {
		if err := tok.LoadExceptions(cfg.ExceptionsFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			cfg.Log.Warn("tokenizer exceptions not loaded", "path", cfg.ExceptionsFile, "error", err)
		}
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		enc:    enc,
		tok:    tok,
		queue:  make(chan Chunk, queueCap),
	}, nil
}

// Enqueue offers a chunk to the dispatcher and reports whether it was
// accepted. A full queue drops the chunk with a warning.
func (d *Dispatcher) Enqueue(ch Chunk) bool {
	select {
	case d.queue <- ch:
		return true
	default:
		d.cfg.Log.Warn("chunk queue full, dropping",
			"chunk", ch.Num, "bytes", len(ch.PCM), "end_sentence", ch.EndSentence)
		d.cfg.Metrics.RecordChunk(context.Background(), "dropped")
		return false
	}
}

// Run processes queued chunks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch := <-d.queue:
			d.process(ctx, ch)
		}
	}
}

// serviceResponse is the dialog service reply. Continue is a pointer so a
// missing field defaults to keeping the call up.
type serviceResponse struct {
	Status           string `json:"status"`
	Transcription    string `json:"transcription"`
	Response         string `json:"response"`
	Continue         *bool  `json:"continue"`
	ProcessingTimeMs int    `json:"processing_time_ms"`
	Error            string `json:"error"`
	FallbackResponse string `json:"fallback_response"`
}

func (d *Dispatcher) process(ctx context.Context, ch Chunk) {
	if len(ch.PCM) > 0 && d.cfg.Archive != nil {
		d.cfg.Archive(ch.PCM)
	}

	start := time.Now()
	reply, err := d.roundTrip(ctx, ch)
	d.cfg.Metrics.DialogDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		d.cfg.Log.Warn("dialog round-trip failed", "chunk", ch.Num, "error", err)
		d.cfg.Metrics.DialogErrors.Add(ctx, 1)
		d.speakFallback(reply)
		if reply != nil && reply.Continue != nil && !*reply.Continue {
			d.cfg.EndCall()
		}
		return
	}

	d.cfg.Metrics.RecordChunk(ctx, "dispatched")
	d.cfg.Log.Debug("dialog reply",
		"chunk", ch.Num,
		"transcription_len", len(reply.Transcription),
		"response_len", len(reply.Response),
		"processing_ms", reply.ProcessingTimeMs)

	if reply.Response != "" {
		for _, token := range d.tok.Split(reply.Response, d.cfg.Language) {
			d.cfg.Speaker.Speak(token, true)
		}
	}
	if reply.Transcription != "" {
		d.cfg.Transcript.Append("caller", reply.Transcription)
	}
	if reply.Response != "" {
		d.cfg.Transcript.Append("bot", reply.Response)
	}

	if reply.Continue != nil && !*reply.Continue {
		d.cfg.Log.Info("dialog service ended the call", "chunk", ch.Num)
		d.cfg.EndCall()
	}
}

// roundTrip performs one guarded POST. A non-nil response may accompany an
// error when the service returned a structured failure.
func (d *Dispatcher) roundTrip(ctx context.Context, ch Chunk) (*serviceResponse, error) {
	var encoded string
	if len(ch.PCM) > 0 {
		ogg, err := d.enc.Encode(ch.PCM)
		if err != nil {
			return nil, err
		}
		encoded = base64.StdEncoding.EncodeToString(ogg)
	}

	payload, err := json.Marshal(map[string]any{
		"call_id":      d.cfg.CallID,
		"chunk_number": ch.Num,
		"audio":        encoded,
		"language":     d.cfg.Language,
		"context":      d.cfg.Transcript.Context(contextEntries),
		"caller_id":    d.cfg.CallerID,
		"end_sentence": ch.EndSentence,
		"metadata": map[string]any{
			"timestamp":   ch.Timestamp.UTC().Format(time.RFC3339Nano),
			"duration_ms": audio.Duration(len(ch.PCM), d.cfg.SampleRate).Milliseconds(),
			"sample_rate": d.cfg.SampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialog: marshal chunk: %w", err)
	}

	var reply *serviceResponse
	err = d.cfg.Breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("dialog: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("dialog: post chunk %d: %w", ch.Num, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("dialog: read response: %w", err)
		}

		var sr serviceResponse
		if jerr := json.Unmarshal(body, &sr); jerr == nil {
			reply = &sr
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("dialog: service returned status %d", resp.StatusCode)
		}
		if reply == nil {
			return fmt.Errorf("dialog: undecodable response body")
		}
		if reply.Status != "success" {
			return fmt.Errorf("dialog: service error: %s", reply.Error)
		}
		return nil
	})
	return reply, err
}

// speakFallback voices the service-provided fallback if present, otherwise
// the configured localized apology.
func (d *Dispatcher) speakFallback(reply *serviceResponse) {
	text := d.cfg.Fallback
	if reply != nil && reply.FallbackResponse != "" {
		text = reply.FallbackResponse
	}
	if text == "" {
		return
	}
	d.cfg.Speaker.Speak(text, true)
}
