package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tvasile/voicegw/internal/observe"
)

// Priority orders synthesis requests. High priority is used for fallback and
// noise prompts that must not queue behind a long answer.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Action selects the engine behaviour for a request.
type Action string

const (
	// ActionSpeak synthesizes the text into a staging artifact.
	ActionSpeak Action = "speak"

	// ActionHangup tells the engine to speak the text and then signal the
	// backend that the call is over.
	ActionHangup Action = "hangup"
)

// Request is one synthesis job.
type Request struct {
	CallID      string
	SessionID   string
	Text        string
	Action      Action
	Priority    Priority
	Language    string
	AudioFormat string
	Voice       string
}

// Meta describes an artifact the playback scheduler should expect in the
// staging directory.
type Meta struct {
	Text        string
	AudioFormat string
	Voice       string
	FromCache   bool
}

// maxQueue bounds the request queue. Overflow drops the newest request; a
// stalled engine must not grow memory without bound.
const maxQueue = 50

const requestTimeout = 10 * time.Second

// Client talks to the local TTS engine. Requests are processed one at a time
// by Run, which preserves token order: the engine writes artifacts in request
// order and the playback scheduler consumes them in filename order.
//
// Metadata is tracked per staged file. Cache hits are staged by the client
// itself and keyed under their exact file name; engine-synthesized artifacts
// appear in staging asynchronously under names the engine picks, so their
// metadata waits in a separate request-order queue. Without the split, a
// cache hit landing while an engine request is still in flight would be
// attributed the wrong text and written back under the wrong cache key.
type Client struct {
	engineURL string
	staging   string
	cache     *Cache
	client    *http.Client
	metrics   *observe.Metrics
	log       *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Request
	staged map[string]Meta
	engine []Meta
	lastTS int64
}

// NewClient creates a client posting to engineURL, with cache hits written
// directly into staging.
func NewClient(engineURL, staging string, cache *Cache, metrics *observe.Metrics, log *slog.Logger) *Client {
	c := &Client{
		engineURL: engineURL,
		staging:   staging,
		cache:     cache,
		client:    &http.Client{Timeout: requestTimeout},
		metrics:   metrics,
		log:       log,
		staged:    make(map[string]Meta),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Speak enqueues a synthesis request. High-priority requests flush pending
// normal-priority work first: a fallback prompt must not wait behind answer
// tokens that are already stale. Never blocks.
func (c *Client) Speak(req Request) {
	if req.Action == "" {
		req.Action = ActionSpeak
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Priority == PriorityHigh {
		kept := c.queue[:0]
		for _, q := range c.queue {
			if q.Priority == PriorityHigh {
				kept = append(kept, q)
			}
		}
		if dropped := len(c.queue) - len(kept); dropped > 0 {
			c.log.Info("high priority speech flushed pending requests", "dropped", dropped)
		}
		c.queue = kept
	}

	if len(c.queue) >= maxQueue {
		c.log.Warn("tts queue full, dropping request", "text_len", len(req.Text))
		return
	}
	c.queue = append(c.queue, req)
	c.cond.Signal()
}

// Run processes the queue until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && ctx.Err() == nil {
			c.cond.Wait()
		}
		if ctx.Err() != nil {
			c.mu.Unlock()
			return ctx.Err()
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.process(ctx, req)
	}
}

// ClaimMeta resolves the metadata for the staged artifact named name (base
// name or full path). A cache-staged file is matched exactly; any other file
// was written by the engine and is attributed to the oldest in-flight engine
// request. ok=false when the artifact cannot be attributed.
func (c *Client) ClaimMeta(name string) (Meta, bool) {
	name = filepath.Base(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.staged[name]; ok {
		delete(c.staged, name)
		return m, true
	}
	if len(c.engine) == 0 {
		return Meta{}, false
	}
	m := c.engine[0]
	c.engine = c.engine[1:]
	return m, true
}

// ClearPending drops expectation of any unconsumed artifacts, called at call
// end so leftovers never bleed into the next call.
func (c *Client) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.staged)
	c.engine = nil
	c.queue = nil
}

func (c *Client) process(ctx context.Context, req Request) {
	if pcm, ok := c.cache.Load(req.AudioFormat, req.Voice, req.Text); ok {
		name, err := c.writeStaged(req.CallID, pcm)
		if err != nil {
			c.log.Warn("failed to stage cached artifact", "error", err)
			return
		}
		c.stageMeta(name, req)
		c.log.Debug("tts served from cache", "text_len", len(req.Text))
		return
	}

	if err := c.post(ctx, req); err != nil {
		c.metrics.TTSErrors.Add(ctx, 1)
		c.log.Warn("tts engine request failed, skipping token", "error", err)
		return
	}
	c.queueEngineMeta(req)
}

func metaFor(req Request, fromCache bool) Meta {
	return Meta{
		Text:        req.Text,
		AudioFormat: req.AudioFormat,
		Voice:       req.Voice,
		FromCache:   fromCache,
	}
}

func (c *Client) stageMeta(name string, req Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[name] = metaFor(req, true)
}

func (c *Client) queueEngineMeta(req Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = append(c.engine, metaFor(req, false))
}

// writeStaged drops pcm into the staging directory under the same naming
// scheme the engine uses, so playback treats cache hits and fresh synthesis
// identically. Returns the published file name.
func (c *Client) writeStaged(callID string, pcm []byte) (string, error) {
	c.mu.Lock()
	ts := time.Now().UnixMilli()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	c.mu.Unlock()

	name := fmt.Sprintf("tts_%s_%d.raw", callID, ts)
	path := filepath.Join(c.staging, name)

	tmp, err := os.CreateTemp(c.staging, ".stage*")
	if err != nil {
		return "", fmt.Errorf("tts: create staging temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pcm); err != nil {
		tmp.Close()
		return "", fmt.Errorf("tts: write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("tts: close staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("tts: publish staging file: %w", err)
	}
	return name, nil
}

func (c *Client) post(ctx context.Context, req Request) error {
	payload, err := json.Marshal(map[string]any{
		"callId":       req.CallID,
		"sessionId":    req.SessionID,
		"text":         req.Text,
		"action":       req.Action,
		"priority":     req.Priority,
		"language":     req.Language,
		"audio_format": req.AudioFormat,
	})
	if err != nil {
		return fmt.Errorf("tts: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.engineURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tts: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tts: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts: engine returned status %d", resp.StatusCode)
	}
	return nil
}
