package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tvasile/voicegw/internal/observe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type engineRecorder struct {
	mu       sync.Mutex
	requests []map[string]any
	status   int
}

func (e *engineRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	e.mu.Lock()
	e.requests = append(e.requests, body)
	e.mu.Unlock()
	if e.status != 0 {
		w.WriteHeader(e.status)
	}
}

func (e *engineRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func newTestClient(t *testing.T, engine *engineRecorder) (*Client, string, func()) {
	t.Helper()
	srv := httptest.NewServer(engine)
	staging := t.TempDir()
	c := NewClient(srv.URL, staging, NewCache(t.TempDir()), observe.DefaultMetrics(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
		srv.Close()
	}
	return c, staging, stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSpeakPostsToEngine(t *testing.T) {
	t.Parallel()

	engine := &engineRecorder{}
	c, _, stop := newTestClient(t, engine)
	defer stop()

	c.Speak(Request{
		CallID:      "call_1",
		SessionID:   "sess",
		Text:        "Hello there",
		Priority:    PriorityNormal,
		Language:    "en",
		AudioFormat: "Raw8Khz16BitMonoPcm",
		Voice:       "anna",
	})

	waitFor(t, func() bool { return engine.count() == 1 })

	req := engine.requests[0]
	if req["callId"] != "call_1" || req["text"] != "Hello there" {
		t.Errorf("engine payload = %v", req)
	}
	if req["action"] != "speak" || req["priority"] != "normal" {
		t.Errorf("defaults not applied: %v", req)
	}

	// Engine artifacts are named by the engine; any non-staged name resolves
	// to the oldest in-flight request.
	meta, ok := c.ClaimMeta("tts_call_1_0000000000001.raw")
	if !ok {
		t.Fatal("no pending meta after successful request")
	}
	if meta.Text != "Hello there" || meta.FromCache {
		t.Errorf("meta = %+v", meta)
	}
	if _, ok := c.ClaimMeta("tts_call_1_0000000000002.raw"); ok {
		t.Error("claimed meta twice")
	}
}

func TestSpeakCacheHitSkipsEngine(t *testing.T) {
	t.Parallel()

	engine := &engineRecorder{}
	c, staging, stop := newTestClient(t, engine)
	defer stop()

	pcm := []byte{1, 2, 3, 4}
	if err := c.cache.Store("Raw8Khz16BitMonoPcm", "anna", "Cached line", pcm); err != nil {
		t.Fatal(err)
	}

	c.Speak(Request{
		CallID:      "call_2",
		Text:        "Cached line",
		AudioFormat: "Raw8Khz16BitMonoPcm",
		Voice:       "anna",
	})

	waitFor(t, func() bool {
		m, _ := filepath.Glob(filepath.Join(staging, "tts_call_2_*.raw"))
		return len(m) == 1
	})

	if engine.count() != 0 {
		t.Errorf("engine received %d requests for a cache hit", engine.count())
	}

	matches, _ := filepath.Glob(filepath.Join(staging, "tts_call_2_*.raw"))
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(pcm) {
		t.Error("staged bytes differ from cached artifact")
	}

	meta, ok := c.ClaimMeta(matches[0])
	if !ok || !meta.FromCache {
		t.Errorf("meta = %+v, ok=%v, want from-cache", meta, ok)
	}
}

func TestSpeakEngineErrorSkipsToken(t *testing.T) {
	t.Parallel()

	engine := &engineRecorder{status: http.StatusInternalServerError}
	c, _, stop := newTestClient(t, engine)
	defer stop()

	c.Speak(Request{CallID: "call_3", Text: "doomed"})
	waitFor(t, func() bool { return engine.count() == 1 })

	if _, ok := c.ClaimMeta("tts_call_3_0000000000001.raw"); ok {
		t.Error("failed request left pending meta")
	}
}

func TestEngineErrorCounted(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	engine := &engineRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(engine)
	defer srv.Close()
	c := NewClient(srv.URL, t.TempDir(), NewCache(t.TempDir()), metrics, testLogger())

	c.process(context.Background(), Request{CallID: "call_3", Text: "doomed", Action: ActionSpeak})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var value int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voicegw.tts.errors" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("voicegw.tts.errors is not an int64 sum")
			}
			for _, dp := range sum.DataPoints {
				value += dp.Value
			}
		}
	}
	if value != 1 {
		t.Errorf("tts error count = %d, want 1", value)
	}
}

// A cache hit arriving while an engine request is still in flight must not
// inherit the engine request's metadata: that would persist the cached
// phrase's audio under the other text's cache key and corrupt the cache.
func TestCacheHitMetaNotMisattributed(t *testing.T) {
	t.Parallel()

	// Engine acknowledges but writes no file: its artifact is still pending.
	engine := &engineRecorder{}
	c, staging, stop := newTestClient(t, engine)
	defer stop()

	pcm := []byte{9, 9, 9, 9}
	if err := c.cache.Store("Raw8Khz16BitMonoPcm", "anna", "Thanks, goodbye!", pcm); err != nil {
		t.Fatal(err)
	}

	c.Speak(Request{CallID: "call_4", Text: "Fresh answer", AudioFormat: "Raw8Khz16BitMonoPcm", Voice: "anna"})
	c.Speak(Request{CallID: "call_4", Text: "Thanks, goodbye!", AudioFormat: "Raw8Khz16BitMonoPcm", Voice: "anna"})

	waitFor(t, func() bool {
		m, _ := filepath.Glob(filepath.Join(staging, "tts_call_4_*.raw"))
		return engine.count() == 1 && len(m) == 1
	})

	matches, _ := filepath.Glob(filepath.Join(staging, "tts_call_4_*.raw"))
	meta, ok := c.ClaimMeta(matches[0])
	if !ok {
		t.Fatal("staged cache artifact has no metadata")
	}
	if meta.Text != "Thanks, goodbye!" || !meta.FromCache {
		t.Errorf("staged cache artifact attributed to %+v", meta)
	}

	// The engine request's metadata stays reserved for the engine-named file.
	meta, ok = c.ClaimMeta("tts_call_4_9999999999999.raw")
	if !ok || meta.Text != "Fresh answer" || meta.FromCache {
		t.Errorf("engine artifact meta = %+v, ok=%v", meta, ok)
	}
}

func TestHighPriorityFlushesNormals(t *testing.T) {
	t.Parallel()

	// No worker: inspect the queue directly.
	c := NewClient("http://unused", t.TempDir(), NewCache(t.TempDir()), observe.DefaultMetrics(), testLogger())

	c.Speak(Request{Text: "token one"})
	c.Speak(Request{Text: "token two"})
	c.Speak(Request{Text: "urgent", Priority: PriorityHigh})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 1 {
		t.Fatalf("queue = %d entries, want 1", len(c.queue))
	}
	if c.queue[0].Text != "urgent" {
		t.Errorf("surviving request = %q", c.queue[0].Text)
	}
}

func TestHighPriorityKeepsEarlierHighs(t *testing.T) {
	t.Parallel()

	c := NewClient("http://unused", t.TempDir(), NewCache(t.TempDir()), observe.DefaultMetrics(), testLogger())

	c.Speak(Request{Text: "first urgent", Priority: PriorityHigh})
	c.Speak(Request{Text: "second urgent", Priority: PriorityHigh})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 2 {
		t.Fatalf("queue = %d entries, want 2", len(c.queue))
	}
	if c.queue[0].Text != "first urgent" || c.queue[1].Text != "second urgent" {
		t.Errorf("queue order = %q, %q", c.queue[0].Text, c.queue[1].Text)
	}
}

func TestQueueOverflowDropsRequest(t *testing.T) {
	t.Parallel()

	c := NewClient("http://unused", t.TempDir(), NewCache(t.TempDir()), observe.DefaultMetrics(), testLogger())
	for i := 0; i < maxQueue+5; i++ {
		c.Speak(Request{Text: strings.Repeat("x", i+1)})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != maxQueue {
		t.Errorf("queue = %d entries, want %d", len(c.queue), maxQueue)
	}
}

func TestClearPending(t *testing.T) {
	t.Parallel()

	c := NewClient("http://unused", t.TempDir(), NewCache(t.TempDir()), observe.DefaultMetrics(), testLogger())
	c.Speak(Request{Text: "queued"})
	c.queueEngineMeta(Request{Text: "expected"})
	c.stageMeta("tts_call_5_0000000000001.raw", Request{Text: "cached"})

	c.ClearPending()

	if _, ok := c.ClaimMeta("tts_call_5_0000000000001.raw"); ok {
		t.Error("pending meta survived clear")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 0 {
		t.Error("queue survived clear")
	}
}
