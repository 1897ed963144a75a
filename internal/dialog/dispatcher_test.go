package dialog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tvasile/voicegw/internal/observe"
)

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	high   []bool
}

func (s *fakeSpeaker) Speak(text string, highPriority bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	s.high = append(s.high, highPriority)
}

func (s *fakeSpeaker) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type fakeTranscript struct {
	mu      sync.Mutex
	entries []string
}

func (tr *fakeTranscript) Append(role, text string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, role+": "+text)
}

func (tr *fakeTranscript) Context(n int) string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	start := len(tr.entries) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(tr.entries[start:], "\n")
}

func testDispatcher(t *testing.T, handler http.Handler) (*Dispatcher, *fakeSpeaker, *fakeTranscript, *int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	speaker := &fakeSpeaker{}
	transcript := &fakeTranscript{}
	ended := 0

	d, err := New(Config{
		URL:        srv.URL,
		CallID:     "call_42",
		CallerID:   "+15551234567",
		Language:   "en",
		SampleRate: 8000,
		Fallback:   "Sorry, could you repeat that?",
		Speaker:    speaker,
		Transcript: transcript,
		EndCall:    func() { ended++ },
		Metrics:    observe.DefaultMetrics(),
		Log:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, speaker, transcript, &ended
}

// pcm returns n milliseconds of quiet 8 kHz audio.
func pcm(ms int) []byte {
	return make([]byte, 8000*ms/1000*2)
}

func TestProcessSuccessfulChunk(t *testing.T) {
	t.Parallel()

	var got map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"status":        "success",
			"transcription": "book me a table",
			"response":      "Of course. For how many people?",
			"continue":      true,
		})
	})
	d, speaker, transcript, ended := testDispatcher(t, handler)

	d.process(context.Background(), Chunk{Num: 1, PCM: pcm(600), Timestamp: time.Now()})

	if got["call_id"] != "call_42" || got["chunk_number"] != float64(1) {
		t.Errorf("payload = %v", got)
	}
	if got["caller_id"] != "+15551234567" || got["end_sentence"] != false {
		t.Errorf("payload = %v", got)
	}
	audioB64, _ := got["audio"].(string)
	ogg, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil || len(ogg) == 0 {
		t.Fatalf("audio field not base64 ogg: %v", err)
	}
	if string(ogg[:4]) != "OggS" {
		t.Errorf("audio payload does not start with an Ogg page")
	}
	meta, _ := got["metadata"].(map[string]any)
	if meta["duration_ms"] != float64(600) || meta["sample_rate"] != float64(8000) {
		t.Errorf("metadata = %v", meta)
	}

	if want := []string{"Of course.", "For how many people?"}; len(speaker.texts()) != 2 ||
		speaker.texts()[0] != want[0] || speaker.texts()[1] != want[1] {
		t.Errorf("spoken = %q, want %q", speaker.texts(), want)
	}
	for _, h := range speaker.high {
		if !h {
			t.Error("reply token not high priority")
		}
	}

	if len(transcript.entries) != 2 ||
		transcript.entries[0] != "caller: book me a table" ||
		transcript.entries[1] != "bot: Of course. For how many people?" {
		t.Errorf("transcript = %q", transcript.entries)
	}
	if *ended != 0 {
		t.Error("call ended on a successful chunk")
	}
}

func TestProcessEndSignal(t *testing.T) {
	t.Parallel()

	var got map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	})
	d, speaker, _, _ := testDispatcher(t, handler)

	d.process(context.Background(), Chunk{Num: 3, EndSentence: true, Timestamp: time.Now()})

	if got["audio"] != "" {
		t.Errorf("end signal carried audio: %v", got["audio"])
	}
	if got["end_sentence"] != true || got["chunk_number"] != float64(3) {
		t.Errorf("payload = %v", got)
	}
	if len(speaker.texts()) != 0 {
		t.Errorf("end signal produced speech: %q", speaker.texts())
	}
}

func TestProcessServerErrorSpeaksFallback(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "error",
			"error":             "asr backend down",
			"fallback_response": "One moment please.",
		})
	})
	d, speaker, transcript, ended := testDispatcher(t, handler)

	d.process(context.Background(), Chunk{Num: 1, PCM: pcm(600), Timestamp: time.Now()})

	if got := speaker.texts(); len(got) != 1 || got[0] != "One moment please." {
		t.Errorf("spoken = %q, want the service fallback", got)
	}
	if len(speaker.high) != 1 || !speaker.high[0] {
		t.Error("fallback not high priority")
	}
	if len(transcript.entries) != 0 {
		t.Errorf("failed chunk appended to transcript: %q", transcript.entries)
	}
	if *ended != 0 {
		t.Error("error response ended the call")
	}
}

func TestProcessConnectionErrorUsesLocalFallback(t *testing.T) {
	t.Parallel()

	d, speaker, _, _ := testDispatcher(t, http.NotFoundHandler())
	d.cfg.URL = "http://127.0.0.1:1/unreachable"

	d.process(context.Background(), Chunk{Num: 1, PCM: pcm(600), Timestamp: time.Now()})

	if got := speaker.texts(); len(got) != 1 || got[0] != "Sorry, could you repeat that?" {
		t.Errorf("spoken = %q, want the configured fallback", got)
	}
}

func TestProcessContinueFalseEndsCall(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "success",
			"response": "Goodbye!",
			"continue": false,
		})
	})
	d, speaker, _, ended := testDispatcher(t, handler)

	d.process(context.Background(), Chunk{Num: 2, PCM: pcm(600), Timestamp: time.Now()})

	if *ended != 1 {
		t.Fatalf("ended = %d, want 1", *ended)
	}
	if got := speaker.texts(); len(got) != 1 || got[0] != "Goodbye!" {
		t.Errorf("spoken = %q, want the goodbye first", got)
	}
}

func TestEnqueueOverflowDrops(t *testing.T) {
	t.Parallel()

	d, _, _, _ := testDispatcher(t, http.NotFoundHandler())

	accepted := 0
	for i := 1; i <= queueCap+10; i++ {
		if d.Enqueue(Chunk{Num: i, PCM: pcm(20)}) {
			accepted++
		}
	}
	if accepted != queueCap {
		t.Errorf("accepted = %d, want %d", accepted, queueCap)
	}
}

func TestArchiveSinkReceivesChunkPCM(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	})
	d, _, _, _ := testDispatcher(t, handler)

	var archived int
	d.cfg.Archive = func(p []byte) { archived += len(p) }

	in := pcm(600)
	d.process(context.Background(), Chunk{Num: 1, PCM: in, Timestamp: time.Now()})
	d.process(context.Background(), Chunk{Num: 1, EndSentence: true, Timestamp: time.Now()})

	if archived != len(in) {
		t.Errorf("archived %d bytes, want %d (end signal carries none)", archived, len(in))
	}
}
