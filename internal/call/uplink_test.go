package call

import (
	"context"
	"testing"
	"time"

	"github.com/tvasile/voicegw/internal/config"
	"github.com/tvasile/voicegw/internal/dialog"
	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/vad"
)

type uplinkRecorder struct {
	chunks []dialog.Chunk
	spoken []string
	high   []bool
}

func newTestUplink() (*uplink, *uplinkRecorder) {
	rec := &uplinkRecorder{}
	u := &uplink{
		enqueue: func(ch dialog.Chunk) bool {
			rec.chunks = append(rec.chunks, ch)
			return true
		},
		speak: func(text string, high bool) {
			rec.spoken = append(rec.spoken, text)
			rec.high = append(rec.high, high)
		},
		voice:   config.DefaultVoice(),
		metrics: observe.DefaultMetrics(),
		log:     discardLogger(),
	}
	return u, rec
}

func TestUplinkForwardsChunks(t *testing.T) {
	t.Parallel()

	u, rec := newTestUplink()
	u.handle(context.Background(), []vad.Event{
		{Kind: vad.EventChunk, ChunkNum: 1, PCM: make([]byte, 640)},
	})

	if len(rec.chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(rec.chunks))
	}
	ch := rec.chunks[0]
	if ch.Num != 1 || len(ch.PCM) != 640 || ch.EndSentence {
		t.Errorf("chunk = %+v", ch)
	}
	if len(rec.spoken) != 0 {
		t.Errorf("chunk triggered speech: %q", rec.spoken)
	}
}

func TestGreetingGateOpensOnLongFirstSentence(t *testing.T) {
	t.Parallel()

	u, rec := newTestUplink()
	u.handle(context.Background(), []vad.Event{
		{Kind: vad.EventEndSignal, ChunkNum: 1, EndSentence: true, SpeechDuration: 700 * time.Millisecond},
	})

	if len(rec.chunks) != 1 || !rec.chunks[0].EndSentence {
		t.Fatalf("end signal not forwarded: %+v", rec.chunks)
	}
	if len(rec.spoken) != 1 || rec.spoken[0] != u.voice.WelcomeMessage {
		t.Fatalf("spoken = %q, want the welcome message", rec.spoken)
	}
	if !rec.high[0] {
		t.Error("welcome not high priority")
	}

	// A later sentence must not repeat the greeting.
	u.handle(context.Background(), []vad.Event{
		{Kind: vad.EventEndSignal, ChunkNum: 2, EndSentence: true, SpeechDuration: time.Second},
	})
	if len(rec.spoken) != 1 {
		t.Errorf("welcome repeated: %q", rec.spoken)
	}
}

func TestGreetingGateStaysClosedForShortBlip(t *testing.T) {
	t.Parallel()

	u, rec := newTestUplink()
	u.handle(context.Background(), []vad.Event{
		{Kind: vad.EventEndSignal, ChunkNum: 1, EndSentence: true, SpeechDuration: 600 * time.Millisecond},
	})

	if len(rec.spoken) != 0 {
		t.Errorf("short blip opened the greeting gate: %q", rec.spoken)
	}
	if u.welcomeSent {
		t.Error("welcomeSent set for short blip")
	}
}

func TestNoiseTimeoutSpeaksPrompt(t *testing.T) {
	t.Parallel()

	u, rec := newTestUplink()
	u.handle(context.Background(), []vad.Event{{Kind: vad.EventNoiseTimeout}})

	if len(rec.chunks) != 0 {
		t.Errorf("noise timeout produced chunks: %+v", rec.chunks)
	}
	if len(rec.spoken) != 1 || rec.spoken[0] != u.voice.NoisePhrase() {
		t.Errorf("spoken = %q, want the noise prompt", rec.spoken)
	}
	if !rec.high[0] {
		t.Error("noise prompt not high priority")
	}
}
