package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/tvasile/voicegw/internal/config"
	"github.com/tvasile/voicegw/internal/dialog"
	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/vad"
)

// minGreetingSpeech is the least amount of actual speech the caller's first
// sentence must contain before the welcome message is worth playing. A cough
// or a breath should not trigger the greeting.
const minGreetingSpeech = 680 * time.Millisecond

// uplink routes utterance-machine events to the dialog dispatcher and the
// TTS pipeline. It also owns the greeting gate and the noise prompt. Driven
// only by the capture task, so it needs no locking.
type uplink struct {
	enqueue func(dialog.Chunk) bool
	speak   func(text string, highPriority bool)
	voice   *config.Voice
	metrics *observe.Metrics
	log     *slog.Logger

	welcomeSent bool
}

func (u *uplink) handle(ctx context.Context, events []vad.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case vad.EventChunk:
			u.enqueue(dialog.Chunk{
				Num:         ev.ChunkNum,
				PCM:         ev.PCM,
				EndSentence: ev.EndSentence,
				Timestamp:   time.Now(),
			})

		case vad.EventEndSignal:
			u.enqueue(dialog.Chunk{
				Num:         ev.ChunkNum,
				EndSentence: true,
				Timestamp:   time.Now(),
			})
			if !u.welcomeSent && ev.SpeechDuration >= minGreetingSpeech {
				u.welcomeSent = true
				u.log.Info("greeting gate opened", "speech", ev.SpeechDuration)
				u.speak(u.voice.WelcomeMessage, true)
			}

		case vad.EventNoiseTimeout:
			u.metrics.NoiseTimeouts.Add(ctx, 1)
			u.log.Info("utterance discarded as noise")
			u.speak(u.voice.NoisePhrase(), true)
		}
	}
}
