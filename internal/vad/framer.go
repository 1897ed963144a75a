package vad

import (
	"context"

	"github.com/tvasile/voicegw/pkg/audio"
)

// Frame is one fixed-duration slice of caller PCM with its speech label.
type Frame struct {
	PCM      []byte
	IsSpeech bool
}

// FrameSource reads exactly one frame worth of PCM into buf. The serialio
// PCM port satisfies it.
type FrameSource interface {
	ReadFrame(ctx context.Context, buf []byte) error
}

// Framer pulls fixed 20 ms frames from a PCM source and classifies each one.
type Framer struct {
	src        FrameSource
	cls        Classifier
	frameBytes int
}

// NewFramer builds a framer for mono PCM at sampleRate.
func NewFramer(src FrameSource, cls Classifier, sampleRate int) *Framer {
	return &Framer{
		src:        src,
		cls:        cls,
		frameBytes: audio.FrameBytes(sampleRate, audio.FrameDuration),
	}
}

// Next blocks until a full frame has been read and classified, or ctx is
// cancelled. Each call returns a freshly allocated frame; callers may retain
// the PCM.
func (f *Framer) Next(ctx context.Context) (Frame, error) {
	buf := make([]byte, f.frameBytes)
	if err := f.src.ReadFrame(ctx, buf); err != nil {
		return Frame{}, err
	}
	return Frame{PCM: buf, IsSpeech: f.cls.IsSpeech(buf)}, nil
}
