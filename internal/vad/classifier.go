// Package vad turns the raw caller PCM stream into classified 20 ms frames
// and decides utterance boundaries: when to commit audio to the dialog
// service, when a sentence has ended, and when continuous input is noise.
package vad

import (
	"fmt"
	"log/slog"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/tvasile/voicegw/pkg/audio"
)

// Classifier labels a single PCM frame as speech or silence. Classifiers are
// stateless with respect to utterances; temporal logic lives in Machine.
type Classifier interface {
	IsSpeech(frame []byte) bool
}

// aggressiveness is the WebRTC VAD mode. 3 is the most restrictive setting,
// which keeps line hum and ringback out of the speech path.
const aggressiveness = 3

// energyThreshold is the mean-absolute-amplitude cutoff for the fallback
// classifier.
const energyThreshold = 500

// WebRTCClassifier wraps the WebRTC voice activity detector.
type WebRTCClassifier struct {
	vad        *webrtcvad.VAD
	sampleRate int
	log        *slog.Logger
}

var _ Classifier = (*WebRTCClassifier)(nil)

// NewWebRTCClassifier creates a detector for mono PCM at sampleRate.
func NewWebRTCClassifier(sampleRate int, log *slog.Logger) (*WebRTCClassifier, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("vad: create detector: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("vad: set mode: %w", err)
	}
	if !v.ValidRateAndFrameLength(sampleRate, audio.FrameBytes(sampleRate, audio.FrameDuration)/audio.BytesPerSample) {
		return nil, fmt.Errorf("vad: unsupported rate %d", sampleRate)
	}
	return &WebRTCClassifier{vad: v, sampleRate: sampleRate, log: log}, nil
}

// IsSpeech classifies one frame. Detector errors are treated as silence and
// logged at debug level; a single misread frame is recoverable noise.
func (c *WebRTCClassifier) IsSpeech(frame []byte) bool {
	active, err := c.vad.Process(c.sampleRate, frame)
	if err != nil {
		c.log.Debug("vad process failed", "error", err)
		return false
	}
	return active
}

// EnergyClassifier is the fallback when the WebRTC detector cannot be
// constructed: a frame is speech when its mean absolute amplitude exceeds a
// fixed threshold.
type EnergyClassifier struct {
	Threshold float64
}

var _ Classifier = (*EnergyClassifier)(nil)

// IsSpeech reports whether the frame's energy crosses the threshold.
func (c *EnergyClassifier) IsSpeech(frame []byte) bool {
	return audio.MeanAbsAmplitude(frame) > c.Threshold
}

// NewClassifier builds the preferred classifier for sampleRate, falling back
// to the energy detector when the WebRTC one is unavailable.
func NewClassifier(sampleRate int, log *slog.Logger) Classifier {
	c, err := NewWebRTCClassifier(sampleRate, log)
	if err != nil {
		log.Warn("webrtc vad unavailable, using energy classifier", "error", err)
		return &EnergyClassifier{Threshold: energyThreshold}
	}
	return c
}
