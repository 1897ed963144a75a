package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Voice is the per-gateway behavioural configuration served by the backend.
// It is loaded once at start, cached to disk, and never partially updated:
// a fetched copy either fully replaces the current one or is discarded.
type Voice struct {
	// Language is the hint passed to the dialog service and used to pick
	// localized fallback phrases.
	Language string `json:"language"`

	// AnswerAfterRings controls answering: -1 rejects all calls, 0 answers
	// instantly, n > 0 waits 2·n seconds after answering before audio starts.
	AnswerAfterRings int `json:"answer_after_rings"`

	// WelcomeMessage is the bot's first utterance, gated behind the caller's
	// first complete sentence.
	WelcomeMessage string `json:"welcome_message"`

	// AudioFormat selects the PCM sample rate and names the cache shard
	// (e.g. "Raw16Khz16BitMonoPcm").
	AudioFormat string `json:"audio_format"`

	// VoiceSettings selects the TTS voice.
	VoiceSettings VoiceSettings `json:"voice_settings"`

	// SilenceTimeoutMs is the end-of-sentence silence threshold.
	SilenceTimeoutMs int `json:"silence_timeout"`

	// PhrasePauseMs is the progressive-chunk pause threshold during long
	// speech.
	PhrasePauseMs int `json:"phrase_pause_ms"`

	// LongSpeechThresholdMs is the speech duration after which progressive
	// chunking applies.
	LongSpeechThresholdMs int `json:"long_speech_threshold_ms"`

	// MaxSpeechDurationMs is the noise timeout.
	MaxSpeechDurationMs int `json:"max_speech_duration_ms"`
}

// VoiceSettings specifies the TTS voice parameters.
type VoiceSettings struct {
	// Voice is the engine-specific voice identifier; part of the cache key.
	Voice string `json:"voice"`
}

// voiceKnownFields lists the JSON keys the gateway understands. Anything else
// in a fetched config is ignored with a log line so backend additions are
// visible in the field.
var voiceKnownFields = map[string]bool{
	"language":                 true,
	"answer_after_rings":       true,
	"welcome_message":          true,
	"audio_format":             true,
	"voice_settings":           true,
	"silence_timeout":          true,
	"phrase_pause_ms":          true,
	"long_speech_threshold_ms": true,
	"max_speech_duration_ms":   true,
}

// DefaultVoice returns the hardcoded configuration used when neither the
// backend nor the disk cache can provide one.
func DefaultVoice() *Voice {
	return &Voice{
		Language:              "en",
		AnswerAfterRings:      0,
		WelcomeMessage:        "Hello! How can I help you today?",
		AudioFormat:           "Raw8Khz16BitMonoPcm",
		VoiceSettings:         VoiceSettings{Voice: "en-US-JennyNeural"},
		SilenceTimeoutMs:      800,
		PhrasePauseMs:         350,
		LongSpeechThresholdMs: 4500,
		MaxSpeechDurationMs:   6500,
	}
}

// ParseVoice decodes a voice config from JSON, logs unrecognised fields, and
// fills unset fields with defaults.
func ParseVoice(data []byte, log *slog.Logger) (*Voice, error) {
	v := &Voice{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("config: decode voice config: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for k := range raw {
			if !voiceKnownFields[k] {
				log.Info("ignoring unknown voice config field", "field", k)
			}
		}
	}

	v.applyDefaults()
	if v.AnswerAfterRings < -1 {
		return nil, fmt.Errorf("config: answer_after_rings %d is invalid", v.AnswerAfterRings)
	}
	return v, nil
}

func (v *Voice) applyDefaults() {
	def := DefaultVoice()
	if v.Language == "" {
		v.Language = def.Language
	}
	if v.WelcomeMessage == "" {
		v.WelcomeMessage = def.WelcomeMessage
	}
	if v.AudioFormat == "" {
		v.AudioFormat = def.AudioFormat
	}
	if v.VoiceSettings.Voice == "" {
		v.VoiceSettings.Voice = def.VoiceSettings.Voice
	}
	if v.SilenceTimeoutMs <= 0 {
		v.SilenceTimeoutMs = def.SilenceTimeoutMs
	}
	if v.PhrasePauseMs <= 0 {
		v.PhrasePauseMs = def.PhrasePauseMs
	}
	if v.LongSpeechThresholdMs <= 0 {
		v.LongSpeechThresholdMs = def.LongSpeechThresholdMs
	}
	if v.MaxSpeechDurationMs <= 0 {
		v.MaxSpeechDurationMs = def.MaxSpeechDurationMs
	}
}

// SampleRate derives the PCM rate from the audio format tag: any format
// naming 16 kHz selects wideband, everything else narrowband.
func (v *Voice) SampleRate() int {
	if strings.Contains(v.AudioFormat, "16Khz") || strings.Contains(v.AudioFormat, "16khz") {
		return 16000
	}
	return 8000
}

// SilenceTimeout returns the end-of-sentence threshold as a duration.
func (v *Voice) SilenceTimeout() time.Duration {
	return time.Duration(v.SilenceTimeoutMs) * time.Millisecond
}

// PhrasePause returns the progressive-chunk pause threshold as a duration.
func (v *Voice) PhrasePause() time.Duration {
	return time.Duration(v.PhrasePauseMs) * time.Millisecond
}

// LongSpeechThreshold returns the long-speech threshold as a duration.
func (v *Voice) LongSpeechThreshold() time.Duration {
	return time.Duration(v.LongSpeechThresholdMs) * time.Millisecond
}

// MaxSpeechDuration returns the noise timeout as a duration.
func (v *Voice) MaxSpeechDuration() time.Duration {
	return time.Duration(v.MaxSpeechDurationMs) * time.Millisecond
}

// fallbackPhrases are spoken when the dialog service is unreachable.
var fallbackPhrases = map[string]string{
	"en": "I'm sorry, I didn't catch that. Could you please repeat?",
	"de": "Entschuldigung, das habe ich nicht verstanden. Können Sie das bitte wiederholen?",
	"ro": "Îmi pare rău, nu am înțeles. Puteți repeta, vă rog?",
}

// noisePhrases are spoken after a noise timeout.
var noisePhrases = map[string]string{
	"en": "It's quite noisy on your end. Could you move somewhere quieter?",
	"de": "Bei Ihnen ist es sehr laut. Könnten Sie an einen ruhigeren Ort wechseln?",
	"ro": "Este mult zgomot. Puteți merge într-un loc mai liniștit?",
}

// FallbackPhrase returns the localized apology for dialog failures.
func (v *Voice) FallbackPhrase() string {
	if p, ok := fallbackPhrases[v.Language]; ok {
		return p
	}
	return fallbackPhrases["en"]
}

// NoisePhrase returns the localized prompt for noise timeouts.
func (v *Voice) NoisePhrase() string {
	if p, ok := noisePhrases[v.Language]; ok {
		return p
	}
	return noisePhrases["en"]
}
