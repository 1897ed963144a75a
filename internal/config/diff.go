package config

// DiffVoice compares two voice configs and returns the names of the fields
// that changed, for logging on reload. All voice fields are hot-reloadable;
// a sample-rate change only takes effect on the next call.
func DiffVoice(old, new *Voice) []string {
	var changed []string

	if old.Language != new.Language {
		changed = append(changed, "language")
	}
	if old.AnswerAfterRings != new.AnswerAfterRings {
		changed = append(changed, "answer_after_rings")
	}
	if old.WelcomeMessage != new.WelcomeMessage {
		changed = append(changed, "welcome_message")
	}
	if old.AudioFormat != new.AudioFormat {
		changed = append(changed, "audio_format")
	}
	if old.VoiceSettings != new.VoiceSettings {
		changed = append(changed, "voice_settings")
	}
	if old.SilenceTimeoutMs != new.SilenceTimeoutMs {
		changed = append(changed, "silence_timeout")
	}
	if old.PhrasePauseMs != new.PhrasePauseMs {
		changed = append(changed, "phrase_pause_ms")
	}
	if old.LongSpeechThresholdMs != new.LongSpeechThresholdMs {
		changed = append(changed, "long_speech_threshold_ms")
	}
	if old.MaxSpeechDurationMs != new.MaxSpeechDurationMs {
		changed = append(changed, "max_speech_duration_ms")
	}

	return changed
}
