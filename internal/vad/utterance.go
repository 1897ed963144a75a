package vad

import (
	"time"

	"github.com/tvasile/voicegw/pkg/audio"
)

// EventKind identifies a boundary decision made by the utterance machine.
type EventKind int

const (
	// EventChunk commits buffered audio to the dialog dispatcher. EndSentence
	// is false for progressive chunks emitted mid-utterance.
	EventChunk EventKind = iota

	// EventEndSignal finalizes the most recent chunk number on the dialog
	// service. Carries no PCM.
	EventEndSignal

	// EventNoiseTimeout reports that speech ran past the maximum duration and
	// the buffered audio was discarded.
	EventNoiseTimeout
)

// Event is one boundary decision. ChunkNum is set for EventChunk and
// EventEndSignal; PCM only for EventChunk; SpeechDuration for EventEndSignal,
// where it measures the speech portion of the utterance just ended.
type Event struct {
	Kind           EventKind
	PCM            []byte
	ChunkNum       int
	EndSentence    bool
	SpeechDuration time.Duration
}

// TurnGate is the slice of the turn-taking coordinator the machine drives.
type TurnGate interface {
	MarkSpeechObserved(now time.Time)
	MarkSilenceDeclared()
}

// Thresholds are the timing knobs of the utterance machine, in wall-clock
// durations. Frame counts are derived at 20 ms per frame.
type Thresholds struct {
	// AudioChunk is the silence span after which buffered speech is committed
	// as an audio chunk.
	AudioChunk time.Duration

	// EndOfSentence is the silence span after which the utterance is declared
	// finished and an end signal is emitted.
	EndOfSentence time.Duration

	// PhrasePause is the short-pause span that triggers a progressive chunk
	// during long speech.
	PhrasePause time.Duration

	// LongSpeech is both the speech duration after which progressive chunking
	// applies and the minimum spacing between progressive chunks.
	LongSpeech time.Duration

	// MaxSpeech is the continuous-speech span treated as noise.
	MaxSpeech time.Duration
}

// DefaultThresholds returns the stock timing.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AudioChunk:    550 * time.Millisecond,
		EndOfSentence: 800 * time.Millisecond,
		PhrasePause:   350 * time.Millisecond,
		LongSpeech:    4500 * time.Millisecond,
		MaxSpeech:     6500 * time.Millisecond,
	}
}

// minSpeechFrames is the least number of speech frames an utterance must
// contain before its audio is worth dispatching.
const minSpeechFrames = 10

type machineState int

const (
	stateSilence machineState = iota
	stateSpeech
	statePostSpeechSilence
)

// Machine is the utterance state machine. It consumes classified frames in
// order and emits boundary events: audio chunks, end-of-sentence signals and
// noise timeouts.
//
// Not safe for concurrent use; it belongs to the single PCM capture task.
type Machine struct {
	thr  Thresholds
	gate TurnGate

	state         machineState
	buf           []byte
	speechFrames  int
	silenceFrames int
	speechStart   time.Time
	lastChunkSent time.Time

	chunkNum       int
	audioChunkSent bool
	endSignalSent  bool

	callerHasSpoken bool
}

// NewMachine creates a machine with the given thresholds, reporting speech
// and silence transitions to gate.
func NewMachine(thr Thresholds, gate TurnGate) *Machine {
	return &Machine{thr: thr, gate: gate}
}

// CallerHasSpoken reports whether any speech has been observed this call.
// Sticky once true.
func (m *Machine) CallerHasSpoken() bool { return m.callerHasSpoken }

// ChunkNum returns the number of the most recently committed audio chunk.
func (m *Machine) ChunkNum() int { return m.chunkNum }

// Process feeds one frame into the machine at time now and returns the
// boundary events it triggers, usually none.
func (m *Machine) Process(f Frame, now time.Time) []Event {
	if f.IsSpeech {
		return m.onSpeech(f, now)
	}
	return m.onSilence(f, now)
}

func (m *Machine) onSpeech(f Frame, now time.Time) []Event {
	m.gate.MarkSpeechObserved(now)

	switch m.state {
	case stateSilence:
		m.state = stateSpeech
		m.speechStart = now
		m.speechFrames = 0
		m.silenceFrames = 0
		m.endSignalSent = false
		m.callerHasSpoken = true
	case statePostSpeechSilence:
		// Caller resumed before the sentence closed. A chunk already sent
		// for this utterance stays sent; the flag resets so the next silence
		// span can commit the new audio.
		m.state = stateSpeech
		m.audioChunkSent = false
		m.silenceFrames = 0
	}

	m.buf = append(m.buf, f.PCM...)
	m.speechFrames++

	if now.Sub(m.speechStart) >= m.thr.MaxSpeech {
		m.buf = nil
		m.state = stateSilence
		m.speechFrames = 0
		m.silenceFrames = 0
		m.gate.MarkSilenceDeclared()
		return []Event{{Kind: EventNoiseTimeout}}
	}
	return nil
}

func (m *Machine) onSilence(f Frame, now time.Time) []Event {
	switch m.state {
	case stateSilence:
		return nil
	case stateSpeech:
		m.state = statePostSpeechSilence
		m.silenceFrames = 0
	}

	m.buf = append(m.buf, f.PCM...)
	m.silenceFrames++
	silence := time.Duration(m.silenceFrames) * audio.FrameDuration

	// Progressive chunk: a phrase pause inside long speech commits the
	// audio so far without closing the sentence.
	if now.Sub(m.speechStart) >= m.thr.LongSpeech &&
		now.Sub(m.lastChunkSent) >= m.thr.LongSpeech &&
		silence >= m.thr.PhrasePause &&
		m.speechFrames >= minSpeechFrames {
		m.audioChunkSent = true
		return []Event{m.commitChunk(now, false)}
	}

	if silence >= m.thr.AudioChunk && !m.audioChunkSent && m.speechFrames >= minSpeechFrames {
		m.audioChunkSent = true
		return []Event{m.commitChunk(now, false)}
	}

	if silence >= m.thr.EndOfSentence {
		speechDur := time.Duration(m.speechFrames) * audio.FrameDuration
		sendSignal := m.audioChunkSent && !m.endSignalSent

		m.state = stateSilence
		m.buf = nil
		m.speechFrames = 0
		m.silenceFrames = 0
		m.audioChunkSent = false
		m.gate.MarkSilenceDeclared()

		if sendSignal {
			m.endSignalSent = true
			return []Event{{
				Kind:           EventEndSignal,
				ChunkNum:       m.chunkNum,
				EndSentence:    true,
				SpeechDuration: speechDur,
			}}
		}
	}
	return nil
}

// commitChunk advances the chunk number and hands out the buffered PCM,
// clearing the buffer so the next chunk starts at this boundary.
func (m *Machine) commitChunk(now time.Time, endSentence bool) Event {
	m.chunkNum++
	pcm := m.buf
	m.buf = nil
	m.lastChunkSent = now
	return Event{
		Kind:        EventChunk,
		PCM:         pcm,
		ChunkNum:    m.chunkNum,
		EndSentence: endSentence,
	}
}

// Flush commits whatever speech remains buffered at call end as a final
// sentence-closing chunk. Returns nil when the buffer holds nothing worth
// dispatching.
func (m *Machine) Flush(now time.Time) []Event {
	if m.speechFrames < minSpeechFrames || len(m.buf) == 0 || m.audioChunkSent {
		m.buf = nil
		return nil
	}
	return []Event{m.commitChunk(now, true)}
}
