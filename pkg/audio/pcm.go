// Package audio provides the raw PCM primitives shared by the voice pipeline:
// frame sizing, sample conversion, energy measurement, and linear gain.
//
// All PCM in this codebase is 16-bit signed little-endian mono, at 8 kHz or
// 16 kHz depending on the modem's CPCMFRM setting.
package audio

import "time"

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// FrameDuration is the fixed capture frame length used by the VAD framer.
// WebRTC-class detectors accept 10/20/30 ms frames; the pipeline uses 20 ms.
const FrameDuration = 20 * time.Millisecond

// FrameBytes returns the size in bytes of one frame of duration d at the
// given sample rate. For the standard 20 ms frame this is 320 bytes at
// 8 kHz and 640 bytes at 16 kHz.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := sampleRate * int(d/time.Millisecond) / 1000
	return samples * BytesPerSample
}

// Duration returns the wall-clock playing time of n PCM bytes at the given
// sample rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesToInt16s converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// MeanAbsAmplitude returns the mean absolute sample amplitude of a PCM frame.
// Used by the energy-based speech classifier when no VAD engine is available.
func MeanAbsAmplitude(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(n)
}

// ApplyGain scales every sample by gain, clamping to the int16 range, and
// returns a new slice. A gain of 1.0 returns an unmodified copy.
func ApplyGain(frame []byte, gain float64) []byte {
	out := make([]byte, len(frame)&^1)
	for i := 0; i+1 < len(frame); i += 2 {
		s := float64(int16(frame[i]) | int16(frame[i+1])<<8)
		s *= gain
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		v := int16(s)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}
