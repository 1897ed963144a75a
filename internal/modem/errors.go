package modem

import "errors"

var (
	// ErrNotResponding means the modem never acknowledged the basic echo-off
	// handshake during initialization.
	ErrNotResponding = errors.New("modem: not responding")

	// ErrPCMRejected means the modem refused the PCM frame-rate setting.
	ErrPCMRejected = errors.New("modem: pcm frame rate rejected")

	// ErrAnswerFailed means ATA was refused (BUSY, NO CARRIER or ERROR).
	ErrAnswerFailed = errors.New("modem: answer failed")
)
