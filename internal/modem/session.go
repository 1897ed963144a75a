// Package modem drives a SIM7600-class cellular modem over its AT command
// port: initialization, call answering, PCM side-channel control and teardown.
package modem

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// CommandPort is the AT side of the modem. *serialio.ATPort satisfies it;
// tests substitute scripted fakes.
type CommandPort interface {
	Command(cmd string, wait time.Duration) (string, error)
	ReadLine(wait time.Duration) (string, error)
}

const (
	// cmdWait bounds a routine AT exchange.
	cmdWait = time.Second

	// answerWait is the tight budget for ATA. Answering must not keep the
	// caller listening to ringback, so the reply read is short and there is
	// no pre-delay.
	answerWait = 300 * time.Millisecond

	// pcmEnableWait allows the modem time to bring up the audio channel.
	pcmEnableWait = 3 * time.Second

	// callerIDWait bounds how long Ringing waits for the +CLIP line that
	// trails a RING.
	callerIDWait = time.Second
)

// networkModes maps the +CNSMOD system-mode code to a human-readable name.
var networkModes = map[string]string{
	"0": "no service",
	"1": "GSM",
	"2": "GPRS",
	"3": "EGPRS",
	"4": "WCDMA",
	"5": "HSDPA",
	"6": "HSUPA",
	"7": "HSPA",
	"8": "LTE",
}

// Session owns the AT port for the lifetime of the process. All call-control
// commands go through it; concurrent callers are serialized by the port.
type Session struct {
	port CommandPort
	log  *slog.Logger
}

// NewSession wraps port for call control.
func NewSession(port CommandPort, log *slog.Logger) *Session {
	return &Session{port: port, log: log}
}

// Initialize brings the modem into a known state: echo off, sleep disabled,
// speaker volume set, caller-ID and ring notifications enabled, PCM frame
// rate matching the configured sample rate. wideband selects 16 kHz PCM;
// false selects 8 kHz.
//
// Returns ErrNotResponding if the modem never acknowledges echo-off, and
// ErrPCMRejected if the frame-rate command fails.
func (s *Session) Initialize(wideband bool) error {
	if err := s.ping(); err != nil {
		return err
	}

	setup := []string{
		"AT+IPR=115200",
		"AT+CSCLK=0",
		"AT+CLVL=5",
		"AT+CLIP=1",
		"AT+CRC=1",
		"ATS0=0",
	}
	for _, cmd := range setup {
		resp, err := s.port.Command(cmd, cmdWait)
		if err != nil {
			return fmt.Errorf("modem: %s: %w", cmd, err)
		}
		if !strings.Contains(resp, "OK") {
			return fmt.Errorf("modem: %s not acknowledged: %w", cmd, ErrNotResponding)
		}
	}

	frm := "AT+CPCMFRM=0"
	if wideband {
		frm = "AT+CPCMFRM=1"
	}
	resp, err := s.port.Command(frm, cmdWait)
	if err != nil {
		return fmt.Errorf("modem: %s: %w", frm, err)
	}
	if !strings.Contains(resp, "OK") {
		return fmt.Errorf("modem: %s: %w", frm, ErrPCMRejected)
	}

	if mode, err := s.QueryNetworkMode(); err == nil {
		s.log.Info("modem initialized", "network_mode", mode, "wideband", wideband)
	} else {
		s.log.Info("modem initialized", "wideband", wideband)
	}
	return nil
}

// ping sends ATE0 until the modem acknowledges, up to three attempts.
func (s *Session) ping() error {
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := s.port.Command("ATE0", cmdWait)
		if err != nil {
			return fmt.Errorf("modem: ATE0: %w", err)
		}
		if strings.Contains(resp, "OK") {
			return nil
		}
		s.log.Warn("modem not acknowledging echo-off", "attempt", attempt)
	}
	return ErrNotResponding
}

// Answer issues ATA and reports whether the modem took the call. The modem
// answers with a bare OK; BUSY, NO CARRIER or ERROR mean the caller is gone.
func (s *Session) Answer() error {
	resp, err := s.port.Command("ATA", answerWait)
	if err != nil {
		return fmt.Errorf("modem: ATA: %w", err)
	}
	for _, bad := range []string{"BUSY", "NO CARRIER", "ERROR"} {
		if strings.Contains(resp, bad) {
			return fmt.Errorf("modem: ATA returned %s: %w", bad, ErrAnswerFailed)
		}
	}
	return nil
}

// EnablePCM opens the audio side-channel. The modem can take a moment after
// answering, so the wait is generous.
func (s *Session) EnablePCM() error {
	resp, err := s.port.Command("AT+CPCMREG=1", pcmEnableWait)
	if err != nil {
		return fmt.Errorf("modem: enable pcm: %w", err)
	}
	if !strings.Contains(resp, "OK") {
		return fmt.Errorf("modem: enable pcm not acknowledged: %w", ErrPCMRejected)
	}
	return nil
}

// DisablePCM closes the audio side-channel. Errors are returned but teardown
// callers treat them as advisory.
func (s *Session) DisablePCM() error {
	if _, err := s.port.Command("AT+CPCMREG=0", cmdWait); err != nil {
		return fmt.Errorf("modem: disable pcm: %w", err)
	}
	return nil
}

// Hangup drops the current call.
func (s *Session) Hangup() error {
	if _, err := s.port.Command("ATH", cmdWait); err != nil {
		return fmt.Errorf("modem: hangup: %w", err)
	}
	return nil
}

// RearmCallerID re-enables +CLIP notifications. Some firmware drops the
// setting after a call ends.
func (s *Session) RearmCallerID() error {
	if _, err := s.port.Command("AT+CLIP=1", cmdWait); err != nil {
		return fmt.Errorf("modem: rearm caller id: %w", err)
	}
	return nil
}

// QueryNetworkMode asks the modem which radio access technology it is camped
// on and returns a readable name.
func (s *Session) QueryNetworkMode() (string, error) {
	resp, err := s.port.Command("AT+CNSMOD?", cmdWait)
	if err != nil {
		return "", fmt.Errorf("modem: query network mode: %w", err)
	}
	i := strings.Index(resp, "+CNSMOD:")
	if i < 0 {
		return "", fmt.Errorf("modem: no +CNSMOD in response %q", strings.TrimSpace(resp))
	}
	fields := strings.Split(strings.TrimSpace(resp[i+len("+CNSMOD:"):]), ",")
	if len(fields) < 2 {
		return "", fmt.Errorf("modem: malformed +CNSMOD response %q", strings.TrimSpace(resp))
	}
	code := strings.TrimSpace(strings.SplitN(fields[1], "\r", 2)[0])
	if name, ok := networkModes[code]; ok {
		return name, nil
	}
	return "mode " + code, nil
}

// ExtractCallerID reads AT port lines for up to callerIDWait looking for the
// +CLIP notification that follows a RING. Returns "unknown" when the network
// withholds the number or the wait expires.
func (s *Session) ExtractCallerID() string {
	deadline := time.Now().Add(callerIDWait)
	for time.Now().Before(deadline) {
		line, err := s.port.ReadLine(time.Until(deadline))
		if err != nil || line == "" {
			break
		}
		if u := ParseURC(line); u.Kind == URCCallerID && u.Number != "" {
			return u.Number
		}
	}
	return "unknown"
}

// Teardown returns the modem to its idle configuration: audio channel off,
// call dropped, caller-ID re-armed. Safe to call after any partial setup and
// safe to call more than once; each step is attempted regardless of earlier
// failures.
func (s *Session) Teardown() {
	if err := s.DisablePCM(); err != nil {
		s.log.Warn("teardown: disable pcm", "error", err)
	}
	if err := s.Hangup(); err != nil {
		s.log.Warn("teardown: hangup", "error", err)
	}
	if err := s.RearmCallerID(); err != nil {
		s.log.Warn("teardown: rearm caller id", "error", err)
	}
}
