// Package call owns the lifecycle of a phone call: watching the AT port for
// rings, answering, running the audio pipeline, and tearing everything down.
package call

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-call identity and conversation log. The transcript is
// written through to disk on every append, so a crash mid-call loses at most
// the exchange in flight.
type Session struct {
	CallID    string
	SessionID string
	CallerID  string
	Started   time.Time

	path string
	log  *slog.Logger

	mu      sync.Mutex
	entries []string
}

// NewSession creates the identity for a call that is being answered now.
// transcriptDir may be empty to disable the on-disk transcript.
func NewSession(callerID, transcriptDir string, log *slog.Logger) *Session {
	now := time.Now()
	s := &Session{
		CallID:    fmt.Sprintf("call_%d", now.Unix()),
		SessionID: uuid.NewString(),
		CallerID:  callerID,
		Started:   now,
		log:       log,
	}
	if transcriptDir != "" {
		s.path = filepath.Join(transcriptDir, s.CallID+"_transcription.txt")
		if err := os.MkdirAll(transcriptDir, 0o755); err != nil {
			log.Warn("cannot create transcript dir", "error", err)
			s.path = ""
		}
	}
	s.writeHeader()
	return s
}

func (s *Session) writeHeader() {
	if s.path == "" {
		return
	}
	header := fmt.Sprintf("Call %s from %s, started %s\n\n",
		s.CallID, s.CallerID, s.Started.Format(time.RFC3339))
	if err := os.WriteFile(s.path, []byte(header), 0o644); err != nil {
		s.log.Warn("transcript header not written", "error", err)
		s.path = ""
	}
}

// Append records one conversation turn and persists it immediately.
func (s *Session) Append(role, text string) {
	line := role + ": " + text

	s.mu.Lock()
	s.entries = append(s.entries, line)
	s.mu.Unlock()

	if s.path == "" {
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Warn("transcript open failed", "error", err)
		return
	}
	defer f.Close()
	stamp := time.Now().Format("15:04:05")
	if _, err := fmt.Fprintf(f, "[%s] %s\n", stamp, line); err != nil {
		s.log.Warn("transcript write failed", "error", err)
	}
}

// Context returns the last n conversation turns, oldest first, one per line.
func (s *Session) Context(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.entries) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(s.entries[start:], "\n")
}
