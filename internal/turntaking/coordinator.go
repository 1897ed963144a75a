// Package turntaking holds the shared speaking/silence state that keeps the
// bot from talking over the caller.
//
// The utterance machine is the only writer of the caller-side flags; the
// playback scheduler is the only waiter. Interruption never stops a message
// already playing — it only delays the start of the next one.
package turntaking

import (
	"sync"
	"time"
)

// Coordinator is the turn-taking gate. The zero value is not usable; create
// with New. A fresh coordinator reports the caller as silent, so the first
// bot message after the greeting gate opens is never blocked.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	callerSilent bool
	botSpeaking  bool
	lastSpeech   time.Time
}

// New returns a coordinator in the caller-silent state.
func New() *Coordinator {
	c := &Coordinator{callerSilent: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// MarkSpeechObserved records that a speech frame arrived at now and clears
// the caller-silent flag.
func (c *Coordinator) MarkSpeechObserved(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerSilent = false
	c.lastSpeech = now
}

// MarkSilenceDeclared sets the caller-silent flag and wakes any playback
// waiter. This is the only place the gate is signaled.
func (c *Coordinator) MarkSilenceDeclared() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerSilent = true
	c.cond.Broadcast()
}

// CallerSilent reports whether an end-of-sentence has been declared with no
// speech since.
func (c *Coordinator) CallerSilent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callerSilent
}

// LastSpeechTime returns when the most recent speech frame was observed.
// Zero if the caller has not spoken.
func (c *Coordinator) LastSpeechTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSpeech
}

// SetBotSpeaking records whether the playback scheduler is mid-message.
func (c *Coordinator) SetBotSpeaking(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botSpeaking = v
}

// BotSpeaking reports whether a bot message is currently being written to
// the modem.
func (c *Coordinator) BotSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botSpeaking
}

// WaitForSilence blocks until the caller-silent flag is set or timeout
// elapses, and reports which happened. The wait never holds the lock across
// anything but the condition variable itself.
func (c *Coordinator) WaitForSilence(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	// A timer nudges the condition variable so the wait observes the
	// deadline; sync.Cond has no native timed wait.
	t := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer t.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.callerSilent {
		if !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}
