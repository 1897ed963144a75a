package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tvasile/voicegw/internal/modem"
)

// Modem returns a checker that pings the AT port. A modem that stops
// acknowledging AT is as good as unplugged, even if the device node is open.
// The ping is skipped while busy reports true: during a call the AT port
// carries call-control traffic and a NO CARRIER must reach the line monitor,
// not a probe's command response.
func Modem(port modem.CommandPort, busy func() bool) Checker {
	return Checker{
		Name: "modem",
		Check: func(_ context.Context) error {
			if busy != nil && busy() {
				return nil
			}
			resp, err := port.Command("AT", time.Second)
			if err != nil {
				return err
			}
			if !strings.Contains(resp, "OK") {
				return fmt.Errorf("modem not acknowledging AT")
			}
			return nil
		},
	}
}

// Staging returns a checker that verifies the TTS staging directory is
// writable. The whole playback path stalls if it is not.
func Staging(dir string) Checker {
	return Checker{
		Name: "staging",
		Check: func(_ context.Context) error {
			f, err := os.CreateTemp(dir, ".probe*")
			if err != nil {
				return fmt.Errorf("staging dir not writable: %w", err)
			}
			f.Close()
			return os.Remove(f.Name())
		},
	}
}

// Cache returns a checker that verifies the TTS cache root exists.
func Cache(root string) Checker {
	return Checker{
		Name: "tts_cache",
		Check: func(_ context.Context) error {
			info, err := os.Stat(filepath.Clean(root))
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("cache root %s is not a directory", root)
			}
			return nil
		},
	}
}
