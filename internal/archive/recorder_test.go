package archive

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderWritesOggPerStream(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(dir, "call_9", 8000, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	// 100 ms of caller audio in 20 ms frames, plus one bot reply.
	frame := make([]byte, 320)
	for i := 0; i < 5; i++ {
		r.Record(StreamCaller, frame)
	}
	r.Record(StreamBot, bytes.Repeat([]byte{3}, 640))

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("archive files = %d, want 2", len(entries))
	}

	var sawCaller, sawBot bool
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "call_9_") || !strings.HasSuffix(name, ".ogg") {
			t.Errorf("unexpected archive name %q", name)
		}
		if strings.Contains(name, "_caller_") {
			sawCaller = true
		}
		if strings.Contains(name, "_bot_") {
			sawBot = true
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if len(data) < 4 || string(data[:4]) != "OggS" {
			t.Errorf("%s does not start with an Ogg page", name)
		}
	}
	if !sawCaller || !sawBot {
		t.Errorf("missing stream file: caller=%v bot=%v", sawCaller, sawBot)
	}
}

// Audio must reach disk while the call is still running, not pile up in
// memory until teardown.
func TestRecorderStreamsToDiskDuringCall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(dir, "call_9", 8000, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	// Two seconds of caller audio: more than one full Ogg data page.
	frame := make([]byte, 320)
	for i := 0; i < 100; i++ {
		r.Record(StreamCaller, frame)
	}

	var onDisk int64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := filepath.Glob(filepath.Join(dir, "*.ogg"))
		if len(entries) == 1 {
			// Past the two header pages means at least one data page.
			if info, err := os.Stat(entries[0]); err == nil && info.Size() > 150 {
				onDisk = info.Size()
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if onDisk == 0 {
		t.Fatal("no audio written to disk while the call was active")
	}

	cancel()
	<-done

	entries, _ := filepath.Glob(filepath.Join(dir, "*.ogg"))
	data, err := os.ReadFile(entries[0])
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) < onDisk {
		t.Error("archive shrank at finalize")
	}
	if string(data[:4]) != "OggS" {
		t.Error("archive is not an Ogg stream")
	}
}

func TestRecorderDisabledWithoutDir(t *testing.T) {
	t.Parallel()

	r := New("", "call_9", 8000, slog.New(slog.DiscardHandler))

	// Must accept far more than the queue holds without blocking.
	for i := 0; i < queueCap*4; i++ {
		r.Record(StreamCaller, make([]byte, 320))
	}
	if len(r.queue) != 0 {
		t.Errorf("disabled recorder queued %d segments", len(r.queue))
	}
}

func TestRecorderOverflowDropsNotBlocks(t *testing.T) {
	t.Parallel()

	r := New(t.TempDir(), "call_9", 8000, slog.New(slog.DiscardHandler))

	// No Run consumer: fill the queue and keep going.
	delivered := make(chan struct{})
	go func() {
		for i := 0; i < queueCap+50; i++ {
			r.Record(StreamCaller, make([]byte, 320))
		}
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	if n := r.dropped.Load(); n != 50 {
		t.Errorf("dropped = %d, want 50", n)
	}
}
