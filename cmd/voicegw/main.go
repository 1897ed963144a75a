// Command voicegw answers phone calls on a SIM7600-class cellular modem and
// runs the voice dialog pipeline: capture, utterance detection, dialog
// round-trips, speech synthesis and paced playback.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvasile/voicegw/internal/call"
	"github.com/tvasile/voicegw/internal/config"
	"github.com/tvasile/voicegw/internal/health"
	"github.com/tvasile/voicegw/internal/modem"
	"github.com/tvasile/voicegw/internal/observe"
	"github.com/tvasile/voicegw/internal/serialio"
	"github.com/tvasile/voicegw/internal/tts"
	"github.com/tvasile/voicegw/internal/webhook"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicegw: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicegw: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicegw starting",
		"config", *configPath,
		"at_port", cfg.Devices.ATPort,
		"pcm_port", cfg.Devices.PCMPort,
		"listen_addr", cfg.Server.ListenAddr,
	)

	if err := ensureDirs(cfg); err != nil {
		slog.Error("cannot create working directories", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicegw"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sdctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Voice config: backend fetch, disk cache, file watcher ─────────────────
	voices := config.NewCache(cfg.Services.ConfigURL, cfg.VPNInterface, cfg.Paths.ConfigDir, logger)
	if err := voices.Load(ctx); err != nil {
		slog.Warn("voice config fetch failed, continuing with cached copy or defaults", "err", err)
	}

	var src call.VoiceSource = voices
	watcher, err := config.NewWatcher(voices.Path(), logger, func(old, new *config.Voice) {
		slog.Info("voice config reloaded from disk")
	})
	if err != nil {
		slog.Info("voice config file watcher disabled", "reason", err)
	} else {
		src = watcher
		defer watcher.Stop()
	}

	// ── Serial ports ──────────────────────────────────────────────────────────
	atConn, err := serialio.Open(cfg.Devices.ATPort, cfg.Devices.Baud)
	if err != nil {
		slog.Error("cannot open AT port", "err", err)
		return 1
	}
	atPort := serialio.NewATPort(atConn)
	defer atPort.Close()
	atPort.OnUnsolicited(func(line string) bool {
		switch modem.ParseURC(line).Kind {
		case modem.URCRing, modem.URCCallerID:
			return true
		}
		return false
	})

	pcmConn, err := serialio.Open(cfg.Devices.PCMPort, cfg.Devices.Baud)
	if err != nil {
		slog.Error("cannot open PCM port", "err", err)
		return 1
	}
	pcmPort := serialio.NewPCMPort(pcmConn)
	defer pcmPort.Close()

	session := modem.NewSession(atPort, logger)

	// ── Call controller ───────────────────────────────────────────────────────
	controller := call.New(call.Config{
		Modem:    session,
		Port:     atPort,
		Audio:    pcmPort,
		Voices:   src,
		Services: cfg.Services,
		Paths:    cfg.Paths,
		Webhook:  webhook.New(cfg.Services.WebhookURL, metrics, logger),
		TTSCache: tts.NewCache(cfg.Paths.CacheRoot),
		Metrics:  metrics,
		Log:      logger,
		Reopen: func() error {
			conn, err := serialio.Open(cfg.Devices.ATPort, cfg.Devices.Baud)
			if err != nil {
				return err
			}
			atPort.Reset(conn)
			return nil
		},
	})

	// ── Observability endpoint ────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Modem(atPort, controller.Busy),
		health.Staging(cfg.Paths.StagingDir),
		health.Cache(cfg.Paths.CacheRoot),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()
	defer func() {
		sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sdctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}()

	slog.Info("gateway ready — waiting for calls")

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("controller exited", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ensureDirs creates every directory the pipeline writes to, so the health
// checks and the first call do not race directory creation.
func ensureDirs(cfg *config.Gateway) error {
	dirs := []string{
		cfg.Paths.CacheRoot,
		cfg.Paths.StagingDir,
		cfg.Paths.ConfigDir,
		cfg.Paths.TranscriptDir,
		cfg.Paths.TimingDir,
		cfg.Paths.ArchiveDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
