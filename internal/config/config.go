// Package config provides the two configuration layers of the gateway: the
// static YAML deployment config (device paths, service URLs, directories) and
// the per-gateway voice config fetched from the backend and cached to disk.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Gateway is the root deployment configuration, loaded from a YAML file with
// [Load]. Behavioural settings (thresholds, greeting, voice) live in [Voice]
// and come from the config service, not from this file.
type Gateway struct {
	Devices  DevicesConfig  `yaml:"devices"`
	Services ServicesConfig `yaml:"services"`
	Paths    PathsConfig    `yaml:"paths"`
	Server   ServerConfig   `yaml:"server"`

	// VPNInterface is the network interface whose address identifies this
	// gateway to the config service (e.g. "wg0").
	VPNInterface string `yaml:"vpn_interface"`
}

// DevicesConfig holds the modem's serial device paths.
type DevicesConfig struct {
	// ATPort is the AT command character device (e.g. "/dev/ttyUSB3").
	ATPort string `yaml:"at_port"`

	// PCMPort is the raw audio character device (e.g. "/dev/ttyUSB4").
	PCMPort string `yaml:"pcm_port"`

	// Baud is the line speed for both ports. Defaults to 115200.
	Baud int `yaml:"baud"`
}

// ServicesConfig holds the HTTP endpoints the gateway talks to.
type ServicesConfig struct {
	// DialogURL receives speech chunks and returns reply text.
	DialogURL string `yaml:"dialog_url"`

	// TTSURL is the local speech synthesis engine.
	TTSURL string `yaml:"tts_url"`

	// ConfigURL serves the per-gateway voice config.
	ConfigURL string `yaml:"config_url"`

	// WebhookURL receives call lifecycle events. Optional.
	WebhookURL string `yaml:"webhook_url"`
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	// CacheRoot is the content-addressed TTS cache directory.
	CacheRoot string `yaml:"cache_root"`

	// StagingDir is where the TTS engine drops raw PCM artifacts for pickup.
	// Defaults to the system temp directory.
	StagingDir string `yaml:"staging_dir"`

	// ConfigDir holds the cached voice_config.json.
	ConfigDir string `yaml:"config_dir"`

	// TranscriptDir receives per-call transcription files.
	TranscriptDir string `yaml:"transcript_dir"`

	// TimingDir receives per-call profiling JSON.
	TimingDir string `yaml:"timing_dir"`

	// ArchiveDir receives Opus call recordings. Empty disables archiving.
	ArchiveDir string `yaml:"archive_dir"`
}

// ServerConfig holds network and logging settings for the observability
// endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address for health and metrics (e.g. ":9190").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// Load reads the YAML configuration file at path and returns a validated
// [Gateway]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Gateway, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Gateway, error) {
	cfg := &Gateway{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *Gateway) applyDefaults() {
	if g.Devices.Baud == 0 {
		g.Devices.Baud = 115200
	}
	if g.Paths.StagingDir == "" {
		g.Paths.StagingDir = os.TempDir()
	}
	if g.Server.ListenAddr == "" {
		g.Server.ListenAddr = ":9190"
	}
	if g.Server.LogLevel == "" {
		g.Server.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Gateway) error {
	var errs []error

	if cfg.Devices.ATPort == "" {
		errs = append(errs, errors.New("devices.at_port is required"))
	}
	if cfg.Devices.PCMPort == "" {
		errs = append(errs, errors.New("devices.pcm_port is required"))
	}
	if cfg.Devices.ATPort != "" && cfg.Devices.ATPort == cfg.Devices.PCMPort {
		errs = append(errs, errors.New("devices.at_port and devices.pcm_port must be distinct"))
	}
	if cfg.Devices.Baud < 0 {
		errs = append(errs, fmt.Errorf("devices.baud %d is invalid", cfg.Devices.Baud))
	}
	if cfg.Services.DialogURL == "" {
		errs = append(errs, errors.New("services.dialog_url is required"))
	}
	if cfg.Services.TTSURL == "" {
		errs = append(errs, errors.New("services.tts_url is required"))
	}
	if cfg.Paths.CacheRoot == "" {
		errs = append(errs, errors.New("paths.cache_root is required"))
	}
	if cfg.Paths.ConfigDir == "" {
		errs = append(errs, errors.New("paths.config_dir is required"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}
