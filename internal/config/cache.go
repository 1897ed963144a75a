package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VoiceFileName is the on-disk name of the cached voice config.
const VoiceFileName = "voice_config.json"

const fetchTimeout = 10 * time.Second

// Cache holds the gateway's current voice config and keeps a copy on disk.
//
// The update rule is all-or-nothing: a fetched config replaces the in-memory
// copy only after it decodes and validates in full, and the disk copy is
// swapped in with rename so readers never see a torn file.
type Cache struct {
	configURL string
	vpnIface  string
	path      string
	client    *http.Client
	log       *slog.Logger

	mu      sync.RWMutex
	current *Voice
}

// NewCache creates a cache persisting to dir. configURL may be empty, in
// which case Load only consults the disk copy and defaults.
func NewCache(configURL, vpnIface, dir string, log *slog.Logger) *Cache {
	return &Cache{
		configURL: configURL,
		vpnIface:  vpnIface,
		path:      filepath.Join(dir, VoiceFileName),
		client:    &http.Client{Timeout: fetchTimeout},
		log:       log,
	}
}

// Current returns the active voice config. Never nil after Load.
func (c *Cache) Current() *Voice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return DefaultVoice()
	}
	return c.current
}

// Load establishes the active config: fetch from the backend, else keep the
// in-memory copy, else read the disk cache, else hardcoded defaults. Always
// leaves the cache usable; the returned error reports why a fetch was not
// adopted.
func (c *Cache) Load(ctx context.Context) error {
	data, err := c.fetch(ctx)
	if err == nil {
		v, perr := ParseVoice(data, c.log)
		if perr == nil {
			c.adopt(v)
			if werr := c.persist(data); werr != nil {
				c.log.Warn("voice config fetched but not persisted", "error", werr)
			}
			c.log.Info("voice config loaded from backend",
				"language", v.Language, "sample_rate", v.SampleRate(), "voice", v.VoiceSettings.Voice)
			return nil
		}
		err = perr
	}

	c.mu.RLock()
	have := c.current != nil
	c.mu.RUnlock()
	if have {
		c.log.Warn("voice config fetch failed, keeping current", "error", err)
		return err
	}

	if disk, derr := os.ReadFile(c.path); derr == nil {
		if v, perr := ParseVoice(disk, c.log); perr == nil {
			c.adopt(v)
			c.log.Warn("voice config fetch failed, using disk cache", "error", err, "path", c.path)
			return err
		}
	}

	c.adopt(DefaultVoice())
	c.log.Warn("voice config fetch failed, using defaults", "error", err)
	return err
}

func (c *Cache) adopt(v *Voice) {
	c.mu.Lock()
	old := c.current
	c.current = v
	c.mu.Unlock()

	if old != nil {
		if changed := DiffVoice(old, v); len(changed) > 0 {
			c.log.Info("voice config changed", "fields", changed)
		}
	}
}

// fetch retrieves the raw config JSON from the backend, identified by the
// gateway's VPN address.
func (c *Cache) fetch(ctx context.Context) ([]byte, error) {
	if c.configURL == "" {
		return nil, fmt.Errorf("config: no config service url")
	}
	ip, err := InterfaceIP(c.vpnIface)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s?ip=%s&include_key=1", c.configURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("config: build fetch request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config: fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("config: read fetch response: %w", err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("config: decode fetch envelope: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("config: backend refused: %s", envelope.Message)
	}
	return envelope.Data, nil
}

// persist writes data next to the live path and renames it into place, then
// syncs the directory so the swap survives a power cut.
func (c *Cache) persist(data []byte) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, VoiceFileName+".tmp*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Path returns the live on-disk location of the cached config.
func (c *Cache) Path() string { return c.path }

// InterfaceIP returns the first IPv4 address of the named interface.
func InterfaceIP(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("config: interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("config: interface %q addresses: %w", name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("config: interface %q has no IPv4 address", name)
}
