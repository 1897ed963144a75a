// Package tts requests speech synthesis from the local engine and maintains
// the content-addressed artifact cache, so repeated phrases never hit the
// engine twice.
package tts

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// maxKeyLen is the longest normalized text, in runes, used verbatim as a
// cache key. Longer texts are truncated on a rune boundary and disambiguated
// with a digest so the key stays a sane filename.
const (
	maxKeyLen      = 200
	truncatedLen   = 150
	digestHexChars = 8
)

// Key derives the filename-safe cache key for a piece of text: the lowercased
// concatenation of its alphanumeric characters, truncated with an md5 tag
// when too long. Identical spoken content maps to the same key regardless of
// punctuation or case.
func Key(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	key := b.String()
	if runes := []rune(key); len(runes) > maxKeyLen {
		sum := md5.Sum([]byte(text))
		key = string(runes[:truncatedLen]) + "_" + hex.EncodeToString(sum[:])[:digestHexChars]
	}
	return key
}

// Cache is the on-disk artifact store, sharded by audio format and voice so
// the same text rendered by different voices never collides.
type Cache struct {
	root string
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{root: dir}
}

// ArtifactPath returns where the artifact for (text, format, voice) lives,
// whether or not it exists yet.
func (c *Cache) ArtifactPath(format, voice, text string) string {
	return filepath.Join(c.root, format, voice, Key(text)+".raw")
}

// Load returns the cached PCM for (text, format, voice), or ok=false on a
// miss.
func (c *Cache) Load(format, voice, text string) ([]byte, bool) {
	data, err := os.ReadFile(c.ArtifactPath(format, voice, text))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Store writes pcm under the cache path with create-temp + rename, so a
// concurrent Load sees either nothing or the complete artifact.
func (c *Cache) Store(format, voice, text string, pcm []byte) error {
	path := c.ArtifactPath(format, voice, text)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tts: create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".store*")
	if err != nil {
		return fmt.Errorf("tts: create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pcm); err != nil {
		tmp.Close()
		return fmt.Errorf("tts: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tts: close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("tts: publish artifact: %w", err)
	}
	return nil
}
