package dialog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// breakRunes are the punctuation marks that end a speech token when followed
// by whitespace.
const breakRunes = "?!,."

// maxTokenLen is the length above which a token is further split before
// separator words, so the TTS engine never chews on a paragraph-sized input.
const maxTokenLen = 80

// minSplitLen prevents the separator-word pass from producing confetti.
const minSplitLen = 20

// Tokenizer splits dialog responses into speech-friendly tokens. Splitting
// early lets synthesis and playback pipeline: the first token is audible
// while the rest is still being rendered.
type Tokenizer struct {
	separators map[string][]string
	exceptions map[string]map[string]bool
}

// NewTokenizer returns a tokenizer with the built-in language tables.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{
		separators: map[string][]string{
			"en": {"and", "but", "or", "because", "so"},
			"de": {"und", "aber", "oder", "denn", "sondern"},
			"ro": {"și", "dar", "sau", "deci"},
		},
		exceptions: map[string]map[string]bool{},
	}
	t.AddExceptions("en", "mr.", "mrs.", "ms.", "dr.", "st.", "vs.", "etc.", "e.g.", "i.e.", "no.")
	t.AddExceptions("de", "z.b.", "dr.", "nr.", "ca.", "bzw.", "usw.", "ggf.", "hr.", "fr.", "evtl.")
	t.AddExceptions("ro", "dr.", "nr.", "etc.", "ex.")
	return t
}

// AddExceptions registers abbreviations (lowercase, trailing period included)
// that must not end a token for the given language.
func (t *Tokenizer) AddExceptions(lang string, words ...string) {
	m := t.exceptions[lang]
	if m == nil {
		m = map[string]bool{}
		t.exceptions[lang] = m
	}
	for _, w := range words {
		m[strings.ToLower(w)] = true
	}
}

// LoadExceptions merges abbreviation lists from a JSON file mapping language
// codes to word lists, so deployments can add local abbreviations (street
// names, clinic titles) without a rebuild.
func (t *Tokenizer) LoadExceptions(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var byLang map[string][]string
	if err := json.Unmarshal(data, &byLang); err != nil {
		return fmt.Errorf("dialog: parse exceptions file %s: %w", path, err)
	}
	for lang, words := range byLang {
		t.AddExceptions(lang, words...)
	}
	return nil
}

// Split breaks text into tokens for lang. Returns nil for blank input.
func (t *Tokenizer) Split(text, lang string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var tokens []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if !strings.ContainsRune(breakRunes, r) {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue // "3.5" or "1,200" style
		}
		if r == '.' && t.isAbbreviation(cur.String(), lang) {
			continue
		}
		if tok := strings.TrimSpace(cur.String()); tok != "" {
			tokens = append(tokens, tok)
		}
		cur.Reset()
	}
	if tok := strings.TrimSpace(cur.String()); tok != "" {
		tokens = append(tokens, tok)
	}

	var out []string
	for _, tok := range tokens {
		out = append(out, t.splitLong(tok, lang)...)
	}
	return out
}

// isAbbreviation reports whether the text so far ends in a word that should
// keep its period inside the token: a known abbreviation or an initial.
func (t *Tokenizer) isAbbreviation(sofar, lang string) bool {
	fields := strings.Fields(sofar)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(fields[len(fields)-1])
	if t.exceptions[lang][last] {
		return true
	}
	// "J." or "z." style initials.
	return len([]rune(last)) <= 2
}

// splitLong breaks an over-long token before separator words so each piece
// stays a comfortable synthesis unit.
func (t *Tokenizer) splitLong(tok, lang string) []string {
	if len(tok) <= maxTokenLen {
		return []string{tok}
	}
	seps := t.separators[lang]
	if len(seps) == 0 {
		return []string{tok}
	}
	isSep := func(w string) bool {
		lw := strings.ToLower(w)
		for _, s := range seps {
			if lw == s {
				return true
			}
		}
		return false
	}

	var out []string
	var cur []string
	curLen := 0
	for _, w := range strings.Fields(tok) {
		if isSep(w) && curLen >= minSplitLen {
			out = append(out, strings.Join(cur, " "))
			cur = nil
			curLen = 0
		}
		cur = append(cur, w)
		curLen += len(w) + 1
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}
