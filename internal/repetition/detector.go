// Package repetition detects degenerate model output that loops on the same
// phrase, so the stream manager can abort instead of burning tokens.
package repetition

import (
	"strings"
	"sync"
)

// Config controls detection behavior.
type Config struct {
	// WindowSize is the character budget of the sliding window. Oldest text
	// is dropped once the window exceeds it.
	WindowSize int
	// MinPhraseLength excludes short phrases that repeat naturally.
	MinPhraseLength int
	// MaxPhraseLength excludes long phrases that rarely repeat verbatim.
	MaxPhraseLength int
	// Threshold is the repeat count at which the detector latches.
	Threshold int
}

// DefaultConfig returns the default detection parameters.
func DefaultConfig() Config {
	return Config{
		WindowSize:      8192,
		MinPhraseLength: 8,
		MaxPhraseLength: 200,
		Threshold:       10,
	}
}

// Detector is a pure, stateful phrase-repetition detector. Once it reports
// repetitive it latches permanently and ignores further input.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	window   strings.Builder
	detected bool
	phrase   string
}

// New creates a detector with the given config. Zero-valued fields fall back
// to the defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinPhraseLength <= 0 {
		cfg.MinPhraseLength = def.MinPhraseLength
	}
	if cfg.MaxPhraseLength <= 0 {
		cfg.MaxPhraseLength = def.MaxPhraseLength
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Detector{cfg: cfg}
}

// AddText appends a chunk to the sliding window and re-runs detection.
func (d *Detector) AddText(chunk string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detected {
		return
	}

	d.window.WriteString(chunk)
	if d.window.Len() > d.cfg.WindowSize {
		text := d.window.String()
		text = text[len(text)-d.cfg.WindowSize:]
		d.window.Reset()
		d.window.WriteString(text)
	}

	d.scan()
}

// IsRepetitive reports whether the detector has latched.
func (d *Detector) IsRepetitive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// Phrase returns the offending phrase once detected, for diagnostics.
func (d *Detector) Phrase() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phrase
}

// scan runs both detection passes over the current window. Caller holds mu.
func (d *Detector) scan() {
	text := d.window.String()

	// Pass one: exact line repeats.
	if d.countRepeats(strings.Split(text, "\n")) {
		return
	}

	// Pass two: whitespace-normalized sentence repeats.
	normalized := strings.Join(strings.Fields(text), " ")
	d.countRepeats(splitSentences(normalized))
}

// countRepeats latches if any qualifying candidate reaches the threshold.
func (d *Detector) countRepeats(candidates []string) bool {
	counts := make(map[string]int)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if len(c) < d.cfg.MinPhraseLength || len(c) > d.cfg.MaxPhraseLength {
			continue
		}
		counts[c]++
		if counts[c] >= d.cfg.Threshold {
			d.detected = true
			d.phrase = c
			return true
		}
	}
	return false
}

// splitSentences splits on sentence terminators, keeping the text before
// each terminator.
func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}
