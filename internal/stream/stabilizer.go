// Package stream produces live partial captions for an open speech segment
// by periodically re-recognizing the audio buffered so far.
package stream

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// maximum suffix/prefix overlap searched when merging partials
const maxOverlapRunes = 30

var terminalPunct = "。．！!？?\n"

// PartialStabilizer merges successive partial recognition results into one
// monotonically growing sentence. Emission is throttled except that terminal
// punctuation forces an immediate emit.
type PartialStabilizer struct {
	throttle time.Duration
	emit     func(text string)

	mu       sync.Mutex
	stable   string
	emitted  string
	lastEmit time.Time
}

func NewPartialStabilizer(throttle time.Duration, emit func(text string)) *PartialStabilizer {
	return &PartialStabilizer{throttle: throttle, emit: emit}
}

// Offer merges a new partial into the stable sentence and emits it if the
// throttle allows.
func (p *PartialStabilizer) Offer(partial string) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return
	}

	p.mu.Lock()
	p.stable = mergePartial(p.stable, partial)
	text := p.stable
	if text == p.emitted {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	forced := endsWithTerminal(text)
	if !forced && now.Sub(p.lastEmit) < p.throttle {
		p.mu.Unlock()
		return
	}
	p.emitted = text
	p.lastEmit = now
	p.mu.Unlock()

	p.emit(text)
}

// Finish emits the final stabilized text once more if anything changed since
// the last emit, resets the stabilizer, and returns the text.
func (p *PartialStabilizer) Finish() string {
	p.mu.Lock()
	text := p.stable
	pending := text != "" && text != p.emitted
	p.stable = ""
	p.emitted = ""
	p.lastEmit = time.Time{}
	p.mu.Unlock()

	if pending {
		p.emit(text)
	}
	return text
}

func endsWithTerminal(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError && strings.ContainsRune(terminalPunct, r)
}

// mergePartial combines the previous stable text with a new partial. A
// partial that starts with the old text replaces it (the recognizer decoded
// a longer window). Otherwise the longest suffix/prefix overlap, searched up
// to maxOverlapRunes, decides how much of the new text is appended.
func mergePartial(old, next string) string {
	if old == "" {
		return next
	}
	if strings.HasPrefix(next, old) {
		return next
	}

	oldRunes := []rune(old)
	newRunes := []rune(next)
	max := len(oldRunes)
	if len(newRunes) < max {
		max = len(newRunes)
	}
	if max > maxOverlapRunes {
		max = maxOverlapRunes
	}
	for k := max; k > 0; k-- {
		if string(oldRunes[len(oldRunes)-k:]) == string(newRunes[:k]) {
			return old + string(newRunes[k:])
		}
	}
	return old + next
}
