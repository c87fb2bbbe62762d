package text

import (
	"time"
)

// DedupHistory suppresses near-duplicate recognition results for one speaker.
// Two tiers: a time-windowed ring of canonical forms, and an exact match
// against the immediately preceding text within a short cooldown.
type DedupHistory struct {
	window   time.Duration
	maxKeep  int
	cooldown time.Duration

	entries  []canonEntry
	lastText string
	lastTS   time.Time
}

type canonEntry struct {
	canon string
	ts    time.Time
}

func NewDedupHistory(window time.Duration, maxKeep int, cooldown time.Duration) *DedupHistory {
	if maxKeep < 1 {
		maxKeep = 1
	}
	return &DedupHistory{window: window, maxKeep: maxKeep, cooldown: cooldown}
}

// Duplicate reports whether text is a duplicate of something recently seen.
// Non-duplicates (and forced texts) are recorded. force bypasses the checks
// but still records, used for segment-final flushes that must always surface.
func (h *DedupHistory) Duplicate(text string, now time.Time, force bool) bool {
	canon := Canonicalize(text)

	// prune expired window entries
	kept := h.entries[:0]
	for _, e := range h.entries {
		if now.Sub(e.ts) <= h.window {
			kept = append(kept, e)
		}
	}
	h.entries = kept

	if !force {
		for _, e := range h.entries {
			if e.canon == canon {
				return true
			}
		}
		if h.lastText == text && now.Sub(h.lastTS) < h.cooldown {
			return true
		}
	}

	h.entries = append(h.entries, canonEntry{canon: canon, ts: now})
	if len(h.entries) > h.maxKeep {
		h.entries = h.entries[len(h.entries)-h.maxKeep:]
	}
	h.lastText = text
	h.lastTS = now
	return false
}
