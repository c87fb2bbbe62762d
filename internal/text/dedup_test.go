package text

import (
	"testing"
	"time"
)

func TestDedupHistory_WindowedDuplicate(t *testing.T) {
	h := NewDedupHistory(6*time.Second, 12, 3*time.Second)
	now := time.Now()

	if h.Duplicate("こんにちは", now, false) {
		t.Fatal("first occurrence flagged as duplicate")
	}
	// same canonical form, different punctuation, inside window
	if !h.Duplicate("こんにちは。", now.Add(2*time.Second), false) {
		t.Fatal("canonical duplicate inside window not suppressed")
	}
	// outside the window both are emitted
	if h.Duplicate("こんにちは", now.Add(10*time.Second), false) {
		t.Fatal("text outside window wrongly suppressed")
	}
}

func TestDedupHistory_ImmediateRepeatCooldown(t *testing.T) {
	h := NewDedupHistory(1*time.Second, 12, 3*time.Second)
	now := time.Now()

	h.Duplicate("はい", now, false)
	// window already expired, but exact repeat inside cooldown
	if !h.Duplicate("はい", now.Add(2*time.Second), false) {
		t.Fatal("exact repeat inside cooldown not suppressed")
	}
	if h.Duplicate("はい", now.Add(6*time.Second), false) {
		t.Fatal("repeat after cooldown wrongly suppressed")
	}
}

func TestDedupHistory_ForceBypassesButRecords(t *testing.T) {
	h := NewDedupHistory(6*time.Second, 12, 3*time.Second)
	now := time.Now()

	h.Duplicate("おわり", now, false)
	if h.Duplicate("おわり", now.Add(time.Second), true) {
		t.Fatal("forced text must never be suppressed")
	}
	// the forced emit still refreshed the window
	if !h.Duplicate("おわり", now.Add(2*time.Second), false) {
		t.Fatal("forced emit was not recorded")
	}
}

func TestDedupHistory_BoundedSize(t *testing.T) {
	h := NewDedupHistory(time.Hour, 3, 0)
	now := time.Now()

	for i, s := range []string{"a", "b", "c", "d", "e"} {
		h.Duplicate(s, now.Add(time.Duration(i)*time.Second), false)
	}
	if len(h.entries) != 3 {
		t.Fatalf("history not bounded: %d entries", len(h.entries))
	}
	// oldest entries were evicted, "a" passes again
	if h.Duplicate("a", now.Add(10*time.Second), false) {
		t.Fatal("evicted entry still suppressing")
	}
}
