package stream

import (
	"testing"
	"time"
)

func TestMergePartial(t *testing.T) {
	tests := []struct {
		name      string
		old, next string
		want      string
	}{
		{"empty start", "", "こんにち", "こんにち"},
		{"prefix extension", "こんにち", "こんにちは", "こんにちは"},
		{"identical", "こんにちは", "こんにちは", "こんにちは"},
		{"suffix overlap", "今日はいい", "いい天気ですね", "今日はいい天気ですね"},
		{"no overlap appends", "おはよう", "ございます", "おはようございます"},
		{"latin overlap", "hello wor", "world", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergePartial(tt.old, tt.next); got != tt.want {
				t.Errorf("mergePartial(%q, %q) = %q, want %q", tt.old, tt.next, got, tt.want)
			}
		})
	}
}

func TestStabilizer_PrefixExtensionEmitsOnce(t *testing.T) {
	var emits []string
	p := NewPartialStabilizer(0, func(s string) { emits = append(emits, s) })

	p.Offer("こんにち")
	p.Offer("こんにちは")

	if len(emits) != 2 || emits[1] != "こんにちは" {
		t.Fatalf("emits = %v", emits)
	}
}

func TestStabilizer_ThrottleHoldsWithoutPunctuation(t *testing.T) {
	var emits []string
	p := NewPartialStabilizer(time.Hour, func(s string) { emits = append(emits, s) })

	p.Offer("こんにち")   // first emit, throttle window opens
	p.Offer("こんにちは") // inside throttle, held back

	if len(emits) != 1 {
		t.Fatalf("throttle leaked: %v", emits)
	}

	// terminal punctuation forces an immediate emit
	p.Offer("こんにちは。")
	if len(emits) != 2 || emits[1] != "こんにちは。" {
		t.Fatalf("punctuation did not force emit: %v", emits)
	}
}

func TestStabilizer_FinishEmitsPendingAndResets(t *testing.T) {
	var emits []string
	p := NewPartialStabilizer(time.Hour, func(s string) { emits = append(emits, s) })

	p.Offer("おはよう")
	p.Offer("おはようございます") // held by throttle

	got := p.Finish()
	if got != "おはようございます" {
		t.Errorf("Finish = %q", got)
	}
	if len(emits) != 2 || emits[1] != "おはようございます" {
		t.Errorf("pending text not emitted on finish: %v", emits)
	}

	// reset: next segment starts clean
	if got := p.Finish(); got != "" {
		t.Errorf("stabilizer not reset: %q", got)
	}
}

func TestStabilizer_NoDuplicateEmits(t *testing.T) {
	var emits []string
	p := NewPartialStabilizer(0, func(s string) { emits = append(emits, s) })

	p.Offer("はい")
	p.Offer("はい")
	p.Finish()

	if len(emits) != 1 {
		t.Fatalf("duplicate emits: %v", emits)
	}
}
