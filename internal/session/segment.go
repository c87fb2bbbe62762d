package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/discord-livecaption/internal/stream"
	"github.com/user/discord-livecaption/internal/translate"
)

// utterance is the caption-facing identity a segment (or a chain of
// forced-timeout continuation segments) emits under. One chat-log message
// and one utterance.new event exist per utterance id.
type utterance struct {
	id   string
	tbuf *translate.Buffer

	// written only while the session's finalize mutex is held
	emittedNew bool
}

func newUtteranceID(speakerID string, start time.Time) string {
	return fmt.Sprintf("%s-%d", speakerID, start.UnixMilli())
}

// segment is one open span of gated speech.
type segment struct {
	token     string // registry guard token
	utt       *utterance
	stream    *stream.Transcriber
	startedAt time.Time
	lastAudio time.Time
}

func newSegmentToken() string {
	return uuid.NewString()
}

func (sg *segment) feed(samples []int16, now time.Time) {
	if len(samples) == 0 {
		return
	}
	sg.stream.Feed(samples)
	sg.lastAudio = now
}

// closeReason says why a segment left SegmentOpen.
type closeReason int

const (
	closeVAD closeReason = iota
	closeMaxDuration
	closeWatchdog
	closeDecodeError
	closeStreamEnd
)

func (r closeReason) String() string {
	switch r {
	case closeVAD:
		return "vad"
	case closeMaxDuration:
		return "max-duration"
	case closeWatchdog:
		return "watchdog"
	case closeDecodeError:
		return "decode-error"
	case closeStreamEnd:
		return "stream-end"
	}
	return "unknown"
}

// continuesUtterance reports whether the utterance stays live so the next
// segment appends to it instead of minting a new id.
func (r closeReason) continuesUtterance() bool {
	return r == closeMaxDuration
}
