// Package caption broadcasts live caption events to overlay clients over
// WebSocket. Events are fire-and-forget; a slow client never blocks the
// pipeline.
package caption

import "time"

const (
	// EventNew announces an utterance, exactly once per utterance id.
	EventNew = "utterance.new"
	// EventPartial carries in-progress text, superseded by later partials.
	EventPartial = "utterance.partial"
	// EventUpdate replaces the displayed text and/or translation.
	EventUpdate = "utterance.update"
)

// Event is one caption bus message.
type Event struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	SpeakerID   string `json:"speakerId"`
	Name        string `json:"name,omitempty"`
	Side        string `json:"side,omitempty"`
	Color       string `json:"color,omitempty"`
	Text        string `json:"text,omitempty"`
	Translation string `json:"translation,omitempty"`
	Lang        string `json:"lang,omitempty"`
	TS          int64  `json:"ts,omitempty"`
}

// Speaker is the display identity attached to utterance.new events.
type Speaker struct {
	ID    string
	Name  string
	Side  string
	Color string
	Lang  string
}

func NewUtterance(id string, sp Speaker, text string, ts time.Time) Event {
	return Event{
		Type:      EventNew,
		ID:        id,
		SpeakerID: sp.ID,
		Name:      sp.Name,
		Side:      sp.Side,
		Color:     sp.Color,
		Text:      text,
		Lang:      sp.Lang,
		TS:        ts.UnixMilli(),
	}
}

func Partial(id, speakerID, text string) Event {
	return Event{Type: EventPartial, ID: id, SpeakerID: speakerID, Text: text}
}

func UpdateText(id, text string) Event {
	return Event{Type: EventUpdate, ID: id, Text: text}
}

func UpdateTranslation(id, translation string) Event {
	return Event{Type: EventUpdate, ID: id, Translation: translation}
}

// Publisher is the session-facing side of the bus.
type Publisher interface {
	Publish(ev Event)
}
