// Package chatlog mirrors finalized captions into a text channel: one
// message per utterance, edited in place as more text and translations
// arrive.
package chatlog

import (
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// Messenger abstracts the chat platform so the poster is testable.
type Messenger interface {
	SendMessage(channelID, content string) (messageID string, err error)
	EditMessage(channelID, messageID, content string) error
}

// DiscordMessenger posts through a discordgo session.
type DiscordMessenger struct {
	S *discordgo.Session
}

func (d *DiscordMessenger) SendMessage(channelID, content string) (string, error) {
	msg, err := d.S.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d *DiscordMessenger) EditMessage(channelID, messageID, content string) error {
	_, err := d.S.ChannelMessageEdit(channelID, messageID, content)
	return err
}

// Discard drops all messages; used when no chat-log channel is configured.
type Discard struct{}

func (Discard) SendMessage(channelID, content string) (string, error) { return "discarded", nil }
func (Discard) EditMessage(channelID, messageID, content string) error { return nil }

// entry accumulates one utterance's message state. Its mutex serializes
// creation and edits per utterance id: a racing second writer waits on the
// lock and then sees the existing message instead of double-posting.
type entry struct {
	mu          sync.Mutex
	messageID   string
	speaker     string
	body        string
	translation string
}

// Poster owns the utterance-id → message mapping for one channel.
type Poster struct {
	messenger Messenger
	channelID string

	mu      sync.Mutex
	entries map[string]*entry
}

func NewPoster(messenger Messenger, channelID string) *Poster {
	return &Poster{
		messenger: messenger,
		channelID: channelID,
		entries:   make(map[string]*entry),
	}
}

func (p *Poster) entryFor(id string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		e = &entry{}
		p.entries[id] = e
	}
	return e
}

// AppendText adds finalized text to the utterance's message, creating the
// message on first text. The visible body is the accumulated text, never a
// second message for the same id.
func (p *Poster) AppendText(id, speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e := p.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.body != "" {
		e.body += " "
	}
	e.body += text
	e.speaker = speaker
	p.push(id, e)
}

// SetTranslation replaces the message's translation line. The line is
// rebuilt from the latest translation, never appended. A translation that
// arrives before any final text is held until the message exists.
func (p *Poster) SetTranslation(id, translation string) {
	translation = strings.TrimSpace(translation)
	if translation == "" {
		return
	}
	e := p.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.translation = translation
	if e.messageID == "" {
		return
	}
	p.push(id, e)
}

// push creates or edits the platform message. Caller holds e.mu.
func (p *Poster) push(id string, e *entry) {
	content := render(e)
	if e.messageID == "" {
		msgID, err := p.messenger.SendMessage(p.channelID, content)
		if err != nil {
			log.Warn().Err(err).Str("utterance", id).Msg("Failed to create chat-log message")
			return
		}
		e.messageID = msgID
		return
	}
	if err := p.messenger.EditMessage(p.channelID, e.messageID, content); err != nil {
		log.Warn().Err(err).Str("utterance", id).Msg("Failed to edit chat-log message")
	}
}

// Forget drops the utterance's bookkeeping once its session is disposed.
// The posted message stays in the channel.
func (p *Poster) Forget(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func render(e *entry) string {
	var b strings.Builder
	if e.speaker != "" {
		b.WriteString("**")
		b.WriteString(e.speaker)
		b.WriteString("**: ")
	}
	b.WriteString(e.body)
	if e.translation != "" {
		b.WriteString("\n> ")
		b.WriteString(e.translation)
	}
	return b.String()
}
