// Package bot connects the caption pipeline to Discord: it joins the
// configured voice channel, maps RTP streams to users and feeds each
// speaker's decoded audio into their session.
package bot

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/discord-livecaption/internal/audio"
	"github.com/user/discord-livecaption/internal/chatlog"
	"github.com/user/discord-livecaption/internal/config"
	"github.com/user/discord-livecaption/internal/registry"
	"github.com/user/discord-livecaption/internal/session"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

type Bot struct {
	cfg      *config.Config
	dg       *discordgo.Session
	deps     session.Deps
	sessCfg  session.Config
	speakers *registry.Speakers

	mu        sync.Mutex
	ssrcUsers map[uint32]string
	decoders  map[uint32]*audio.OpusDecoder
	sessions  map[string]*session.Session

	done chan struct{}
}

func NewBot(cfg *config.Config, sessCfg session.Config, deps session.Deps, speakers *registry.Speakers) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates

	// the poster needs the gateway session, so it is wired here
	if cfg.TextChannelID != "" {
		deps.Poster = chatlog.NewPoster(&chatlog.DiscordMessenger{S: dg}, cfg.TextChannelID)
	} else {
		deps.Poster = chatlog.NewPoster(chatlog.Discard{}, "")
	}

	b := &Bot{
		cfg:       cfg,
		dg:        dg,
		deps:      deps,
		sessCfg:   sessCfg,
		speakers:  speakers,
		ssrcUsers: make(map[uint32]string),
		decoders:  make(map[uint32]*audio.OpusDecoder),
		sessions:  make(map[string]*session.Session),
		done:      make(chan struct{}),
	}
	dg.AddHandler(b.onReady)
	return b, nil
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	log.Info().
		Str("username", event.User.Username).
		Int("guilds", len(event.Guilds)).
		Msg("Bot is ready")
}

// Start opens the gateway connection and runs the voice loop until ctx is
// done. The voice connection is re-established with jittered exponential
// backoff whenever it drops.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	go b.voiceLoop(ctx)
	log.Info().Msg("Discord bot started")
	return nil
}

func (b *Bot) voiceLoop(ctx context.Context) {
	defer close(b.done)
	backoff := reconnectBase

	for ctx.Err() == nil {
		vc, err := b.dg.ChannelVoiceJoin(b.cfg.GuildID, b.cfg.VoiceChannelID, false, false)
		if err != nil {
			wait := withJitter(backoff)
			log.Warn().Err(err).Dur("retry_in", wait).Msg("Failed to join voice channel")
			if !sleepCtx(ctx, wait) {
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase

		vc.AddHandler(b.onSpeakingUpdate)
		// required before Discord starts delivering audio
		if err := vc.Speaking(false); err != nil {
			log.Warn().Err(err).Msg("Failed to send initial speaking state")
		}
		log.Info().
			Str("guild_id", b.cfg.GuildID).
			Str("channel_id", b.cfg.VoiceChannelID).
			Msg("Voice connection established")

		b.receive(ctx, vc)
		vc.Disconnect()
		b.endAllSessions()

		if ctx.Err() == nil {
			log.Warn().Msg("Voice connection lost, reconnecting")
			sleepCtx(ctx, withJitter(reconnectBase))
		}
	}
}

func (b *Bot) receive(ctx context.Context, vc *discordgo.VoiceConnection) {
	for {
		select {
		case packet, ok := <-vc.OpusRecv:
			if !ok {
				log.Info().Msg("Voice receive channel closed")
				return
			}
			b.onPacket(packet)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) onSpeakingUpdate(vc *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || !su.Speaking {
		return
	}
	b.mu.Lock()
	b.ssrcUsers[uint32(su.SSRC)] = su.UserID
	b.mu.Unlock()
	log.Debug().
		Uint32("ssrc", uint32(su.SSRC)).
		Str("user_id", su.UserID).
		Msg("SSRC mapped to user")
}

func (b *Bot) onPacket(packet *discordgo.Packet) {
	b.mu.Lock()
	userID, known := b.ssrcUsers[packet.SSRC]
	b.mu.Unlock()
	if !known {
		// no speaking update seen yet; unattributable audio is dropped
		return
	}

	sess := b.sessionFor(userID)
	if sess == nil {
		return
	}

	dec := b.decoderFor(packet.SSRC)
	if dec == nil {
		return
	}
	pcm, err := dec.Decode(packet.Opus)
	if err != nil {
		sess.AbortSegment()
		return
	}
	sess.Feed(pcm)
}

func (b *Bot) decoderFor(ssrc uint32) *audio.OpusDecoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dec, ok := b.decoders[ssrc]; ok {
		return dec
	}
	dec, err := audio.NewOpusDecoder()
	if err != nil {
		log.Error().Err(err).Uint32("ssrc", ssrc).Msg("Failed to create opus decoder")
		return nil
	}
	b.decoders[ssrc] = dec
	return dec
}

func (b *Bot) sessionFor(userID string) *session.Session {
	b.mu.Lock()
	if sess, ok := b.sessions[userID]; ok {
		b.mu.Unlock()
		return sess
	}
	b.mu.Unlock()

	profile := b.speakers.Lookup(userID, b.displayName(userID))
	sess := session.New(b.sessCfg, b.deps, userID, profile)
	if !sess.Start(context.Background()) {
		return nil
	}

	b.mu.Lock()
	b.sessions[userID] = sess
	b.mu.Unlock()
	return sess
}

func (b *Bot) displayName(userID string) string {
	if member, err := b.dg.State.Member(b.cfg.GuildID, userID); err == nil {
		if member.Nick != "" {
			return member.Nick
		}
		if member.User != nil {
			return member.User.Username
		}
	}
	if user, err := b.dg.User(userID); err == nil {
		return user.Username
	}
	return ""
}

func (b *Bot) endAllSessions() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session.Session)
	decoders := b.decoders
	b.decoders = make(map[uint32]*audio.OpusDecoder)
	b.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.End()
			<-sess.Done()
			return nil
		})
	}
	g.Wait()
	for _, dec := range decoders {
		dec.Close()
	}
}

// Stop tears the bot down and waits for all sessions to finish.
func (b *Bot) Stop() error {
	<-b.done
	if err := b.dg.Close(); err != nil {
		return fmt.Errorf("failed to close Discord session: %w", err)
	}
	log.Info().Msg("Discord bot stopped")
	return nil
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
