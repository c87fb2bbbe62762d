// Package session runs the per-speaker caption pipeline: a VAD gate cuts
// the incoming PCM stream into segments, each segment streams partials
// while open and produces one sanitized final on close, which feeds the
// caption bus, the chat log and the translation buffer.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-livecaption/internal/asr"
	"github.com/user/discord-livecaption/internal/audio"
	"github.com/user/discord-livecaption/internal/caption"
	"github.com/user/discord-livecaption/internal/chatlog"
	"github.com/user/discord-livecaption/internal/limiter"
	"github.com/user/discord-livecaption/internal/registry"
	"github.com/user/discord-livecaption/internal/store"
	"github.com/user/discord-livecaption/internal/stream"
	"github.com/user/discord-livecaption/internal/text"
	"github.com/user/discord-livecaption/internal/translate"
)

// Config holds the per-session tuning knobs.
type Config struct {
	OpenDB       float64
	CloseDB      float64
	Hangover     time.Duration
	FrameSamples int

	MaxSegmentDuration time.Duration
	InterSegmentGap    time.Duration
	MinSegmentDuration time.Duration
	MinSegmentBytes    int

	FlushInterval time.Duration
	MinFlushBytes int

	DedupWindow   time.Duration
	DedupHistory  int
	FinalCooldown time.Duration

	TranslateDebounce time.Duration
	DictOnTranslation bool
}

func (c *Config) fillDefaults() {
	if c.OpenDB == 0 {
		c.OpenDB = -35
	}
	if c.CloseDB == 0 {
		c.CloseDB = -45
	}
	if c.Hangover <= 0 {
		c.Hangover = 400 * time.Millisecond
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.FrameSize
	}
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = 30 * time.Second
	}
	if c.InterSegmentGap <= 0 {
		c.InterSegmentGap = 250 * time.Millisecond
	}
	if c.MinSegmentDuration <= 0 {
		c.MinSegmentDuration = 300 * time.Millisecond
	}
	if c.MinSegmentBytes <= 0 {
		c.MinSegmentBytes = 9600 // 100ms of 48kHz mono s16le
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 900 * time.Millisecond
	}
	if c.MinFlushBytes <= 0 {
		c.MinFlushBytes = 48000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 6 * time.Second
	}
	if c.DedupHistory <= 0 {
		c.DedupHistory = 12
	}
	if c.FinalCooldown <= 0 {
		c.FinalCooldown = 3 * time.Second
	}
	if c.TranslateDebounce <= 0 {
		c.TranslateDebounce = 800 * time.Millisecond
	}
}

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	Engine     asr.Transcriber
	Limiter    *limiter.Limiter
	Recordings *store.Recordings
	Sanitizer  *text.Sanitizer
	Dictionary *text.Dictionary
	Bus        caption.Publisher
	Poster     *chatlog.Poster
	Translator translate.Translator
	Registry   *registry.Registry
	Checker    audio.SpeechChecker
}

type state int

const (
	stateIdle state = iota
	stateSegmentOpen
	stateClosing
)

type eventKind int

const (
	evFrame eventKind = iota
	evAbort
	evEnd
)

type event struct {
	kind eventKind
	pcm  []int16
}

const watchdogTick = 100 * time.Millisecond

// Session consumes one speaker's PCM stream. All state below the event
// channel is owned by the run loop; timers and frames feed the same queue,
// so no flag juggling between callbacks is needed.
type Session struct {
	cfg       Config
	deps      Deps
	speakerID string
	profile   registry.Profile
	sp        caption.Speaker
	token     string

	events   chan event
	inClosed atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
	ctx      context.Context

	gate    *audio.Gate
	dedup   *text.DedupHistory
	finalMu sync.Mutex // serializes finalizations so finals append in order

	// run-loop owned
	state           state
	seg             *segment
	utt             *utterance
	lastFrame       time.Time
	reopenNotBefore time.Time
	dropCount       int
	abortCount      int
}

func New(cfg Config, deps Deps, speakerID string, profile registry.Profile) *Session {
	cfg.fillDefaults()
	s := &Session{
		cfg:       cfg,
		deps:      deps,
		speakerID: speakerID,
		profile:   profile,
		sp: caption.Speaker{
			ID:    speakerID,
			Name:  profile.Name,
			Side:  profile.Side,
			Color: profile.Color,
			Lang:  profile.Lang,
		},
		token:  uuid.NewString(),
		events: make(chan event, 256),
		done:   make(chan struct{}),
		dedup:  text.NewDedupHistory(cfg.DedupWindow, cfg.DedupHistory, cfg.FinalCooldown),
	}
	s.gate = audio.NewGate(audio.GateConfig{
		FrameSamples: cfg.FrameSamples,
		OpenDB:       cfg.OpenDB,
		CloseDB:      cfg.CloseDB,
		Hangover:     cfg.Hangover,
		Checker:      deps.Checker,
	})
	return s
}

func sessionGuard(speakerID string) string { return "session:" + speakerID }
func segmentGuard(speakerID string) string { return "segment:" + speakerID }

// Start claims the speaker's session guard and launches the run loop. A
// duplicate start for an already-live speaker is rejected; the session of
// record wins.
func (s *Session) Start(ctx context.Context) bool {
	if !s.deps.Registry.TryAcquire(sessionGuard(s.speakerID), s.token) {
		log.Debug().Str("speaker", s.speakerID).Msg("Duplicate session start rejected")
		return false
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	log.Info().Str("speaker", s.speakerID).Str("name", s.profile.Name).Msg("Session started")
	return true
}

// Feed hands a decoded PCM frame to the session. Never blocks; under
// backpressure frames are dropped, which the VAD absorbs as silence.
func (s *Session) Feed(pcm []int16) {
	if s.inClosed.Load() {
		return
	}
	select {
	case s.events <- event{kind: evFrame, pcm: pcm}:
	default:
		s.dropCount++
		if s.dropCount%500 == 1 {
			log.Warn().Str("speaker", s.speakerID).Int("dropped", s.dropCount).Msg("Session queue full, dropping audio")
		}
	}
}

// AbortSegment reports a stream-level decode error. The current segment is
// closed softly; the session survives.
func (s *Session) AbortSegment() {
	if s.inClosed.Load() {
		return
	}
	select {
	case s.events <- event{kind: evAbort}:
	default:
	}
}

// End signals that the speaker's audio stream ended. The session finishes
// the open segment, releases its guards and stops.
func (s *Session) End() {
	if s.inClosed.Swap(true) {
		return
	}
	select {
	case s.events <- event{kind: evEnd}:
	case <-s.done:
	}
}

// Done closes once the session fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	defer close(s.done)
	defer s.deps.Registry.Release(sessionGuard(s.speakerID), s.token)
	defer s.cancel()

	s.lastFrame = time.Now()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown(time.Now())
			return
		case ev := <-s.events:
			now := time.Now()
			switch ev.kind {
			case evFrame:
				s.onFrame(ev.pcm, now)
			case evAbort:
				s.onAbort(now)
			case evEnd:
				s.shutdown(now)
				return
			}
		case now := <-ticker.C:
			s.onTick(now)
		}
	}
}

func (s *Session) onFrame(pcm []int16, now time.Time) {
	s.lastFrame = now
	res := s.gate.Feed(pcm)

	switch s.state {
	case stateIdle:
		if len(res.Forwarded) == 0 {
			return
		}
		sg := s.openSegment(now)
		if sg != nil {
			sg.feed(res.Forwarded, now)
		}
	case stateSegmentOpen:
		s.seg.feed(res.Forwarded, now)
		if res.SegmentEnded {
			s.closeSegment(closeVAD, now)
		}
	}
}

func (s *Session) onAbort(now time.Time) {
	s.abortCount++
	if s.abortCount == 1 || s.abortCount%50 == 0 {
		log.Warn().Str("speaker", s.speakerID).Int("count", s.abortCount).Msg("Audio decode error, aborting segment")
	}
	if s.state != stateSegmentOpen {
		return
	}
	res := s.gate.CloseNow()
	s.seg.feed(res.Forwarded, now)
	s.closeSegment(closeDecodeError, now)
}

func (s *Session) onTick(now time.Time) {
	if s.state != stateSegmentOpen {
		return
	}
	if now.Sub(s.seg.startedAt) >= s.cfg.MaxSegmentDuration {
		res := s.gate.CloseNow()
		s.seg.feed(res.Forwarded, now)
		s.closeSegment(closeMaxDuration, now)
		return
	}
	// silently-dead stream: no frames at all for well past the hangover
	if now.Sub(s.lastFrame) > 3*s.cfg.Hangover {
		res := s.gate.CloseNow()
		s.seg.feed(res.Forwarded, now)
		s.closeSegment(closeWatchdog, now)
	}
}

func (s *Session) shutdown(now time.Time) {
	s.inClosed.Store(true)
	if s.state == stateSegmentOpen {
		res := s.gate.CloseNow()
		s.seg.feed(res.Forwarded, now)
		s.closeSegment(closeStreamEnd, now)
	} else if u := s.utt; u != nil {
		// utterance retained across a forced close with no segment left to
		// consume it; settle its translation and drop the bookkeeping, or
		// the debounce timer outlives the session
		s.utt = nil
		go func() {
			s.finalMu.Lock()
			defer s.finalMu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			s.endUtterance(ctx, u)
		}()
	}
	log.Info().Str("speaker", s.speakerID).Msg("Session ended")
}

func (s *Session) openSegment(now time.Time) *segment {
	if now.Before(s.reopenNotBefore) {
		return nil
	}
	token := newSegmentToken()
	if !s.deps.Registry.TryAcquire(segmentGuard(s.speakerID), token) {
		// a prior segment's guard is still live; its session wins
		log.Debug().Str("speaker", s.speakerID).Msg("Segment start rejected, guard held")
		return nil
	}

	if s.utt == nil {
		s.utt = s.newUtterance(now)
	}
	u := s.utt

	prompt := ""
	if s.deps.Dictionary != nil {
		prompt = s.deps.Dictionary.HotwordPrompt(2)
	}
	st := stream.NewTranscriber(stream.Config{
		FlushInterval: s.cfg.FlushInterval,
		MinBytes:      s.cfg.MinFlushBytes,
		Language:      s.profile.Lang,
		Prompt:        prompt,
	}, s.deps.Engine, s.deps.Limiter, s.deps.Recordings, func(partial string) {
		s.deps.Bus.Publish(caption.Partial(u.id, s.speakerID, partial))
	})
	st.Start(s.ctx)

	s.seg = &segment{
		token:     token,
		utt:       u,
		stream:    st,
		startedAt: now,
		lastAudio: now,
	}
	s.state = stateSegmentOpen
	log.Debug().Str("speaker", s.speakerID).Str("utterance", u.id).Msg("Segment opened")
	return s.seg
}

func (s *Session) newUtterance(start time.Time) *utterance {
	u := &utterance{id: newUtteranceID(s.speakerID, start)}
	if s.deps.Translator != nil && s.profile.TranslateTo != "" {
		var sanitize func(string) string
		if s.cfg.DictOnTranslation && s.deps.Sanitizer != nil {
			sanitize = s.deps.Sanitizer.ApplyDictionary
		}
		id := u.id
		u.tbuf = translate.NewBuffer(s.deps.Translator, translate.Request{
			Source: s.profile.Lang,
			Target: s.profile.TranslateTo,
		}, s.cfg.TranslateDebounce, sanitize, func(translated string) {
			s.deps.Bus.Publish(caption.UpdateTranslation(id, translated))
			s.deps.Poster.SetTranslation(id, translated)
		})
	}
	return u
}

// closeSegment stops piping and releases the segment guard immediately, so
// new speech is never blocked behind the final recognition, then finalizes
// asynchronously.
func (s *Session) closeSegment(reason closeReason, now time.Time) {
	s.state = stateClosing
	sg := s.seg
	s.seg = nil

	s.deps.Registry.Release(segmentGuard(s.speakerID), sg.token)

	endUtterance := !reason.continuesUtterance()
	if endUtterance {
		s.utt = nil
	} else {
		s.reopenNotBefore = now.Add(s.cfg.InterSegmentGap)
	}

	log.Debug().
		Str("speaker", s.speakerID).
		Str("utterance", sg.utt.id).
		Str("reason", reason.String()).
		Dur("duration", now.Sub(sg.startedAt)).
		Msg("Segment closed")

	go s.finalize(sg, endUtterance)
	s.state = stateIdle
}

func (s *Session) finalize(sg *segment, endUtterance bool) {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelCtx()

	sg.stream.Finalize(ctx)
	u := sg.utt
	if endUtterance {
		defer s.endUtterance(ctx, u)
	}

	samples := sg.stream.Samples()
	dur := time.Duration(len(samples)) * time.Second / audio.SampleRate
	if dur < s.cfg.MinSegmentDuration || len(samples)*2 < s.cfg.MinSegmentBytes {
		log.Debug().Str("speaker", s.speakerID).Dur("duration", dur).Msg("Segment too short, discarded")
		return
	}

	wavPath, err := s.deps.Recordings.WriteWAV(samples)
	if err != nil {
		log.Error().Err(err).Str("speaker", s.speakerID).Msg("Failed to write segment WAV")
		return
	}
	defer s.deps.Recordings.Remove(wavPath)

	prompt := ""
	if s.deps.Dictionary != nil {
		prompt = s.deps.Dictionary.HotwordPrompt(2)
	}
	var result string
	err = s.deps.Limiter.Run(func() error {
		var err error
		result, err = s.deps.Engine.Transcribe(ctx, wavPath, asr.Options{
			Language: s.profile.Lang,
			Prompt:   prompt,
		})
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("speaker", s.speakerID).Msg("Final recognition failed")
		return
	}

	clean := result
	if s.deps.Sanitizer != nil {
		clean = s.deps.Sanitizer.Clean(result)
	}
	if clean == "" {
		return
	}
	if s.dedup.Duplicate(clean, time.Now(), false) {
		log.Debug().Str("speaker", s.speakerID).Str("text", clean).Msg("Duplicate final suppressed")
		return
	}

	if !u.emittedNew {
		s.deps.Bus.Publish(caption.NewUtterance(u.id, s.sp, clean, time.Now()))
		u.emittedNew = true
	} else {
		s.deps.Bus.Publish(caption.UpdateText(u.id, clean))
	}
	s.deps.Poster.AppendText(u.id, s.profile.Name, clean)
	u.tbuf.Append(clean)

	log.Info().
		Str("speaker", s.speakerID).
		Str("utterance", u.id).
		Str("text", clean).
		Msg("Utterance finalized")
}

// endUtterance settles the translation and drops per-utterance bookkeeping.
func (s *Session) endUtterance(ctx context.Context, u *utterance) {
	u.tbuf.Flush(ctx)
	u.tbuf.Dispose()
	s.deps.Poster.Forget(u.id)
}
