package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/discord-livecaption/internal/asr"
	"github.com/user/discord-livecaption/internal/limiter"
	"github.com/user/discord-livecaption/internal/store"
	"github.com/user/discord-livecaption/internal/text"
)

// Config tunes one segment's streaming transcription.
type Config struct {
	FlushInterval time.Duration
	MinBytes      int // byte floor below which buffered audio is not submitted
	Language      string
	Prompt        string
	Throttle      time.Duration // partial emit throttle
}

// Transcriber buffers a segment's PCM and periodically re-recognizes the
// whole buffer, feeding results through near-duplicate suppression into the
// partial stabilizer. One instance serves exactly one segment.
type Transcriber struct {
	cfg        Config
	engine     asr.Transcriber
	lim        *limiter.Limiter
	recordings *store.Recordings
	stab       *PartialStabilizer
	dedup      *text.DedupHistory

	dataMu      sync.Mutex
	buf         []int16
	lastFlushed int
	finalized   bool

	// held for the duration of a flush; ticker flushes skip when busy so
	// ASR calls for this segment never overlap
	flushMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTranscriber(cfg Config, engine asr.Transcriber, lim *limiter.Limiter, recordings *store.Recordings, emit func(text string)) *Transcriber {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 900 * time.Millisecond
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = cfg.FlushInterval / 2
	}
	return &Transcriber{
		cfg:        cfg,
		engine:     engine,
		lim:        lim,
		recordings: recordings,
		stab:       NewPartialStabilizer(cfg.Throttle, emit),
		dedup:      text.NewDedupHistory(6*time.Second, 12, 1200*time.Millisecond),
		done:       make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (t *Transcriber) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tryFlush(ctx)
			}
		}
	}()
}

// Feed appends segment audio. Safe to call concurrently with flushes.
func (t *Transcriber) Feed(samples []int16) {
	t.dataMu.Lock()
	if !t.finalized {
		t.buf = append(t.buf, samples...)
	}
	t.dataMu.Unlock()
}

// Samples returns a copy of all audio buffered so far, for the final batch
// recognition of the segment.
func (t *Transcriber) Samples() []int16 {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	out := make([]int16, len(t.buf))
	copy(out, t.buf)
	return out
}

// tryFlush re-recognizes the buffer if it grew past the byte floor. A flush
// already in progress makes this a no-op, keeping flushes serialized.
func (t *Transcriber) tryFlush(ctx context.Context) {
	if !t.flushMu.TryLock() {
		return
	}
	defer t.flushMu.Unlock()
	t.flush(ctx)
}

func (t *Transcriber) flush(ctx context.Context) {
	t.dataMu.Lock()
	if t.finalized || len(t.buf)*2 < t.cfg.MinBytes || len(t.buf) == t.lastFlushed {
		t.dataMu.Unlock()
		return
	}
	samples := make([]int16, len(t.buf))
	copy(samples, t.buf)
	t.lastFlushed = len(t.buf)
	t.dataMu.Unlock()

	wavPath, err := t.recordings.WriteWAV(samples)
	if err != nil {
		log.Warn().Err(err).Msg("Streaming flush failed to write WAV")
		return
	}
	defer t.recordings.Remove(wavPath)

	var result string
	err = t.lim.Run(func() error {
		var err error
		result, err = t.engine.Transcribe(ctx, wavPath, asr.Options{
			Language: t.cfg.Language,
			Prompt:   t.cfg.Prompt,
		})
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Streaming recognition failed")
		return
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return
	}
	if t.dedup.Duplicate(result, time.Now(), false) {
		return
	}
	t.stab.Offer(result)
}

// Finalize stops the flush loop, waits out any in-flight flush, runs one
// last flush if the buffer still grew past the floor, and returns the final
// stabilized text. A remainder below the floor is dropped, not padded.
func (t *Transcriber) Finalize(ctx context.Context) string {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}

	t.flushMu.Lock()
	t.flush(ctx)
	t.dataMu.Lock()
	t.finalized = true
	t.dataMu.Unlock()
	t.flushMu.Unlock()

	return t.stab.Finish()
}
