package translate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const settleTimeout = 20 * time.Second

// Buffer accumulates one utterance's source text and, once appends settle,
// translates the ENTIRE accumulated text and emits a replace-mode update.
// Translating the whole text on each settle keeps the shown translation
// internally consistent; a later settle always supersedes an earlier one.
//
// A nil *Buffer is valid and does nothing, so callers with translation
// disabled need no branches.
type Buffer struct {
	translator Translator
	req        Request
	debounce   time.Duration
	sanitize   func(string) string // dictionary pass over translations, may be nil
	emit       func(translation string)

	mu         sync.Mutex
	full       string
	timer      *time.Timer
	gen        int
	emittedGen int
	disposed   bool

	// held across the generation check and the emit so a stale settle can
	// never deliver after a newer one
	emitMu sync.Mutex
}

func NewBuffer(translator Translator, req Request, debounce time.Duration, sanitize func(string) string, emit func(translation string)) *Buffer {
	if translator == nil {
		return nil
	}
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	return &Buffer{
		translator: translator,
		req:        req,
		debounce:   debounce,
		sanitize:   sanitize,
		emit:       emit,
	}
}

// Append adds newly finalized source text and restarts the debounce timer.
func (b *Buffer) Append(delta string) {
	if b == nil || delta == "" {
		return
	}
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.full += delta
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		b.settle(ctx)
	})
	b.mu.Unlock()
}

// Flush cancels the pending timer and translates immediately. Used at
// segment end so the last words are never stranded behind the debounce.
func (b *Buffer) Flush(ctx context.Context) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.settle(ctx)
}

// Dispose cancels any pending timer and drops future emits.
func (b *Buffer) Dispose() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.disposed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}

func (b *Buffer) settle(ctx context.Context) {
	b.mu.Lock()
	text := b.full
	gen := b.gen
	disposed := b.disposed
	b.mu.Unlock()
	if disposed || text == "" {
		return
	}

	translated, err := b.translator.Translate(ctx, text, b.req)
	if err != nil {
		log.Warn().Err(err).Str("target", b.req.Target).Msg("Translation failed")
		return
	}
	if translated == "" {
		return
	}
	if b.sanitize != nil {
		translated = b.sanitize(translated)
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.mu.Lock()
	if b.disposed || gen < b.emittedGen {
		b.mu.Unlock()
		return
	}
	b.emittedGen = gen
	b.mu.Unlock()

	b.emit(translated)
}
