// Package asr runs speech recognition over WAV files, either through a
// supervised long-lived worker process or through a direct batch backend.
package asr

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Options tune one recognition call.
type Options struct {
	Language string
	Prompt   string // initial prompt biasing the recognizer toward hotwords
}

// Transcriber turns a WAV file into text. An empty result with a nil error
// means no speech was recognized.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string, opts Options) (string, error)
}

// Segment is one timed span of a recognition result.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
}

// Engine prefers the worker path for latency and falls back to a direct
// batch backend when the worker fails. After maxWorkerFailures consecutive
// worker errors the worker path is sealed for the process lifetime to
// contain crash loops.
type Engine struct {
	worker   *Worker
	fallback Transcriber

	mu             sync.Mutex
	workerFailures int
	maxFailures    int
	workerSealed   bool
}

// NewEngine builds an engine. worker may be nil (batch only); fallback must
// not be nil.
func NewEngine(worker *Worker, fallback Transcriber, maxWorkerFailures int) *Engine {
	if maxWorkerFailures < 1 {
		maxWorkerFailures = 1
	}
	return &Engine{
		worker:      worker,
		fallback:    fallback,
		maxFailures: maxWorkerFailures,
	}
}

func (e *Engine) Transcribe(ctx context.Context, wavPath string, opts Options) (string, error) {
	if e.worker != nil && !e.sealed() {
		text, err := e.worker.Transcribe(ctx, wavPath, opts)
		if err == nil {
			e.resetFailures()
			return strings.TrimSpace(text), nil
		}
		e.recordFailure(err)
	}

	text, err := e.fallback.Transcribe(ctx, wavPath, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// WorkerSealed reports whether the worker path has been permanently disabled.
func (e *Engine) WorkerSealed() bool {
	return e.sealed()
}

func (e *Engine) sealed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workerSealed
}

func (e *Engine) resetFailures() {
	e.mu.Lock()
	e.workerFailures = 0
	e.mu.Unlock()
}

func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	e.workerFailures++
	sealedNow := !e.workerSealed && e.workerFailures >= e.maxFailures
	if sealedNow {
		e.workerSealed = true
	}
	e.mu.Unlock()

	if sealedNow {
		log.Warn().Err(err).Msg("ASR worker path disabled after repeated failures, using batch fallback")
	} else {
		log.Warn().Err(err).Msg("ASR worker call failed, falling back to batch")
	}
}
