package asr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrWorkerClosed is returned once the worker has been shut down or
	// auto-restart is off and the process died.
	ErrWorkerClosed = errors.New("asr worker closed")
	// ErrWorkerBackoff is returned while a crashed worker waits out its
	// restart backoff.
	ErrWorkerBackoff = errors.New("asr worker restart backing off")
)

// WorkerConfig describes the external recognizer process.
type WorkerConfig struct {
	Command string
	Args    []string

	Model         string
	Device        string
	Compute       string
	Language      string
	InitialPrompt string

	AutoRestart bool
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type workerRequest struct {
	ID            string `json:"id"`
	Cmd           string `json:"cmd"`
	Wav           string `json:"wav,omitempty"`
	Lang          string `json:"lang,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	Model         string `json:"model,omitempty"`
	Device        string `json:"device,omitempty"`
	Compute       string `json:"compute,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
}

type workerResponse struct {
	ID       string    `json:"id"`
	OK       bool      `json:"ok"`
	Text     string    `json:"text,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type callResult struct {
	text string
	err  error
}

// spawned is a running recognizer process, abstracted so tests can stand in
// with in-memory pipes.
type spawned struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	wait   func() error
	kill   func()
}

type spawnFunc func() (*spawned, error)

type startAttempt struct {
	done chan struct{}
	err  error
}

// Worker supervises one long-lived recognizer process speaking a
// line-delimited JSON protocol over its stdio. Requests carry correlation
// ids; a request left pending when the process exits is rejected with the
// exit reason. Restart after a crash is deferred by an exponential backoff.
type Worker struct {
	cfg   WorkerConfig
	spawn spawnFunc

	mu         sync.Mutex
	proc       *spawned
	pending    map[string]chan callResult
	starting   *startAttempt
	crashCount int
	nextStart  time.Time
	closed     bool
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	w := &Worker{
		cfg:     cfg,
		pending: make(map[string]chan callResult),
	}
	w.spawn = w.execSpawn
	return w
}

func (w *Worker) execSpawn() (*spawned, error) {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug().Str("stream", "stderr").Msg("asr worker: " + sc.Text())
		}
	}()

	return &spawned{
		stdin:  stdin,
		stdout: stdout,
		wait:   cmd.Wait,
		kill:   func() { _ = cmd.Process.Kill() },
	}, nil
}

// Start spawns the process if needed and sends the init command before
// returning. Concurrent callers share a single in-flight start attempt.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	if w.proc != nil {
		w.mu.Unlock()
		return nil
	}
	if w.starting != nil {
		attempt := w.starting
		w.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if time.Now().Before(w.nextStart) {
		w.mu.Unlock()
		return ErrWorkerBackoff
	}
	attempt := &startAttempt{done: make(chan struct{})}
	w.starting = attempt
	w.mu.Unlock()

	attempt.err = w.doStart(ctx)

	w.mu.Lock()
	w.starting = nil
	w.mu.Unlock()
	close(attempt.done)
	return attempt.err
}

func (w *Worker) doStart(ctx context.Context) error {
	proc, err := w.spawn()
	if err != nil {
		w.noteCrash(fmt.Errorf("spawn: %w", err))
		return err
	}

	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()

	go w.readLoop(proc)
	go func() {
		err := proc.wait()
		w.onExit(proc, err)
	}()

	// the worker must acknowledge init before it may transcribe
	if _, err := w.call(ctx, workerRequest{
		Cmd:           "init",
		Model:         w.cfg.Model,
		Device:        w.cfg.Device,
		Compute:       w.cfg.Compute,
		Lang:          w.cfg.Language,
		InitialPrompt: w.cfg.InitialPrompt,
	}); err != nil {
		proc.kill()
		return fmt.Errorf("worker init: %w", err)
	}

	w.mu.Lock()
	w.crashCount = 0
	w.mu.Unlock()

	log.Info().Str("command", w.cfg.Command).Msg("ASR worker started")
	return nil
}

func (w *Worker) readLoop(proc *spawned) {
	sc := bufio.NewScanner(proc.stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var resp workerResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			// garbage lines are dropped silently
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()
		if !ok {
			continue
		}
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = "worker error"
			}
			ch <- callResult{err: errors.New(msg)}
			continue
		}
		ch <- callResult{text: joinSegments(resp)}
	}
}

func joinSegments(resp workerResponse) string {
	if len(resp.Segments) == 0 {
		return resp.Text
	}
	var b strings.Builder
	for _, s := range resp.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}

func (w *Worker) onExit(proc *spawned, waitErr error) {
	exitErr := fmt.Errorf("asr worker exited: %v", waitErr)
	if waitErr == nil {
		exitErr = errors.New("asr worker exited")
	}

	w.mu.Lock()
	if w.proc != proc {
		w.mu.Unlock()
		return
	}
	w.proc = nil
	rejected := w.pending
	w.pending = make(map[string]chan callResult)
	w.mu.Unlock()

	for _, ch := range rejected {
		ch <- callResult{err: exitErr}
	}
	if len(rejected) > 0 {
		log.Warn().Err(waitErr).Int("rejected", len(rejected)).Msg("ASR worker exited with requests pending")
	} else {
		log.Warn().Err(waitErr).Msg("ASR worker exited")
	}

	w.noteCrash(exitErr)
}

func (w *Worker) noteCrash(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if !w.cfg.AutoRestart {
		w.closed = true
		return
	}
	w.crashCount++
	backoff := w.cfg.BackoffBase << uint(w.crashCount)
	if backoff > w.cfg.BackoffMax {
		backoff = w.cfg.BackoffMax
	}
	w.nextStart = time.Now().Add(backoff)
}

func (w *Worker) call(ctx context.Context, req workerRequest) (string, error) {
	req.ID = uuid.NewString()
	ch := make(chan callResult, 1)

	w.mu.Lock()
	proc := w.proc
	if proc == nil {
		w.mu.Unlock()
		return "", errors.New("asr worker not running")
	}
	w.pending[req.ID] = ch
	w.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		w.dropPending(req.ID)
		return "", err
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		w.dropPending(req.ID)
		return "", fmt.Errorf("worker write: %w", err)
	}

	select {
	case res := <-ch:
		return res.text, res.err
	case <-ctx.Done():
		w.dropPending(req.ID)
		return "", ctx.Err()
	}
}

func (w *Worker) dropPending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Transcribe lazily starts the worker and issues a transcribe command. Any
// error means the worker path failed; callers fall back to batch.
func (w *Worker) Transcribe(ctx context.Context, wavPath string, opts Options) (string, error) {
	if err := w.Start(ctx); err != nil {
		return "", err
	}
	lang := opts.Language
	if lang == "" {
		lang = w.cfg.Language
	}
	return w.call(ctx, workerRequest{
		Cmd:    "transcribe",
		Wav:    wavPath,
		Lang:   lang,
		Prompt: opts.Prompt,
	})
}

// Close terminates the worker process and refuses further starts.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	proc := w.proc
	w.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
}
