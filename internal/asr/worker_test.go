package asr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWorker stands in for the recognizer process using in-memory pipes.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
}

func newFakeWorker() *fakeWorker {
	f := &fakeWorker{done: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	return f
}

func (f *fakeWorker) proc() *spawned {
	return &spawned{
		stdin:  f.stdinW,
		stdout: f.stdoutR,
		wait: func() error {
			<-f.done
			return errors.New("exit status 1")
		},
		kill: f.exit,
	}
}

func (f *fakeWorker) exit() {
	f.once.Do(func() {
		f.stdoutW.Close()
		f.stdinR.Close()
		close(f.done)
	})
}

// serve answers requests with handle; a nil response makes the fake die
// without replying, as a crashing process would.
func (f *fakeWorker) serve(handle func(req workerRequest) *workerResponse) {
	go func() {
		sc := bufio.NewScanner(f.stdinR)
		for sc.Scan() {
			var req workerRequest
			if json.Unmarshal(sc.Bytes(), &req) != nil {
				continue
			}
			resp := handle(req)
			if resp == nil {
				f.exit()
				return
			}
			resp.ID = req.ID
			b, _ := json.Marshal(resp)
			f.stdoutW.Write(append(b, '\n'))
		}
	}()
}

func okHandler(req workerRequest) *workerResponse {
	switch req.Cmd {
	case "init":
		return &workerResponse{OK: true}
	case "transcribe":
		return &workerResponse{OK: true, Text: "recognized " + req.Wav}
	}
	return &workerResponse{OK: false, Error: "unknown command"}
}

func testWorker(t *testing.T, spawn spawnFunc) *Worker {
	t.Helper()
	w := NewWorker(WorkerConfig{
		AutoRestart: true,
		BackoffBase: time.Nanosecond,
		BackoffMax:  time.Millisecond,
	})
	w.spawn = spawn
	t.Cleanup(w.Close)
	return w
}

func TestWorker_InitThenTranscribe(t *testing.T) {
	var spawns int32
	w := testWorker(t, func() (*spawned, error) {
		atomic.AddInt32(&spawns, 1)
		f := newFakeWorker()
		f.serve(okHandler)
		return f.proc(), nil
	})

	text, err := w.Transcribe(context.Background(), "a.wav", Options{Language: "ja"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "recognized a.wav" {
		t.Errorf("text = %q", text)
	}

	// second call reuses the running process
	if _, err := w.Transcribe(context.Background(), "b.wav", Options{}); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&spawns); n != 1 {
		t.Errorf("spawned %d times, want 1", n)
	}
}

func TestWorker_ExitRejectsPendingThenRespawnsOnce(t *testing.T) {
	var spawns int32
	w := testWorker(t, func() (*spawned, error) {
		n := atomic.AddInt32(&spawns, 1)
		f := newFakeWorker()
		if n == 1 {
			// dies mid-request, leaving the transcribe pending
			f.serve(func(req workerRequest) *workerResponse {
				if req.Cmd == "init" {
					return &workerResponse{OK: true}
				}
				return nil
			})
		} else {
			f.serve(okHandler)
		}
		return f.proc(), nil
	})

	if _, err := w.Transcribe(context.Background(), "a.wav", Options{}); err == nil {
		t.Fatal("pending request must be rejected when the worker exits")
	}

	// wait out the (nanosecond) restart backoff
	time.Sleep(5 * time.Millisecond)

	text, err := w.Transcribe(context.Background(), "b.wav", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if text != "recognized b.wav" {
		t.Errorf("text = %q", text)
	}
	if n := atomic.LoadInt32(&spawns); n != 2 {
		t.Errorf("spawned %d times, want exactly 2", n)
	}
}

func TestWorker_BackoffBlocksImmediateRestart(t *testing.T) {
	w := NewWorker(WorkerConfig{
		AutoRestart: true,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
	})
	w.spawn = func() (*spawned, error) { return nil, errors.New("no binary") }
	t.Cleanup(w.Close)

	if _, err := w.Transcribe(context.Background(), "a.wav", Options{}); err == nil {
		t.Fatal("spawn failure must surface")
	}
	_, err := w.Transcribe(context.Background(), "a.wav", Options{})
	if !errors.Is(err, ErrWorkerBackoff) {
		t.Fatalf("expected backoff error, got %v", err)
	}
}

func TestWorker_NoAutoRestartStaysDown(t *testing.T) {
	var spawns int32
	w := NewWorker(WorkerConfig{AutoRestart: false})
	w.spawn = func() (*spawned, error) {
		atomic.AddInt32(&spawns, 1)
		return nil, errors.New("no binary")
	}
	t.Cleanup(w.Close)

	if _, err := w.Transcribe(context.Background(), "a.wav", Options{}); err == nil {
		t.Fatal("spawn failure must surface")
	}
	_, err := w.Transcribe(context.Background(), "a.wav", Options{})
	if !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if n := atomic.LoadInt32(&spawns); n != 1 {
		t.Errorf("spawned %d times, want 1", n)
	}
}
