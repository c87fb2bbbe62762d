package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/user/discord-livecaption/internal/asr"
	"github.com/user/discord-livecaption/internal/audio"
	"github.com/user/discord-livecaption/internal/caption"
	"github.com/user/discord-livecaption/internal/chatlog"
	"github.com/user/discord-livecaption/internal/limiter"
	"github.com/user/discord-livecaption/internal/registry"
	"github.com/user/discord-livecaption/internal/store"
	"github.com/user/discord-livecaption/internal/translate"
)

type busRecorder struct {
	mu     sync.Mutex
	events []caption.Event
}

func (b *busRecorder) Publish(ev caption.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *busRecorder) list() []caption.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]caption.Event(nil), b.events...)
}

func (b *busRecorder) waitFor(typ string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range b.list() {
			if ev.Type == typ {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type memMessenger struct {
	mu    sync.Mutex
	sends int
}

func (m *memMessenger) SendMessage(channelID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	return fmt.Sprintf("msg-%d", m.sends), nil
}

func (m *memMessenger) EditMessage(channelID, messageID, content string) error {
	return nil
}

func (m *memMessenger) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

type scriptedEngine struct {
	mu      sync.Mutex
	results []string
	calls   int
}

func (e *scriptedEngine) Transcribe(ctx context.Context, wavPath string, opts asr.Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.results) == 0 {
		return "", nil
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r, nil
}

func frameAtDB(db float64) []int16 {
	amp := int16(math.Pow(10, db/20) * 32768)
	frame := make([]int16, audio.FrameSize)
	for i := range frame {
		frame[i] = amp
	}
	return frame
}

func testConfig() Config {
	return Config{
		OpenDB:             -35,
		CloseDB:            -45,
		Hangover:           400 * time.Millisecond,
		MaxSegmentDuration: 30 * time.Second,
		InterSegmentGap:    250 * time.Millisecond,
		MinSegmentDuration: time.Millisecond,
		MinSegmentBytes:    2,
		FlushInterval:      time.Hour, // tests drive all flushes
		MinFlushBytes:      2,
	}
}

func newTestSession(t *testing.T, engine asr.Transcriber, cfg Config) (*Session, *busRecorder, *memMessenger) {
	t.Helper()
	rec, err := store.NewRecordings(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := &busRecorder{}
	msgr := &memMessenger{}
	deps := Deps{
		Engine:     engine,
		Limiter:    limiter.New(2),
		Recordings: rec,
		Bus:        bus,
		Poster:     chatlog.NewPoster(msgr, "chan"),
		Registry:   registry.New(),
	}
	s := New(cfg, deps, "speaker1", registry.Profile{Name: "カキヤ", Lang: "ja"})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, bus, msgr
}

// drives a spoken-then-silent run through the gate synchronously
func speakAndPause(s *Session, start time.Time, loudFrames, quietFrames int) time.Time {
	now := start
	for i := 0; i < loudFrames; i++ {
		s.onFrame(frameAtDB(-20), now)
		now = now.Add(20 * time.Millisecond)
	}
	for i := 0; i < quietFrames; i++ {
		s.onFrame(frameAtDB(-60), now)
		now = now.Add(20 * time.Millisecond)
	}
	return now
}

func TestSession_SilenceNeverOpensSegment(t *testing.T) {
	engine := &scriptedEngine{}
	s, bus, _ := newTestSession(t, engine, testConfig())

	now := time.Now()
	for i := 0; i < 100; i++ {
		s.onFrame(frameAtDB(-50), now)
		now = now.Add(20 * time.Millisecond)
	}

	if s.state != stateIdle {
		t.Fatal("segment opened on silence")
	}
	if len(bus.list()) != 0 {
		t.Fatalf("events emitted for silence: %v", bus.list())
	}
}

func TestSession_SpeechProducesOneUtterance(t *testing.T) {
	engine := &scriptedEngine{results: []string{"こんにち", "こんにちは。"}}
	s, bus, msgr := newTestSession(t, engine, testConfig())

	speakAndPause(s, time.Now(), 20, 30)

	if s.state != stateIdle {
		t.Fatal("segment did not close after sustained silence")
	}
	if !bus.waitFor(caption.EventNew, 2*time.Second) {
		t.Fatal("no utterance.new emitted")
	}

	events := bus.list()
	var news, updates int
	newIdx := -1
	for i, ev := range events {
		switch ev.Type {
		case caption.EventNew:
			news++
			newIdx = i
			if ev.Text != "こんにちは。" || ev.Name != "カキヤ" {
				t.Errorf("utterance.new = %+v", ev)
			}
		case caption.EventUpdate:
			updates++
		}
	}
	if news != 1 {
		t.Fatalf("utterance.new emitted %d times", news)
	}
	if updates != 0 {
		t.Errorf("unexpected update events: %v", events)
	}
	// ordering: no partial after the final for this utterance
	for _, ev := range events[newIdx+1:] {
		if ev.Type == caption.EventPartial {
			t.Fatalf("partial after final: %v", events)
		}
	}
	if msgr.sendCount() != 1 {
		t.Errorf("chat messages = %d, want 1", msgr.sendCount())
	}
}

func TestSession_TooShortSegmentDiscarded(t *testing.T) {
	engine := &scriptedEngine{results: []string{"ゴミ"}}
	cfg := testConfig()
	cfg.MinSegmentDuration = 10 * time.Second
	cfg.MinFlushBytes = 1 << 30 // streaming flush never runs
	s, bus, msgr := newTestSession(t, engine, cfg)

	speakAndPause(s, time.Now(), 5, 30)

	time.Sleep(200 * time.Millisecond)
	if len(bus.list()) != 0 {
		t.Fatalf("short segment emitted: %v", bus.list())
	}
	if msgr.sendCount() != 0 {
		t.Error("short segment posted to chat")
	}
}

func TestSession_ForcedCloseContinuesUtterance(t *testing.T) {
	engine := &scriptedEngine{results: []string{"前半です。", "後半です。"}}
	cfg := testConfig()
	cfg.MinFlushBytes = 1 << 30
	s, bus, _ := newTestSession(t, engine, cfg)

	start := time.Now()
	now := speakAndPause(s, start, 20, 0)
	if s.state != stateSegmentOpen {
		t.Fatal("segment not open while speaking")
	}
	firstID := s.seg.utt.id

	// max-duration timer fires
	s.onTick(now.Add(cfg.MaxSegmentDuration))
	if s.state != stateIdle {
		t.Fatal("forced close did not return to idle")
	}
	if s.utt == nil || s.utt.id != firstID {
		t.Fatal("utterance not retained across forced close")
	}

	// after the gap the stream is still live; reopen under the same id
	reopenAt := now.Add(cfg.MaxSegmentDuration + cfg.InterSegmentGap + time.Second)
	for i := 0; i < 20; i++ {
		s.onFrame(frameAtDB(-20), reopenAt)
		reopenAt = reopenAt.Add(20 * time.Millisecond)
	}
	if s.state != stateSegmentOpen {
		t.Fatal("segment did not reopen after gap")
	}
	if s.seg.utt.id != firstID {
		t.Fatal("reopened segment minted a new utterance id")
	}
	for i := 0; i < 30; i++ {
		s.onFrame(frameAtDB(-60), reopenAt)
		reopenAt = reopenAt.Add(20 * time.Millisecond)
	}

	if !bus.waitFor(caption.EventUpdate, 2*time.Second) {
		t.Fatal("second final never emitted")
	}
	var news, updates int
	for _, ev := range bus.list() {
		if ev.ID != firstID {
			t.Fatalf("event with foreign id: %+v", ev)
		}
		switch ev.Type {
		case caption.EventNew:
			news++
		case caption.EventUpdate:
			updates++
		}
	}
	if news != 1 || updates != 1 {
		t.Fatalf("news=%d updates=%d, want 1 and 1", news, updates)
	}
}

func TestSession_ReopenBlockedDuringGap(t *testing.T) {
	engine := &scriptedEngine{}
	cfg := testConfig()
	cfg.MinFlushBytes = 1 << 30
	s, _, _ := newTestSession(t, engine, cfg)

	now := speakAndPause(s, time.Now(), 20, 0)
	s.onTick(now.Add(cfg.MaxSegmentDuration))

	// inside the inter-segment gap, loud audio must not reopen
	s.onFrame(frameAtDB(-20), now.Add(cfg.MaxSegmentDuration))
	if s.state == stateSegmentOpen {
		t.Fatal("segment reopened inside the gap")
	}
}

func TestSession_CustomFrameSize(t *testing.T) {
	cfg := testConfig()
	cfg.FrameSamples = audio.FrameSize / 2 // 10ms frames
	cfg.MinFlushBytes = 1 << 30
	s, _, _ := newTestSession(t, &scriptedEngine{}, cfg)

	// a single 10ms loud frame is a full analysis frame at this size
	s.onFrame(frameAtDB(-20)[:audio.FrameSize/2], time.Now())
	if s.state != stateSegmentOpen {
		t.Fatal("10ms frame not classified with custom frame size")
	}
}

func TestSession_DuplicateStartRejected(t *testing.T) {
	engine := &scriptedEngine{}
	rec, err := store.NewRecordings(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	deps := Deps{
		Engine:     engine,
		Limiter:    limiter.New(1),
		Recordings: rec,
		Bus:        &busRecorder{},
		Poster:     chatlog.NewPoster(&memMessenger{}, "chan"),
		Registry:   reg,
	}

	a := New(testConfig(), deps, "speaker1", registry.Profile{Name: "A"})
	b := New(testConfig(), deps, "speaker1", registry.Profile{Name: "B"})

	if !a.Start(context.Background()) {
		t.Fatal("first session rejected")
	}
	if b.Start(context.Background()) {
		t.Fatal("duplicate session accepted")
	}

	a.End()
	<-a.Done()

	// after the original ended, the speaker can start again
	if !b.Start(context.Background()) {
		t.Fatal("speaker blocked after session ended")
	}
	b.End()
	<-b.Done()
}

type stubTranslator struct {
	mu    sync.Mutex
	calls int
}

func (tr *stubTranslator) Translate(ctx context.Context, text string, req translate.Request) (string, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls++
	return "[" + text + "]", nil
}

func TestSession_ShutdownSettlesRetainedUtterance(t *testing.T) {
	engine := &scriptedEngine{results: []string{"前半です。"}}
	cfg := testConfig()
	cfg.MinFlushBytes = 1 << 30
	cfg.TranslateDebounce = time.Hour // only an explicit flush may settle

	rec, err := store.NewRecordings(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := &busRecorder{}
	msgr := &memMessenger{}
	deps := Deps{
		Engine:     engine,
		Limiter:    limiter.New(2),
		Recordings: rec,
		Bus:        bus,
		Poster:     chatlog.NewPoster(msgr, "chan"),
		Translator: &stubTranslator{},
		Registry:   registry.New(),
	}
	s := New(cfg, deps, "speaker1", registry.Profile{Name: "カキヤ", Lang: "ja", TranslateTo: "en"})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)

	now := speakAndPause(s, time.Now(), 20, 0)
	s.onTick(now.Add(cfg.MaxSegmentDuration))
	if s.utt == nil {
		t.Fatal("utterance not retained across forced close")
	}
	firstID := s.utt.id
	if !bus.waitFor(caption.EventNew, 2*time.Second) {
		t.Fatal("final never emitted")
	}

	// stream ends while idle; the retained utterance must still settle
	s.shutdown(now.Add(cfg.MaxSegmentDuration))
	if !bus.waitFor(caption.EventUpdate, 2*time.Second) {
		t.Fatal("retained utterance's translation never settled")
	}
	s.finalMu.Lock() // disposal finished once the lock is free
	s.finalMu.Unlock()

	var translations int
	for _, ev := range bus.list() {
		if ev.Type == caption.EventUpdate && ev.Translation != "" {
			translations++
		}
	}
	if translations != 1 {
		t.Fatalf("translation updates = %d, want 1", translations)
	}

	// Forget ran: posting again under the same id creates a fresh message
	deps.Poster.AppendText(firstID, "カキヤ", "続き")
	if msgr.sendCount() != 2 {
		t.Fatalf("chat messages = %d, want 2 (utterance entry not dropped)", msgr.sendCount())
	}
}

func TestSession_DecodeErrorAbortsSegmentOnly(t *testing.T) {
	engine := &scriptedEngine{results: []string{"一言目。", "二言目。"}}
	cfg := testConfig()
	cfg.MinFlushBytes = 1 << 30
	s, bus, _ := newTestSession(t, engine, cfg)

	now := speakAndPause(s, time.Now(), 20, 0)
	s.onAbort(now)
	if s.state != stateIdle {
		t.Fatal("decode error did not close the segment")
	}

	// session survives: new speech opens a fresh segment
	later := now.Add(2 * time.Second)
	for i := 0; i < 20; i++ {
		s.onFrame(frameAtDB(-20), later)
		later = later.Add(20 * time.Millisecond)
	}
	if s.state != stateSegmentOpen {
		t.Fatal("session dead after decode error")
	}
	for i := 0; i < 30; i++ {
		s.onFrame(frameAtDB(-60), later)
		later = later.Add(20 * time.Millisecond)
	}

	if !bus.waitFor(caption.EventNew, 2*time.Second) {
		t.Fatal("no utterance after recovery")
	}
}
