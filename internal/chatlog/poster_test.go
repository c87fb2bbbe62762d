package chatlog

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeMessenger struct {
	mu       sync.Mutex
	sends    int
	edits    int
	contents map[string]string // messageID -> latest content
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{contents: make(map[string]string)}
}

func (f *fakeMessenger) SendMessage(channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	id := fmt.Sprintf("msg-%d", f.sends)
	f.contents[id] = content
	return id, nil
}

func (f *fakeMessenger) EditMessage(channelID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	f.contents[messageID] = content
	return nil
}

func (f *fakeMessenger) latest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contents {
		return c
	}
	return ""
}

func TestPoster_AppendAccumulatesInOneMessage(t *testing.T) {
	m := newFakeMessenger()
	p := NewPoster(m, "chan1")

	p.AppendText("u1", "カキヤ", "こんにちは。")
	p.AppendText("u1", "カキヤ", "元気ですか。")

	if m.sends != 1 {
		t.Fatalf("sends = %d, want 1", m.sends)
	}
	got := m.latest()
	if !strings.Contains(got, "こんにちは。 元気ですか。") {
		t.Errorf("body not accumulated: %q", got)
	}
	if !strings.HasPrefix(got, "**カキヤ**: ") {
		t.Errorf("speaker prefix missing: %q", got)
	}
}

func TestPoster_TranslationLineRebuilt(t *testing.T) {
	m := newFakeMessenger()
	p := NewPoster(m, "chan1")

	p.AppendText("u1", "カキヤ", "こんにちは。")
	p.SetTranslation("u1", "Hello.")
	p.SetTranslation("u1", "Hello there.")

	got := m.latest()
	if !strings.Contains(got, "> Hello there.") {
		t.Errorf("latest translation missing: %q", got)
	}
	if strings.Contains(got, "> Hello.\n") || strings.Count(got, "> ") != 1 {
		t.Errorf("translation appended instead of replaced: %q", got)
	}
}

func TestPoster_TranslationBeforeTextIsHeld(t *testing.T) {
	m := newFakeMessenger()
	p := NewPoster(m, "chan1")

	p.SetTranslation("u1", "Hello.")
	if m.sends != 0 {
		t.Fatal("translation alone must not create a message")
	}

	p.AppendText("u1", "カキヤ", "こんにちは。")
	if !strings.Contains(m.latest(), "> Hello.") {
		t.Errorf("held translation not applied: %q", m.latest())
	}
}

func TestPoster_ConcurrentPostersCreateOneMessage(t *testing.T) {
	m := newFakeMessenger()
	p := NewPoster(m, "chan1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.AppendText("u1", "カキヤ", fmt.Sprintf("part%d", i))
		}(i)
	}
	wg.Wait()

	if m.sends != 1 {
		t.Fatalf("sends = %d, want exactly 1", m.sends)
	}
	for i := 0; i < 5; i++ {
		if !strings.Contains(m.latest(), fmt.Sprintf("part%d", i)) {
			t.Errorf("part%d lost: %q", i, m.latest())
		}
	}
}

func TestPoster_SeparateUtterancesSeparateMessages(t *testing.T) {
	m := newFakeMessenger()
	p := NewPoster(m, "chan1")

	p.AppendText("u1", "カキヤ", "ひとつめ")
	p.AppendText("u2", "ヨネダ", "ふたつめ")

	if m.sends != 2 {
		t.Fatalf("sends = %d, want 2", m.sends)
	}
}
