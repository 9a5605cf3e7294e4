package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/voice"
)

// fakeEngine gives the tests full control over event delivery.
type fakeEngine struct {
	mu       sync.Mutex
	cur      *fakeUtterance
	started  int
	stopped  int
	paused   int
	resumed  int
	startErr error
}

type fakeUtterance struct {
	mu       sync.Mutex
	events   chan engine.Event
	terminal bool
}

func (u *fakeUtterance) emitTerminal(t engine.EventType) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminal {
		return false
	}
	u.terminal = true
	u.events <- engine.Event{Type: t}
	close(u.events)
	return true
}

func (f *fakeEngine) StartUtterance(_ context.Context, _ engine.Utterance) (<-chan engine.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.cur != nil {
		f.cur.emitTerminal(engine.EventCancelled)
	}
	f.started++
	f.cur = &fakeUtterance{events: make(chan engine.Event, 4)}
	return f.cur.events, nil
}

func (f *fakeEngine) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeEngine) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	if f.cur != nil {
		f.cur.emitTerminal(engine.EventCancelled)
	}
}

func (f *fakeEngine) finishCurrent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur != nil {
		f.cur.emitTerminal(engine.EventFinished)
	}
}

func testCatalog() voice.Catalog {
	return voice.NewStaticCatalog(config.CatalogConfig{
		DefaultLanguage: "en-US",
		Voices: []config.VoiceEntry{
			{ID: "aria", Language: "en-US", Name: "Aria"},
			{ID: "curated.emma", Language: "en-GB", Name: "Emma"},
		},
	})
}

func newSession(eng engine.Engine) *Session {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return New("test-session", eng, testCatalog(), log)
}

func mustLoad(t *testing.T, s *Session) {
	t.Helper()
	spec, err := NewUtteranceSpec("hello", 0.5, 1.0, 1.0, "en-US", "")
	if err != nil {
		t.Fatalf("new spec: %v", err)
	}
	if _, err := s.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return 0
	}
}

func TestSpeakWithoutLoadFails(t *testing.T) {
	s := newSession(&fakeEngine{})

	err := s.Speak(context.Background(), func(Outcome) {})
	if err != ErrNoUtteranceLoaded {
		t.Fatalf("expected ErrNoUtteranceLoaded, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state must remain idle, got %v", s.State())
	}
}

func TestSpeakFinishesAndReturnsToIdle(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)
	mustLoad(t, s)

	done := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { done <- o }); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if s.State() != StateSpeaking {
		t.Fatalf("expected speaking, got %v", s.State())
	}

	eng.finishCurrent()

	if o := waitOutcome(t, done); o != OutcomeFinished {
		t.Fatalf("expected finished outcome, got %v", o)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after finish, got %v", s.State())
	}
}

func TestPauseWhileIdleIsInformationalNoop(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)
	mustLoad(t, s)

	res := s.Pause()
	if res.Changed {
		t.Fatal("pause while idle must not change state")
	}
	if res.Message == "" {
		t.Fatal("expected informational message")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	if eng.paused != 0 {
		t.Fatal("engine must not be signalled")
	}
}

func TestStopWhileIdleIsInformationalNoop(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)

	res := s.Stop()
	if res.Changed || res.Message == "" {
		t.Fatalf("expected informational no-op, got %+v", res)
	}
	if eng.stopped != 0 {
		t.Fatal("engine must not be signalled")
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)
	mustLoad(t, s)

	done := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { done <- o }); err != nil {
		t.Fatalf("speak: %v", err)
	}

	if res := s.Pause(); !res.Changed {
		t.Fatal("expected pause to take effect")
	}
	if s.State() != StatePaused {
		t.Fatalf("expected paused, got %v", s.State())
	}
	if res := s.Pause(); res.Changed {
		t.Fatal("double pause must be a no-op")
	}

	// speak from paused resumes the engine-held utterance
	resumed := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { resumed <- o }); err != nil {
		t.Fatalf("speak to resume: %v", err)
	}
	if s.State() != StateSpeaking {
		t.Fatalf("expected speaking after resume, got %v", s.State())
	}
	if eng.started != 1 {
		t.Fatalf("resume must not start a new utterance, started=%d", eng.started)
	}
	if eng.resumed != 1 {
		t.Fatalf("expected one resume signal, got %d", eng.resumed)
	}

	eng.finishCurrent()
	if o := waitOutcome(t, resumed); o != OutcomeFinished {
		t.Fatalf("expected finished outcome, got %v", o)
	}

	// the superseded waiter from the first speak never fires
	select {
	case o := <-done:
		t.Fatalf("superseded waiter fired with %v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopResolvesWaiterThroughCancellation(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)
	mustLoad(t, s)

	done := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { done <- o }); err != nil {
		t.Fatalf("speak: %v", err)
	}

	if res := s.Stop(); !res.Changed {
		t.Fatal("expected stop to take effect")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %v", s.State())
	}
	if o := waitOutcome(t, done); o != OutcomeInterrupted {
		t.Fatalf("expected interrupted outcome, got %v", o)
	}
}

func TestConcurrentStopAndFinishResolveOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		eng := &fakeEngine{}
		s := newSession(eng)
		mustLoad(t, s)

		var calls atomic.Int32
		if err := s.Speak(context.Background(), func(Outcome) { calls.Add(1) }); err != nil {
			t.Fatalf("speak: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.Stop() }()
		go func() { defer wg.Done(); eng.finishCurrent() }()
		wg.Wait()

		time.Sleep(10 * time.Millisecond)
		if n := calls.Load(); n != 1 {
			t.Fatalf("expected exactly one resolution, got %d", n)
		}
		if s.State() != StateIdle {
			t.Fatalf("expected idle, got %v", s.State())
		}
	}
}

func TestSpeakWhileSpeakingSupersedes(t *testing.T) {
	eng := &fakeEngine{}
	s := newSession(eng)
	mustLoad(t, s)

	first := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { first <- o }); err != nil {
		t.Fatalf("first speak: %v", err)
	}

	second := make(chan Outcome, 1)
	if err := s.Speak(context.Background(), func(o Outcome) { second <- o }); err != nil {
		t.Fatalf("second speak: %v", err)
	}

	if eng.started != 2 {
		t.Fatalf("expected a fresh utterance, started=%d", eng.started)
	}
	if eng.stopped != 1 {
		t.Fatalf("expected the prior utterance cancelled, stopped=%d", eng.stopped)
	}

	// the stale cancellation for the superseded utterance must not knock
	// the session out of Speaking
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateSpeaking {
		t.Fatalf("expected speaking after supersede, got %v", s.State())
	}

	eng.finishCurrent()
	if o := waitOutcome(t, second); o != OutcomeFinished {
		t.Fatalf("expected new waiter to get finished, got %v", o)
	}

	select {
	case o := <-first:
		t.Fatalf("superseded waiter fired with %v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoadResolvesVoice(t *testing.T) {
	s := newSession(&fakeEngine{})
	ctx := context.Background()

	spec, _ := NewUtteranceSpec("hi", 0.5, 1.0, 1.0, "en-GB", "aria")
	res, err := s.Load(ctx, spec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.VoiceID != "aria" {
		t.Fatalf("exact identifier match takes priority, got %q", res.VoiceID)
	}

	spec, _ = NewUtteranceSpec("hi", 0.5, 1.0, 1.0, "en-GB", "missing")
	res, err = s.Load(ctx, spec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.VoiceID != "curated.emma" {
		t.Fatalf("expected language fallback, got %q", res.VoiceID)
	}

	spec, _ = NewUtteranceSpec("hi", 0.5, 1.0, 1.0, "fr-FR", "")
	res, err = s.Load(ctx, spec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.VoiceID != "" {
		t.Fatalf("expected engine default fallback, got %q", res.VoiceID)
	}
}

func TestLoadRejectsEmptyText(t *testing.T) {
	s := newSession(&fakeEngine{})

	if _, err := s.Load(context.Background(), UtteranceSpec{Text: "   "}); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := NewUtteranceSpec("", 0.5, 1.0, 1.0, "", ""); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText from spec constructor, got %v", err)
	}
}

func TestSpecClampsProsody(t *testing.T) {
	spec, err := NewUtteranceSpec("hi", 0.5, 9.0, 4.0, "", "")
	if err != nil {
		t.Fatalf("new spec: %v", err)
	}
	if spec.Pitch != 2.0 {
		t.Fatalf("expected pitch clamped to 2.0, got %f", spec.Pitch)
	}
	if spec.Volume != 1.0 {
		t.Fatalf("expected volume clamped to 1.0, got %f", spec.Volume)
	}
}

func TestCurrentUtteranceRequiresLoad(t *testing.T) {
	s := newSession(&fakeEngine{})

	if _, err := s.CurrentUtterance(); err != ErrNoUtteranceLoaded {
		t.Fatalf("expected ErrNoUtteranceLoaded, got %v", err)
	}

	mustLoad(t, s)
	utt, err := s.CurrentUtterance()
	if err != nil {
		t.Fatalf("current utterance: %v", err)
	}
	if utt.Text != "hello" || utt.VoiceID != "aria" {
		t.Fatalf("unexpected utterance %+v", utt)
	}
}
