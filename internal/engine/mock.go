package engine

import (
	"context"
	"sync"
	"time"

	"github.com/voxlabs/voxd/internal/config"
)

// Mock synthesizes silence on a timer. It exists so the daemon can run
// without a real synthesis backend and so the transport semantics (pause,
// resume, stop, single terminal event) can be exercised end to end.
type Mock struct {
	sampleRate int
	channels   int
	chunkEvery time.Duration
	voice      string
	rate       float64

	mu  sync.Mutex
	cur *mockUtterance
}

type mockUtterance struct {
	mu       sync.Mutex
	events   chan Event
	terminal bool
	paused   bool
	resume   chan struct{}
}

func NewMock(cfg config.EngineConfig) *Mock {
	chunkEvery := time.Duration(cfg.ChunkDurationMS) * time.Millisecond
	if chunkEvery <= 0 {
		chunkEvery = 200 * time.Millisecond
	}
	rate := cfg.DefaultRate
	if rate <= 0 {
		rate = 1.0
	}
	return &Mock{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		chunkEvery: chunkEvery,
		voice:      cfg.DefaultVoice,
		rate:       rate,
	}
}

func (m *Mock) StartUtterance(ctx context.Context, utt Utterance) (<-chan Event, error) {
	chunks := len(utt.Text)/16 + 1
	interval := m.interval(utt.Rate)

	m.mu.Lock()
	if m.cur != nil {
		m.cur.finish(EventCancelled)
	}
	u := &mockUtterance{
		events: make(chan Event, chunks+2),
		resume: make(chan struct{}, 1),
	}
	m.cur = u
	m.mu.Unlock()

	go m.run(ctx, u, chunks, interval)
	return u.events, nil
}

// interval paces chunk delivery: a faster speaking rate shortens the gap
// between buffers.
func (m *Mock) interval(rate float64) time.Duration {
	if rate <= 0 {
		rate = m.rate
	}
	return time.Duration(float64(m.chunkEvery) / rate)
}

func (m *Mock) run(ctx context.Context, u *mockUtterance, chunks int, interval time.Duration) {
	pcm := make([]byte, m.sampleRate*m.channels*2*int(m.chunkEvery/time.Millisecond)/1000)
	for i := 0; i < chunks; {
		select {
		case <-ctx.Done():
			u.finish(EventCancelled)
			return
		case <-time.After(interval):
		}
		if u.waitWhilePaused(ctx) {
			u.finish(EventCancelled)
			return
		}
		if !u.emit(Chunk{SampleRate: m.sampleRate, Channels: m.channels, PCM: pcm}) {
			return
		}
		i++
	}
	u.finish(EventFinished)
}

func (m *Mock) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.setPaused(true)
	}
}

func (m *Mock) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.setPaused(false)
	}
}

func (m *Mock) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.finish(EventCancelled)
		m.cur = nil
	}
}

// emit delivers a buffer event, reporting false once the utterance has
// reached a terminal state.
func (u *mockUtterance) emit(chunk Chunk) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminal {
		return false
	}
	u.events <- Event{Type: EventBuffer, Chunk: chunk}
	return true
}

// finish delivers the terminal event and closes the stream. Only the first
// caller wins; later calls are no-ops.
func (u *mockUtterance) finish(t EventType) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminal {
		return
	}
	u.terminal = true
	u.events <- Event{Type: t}
	close(u.events)
}

func (u *mockUtterance) setPaused(paused bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.paused == paused {
		return
	}
	u.paused = paused
	if !paused {
		select {
		case u.resume <- struct{}{}:
		default:
		}
	}
}

// waitWhilePaused blocks until the utterance is resumed, stopped, or the
// context ends. It reports true if the context ended.
func (u *mockUtterance) waitWhilePaused(ctx context.Context) bool {
	for {
		u.mu.Lock()
		paused := u.paused && !u.terminal
		u.mu.Unlock()
		if !paused {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-u.resume:
		case <-time.After(10 * time.Millisecond):
		}
	}
}
