// Package session implements the speech-synthesis session state machine. A
// session owns the currently loaded utterance spec, the engine playback state
// and the single pending completion waiter of the most recent Speak call.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/voice"
)

type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateSpeaking
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a Speak call. An interruption is a
// normal outcome of a deliberate stop or supersede, not an error.
type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeInterrupted
)

func (o Outcome) String() string {
	if o == OutcomeFinished {
		return "finished"
	}
	return "interrupted"
}

// CompletionFunc receives the terminal outcome of a Speak call. It fires at
// most once; a waiter superseded by a later Speak never fires.
type CompletionFunc func(Outcome)

type LoadResult struct {
	VoiceID string
	Message string
}

// ControlResult reports an informational pause/stop outcome. Changed is
// false when the call was a no-op for the current state.
type ControlResult struct {
	Changed bool
	Message string
}

// Session is the central state machine. All state transitions, whether
// caller-driven or engine-delivered, are serialized on one mutex.
type Session struct {
	id      string
	engine  engine.Engine
	catalog voice.Catalog
	log     *slog.Logger

	mu        sync.Mutex
	spec      *UtteranceSpec
	voiceID   string // resolved from the catalog at load time
	state     PlaybackState
	gen       uint64
	waiter    CompletionFunc
	waiterGen uint64
}

func New(id string, eng engine.Engine, catalog voice.Catalog, log *slog.Logger) *Session {
	return &Session{
		id:      id,
		engine:  eng,
		catalog: catalog,
		log:     log.With(slog.String("component", "session"), slog.String("session", id)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load validates and stores the spec, resolving the voice reference against
// the catalog. A missing voice is not an error; synthesis proceeds with the
// engine default. Load never touches playback state.
func (s *Session) Load(ctx context.Context, spec UtteranceSpec) (LoadResult, error) {
	if strings.TrimSpace(spec.Text) == "" {
		return LoadResult{}, ErrEmptyText
	}

	voiceID, msg := s.resolveVoice(ctx, spec)

	s.mu.Lock()
	s.spec = &spec
	s.voiceID = voiceID
	s.mu.Unlock()

	s.log.Debug("utterance loaded", slog.String("voice", voiceID))
	return LoadResult{VoiceID: voiceID, Message: msg}, nil
}

// resolveVoice applies the lookup priority: exact identifier match, then
// first voice matching the spec's language, then the engine default.
func (s *Session) resolveVoice(ctx context.Context, spec UtteranceSpec) (string, string) {
	voices, err := s.catalog.ListAll(ctx, "")
	if err != nil {
		s.log.Warn("voice catalog unavailable", slog.String("error", err.Error()))
		return "", "catalog unavailable, using engine default voice"
	}
	if spec.VoiceID != "" {
		for _, v := range voices {
			if v.ID == spec.VoiceID {
				return v.ID, fmt.Sprintf("using voice %s", v.ID)
			}
		}
	}
	if spec.Language != "" {
		for _, v := range voices {
			if v.Language == spec.Language {
				return v.ID, fmt.Sprintf("using voice %s for language %s", v.ID, spec.Language)
			}
		}
	}
	return "", "using engine default voice"
}

// Speak starts (or resumes) playback of the loaded utterance and registers
// onComplete as the sole pending waiter, superseding any unresolved one.
func (s *Session) Speak(ctx context.Context, onComplete CompletionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spec == nil {
		return ErrNoUtteranceLoaded
	}

	switch s.state {
	case StatePaused:
		// the paused utterance continues as originally constructed; the
		// loaded spec only applies to the next fresh start
		s.waiter = onComplete
		s.waiterGen = s.gen
		s.engine.Resume()
		s.state = StateSpeaking
		s.log.Debug("utterance resumed")
		return nil
	case StateSpeaking:
		// supersede: cancel the in-flight utterance before starting anew
		s.engine.Stop()
	}
	return s.startLocked(ctx, onComplete)
}

// startLocked begins a fresh utterance. Caller holds s.mu.
func (s *Session) startLocked(ctx context.Context, onComplete CompletionFunc) error {
	utt := engine.Utterance{
		Text:     s.spec.Text,
		VoiceID:  s.voiceID,
		Language: s.spec.Language,
		Rate:     s.spec.Rate,
		Pitch:    s.spec.Pitch,
		Volume:   s.spec.Volume,
	}
	events, err := s.engine.StartUtterance(ctx, utt)
	if err != nil {
		s.state = StateIdle
		return fmt.Errorf("start utterance: %w", err)
	}

	s.gen++
	gen := s.gen
	s.waiter = onComplete
	s.waiterGen = gen
	s.state = StateSpeaking
	go s.pump(gen, events)
	s.log.Debug("utterance started")
	return nil
}

// pump consumes one utterance's event stream. Buffers are the engine
// transport's concern during live playback; only terminal events matter here.
func (s *Session) pump(gen uint64, events <-chan engine.Event) {
	for ev := range events {
		switch ev.Type {
		case engine.EventFinished:
			s.finish(gen, OutcomeFinished)
		case engine.EventCancelled:
			s.finish(gen, OutcomeInterrupted)
		}
	}
}

// finish applies one terminal engine event. Events for superseded utterances
// are discarded wholesale; for the current utterance the first terminal
// event wins and clears the waiter, so each Speak resolves at most once.
func (s *Session) finish(gen uint64, outcome Outcome) {
	s.mu.Lock()
	var waiter CompletionFunc
	if gen == s.gen {
		s.state = StateIdle
		if s.waiter != nil && s.waiterGen == gen {
			waiter = s.waiter
			s.waiter = nil
		}
	}
	s.mu.Unlock()

	if waiter != nil {
		s.log.Debug("utterance done", slog.String("outcome", outcome.String()))
		waiter(outcome)
	}
}

// Pause suspends the current utterance. A no-op unless Speaking.
func (s *Session) Pause() ControlResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSpeaking {
		return ControlResult{Message: fmt.Sprintf("nothing to pause while %s", s.state)}
	}
	s.engine.Pause()
	s.state = StatePaused
	return ControlResult{Changed: true, Message: "paused"}
}

// Stop cancels the current utterance. The pending waiter is not resolved
// here; it resolves through the engine's cancellation event so that there is
// a single resolution path.
func (s *Session) Stop() ControlResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return ControlResult{Message: "nothing to stop while idle"}
	}
	s.engine.Stop()
	s.state = StateIdle
	return ControlResult{Changed: true, Message: "stopping current utterance"}
}

// CurrentUtterance returns the loaded spec as an engine utterance, for
// export passes over the same material.
func (s *Session) CurrentUtterance() (engine.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spec == nil {
		return engine.Utterance{}, ErrNoUtteranceLoaded
	}
	return engine.Utterance{
		Text:     s.spec.Text,
		VoiceID:  s.voiceID,
		Language: s.spec.Language,
		Rate:     s.spec.Rate,
		Pitch:    s.spec.Pitch,
		Volume:   s.spec.Volume,
	}, nil
}
