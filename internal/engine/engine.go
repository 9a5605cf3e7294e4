// Package engine abstracts the underlying voice-synthesis capability. An
// engine accepts one utterance at a time and reports progress as a stream of
// tagged events: zero or more audio buffers followed by exactly one terminal
// event (finished or cancelled).
package engine

import "context"

type EventType int

const (
	EventBuffer EventType = iota
	EventFinished
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventBuffer:
		return "buffer"
	case EventFinished:
		return "finished"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Chunk contains raw synthesized PCM samples.
type Chunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Event is a tagged variant; Chunk is only valid when Type is EventBuffer.
type Event struct {
	Type  EventType
	Chunk Chunk
}

// Utterance describes one synthesis request as handed to the engine.
type Utterance struct {
	Text     string
	VoiceID  string
	Language string
	Rate     float64
	Pitch    float64
	Volume   float64
}

// Engine drives playback of a single utterance at a time.
//
// StartUtterance returns a channel that carries buffer events and exactly one
// terminal event, after which it is closed. Every utterance gets its own
// channel, so events of a superseded utterance are never interleaved with its
// successor's. Stop ends the in-flight utterance; its cancelled terminal
// event is delivered on that utterance's channel. Pause and Resume gate
// buffer delivery without ending the utterance. All methods are safe for
// concurrent use.
type Engine interface {
	StartUtterance(ctx context.Context, utt Utterance) (<-chan Event, error)
	Pause()
	Resume()
	Stop()
}
