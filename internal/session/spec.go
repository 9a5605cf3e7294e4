package session

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyText is returned by Load when the utterance text is empty.
	ErrEmptyText = errors.New("utterance text must not be empty")
	// ErrNoUtteranceLoaded is returned by Speak and export when nothing has
	// been loaded.
	ErrNoUtteranceLoaded = errors.New("no utterance loaded")
)

// UtteranceSpec is an immutable description of one synthesis request. A new
// Load replaces the previous spec wholesale.
type UtteranceSpec struct {
	Text     string
	Rate     float64
	Pitch    float64
	Volume   float64
	VoiceID  string
	Language string
}

// NewUtteranceSpec validates the text and clamps prosody parameters into
// their supported ranges. Out-of-range pitch and volume are clamped rather
// than rejected so that a load with non-empty text always succeeds.
func NewUtteranceSpec(text string, rate, pitch, volume float64, language, voiceID string) (UtteranceSpec, error) {
	if strings.TrimSpace(text) == "" {
		return UtteranceSpec{}, ErrEmptyText
	}
	return UtteranceSpec{
		Text:     text,
		Rate:     rate,
		Pitch:    clamp(pitch, 0.5, 2.0),
		Volume:   clamp(volume, 0.0, 1.0),
		VoiceID:  voiceID,
		Language: language,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
