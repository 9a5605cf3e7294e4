package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/voxlabs/voxd/internal/config"
)

// Exec shells out to an external synthesis command. The command receives a
// JSON request on stdin and streams JSON lines on stdout, one object per
// audio chunk.
type Exec struct {
	cmd        []string
	sampleRate int
	channels   int
	voice      string
	rate       float64
	log        *slog.Logger

	// runMu serializes synthesis passes so the external transport is owned
	// by one utterance at a time.
	runMu sync.Mutex

	mu  sync.Mutex
	cur *execUtterance
}

type execUtterance struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
	Volume     float64 `json:"volume"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExec(cfg config.EngineConfig, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	rate := cfg.DefaultRate
	if rate <= 0 {
		rate = 1.0
	}
	return &Exec{
		cmd:        args,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		voice:      cfg.DefaultVoice,
		rate:       rate,
		log:        log.With(slog.String("component", "exec-engine")),
	}, nil
}

func (e *Exec) StartUtterance(ctx context.Context, utt Utterance) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	u := &execUtterance{
		cancel: cancel,
		resume: make(chan struct{}, 1),
	}

	e.mu.Lock()
	if e.cur != nil {
		e.cur.cancel()
	}
	e.cur = u
	e.mu.Unlock()

	events := make(chan Event, 16)
	go e.run(ctx, u, utt, events)
	return events, nil
}

func (e *Exec) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.cur.setPaused(true)
	}
}

func (e *Exec) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.cur.setPaused(false)
	}
}

func (e *Exec) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.cur.cancel()
		e.cur = nil
	}
}

// run executes one synthesis pass. It is the only sender on events and
// always delivers exactly one terminal event before closing the channel.
func (e *Exec) run(ctx context.Context, u *execUtterance, utt Utterance, events chan<- Event) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	defer close(events)

	err := e.stream(ctx, u, utt, events)
	switch {
	case err == nil:
		events <- Event{Type: EventFinished}
	case ctx.Err() != nil:
		events <- Event{Type: EventCancelled}
	default:
		// unexpected backend failure: the utterance did not complete
		e.log.Warn("synthesis pass failed", slog.String("error", err.Error()))
		events <- Event{Type: EventCancelled}
	}
}

func (e *Exec) stream(ctx context.Context, u *execUtterance, utt Utterance, events chan<- Event) error {
	voice := utt.VoiceID
	if voice == "" {
		voice = e.voice
	}
	rate := utt.Rate
	if rate <= 0 {
		rate = e.rate
	}
	payload := execRequest{
		Text:       utt.Text,
		Voice:      voice,
		Language:   utt.Language,
		Rate:       rate,
		Pitch:      utt.Pitch,
		Volume:     utt.Volume,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return err
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return err
		}
		if u.waitWhilePaused(ctx) {
			_ = cmd.Wait()
			return ctx.Err()
		}
		select {
		case events <- Event{Type: EventBuffer, Chunk: Chunk{SampleRate: e.sampleRate, Channels: e.channels, PCM: pcm}}:
		case <-ctx.Done():
			_ = cmd.Wait()
			return ctx.Err()
		}
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}

func (u *execUtterance) setPaused(paused bool) {
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

// waitWhilePaused blocks buffer delivery until resumed or cancelled. It
// reports true if the context ended.
func (u *execUtterance) waitWhilePaused(ctx context.Context) bool {
	for {
		u.mu.Lock()
		paused := u.paused
		u.mu.Unlock()
		if !paused {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-u.resume:
		}
	}
}
