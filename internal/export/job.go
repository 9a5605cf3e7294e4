// Package export captures a synthesis pass's audio buffers into a WAV file.
// A job terminates on the first write failure, on normal completion, or on
// cancellation, and resolves exactly once; it is never reused.
package export

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/voxlabs/voxd/internal/engine"
)

var (
	// ErrWriteFailed wraps an I/O failure while persisting buffers.
	ErrWriteFailed = errors.New("failed to write exported audio")
	// ErrSpeechCancelled reports an export pass interrupted before finishing.
	// For export consumers an interruption is a failure, unlike live speech.
	ErrSpeechCancelled = errors.New("speech cancelled before export completed")
)

// Job is a single-use capture of one synthesis pass. The sink is opened
// lazily from the format of the first delivered buffer.
type Job struct {
	path string
	stop func()
	log  *slog.Logger

	mu       sync.Mutex
	resolved bool
	file     *os.File
	enc      *wav.Encoder

	done chan error
}

// Start begins a synthesis pass over utt on the given engine and captures
// its buffers into path. The engine instance should be dedicated to the
// export pass so it cannot disturb live playback.
func Start(ctx context.Context, eng engine.Engine, utt engine.Utterance, path string, log *slog.Logger) (*Job, error) {
	events, err := eng.StartUtterance(ctx, utt)
	if err != nil {
		return nil, fmt.Errorf("start export pass: %w", err)
	}
	j := &Job{
		path: path,
		stop: eng.Stop,
		log:  log.With(slog.String("component", "export"), slog.String("path", path)),
		done: make(chan error, 1),
	}
	go j.run(events)
	return j, nil
}

// Done delivers the job's single terminal result: nil on success, otherwise
// an error wrapping ErrWriteFailed or ErrSpeechCancelled.
func (j *Job) Done() <-chan error { return j.done }

// Wait blocks until the job resolves or the context ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) run(events <-chan engine.Event) {
	for ev := range events {
		switch ev.Type {
		case engine.EventBuffer:
			if err := j.write(ev.Chunk); err != nil {
				j.stop()
				j.resolve(fmt.Errorf("%w: %w", ErrWriteFailed, err))
			}
		case engine.EventFinished:
			j.resolve(nil)
		case engine.EventCancelled:
			j.resolve(ErrSpeechCancelled)
		}
	}
	// stream ended without a terminal event: the engine went away
	j.resolve(ErrSpeechCancelled)
}

// write appends one buffer to the sink, opening it on first use. Buffers
// delivered after the job resolved are discarded.
func (j *Job) write(chunk engine.Chunk) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.resolved {
		return nil
	}
	if j.enc == nil {
		if err := j.openSink(chunk); err != nil {
			return err
		}
	}
	if len(chunk.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(chunk.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(chunk.PCM[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: chunk.Channels, SampleRate: chunk.SampleRate},
		Data:   samples,
	}
	if err := j.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// openSink creates the output file with the format of the first buffer.
// Caller holds j.mu.
func (j *Job) openSink(chunk engine.Chunk) error {
	dir := filepath.Dir(j.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	f, err := os.Create(j.path)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	j.file = f
	j.enc = wav.NewEncoder(f, chunk.SampleRate, 16, chunk.Channels, 1)
	return nil
}

// resolve terminates the job. The first caller wins; everything after
// resolution is a no-op.
func (j *Job) resolve(err error) {
	j.mu.Lock()
	if j.resolved {
		j.mu.Unlock()
		return
	}
	j.resolved = true

	var closeErr error
	if j.enc != nil {
		closeErr = j.enc.Close()
	}
	if j.file != nil {
		if cerr := j.file.Close(); closeErr == nil {
			closeErr = cerr
		}
	}
	j.mu.Unlock()

	if err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %w", ErrWriteFailed, closeErr)
	}
	if err != nil {
		j.log.Warn("export failed", slog.String("error", err.Error()))
	} else {
		j.log.Info("export complete")
	}
	j.done <- err
}
