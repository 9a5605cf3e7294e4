package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/voxlabs/voxd/internal/engine"
)

// scriptedEngine lets the test hand-feed events to a job.
type scriptedEngine struct {
	events  chan engine.Event
	stopped atomic.Int32
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{events: make(chan engine.Event, 16)}
}

func (e *scriptedEngine) StartUtterance(context.Context, engine.Utterance) (<-chan engine.Event, error) {
	return e.events, nil
}

func (e *scriptedEngine) Pause()  {}
func (e *scriptedEngine) Resume() {}
func (e *scriptedEngine) Stop()   { e.stopped.Add(1) }

func (e *scriptedEngine) buffer(pcm []byte) {
	e.events <- engine.Event{Type: engine.EventBuffer, Chunk: engine.Chunk{SampleRate: 22050, Channels: 1, PCM: pcm}}
}

func (e *scriptedEngine) finish() {
	e.events <- engine.Event{Type: engine.EventFinished}
	close(e.events)
}

func (e *scriptedEngine) cancel() {
	e.events <- engine.Event{Type: engine.EventCancelled}
	close(e.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startJob(t *testing.T, eng *scriptedEngine, path string) *Job {
	t.Helper()
	j, err := Start(context.Background(), eng, engine.Utterance{Text: "hello"}, path, testLogger())
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	return j
}

func waitJob(t *testing.T, j *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := j.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("job did not resolve")
	}
	return err
}

func TestJobWritesValidWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	eng := newScriptedEngine()
	j := startJob(t, eng, path)

	eng.buffer([]byte{0x01, 0x00, 0x02, 0x00})
	eng.buffer([]byte{0x03, 0x00})
	eng.finish()

	if err := waitJob(t, j); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open exported file: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if len(pcm.Data) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(pcm.Data))
	}
}

func TestJobWriteFailureWinsOverLateFinish(t *testing.T) {
	// the sink path is a directory, so opening the sink fails on the
	// first buffer
	path := t.TempDir()
	eng := newScriptedEngine()
	j := startJob(t, eng, path)

	eng.buffer([]byte{0x01, 0x00})
	eng.finish()

	err := waitJob(t, j)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if eng.stopped.Load() != 1 {
		t.Fatalf("expected the engine pass stopped, got %d", eng.stopped.Load())
	}

	// resolution is exactly-once: the late finish must not deliver again
	select {
	case err := <-j.Done():
		t.Fatalf("unexpected second resolution: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobCancelledIsAFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	eng := newScriptedEngine()
	j := startJob(t, eng, path)

	eng.buffer([]byte{0x01, 0x00})
	eng.cancel()

	if err := waitJob(t, j); !errors.Is(err, ErrSpeechCancelled) {
		t.Fatalf("expected ErrSpeechCancelled, got %v", err)
	}
}

func TestJobMisalignedBufferFailsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	eng := newScriptedEngine()
	j := startJob(t, eng, path)

	eng.buffer([]byte{0x01, 0x00, 0x02})
	eng.finish()

	if err := waitJob(t, j); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestJobStreamEndWithoutTerminalResolvesCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	eng := newScriptedEngine()
	j := startJob(t, eng, path)

	eng.buffer([]byte{0x01, 0x00})
	close(eng.events)

	if err := waitJob(t, j); !errors.Is(err, ErrSpeechCancelled) {
		t.Fatalf("expected ErrSpeechCancelled, got %v", err)
	}
}
