package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type blockingTranscriber struct {
	release  chan struct{}
	running  atomic.Int32
	maxSeen  atomic.Int32
	finished atomic.Int32
}

func (b *blockingTranscriber) TranscribeDetailed(path string) (transcribe.Result, error) {
	n := b.running.Add(1)
	for {
		max := b.maxSeen.Load()
		if n <= max || b.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	<-b.release
	b.running.Add(-1)
	b.finished.Add(1)
	if path == "bad.wav" {
		return transcribe.Result{}, &transcribe.Error{Kind: transcribe.KindAudioOpen, Path: path, Detail: "missing"}
	}
	return transcribe.Result{Text: "text:" + path}, nil
}

func TestPoolDeliversOutcome(t *testing.T) {
	tr := &blockingTranscriber{release: make(chan struct{})}
	close(tr.release)
	p := New(tr, 2, newLogger())
	defer p.Close()

	out, err := p.Do(context.Background(), "a.wav")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Result.Text != "text:a.wav" || out.JobID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	_, err = p.Do(context.Background(), "bad.wav")
	if !errors.Is(err, transcribe.ErrAudioOpen) {
		t.Fatalf("expected audio open error, got %v", err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	tr := &blockingTranscriber{release: make(chan struct{})}
	p := New(tr, 2, newLogger())

	var chans []<-chan Outcome
	for i := 0; i < 5; i++ {
		_, ch, err := p.Submit(context.Background(), "a.wav")
		if err != nil {
			t.Fatal(err)
		}
		chans = append(chans, ch)
	}
	time.Sleep(50 * time.Millisecond)
	if got := tr.running.Load(); got != 2 {
		t.Fatalf("expected 2 running, got %d", got)
	}
	close(tr.release)
	for _, ch := range chans {
		if o := <-ch; o.Err != nil {
			t.Fatalf("unexpected error %v", o.Err)
		}
	}
	if tr.maxSeen.Load() > 2 {
		t.Fatalf("concurrency exceeded: %d", tr.maxSeen.Load())
	}
	p.Close()
}

func TestPoolCallerAbandons(t *testing.T) {
	tr := &blockingTranscriber{release: make(chan struct{})}
	p := New(tr, 1, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Do(ctx, "a.wav")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(tr.release)
	p.Close()
	if tr.finished.Load() != 1 {
		t.Fatalf("expected abandoned job to still complete, got %d", tr.finished.Load())
	}
}

func TestPoolDropsQueuedJobOnCancel(t *testing.T) {
	tr := &blockingTranscriber{release: make(chan struct{})}
	p := New(tr, 1, newLogger())

	_, first, err := p.Submit(context.Background(), "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, queued, err := p.Submit(ctx, "b.wav")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if o := <-queued; !errors.Is(o.Err, context.Canceled) {
		t.Fatalf("expected queued job cancelled, got %v", o.Err)
	}

	close(tr.release)
	<-first
	p.Close()
	if tr.finished.Load() != 1 {
		t.Fatalf("expected only the running job to execute, got %d", tr.finished.Load())
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New(&blockingTranscriber{release: make(chan struct{})}, 1, newLogger())
	p.Close()
	if _, _, err := p.Submit(context.Background(), "a.wav"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
