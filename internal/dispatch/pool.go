// Package dispatch runs blocking transcriptions off the caller's goroutine.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch pool closed")

// Transcriber is the blocking call the pool offloads.
type Transcriber interface {
	TranscribeDetailed(audioPath string) (transcribe.Result, error)
}

// Outcome is delivered exactly once per submitted job.
type Outcome struct {
	JobID  string
	Result transcribe.Result
	Err    error
	Queued time.Duration
	Ran    time.Duration
}

// Pool bounds how many transcriptions run at once.
type Pool struct {
	transcriber Transcriber
	sema        chan struct{}
	log         *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(t Transcriber, concurrency int, log *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		transcriber: t,
		sema:        make(chan struct{}, concurrency),
		log:         log.With(slog.String("component", "stt-dispatch")),
	}
}

// Submit queues audioPath and returns the job id with a single-shot channel.
// If ctx ends while the job is still queued it is dropped and the outcome
// carries ctx.Err(). Once running, a job always completes; a caller that
// stops waiting simply abandons the channel.
func (p *Pool) Submit(ctx context.Context, audioPath string) (string, <-chan Outcome, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", nil, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	jobID := uuid.NewString()
	out := make(chan Outcome, 1)
	queued := time.Now()

	go func() {
		defer p.wg.Done()
		select {
		case p.sema <- struct{}{}:
		case <-ctx.Done():
			out <- Outcome{JobID: jobID, Err: ctx.Err(), Queued: time.Since(queued)}
			return
		}
		defer func() { <-p.sema }()

		started := time.Now()
		res, err := p.transcriber.TranscribeDetailed(audioPath)
		if ctx.Err() != nil {
			p.log.Debug("transcription finished after caller gave up", slog.String("job_id", jobID))
		}
		out <- Outcome{
			JobID:  jobID,
			Result: res,
			Err:    err,
			Queued: started.Sub(queued),
			Ran:    time.Since(started),
		}
	}()
	return jobID, out, nil
}

// Do submits audioPath and waits for the outcome or for ctx to end.
func (p *Pool) Do(ctx context.Context, audioPath string) (Outcome, error) {
	jobID, out, err := p.Submit(ctx, audioPath)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case o := <-out:
		return o, o.Err
	case <-ctx.Done():
		return Outcome{JobID: jobID}, ctx.Err()
	}
}

// Close rejects new jobs and waits for queued and running ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
