package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/dispatch"
	"github.com/loqalabs/loqa-transcriber/internal/protocol"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
	"github.com/nats-io/nats.go"
)

// Service answers transcription requests arriving on the bus.
type Service struct {
	cfg    config.STTConfig
	bus    *bus.Client
	runner *Runner
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	ready  bool
	logger *slog.Logger

	// mu orders wg.Add in handlers against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, runner *Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTranscribeRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe transcribe requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("failed to unsubscribe transcribe requests", slogError(err))
		}
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode transcribe request", slogError(err))
		s.reply(msg, protocol.TranscribeResponse{ErrorKind: "bad_request", Error: err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if strings.TrimSpace(req.AudioPath) == "" {
		s.reply(msg, protocol.TranscribeResponse{RequestID: req.RequestID, ErrorKind: "bad_request", Error: "audio_path is required", Timestamp: time.Now().UTC()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.TranscribeResponse{RequestID: req.RequestID, ErrorKind: "unavailable", Error: "stt service is shutting down", Timestamp: time.Now().UTC()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.cfg.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
			defer cancel()
		}

		start := time.Now()
		out, err := s.runner.Run(ctx, req.AudioPath)
		resp := protocol.TranscribeResponse{
			RequestID:  req.RequestID,
			JobID:      out.JobID,
			DurationMS: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if err != nil {
			resp.ErrorKind = ErrorKind(err)
			resp.Error = err.Error()
			s.logger.Warn("stt transcription failed",
				slog.String("request_id", req.RequestID),
				slog.String("error_kind", resp.ErrorKind),
				slogError(err))
		} else {
			resp.Text = out.Result.Text
			resp.Segments = len(out.Result.Segments)
			s.publishTranscript(req, out.Result.Text)
		}
		s.reply(msg, resp)
	}()
}

func (s *Service) reply(msg *nats.Msg, resp protocol.TranscribeResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal transcribe response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to transcribe request", slogError(err))
	}
}

func (s *Service) publishTranscript(req protocol.TranscribeRequest, text string) {
	if text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Text:      text,
		Partial:   false,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

// ErrorKind names the failure class of err for wire responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, dispatch.ErrClosed):
		return "unavailable"
	}
	if kind := transcribe.KindOf(err); kind != transcribe.KindUnknown {
		return kind.String()
	}
	return "internal"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
