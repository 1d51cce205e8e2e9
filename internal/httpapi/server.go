// Package httpapi exposes the transcriber over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-transcriber/internal/dispatch"
	"github.com/loqalabs/loqa-transcriber/internal/stt"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

// Runner transcribes a file and waits for the outcome.
type Runner interface {
	Run(ctx context.Context, audioPath string) (dispatch.Outcome, error)
}

// Options wires optional endpoints into the router.
type Options struct {
	Metrics http.Handler
	// Ready reports whether every dependency is up. Nil means always ready.
	Ready   func() bool
	Timeout time.Duration

	// AudioRoot confines request paths to a directory. Relative paths are
	// resolved against it. Empty allows any path.
	AudioRoot string
}

var errOutsideRoot = errors.New("audio_path is outside the audio root")

type transcriptionRequest struct {
	AudioPath string `json:"audio_path"`
}

type segmentBody struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type transcriptionResponse struct {
	JobID       string        `json:"job_id"`
	Text        string        `json:"text"`
	Segments    []segmentBody `json:"segments"`
	Samples     int           `json:"samples"`
	SampleRate  int           `json:"sample_rate"`
	InferenceMS int64         `json:"inference_ms"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// NewRouter builds the HTTP surface.
func NewRouter(runner Runner, opts Options, logger *slog.Logger) http.Handler {
	h := &handler{runner: runner, opts: opts, logger: logger.With(slog.String("component", "http-api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Post("/v1/transcriptions", h.transcribe)
	return r
}

type handler struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) ready(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Ready == nil || h.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *handler) transcribe(w http.ResponseWriter, req *http.Request) {
	var body transcriptionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json", ErrorKind: "bad_request"})
		return
	}
	if strings.TrimSpace(body.AudioPath) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audio_path is required", ErrorKind: "bad_request"})
		return
	}

	audioPath, err := resolveAudioPath(h.opts.AudioRoot, body.AudioPath)
	if err != nil {
		h.logger.Warn("rejected audio path",
			slog.String("request_id", middleware.GetReqID(req.Context())),
			slog.String("audio_path", body.AudioPath))
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error(), ErrorKind: "forbidden"})
		return
	}

	ctx := req.Context()
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	out, err := h.runner.Run(ctx, audioPath)
	if err != nil {
		kind := stt.ErrorKind(err)
		h.logger.Warn("transcription failed",
			slog.String("request_id", middleware.GetReqID(req.Context())),
			slog.String("error_kind", kind),
			slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), ErrorKind: kind})
		return
	}

	resp := transcriptionResponse{
		JobID:       out.JobID,
		Text:        out.Result.Text,
		Segments:    make([]segmentBody, 0, len(out.Result.Segments)),
		Samples:     out.Result.Samples,
		SampleRate:  out.Result.SampleRate,
		InferenceMS: out.Result.Timings.Inference.Milliseconds(),
	}
	for _, seg := range out.Result.Segments {
		resp.Segments = append(resp.Segments, segmentBody{Index: seg.Index, Text: seg.Text})
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveAudioPath returns path unchanged when root is empty. Otherwise the
// path, with symlinks followed when it exists, must stay inside root.
func resolveAudioPath(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve audio root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	path = filepath.Clean(path)
	if !within(rootAbs, path) {
		return "", errOutsideRoot
	}

	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		rootReal = rootAbs
	}
	if real, err := filepath.EvalSymlinks(path); err == nil && !within(rootReal, real) {
		return "", errOutsideRoot
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrAudioOpen):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
