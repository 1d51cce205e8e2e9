package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-transcriber/stt"

// Runner submits transcriptions to the dispatch pool and records a span and
// metrics for each one. The HTTP API and the bus service share one Runner.
type Runner struct {
	pool     *dispatch.Pool
	tracer   trace.Tracer
	total    metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	logger   *slog.Logger
}

func NewRunner(pool *dispatch.Pool, logger *slog.Logger) *Runner {
	r := &Runner{
		pool:   pool,
		tracer: otel.Tracer(instrumentationName),
		logger: logger.With(slog.String("component", "stt-runner")),
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

func (r *Runner) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	r.total, err = meter.Int64Counter("loqa_stt_transcriptions_total",
		metric.WithDescription("Transcriptions by outcome"))
	if err != nil {
		return err
	}
	r.duration, err = meter.Float64Histogram("loqa_stt_transcription_duration_ms",
		metric.WithDescription("End-to-end transcription latency in milliseconds, including queueing"))
	if err != nil {
		return err
	}
	r.inflight, err = meter.Int64UpDownCounter("loqa_stt_transcriptions_inflight",
		metric.WithDescription("Transcriptions queued or running"))
	return err
}

// Run transcribes audioPath on the pool and waits for the result or ctx.
func (r *Runner) Run(ctx context.Context, audioPath string) (dispatch.Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.String("stt.audio_path", audioPath)))
	defer span.End()

	if r.inflight != nil {
		r.inflight.Add(ctx, 1)
		defer r.inflight.Add(context.WithoutCancel(ctx), -1)
	}

	start := time.Now()
	out, err := r.pool.Do(ctx, audioPath)
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(
		attribute.String("stt.job_id", out.JobID),
		attribute.String("stt.outcome", outcome),
		attribute.Int("stt.segments", len(out.Result.Segments)),
		attribute.Int("stt.samples", out.Result.Samples),
		attribute.Int64("stt.inference_ms", out.Result.Timings.Inference.Milliseconds()),
	)

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.total != nil {
		r.total.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()), attrs)
	}
	return out, err
}
