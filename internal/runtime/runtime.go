// Package runtime wires the transcriber's components into a running node.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/capability"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/dispatch"
	"github.com/loqalabs/loqa-transcriber/internal/httpapi"
	"github.com/loqalabs/loqa-transcriber/internal/natsserver"
	"github.com/loqalabs/loqa-transcriber/internal/stt"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
	"github.com/loqalabs/loqa-transcriber/internal/whisper"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	natsServer     *natsserver.EmbeddedServer
	bus            *bus.Client
	bridge         *transcribe.Bridge
	pool           *dispatch.Pool
	runner         *stt.Runner
	stt            *stt.Service
	registry       *capability.Registry
	httpServer     *http.Server

	cancel context.CancelFunc
	ready  atomic.Bool
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.setup(ctx); err != nil {
		return errors.Join(err, r.shutdown())
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("model", r.cfg.STT.ModelPath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	if r.cfg.STT.Enabled {
		if err := r.startTranscriber(ctx); err != nil {
			return err
		}
	}

	if r.bus != nil {
		if r.runner != nil {
			r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, r.runner, r.logger)
			if err := r.stt.Start(); err != nil {
				return fmt.Errorf("start stt service: %w", err)
			}
		}
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.cfg.STT, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr: addr,
		Handler: httpapi.NewRouter(r.httpRunner(), httpapi.Options{
			Metrics:   metricHandler,
			Ready:     r.Healthy,
			Timeout:   time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond,
			AudioRoot: r.cfg.HTTP.AudioRoot,
		}, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	server, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.natsServer = server
	if server != nil {
		busCfg.Servers = []string{server.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) startTranscriber(ctx context.Context) error {
	engine, err := whisper.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create whisper engine: %w", err)
	}
	bridge, err := transcribe.New(whisper.BridgeConfig(r.cfg.STT), engine)
	if err != nil {
		return fmt.Errorf("create transcription bridge: %w", err)
	}
	r.bridge = bridge

	if r.cfg.STT.WatchModel && bridge.Cache() != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := whisper.WatchModel(ctx, r.cfg.STT.ModelPath, bridge.Cache(), r.logger); err != nil {
				r.logger.Warn("model watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.pool = dispatch.New(bridge, r.cfg.STT.MaxConcurrency, r.logger)
	r.runner = stt.NewRunner(r.pool, r.logger)
	return nil
}

// httpRunner returns the runner used by the HTTP API. A node with
// transcription disabled answers with ErrClosed.
func (r *Runtime) httpRunner() httpapi.Runner {
	if r.runner != nil {
		return r.runner
	}
	return disabledRunner{}
}

type disabledRunner struct{}

func (disabledRunner) Run(context.Context, string) (dispatch.Outcome, error) {
	return dispatch.Outcome{}, dispatch.ErrClosed
}

// Healthy reports whether the runtime and its started components are up.
func (r *Runtime) Healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.natsServer != nil && !r.natsServer.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.bridge != nil {
		if err := r.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
