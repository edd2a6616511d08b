package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sotto-labs/sotto-core/internal/bus"
	"github.com/sotto-labs/sotto-core/internal/capture"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/coordinator"
	"github.com/sotto-labs/sotto-core/internal/listener"
	"github.com/sotto-labs/sotto-core/internal/natsserver"
	"github.com/sotto-labs/sotto-core/internal/refine"
	"github.com/sotto-labs/sotto-core/internal/store"
)

// service is the lifecycle every component exposes.
type service interface {
	Start() error
	Close()
	Healthy() bool
}

// Runtime owns the process: the embedded bus, the store, every service,
// and the HTTP surface for health and metrics.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *store.Store
	services []service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled, then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to connect message bus: %w", err)
	}
	r.bus = busClient

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownInfra()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()
	r.shutdownInfra()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	coord := coordinator.NewService(ctx, r.cfg.Coordinator, r.bus, r.bus, r.logger)
	if err := coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	r.services = append(r.services, coord)

	if r.cfg.Capture.Enabled {
		engines, err := r.engineFactory()
		if err != nil {
			return err
		}
		source := capture.NewFFmpegSource(r.cfg.Capture.Mic, r.cfg.Capture.SampleRate, r.cfg.Capture.Channels)
		capSvc := capture.NewService(ctx, r.cfg.Capture, r.bus, r.bus, source, engines, r.logger)
		if err := capSvc.Start(); err != nil {
			return fmt.Errorf("failed to start capture surface: %w", err)
		}
		r.services = append(r.services, capSvc)
	}

	if r.cfg.Listener.Enabled {
		lst := listener.NewService(ctx, r.cfg.Listener, r.bus, r.bus, r.store, r.store, r.logger)
		if err := lst.Start(); err != nil {
			return fmt.Errorf("failed to start page listener: %w", err)
		}
		r.services = append(r.services, lst)
	}

	if r.cfg.Refine.Enabled {
		generator, err := refine.NewGenerator(r.cfg.Refine)
		if err != nil {
			return fmt.Errorf("failed to build refinement backend: %w", err)
		}
		ref := refine.NewService(ctx, r.cfg.Refine, r.bus, r.bus, generator, r.store, r.logger)
		if err := ref.Start(); err != nil {
			return fmt.Errorf("failed to start refinement service: %w", err)
		}
		r.services = append(r.services, ref)
	}
	return nil
}

func (r *Runtime) engineFactory() (capture.EngineFactory, error) {
	switch r.cfg.Capture.Engine {
	case "mock":
		return capture.NewMockEngineFactory(), nil
	case "deepgram":
		return capture.NewDeepgramEngineFactory(r.cfg.Capture.Deepgram), nil
	default:
		return nil, fmt.Errorf("unknown capture engine %q", r.cfg.Capture.Engine)
	}
}

// stopServices closes services in reverse start order so downstream
// consumers drain before their producers.
func (r *Runtime) stopServices() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	r.services = nil
}

func (r *Runtime) shutdownInfra() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy() bool {
	if r.bus == nil || !r.bus.Healthy() {
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return true
}
