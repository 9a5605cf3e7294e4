// Package runtime assembles and supervises the daemon: telemetry, the bus
// (embedded or external), the voice catalog, the engine factory and the
// speech service, plus the health endpoints.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxd/internal/bus"
	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/natsserver"
	"github.com/voxlabs/voxd/internal/service"
	"github.com/voxlabs/voxd/internal/voice"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Embedded {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	catalog, closeCatalog, err := r.openCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to open voice catalog: %w", err)
	}
	if closeCatalog != nil {
		defer closeCatalog()
	}

	factory, err := r.engineFactory()
	if err != nil {
		return err
	}

	speech := service.New(ctx, r.cfg, busClient, catalog, factory, r.logger)
	if err := speech.Start(); err != nil {
		return fmt.Errorf("failed to start speech service: %w", err)
	}
	defer speech.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
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
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("catalog", r.cfg.Catalog.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// openCatalog builds the configured catalog backend. The sqlite store
// returns a close func; the static catalog has nothing to release.
func (r *Runtime) openCatalog(ctx context.Context) (voice.Catalog, func(), error) {
	switch r.cfg.Catalog.Mode {
	case "sqlite":
		store, err := voice.OpenStore(ctx, r.cfg.Catalog, r.logger)
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := store.Close(); err != nil {
				r.logger.Warn("failed to close voice store", slog.String("error", err.Error()))
			}
		}
		return store, closeStore, nil
	default:
		return voice.NewStaticCatalog(r.cfg.Catalog), nil, nil
	}
}

// engineFactory returns a constructor for fresh engine instances. Each
// session gets its own instances, so the factory is invoked repeatedly.
func (r *Runtime) engineFactory() (service.EngineFactory, error) {
	switch r.cfg.Engine.Mode {
	case "exec":
		return func() (engine.Engine, error) {
			return engine.NewExec(r.cfg.Engine, r.logger)
		}, nil
	case "mock":
		return func() (engine.Engine, error) {
			return engine.NewMock(r.cfg.Engine), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", r.cfg.Engine.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
