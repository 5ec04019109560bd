package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	stt           *stt.Service
	registry      *capability.Registry
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

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.startServices(ctx); err != nil {
		cancel()
		r.wg.Wait()
		r.stopServices()
		_ = r.tracerClose(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
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
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, retentionInterval)
	}()

	if !r.cfg.STT.Enabled {
		return nil
	}
	backend, err := stt.NewBackend(r.cfg.STT)
	if err != nil {
		return err
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, backend, store, r.logger)
	if err := r.stt.Start(); err != nil {
		return err
	}

	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.describe, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.stt.LoadModel(ctx, r.cfg.STT.ModelPath); err != nil {
			r.logger.Error("model load failed", slog.String("path", r.cfg.STT.ModelPath), slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Runtime) stopServices() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	if r.registry != nil && !r.registry.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("heartbeat stale"))
		return
	}
	if r.stt != nil && !r.stt.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stt unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.stt == nil || r.stt.ModelLoaded()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleTranscript serves the live transcript. A session query parameter
// naming a finished session is answered from the event store.
func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	if r.stt == nil {
		http.Error(w, "stt disabled", http.StatusNotFound)
		return
	}
	status := r.stt.Status()
	if id := req.URL.Query().Get("session"); id != "" && id != status.SessionID {
		text, ok, err := r.store.LastTranscript(req.Context(), id)
		if err != nil {
			r.logger.Warn("transcript lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		status = stt.Status{SessionID: id, State: "finished", Model: status.Model, Confirmed: text}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		r.logger.Warn("encode transcript response", slog.String("error", err.Error()))
	}
}

// describe advertises the transcription capability with live model and
// session state.
func (r *Runtime) describe() []capability.Capability {
	st := r.stt.Status()
	attrs := map[string]string{
		"model":   st.Model,
		"session": st.State,
	}
	if st.Mode != "" {
		attrs["mode"] = st.Mode
	}
	if r.cfg.STT.Language != "" {
		attrs["language"] = r.cfg.STT.Language
	}
	return []capability.Capability{{Name: "stt", Attributes: attrs}}
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	var nodes []capability.NodeInfo
	if r.registry != nil {
		nodes = r.registry.Query(nil)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("encode nodes response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("session listing failed", slog.String("error", err.Error()))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		r.logger.Warn("encode sessions response", slog.String("error", err.Error()))
	}
}
