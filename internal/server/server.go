// Package server assembles the Atlas components from configuration and
// runs the HTTP surface: the WebSocket chat endpoint, a health probe,
// and the Prometheus metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlascore/atlas/internal/agent"
	"github.com/atlascore/atlas/internal/config"
	"github.com/atlascore/atlas/internal/conversations"
	"github.com/atlascore/atlas/internal/gateway"
	"github.com/atlascore/atlas/internal/llm"
	"github.com/atlascore/atlas/internal/mcp"
	"github.com/atlascore/atlas/internal/observability"
	"github.com/atlascore/atlas/internal/orchestrator"
	"github.com/atlascore/atlas/internal/retrieval"
	"github.com/atlascore/atlas/internal/security"
	"github.com/atlascore/atlas/internal/sessions"
)

// Server owns the assembled component graph and the two listeners.
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	store   *sessions.Store
	evictor *sessions.Evictor
	fleet   *mcp.Fleet
	convs   conversations.Store
	orch    *orchestrator.Orchestrator

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New wires every component from the configuration. Nothing is started
// yet; Run brings the listeners and background workers up.
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	store := sessions.NewStore(
		sessions.WithMaxMessages(cfg.Sessions.MaxMessages),
		sessions.WithLogger(logger.Slog("sessions")),
		sessions.WithCountHook(metrics.AddActiveSessions),
	)
	evictor, err := sessions.NewEvictor(store,
		cfg.Sessions.SweepInterval.Std(),
		cfg.Sessions.IdleTTL.Std(),
		logger.Slog("sessions"))
	if err != nil {
		return nil, fmt.Errorf("session evictor: %w", err)
	}

	gate := buildGate(cfg, logger.Slog("security"))

	registry, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	fanout := buildFanout(cfg, logger.Slog("retrieval"), metrics)

	fleet, err := mcp.NewFleet(cfg.MCP.Servers, logger.Slog("mcp"))
	if err != nil {
		return nil, fmt.Errorf("mcp fleet: %w", err)
	}

	var convs conversations.Store
	if cfg.Conversations.Path != "" {
		convs, err = conversations.NewSQLiteStore(cfg.Conversations.Path)
		if err != nil {
			return nil, fmt.Errorf("conversation store: %w", err)
		}
	}
	saver := conversations.NewSaver(convs, logger.Slog("conversations"))

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Gate:      gate,
		Providers: registry,
		Fanout:    fanout,
		MCPClient: fleet,
		Broker:    agent.NewBroker(),
		Saver:     saver,
		Config:    cfg,
		Logger:    logger.Slog("orchestrator"),
		Metrics:   metrics,
	})
	// Input requests raised by running tools are routed back to the
	// connection that owns the call.
	fleet.SetElicitationHandler(orch.HandleElicitation)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		evictor: evictor,
		fleet:   fleet,
		convs:   convs,
		orch:    orch,
	}
	s.buildListeners()
	return s, nil
}

func buildGate(cfg *config.Config, logger *slog.Logger) *security.Gate {
	var policy security.Policy
	if len(cfg.ContentPolicy.Rules) > 0 {
		rules := make([]security.Rule, 0, len(cfg.ContentPolicy.Rules))
		for _, r := range cfg.ContentPolicy.Rules {
			rules = append(rules, security.Rule{
				Keyword:  r.Keyword,
				Severity: security.Decision(r.Severity),
			})
		}
		policy = security.NewStaticPolicy(rules)
	}
	return security.NewGate(policy,
		cfg.ContentPolicy.PreCheck(),
		cfg.ContentPolicy.PostCheck(),
		logger)
}

func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry(cfg.LLM.DefaultProvider)
	for name, pc := range cfg.LLM.Providers {
		provider, err := llm.NewProvider(name, pc.APIKey, pc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
		registry.Register(provider)
	}
	return registry, nil
}

func buildFanout(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *retrieval.Fanout {
	providers := make([]retrieval.Provider, 0, len(cfg.Retrieval.Providers))
	for _, pc := range cfg.Retrieval.Providers {
		providers = append(providers, retrieval.NewHTTPProvider(pc.Name, pc.BaseURL, pc.APIKey, nil))
	}
	enabled := cfg.Features.Retrieval
	return retrieval.NewFanout(providers, cfg.Timeouts.Retrieval.Std(), enabled, logger, metrics)
}

func (s *Server) buildListeners() {
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewHandler(s.orch, s.cfg.Events.Buffer, s.logger.Slog("gateway"), s.metrics))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	s.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ApplyConfig swaps the orchestrator's request-path configuration:
// feature flags, timeouts, agent limits. Listener addresses and
// component wiring still require a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.orch.UpdateConfig(cfg)
}

// Run starts the fleet, the background workers, and both listeners,
// then blocks until the context is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.fleet.Connect(ctx); err != nil {
		return fmt.Errorf("mcp fleet: %w", err)
	}
	s.evictor.Start()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info(ctx, "chat endpoint listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Info(ctx, "metrics listening", "addr", s.metricsSrv.Addr)
		if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops the listeners and background workers and closes the
// external connections.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.evictor.Stop()
	if err := s.fleet.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.convs != nil {
		if err := s.convs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
