// Command sentinel runs the governance server: the agent-to-agent streaming
// surface at POST / plus the read-only dashboard API under /api.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/psc0des/sentinellayer/pkg/audit"
	"github.com/psc0des/sentinellayer/pkg/blastradius"
	"github.com/psc0des/sentinellayer/pkg/config"
	"github.com/psc0des/sentinellayer/pkg/decision"
	"github.com/psc0des/sentinellayer/pkg/eventbus"
	"github.com/psc0des/sentinellayer/pkg/financial"
	"github.com/psc0des/sentinellayer/pkg/historical"
	"github.com/psc0des/sentinellayer/pkg/httpx"
	"github.com/psc0des/sentinellayer/pkg/incidents"
	"github.com/psc0des/sentinellayer/pkg/metrics"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/narrate"
	"github.com/psc0des/sentinellayer/pkg/pipeline"
	"github.com/psc0des/sentinellayer/pkg/policyeval"
	"github.com/psc0des/sentinellayer/pkg/policyir"
	"github.com/psc0des/sentinellayer/pkg/ratelimit"
	"github.com/psc0des/sentinellayer/pkg/registry"
	"github.com/psc0des/sentinellayer/pkg/sentinel"
	"github.com/psc0des/sentinellayer/pkg/store"
	"github.com/psc0des/sentinellayer/pkg/stream"
	"github.com/psc0des/sentinellayer/pkg/telemetry"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

type Server struct {
	Cfg     config.Settings
	Service *sentinel.Service
	Events  *stream.Hub
	Metrics *metrics.Registry

	RateLimiter ratelimit.Limiter
	Publisher   *eventbus.VerdictPublisher

	// sem bounds concurrent in-flight evaluations on the streaming surface.
	sem chan struct{}
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = store.NewPostgresPool
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(); err != nil {
		logFatalf("sentinel: %v", err)
	}
}

func run() error {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdown, err := initTelemetryFn(ctx, "sentinel")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	topo, policies, incidentStore, err := loadKnowledge(cfg)
	if err != nil {
		return err
	}
	log.Printf("sentinel: %d resources, %d policies, %d incidents loaded",
		topo.Len(), len(policies), incidentStore.Len())

	auditLog, agentRegistry, redisClient, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	engine := decision.New(cfg.Weights, models.Thresholds{
		AutoApprove: cfg.AutoApproveThreshold,
		HumanReview: cfg.HumanReviewThreshold,
	})
	hub := stream.NewHub()
	pipe := pipeline.New(
		blastradius.New(topo),
		policyeval.New(policies, topo),
		historical.New(incidentStore),
		financial.New(topo),
		engine,
	)
	pipe.EvaluatorTimeout = cfg.EvaluatorTimeout
	pipe.Audit = auditLog
	pipe.Registry = agentRegistry
	pipe.Events = hub
	if cfg.NarrationEnabled && cfg.NarrationAPIKey != "" {
		pipe.Narrator = narrate.New(cfg.NarrationAPIKey, cfg.NarrationBaseURL, cfg.NarrationModel)
	}

	s := &Server{
		Cfg:     cfg,
		Service: sentinel.New(pipe, auditLog, agentRegistry),
		Events:  hub,
		Metrics: metrics.NewRegistry(),
		sem:     make(chan struct{}, cfg.MaxConcurrentEvaluations),
	}
	if redisClient != nil {
		s.RateLimiter = ratelimit.NewRedis(redisClient, time.Minute)
	} else {
		s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := eventbus.NewVerdictPublisher(eventbus.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaVerdictTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		s.Publisher = publisher
		go forwardVerdicts(ctx, hub, publisher)
		if cfg.KafkaIncidentTopic != "" {
			consumer, err := eventbus.NewIncidentConsumer(eventbus.Config{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaIncidentTopic,
				GroupID: cfg.KafkaGroupID,
			}, incidentStore)
			if err != nil {
				return fmt.Errorf("kafka incident feed: %w", err)
			}
			defer consumer.Close()
			go func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("sentinel: incident feed stopped: %v", err)
				}
			}()
		}
	}

	r := newRouter(s)
	addr := cfg.Addr
	log.Printf("sentinel listening on %s (card url %s)", addr, cfg.ServerURL)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: sendSubscribe streams for the lifetime of an
		// evaluation.
	}
	return listenFn(server)
}

func loadKnowledge(cfg config.Settings) (*topology.Store, []policyir.Policy, *incidents.FileStore, error) {
	topo, err := topology.NewFromFile(filepath.Join(cfg.DataDir, "seed_resources.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	policies, err := policyir.LoadFile(filepath.Join(cfg.DataDir, "policies.json"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	incidentStore, err := incidents.NewFromFile(filepath.Join(cfg.DataDir, "seed_incidents.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	return topo, policies, incidentStore, nil
}

// openStores picks the audit-log and registry back-ends for the configured
// mode. Redis is optional in both.
func openStores(ctx context.Context, cfg config.Settings) (audit.Log, registry.Registry, *redis.Client, error) {
	redisClient, err := openRedisFn(ctx)
	if err != nil {
		log.Printf("sentinel: redis unavailable, using in-memory rate limits: %v", err)
		redisClient = nil
	}
	if cfg.UseLocalMocks {
		auditLog, err := audit.NewFileLog(filepath.Join(cfg.DataDir, "decisions"))
		if err != nil {
			return nil, nil, nil, err
		}
		agents, err := registry.NewFileRegistry(filepath.Join(cfg.DataDir, "agents"))
		if err != nil {
			return nil, nil, nil, err
		}
		return auditLog, agents, redisClient, nil
	}
	pool, err := openDBFn(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db: %w", err)
	}
	return audit.NewPostgresLog(pool), registry.NewPostgresRegistry(pool), redisClient, nil
}

func newRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins()))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("sentinel"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "sentinel"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	// Surface A: agent card + JSON-RPC task endpoint.
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Get("/.well-known/agent.json", s.handleAgentCard)
	r.Post("/", s.handleRPC)

	// Dashboard API (read-only).
	r.Get("/api/evaluations", s.handleListEvaluations)
	r.Get("/api/evaluations/{action_id}", s.handleGetEvaluation)
	r.Get("/api/metrics", s.handleDashboardMetrics)
	r.Get("/api/resources/{resource_id}/risk", s.handleResourceRisk)
	r.Get("/api/agents", s.handleListAgents)
	r.Get("/api/agents/{name}/history", s.handleAgentHistory)
	r.Get("/api/stream", s.handleStream)

	return r
}

// forwardVerdicts relays verdict events from the in-process hub onto the
// Kafka bus; a bus outage never blocks the pipeline.
func forwardVerdicts(ctx context.Context, hub *stream.Hub, publisher *eventbus.VerdictPublisher) {
	sub := hub.Subscribe(256)
	defer hub.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Type != stream.TypeVerdict {
				continue
			}
			var v models.GovernanceVerdict
			if err := json.Unmarshal(evt.Data, &v); err != nil {
				continue
			}
			if err := publisher.Publish(ctx, &v); err != nil {
				log.Printf("sentinel: verdict publish failed for %s: %v", v.ActionID, err)
			}
		}
	}
}

func corsOrigins() string {
	return env("CORS_ALLOWED_ORIGINS", "")
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket stream handler needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
