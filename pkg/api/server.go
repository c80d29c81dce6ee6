// Package api is the coordinator's HTTP front-end: an echo server carrying
// the query/RAG surface, the Ralph task routes, learning-pipeline controls,
// the WebSocket action channel, and the mounted MCP endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/health"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/learning"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/query"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/semcache"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/session"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tools"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// Deps carries everything the HTTP surface dispatches into. Optional members
// may be nil; the corresponding routes then answer 503.
type Deps struct {
	Metrics  *metrics.Metrics
	Checker  *health.Checker
	Breakers *resilience.Registry
	Screener *masking.Screener

	LLM      *llm.Client
	Gate     *llm.LoadingGate
	Vectors  *vector.Client
	DB       *database.Client
	Pipeline *query.Pipeline
	Cache    *semcache.Cache
	Sessions *session.Manager
	Registry *tools.Registry
	Skills   *tools.SkillStore
	Ralph    *ralph.Engine
	Learning *learning.Pipeline
	Proposer *learning.Proposer

	Feedback    *services.FeedbackService
	Experiments *services.ExperimentService

	Federation []tools.FederatedServer
	MCPHandler http.Handler
}

// Server is the coordinator HTTP server.
type Server struct {
	cfg        *config.ServerConfig
	e          *echo.Echo
	httpServer *http.Server
	tracer     trace.Tracer
	startedAt  time.Time

	apiKey       string
	maxBodyBytes int64
	limiter      *resilience.RateLimiter

	metrics  *metrics.Metrics
	checker  *health.Checker
	breakers *resilience.Registry
	screener *masking.Screener

	llm      *llm.Client
	gate     *llm.LoadingGate
	vectors  *vector.Client
	db       *database.Client
	pipeline *query.Pipeline
	cache    *semcache.Cache
	sessions *session.Manager
	registry *tools.Registry
	skills   *tools.SkillStore
	ralph    *ralph.Engine
	learning *learning.Pipeline
	proposer *learning.Proposer

	feedback    *services.FeedbackService
	experiments *services.ExperimentService

	federation []tools.FederatedServer
	mcpHandler http.Handler

	connManager *ConnectionManager
}

// NewServer wires the routes and middleware chain. apiKey may be empty, which
// leaves the server unauthenticated (development only).
func NewServer(cfg *config.ServerConfig, apiKey string, deps Deps) *Server {
	s := &Server{
		cfg:          cfg,
		e:            echo.New(),
		tracer:       otel.Tracer(version.AppName),
		startedAt:    time.Now(),
		apiKey:       apiKey,
		maxBodyBytes: cfg.MaxBodyBytes,
		metrics:      deps.Metrics,
		checker:      deps.Checker,
		breakers:     deps.Breakers,
		screener:     deps.Screener,
		llm:          deps.LLM,
		gate:         deps.Gate,
		vectors:      deps.Vectors,
		db:           deps.DB,
		pipeline:     deps.Pipeline,
		cache:        deps.Cache,
		sessions:     deps.Sessions,
		registry:     deps.Registry,
		skills:       deps.Skills,
		ralph:        deps.Ralph,
		learning:     deps.Learning,
		proposer:     deps.Proposer,
		feedback:     deps.Feedback,
		experiments:  deps.Experiments,
		federation:   deps.Federation,
		mcpHandler:   deps.MCPHandler,
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = resilience.NewRateLimiter(cfg.RateLimitRPM)
	}
	s.connManager = NewConnectionManager(s, 10*time.Second)

	s.e.Use(
		recoverMiddleware(),
		requestIDMiddleware(),
		securityHeaders(),
		s.authMiddleware(),
		s.rateLimitMiddleware(),
		s.bodyLimitMiddleware(),
	)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.e

	e.GET("/health", s.instrument("/health", s.healthHandler))
	e.GET("/metrics", s.instrument("/metrics", s.metricsHandler))
	e.GET("/status", s.instrument("/status", s.statusHandler))

	e.POST("/query", s.instrument("/query", s.queryHandler))
	e.POST("/augment_query", s.instrument("/augment_query", s.toolHandler("augment_query")))
	e.POST("/search/tree", s.instrument("/search/tree", s.toolHandler("hybrid_search")))
	e.POST("/memory/store", s.instrument("/memory/store", s.toolHandler("store_agent_memory")))
	e.POST("/memory/recall", s.instrument("/memory/recall", s.toolHandler("recall_agent_memory")))

	e.POST("/context/multi_turn", s.instrument("/context/multi_turn", s.multiTurnHandler))
	e.GET("/session/:id", s.instrument("/session/:id", s.getSessionHandler))
	e.DELETE("/session/:id", s.instrument("/session/:id", s.deleteSessionHandler))

	e.POST("/feedback", s.instrument("/feedback", s.createFeedbackHandler))
	e.POST("/feedback/:id", s.instrument("/feedback/:id", s.interactionFeedbackHandler))
	e.GET("/feedback/:id", s.instrument("/feedback/:id", s.getFeedbackHandler))

	e.POST("/ralph/tasks", s.instrument("/ralph/tasks", s.submitTaskHandler))
	e.GET("/ralph/tasks/:id", s.instrument("/ralph/tasks/:id", s.getTaskHandler))
	e.POST("/ralph/tasks/:id/approve", s.instrument("/ralph/tasks/:id/approve", s.approveTaskHandler))
	e.POST("/ralph/tasks/:id/stop", s.instrument("/ralph/tasks/:id/stop", s.stopTaskHandler))
	e.GET("/ralph/stats", s.instrument("/ralph/stats", s.ralphStatsHandler))

	e.GET("/learning/stats", s.instrument("/learning/stats", s.learningStatsHandler))
	e.POST("/learning/process", s.instrument("/learning/process", s.learningProcessHandler))
	e.POST("/learning/export", s.instrument("/learning/export", s.learningExportHandler))
	e.POST("/learning/ab_compare", s.instrument("/learning/ab_compare", s.abCompareHandler))
	e.GET("/learning/proposals", s.instrument("/learning/proposals", s.listProposalsHandler))
	e.POST("/proposals/apply", s.instrument("/proposals/apply", s.applyProposalHandler))

	e.POST("/reload-model", s.instrument("/reload-model", s.reloadModelHandler))
	e.GET("/discovery/capabilities", s.instrument("/discovery/capabilities", s.discoveryHandler))
	e.POST("/discovery/capabilities", s.instrument("/discovery/capabilities", s.discoveryHandler))

	e.Any("/vllm/*", s.instrument("/vllm/*", s.vllmGoneHandler))
	e.GET("/ws", s.instrument("/ws", s.wsHandler))

	if s.mcpHandler != nil {
		e.Any("/mcp", s.instrument("/mcp", s.mcpProxyHandler))
		e.Any("/mcp/*", s.instrument("/mcp/*", s.mcpProxyHandler))
	}
}

// mcpProxyHandler forwards to the MCP streamable-HTTP handler.
func (s *Server) mcpProxyHandler(c *echo.Context) error {
	s.mcpHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.e,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and closes WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connManager.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Broadcast pushes an event frame to every connected WebSocket client.
func (s *Server) Broadcast(eventType string, data any) {
	s.connManager.Broadcast(eventType, data)
}
