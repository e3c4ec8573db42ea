// Package server exposes the tool router over HTTP: a JSON RPC endpoint,
// tool discovery, a state event stream over WebSocket, health and
// metrics. The server binds loopback by default.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"missionctl/internal/observability"
	"missionctl/internal/router"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

// Config is the HTTP server configuration.
type Config struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	EnableCORS   bool          `json:"enableCors" yaml:"enable_cors"`
	Debug        bool          `json:"debug" yaml:"debug"`
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"write_timeout"`
}

// DefaultConfig binds loopback only. Exposing the control plane beyond
// the local host is an explicit operator decision.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         7421,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server hosts the RPC and event surfaces.
type Server struct {
	router  *router.Router
	store   *store.Store
	metrics *observability.Metrics
	logger  logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	events     *eventHub
	startTime  time.Time
}

// New builds the server and its routes.
func New(cfg Config, rt *router.Router, st *store.Store, metrics *observability.Metrics, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		router:    rt,
		store:     st,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		engine:    engine,
		events:    newEventHub(st, logging.OrNop(logger)),
		startTime: time.Now().UTC(),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.POST("/rpc", s.handleRPC)
	s.engine.GET("/rpc/tools", s.handleTools)
	s.engine.GET("/ws/events", s.handleEvents)
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// handleRPC dispatches one tool call. Transport succeeds even when the
// tool fails; the typed error rides in the response body.
func (s *Server) handleRPC(c *gin.Context) {
	var req router.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, router.Response{
			OK:      false,
			Code:    "VALIDATION_ERROR",
			Message: fmt.Sprintf("decode request: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, s.router.Dispatch(c.Request.Context(), req))
}

func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.router.Tools()})
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.store.StoreStats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"missions": stats.Missions,
		"agents":   stats.Agents,
		"armed":    s.store.ArmedMode(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.events.serve(c.Writer, c.Request)
}

// Run serves until ctx is cancelled, then drains connections. The event
// hub stops with the server.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.events.run(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if handoffErr := s.router.Sessions().Handoff(); handoffErr != nil {
		s.logger.Error("write session handoff: %v", handoffErr)
	}
	return err
}
