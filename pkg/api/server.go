package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/apikey"
	"github.com/shreed27/AgentHub-sub013/pkg/config"
	"github.com/shreed27/AgentHub-sub013/pkg/gateway"
	"github.com/shreed27/AgentHub-sub013/pkg/ledger"
	"github.com/shreed27/AgentHub-sub013/pkg/ratelimit"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// Server is the gateway's HTTP surface.
type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	cfg     *config.Config
	gw      *gateway.Gateway
	keys    *apikey.Manager
	limiter ratelimit.Limiter
	ledger  *ledger.Ledger
	store   store.Store
	hub     *Hub
}

// NewServer wires the router.
func NewServer(cfg *config.Config, gw *gateway.Gateway, keys *apikey.Manager, limiter ratelimit.Limiter, l *ledger.Ledger, s store.Store) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &Server{
		cfg:     cfg,
		gw:      gw,
		keys:    keys,
		limiter: limiter,
		ledger:  l,
		store:   s,
		hub:     NewHub(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", srv.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", srv.handleWebSocket)

	burst := newIPBurstLimiter(50, 100)

	v1 := router.Group("/api/v1")
	v1.Use(burst.middleware())
	v1.Use(srv.authMiddleware())
	{
		jobs := v1.Group("")
		jobs.Use(srv.rateLimitMiddleware())
		{
			jobs.POST("/jobs", srv.handleSubmit)
			jobs.POST("/deposit", srv.handleDeposit)
		}

		v1.GET("/jobs/:id", srv.handleGetJob)
		v1.GET("/jobs", srv.handleListJobs)
		v1.POST("/jobs/:id/cancel", srv.handleCancelJob)
		v1.GET("/balance", srv.handleGetBalance)
		v1.GET("/stats", srv.handleStats)

		v1.POST("/keys", srv.handleCreateKey)
		v1.GET("/keys", srv.handleListKeys)
		v1.DELETE("/keys/:key", srv.handleRevokeKey)
	}

	admin := router.Group("/admin")
	admin.Use(srv.adminAuthMiddleware())
	{
		admin.GET("/limits/:wallet", srv.handleGetLimits)
		admin.PUT("/limits/:wallet", srv.handleSetLimits)
		admin.GET("/breakers", srv.handleBreakers)
	}

	srv.router = router
	return srv
}

// Run starts the event fan-out and serves HTTP until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardEvents()

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", s.cfg.Port).Info("Gateway API listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// forwardEvents pipes gateway lifecycle events into the websocket hub.
func (s *Server) forwardEvents() {
	for evt := range s.gw.Subscribe() {
		s.hub.Broadcast(evt)
	}
}
