// Package httpapi exposes the sync operations over HTTP+JSON, plus health,
// metrics and a websocket change feed.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Options carries the optional collaborators of the HTTP server.
type Options struct {
	CORSOrigins []string
	// Gatherer backs /metrics; the route is not mounted when nil.
	Gatherer prometheus.Gatherer
	// Health backs /live and /ready; the routes are not mounted when nil.
	Health healthcheck.Handler
	// GRPCWeb serves grpc-web requests and reports whether it did.
	GRPCWeb func(w http.ResponseWriter, r *http.Request) bool
}

type Server struct {
	address   string
	sync      *services.SyncService
	logger    logging.Logger
	jwtSecret []byte
	origins   []string
	engine    *gin.Engine
	handler   http.Handler
}

func NewServer(addr string, l logging.Logger, sync *services.SyncService, secretKey string, opts Options) *Server {
	s := &Server{
		address:   addr,
		sync:      sync,
		logger:    l.With("module", "http_server"),
		jwtSecret: []byte(secretKey),
		origins:   opts.CORSOrigins,
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	if opts.Health != nil {
		engine.GET("/live", gin.WrapF(opts.Health.LiveEndpoint))
		engine.GET("/ready", gin.WrapF(opts.Health.ReadyEndpoint))
	}
	if opts.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api/v1/sync", s.authMiddleware())
	api.POST("/push", s.push)
	api.GET("/pull", s.pull)
	api.GET("/snapshot", s.snapshot)
	api.GET("/conflicts", s.listConflicts)
	api.POST("/conflicts/resolve", s.resolve)
	api.GET("/status", s.status)
	api.GET("/watch", s.watch)
	s.engine = engine

	root := http.Handler(engine)
	if opts.GRPCWeb != nil {
		root = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.GRPCWeb(w, r) {
				return
			}
			engine.ServeHTTP(w, r)
		})
	}

	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "X-Device-ID",
			"X-Grpc-Web", "X-User-Agent", "access_token", "device_id",
		},
		ExposedHeaders: []string{"Grpc-Status", "Grpc-Message"},
	}).Handler(root)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
