package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sourcewatch/deduplication"
	"sourcewatch/storage"
	"sourcewatch/types"
)

// Runner is the pipeline as seen by the HTTP layer.
type Runner interface {
	Process(ctx context.Context) (*types.RunReport, error)
	Status() types.StatusResponse
}

// Server exposes the trigger, status and read-only inspection endpoints.
type Server struct {
	runner     Runner
	store      storage.Store
	canon      *deduplication.Canonicalizer
	logger     zerolog.Logger
	httpServer *http.Server

	// baseCtx outlives requests; asynchronous runs use it.
	baseCtx context.Context
}

// NewServer creates the API server. Runs triggered with ?async=true are
// bound to ctx rather than to the request. Lookups by URL go through canon,
// which should be the pipeline's canonicalizer; nil means the defaults.
func NewServer(ctx context.Context, runner Runner, store storage.Store, canon *deduplication.Canonicalizer, addr string, logger zerolog.Logger) *Server {
	if canon == nil {
		canon = deduplication.NewCanonicalizer(deduplication.CanonicalizerOptions{})
	}
	s := &Server{
		runner:  runner,
		store:   store,
		canon:   canon,
		logger:  logger.With().Str("component", "api").Logger(),
		baseCtx: ctx,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router constructs a Gin engine with registered routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	RegisterHealthRoutes(r)
	s.registerProcessRoutes(r)
	s.registerReportRoutes(r)
	return r
}

// Start serves in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting API server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
