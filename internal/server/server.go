// Package server provides the HTTP surface for the signal monitoring core:
// §6.2's versioned REST routes plus the live WebSocket stream, built on the
// teacher's chi router/middleware stack (spec §6).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/changedetect"
	"github.com/aristath/fxsignal/internal/delivery"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/metrics"
	"github.com/aristath/fxsignal/internal/notify"
	"github.com/aristath/fxsignal/internal/position"
	"github.com/aristath/fxsignal/internal/signal"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
)

// Config wires every component the HTTP surface fronts.
type Config struct {
	Log           zerolog.Logger
	Port          int
	DevMode       bool
	Generator     *signal.Generator
	Detector      *changedetect.Detector
	Registry      *subscriptions.Registry
	Positions     *store.PositionStore
	Candles       *store.CandleStore
	HHP           *hhp.Provider
	Monitor       *position.Monitor
	Broker        *notify.Broker
	Filter        *delivery.Filter
	Deliverers    map[domain.SubscriberKind]delivery.Deliverer
	Renderer      delivery.Renderer
	Metrics       *metrics.Registry
	AuthValidator AuthValidator
}

// Server is the HTTP front end over the signal pipeline and position store.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	cfg         Config
	auth        AuthValidator
	wsHub       *notify.WSHandler
	metrics     *metrics.Registry
	startupTime time.Time
}

// New builds the server, wires middleware and routes, and readies it for Start.
func New(cfg Config) *Server {
	auth := cfg.AuthValidator
	if auth == nil {
		auth = PermissiveValidator{}
	}

	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		cfg:         cfg,
		auth:        auth,
		wsHub:       notify.NewWSHandler(cfg.Broker, cfg.Log),
		metrics:     cfg.Metrics,
		startupTime: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Get("/metrics", metrics.Handler().ServeHTTP)
	}
	s.router.Get("/ws/signals", s.wsHub.ServeHTTP)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/trading", func(r chi.Router) {
			r.Get("/signal", s.handleGetSignal)
			r.Post("/analyze", s.handleAnalyzeBatch)
		})

		r.Route("/market", func(r chi.Router) {
			r.Get("/realtime/{pair}", s.handleMarketRealtime)
			r.Get("/history/{pair}", s.handleMarketHistory)
			r.Post("/data/bulk", s.handleMarketBulkIngest)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Post("/open", s.handlePositionOpen)
			r.Post("/close", s.handlePositionClose)
			r.Put("/{id}/adjust", s.handlePositionAdjust)
			r.Get("/{id}", s.handlePositionGet)
			r.Get("/user/{id}", s.handlePositionsForUser)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleSubscriptionCreate)
			r.Delete("/{id}", s.handleSubscriptionDelete)
			r.Get("/user/{id}", s.handleSubscriptionsForUser)
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
