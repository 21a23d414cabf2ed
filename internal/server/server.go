package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"codeheal/dashboard"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/guardian"

	"github.com/gorilla/mux"
)

// Server represents the HTTP server
type Server struct {
	router  *mux.Router
	server  *http.Server
	g       *guardian.Guardian
	limiter *RateLimiter
	errs    *apperrors.ErrorHandler
}

// NewServer creates the HTTP server for g
func NewServer(g *guardian.Guardian) *Server {
	router := mux.NewRouter()
	cfg := g.Config.Server

	s := &Server{
		router:  router,
		g:       g,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		errs:    apperrors.NewErrorHandler(),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.errs.SetNotificationFunction(func(e *apperrors.AppError) {
		g.Bus.Publish(events.Event{
			Type:   events.APIError,
			Source: "server",
			Data:   map[string]interface{}{"code": e.Code, "message": e.Message, "status": e.StatusCode},
		})
	})

	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(securityHeadersMiddleware)
	router.Use(rateLimitMiddleware(s.limiter))
	router.Use(loggingMiddleware)
	s.setupRoutes()
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/ws", s.g.Dashboard.HandleConnection)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.g.Metrics.Handler()).Methods("GET")

	// Crawls
	r.HandleFunc("/crawl", s.handleStartCrawl).Methods("POST")
	r.HandleFunc("/crawl/status", s.handleCrawlStatus).Methods("GET")
	r.HandleFunc("/crawl/parallel", s.handleParallelCrawl).Methods("POST")
	r.HandleFunc("/crawl/jobs/{id}", s.handleCrawlJob).Methods("GET")
	r.HandleFunc("/crawl/jobs/{id}/stop", s.handleStopCrawl).Methods("POST")

	// Review
	r.HandleFunc("/issues/review", s.handleReviewQueue).Methods("GET")
	r.HandleFunc("/issues/review/batch", s.handleBatchReview).Methods("POST")
	r.HandleFunc("/issues/{id}/review", s.handleReviewIssue).Methods("POST")
	r.HandleFunc("/issues/{id}/history", s.handleIssueHistory).Methods("GET")
	r.HandleFunc("/issues/{id}/fix", s.handleOrchestrateFix).Methods("POST")

	// Pipelines and fixes
	r.HandleFunc("/pipelines", s.handleListPipelines).Methods("GET")
	r.HandleFunc("/pipelines/{id}", s.handleGetPipeline).Methods("GET")
	r.HandleFunc("/fixes/calibration-report", s.handleCalibrationReport).Methods("GET")
	r.HandleFunc("/fixes/team", s.handleFixTeam).Methods("GET")

	// Knowledge
	r.HandleFunc("/knowledge/search", s.handleKnowledgeSearch).Methods("GET")
	r.HandleFunc("/knowledge", s.handleAddKnowledge).Methods("POST")

	// System
	r.HandleFunc("/breakers", s.handleBreakers).Methods("GET")
	r.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Serve the embedded dashboard files as the fallback
	r.PathPrefix("/").Handler(http.FileServer(http.FS(dashboard.Dist)))
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 codeheal API listening on http://localhost%s", s.server.Addr)
		log.Printf("🔗 WebSocket available on ws://localhost%s/ws", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return err
		case <-cleanup.C:
			s.limiter.Cleanup(5 * time.Minute)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			log.Println("🛑 Stopping HTTP server...")
			return s.server.Shutdown(shutdownCtx)
		}
	}
}
