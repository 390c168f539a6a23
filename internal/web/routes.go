package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-blocker/internal/web/handlers"
)

const requestTimeout = 5 * time.Minute

func (s *Server) setupRoutes() {
	d := s.deps

	// Create handlers
	statusHandler := handlers.NewStatusHandler(d.Store, d.Scanner, d.Page, d.Model, s.config.Settings, s.log)
	computeHandler := handlers.NewComputeHandler(d.Probe, d.Store, d.Scanner, s.log)
	messagesHandler := handlers.NewMessagesHandler(statusHandler, computeHandler)
	cacheHandler := handlers.NewCacheHandler(d.Cache, s.log)
	facesHandler := handlers.NewFacesHandler(d.Refs, s.log)
	pageHandler := handlers.NewPageHandler(d.Page, s.log)
	eventsHandler := handlers.NewEventsHandler(d.Events, d.Scanner)

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	// Event stream stays open for as long as the client listens
	s.router.Get("/api/v1/events", eventsHandler.Stream)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(requestTimeout))

		// Message protocol
		r.Post("/messages", messagesHandler.Handle)

		// Status and blocking
		r.Get("/status", statusHandler.Get)
		r.Put("/blocking", statusHandler.SetBlocking)
		r.Post("/compute/check", computeHandler.Check)

		// Result cache
		r.Get("/cache/stats", cacheHandler.Stats)
		r.Delete("/cache", cacheHandler.Clear)

		// Reference faces
		r.Get("/faces", facesHandler.List)
		r.Delete("/faces/{id}", facesHandler.Delete)

		// Page
		r.Get("/page", pageHandler.Get)
		r.Post("/page/nodes", pageHandler.AppendNodes)
	})
}
