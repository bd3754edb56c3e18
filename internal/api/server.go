// Package api exposes the ListHit dispatch engine over HTTP.
//
// It provides endpoints for creating and dispatching campaigns, draining
// the email queue, and sending SMS messages. The API composes the store,
// email, and sms modules; it holds no dispatch logic of its own.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joshuapaschall/listhit/internal/email"
	"github.com/joshuapaschall/listhit/internal/sms"
	"github.com/joshuapaschall/listhit/internal/store"
)

// Server timeouts.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the dispatch engine's modules behind HTTP handlers.
type Server struct {
	store      store.Store
	scheduler  *email.Scheduler
	worker     *email.Worker
	dispatcher *sms.Dispatcher

	addr string
	srv  *http.Server
}

// NewServer creates the API server around the engine's modules.
func NewServer(st store.Store, scheduler *email.Scheduler, worker *email.Worker, dispatcher *sms.Dispatcher, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &Server{
		store:      st,
		scheduler:  scheduler,
		worker:     worker,
		dispatcher: dispatcher,
		addr:       cfg.Addr,
	}
}

// Routes builds the router. Exposed separately so tests can drive handlers
// through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", s.createCampaignHandler)
		r.Get("/campaigns/{id}", s.getCampaignHandler)
		r.Post("/campaigns/{id}/dispatch", s.dispatchCampaignHandler)
		r.Post("/queue/process", s.processQueueHandler)
		r.Post("/sms/send", s.sendSMSHandler)
	})
	return r
}

// Run starts the HTTP server and blocks until ListenAndServe returns.
func (s *Server) Run() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Routes(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	slog.Info("Server.Run: ListHit API listening", "addr", s.addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
