// Package ui serves the run viewer: the ledger's runs and steps as HTML,
// plus each run's composite report and delivered artifacts straight from
// its sink directory.
package ui

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/godeck/internal/store"
)

// UI handles the viewer's HTTP surface. It only reads: runs are written
// by the godeck CLI, never from here.
type UI struct {
	store     store.Store
	logger    *slog.Logger
	startTime time.Time
}

// New creates the viewer over the given ledger.
func New(st store.Store, logger *slog.Logger) *UI {
	return &UI{
		store:     st,
		logger:    logger.With("component", "ui"),
		startTime: time.Now(),
	}
}

// Handler builds the viewer's router.
func (ui *UI) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(ui.logger))

	r.Get("/", ui.HandleRunList)
	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", ui.HandleRunDetail)
		r.Get("/report", ui.HandleRunReport)
		r.Get("/artifacts/*", ui.HandleRunArtifact)
	})
	r.Get("/healthz", ui.HandleHealth)

	return r
}
