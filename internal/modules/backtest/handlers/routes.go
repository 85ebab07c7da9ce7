package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the backtest API.
func (h *BacktestHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/backtest", func(r chi.Router) {
		r.Post("/run", h.HandleRun)
		r.Get("/options", h.HandleOptions)
		r.Get("/status", h.HandleStatus)
		r.Get("/progress", h.progress.ServeHTTP)
		r.Route("/results", func(r chi.Router) {
			r.Get("/", h.HandleListResults)
			r.Get("/{id}", h.HandleGetResult)
			r.Delete("/{id}", h.HandleDeleteResult)
		})
	})
}
