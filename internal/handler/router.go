package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/fueling-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса подключённой заправки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/fueling", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/gas-stations/{gasStationID}/pumps/{pumpID}/session", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.GetSession)
			r.Delete("/", h.CloseSession)

			r.Post("/input", h.ProvideInput)
			r.Post("/abandon", h.AbandonInput)
			r.Post("/cancel", h.CancelSession)
		})

		r.Get("/transactions", h.GetTransactions)
		r.Delete("/totp", h.DisableBiometry)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
