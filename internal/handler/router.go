package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/medledger-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса medledger.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Внутренний триггер от сервиса приёмов.
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.AdminMiddleware(h.adminToken))

			r.Post("/events/consultation-completed", h.ConsultationCompleted)
		})

		r.Route("/doctor", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/summary", h.GetSummary)
			r.Get("/transactions", h.GetTransactions)

			r.Post("/withdrawals", h.CreateWithdrawal)
			r.Get("/withdrawals", h.GetWithdrawals)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminMiddleware(h.adminToken))

			r.Post("/withdrawals/{requestID}/decision", h.WithdrawalDecision)
			r.Post("/doctors/{doctorID}/bonus", h.AddBonus)
			r.Post("/transactions/{transactionID}/void", h.VoidTransaction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
