/**
 * @description
 * This file sets up the HTTP router for the ledger service. It defines the account
 * and transaction endpoints, associates them with their handlers, and applies the
 * logging, recovery, timeout, metrics and authentication middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the service router. auth guards every business endpoint; gatherer
// backs /metrics and may be nil to leave it unmounted.
func Routes(h *Handlers, auth func(http.Handler) http.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(RequestMetrics(m))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/me", h.ListMyAccountsHandler)
			r.Get("/active", h.ListActiveAccountsHandler)
			r.Get("/grouped", h.ListGroupedAccountsHandler)
			r.Get("/filter", h.FilterAccountsHandler)
			r.Post("/transfer", h.InternalTransferHandler)
			r.Get("/user/{userID}", h.ListUserAccountsHandler)
			r.Post("/user/{userID}/open", h.OpenAccountHandler)
			r.Post("/user/{userID}/provision", h.ProvisionAccountsHandler)
			r.Get("/{accountID}", h.GetAccountHandler)
			r.Post("/{accountID}/deposit", h.DepositHandler)
			r.Post("/{accountID}/withdraw", h.WithdrawHandler)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactionsHandler)
			r.Get("/my-transactions", h.ListMyTransactionsHandler)
			r.Get("/pending-approval", h.ListPendingApprovalHandler)
			r.Get("/filter", h.FilterTransactionsHandler)
			r.Get("/summary", h.FinancialSummaryHandler)
			r.Get("/stats/my-stats", h.MyStatsHandler)
			r.Get("/stats/account/{accountID}", h.AccountStatsHandler)
			r.Get("/account/{accountID}", h.ListAccountTransactionsHandler)
			r.Post("/transfer", h.CreateTransferHandler)
			r.Get("/{id}", h.GetTransactionHandler)
			r.Get("/{id}/entries", h.LedgerEntriesHandler)
			r.Get("/{id}/deposit-status", h.DepositStatusHandler)
			r.Get("/{id}/payout-status", h.PayoutStatusHandler)
			r.Patch("/{id}/confirm", h.ConfirmTransactionHandler)
			r.Patch("/{id}/cancel", h.CancelTransactionHandler)
		})
	})

	return r
}
