/**
 * @description
 * This file sets up the HTTP router for the wallet-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WalletRoutes creates and returns the router for the wallet service.
func WalletRoutes(h *WalletHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway posts STK results here directly; reconciliation is keyed on
	// the checkout request id in the payload.
	r.Post("/mpesa/callback", h.MpesaCallbackHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		// Wallet endpoints
		r.Get("/account", h.GetAccountHandler)
		r.Put("/account/pin", h.SetTransferPinHandler)
		r.Post("/wallet/topup", h.TopUpHandler)
		r.Post("/wallet/withdraw", h.WithdrawHandler)
		r.Post("/wallet/transfer", h.TransferHandler)

		// History and statements
		r.Get("/transactions", h.ListEntriesHandler)
		r.Get("/statements/{year}/{month}", h.StatementHandler)

		// Loan endpoints
		r.Get("/loans/score", h.LoanScoreHandler)
		r.Post("/loans", h.ApplyForLoanHandler)
		r.Get("/loans", h.ListLoansHandler)
		r.Get("/loans/{loanID}", h.GetLoanHandler)
		r.Post("/loans/{loanID}/repay", h.RepayLoanHandler)

		// M-Pesa deposit initiation
		r.Post("/mpesa/stkpush", h.STKPushHandler)

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(AdminOnly)
			r.Post("/admin/accounts", h.ProvisionAccountHandler)
			r.Put("/admin/accounts/{userID}/freeze", h.FreezeAccountHandler)
			r.Put("/admin/accounts/{userID}/unfreeze", h.UnfreezeAccountHandler)
		})
	})

	return r
}
