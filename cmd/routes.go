package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"coursepay/utils"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := alice.New(app.JWTMiddlewareWithRole(utils.RoleUser))
	adminAuthMiddleware := alice.New(app.JWTMiddlewareWithRole(utils.RoleAdmin))

	mux := pat.New()

	// Payments
	mux.Post("/payments/invoice", authMiddleware.ThenFunc(app.paymentHandler.CreateInvoice))
	mux.Get("/payments/qpay/callback", http.HandlerFunc(app.paymentHandler.Callback))
	mux.Post("/payments/qpay/callback", http.HandlerFunc(app.paymentHandler.Callback))
	mux.Get("/payments/:id/status", authMiddleware.ThenFunc(app.paymentHandler.Status))

	// User
	mux.Get("/purchases/me", authMiddleware.ThenFunc(app.purchaseHandler.Mine))
	mux.Get("/notifications", authMiddleware.ThenFunc(app.notificationHandler.List))
	mux.Post("/notifications/:id/read", authMiddleware.ThenFunc(app.notificationHandler.MarkRead))

	// Admin
	mux.Post("/admin/entitlements", adminAuthMiddleware.ThenFunc(app.adminHandler.Entitlements))
	mux.Post("/admin/issues", adminAuthMiddleware.ThenFunc(app.adminHandler.Issues))
	mux.Get("/admin/issues/open", adminAuthMiddleware.ThenFunc(app.adminHandler.OpenIssues))
	mux.Get("/admin/purchases", adminAuthMiddleware.ThenFunc(app.purchaseHandler.Recent))

	mux.Get("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	return standardMiddleware.Then(mux)
}
