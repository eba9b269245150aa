package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"coursepay/internal/models"
	"coursepay/internal/services"
)

// CallbackArchiver keeps raw webhook bodies for audit.
type CallbackArchiver interface {
	Store(ctx context.Context, purchaseID string, body []byte) (string, error)
}

type PaymentHandler struct {
	Reconcile *services.ReconcileService
	Archive   CallbackArchiver
	Logger    *slog.Logger
}

func NewPaymentHandler(reconcile *services.ReconcileService, archive CallbackArchiver, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{Reconcile: reconcile, Archive: archive, Logger: logger}
}

// CreateInvoice handles POST /payments/invoice for the authenticated user.
func (h *PaymentHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		CourseID string `json:"course_id"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Reconcile.CreateInvoice(r.Context(), services.InvoiceRequest{UserID: userID, CourseID: req.CourseID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Status handles GET /payments/:id/status, one client poll tick.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	purchaseID := strings.TrimSpace(getParam(r, "id"))
	if purchaseID == "" {
		writeError(w, models.InvalidInputf("purchase id is required"))
		return
	}

	res, err := h.Reconcile.PollStatus(r.Context(), userID, purchaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// callbackPayload is what the gateway usually posts. It is informational only; the
// purchase is identified by the query parameter and the state is always re-checked.
type callbackPayload struct {
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	InvoiceID     string `json:"object_id"`
}

// Callback handles GET|POST /payments/qpay/callback?purchase_id=<uuid>.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger.With("op", "Callback")
	purchaseID := strings.TrimSpace(r.URL.Query().Get("purchase_id"))
	if _, err := uuid.Parse(purchaseID); err != nil {
		writeError(w, models.InvalidInputf("purchase_id must be a uuid"))
		return
	}
	logger = logger.With("purchase_id", purchaseID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("callback body unreadable", "err", err)
	}
	if len(body) > 0 {
		var payload callbackPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			logger.Debug("callback body is not json", "err", err)
		} else {
			logger.Info("callback received", "payment_id", payload.PaymentID, "payment_status", payload.PaymentStatus, "invoice_id", payload.InvoiceID)
		}
		if h.Archive != nil {
			if key, err := h.Archive.Store(r.Context(), purchaseID, body); err != nil {
				logger.Warn("callback archive failed", "err", err)
			} else {
				logger.Debug("callback archived", "key", key)
			}
		}
	}

	res, err := h.Reconcile.HandleStatusEvent(r.Context(), purchaseID)
	if err != nil {
		logger.Error("callback reconcile failed", "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
