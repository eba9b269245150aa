package handlers

import (
	"net/http"

	"coursepay/internal/repositories"
)

const defaultListLimit = 20

type PurchaseHandler struct {
	Ledger *repositories.PurchaseLedger
}

func NewPurchaseHandler(ledger *repositories.PurchaseLedger) *PurchaseHandler {
	return &PurchaseHandler{Ledger: ledger}
}

// Mine handles GET /purchases/me.
func (h *PurchaseHandler) Mine(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.Ledger.ByUser(r.Context(), userID, limitParam(r, defaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Recent handles GET /admin/purchases.
func (h *PurchaseHandler) Recent(w http.ResponseWriter, r *http.Request) {
	list, err := h.Ledger.Recent(r.Context(), limitParam(r, defaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
