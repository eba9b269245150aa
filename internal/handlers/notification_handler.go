package handlers

import (
	"net/http"
	"strings"

	"coursepay/internal/models"
	"coursepay/internal/repositories"
)

type NotificationHandler struct {
	Store repositories.Store
}

func NewNotificationHandler(store repositories.Store) *NotificationHandler {
	return &NotificationHandler{Store: store}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.Store.ListNotifications(r.Context(), userID, limitParam(r, defaultListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := strings.TrimSpace(getParam(r, "id"))
	if id == "" {
		writeError(w, models.InvalidInputf("notification id is required"))
		return
	}
	if err := h.Store.MarkNotificationRead(r.Context(), userID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
