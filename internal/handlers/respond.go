package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"coursepay/internal/models"
	"coursepay/internal/services"
	"coursepay/utils"
)

const maxBodyBytes = 64 << 10

// errorStatus maps domain errors onto HTTP status codes. Gateway 4xx responses are
// passed through unless they came from the token exchange; every other gateway
// failure is a bad gateway.
func errorStatus(err error) int {
	var apiErr *services.QPayError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrCourseNotFound),
		errors.Is(err, models.ErrPurchaseNotFound),
		errors.Is(err, models.ErrIssueNotFound),
		errors.Is(err, models.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyEntitled):
		return http.StatusConflict
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrTransactionConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrAuthFailure):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, models.ErrGatewayRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeStrict decodes exactly one JSON object and rejects unknown fields.
func decodeStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.InvalidInputf("invalid request body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return models.InvalidInputf("request body must contain a single JSON object")
	}
	return nil
}

func requireUser(r *http.Request) (string, error) {
	id, ok := utils.UserIDFrom(r.Context())
	if !ok {
		return "", fmt.Errorf("%w: missing caller identity", models.ErrForbidden)
	}
	return id, nil
}
