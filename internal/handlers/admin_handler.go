package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"coursepay/internal/models"
	"coursepay/internal/services"
	"coursepay/utils"
)

const maxAdminListLimit = 500

type AdminHandler struct {
	entitlements *services.EntitlementService
	issues       *services.PaymentIssueService
	Logger       *slog.Logger
}

func NewAdminHandler(entitlements *services.EntitlementService, issues *services.PaymentIssueService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{entitlements: entitlements, issues: issues, Logger: logger}
}

type notificationOverride struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Type  string `json:"type"`
	Link  string `json:"link"`
}

type entitlementRequest struct {
	Action       string                `json:"action"`
	UserID       string                `json:"user_id"`
	CourseID     string                `json:"course_id"`
	Reason       string                `json:"reason"`
	Notification *notificationOverride `json:"notification,omitempty"`
}

func (req entitlementRequest) change() (services.EntitlementChange, error) {
	change := services.EntitlementChange{
		UserID:   req.UserID,
		CourseID: req.CourseID,
		Reason:   req.Reason,
	}
	switch req.Action {
	case "grant":
		change.Kind = services.ChangeGrant
		if req.Reason == models.ReasonPayment {
			return services.EntitlementChange{}, models.InvalidInputf("reason %q is reserved for gateway payments", req.Reason)
		}
	case "revoke":
		change.Kind = services.ChangeRevoke
	default:
		return services.EntitlementChange{}, models.InvalidInputf("action must be grant or revoke, got %q", req.Action)
	}
	if n := req.Notification; n != nil {
		switch n.Type {
		case "", models.NotificationGrant, models.NotificationRevoke, models.NotificationInfo, models.NotificationWarning:
		default:
			return services.EntitlementChange{}, models.InvalidInputf("unsupported notification type %q", n.Type)
		}
		change.Notification = &models.Notification{Title: n.Title, Body: n.Body, Type: n.Type, Link: n.Link}
	}
	return change, nil
}

// Entitlements handles POST /admin/entitlements.
func (h *AdminHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	var req entitlementRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	change, err := req.change()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.entitlements.ApplyEntitlementChange(r.Context(), change)
	if err != nil {
		h.Logger.Error("admin entitlement change failed", "op", "Entitlements",
			"action", req.Action, "user_id", req.UserID, "course_id", req.CourseID, "err", err)
		writeError(w, err)
		return
	}
	h.audit(r, "Entitlements", "action", req.Action, "user_id", change.UserID, "course_id", change.CourseID,
		"reason", req.Reason, "changed", res.Changed)
	writeJSON(w, http.StatusOK, res)
}

// audit logs who performed an administrative write.
func (h *AdminHandler) audit(r *http.Request, op string, args ...any) {
	actor, _ := utils.UserIDFrom(r.Context())
	args = append([]any{"op", op, "actor", actor, "role", utils.RoleFrom(r.Context())}, args...)
	h.Logger.Info("admin change applied", args...)
}

type issueRequest struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
	Reason   string `json:"reason"`
	Status   string `json:"status"`
}

// Issues handles POST /admin/issues.
func (h *AdminHandler) Issues(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		issue models.PaymentIssue
		err   error
	)
	switch req.Status {
	case "", models.IssueStatusOpen:
		issue, err = h.issues.OpenIssue(r.Context(), req.UserID, req.CourseID, req.Reason)
	case models.IssueStatusResolved:
		issue, err = h.issues.ResolveIssue(r.Context(), req.UserID, req.CourseID)
	default:
		err = models.InvalidInputf("status must be open or resolved, got %q", req.Status)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit(r, "Issues", "user_id", issue.UserID, "course_id", issue.CourseID, "status", issue.Status)
	writeJSON(w, http.StatusOK, issue)
}

type openIssueLookup struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id,omitempty"`
	Open     bool   `json:"open"`
}

// OpenIssues handles GET /admin/issues/open. With ?user_id= it answers whether that
// user has an open issue, narrowed to one course when ?course_id= is also given.
func (h *AdminHandler) OpenIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if userID := strings.TrimSpace(q.Get("user_id")); userID != "" {
		h.lookupOpenIssue(w, r, userID, strings.TrimSpace(q.Get("course_id")))
		return
	}
	issues, err := h.issues.OpenIssues(r.Context(), limitParam(r, maxAdminListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h *AdminHandler) lookupOpenIssue(w http.ResponseWriter, r *http.Request, userID, courseID string) {
	res := openIssueLookup{UserID: userID, CourseID: courseID}
	if courseID != "" {
		open, err := h.issues.HasOpenIssue(r.Context(), userID, courseID)
		if err != nil {
			writeError(w, err)
			return
		}
		res.Open = open
		writeJSON(w, http.StatusOK, res)
		return
	}
	users, err := h.issues.OpenIssueUsers(r.Context(), limitParam(r, maxAdminListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	_, res.Open = users[userID]
	writeJSON(w, http.StatusOK, res)
}
