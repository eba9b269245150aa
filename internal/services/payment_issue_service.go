package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"coursepay/internal/models"
	"coursepay/internal/repositories"
)

const maxIssueListing = 500

// PaymentIssueService tracks human escalations, one record per (user, course).
type PaymentIssueService struct {
	Store  repositories.Store
	Logger *slog.Logger

	now func() time.Time
}

func NewPaymentIssueService(store repositories.Store, logger *slog.Logger) *PaymentIssueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentIssueService{Store: store, Logger: logger, now: time.Now}
}

// OpenIssue marks the issue open again, refreshing its creation time.
func (s *PaymentIssueService) OpenIssue(ctx context.Context, userID, courseID, reason string) (models.PaymentIssue, error) {
	key := models.NewIssueKey(userID, courseID)
	if key.UserID == "" {
		return models.PaymentIssue{}, models.InvalidInputf("user_id is required")
	}
	if err := s.Store.OpenIssue(ctx, key, strings.TrimSpace(reason), s.now().UTC()); err != nil {
		return models.PaymentIssue{}, err
	}
	s.Logger.Info("payment issue opened", "op", "OpenIssue", "user_id", key.UserID, "course_id", key.CourseID, "reason", reason)
	return s.Store.GetIssue(ctx, key)
}

func (s *PaymentIssueService) ResolveIssue(ctx context.Context, userID, courseID string) (models.PaymentIssue, error) {
	key := models.NewIssueKey(userID, courseID)
	if key.UserID == "" {
		return models.PaymentIssue{}, models.InvalidInputf("user_id is required")
	}
	if err := s.Store.ResolveIssue(ctx, key, s.now().UTC()); err != nil {
		return models.PaymentIssue{}, err
	}
	s.Logger.Info("payment issue resolved", "op", "ResolveIssue", "user_id", key.UserID, "course_id", key.CourseID)
	return s.Store.GetIssue(ctx, key)
}

func (s *PaymentIssueService) OpenIssues(ctx context.Context, limit int) ([]models.PaymentIssue, error) {
	if limit <= 0 || limit > maxIssueListing {
		limit = maxIssueListing
	}
	return s.Store.ListOpenIssues(ctx, limit)
}

// OpenIssueUsers returns the set of users with at least one open issue.
func (s *PaymentIssueService) OpenIssueUsers(ctx context.Context, limit int) (map[string]struct{}, error) {
	issues, err := s.OpenIssues(ctx, limit)
	if err != nil {
		return nil, err
	}
	users := make(map[string]struct{}, len(issues))
	for _, issue := range issues {
		users[issue.UserID] = struct{}{}
	}
	return users, nil
}

func (s *PaymentIssueService) HasOpenIssue(ctx context.Context, userID, courseID string) (bool, error) {
	issue, err := s.Store.GetIssue(ctx, models.NewIssueKey(userID, courseID))
	if errors.Is(err, models.ErrIssueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return issue.Status == models.IssueStatusOpen, nil
}
