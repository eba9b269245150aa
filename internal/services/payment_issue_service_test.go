package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursepay/internal/models"
)

func TestOpenIssue_TwiceKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	env.issues.now = func() time.Time { return now }

	if _, err := env.issues.OpenIssue(ctx, "u1", "c1", "paid but locked"); err != nil {
		t.Fatalf("open: %v", err)
	}
	now = now.Add(time.Hour)
	issue, err := env.issues.OpenIssue(ctx, "u1", "c1", "still locked")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !issue.CreatedAt.Equal(now) || issue.Reason != "still locked" {
		t.Errorf("expected the record to be refreshed, got %+v", issue)
	}

	open, err := env.issues.OpenIssues(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected a single open issue, got %d", len(open))
	}
}

func TestIssueLifecycle_WithPaymentFix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.issues.OpenIssue(ctx, "u1", "c1", "paid twice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPaymentFix}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	issue, err := env.issues.ResolveIssue(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if issue.Status != models.IssueStatusResolved || issue.ResolvedAt == nil {
		t.Errorf("unexpected issue: %+v", issue)
	}

	open, _ := env.issues.HasOpenIssue(ctx, "u1", "c1")
	if open {
		t.Errorf("issue should be resolved")
	}
	users, err := env.issues.OpenIssueUsers(ctx, 10)
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	if _, ok := users["u1"]; ok {
		t.Errorf("u1 should not be flagged")
	}

	list := env.purchases(t, "u1")
	if len(list) != 1 || list[0].Reason != models.ReasonPaymentFix {
		t.Errorf("unexpected ledger: %+v", list)
	}
}

func TestIssue_GeneralKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue, err := env.issues.OpenIssue(ctx, "u2", "", "cannot log in")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if issue.CourseID != models.IssueGeneralCourse {
		t.Errorf("expected general course key, got %q", issue.CourseID)
	}
	open, err := env.issues.HasOpenIssue(ctx, "u2", "")
	if err != nil || !open {
		t.Fatalf("expected open general issue, got %v (%v)", open, err)
	}
	users, _ := env.issues.OpenIssueUsers(ctx, 0)
	if _, ok := users["u2"]; !ok || len(users) != 1 {
		t.Errorf("unexpected flagged users: %v", users)
	}
}

func TestIssue_ResolveUnknownCreatesResolvedRecord(t *testing.T) {
	env := newTestEnv(t)
	issue, err := env.issues.ResolveIssue(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if issue.Status != models.IssueStatusResolved {
		t.Errorf("unexpected status %q", issue.Status)
	}
}

func TestIssue_RequiresUser(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.issues.OpenIssue(context.Background(), " ", "c1", "x"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.issues.ResolveIssue(context.Background(), "", "c1"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIssue_KeysWithUnderscoresStayDistinct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.issues.OpenIssue(ctx, "a_b", "c", "locked"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.issues.ResolveIssue(ctx, "a", "b_c"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	open, err := env.issues.HasOpenIssue(ctx, "a_b", "c")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !open {
		t.Errorf("issue (a_b, c) was closed by resolving (a, b_c)")
	}
	list, err := env.issues.OpenIssues(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "a_b" || list[0].CourseID != "c" {
		t.Errorf("unexpected open issues: %+v", list)
	}
}
