package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursepay/internal/models"
)

func TestGrant_ManualReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Changed || res.PurchaseID == "" || res.NotificationID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	u := env.user(t, "u1")
	if !u.HasEntitlement("c1") {
		t.Fatalf("expected c1 in entitlements, got %v", u.Entitlements)
	}
	d := u.EntitlementDetail["c1"]
	if !d.Active || d.Status != models.EntitlementActive || d.Source != models.ReasonPromo || d.GrantedAt == nil {
		t.Errorf("unexpected detail: %+v", d)
	}

	list := env.purchases(t, "u1")
	if len(list) != 1 || list[0].Status != models.PurchaseStatusManual || list[0].Amount != 0 || list[0].Reason != models.ReasonPromo {
		t.Fatalf("unexpected ledger: %+v", list)
	}
	notes := env.notifications(t, "u1")
	if len(notes) != 1 || notes[0].Type != models.NotificationGrant || notes[0].Link != "/courses/c1" || notes[0].Read {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestGrant_AlreadyHeldIsIdempotentForTheSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	change := EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonSupport}

	if _, err := env.entitlements.ApplyEntitlementChange(ctx, change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := env.entitlements.ApplyEntitlementChange(ctx, change)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Changed {
		t.Errorf("second grant should not change the set")
	}
	if got := env.user(t, "u1").Entitlements; len(got) != 1 {
		t.Errorf("expected a single entry, got %v", got)
	}
}

func TestGrant_UnknownUserWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.entitlements.ApplyEntitlementChange(context.Background(), EntitlementChange{Kind: ChangeGrant, UserID: "ghost", CourseID: "c1", Reason: models.ReasonPromo})
	if !errors.Is(err, models.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	all, _ := env.ledger.Recent(context.Background(), 50)
	if len(all) != 0 {
		t.Errorf("expected no ledger records, got %d", len(all))
	}
}

func TestGrant_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]EntitlementChange{
		"missing user":           {Kind: ChangeGrant, CourseID: "c1", Reason: models.ReasonPromo},
		"missing course":         {Kind: ChangeGrant, UserID: "u1", Reason: models.ReasonPromo},
		"unknown reason":         {Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: "birthday"},
		"payment without src":    {Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPayment},
		"unknown kind":           {Kind: "extend", UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo},
		"revoke with bad reason": {Kind: ChangeRevoke, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo},
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.entitlements.ApplyEntitlementChange(context.Background(), change)
			if !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRevoke_NotHeld(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.entitlements.ApplyEntitlementChange(context.Background(), EntitlementChange{Kind: ChangeRevoke, UserID: "u1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Changed {
		t.Errorf("revoke of a course not held should not report a change")
	}
	u := env.user(t, "u1")
	if len(u.Entitlements) != 0 {
		t.Errorf("entitlements changed: %v", u.Entitlements)
	}
	list := env.purchases(t, "u1")
	if len(list) != 1 || list[0].Status != models.PurchaseStatusRevokedManual || list[0].Reason != models.ReasonRevoke {
		t.Errorf("unexpected ledger: %+v", list)
	}
}

func TestRevoke_UnknownCourse(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.entitlements.ApplyEntitlementChange(context.Background(), EntitlementChange{Kind: ChangeRevoke, UserID: "u1", CourseID: "nope"})
	if !errors.Is(err, models.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	if n := env.notifications(t, "u1"); len(n) != 0 {
		t.Errorf("expected no notifications, got %d", len(n))
	}
}

func TestRevoke_ClearsLegacyDetail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	env.store.PutLegacyDetail("u1", "c1")

	if _, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{Kind: ChangeRevoke, UserID: "u1", CourseID: "c1"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if env.store.HasLegacyDetail("u1", "c1") {
		t.Errorf("legacy detail survived the revoke")
	}
	d := env.user(t, "u1").EntitlementDetail["c1"]
	if d.Active || d.Status != models.EntitlementRevoked || d.RevokedReason != models.RevokedReasonAdmin || d.RevokedAt == nil {
		t.Errorf("unexpected detail after revoke: %+v", d)
	}
}

func TestGrantRevokeGrant_LedgerOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	steps := []EntitlementChange{
		{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo},
		{Kind: ChangeRevoke, UserID: "u1", CourseID: "c1"},
		{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonSupport},
	}
	for i, step := range steps {
		if _, err := env.entitlements.ApplyEntitlementChange(ctx, step); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if !env.user(t, "u1").HasEntitlement("c1") {
		t.Fatalf("expected course to be held")
	}
	list := env.purchases(t, "u1")
	want := []string{models.PurchaseStatusManual, models.PurchaseStatusRevokedManual, models.PurchaseStatusManual}
	if len(list) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(list))
	}
	// newest first
	for i, status := range want {
		if got := list[len(list)-1-i].Status; got != status {
			t.Errorf("record %d status = %s, want %s", i, got, status)
		}
	}
	if n := env.notifications(t, "u1"); len(n) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(n))
	}
}

func TestPaymentGrant_DedupBySourcePurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	change := EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPayment, SourcePurchaseID: "p-1"}

	if _, err := env.entitlements.ApplyEntitlementChange(ctx, change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.entitlements.ApplyEntitlementChange(ctx, change)
	if !errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if n := env.notifications(t, "u1"); len(n) != 1 {
		t.Errorf("expected 1 notification, got %d", len(n))
	}
	if list := env.purchases(t, "u1"); len(list) != 0 {
		t.Errorf("payment grants must not add ledger rows, got %d", len(list))
	}
}

func TestPaymentGrant_SkippedWhenCourseAlreadyHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo}); err != nil {
		t.Fatalf("promo grant: %v", err)
	}

	_, err := env.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{
		Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPayment, SourcePurchaseID: "p-2",
	})
	if !errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if n := env.notifications(t, "u1"); len(n) != 1 {
		t.Errorf("expected 1 notification, got %d", len(n))
	}
	if src := env.user(t, "u1").EntitlementDetail["c1"].Source; src != models.ReasonPromo {
		t.Errorf("source = %q, want %q", src, models.ReasonPromo)
	}
}

func TestApply_RetriesOnConflict(t *testing.T) {
	env := newTestEnv(t)
	env.store.CommitHook = func(attempt int) {
		if attempt == 1 {
			// a concurrent writer touches the same user between read and commit
			env.store.PutUser(models.User{ID: "u1", Entitlements: []string{"other"}})
		}
	}

	if _, err := env.entitlements.ApplyEntitlementChange(context.Background(), EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := env.user(t, "u1")
	if !u.HasEntitlement("c1") || !u.HasEntitlement("other") {
		t.Errorf("expected both entitlements, got %v", u.Entitlements)
	}
	if n := env.notifications(t, "u1"); len(n) != 1 {
		t.Errorf("expected exactly 1 notification, got %d", len(n))
	}
	if list := env.purchases(t, "u1"); len(list) != 1 {
		t.Errorf("expected exactly 1 ledger record, got %d", len(list))
	}
}

func TestApply_ConflictExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.store.CommitHook = func(int) {
		env.store.PutUser(models.User{ID: "u1"})
	}

	_, err := env.entitlements.ApplyEntitlementChange(context.Background(), EntitlementChange{Kind: ChangeGrant, UserID: "u1", CourseID: "c1", Reason: models.ReasonPromo})
	if !errors.Is(err, models.ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict, got %v", err)
	}
	env.store.CommitHook = nil
	if env.user(t, "u1").HasEntitlement("c1") {
		t.Errorf("no attempt should have committed")
	}
	if list := env.purchases(t, "u1"); len(list) != 0 {
		t.Errorf("expected no ledger records, got %d", len(list))
	}
}

func TestNotificationCopyPerReason(t *testing.T) {
	course := models.Course{ID: "c1", Title: "Go basics"}
	seen := map[string]bool{}
	for _, reason := range []string{models.ReasonPromo, models.ReasonPaymentFix, models.ReasonSupport, models.ReasonPayment} {
		n := notificationFor(EntitlementChange{Kind: ChangeGrant, Reason: reason}, course, time.Time{})
		if n.Type != models.NotificationGrant {
			t.Errorf("%s: type = %s", reason, n.Type)
		}
		if seen[n.Body] {
			t.Errorf("%s: copy is not specific to the reason", reason)
		}
		seen[n.Body] = true
	}
	n := notificationFor(EntitlementChange{Kind: ChangeRevoke}, course, time.Time{})
	if n.Type != models.NotificationRevoke || n.Link != "/courses/c1" {
		t.Errorf("unexpected revoke notification: %+v", n)
	}
}
