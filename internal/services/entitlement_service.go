package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursepay/internal/models"
	"coursepay/internal/repositories"
)

type ChangeKind string

const (
	ChangeGrant  ChangeKind = "grant"
	ChangeRevoke ChangeKind = "revoke"
)

// EntitlementChange is one grant or revoke request. Reason is one of the manual reasons
// or models.ReasonPayment for the automated path, which must also carry SourcePurchaseID.
type EntitlementChange struct {
	Kind             ChangeKind
	UserID           string
	CourseID         string
	Reason           string
	SourcePurchaseID string

	// Notification overrides the default copy when set.
	Notification *models.Notification
}

type ChangeResult struct {
	PurchaseID     string `json:"purchase_id,omitempty"`
	NotificationID string `json:"notification_id"`
	// Changed is false when the set already had (or lacked) the course.
	Changed bool `json:"changed"`
}

// EntitlementService is the only writer of User.Entitlements and User.EntitlementDetail.
type EntitlementService struct {
	Store  repositories.Store
	Ledger *repositories.PurchaseLedger
	Logger *slog.Logger

	now func() time.Time
}

func NewEntitlementService(store repositories.Store, ledger *repositories.PurchaseLedger, logger *slog.Logger) *EntitlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementService{Store: store, Ledger: ledger, Logger: logger, now: time.Now}
}

func (c EntitlementChange) validate() error {
	if strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.CourseID) == "" {
		return models.InvalidInputf("user_id and course_id are required")
	}
	switch c.Kind {
	case ChangeGrant:
		if c.Reason == models.ReasonPayment {
			if c.SourcePurchaseID == "" {
				return models.InvalidInputf("payment grants need a source purchase")
			}
			return nil
		}
		if !models.IsManualGrantReason(c.Reason) {
			return models.InvalidInputf("unsupported grant reason %q", c.Reason)
		}
	case ChangeRevoke:
		if c.Reason != "" && c.Reason != models.ReasonRevoke {
			return models.InvalidInputf("unsupported revoke reason %q", c.Reason)
		}
	default:
		return models.InvalidInputf("unknown action %q", c.Kind)
	}
	return nil
}

// ApplyEntitlementChange runs the entitlement update, its ledger record and its
// notification as one transaction. Nothing is written when it fails.
func (s *EntitlementService) ApplyEntitlementChange(ctx context.Context, change EntitlementChange) (ChangeResult, error) {
	logger := s.Logger.With("op", "ApplyEntitlementChange", "kind", change.Kind, "user_id", change.UserID, "course_id", change.CourseID)
	change.UserID = strings.TrimSpace(change.UserID)
	change.CourseID = strings.TrimSpace(change.CourseID)
	if err := change.validate(); err != nil {
		return ChangeResult{}, err
	}

	var result ChangeResult
	err := s.Store.RunTransaction(ctx, func(ctx context.Context, tx repositories.TxReader) ([]repositories.Mutation, error) {
		result = ChangeResult{}
		user, err := tx.GetUser(ctx, change.UserID)
		if err != nil {
			return nil, err
		}
		if change.Kind == ChangeGrant {
			return s.grant(ctx, tx, user, change, &result)
		}
		return s.revoke(ctx, tx, user, change, &result)
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyApplied) {
			logger.Info("change already applied", "source_purchase_id", change.SourcePurchaseID)
		} else {
			logger.Error("entitlement change failed", "err", err)
		}
		return ChangeResult{}, err
	}
	logger.Info("entitlement change committed", "purchase_id", result.PurchaseID, "changed", result.Changed)
	return result, nil
}

func (s *EntitlementService) grant(ctx context.Context, tx repositories.TxReader, user models.User, change EntitlementChange, result *ChangeResult) ([]repositories.Mutation, error) {
	if user.GrantedBy(change.CourseID, change.SourcePurchaseID) {
		return nil, models.ErrAlreadyApplied
	}
	// a payment retry must not re-grant a course the user already holds, whatever
	// grant last touched the detail; the caller only has to settle the purchase
	if change.Reason == models.ReasonPayment && user.HasEntitlement(change.CourseID) {
		return nil, models.ErrAlreadyApplied
	}
	course, err := tx.GetCourse(ctx, change.CourseID)
	if err != nil {
		if !errors.Is(err, models.ErrCourseNotFound) {
			return nil, err
		}
		course = models.Course{ID: change.CourseID}
	}

	now := s.now().UTC()
	muts := []repositories.Mutation{
		repositories.GrantEntitlement{
			UserID:   user.ID,
			CourseID: change.CourseID,
			Detail: models.EntitlementDetail{
				Active:     true,
				Status:     models.EntitlementActive,
				GrantedAt:  &now,
				Source:     change.Reason,
				PurchaseID: change.SourcePurchaseID,
			},
		},
	}
	result.Changed = !user.HasEntitlement(change.CourseID)

	// payment grants are recorded by the pending purchase that gets settled afterwards
	if change.Reason != models.ReasonPayment {
		rec, err := s.Ledger.ManualEntry(user.ID, change.CourseID, change.Reason)
		if err != nil {
			return nil, err
		}
		muts = append(muts, repositories.InsertPurchase{Purchase: rec})
		result.PurchaseID = rec.ID
	} else {
		result.PurchaseID = change.SourcePurchaseID
	}

	n := notificationFor(change, course, now)
	muts = append(muts, repositories.InsertNotification{UserID: user.ID, Notification: n})
	result.NotificationID = n.ID
	return muts, nil
}

func (s *EntitlementService) revoke(ctx context.Context, tx repositories.TxReader, user models.User, change EntitlementChange, result *ChangeResult) ([]repositories.Mutation, error) {
	course, err := tx.GetCourse(ctx, change.CourseID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := s.Ledger.RevokeEntry(user.ID, change.CourseID)
	n := notificationFor(change, course, now)

	result.Changed = user.HasEntitlement(change.CourseID)
	result.PurchaseID = rec.ID
	result.NotificationID = n.ID
	return []repositories.Mutation{
		repositories.RevokeEntitlement{
			UserID:   user.ID,
			CourseID: change.CourseID,
			Detail: models.EntitlementDetail{
				Active:        false,
				Status:        models.EntitlementRevoked,
				RevokedAt:     &now,
				RevokedReason: models.RevokedReasonAdmin,
			},
		},
		repositories.InsertPurchase{Purchase: rec},
		repositories.InsertNotification{UserID: user.ID, Notification: n},
	}, nil
}

func notificationFor(change EntitlementChange, course models.Course, now time.Time) models.Notification {
	var n models.Notification
	if change.Notification != nil {
		n = *change.Notification
	} else {
		name := course.DisplayName()
		switch {
		case change.Kind == ChangeRevoke:
			n = models.Notification{Type: models.NotificationRevoke, Title: "Access removed",
				Body: fmt.Sprintf("Your access to %s has been revoked.", name)}
		case change.Reason == models.ReasonPromo:
			n = models.Notification{Type: models.NotificationGrant, Title: "Course unlocked",
				Body: fmt.Sprintf("You received access to %s as a gift.", name)}
		case change.Reason == models.ReasonPaymentFix:
			n = models.Notification{Type: models.NotificationGrant, Title: "Payment confirmed",
				Body: fmt.Sprintf("We sorted out your payment. %s is now unlocked.", name)}
		case change.Reason == models.ReasonSupport:
			n = models.Notification{Type: models.NotificationGrant, Title: "Access granted",
				Body: fmt.Sprintf("Support has opened %s for you.", name)}
		default:
			n = models.Notification{Type: models.NotificationGrant, Title: "Payment received",
				Body: fmt.Sprintf("Thank you! %s is now unlocked.", name)}
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = models.NotificationInfo
	}
	if n.Link == "" {
		n.Link = "/courses/" + course.ID
	}
	n.Read = false
	n.CreatedAt = now
	return n
}
