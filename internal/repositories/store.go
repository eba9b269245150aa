package repositories

import (
	"context"
	"fmt"
	"time"

	"coursepay/internal/models"
)

// DefaultMaxAttempts bounds automatic transaction retries on write conflicts.
const DefaultMaxAttempts = 5

const maxListLimit = 500

// TxReader exposes the reads allowed inside a transaction.
type TxReader interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetCourse(ctx context.Context, courseID string) (models.Course, error)
}

// TxFunc inspects state through the reader and returns the writes to commit.
// It may run more than once and must not have side effects of its own.
type TxFunc func(ctx context.Context, tx TxReader) ([]Mutation, error)

// Mutation is a write intent produced by a TxFunc and applied by the store adapter.
type Mutation interface {
	isMutation()
}

// GrantEntitlement adds CourseID to the user's set and replaces its detail.
type GrantEntitlement struct {
	UserID   string
	CourseID string
	Detail   models.EntitlementDetail
}

// RevokeEntitlement removes CourseID from the user's set, replaces its detail and
// deletes any legacy flat "entitlementDetail.<course>" field.
type RevokeEntitlement struct {
	UserID   string
	CourseID string
	Detail   models.EntitlementDetail
}

// InsertPurchase appends a ledger record.
type InsertPurchase struct {
	Purchase models.Purchase
}

// InsertNotification appends a notification to the user's sub-collection.
type InsertNotification struct {
	UserID       string
	Notification models.Notification
}

func (GrantEntitlement) isMutation()   {}
func (RevokeEntitlement) isMutation()  {}
func (InsertPurchase) isMutation()     {}
func (InsertNotification) isMutation() {}

// PurchaseFilter narrows ledger listings. Results are newest first.
type PurchaseFilter struct {
	UserID string
	Limit  int
}

// Store is implemented by every persistence adapter.
type Store interface {
	RunTransaction(ctx context.Context, fn TxFunc) error

	GetUser(ctx context.Context, userID string) (models.User, error)
	GetCourse(ctx context.Context, courseID string) (models.Course, error)

	InsertPurchase(ctx context.Context, p models.Purchase) error
	GetPurchase(ctx context.Context, purchaseID string) (models.Purchase, error)
	SettlePurchase(ctx context.Context, purchaseID string, s models.Settlement) error
	ListPurchases(ctx context.Context, f PurchaseFilter) ([]models.Purchase, error)

	OpenIssue(ctx context.Context, key models.IssueKey, reason string, at time.Time) error
	ResolveIssue(ctx context.Context, key models.IssueKey, at time.Time) error
	GetIssue(ctx context.Context, key models.IssueKey) (models.PaymentIssue, error)
	ListOpenIssues(ctx context.Context, limit int) ([]models.PaymentIssue, error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
}

// retryOnConflict runs attempt until it succeeds, fails with a non-conflict error,
// or maxAttempts conflicts were observed.
func retryOnConflict(ctx context.Context, maxAttempts int, isConflict func(error) bool, attempt func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			backoff := time.Duration(i) * 5 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", models.ErrTransactionConflict, maxAttempts, lastErr)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
