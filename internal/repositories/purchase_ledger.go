package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursepay/internal/models"
)

const ledgerMaxLimit = 50

// PendingPurchase carries what the driver knows when an invoice was issued.
type PendingPurchase struct {
	ID        string
	UserID    string
	CourseID  string
	Amount    int64
	Currency  string
	InvoiceID string
}

// PurchaseLedger is the append-only purchase record store. It does no deduplication;
// callers decide when a record is warranted.
type PurchaseLedger struct {
	store Store
	now   func() time.Time
}

func NewPurchaseLedger(store Store) *PurchaseLedger {
	return &PurchaseLedger{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (l *PurchaseLedger) WithClock(now func() time.Time) *PurchaseLedger {
	l.now = now
	return l
}

// CreatePending records an issued gateway invoice.
func (l *PurchaseLedger) CreatePending(ctx context.Context, p PendingPurchase) (string, error) {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.CourseID) == "" {
		return "", models.InvalidInputf("user_id and course_id are required")
	}
	if p.Amount < 0 {
		return "", models.InvalidInputf("amount must not be negative")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := models.Purchase{
		ID:               id,
		UserID:           p.UserID,
		CourseID:         p.CourseID,
		Status:           models.PurchaseStatusPending,
		Provider:         models.ProviderQPay,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Reason:           models.ReasonPayment,
		GatewayInvoiceID: p.InvoiceID,
		CreatedAt:        l.now().UTC(),
	}
	if err := l.store.InsertPurchase(ctx, rec); err != nil {
		return "", fmt.Errorf("create pending purchase: %w", err)
	}
	return id, nil
}

// ManualEntry builds the record of an administrative grant without writing it.
func (l *PurchaseLedger) ManualEntry(userID, courseID, reason string) (models.Purchase, error) {
	if !models.IsManualGrantReason(reason) {
		return models.Purchase{}, models.InvalidInputf("unsupported manual reason %q", reason)
	}
	return l.entry(userID, courseID, models.PurchaseStatusManual, reason), nil
}

// RevokeEntry builds the record of an administrative revoke without writing it.
func (l *PurchaseLedger) RevokeEntry(userID, courseID string) models.Purchase {
	return l.entry(userID, courseID, models.PurchaseStatusRevokedManual, models.ReasonRevoke)
}

func (l *PurchaseLedger) entry(userID, courseID, status, reason string) models.Purchase {
	now := l.now().UTC()
	return models.Purchase{
		ID:         uuid.NewString(),
		UserID:     userID,
		CourseID:   courseID,
		Status:     status,
		Provider:   models.ProviderManual,
		Amount:     0,
		Reason:     reason,
		CreatedAt:  now,
		ResolvedAt: &now,
	}
}

// RecordManual writes a manual grant record outside of any entitlement transaction.
func (l *PurchaseLedger) RecordManual(ctx context.Context, userID, courseID, reason string) (string, error) {
	rec, err := l.ManualEntry(userID, courseID, reason)
	if err != nil {
		return "", err
	}
	if err := l.store.InsertPurchase(ctx, rec); err != nil {
		return "", fmt.Errorf("record manual purchase: %w", err)
	}
	return rec.ID, nil
}

// RecordRevoke writes a revoke record outside of any entitlement transaction.
func (l *PurchaseLedger) RecordRevoke(ctx context.Context, userID, courseID string) (string, error) {
	rec := l.RevokeEntry(userID, courseID)
	if err := l.store.InsertPurchase(ctx, rec); err != nil {
		return "", fmt.Errorf("record revoke: %w", err)
	}
	return rec.ID, nil
}

// Settle closes a pending purchase as paid.
func (l *PurchaseLedger) Settle(ctx context.Context, purchaseID string, s models.Settlement) error {
	if s.PaidAt.IsZero() {
		s.PaidAt = l.now().UTC()
	}
	return l.store.SettlePurchase(ctx, purchaseID, s)
}

func (l *PurchaseLedger) Get(ctx context.Context, purchaseID string) (models.Purchase, error) {
	return l.store.GetPurchase(ctx, purchaseID)
}

// Recent lists the newest records across all users.
func (l *PurchaseLedger) Recent(ctx context.Context, limit int) ([]models.Purchase, error) {
	return l.store.ListPurchases(ctx, PurchaseFilter{Limit: ledgerLimit(limit)})
}

// ByUser lists the newest records of one user.
func (l *PurchaseLedger) ByUser(ctx context.Context, userID string, limit int) ([]models.Purchase, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.InvalidInputf("user_id is required")
	}
	return l.store.ListPurchases(ctx, PurchaseFilter{UserID: userID, Limit: ledgerLimit(limit)})
}

func ledgerLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > ledgerMaxLimit {
		return ledgerMaxLimit
	}
	return limit
}
