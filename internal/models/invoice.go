package models

import (
	"time"
)

const (
	PurchaseStatusPending       = "pending"
	PurchaseStatusPaid          = "paid"
	PurchaseStatusManual        = "manual"
	PurchaseStatusRevokedManual = "revoked_manual"
	PurchaseStatusRefunded      = "refunded"

	ProviderQPay   = "qpay"
	ProviderManual = "manual"
)

// Manual operation reasons. ReasonPayment marks the automated gateway path.
const (
	ReasonPromo      = "promo"
	ReasonPaymentFix = "payment_fix"
	ReasonSupport    = "support"
	ReasonRevoke     = "revoke"
	ReasonPayment    = "payment"
)

// Purchase is one ledger record. It is never deleted.
type Purchase struct {
	ID               string     `json:"id" firestore:"-"`
	UserID           string     `json:"user_id" firestore:"userId"`
	CourseID         string     `json:"course_id" firestore:"courseId"`
	Status           string     `json:"status" firestore:"status"`
	Provider         string     `json:"provider" firestore:"provider"`
	Amount           int64      `json:"amount" firestore:"amount"`
	Currency         string     `json:"currency,omitempty" firestore:"currency,omitempty"`
	Reason           string     `json:"reason,omitempty" firestore:"reason,omitempty"`
	GatewayInvoiceID string     `json:"gateway_invoice_id,omitempty" firestore:"gatewayInvoiceId,omitempty"`
	GatewayPaymentID string     `json:"gateway_payment_id,omitempty" firestore:"gatewayPaymentId,omitempty"`
	PaidAmount       int64      `json:"paid_amount,omitempty" firestore:"paidAmount,omitempty"`
	CreatedAt        time.Time  `json:"created_at" firestore:"createdAt"`
	PaidAt           *time.Time `json:"paid_at,omitempty" firestore:"paidAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" firestore:"resolvedAt,omitempty"`
}

// Settlement is the payment metadata written when a pending purchase is closed as paid.
type Settlement struct {
	PaymentID  string
	PaidAt     time.Time
	PaidAmount int64
}

// IsManualGrantReason reports whether reason is accepted for an administrative grant.
func IsManualGrantReason(reason string) bool {
	switch reason {
	case ReasonPromo, ReasonPaymentFix, ReasonSupport:
		return true
	}
	return false
}
