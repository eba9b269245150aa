package models

import (
	"slices"
	"time"
)

const (
	EntitlementActive  = "ACTIVE"
	EntitlementRevoked = "REVOKED"

	RevokedReasonAdmin = "admin_revoke"
)

// User is the part of the identity profile owned by the entitlement core.
type User struct {
	ID                string                       `json:"id" firestore:"-"`
	Entitlements      []string                     `json:"entitlements" firestore:"entitlements"`
	EntitlementDetail map[string]EntitlementDetail `json:"entitlement_detail,omitempty" firestore:"entitlementDetail"`
}

// EntitlementDetail describes the state of one course entitlement.
type EntitlementDetail struct {
	Active        bool       `json:"active" firestore:"active"`
	Status        string     `json:"status" firestore:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" firestore:"expiresAt,omitempty"`
	GrantedAt     *time.Time `json:"granted_at,omitempty" firestore:"grantedAt,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" firestore:"revokedAt,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty" firestore:"revokedReason,omitempty"`
	Source        string     `json:"source,omitempty" firestore:"source,omitempty"`
	PurchaseID    string     `json:"purchase_id,omitempty" firestore:"purchaseId,omitempty"`
}

// HasEntitlement reports whether courseID is in the user's entitlement set.
func (u User) HasEntitlement(courseID string) bool {
	return slices.Contains(u.Entitlements, courseID)
}

// GrantedBy reports whether the current grant for courseID came from purchaseID.
func (u User) GrantedBy(courseID, purchaseID string) bool {
	if purchaseID == "" {
		return false
	}
	d, ok := u.EntitlementDetail[courseID]
	return ok && d.Active && d.PurchaseID == purchaseID
}

// AddEntitlement returns the set with courseID added. Already present ids are kept once.
func AddEntitlement(set []string, courseID string) []string {
	if slices.Contains(set, courseID) {
		return slices.Clone(set)
	}
	return append(slices.Clone(set), courseID)
}

// RemoveEntitlement returns the set without courseID.
func RemoveEntitlement(set []string, courseID string) []string {
	out := make([]string, 0, len(set))
	for _, id := range set {
		if id != courseID {
			out = append(out, id)
		}
	}
	return out
}

// Course is read-only catalog data owned by the content subsystem.
type Course struct {
	ID    string `json:"id" firestore:"-"`
	Title string `json:"title" firestore:"title"`
	Price int64  `json:"price" firestore:"price"`
}

// DisplayName falls back to the id when the catalog has no title.
func (c Course) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	return c.ID
}
