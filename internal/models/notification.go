package models

import "time"

const (
	NotificationGrant   = "grant"
	NotificationRevoke  = "revoke"
	NotificationInfo    = "info"
	NotificationWarning = "warning"
)

// Notification is a per-user record surfaced by an external delivery mechanism.
type Notification struct {
	ID        string    `json:"id" firestore:"-"`
	Title     string    `json:"title" firestore:"title"`
	Body      string    `json:"body" firestore:"body"`
	Type      string    `json:"type" firestore:"type"`
	Link      string    `json:"link,omitempty" firestore:"link,omitempty"`
	Read      bool      `json:"read" firestore:"read"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt"`
}
