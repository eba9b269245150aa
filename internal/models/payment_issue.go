package models

import (
	"strings"
	"time"
)

const (
	IssueStatusOpen     = "open"
	IssueStatusResolved = "resolved"

	// IssueGeneralCourse keys issues that are not tied to a course.
	IssueGeneralCourse = "general"

	IssueReasonAmountMismatch = "amount_mismatch"
)

// IssueKey identifies the single active issue for a (user, course) pair.
type IssueKey struct {
	UserID   string
	CourseID string
}

// NewIssueKey normalizes an empty course id to IssueGeneralCourse.
func NewIssueKey(userID, courseID string) IssueKey {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		courseID = IssueGeneralCourse
	}
	return IssueKey{UserID: strings.TrimSpace(userID), CourseID: courseID}
}

var docIDEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "%2F")

// DocID is the composite document id used by the document store. Each part is
// escaped so the "_" separator is unambiguous; plain ids keep the "user_course" form.
func (k IssueKey) DocID() string {
	return docIDEscaper.Replace(k.UserID) + "_" + docIDEscaper.Replace(k.CourseID)
}

// PaymentIssue records a human escalation about a payment.
type PaymentIssue struct {
	UserID     string     `json:"user_id" firestore:"userId"`
	CourseID   string     `json:"course_id" firestore:"courseId"`
	Status     string     `json:"status" firestore:"status"`
	Reason     string     `json:"reason,omitempty" firestore:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at" firestore:"createdAt"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" firestore:"resolvedAt,omitempty"`
}

// Key returns the issue's composite key.
func (i PaymentIssue) Key() IssueKey {
	return NewIssueKey(i.UserID, i.CourseID)
}
