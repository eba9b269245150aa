package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"coursepay/internal/fsm"
	"coursepay/internal/models"
)

const (
	usersCollection         = "users"
	coursesCollection       = "courses"
	purchasesCollection     = "purchases"
	issuesCollection        = "paymentIssues"
	notificationsCollection = "notifications"
)

// FirestoreStore is the document store adapter. Users and courses are shared with other
// subsystems; purchases, paymentIssues and users/{uid}/notifications are owned here.
type FirestoreStore struct {
	Client      *firestore.Client
	maxAttempts int
}

// NewFirestoreStore bootstraps a Firebase app and opens its Firestore client.
// An empty credentialsFile falls back to application default credentials.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string, maxAttempts int) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore: %w", err)
	}
	return &FirestoreStore{Client: client, maxAttempts: maxAttempts}, nil
}

func (s *FirestoreStore) attempts() int {
	if s.maxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.maxAttempts
}

func (s *FirestoreStore) Close() error {
	return s.Client.Close()
}

type firestoreTxReader struct {
	s  *FirestoreStore
	tx *firestore.Transaction
}

func (r *firestoreTxReader) GetUser(_ context.Context, userID string) (models.User, error) {
	snap, err := r.tx.Get(r.s.Client.Collection(usersCollection).Doc(userID))
	return decodeUser(snap, err)
}

// GetCourse reads outside the transaction: the catalog is read-only for this service.
func (r *firestoreTxReader) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	return r.s.GetCourse(ctx, courseID)
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		muts, err := fn(ctx, &firestoreTxReader{s: s, tx: tx})
		if err != nil {
			return err
		}
		for _, m := range muts {
			if err := s.apply(tx, m); err != nil {
				return err
			}
		}
		return nil
	}, firestore.MaxAttempts(s.attempts()))
	if err != nil && status.Code(err) == codes.Aborted {
		return fmt.Errorf("%w: %v", models.ErrTransactionConflict, err)
	}
	return err
}

func (s *FirestoreStore) apply(tx *firestore.Transaction, m Mutation) error {
	switch m := m.(type) {
	case GrantEntitlement:
		ref := s.Client.Collection(usersCollection).Doc(m.UserID)
		return tx.Update(ref, entitlementUpdates(m.CourseID, m.Detail, firestore.ArrayUnion(m.CourseID)))
	case RevokeEntitlement:
		ref := s.Client.Collection(usersCollection).Doc(m.UserID)
		return tx.Update(ref, entitlementUpdates(m.CourseID, m.Detail, firestore.ArrayRemove(m.CourseID)))
	case InsertPurchase:
		return tx.Create(s.Client.Collection(purchasesCollection).Doc(m.Purchase.ID), m.Purchase)
	case InsertNotification:
		id := m.Notification.ID
		if id == "" {
			id = uuid.NewString()
		}
		ref := s.Client.Collection(usersCollection).Doc(m.UserID).Collection(notificationsCollection).Doc(id)
		return tx.Create(ref, m.Notification)
	default:
		return fmt.Errorf("firestore store: unsupported mutation %T", m)
	}
}

// entitlementUpdates writes the nested detail map entry and deletes the flat
// "entitlementDetail.<course>" field older clients produced.
func entitlementUpdates(courseID string, d models.EntitlementDetail, setOp any) []firestore.Update {
	return []firestore.Update{
		{Path: "entitlements", Value: setOp},
		{FieldPath: firestore.FieldPath{"entitlementDetail", courseID}, Value: d},
		{FieldPath: firestore.FieldPath{"entitlementDetail." + courseID}, Value: firestore.Delete},
	}
}

func decodeUser(snap *firestore.DocumentSnapshot, err error) (models.User, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, err
	}
	var u models.User
	if err := snap.DataTo(&u); err != nil {
		return models.User{}, fmt.Errorf("decode user %s: %w", snap.Ref.ID, err)
	}
	u.ID = snap.Ref.ID
	return u, nil
}

func (s *FirestoreStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	snap, err := s.Client.Collection(usersCollection).Doc(userID).Get(ctx)
	return decodeUser(snap, err)
}

func (s *FirestoreStore) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	snap, err := s.Client.Collection(coursesCollection).Doc(courseID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Course{}, models.ErrCourseNotFound
		}
		return models.Course{}, err
	}
	var c models.Course
	if err := snap.DataTo(&c); err != nil {
		return models.Course{}, fmt.Errorf("decode course %s: %w", courseID, err)
	}
	c.ID = snap.Ref.ID
	return c, nil
}

func (s *FirestoreStore) InsertPurchase(ctx context.Context, p models.Purchase) error {
	_, err := s.Client.Collection(purchasesCollection).Doc(p.ID).Create(ctx, p)
	return err
}

func decodePurchase(snap *firestore.DocumentSnapshot) (models.Purchase, error) {
	var p models.Purchase
	if err := snap.DataTo(&p); err != nil {
		return models.Purchase{}, fmt.Errorf("decode purchase %s: %w", snap.Ref.ID, err)
	}
	p.ID = snap.Ref.ID
	return p, nil
}

func (s *FirestoreStore) GetPurchase(ctx context.Context, purchaseID string) (models.Purchase, error) {
	snap, err := s.Client.Collection(purchasesCollection).Doc(purchaseID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Purchase{}, models.ErrPurchaseNotFound
		}
		return models.Purchase{}, err
	}
	return decodePurchase(snap)
}

func (s *FirestoreStore) SettlePurchase(ctx context.Context, purchaseID string, st models.Settlement) error {
	ref := s.Client.Collection(purchasesCollection).Doc(purchaseID)
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return models.ErrPurchaseNotFound
			}
			return err
		}
		current, err := decodePurchase(snap)
		if err != nil {
			return err
		}
		if err := fsm.Check(current.Status, models.PurchaseStatusPaid); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: models.PurchaseStatusPaid},
			{Path: "paidAt", Value: st.PaidAt.UTC()},
			{Path: "gatewayPaymentId", Value: st.PaymentID},
			{Path: "paidAmount", Value: st.PaidAmount},
		})
	}, firestore.MaxAttempts(s.attempts()))
	if err != nil && status.Code(err) == codes.Aborted {
		return fmt.Errorf("%w: %v", models.ErrTransactionConflict, err)
	}
	return err
}

func (s *FirestoreStore) ListPurchases(ctx context.Context, f PurchaseFilter) ([]models.Purchase, error) {
	q := s.Client.Collection(purchasesCollection).Query
	if f.UserID != "" {
		q = q.Where("userId", "==", f.UserID)
	}
	iter := q.OrderBy("createdAt", firestore.Desc).Limit(clampLimit(f.Limit, 50)).Documents(ctx)
	defer iter.Stop()

	out := make([]models.Purchase, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		p, err := decodePurchase(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FirestoreStore) OpenIssue(ctx context.Context, key models.IssueKey, reason string, at time.Time) error {
	_, err := s.Client.Collection(issuesCollection).Doc(key.DocID()).Set(ctx, map[string]any{
		"userId":     key.UserID,
		"courseId":   key.CourseID,
		"status":     models.IssueStatusOpen,
		"reason":     reason,
		"createdAt":  at.UTC(),
		"resolvedAt": firestore.Delete,
	}, firestore.MergeAll)
	return err
}

func (s *FirestoreStore) ResolveIssue(ctx context.Context, key models.IssueKey, at time.Time) error {
	_, err := s.Client.Collection(issuesCollection).Doc(key.DocID()).Set(ctx, map[string]any{
		"userId":     key.UserID,
		"courseId":   key.CourseID,
		"status":     models.IssueStatusResolved,
		"resolvedAt": at.UTC(),
	}, firestore.MergeAll)
	return err
}

func (s *FirestoreStore) GetIssue(ctx context.Context, key models.IssueKey) (models.PaymentIssue, error) {
	snap, err := s.Client.Collection(issuesCollection).Doc(key.DocID()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.PaymentIssue{}, models.ErrIssueNotFound
		}
		return models.PaymentIssue{}, err
	}
	var issue models.PaymentIssue
	if err := snap.DataTo(&issue); err != nil {
		return models.PaymentIssue{}, fmt.Errorf("decode issue %s: %w", snap.Ref.ID, err)
	}
	return issue, nil
}

func (s *FirestoreStore) ListOpenIssues(ctx context.Context, limit int) ([]models.PaymentIssue, error) {
	iter := s.Client.Collection(issuesCollection).
		Where("status", "==", models.IssueStatusOpen).
		OrderBy("createdAt", firestore.Desc).
		Limit(clampLimit(limit, maxListLimit)).
		Documents(ctx)
	defer iter.Stop()

	out := make([]models.PaymentIssue, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var issue models.PaymentIssue
		if err := snap.DataTo(&issue); err != nil {
			return nil, fmt.Errorf("decode issue %s: %w", snap.Ref.ID, err)
		}
		out = append(out, issue)
	}
	return out, nil
}

func (s *FirestoreStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	iter := s.Client.Collection(usersCollection).Doc(userID).Collection(notificationsCollection).
		OrderBy("createdAt", firestore.Desc).
		Limit(clampLimit(limit, 50)).
		Documents(ctx)
	defer iter.Stop()

	out := make([]models.Notification, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var n models.Notification
		if err := snap.DataTo(&n); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", snap.Ref.ID, err)
		}
		n.ID = snap.Ref.ID
		out = append(out, n)
	}
	return out, nil
}

func (s *FirestoreStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	ref := s.Client.Collection(usersCollection).Doc(userID).Collection(notificationsCollection).Doc(notificationID)
	_, err := ref.Update(ctx, []firestore.Update{{Path: "read", Value: true}})
	if status.Code(err) == codes.NotFound {
		return models.ErrNotificationNotFound
	}
	return err
}
