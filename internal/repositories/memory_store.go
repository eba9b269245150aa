package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursepay/internal/fsm"
	"coursepay/internal/models"
)

var errMemoryConflict = errors.New("memory store: concurrent modification")

type memoryUser struct {
	user          models.User
	legacy        map[string]struct{}
	notifications []models.Notification
	version       int64
}

type memoryPurchase struct {
	purchase models.Purchase
	seq      int64
}

// MemoryStore keeps everything in process memory. Transactions run optimistically:
// user documents read by a TxFunc are re-validated at commit time and the whole
// attempt is retried when another writer got there first.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]*memoryUser
	courses   map[string]models.Course
	purchases map[string]memoryPurchase
	issues    map[models.IssueKey]models.PaymentIssue
	seq       int64

	maxAttempts int

	// CommitHook runs between the TxFunc and the commit of every attempt. Tests use it
	// to interleave concurrent writers.
	CommitHook func(attempt int)
}

func NewMemoryStore(maxAttempts int) *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*memoryUser),
		courses:     make(map[string]models.Course),
		purchases:   make(map[string]memoryPurchase),
		issues:      make(map[models.IssueKey]models.PaymentIssue),
		maxAttempts: maxAttempts,
	}
}

// PutUser creates or replaces a user document.
func (s *MemoryStore) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[u.ID]
	if !ok {
		rec = &memoryUser{legacy: make(map[string]struct{})}
		s.users[u.ID] = rec
	}
	rec.user = copyUser(u)
	rec.version++
}

// PutCourse creates or replaces a catalog entry.
func (s *MemoryStore) PutCourse(c models.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

// PutLegacyDetail simulates a flat "entitlementDetail.<course>" field left by an older schema.
func (s *MemoryStore) PutLegacyDetail(userID, courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[userID]; ok {
		rec.legacy[courseID] = struct{}{}
		rec.version++
	}
}

// HasLegacyDetail reports whether the flat legacy field is still present.
func (s *MemoryStore) HasLegacyDetail(userID, courseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return false
	}
	_, ok = rec.legacy[courseID]
	return ok
}

type memoryTxReader struct {
	s    *MemoryStore
	read map[string]int64
}

func (r *memoryTxReader) GetUser(_ context.Context, userID string) (models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.users[userID]
	if !ok {
		r.read[userID] = 0
		return models.User{}, models.ErrUserNotFound
	}
	r.read[userID] = rec.version
	return copyUser(rec.user), nil
}

func (r *memoryTxReader) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	return r.s.GetCourse(ctx, courseID)
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	attempt := 0
	return retryOnConflict(ctx, s.maxAttempts, func(err error) bool {
		return errors.Is(err, errMemoryConflict)
	}, func(ctx context.Context) error {
		attempt++
		reader := &memoryTxReader{s: s, read: make(map[string]int64)}
		muts, err := fn(ctx, reader)
		if err != nil {
			return err
		}
		if s.CommitHook != nil {
			s.CommitHook(attempt)
		}
		return s.commit(reader.read, muts)
	})
}

func (s *MemoryStore) commit(read map[string]int64, muts []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, version := range read {
		rec, ok := s.users[userID]
		current := int64(0)
		if ok {
			current = rec.version
		}
		if current != version {
			return errMemoryConflict
		}
	}
	// validate before touching anything so a failed commit leaves no partial writes
	for _, m := range muts {
		switch m := m.(type) {
		case GrantEntitlement:
			if _, ok := s.users[m.UserID]; !ok {
				return models.ErrUserNotFound
			}
		case RevokeEntitlement:
			if _, ok := s.users[m.UserID]; !ok {
				return models.ErrUserNotFound
			}
		case InsertPurchase:
			if _, ok := s.purchases[m.Purchase.ID]; ok {
				return fmt.Errorf("memory store: purchase %s already exists", m.Purchase.ID)
			}
		case InsertNotification:
			if _, ok := s.users[m.UserID]; !ok {
				return models.ErrUserNotFound
			}
		default:
			return fmt.Errorf("memory store: unsupported mutation %T", m)
		}
	}

	touched := make(map[string]struct{})
	for _, m := range muts {
		switch m := m.(type) {
		case GrantEntitlement:
			rec := s.users[m.UserID]
			rec.user.Entitlements = models.AddEntitlement(rec.user.Entitlements, m.CourseID)
			setDetail(&rec.user, m.CourseID, m.Detail)
			delete(rec.legacy, m.CourseID)
			touched[m.UserID] = struct{}{}
		case RevokeEntitlement:
			rec := s.users[m.UserID]
			rec.user.Entitlements = models.RemoveEntitlement(rec.user.Entitlements, m.CourseID)
			setDetail(&rec.user, m.CourseID, m.Detail)
			delete(rec.legacy, m.CourseID)
			touched[m.UserID] = struct{}{}
		case InsertPurchase:
			s.seq++
			s.purchases[m.Purchase.ID] = memoryPurchase{purchase: m.Purchase, seq: s.seq}
		case InsertNotification:
			rec := s.users[m.UserID]
			n := m.Notification
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			rec.notifications = append(rec.notifications, n)
			touched[m.UserID] = struct{}{}
		}
	}
	for userID := range touched {
		s.users[userID].version++
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return copyUser(rec.user), nil
}

func (s *MemoryStore) GetCourse(_ context.Context, courseID string) (models.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[courseID]
	if !ok {
		return models.Course{}, models.ErrCourseNotFound
	}
	return c, nil
}

func (s *MemoryStore) InsertPurchase(_ context.Context, p models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.ID]; ok {
		return fmt.Errorf("memory store: purchase %s already exists", p.ID)
	}
	s.seq++
	s.purchases[p.ID] = memoryPurchase{purchase: p, seq: s.seq}
	return nil
}

func (s *MemoryStore) GetPurchase(_ context.Context, purchaseID string) (models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.purchases[purchaseID]
	if !ok {
		return models.Purchase{}, models.ErrPurchaseNotFound
	}
	return rec.purchase, nil
}

func (s *MemoryStore) SettlePurchase(_ context.Context, purchaseID string, st models.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.purchases[purchaseID]
	if !ok {
		return models.ErrPurchaseNotFound
	}
	if err := fsm.Check(rec.purchase.Status, models.PurchaseStatusPaid); err != nil {
		return err
	}
	paidAt := st.PaidAt
	rec.purchase.Status = models.PurchaseStatusPaid
	rec.purchase.PaidAt = &paidAt
	rec.purchase.GatewayPaymentID = st.PaymentID
	rec.purchase.PaidAmount = st.PaidAmount
	s.purchases[purchaseID] = rec
	return nil
}

func (s *MemoryStore) ListPurchases(_ context.Context, f PurchaseFilter) ([]models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]memoryPurchase, 0, len(s.purchases))
	for _, rec := range s.purchases {
		if f.UserID != "" && rec.purchase.UserID != f.UserID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.purchase.CreatedAt.Equal(b.purchase.CreatedAt) {
			return a.purchase.CreatedAt.After(b.purchase.CreatedAt)
		}
		return a.seq > b.seq
	})
	limit := clampLimit(f.Limit, 50)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]models.Purchase, len(recs))
	for i, rec := range recs {
		out[i] = rec.purchase
	}
	return out, nil
}

func (s *MemoryStore) OpenIssue(_ context.Context, key models.IssueKey, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[key]
	issue.UserID = key.UserID
	issue.CourseID = key.CourseID
	issue.Status = models.IssueStatusOpen
	issue.Reason = reason
	issue.CreatedAt = at
	issue.ResolvedAt = nil
	s.issues[key] = issue
	return nil
}

func (s *MemoryStore) ResolveIssue(_ context.Context, key models.IssueKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[key]
	issue.UserID = key.UserID
	issue.CourseID = key.CourseID
	issue.Status = models.IssueStatusResolved
	issue.ResolvedAt = &at
	s.issues[key] = issue
	return nil
}

func (s *MemoryStore) GetIssue(_ context.Context, key models.IssueKey) (models.PaymentIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[key]
	if !ok {
		return models.PaymentIssue{}, models.ErrIssueNotFound
	}
	return issue, nil
}

func (s *MemoryStore) ListOpenIssues(_ context.Context, limit int) ([]models.PaymentIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentIssue, 0)
	for _, issue := range s.issues {
		if issue.Status == models.IssueStatusOpen {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit = clampLimit(limit, maxListLimit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	limit = clampLimit(limit, 50)
	out := make([]models.Notification, 0, len(rec.notifications))
	for i := len(rec.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rec.notifications[i])
	}
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	for i := range rec.notifications {
		if rec.notifications[i].ID == notificationID {
			rec.notifications[i].Read = true
			return nil
		}
	}
	return models.ErrNotificationNotFound
}

func setDetail(u *models.User, courseID string, d models.EntitlementDetail) {
	if u.EntitlementDetail == nil {
		u.EntitlementDetail = make(map[string]models.EntitlementDetail)
	}
	u.EntitlementDetail[courseID] = d
}

func copyUser(u models.User) models.User {
	out := models.User{ID: u.ID}
	if u.Entitlements != nil {
		out.Entitlements = append([]string(nil), u.Entitlements...)
	}
	if u.EntitlementDetail != nil {
		out.EntitlementDetail = make(map[string]models.EntitlementDetail, len(u.EntitlementDetail))
		for k, v := range u.EntitlementDetail {
			out.EntitlementDetail[k] = v
		}
	}
	return out
}
