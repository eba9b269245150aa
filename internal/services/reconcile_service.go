package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"coursepay/internal/models"
	"coursepay/internal/repositories"
)

const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"

	RetryManual = "manual"
)

// Gateway is the part of QPayService the driver needs.
type Gateway interface {
	CreateInvoice(ctx context.Context, spec InvoiceSpec) (Invoice, error)
	CheckInvoice(ctx context.Context, invoiceID string) (PaymentCheck, error)
}

// PurchaseGuard serializes checks of one purchase and meters client polling.
type PurchaseGuard interface {
	TryLock(ctx context.Context, purchaseID string) (release func(), ok bool, err error)
	AllowPoll(ctx context.Context, purchaseID string) (bool, error)
}

type ReconcileConfig struct {
	// CallbackBaseURL receives ?purchase_id=<id>.
	CallbackBaseURL string
	Currency        string
	VerifyAmount    bool
	CheckTimeout    time.Duration
}

type InvoiceRequest struct {
	UserID   string
	CourseID string
}

type InvoiceResult struct {
	PurchaseID string     `json:"purchase_id"`
	InvoiceID  string     `json:"invoice_id"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	QRText     string     `json:"qr_text"`
	QRImage    string     `json:"qr_image"`
	DeepLinks  []DeepLink `json:"urls"`
}

type StatusResult struct {
	PurchaseID string `json:"purchase_id"`
	Status     string `json:"status"`
	Retry      string `json:"retry,omitempty"`
}

// ReconcileService turns gateway payment state into entitlements. It never polls on its
// own; every check is triggered by a client poll or a gateway callback.
type ReconcileService struct {
	store        repositories.Store
	ledger       *repositories.PurchaseLedger
	gateway      Gateway
	entitlements *EntitlementService
	issues       *PaymentIssueService
	guard        PurchaseGuard
	logger       *slog.Logger

	callbackBase string
	currency     string
	verifyAmount bool
	checkTimeout time.Duration
}

func NewReconcileService(cfg ReconcileConfig, store repositories.Store, ledger *repositories.PurchaseLedger, gateway Gateway,
	entitlements *EntitlementService, issues *PaymentIssueService, guard PurchaseGuard, logger *slog.Logger) (*ReconcileService, error) {
	u, err := url.Parse(cfg.CallbackBaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("reconcile: callback base url must be absolute, got %q", cfg.CallbackBaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = repositories.NewMemoryGuard(0, 0)
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "MNT"
	}
	return &ReconcileService{
		store:        store,
		ledger:       ledger,
		gateway:      gateway,
		entitlements: entitlements,
		issues:       issues,
		guard:        guard,
		logger:       logger,
		callbackBase: cfg.CallbackBaseURL,
		currency:     currency,
		verifyAmount: cfg.VerifyAmount,
		checkTimeout: timeout,
	}, nil
}

func (s *ReconcileService) callbackURL(purchaseID string) string {
	u, _ := url.Parse(s.callbackBase)
	q := u.Query()
	q.Set("purchase_id", purchaseID)
	u.RawQuery = q.Encode()
	return u.String()
}

// CreateInvoice prices the course, registers a gateway invoice and records the pending
// purchase. No ledger row is written when the gateway call fails.
func (s *ReconcileService) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResult, error) {
	logger := s.logger.With("op", "CreateInvoice", "user_id", req.UserID, "course_id", req.CourseID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.CourseID = strings.TrimSpace(req.CourseID)
	if req.UserID == "" || req.CourseID == "" {
		return InvoiceResult{}, models.InvalidInputf("user_id and course_id are required")
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return InvoiceResult{}, err
	}
	course, err := s.store.GetCourse(ctx, req.CourseID)
	if err != nil {
		return InvoiceResult{}, err
	}
	if course.Price <= 0 {
		return InvoiceResult{}, models.InvalidInputf("course %s has no price", course.ID)
	}
	if user.HasEntitlement(course.ID) {
		return InvoiceResult{}, models.ErrAlreadyEntitled
	}

	purchaseID := uuid.NewString()
	inv, err := s.gateway.CreateInvoice(ctx, InvoiceSpec{
		SenderInvoiceNo: purchaseID,
		ReceiverCode:    user.ID,
		Description:     truncateRunes(course.DisplayName(), maxDescriptionRunes),
		Amount:          course.Price,
		CallbackURL:     s.callbackURL(purchaseID),
	})
	if err != nil {
		logger.Error("gateway invoice failed", "err", err)
		return InvoiceResult{}, err
	}

	if _, err := s.ledger.CreatePending(ctx, repositories.PendingPurchase{
		ID:        purchaseID,
		UserID:    user.ID,
		CourseID:  course.ID,
		Amount:    course.Price,
		Currency:  s.currency,
		InvoiceID: inv.ID,
	}); err != nil {
		logger.Error("pending purchase not recorded", "invoice_id", inv.ID, "err", err)
		return InvoiceResult{}, err
	}
	logger.Info("invoice issued", "purchase_id", purchaseID, "invoice_id", inv.ID, "amount", course.Price)

	return InvoiceResult{
		PurchaseID: purchaseID,
		InvoiceID:  inv.ID,
		Amount:     course.Price,
		Currency:   s.currency,
		QRText:     inv.QRText,
		QRImage:    inv.QRImage,
		DeepLinks:  inv.DeepLinks,
	}, nil
}

// PollStatus is the client poll tick. Only the owner may poll, and once the poll budget
// is spent the answer stays PENDING with a manual retry hint and no gateway call.
func (s *ReconcileService) PollStatus(ctx context.Context, userID, purchaseID string) (StatusResult, error) {
	p, err := s.ledger.Get(ctx, purchaseID)
	if err != nil {
		return StatusResult{}, err
	}
	if p.UserID != userID {
		return StatusResult{}, models.ErrForbidden
	}
	if p.Status != models.PurchaseStatusPending {
		return statusOf(p), nil
	}
	allowed, err := s.guard.AllowPoll(ctx, purchaseID)
	if err != nil {
		s.logger.Warn("poll budget unavailable", "op", "PollStatus", "purchase_id", purchaseID, "err", err)
		allowed = true
	}
	if !allowed {
		return StatusResult{PurchaseID: purchaseID, Status: StatusPending, Retry: RetryManual}, nil
	}
	return s.HandleStatusEvent(ctx, purchaseID)
}

// HandleStatusEvent reconciles one purchase against the gateway. It is safe to call any
// number of times, concurrently, from polls and callbacks alike.
func (s *ReconcileService) HandleStatusEvent(ctx context.Context, purchaseID string) (StatusResult, error) {
	logger := s.logger.With("op", "HandleStatusEvent", "purchase_id", purchaseID)
	if strings.TrimSpace(purchaseID) == "" {
		return StatusResult{}, models.InvalidInputf("purchase_id is required")
	}

	release, locked, err := s.guard.TryLock(ctx, purchaseID)
	switch {
	case err != nil:
		logger.Warn("purchase lock unavailable, continuing unlocked", "err", err)
	case !locked:
		p, err := s.ledger.Get(ctx, purchaseID)
		if err != nil {
			return StatusResult{}, err
		}
		logger.Debug("check already in progress")
		return statusOf(p), nil
	default:
		defer release()
	}

	p, err := s.ledger.Get(ctx, purchaseID)
	if err != nil {
		return StatusResult{}, err
	}
	if p.Status != models.PurchaseStatusPending {
		return statusOf(p), nil
	}
	if p.GatewayInvoiceID == "" {
		return StatusResult{PurchaseID: p.ID, Status: StatusPending}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	check, err := s.gateway.CheckInvoice(cctx, p.GatewayInvoiceID)
	cancel()
	if err != nil {
		logger.Error("payment check failed", "invoice_id", p.GatewayInvoiceID, "err", err)
		return StatusResult{}, err
	}
	row, paid := check.PaidRow()
	if !paid {
		return StatusResult{PurchaseID: p.ID, Status: StatusPending}, nil
	}

	paidAmount := row.Amount
	if paidAmount == 0 {
		paidAmount = check.PaidAmount
	}
	if s.verifyAmount && !s.amountMatches(p, paidAmount, row.Currency) {
		logger.Warn("paid amount does not match purchase",
			"expected", p.Amount, "paid", paidAmount, "currency", row.Currency)
		if _, err := s.issues.OpenIssue(ctx, p.UserID, p.CourseID, models.IssueReasonAmountMismatch); err != nil {
			return StatusResult{}, err
		}
		return StatusResult{PurchaseID: p.ID, Status: StatusPending}, nil
	}

	_, err = s.entitlements.ApplyEntitlementChange(ctx, EntitlementChange{
		Kind:             ChangeGrant,
		UserID:           p.UserID,
		CourseID:         p.CourseID,
		Reason:           models.ReasonPayment,
		SourcePurchaseID: p.ID,
	})
	if err != nil && !errors.Is(err, models.ErrAlreadyApplied) {
		return StatusResult{}, err
	}

	err = s.ledger.Settle(ctx, p.ID, models.Settlement{PaymentID: row.PaymentID, PaidAt: row.PaidAt, PaidAmount: paidAmount})
	if errors.Is(err, models.ErrPurchaseNotPending) {
		current, getErr := s.ledger.Get(ctx, p.ID)
		if getErr != nil {
			return StatusResult{}, getErr
		}
		return statusOf(current), nil
	}
	if err != nil {
		return StatusResult{}, err
	}
	logger.Info("purchase paid", "payment_id", row.PaymentID, "amount", paidAmount)
	return StatusResult{PurchaseID: p.ID, Status: StatusPaid}, nil
}

func (s *ReconcileService) amountMatches(p models.Purchase, paid int64, currency string) bool {
	if paid < p.Amount {
		return false
	}
	if currency == "" || p.Currency == "" {
		return true
	}
	return strings.EqualFold(currency, p.Currency)
}

func statusOf(p models.Purchase) StatusResult {
	return StatusResult{PurchaseID: p.ID, Status: strings.ToUpper(p.Status)}
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
