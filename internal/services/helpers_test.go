package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"coursepay/internal/models"
	"coursepay/internal/repositories"
)

type stubGateway struct {
	mu          sync.Mutex
	createErr   error
	checkErr    error
	check       PaymentCheck
	lastSpec    InvoiceSpec
	createCalls atomic.Int32
	checkCalls  atomic.Int32
}

func (g *stubGateway) CreateInvoice(_ context.Context, spec InvoiceSpec) (Invoice, error) {
	g.createCalls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSpec = spec
	if g.createErr != nil {
		return Invoice{}, g.createErr
	}
	return Invoice{ID: "inv-" + spec.SenderInvoiceNo, QRText: "qr", DeepLinks: []DeepLink{{Name: "bank"}}}, nil
}

func (g *stubGateway) CheckInvoice(_ context.Context, _ string) (PaymentCheck, error) {
	g.checkCalls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check, g.checkErr
}

func (g *stubGateway) setCheck(c PaymentCheck) {
	g.mu.Lock()
	g.check = c
	g.mu.Unlock()
}

func paidCheck(amount int64) PaymentCheck {
	return PaymentCheck{Count: 1, PaidAmount: amount, Rows: []PaymentRow{{PaymentID: "pay-1", Status: "PAID", Amount: amount, Currency: "MNT"}}}
}

type testEnv struct {
	store        *repositories.MemoryStore
	ledger       *repositories.PurchaseLedger
	entitlements *EntitlementService
	issues       *PaymentIssueService
	gateway      *stubGateway
	guard        *repositories.MemoryGuard
	reconcile    *ReconcileService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repositories.NewMemoryStore(repositories.DefaultMaxAttempts)
	store.PutUser(models.User{ID: "u1"})
	store.PutUser(models.User{ID: "u2"})
	store.PutCourse(models.Course{ID: "c1", Title: "Go basics", Price: 15000})
	store.PutCourse(models.Course{ID: "free", Title: "Intro", Price: 0})

	ledger := repositories.NewPurchaseLedger(store)
	logger := discardLogger()
	entitlements := NewEntitlementService(store, ledger, logger)
	issues := NewPaymentIssueService(store, logger)
	gateway := &stubGateway{}
	guard := repositories.NewMemoryGuard(3, 0)
	reconcile, err := NewReconcileService(ReconcileConfig{
		CallbackBaseURL: "https://api.example.com/payments/qpay/callback",
		Currency:        "MNT",
		VerifyAmount:    true,
	}, store, ledger, gateway, entitlements, issues, guard, logger)
	if err != nil {
		t.Fatalf("failed to create reconcile service: %v", err)
	}
	return &testEnv{store: store, ledger: ledger, entitlements: entitlements, issues: issues, gateway: gateway, guard: guard, reconcile: reconcile}
}

func (e *testEnv) user(t *testing.T, id string) models.User {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func (e *testEnv) purchases(t *testing.T, userID string) []models.Purchase {
	t.Helper()
	list, err := e.ledger.ByUser(context.Background(), userID, 50)
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	return list
}

func (e *testEnv) notifications(t *testing.T, userID string) []models.Notification {
	t.Helper()
	list, err := e.store.ListNotifications(context.Background(), userID, 50)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return list
}
