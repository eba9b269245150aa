package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coursepay/internal/models"
)

type fakeQPay struct {
	authHits    atomic.Int32
	invoiceHits atomic.Int32
	checkHits   atomic.Int32

	authDelay     time.Duration
	authStatus    int
	invoiceStatus int

	// rejectBearer answers 401 to this many bearer calls before accepting.
	rejectBearer atomic.Int32
	checkBody    string
	lastInvoice  map[string]any
	mu           sync.Mutex
}

func (f *fakeQPay) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/auth/token", func(w http.ResponseWriter, r *http.Request) {
		f.authHits.Add(1)
		if f.authDelay > 0 {
			time.Sleep(f.authDelay)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "merchant" || pass != "secret" || f.authStatus == http.StatusUnauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.authStatus != 0 {
			w.WriteHeader(f.authStatus)
			_, _ = w.Write([]byte(`{"error":"MERCHANT_INACTIVE"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + time.Now().Format("150405.000000000"),
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/v2/invoice", func(w http.ResponseWriter, r *http.Request) {
		f.invoiceHits.Add(1)
		if f.rejectBearer.Load() > 0 {
			f.rejectBearer.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("invoice call without bearer token")
		}
		if f.invoiceStatus != 0 {
			w.WriteHeader(f.invoiceStatus)
			_, _ = w.Write([]byte(`{"error":"INVOICE_CODE_INVALID"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		_ = json.Unmarshal(body, &f.lastInvoice)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"invoice_id":"inv-1","qr_text":"qr","qr_image":"img","urls":[{"name":"Khan bank","description":"Khan","logo":"l","link":"khanbank://q?qPay_QRcode=qr"}]}`))
	})
	mux.HandleFunc("/v2/payment/check", func(w http.ResponseWriter, r *http.Request) {
		f.checkHits.Add(1)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["object_type"] != "INVOICE" || req["object_id"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(f.checkBody))
	})
	return mux
}

func newTestQPay(t *testing.T, f *fakeQPay, timeout time.Duration) *QPayService {
	t.Helper()
	ts := httptest.NewServer(f.handler(t))
	t.Cleanup(ts.Close)
	svc, err := NewQPayService(QPayConfig{
		Username:    "merchant",
		Password:    "secret",
		BaseURL:     ts.URL,
		InvoiceCode: "TEST_INVOICE",
		Timeout:     timeout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func validSpec() InvoiceSpec {
	return InvoiceSpec{
		SenderInvoiceNo: "p-1",
		ReceiverCode:    "u1",
		Description:     "Go basics",
		Amount:          15000,
		CallbackURL:     "https://api.example.com/payments/qpay/callback?purchase_id=p-1",
	}
}

func TestGetAccessToken_Cached(t *testing.T) {
	f := &fakeQPay{}
	svc := newTestQPay(t, f, time.Second)

	first, err := svc.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected cached token, got %q then %q", first, second)
	}
	if got := f.authHits.Load(); got != 1 {
		t.Errorf("expected 1 auth exchange, got %d", got)
	}
}

func TestGetAccessToken_ConcurrentCallersShareExchange(t *testing.T) {
	f := &fakeQPay{authDelay: 50 * time.Millisecond}
	svc := newTestQPay(t, f, time.Second)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := svc.GetAccessToken(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if got := f.authHits.Load(); got != 1 {
		t.Errorf("expected 1 auth exchange, got %d", got)
	}
	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Errorf("callers got different tokens: %q vs %q", tok, tokens[0])
		}
	}
}

func TestGetAccessToken_Failures(t *testing.T) {
	t.Run("rejected credentials", func(t *testing.T) {
		f := &fakeQPay{authStatus: http.StatusUnauthorized}
		svc := newTestQPay(t, f, time.Second)
		_, err := svc.GetAccessToken(context.Background())
		if !errors.Is(err, models.ErrAuthFailure) {
			t.Fatalf("expected ErrAuthFailure, got %v", err)
		}
	})
	t.Run("token endpoint error", func(t *testing.T) {
		f := &fakeQPay{authStatus: http.StatusInternalServerError}
		svc := newTestQPay(t, f, time.Second)
		_, err := svc.GetAccessToken(context.Background())
		if !errors.Is(err, models.ErrAuthFailure) {
			t.Fatalf("expected ErrAuthFailure, got %v", err)
		}
		var apiErr *QPayError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected the provider answer to stay attached, got %v", err)
		}
	})
	t.Run("missing credentials", func(t *testing.T) {
		f := &fakeQPay{}
		svc := newTestQPay(t, f, time.Second)
		svc.username = ""
		_, err := svc.GetAccessToken(context.Background())
		if !errors.Is(err, models.ErrAuthFailure) {
			t.Fatalf("expected ErrAuthFailure, got %v", err)
		}
		if got := f.authHits.Load(); got != 0 {
			t.Errorf("expected no auth request, got %d", got)
		}
	})
}

func TestCreateInvoice_Success(t *testing.T) {
	f := &fakeQPay{}
	svc := newTestQPay(t, f, time.Second)

	inv, err := svc.CreateInvoice(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ID != "inv-1" || inv.QRText != "qr" || inv.QRImage != "img" {
		t.Errorf("unexpected invoice: %+v", inv)
	}
	if len(inv.DeepLinks) != 1 || inv.DeepLinks[0].Name != "Khan bank" {
		t.Errorf("unexpected deep links: %+v", inv.DeepLinks)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastInvoice["invoice_code"] != "TEST_INVOICE" || f.lastInvoice["sender_invoice_no"] != "p-1" {
		t.Errorf("unexpected request body: %v", f.lastInvoice)
	}
	if f.lastInvoice["amount"] != float64(15000) {
		t.Errorf("unexpected amount: %v", f.lastInvoice["amount"])
	}
}

func TestCreateInvoice_InvalidSpec(t *testing.T) {
	long := make([]rune, 141)
	for i := range long {
		long[i] = 'ж'
	}
	cases := map[string]func(*InvoiceSpec){
		"zero amount":       func(s *InvoiceSpec) { s.Amount = 0 },
		"empty description": func(s *InvoiceSpec) { s.Description = " " },
		"long description":  func(s *InvoiceSpec) { s.Description = string(long) },
		"no reference":      func(s *InvoiceSpec) { s.SenderInvoiceNo = "" },
		"relative callback": func(s *InvoiceSpec) { s.CallbackURL = "/payments/qpay/callback" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := &fakeQPay{}
			svc := newTestQPay(t, f, time.Second)
			spec := validSpec()
			mutate(&spec)
			_, err := svc.CreateInvoice(context.Background(), spec)
			if !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if f.invoiceHits.Load() != 0 || f.authHits.Load() != 0 {
				t.Errorf("expected no gateway traffic")
			}
		})
	}
}

func TestCreateInvoice_Non2xxReturnsQPayError(t *testing.T) {
	f := &fakeQPay{invoiceStatus: http.StatusBadRequest}
	svc := newTestQPay(t, f, time.Second)

	_, err := svc.CreateInvoice(context.Background(), validSpec())
	var apiErr *QPayError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected QPayError, got %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.Body == "" {
		t.Errorf("expected body to be populated")
	}
	if !errors.Is(err, models.ErrGatewayRejected) {
		t.Errorf("expected error to match ErrGatewayRejected")
	}
}

func TestCreateInvoice_RetriesOnceAfterUnauthorized(t *testing.T) {
	f := &fakeQPay{}
	f.rejectBearer.Store(1)
	svc := newTestQPay(t, f, time.Second)

	if _, err := svc.CreateInvoice(context.Background(), validSpec()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.authHits.Load(); got != 2 {
		t.Errorf("expected token to be refreshed once, got %d exchanges", got)
	}
	if got := f.invoiceHits.Load(); got != 2 {
		t.Errorf("expected 2 invoice attempts, got %d", got)
	}
}

func TestCreateInvoice_PersistentUnauthorized(t *testing.T) {
	f := &fakeQPay{}
	f.rejectBearer.Store(5)
	svc := newTestQPay(t, f, time.Second)

	_, err := svc.CreateInvoice(context.Background(), validSpec())
	if !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestCheckInvoice_ParsesRows(t *testing.T) {
	f := &fakeQPay{checkBody: `{
        "count": 2,
        "paid_amount": "15000.00",
        "rows": [
            {"payment_id": 11, "payment_status": "NEW", "payment_amount": "0", "payment_currency": "MNT"},
            {"payment_id": "22", "payment_status": "paid", "payment_date": "2024-03-01 10:00:00", "payment_amount": "15000.00", "payment_currency": "mnt"}
        ]
    }`}
	svc := newTestQPay(t, f, time.Second)

	check, err := svc.CheckInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if check.Count != 2 || check.PaidAmount != 15000 {
		t.Errorf("unexpected totals: %+v", check)
	}
	row, ok := check.PaidRow()
	if !ok {
		t.Fatalf("expected a PAID row")
	}
	if row.PaymentID != "22" || row.Amount != 15000 || row.Currency != "MNT" {
		t.Errorf("unexpected paid row: %+v", row)
	}
	// zoneless gateway timestamps are Ulaanbaatar time
	want := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	if !row.PaidAt.Equal(want) {
		t.Errorf("paid at = %v, want %v", row.PaidAt, want)
	}
}

func TestCheckInvoice_NoPaidRow(t *testing.T) {
	f := &fakeQPay{checkBody: `{"count":0,"rows":[]}`}
	svc := newTestQPay(t, f, time.Second)

	check, err := svc.CheckInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := check.PaidRow(); ok {
		t.Errorf("expected no PAID row")
	}
}

func TestCheckInvoice_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/auth/token" {
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
			return
		}
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	svc, err := NewQPayService(QPayConfig{Username: "merchant", Password: "secret", BaseURL: ts.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	_, err = svc.CheckInvoice(context.Background(), "inv-1")
	if !errors.Is(err, models.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := tokenExpiry(now, 3600); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("relative expiry = %v", got)
	}
	if got := tokenExpiry(now, 1704070800); !got.Equal(time.Unix(1704070800, 0)) {
		t.Errorf("absolute expiry = %v", got)
	}
	if got := tokenExpiry(now, 0); !got.Equal(now.Add(defaultTokenLifetime)) {
		t.Errorf("default expiry = %v", got)
	}
}
