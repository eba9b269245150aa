package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"coursepay/internal/models"
	"coursepay/internal/timeutil"
)

const (
	DefaultGatewayTimeout = 15 * time.Second

	defaultTokenLifetime = time.Hour
	maxDescriptionRunes  = 140
	paymentStatusPaid    = "PAID"
)

type QPayConfig struct {
	Username string
	Password string

	// Example: https://merchant.qpay.mn
	BaseURL string

	InvoiceCode string
	BranchCode  string

	Timeout     time.Duration
	TokenMargin time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// QPayService talks to the QPay v2 invoice API.
type QPayService struct {
	username    string
	password    string
	baseURL     *url.URL
	invoiceCode string
	branchCode  string
	timeout     time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	tokens     *TokenCache
	now        func() time.Time
}

func NewQPayService(cfg QPayConfig) (*QPayService, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("qpay: base_url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	margin := cfg.TokenMargin
	if margin <= 0 {
		margin = DefaultTokenMargin
	}

	s := &QPayService{
		username:    strings.TrimSpace(cfg.Username),
		password:    cfg.Password,
		baseURL:     u,
		invoiceCode: cfg.InvoiceCode,
		branchCode:  cfg.BranchCode,
		timeout:     timeout,
		httpClient:  client,
		logger:      logger,
		now:         time.Now,
	}
	s.tokens = NewTokenCache(s.fetchToken, margin, timeout)
	logger.Info("QPay initialized",
		"baseURL", safeURL(s.baseURL),
		"credentials_set", s.username != "" && s.password != "",
		"invoiceCode_set", s.invoiceCode != "",
	)
	return s, nil
}

func (s *QPayService) endpoint(p string) string {
	u := *s.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// ------- AUTH -------

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    flexInt `json:"expires_in"`
}

// GetAccessToken returns a bearer token, reusing the cached one while it is valid.
func (s *QPayService) GetAccessToken(ctx context.Context) (string, error) {
	tok, err := s.tokens.Get(ctx)
	if err != nil {
		return "", classifyTransport(err)
	}
	return tok, nil
}

func (s *QPayService) fetchToken(ctx context.Context) (string, time.Time, error) {
	logger := s.logger.With("op", "GetAccessToken")
	if s.username == "" || s.password == "" {
		return "", time.Time{}, fmt.Errorf("%w: qpay credentials are not configured", models.ErrAuthFailure)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/v2/auth/token"), bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", time.Time{}, err
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, classifyTransport(fmt.Errorf("auth request: %w", err))
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	logger.Debug("auth raw", "status", resp.Status, "body_len", len(b))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", time.Time{}, fmt.Errorf("%w: %s", models.ErrAuthFailure, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		apiErr := &QPayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
		return "", time.Time{}, fmt.Errorf("%w: token endpoint: %w", models.ErrAuthFailure, apiErr)
	}

	var out tokenResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode token: %v", models.ErrAuthFailure, err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access_token", models.ErrAuthFailure)
	}
	expiresAt := tokenExpiry(s.now(), int64(out.ExpiresIn))
	logger.Info("token refreshed", "expiresAt", expiresAt)
	return out.AccessToken, expiresAt, nil
}

// tokenExpiry accepts both a lifetime in seconds and an absolute unix timestamp.
func tokenExpiry(now time.Time, expiresIn int64) time.Time {
	switch {
	case expiresIn <= 0:
		return now.Add(defaultTokenLifetime)
	case expiresIn > 1_000_000_000:
		return time.Unix(expiresIn, 0)
	default:
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
}

// ------- INVOICE -------

type InvoiceSpec struct {
	// SenderInvoiceNo is our unique reference, the purchase id.
	SenderInvoiceNo string
	ReceiverCode    string
	Description     string
	Amount          int64
	CallbackURL     string
}

func (spec InvoiceSpec) validate() error {
	if spec.Amount <= 0 {
		return models.InvalidInputf("amount must be positive")
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(spec.Description)); n == 0 || n > maxDescriptionRunes {
		return models.InvalidInputf("description must be 1-%d characters", maxDescriptionRunes)
	}
	if strings.TrimSpace(spec.SenderInvoiceNo) == "" {
		return models.InvalidInputf("sender invoice reference is required")
	}
	u, err := url.Parse(spec.CallbackURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return models.InvalidInputf("callback url must be absolute")
	}
	return nil
}

type DeepLink struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Logo        string `json:"logo"`
	Link        string `json:"link"`
}

type Invoice struct {
	ID        string     `json:"invoice_id"`
	QRText    string     `json:"qr_text"`
	QRImage   string     `json:"qr_image"`
	DeepLinks []DeepLink `json:"urls"`
}

type invoiceRequest struct {
	InvoiceCode         string `json:"invoice_code"`
	SenderInvoiceNo     string `json:"sender_invoice_no"`
	InvoiceReceiverCode string `json:"invoice_receiver_code"`
	SenderBranchCode    string `json:"sender_branch_code,omitempty"`
	InvoiceDescription  string `json:"invoice_description"`
	Amount              int64  `json:"amount"`
	CallbackURL         string `json:"callback_url"`
}

// CreateInvoice registers a payable invoice and returns its QR payload and bank deep links.
func (s *QPayService) CreateInvoice(ctx context.Context, spec InvoiceSpec) (Invoice, error) {
	if err := spec.validate(); err != nil {
		return Invoice{}, err
	}
	logger := s.logger.With("op", "CreateInvoice", "sender_invoice_no", spec.SenderInvoiceNo)

	body, _ := json.Marshal(invoiceRequest{
		InvoiceCode:         s.invoiceCode,
		SenderInvoiceNo:     spec.SenderInvoiceNo,
		InvoiceReceiverCode: spec.ReceiverCode,
		SenderBranchCode:    s.branchCode,
		InvoiceDescription:  strings.TrimSpace(spec.Description),
		Amount:              spec.Amount,
		CallbackURL:         spec.CallbackURL,
	})
	b, err := s.doBearer(ctx, logger, "/v2/invoice", body)
	if err != nil {
		return Invoice{}, err
	}
	var out Invoice
	if err := json.Unmarshal(b, &out); err != nil {
		return Invoice{}, fmt.Errorf("decode invoice: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return Invoice{}, fmt.Errorf("%w: empty invoice_id", models.ErrGatewayRejected)
	}
	logger.Info("invoice created", "invoice_id", out.ID, "deep_links", len(out.DeepLinks))
	return out, nil
}

// ------- PAYMENT CHECK -------

type PaymentRow struct {
	PaymentID string
	Status    string
	PaidAt    time.Time
	Amount    int64
	Currency  string
}

type PaymentCheck struct {
	Count      int
	PaidAmount int64
	Rows       []PaymentRow
}

// PaidRow returns the first row whose status is PAID, looking at every row.
func (c PaymentCheck) PaidRow() (PaymentRow, bool) {
	for _, row := range c.Rows {
		if strings.EqualFold(row.Status, paymentStatusPaid) {
			return row, true
		}
	}
	return PaymentRow{}, false
}

type paymentCheckResponse struct {
	Count      flexInt `json:"count"`
	PaidAmount flexInt `json:"paid_amount"`
	Rows       []struct {
		PaymentID       flexString `json:"payment_id"`
		PaymentStatus   string     `json:"payment_status"`
		PaymentDate     string     `json:"payment_date"`
		PaymentAmount   flexInt    `json:"payment_amount"`
		PaymentCurrency string     `json:"payment_currency"`
	} `json:"rows"`
}

// CheckInvoice lists the payments recorded against an invoice.
func (s *QPayService) CheckInvoice(ctx context.Context, invoiceID string) (PaymentCheck, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return PaymentCheck{}, models.InvalidInputf("invoice id is required")
	}
	logger := s.logger.With("op", "CheckInvoice", "invoice_id", invoiceID)
	body, _ := json.Marshal(map[string]string{"object_type": "INVOICE", "object_id": invoiceID})
	b, err := s.doBearer(ctx, logger, "/v2/payment/check", body)
	if err != nil {
		return PaymentCheck{}, err
	}
	var raw paymentCheckResponse
	if err := json.Unmarshal(b, &raw); err != nil {
		return PaymentCheck{}, fmt.Errorf("decode payment check: %w", err)
	}
	out := PaymentCheck{Count: int(raw.Count), PaidAmount: int64(raw.PaidAmount), Rows: make([]PaymentRow, 0, len(raw.Rows))}
	for _, r := range raw.Rows {
		out.Rows = append(out.Rows, PaymentRow{
			PaymentID: string(r.PaymentID),
			Status:    strings.ToUpper(strings.TrimSpace(r.PaymentStatus)),
			PaidAt:    parsePaymentDate(r.PaymentDate),
			Amount:    int64(r.PaymentAmount),
			Currency:  strings.ToUpper(strings.TrimSpace(r.PaymentCurrency)),
		})
	}
	return out, nil
}

// doBearer posts body with the cached token. A 401 invalidates the token and the call is
// retried once with a fresh one.
func (s *QPayService) doBearer(ctx context.Context, logger *slog.Logger, p string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		token, err := s.GetAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(p), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransport(fmt.Errorf("%s request: %w", p, err))
		}
		b, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, classifyTransport(fmt.Errorf("%s read body: %w", p, readErr))
		}
		logger.Debug("qpay raw", "status", resp.Status, "body", trim(string(b), 2000))

		if resp.StatusCode == http.StatusUnauthorized {
			s.tokens.Invalidate()
			if attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: %s rejected bearer token", models.ErrAuthFailure, p)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &QPayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
		}
		return b, nil
	}
}

// classifyTransport maps deadlines and network failures to ErrGatewayTimeout.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrAuthFailure) || errors.Is(err, models.ErrGatewayTimeout) || errors.Is(err, models.ErrGatewayRejected) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", models.ErrGatewayTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: gateway unreachable: %v", models.ErrGatewayTimeout, err)
	}
	return err
}

var paymentDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parsePaymentDate(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range paymentDateLayouts {
		if t, err := timeutil.ParseLocal(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// flexInt decodes numbers that may arrive as JSON numbers or strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("qpay: invalid number %q", s)
	}
	*f = flexInt(math.Round(v))
	return nil
}

// flexString accepts ids sent either as strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(s, `"`))
	return nil
}

// ---------- helpers ----------

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}

// QPayError is a non-2xx gateway answer. It matches models.ErrGatewayRejected.
type QPayError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *QPayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("qpay error: %s", e.Status)
	}
	return fmt.Sprintf("qpay error: %s: %s", e.Status, trim(bt, 500))
}

func (e *QPayError) Is(target error) bool {
	return target == models.ErrGatewayRejected
}
