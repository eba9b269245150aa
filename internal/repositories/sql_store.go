package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"coursepay/internal/fsm"
	"coursepay/internal/models"
)

// Dialect selects the SQL flavour. Values match the database/sql driver names.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
)

// SQLStore persists purchases, entitlements, issues and notifications in a relational
// database. The users and courses tables belong to other subsystems and are only read.
type SQLStore struct {
	DB          *sql.DB
	dialect     Dialect
	maxAttempts int

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewSQLStore(db *sql.DB, dialect Dialect, maxAttempts int) (*SQLStore, error) {
	switch dialect {
	case DialectMySQL, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	return &SQLStore{DB: db, dialect: dialect, maxAttempts: maxAttempts}, nil
}

// PrepareDSN adjusts a connection string for the dialect. MySQL DSNs always get
// parseTime=true and loc=UTC because timestamps are scanned into time.Time.
func PrepareDSN(dialect Dialect, dsn string) (string, error) {
	if dialect != DialectMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS course_purchases (
    id VARCHAR(64) NOT NULL,
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    status VARCHAR(32) NOT NULL,
    provider VARCHAR(32) NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    currency VARCHAR(8) NOT NULL DEFAULT '',
    reason VARCHAR(32) NOT NULL DEFAULT '',
    gateway_invoice_id VARCHAR(128) NOT NULL DEFAULT '',
    gateway_payment_id VARCHAR(128) NOT NULL DEFAULT '',
    paid_amount BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP(6) NOT NULL,
    paid_at TIMESTAMP(6) NULL,
    resolved_at TIMESTAMP(6) NULL,
    PRIMARY KEY (id),
    KEY idx_course_purchases_user (user_id, created_at),
    KEY idx_course_purchases_created (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS user_entitlements (
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    active BOOLEAN NOT NULL DEFAULT FALSE,
    status VARCHAR(16) NOT NULL,
    expires_at TIMESTAMP(6) NULL,
    granted_at TIMESTAMP(6) NULL,
    revoked_at TIMESTAMP(6) NULL,
    revoked_reason VARCHAR(64) NOT NULL DEFAULT '',
    source VARCHAR(32) NOT NULL DEFAULT '',
    purchase_id VARCHAR(64) NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, course_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS payment_issues (
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    status VARCHAR(16) NOT NULL,
    reason VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMP(6) NOT NULL,
    resolved_at TIMESTAMP(6) NULL,
    PRIMARY KEY (user_id, course_id),
    KEY idx_payment_issues_status (status, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS user_notifications (
    id VARCHAR(64) NOT NULL,
    user_id VARCHAR(128) NOT NULL,
    title VARCHAR(255) NOT NULL,
    body TEXT NOT NULL,
    type VARCHAR(16) NOT NULL,
    link VARCHAR(255) NOT NULL DEFAULT '',
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP(6) NOT NULL,
    PRIMARY KEY (id),
    KEY idx_user_notifications_user (user_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS course_purchases (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    status VARCHAR(32) NOT NULL,
    provider VARCHAR(32) NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    currency VARCHAR(8) NOT NULL DEFAULT '',
    reason VARCHAR(32) NOT NULL DEFAULT '',
    gateway_invoice_id VARCHAR(128) NOT NULL DEFAULT '',
    gateway_payment_id VARCHAR(128) NOT NULL DEFAULT '',
    paid_amount BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    paid_at TIMESTAMPTZ NULL,
    resolved_at TIMESTAMPTZ NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_course_purchases_user ON course_purchases (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_course_purchases_created ON course_purchases (created_at)`, `
CREATE TABLE IF NOT EXISTS user_entitlements (
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    active BOOLEAN NOT NULL DEFAULT FALSE,
    status VARCHAR(16) NOT NULL,
    expires_at TIMESTAMPTZ NULL,
    granted_at TIMESTAMPTZ NULL,
    revoked_at TIMESTAMPTZ NULL,
    revoked_reason VARCHAR(64) NOT NULL DEFAULT '',
    source VARCHAR(32) NOT NULL DEFAULT '',
    purchase_id VARCHAR(64) NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, course_id)
)`, `
CREATE TABLE IF NOT EXISTS payment_issues (
    user_id VARCHAR(128) NOT NULL,
    course_id VARCHAR(128) NOT NULL,
    status VARCHAR(16) NOT NULL,
    reason VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ NULL,
    PRIMARY KEY (user_id, course_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_issues_status ON payment_issues (status, created_at)`, `
CREATE TABLE IF NOT EXISTS user_notifications (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    title VARCHAR(255) NOT NULL,
    body TEXT NOT NULL,
    type VARCHAR(16) NOT NULL,
    link VARCHAR(255) NOT NULL DEFAULT '',
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_user_notifications_user ON user_notifications (user_id, created_at)`,
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ddl := mysqlSchema
	if s.dialect == DialectPostgres {
		ddl = postgresSchema
	}
	// a failed attempt is not remembered; the next call runs the DDL again
	for _, stmt := range ddl {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.schemaReady = true
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// upsert builds an insert that overwrites updateCols when the key already exists.
func (s *SQLStore) upsert(table string, cols, keys, updateCols []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
	sets := make([]string, len(updateCols))
	if s.dialect == DialectPostgres {
		for i, c := range updateCols {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		return s.rebind(q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", ")))
	}
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return q + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// isSQLConflict reports deadlocks, lock wait timeouts and serialization failures.
func isSQLConflict(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxReader struct {
	s  *SQLStore
	tx *sql.Tx
}

func (r *sqlTxReader) GetUser(ctx context.Context, userID string) (models.User, error) {
	return r.s.loadUser(ctx, r.tx, userID, true)
}

func (r *sqlTxReader) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	return r.s.loadCourse(ctx, r.tx, courseID)
}

func (s *SQLStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	return retryOnConflict(ctx, s.maxAttempts, isSQLConflict, func(ctx context.Context) (err error) {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			} else {
				err = tx.Commit()
			}
		}()

		muts, err := fn(ctx, &sqlTxReader{s: s, tx: tx})
		if err != nil {
			return err
		}
		for _, m := range muts {
			if err = s.apply(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

var entitlementCols = []string{"user_id", "course_id", "active", "status", "expires_at", "granted_at", "revoked_at", "revoked_reason", "source", "purchase_id"}

func (s *SQLStore) apply(ctx context.Context, tx *sql.Tx, m Mutation) error {
	switch m := m.(type) {
	case GrantEntitlement:
		return s.writeEntitlement(ctx, tx, m.UserID, m.CourseID, m.Detail)
	case RevokeEntitlement:
		return s.writeEntitlement(ctx, tx, m.UserID, m.CourseID, m.Detail)
	case InsertPurchase:
		return s.insertPurchase(ctx, tx, m.Purchase)
	case InsertNotification:
		n := m.Notification
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO user_notifications (id, user_id, title, body, type, link, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), n.ID, m.UserID, n.Title, n.Body, n.Type, n.Link, n.Read, n.CreatedAt.UTC())
		return err
	default:
		return fmt.Errorf("sql store: unsupported mutation %T", m)
	}
}

// writeEntitlement stores the detail row. Set membership is derived from the active flag,
// so the relational layout has no separate legacy representation to clean up.
func (s *SQLStore) writeEntitlement(ctx context.Context, tx *sql.Tx, userID, courseID string, d models.EntitlementDetail) error {
	q := s.upsert("user_entitlements", entitlementCols, entitlementCols[:2], entitlementCols[2:])
	_, err := tx.ExecContext(ctx, q, userID, courseID, d.Active, d.Status,
		nullTime(d.ExpiresAt), nullTime(d.GrantedAt), nullTime(d.RevokedAt), d.RevokedReason, d.Source, d.PurchaseID)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertPurchase(ctx context.Context, db execer, p models.Purchase) error {
	_, err := db.ExecContext(ctx, s.rebind(`
INSERT INTO course_purchases (id, user_id, course_id, status, provider, amount, currency, reason, gateway_invoice_id, gateway_payment_id, paid_amount, created_at, paid_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.CourseID, p.Status, p.Provider, p.Amount, p.Currency, p.Reason,
		p.GatewayInvoiceID, p.GatewayPaymentID, p.PaidAmount, p.CreatedAt.UTC(), nullTime(p.PaidAt), nullTime(p.ResolvedAt))
	return err
}

func (s *SQLStore) loadUser(ctx context.Context, db queryer, userID string, lock bool) (models.User, error) {
	q := `SELECT id FROM users WHERE id = ?`
	if lock {
		q += ` FOR UPDATE`
	}
	var id string
	if err := db.QueryRowContext(ctx, s.rebind(q), userID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, err
	}

	rows, err := db.QueryContext(ctx, s.rebind(`
SELECT course_id, active, status, expires_at, granted_at, revoked_at, revoked_reason, source, purchase_id
FROM user_entitlements WHERE user_id = ? ORDER BY course_id`), userID)
	if err != nil {
		return models.User{}, err
	}
	defer rows.Close()

	u := models.User{ID: id, Entitlements: []string{}, EntitlementDetail: map[string]models.EntitlementDetail{}}
	for rows.Next() {
		var (
			courseID                        string
			d                               models.EntitlementDetail
			expiresAt, grantedAt, revokedAt sql.NullTime
		)
		if err := rows.Scan(&courseID, &d.Active, &d.Status, &expiresAt, &grantedAt, &revokedAt, &d.RevokedReason, &d.Source, &d.PurchaseID); err != nil {
			return models.User{}, err
		}
		d.ExpiresAt = timePtr(expiresAt)
		d.GrantedAt = timePtr(grantedAt)
		d.RevokedAt = timePtr(revokedAt)
		u.EntitlementDetail[courseID] = d
		if d.Active {
			u.Entitlements = append(u.Entitlements, courseID)
		}
	}
	if err := rows.Err(); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *SQLStore) loadCourse(ctx context.Context, db queryer, courseID string) (models.Course, error) {
	var c models.Course
	err := db.QueryRowContext(ctx, s.rebind(`SELECT id, title, price FROM courses WHERE id = ?`), courseID).Scan(&c.ID, &c.Title, &c.Price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Course{}, models.ErrCourseNotFound
		}
		return models.Course{}, err
	}
	return c, nil
}

func (s *SQLStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return models.User{}, err
	}
	return s.loadUser(ctx, s.DB, userID, false)
}

func (s *SQLStore) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	return s.loadCourse(ctx, s.DB, courseID)
}

func (s *SQLStore) InsertPurchase(ctx context.Context, p models.Purchase) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	return s.insertPurchase(ctx, s.DB, p)
}

const purchaseColumns = `id, user_id, course_id, status, provider, amount, currency, reason, gateway_invoice_id, gateway_payment_id, paid_amount, created_at, paid_at, resolved_at`

func scanPurchase(scanner interface{ Scan(dest ...any) error }) (models.Purchase, error) {
	var (
		p                  models.Purchase
		paidAt, resolvedAt sql.NullTime
	)
	err := scanner.Scan(&p.ID, &p.UserID, &p.CourseID, &p.Status, &p.Provider, &p.Amount, &p.Currency, &p.Reason,
		&p.GatewayInvoiceID, &p.GatewayPaymentID, &p.PaidAmount, &p.CreatedAt, &paidAt, &resolvedAt)
	if err != nil {
		return models.Purchase{}, err
	}
	p.PaidAt = timePtr(paidAt)
	p.ResolvedAt = timePtr(resolvedAt)
	return p, nil
}

func (s *SQLStore) GetPurchase(ctx context.Context, purchaseID string) (models.Purchase, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return models.Purchase{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+purchaseColumns+` FROM course_purchases WHERE id = ?`), purchaseID)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Purchase{}, models.ErrPurchaseNotFound
	}
	return p, err
}

func (s *SQLStore) SettlePurchase(ctx context.Context, purchaseID string, st models.Settlement) (err error) {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM course_purchases WHERE id = ? FOR UPDATE`), purchaseID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		err = models.ErrPurchaseNotFound
		return err
	}
	if err != nil {
		return err
	}
	if err = fsm.Check(status, models.PurchaseStatusPaid); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE course_purchases SET status = ?, paid_at = ?, gateway_payment_id = ?, paid_amount = ? WHERE id = ?`),
		models.PurchaseStatusPaid, st.PaidAt.UTC(), st.PaymentID, st.PaidAmount, purchaseID)
	return err
}

func (s *SQLStore) ListPurchases(ctx context.Context, f PurchaseFilter) ([]models.Purchase, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := `SELECT ` + purchaseColumns + ` FROM course_purchases`
	args := []any{}
	if f.UserID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit, 50))

	rows, err := s.DB.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) OpenIssue(ctx context.Context, key models.IssueKey, reason string, at time.Time) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	cols := []string{"user_id", "course_id", "status", "reason", "created_at", "resolved_at"}
	q := s.upsert("payment_issues", cols, cols[:2], cols[2:])
	_, err := s.DB.ExecContext(ctx, q, key.UserID, key.CourseID, models.IssueStatusOpen, reason, at.UTC(), nil)
	return err
}

func (s *SQLStore) ResolveIssue(ctx context.Context, key models.IssueKey, at time.Time) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	cols := []string{"user_id", "course_id", "status", "created_at", "resolved_at"}
	q := s.upsert("payment_issues", cols, cols[:2], []string{"status", "resolved_at"})
	_, err := s.DB.ExecContext(ctx, q, key.UserID, key.CourseID, models.IssueStatusResolved, at.UTC(), at.UTC())
	return err
}

const issueColumns = `user_id, course_id, status, reason, created_at, resolved_at`

func scanIssue(scanner interface{ Scan(dest ...any) error }) (models.PaymentIssue, error) {
	var (
		i          models.PaymentIssue
		resolvedAt sql.NullTime
	)
	if err := scanner.Scan(&i.UserID, &i.CourseID, &i.Status, &i.Reason, &i.CreatedAt, &resolvedAt); err != nil {
		return models.PaymentIssue{}, err
	}
	i.ResolvedAt = timePtr(resolvedAt)
	return i, nil
}

func (s *SQLStore) GetIssue(ctx context.Context, key models.IssueKey) (models.PaymentIssue, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return models.PaymentIssue{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+issueColumns+` FROM payment_issues WHERE user_id = ? AND course_id = ?`), key.UserID, key.CourseID)
	i, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentIssue{}, models.ErrIssueNotFound
	}
	return i, err
}

func (s *SQLStore) ListOpenIssues(ctx context.Context, limit int) ([]models.PaymentIssue, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT `+issueColumns+` FROM payment_issues WHERE status = ? ORDER BY created_at DESC LIMIT ?`),
		models.IssueStatusOpen, clampLimit(limit, maxListLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PaymentIssue, 0)
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if _, err := s.loadUser(ctx, s.DB, userID, false); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`
SELECT id, title, body, type, link, is_read, created_at
FROM user_notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), userID, clampLimit(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Type, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE user_notifications SET is_read = ? WHERE id = ? AND user_id = ?`), true, notificationID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT EXISTS(SELECT 1 FROM user_notifications WHERE id = ? AND user_id = ?)`), notificationID, userID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrNotificationNotFound
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
