package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			subject_id TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			billing_customer_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_billing_id
			ON customers(billing_customer_id) WHERE billing_customer_id != ''`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			customer_id TEXT NOT NULL,
			code TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_end DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (customer_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS project_selections (
			customer_id TEXT NOT NULL,
			code TEXT NOT NULL,
			current_project TEXT NOT NULL DEFAULT '',
			pending_project TEXT NOT NULL DEFAULT '',
			pending_effective_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (customer_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			stripe_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_end DATETIME NOT NULL,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions(customer_id)`,
		`CREATE TABLE IF NOT EXISTS subscription_items (
			stripe_item_id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(stripe_id) ON DELETE CASCADE,
			price_id TEXT NOT NULL,
			product_id TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_items_sub_id ON subscription_items(subscription_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// --- Customers ---

func (s *SQLiteStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, subject_id, email, billing_customer_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id) DO UPDATE SET
		   email = excluded.email,
		   billing_customer_id = excluded.billing_customer_id`,
		c.ID, c.SubjectID, c.Email, c.BillingCustomerID, c.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetCustomerBySubject(ctx context.Context, subjectID string) (*Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, email, billing_customer_id, created_at
		 FROM customers WHERE subject_id = ?`, subjectID))
}

func (s *SQLiteStore) GetCustomerByBillingID(ctx context.Context, billingCustomerID string) (*Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, email, billing_customer_id, created_at
		 FROM customers WHERE billing_customer_id = ?`, billingCustomerID))
}

func (s *SQLiteStore) scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.SubjectID, &c.Email, &c.BillingCustomerID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Entitlements ---

func (s *SQLiteStore) UpsertEntitlement(ctx context.Context, e *Entitlement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (customer_id, code, status, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(customer_id, code) DO UPDATE SET
		   status = excluded.status,
		   current_period_end = excluded.current_period_end,
		   updated_at = excluded.updated_at`,
		e.CustomerID, e.Code, e.Status, nullTime(e.CurrentPeriodEnd), e.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetEntitlement(ctx context.Context, customerID, code string) (*Entitlement, error) {
	var e Entitlement
	var periodEnd sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_id, code, status, current_period_end, updated_at
		 FROM entitlements WHERE customer_id = ? AND code = ?`, customerID, code,
	).Scan(&e.CustomerID, &e.Code, &e.Status, &periodEnd, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CurrentPeriodEnd = timePtr(periodEnd)
	return &e, nil
}

func (s *SQLiteStore) ListEntitlements(ctx context.Context, customerID string) ([]Entitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, code, status, current_period_end, updated_at
		 FROM entitlements WHERE customer_id = ? ORDER BY code`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entitlement
	for rows.Next() {
		var e Entitlement
		var periodEnd sql.NullTime
		if err := rows.Scan(&e.CustomerID, &e.Code, &e.Status, &periodEnd, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.CurrentPeriodEnd = timePtr(periodEnd)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SetAllEntitlementStatus(ctx context.Context, customerID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entitlements SET status = ?, updated_at = ? WHERE customer_id = ?`,
		status, time.Now().UTC(), customerID,
	)
	return err
}

// --- Project selections ---

func (s *SQLiteStore) GetSelection(ctx context.Context, customerID, code string) (*ProjectSelection, error) {
	var sel ProjectSelection
	var effectiveAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_id, code, current_project, pending_project, pending_effective_at, updated_at
		 FROM project_selections WHERE customer_id = ? AND code = ?`, customerID, code,
	).Scan(&sel.CustomerID, &sel.Code, &sel.CurrentProject, &sel.PendingProject, &effectiveAt, &sel.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sel.PendingEffectiveAt = timePtr(effectiveAt)
	return &sel, nil
}

func (s *SQLiteStore) CreateSelection(ctx context.Context, sel *ProjectSelection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_selections (customer_id, code, current_project, pending_project, pending_effective_at, updated_at)
		 VALUES (?, ?, ?, '', NULL, ?)`,
		sel.CustomerID, sel.Code, sel.CurrentProject, sel.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) SetSelectionCurrent(ctx context.Context, customerID, code, project string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET current_project = ?, updated_at = ?
		 WHERE customer_id = ? AND code = ?`,
		project, time.Now().UTC(), customerID, code,
	)
	return err
}

func (s *SQLiteStore) SetSelectionPending(ctx context.Context, customerID, code, project string, effectiveAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET pending_project = ?, pending_effective_at = ?, updated_at = ?
		 WHERE customer_id = ? AND code = ?`,
		project, effectiveAt, time.Now().UTC(), customerID, code,
	)
	return err
}

// RollForwardSelection promotes a due pending change. The WHERE clause makes
// it a compare-and-swap: of two racing callers only one sees rows affected,
// and a row without a due pending change is left untouched.
func (s *SQLiteStore) RollForwardSelection(ctx context.Context, customerID, code string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET current_project = pending_project,
		     pending_project = '',
		     pending_effective_at = NULL,
		     updated_at = ?
		 WHERE customer_id = ? AND code = ?
		   AND pending_project != ''
		   AND pending_effective_at IS NOT NULL
		   AND pending_effective_at <= ?`,
		now, customerID, code, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Subscription mirror ---

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stripe_id) DO UPDATE SET
		   customer_id = excluded.customer_id,
		   status = excluded.status,
		   current_period_end = excluded.current_period_end,
		   cancel_at_period_end = excluded.cancel_at_period_end,
		   updated_at = excluded.updated_at`,
		sub.StripeID, sub.CustomerID, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, stripeID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at
		 FROM subscriptions WHERE stripe_id = ?`, stripeID,
	).Scan(&sub.StripeID, &sub.CustomerID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLiteStore) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at
		 FROM subscriptions WHERE customer_id = ? ORDER BY current_period_end DESC`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.StripeID, &sub.CustomerID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpsertSubscriptionItem(ctx context.Context, item *SubscriptionItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_items (stripe_item_id, subscription_id, price_id, product_id, quantity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(stripe_item_id) DO UPDATE SET
		   price_id = excluded.price_id,
		   product_id = excluded.product_id,
		   quantity = excluded.quantity`,
		item.StripeItemID, item.SubscriptionID, item.PriceID, item.ProductID, item.Quantity,
	)
	return err
}

func (s *SQLiteStore) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]SubscriptionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stripe_item_id, subscription_id, price_id, product_id, quantity
		 FROM subscription_items WHERE subscription_id = ? ORDER BY stripe_item_id`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionItems(rows)
}

func (s *SQLiteStore) ListSubscriptionItemsByCustomer(ctx context.Context, customerID string) ([]SubscriptionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.stripe_item_id, i.subscription_id, i.price_id, i.product_id, i.quantity
		 FROM subscription_items i
		 JOIN subscriptions s ON s.stripe_id = i.subscription_id
		 WHERE s.customer_id = ? ORDER BY i.stripe_item_id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionItems(rows)
}

func scanSubscriptionItems(rows *sql.Rows) ([]SubscriptionItem, error) {
	var result []SubscriptionItem
	for rows.Next() {
		var item SubscriptionItem
		if err := rows.Scan(&item.StripeItemID, &item.SubscriptionID, &item.PriceID, &item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteSubscriptionItem(ctx context.Context, stripeItemID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscription_items WHERE stripe_item_id = ?`, stripeItemID)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := string(event.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, customer_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.CustomerID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, customer_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.CustomerID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			ev.Detail = []byte(detail)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
