package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			subject_id TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			billing_customer_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_billing_id
			ON customers(billing_customer_id) WHERE billing_customer_id != ''`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			customer_id TEXT NOT NULL,
			code TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_end TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (customer_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS project_selections (
			customer_id TEXT NOT NULL,
			code TEXT NOT NULL,
			current_project TEXT NOT NULL DEFAULT '',
			pending_project TEXT NOT NULL DEFAULT '',
			pending_effective_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (customer_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			stripe_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_end TIMESTAMPTZ NOT NULL,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions(customer_id)`,
		`CREATE TABLE IF NOT EXISTS subscription_items (
			stripe_item_id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(stripe_id) ON DELETE CASCADE,
			price_id TEXT NOT NULL,
			product_id TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_items_sub_id ON subscription_items(subscription_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, subject_id, email, billing_customer_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(subject_id) DO UPDATE SET
		   email = excluded.email,
		   billing_customer_id = excluded.billing_customer_id`,
		c.ID, c.SubjectID, c.Email, c.BillingCustomerID, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCustomerBySubject(ctx context.Context, subjectID string) (*Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, email, billing_customer_id, created_at
		 FROM customers WHERE subject_id = $1`, subjectID))
}

func (s *PostgresStore) GetCustomerByBillingID(ctx context.Context, billingCustomerID string) (*Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, email, billing_customer_id, created_at
		 FROM customers WHERE billing_customer_id = $1`, billingCustomerID))
}

func (s *PostgresStore) scanCustomer(row *sql.Row) (*Customer, error) {
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

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM users WHERE username = $1`, username,
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

func (s *PostgresStore) UpsertEntitlement(ctx context.Context, e *Entitlement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (customer_id, code, status, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(customer_id, code) DO UPDATE SET
		   status = excluded.status,
		   current_period_end = excluded.current_period_end,
		   updated_at = excluded.updated_at`,
		e.CustomerID, e.Code, e.Status, nullTime(e.CurrentPeriodEnd), e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetEntitlement(ctx context.Context, customerID, code string) (*Entitlement, error) {
	var e Entitlement
	var periodEnd sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_id, code, status, current_period_end, updated_at
		 FROM entitlements WHERE customer_id = $1 AND code = $2`, customerID, code,
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

func (s *PostgresStore) ListEntitlements(ctx context.Context, customerID string) ([]Entitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, code, status, current_period_end, updated_at
		 FROM entitlements WHERE customer_id = $1 ORDER BY code`, customerID)
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

func (s *PostgresStore) SetAllEntitlementStatus(ctx context.Context, customerID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entitlements SET status = $1, updated_at = $2 WHERE customer_id = $3`,
		status, time.Now().UTC(), customerID,
	)
	return err
}

// --- Project selections ---

func (s *PostgresStore) GetSelection(ctx context.Context, customerID, code string) (*ProjectSelection, error) {
	var sel ProjectSelection
	var effectiveAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_id, code, current_project, pending_project, pending_effective_at, updated_at
		 FROM project_selections WHERE customer_id = $1 AND code = $2`, customerID, code,
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

func (s *PostgresStore) CreateSelection(ctx context.Context, sel *ProjectSelection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_selections (customer_id, code, current_project, pending_project, pending_effective_at, updated_at)
		 VALUES ($1, $2, $3, '', NULL, $4)`,
		sel.CustomerID, sel.Code, sel.CurrentProject, sel.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) SetSelectionCurrent(ctx context.Context, customerID, code, project string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET current_project = $1, updated_at = $2
		 WHERE customer_id = $3 AND code = $4`,
		project, time.Now().UTC(), customerID, code,
	)
	return err
}

func (s *PostgresStore) SetSelectionPending(ctx context.Context, customerID, code, project string, effectiveAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET pending_project = $1, pending_effective_at = $2, updated_at = $3
		 WHERE customer_id = $4 AND code = $5`,
		project, effectiveAt, time.Now().UTC(), customerID, code,
	)
	return err
}

func (s *PostgresStore) RollForwardSelection(ctx context.Context, customerID, code string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_selections
		 SET current_project = pending_project,
		     pending_project = '',
		     pending_effective_at = NULL,
		     updated_at = $1
		 WHERE customer_id = $2 AND code = $3
		   AND pending_project != ''
		   AND pending_effective_at IS NOT NULL
		   AND pending_effective_at <= $4`,
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

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
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

func (s *PostgresStore) GetSubscription(ctx context.Context, stripeID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at
		 FROM subscriptions WHERE stripe_id = $1`, stripeID,
	).Scan(&sub.StripeID, &sub.CustomerID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stripe_id, customer_id, status, current_period_end, cancel_at_period_end, updated_at
		 FROM subscriptions WHERE customer_id = $1 ORDER BY current_period_end DESC`, customerID)
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

func (s *PostgresStore) UpsertSubscriptionItem(ctx context.Context, item *SubscriptionItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_items (stripe_item_id, subscription_id, price_id, product_id, quantity)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(stripe_item_id) DO UPDATE SET
		   price_id = excluded.price_id,
		   product_id = excluded.product_id,
		   quantity = excluded.quantity`,
		item.StripeItemID, item.SubscriptionID, item.PriceID, item.ProductID, item.Quantity,
	)
	return err
}

func (s *PostgresStore) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]SubscriptionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stripe_item_id, subscription_id, price_id, product_id, quantity
		 FROM subscription_items WHERE subscription_id = $1 ORDER BY stripe_item_id`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionItems(rows)
}

func (s *PostgresStore) ListSubscriptionItemsByCustomer(ctx context.Context, customerID string) ([]SubscriptionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.stripe_item_id, i.subscription_id, i.price_id, i.product_id, i.quantity
		 FROM subscription_items i
		 JOIN subscriptions s ON s.stripe_id = i.subscription_id
		 WHERE s.customer_id = $1 ORDER BY i.stripe_item_id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionItems(rows)
}

func (s *PostgresStore) DeleteSubscriptionItem(ctx context.Context, stripeItemID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscription_items WHERE stripe_item_id = $1`, stripeItemID)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := event.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, customer_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.Action, event.CustomerID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, customer_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.CustomerID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Detail = detail
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
