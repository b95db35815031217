// Package store defines the storage interface for caphub and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Customers (identity subject -> billing customer mapping)
	UpsertCustomer(ctx context.Context, c *Customer) error
	GetCustomerBySubject(ctx context.Context, subjectID string) (*Customer, error)
	GetCustomerByBillingID(ctx context.Context, billingCustomerID string) (*Customer, error)

	// Users (builtin auth only)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)

	// Entitlements
	UpsertEntitlement(ctx context.Context, e *Entitlement) error
	GetEntitlement(ctx context.Context, customerID, code string) (*Entitlement, error)
	ListEntitlements(ctx context.Context, customerID string) ([]Entitlement, error)
	SetAllEntitlementStatus(ctx context.Context, customerID, status string) error

	// Project selections. The pending pair (project + effective-at) is always
	// written and cleared together; RollForwardSelection is a conditional
	// promote that only fires when the pending change has come due, so racing
	// callers cannot apply it twice.
	GetSelection(ctx context.Context, customerID, code string) (*ProjectSelection, error)
	CreateSelection(ctx context.Context, sel *ProjectSelection) error
	SetSelectionCurrent(ctx context.Context, customerID, code, project string) error
	SetSelectionPending(ctx context.Context, customerID, code, project string, effectiveAt time.Time) error
	RollForwardSelection(ctx context.Context, customerID, code string, now time.Time) (bool, error)

	// Subscription mirror (billing)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, stripeID string) (*Subscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]Subscription, error)
	UpsertSubscriptionItem(ctx context.Context, item *SubscriptionItem) error
	ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]SubscriptionItem, error)
	ListSubscriptionItemsByCustomer(ctx context.Context, customerID string) ([]SubscriptionItem, error)
	DeleteSubscriptionItem(ctx context.Context, stripeItemID string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Entitlement statuses, mirroring the billing platform's subscription statuses.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusInactive = "inactive"
)

// Customer maps an identity-platform subject to a billing-platform customer.
type Customer struct {
	ID                string    `json:"id"`
	SubjectID         string    `json:"subject_id"`
	Email             string    `json:"email"`
	BillingCustomerID string    `json:"billing_customer_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// User is a builtin-auth account (self-hosted mode only).
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Entitlement is one capability grant for a customer. At most one row exists
// per (customer, code).
type Entitlement struct {
	CustomerID       string     `json:"customer_id"`
	Code             string     `json:"code"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ProjectSelection records which downstream project a capability is assigned
// to, plus at most one pending change deferred to the next renewal. Empty
// strings mean unset. PendingProject and PendingEffectiveAt are always set or
// cleared together.
type ProjectSelection struct {
	CustomerID         string     `json:"customer_id"`
	Code               string     `json:"code"`
	CurrentProject     string     `json:"current_project,omitempty"`
	PendingProject     string     `json:"pending_project,omitempty"`
	PendingEffectiveAt *time.Time `json:"pending_effective_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Subscription mirrors a billing-platform subscription.
type Subscription struct {
	StripeID          string    `json:"stripe_id"`
	CustomerID        string    `json:"customer_id"`
	Status            string    `json:"status"`
	CurrentPeriodEnd  time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SubscriptionItem mirrors one line item of a billing subscription.
type SubscriptionItem struct {
	StripeItemID   string `json:"stripe_item_id"`
	SubscriptionID string `json:"subscription_id"`
	PriceID        string `json:"price_id"`
	ProductID      string `json:"product_id"`
	Quantity       int64  `json:"quantity"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	CustomerID string          `json:"customer_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
