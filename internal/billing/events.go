// Package billing consumes subscription-change notifications from the billing
// platform, mirrors them locally, and reconciles the entitlement ledger.
package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Webhook event types accepted on the billing endpoint.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is the webhook envelope.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SubscriptionEvent is a subscription-change notification. Period end is a
// unix epoch in seconds, as sent by the billing platform.
type SubscriptionEvent struct {
	SubscriptionID    string             `json:"subscription_id"`
	CustomerID        string             `json:"customer_id"`
	Status            string             `json:"status"`
	Items             []SubscriptionItem `json:"items"`
	CurrentPeriodEnd  int64              `json:"current_period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// SubscriptionItem is one line item of a subscription event.
type SubscriptionItem struct {
	ItemID    string `json:"item_id"`
	PriceID   string `json:"price_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// PeriodEnd returns the period end as a time, or the zero time when unset.
func (ev *SubscriptionEvent) PeriodEnd() time.Time {
	if ev.CurrentPeriodEnd == 0 {
		return time.Time{}
	}
	return time.Unix(ev.CurrentPeriodEnd, 0).UTC()
}

// Validate checks the fields every handler relies on.
func (ev *SubscriptionEvent) Validate() error {
	if ev.SubscriptionID == "" {
		return fmt.Errorf("subscription_id is required")
	}
	if ev.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	if ev.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}
