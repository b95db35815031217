package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/store"
)

// Syncer reconciles the entitlement ledger from billing subscription events.
// It also answers period-end lookups for the project scheduler from the
// local subscription mirror.
type Syncer struct {
	store   store.Store
	ledger  *entitlement.Ledger
	catalog *Catalog
	logger  *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(s store.Store, ledger *entitlement.Ledger, catalog *Catalog, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:   s,
		ledger:  ledger,
		catalog: catalog,
		logger:  logger.With("component", "billing"),
	}
}

// HandleSubscriptionChange processes a created/updated event: mirrors the
// subscription and its items (items absent from the event are deleted), maps
// prices to entitlement codes, and grants them when the status allows it.
// Upserts are idempotent, so replays and out-of-order retries are harmless.
func (s *Syncer) HandleSubscriptionChange(ctx context.Context, ev *SubscriptionEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid subscription event: %w", err)
	}

	now := time.Now().UTC()
	sub := &store.Subscription{
		StripeID:          ev.SubscriptionID,
		CustomerID:        ev.CustomerID,
		Status:            ev.Status,
		CurrentPeriodEnd:  ev.PeriodEnd(),
		CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
		UpdatedAt:         now,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", ev.SubscriptionID, err)
	}

	if err := s.syncItems(ctx, ev); err != nil {
		return err
	}

	codes, err := s.codesForItems(ev.Items)
	if err != nil {
		return err
	}

	if !Grantable(ev.Status) {
		s.logger.Debug("subscription status grants nothing",
			"subscription_id", ev.SubscriptionID, "status", ev.Status)
		return nil
	}

	var periodEnd *time.Time
	if pe := ev.PeriodEnd(); !pe.IsZero() {
		periodEnd = &pe
	}
	return s.ledger.UpsertGrant(ctx, ev.CustomerID, codes, ev.Status, periodEnd)
}

// syncItems upserts the event's line items and deletes stored items no longer
// present. Deletes are best-effort: a failed delete is logged and swallowed,
// since stale rows are safe to leave and the next event for the same
// subscription retries the same diff.
func (s *Syncer) syncItems(ctx context.Context, ev *SubscriptionEvent) error {
	existing, err := s.store.ListSubscriptionItems(ctx, ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("list subscription items: %w", err)
	}

	incoming := make(map[string]bool, len(ev.Items))
	for _, item := range ev.Items {
		incoming[item.ItemID] = true
		err := s.store.UpsertSubscriptionItem(ctx, &store.SubscriptionItem{
			StripeItemID:   item.ItemID,
			SubscriptionID: ev.SubscriptionID,
			PriceID:        item.PriceID,
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
		})
		if err != nil {
			return fmt.Errorf("upsert subscription item %s: %w", item.ItemID, err)
		}
	}

	for _, item := range existing {
		if incoming[item.StripeItemID] {
			continue
		}
		if err := s.store.DeleteSubscriptionItem(ctx, item.StripeItemID); err != nil {
			s.logger.Warn("failed to delete stale subscription item",
				"item_id", item.StripeItemID, "error", err)
		}
	}
	return nil
}

// HandleSubscriptionDeleted revokes every entitlement for the customer.
// Project selections are not touched: project history is preserved so a
// resubscribe resumes at the previous project.
func (s *Syncer) HandleSubscriptionDeleted(ctx context.Context, ev *SubscriptionEvent) error {
	if ev.SubscriptionID == "" || ev.CustomerID == "" {
		return fmt.Errorf("invalid subscription event: subscription_id and customer_id are required")
	}

	if sub, err := s.store.GetSubscription(ctx, ev.SubscriptionID); err == nil && sub != nil {
		sub.Status = ev.Status
		if sub.Status == "" {
			sub.Status = "canceled"
		}
		sub.UpdatedAt = time.Now().UTC()
		// Best-effort mirror update; revocation below is the primary effect.
		if err := s.store.UpsertSubscription(ctx, sub); err != nil {
			s.logger.Warn("failed to update subscription mirror on delete",
				"subscription_id", ev.SubscriptionID, "error", err)
		}
	}

	return s.ledger.RevokeAll(ctx, ev.CustomerID)
}

// EnsureGrants is the fallback inference path for when the webhook has not
// been processed yet: if the customer has zero active entitlement rows but a
// usable mirrored subscription with line items, derive the codes from those
// items and grant immediately. It performs the same upsert as the event path,
// so the two are idempotent with each other.
func (s *Syncer) EnsureGrants(ctx context.Context, customerID string) error {
	active, err := s.ledger.ListActive(ctx, customerID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	subs, err := s.store.ListSubscriptionsByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !Grantable(sub.Status) {
			continue
		}
		items, err := s.store.ListSubscriptionItems(ctx, sub.StripeID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			continue
		}
		var evItems []SubscriptionItem
		for _, item := range items {
			evItems = append(evItems, SubscriptionItem{
				ItemID:  item.StripeItemID,
				PriceID: item.PriceID,
			})
		}
		codes, err := s.codesForItems(evItems)
		if err != nil {
			return err
		}
		periodEnd := sub.CurrentPeriodEnd
		s.logger.Info("inferred grants from billing line items",
			"customer_id", customerID, "subscription_id", sub.StripeID, "codes", codes)
		return s.ledger.UpsertGrant(ctx, customerID, codes, sub.Status, &periodEnd)
	}
	return nil
}

// CurrentPeriodEnd implements project.PeriodSource: it returns the period end
// of the newest usable subscription whose items grant the given code, or nil
// when none is known.
func (s *Syncer) CurrentPeriodEnd(ctx context.Context, customerID, code string) (*time.Time, error) {
	subs, err := s.store.ListSubscriptionsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if !Grantable(sub.Status) {
			continue
		}
		items, err := s.store.ListSubscriptionItems(ctx, sub.StripeID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			codes, err := s.catalog.Codes(item.PriceID)
			if err != nil {
				// Unmapped price on an otherwise valid subscription; keep looking.
				continue
			}
			for _, c := range codes {
				if c == code {
					pe := sub.CurrentPeriodEnd
					return &pe, nil
				}
			}
		}
	}
	return nil, nil
}

// codesForItems maps the event's price IDs through the catalog, deduplicated,
// preserving first-seen order.
func (s *Syncer) codesForItems(items []SubscriptionItem) ([]string, error) {
	seen := make(map[string]bool)
	var codes []string
	for _, item := range items {
		mapped, err := s.catalog.Codes(item.PriceID)
		if err != nil {
			return nil, err
		}
		for _, c := range mapped {
			if !seen[c] {
				seen[c] = true
				codes = append(codes, c)
			}
		}
	}
	return codes, nil
}
