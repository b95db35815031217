// Package entitlement maintains the ledger of capability grants per customer
// and owns the single grace-period usability policy applied by every reader.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orvio-apps/caphub/internal/store"
)

// Ledger is the source of truth for what a customer is allowed to use.
type Ledger struct {
	store     store.Store
	graceDays map[string]int // entitlement code -> days past due still usable
	logger    *slog.Logger
}

// NewLedger creates a Ledger. graceDays comes from billing config and may be nil.
func NewLedger(s store.Store, graceDays map[string]int, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     s,
		graceDays: graceDays,
		logger:    logger.With("component", "ledger"),
	}
}

// UpsertGrant sets or creates one entitlement row per code with the given
// status and period end. Codes not in the list are left untouched; this is an
// additive grant, not a full replace. Calling it twice with the same arguments
// leaves exactly one row per code.
func (l *Ledger) UpsertGrant(ctx context.Context, customerID string, codes []string, status string, periodEnd *time.Time) error {
	now := time.Now().UTC()
	for _, code := range codes {
		e := &store.Entitlement{
			CustomerID:       customerID,
			Code:             code,
			Status:           status,
			CurrentPeriodEnd: periodEnd,
			UpdatedAt:        now,
		}
		if err := l.store.UpsertEntitlement(ctx, e); err != nil {
			return fmt.Errorf("upsert entitlement %s/%s: %w", customerID, code, err)
		}
	}
	l.logger.Debug("granted entitlements", "customer_id", customerID, "codes", codes, "status", status)
	return nil
}

// RevokeAll marks every entitlement row for the customer inactive. Project
// selections are intentionally left alone so a resubscribe resumes at the
// previous project.
func (l *Ledger) RevokeAll(ctx context.Context, customerID string) error {
	if err := l.store.SetAllEntitlementStatus(ctx, customerID, store.StatusInactive); err != nil {
		return fmt.Errorf("revoke entitlements for %s: %w", customerID, err)
	}
	l.logger.Info("revoked all entitlements", "customer_id", customerID)
	return nil
}

// ListActive returns rows whose status is active, trialing, or past_due —
// still usable, possibly within grace. The grace window itself is not
// evaluated here; use ListUsable for that.
func (l *Ledger) ListActive(ctx context.Context, customerID string) ([]store.Entitlement, error) {
	all, err := l.store.ListEntitlements(ctx, customerID)
	if err != nil {
		return nil, err
	}
	var result []store.Entitlement
	for _, e := range all {
		switch e.Status {
		case store.StatusActive, store.StatusTrialing, store.StatusPastDue:
			result = append(result, e)
		}
	}
	return result, nil
}

// ListUsable returns the entitlements usable at the given instant, applying
// the grace policy.
func (l *Ledger) ListUsable(ctx context.Context, customerID string, now time.Time) ([]store.Entitlement, error) {
	active, err := l.ListActive(ctx, customerID)
	if err != nil {
		return nil, err
	}
	var result []store.Entitlement
	for _, e := range active {
		if l.Usable(e, now) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Usable evaluates the status-to-usability policy: active and trialing are
// usable; past_due is usable only while now <= currentPeriodEnd + grace
// window for the code; inactive never. Token issuance and verification both
// call this exact method — the policy must never be re-implemented elsewhere.
func (l *Ledger) Usable(e store.Entitlement, now time.Time) bool {
	switch e.Status {
	case store.StatusActive, store.StatusTrialing:
		return true
	case store.StatusPastDue:
		if e.CurrentPeriodEnd == nil {
			// No period end on record: the grace window cannot be anchored.
			return false
		}
		grace := time.Duration(l.GraceDays(e.Code)) * 24 * time.Hour
		return !now.After(e.CurrentPeriodEnd.Add(grace))
	default:
		return false
	}
}

// GraceDays returns the configured grace window for a code, defaulting to 0.
func (l *Ledger) GraceDays(code string) int {
	return l.graceDays[code]
}
