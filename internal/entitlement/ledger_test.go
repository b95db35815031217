package entitlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/orvio-apps/caphub/internal/store"
)

func newTestLedger(t *testing.T, graceDays map[string]int) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(s, graceDays, logger), s
}

func TestUpsertGrantIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()

	codes := []string{"analytics", "exports"}
	if err := l.UpsertGrant(ctx, "cus_1", codes, store.StatusActive, &periodEnd); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}
	if err := l.UpsertGrant(ctx, "cus_1", codes, store.StatusActive, &periodEnd); err != nil {
		t.Fatalf("UpsertGrant (repeat): %v", err)
	}

	active, err := l.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 rows after repeated grant, got %d", len(active))
	}
}

func TestUpsertGrantIsAdditive(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	if err := l.UpsertGrant(ctx, "cus_1", []string{"analytics"}, store.StatusActive, nil); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}
	// A later grant for a different code must not touch the first.
	if err := l.UpsertGrant(ctx, "cus_1", []string{"exports"}, store.StatusTrialing, nil); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}

	active, err := l.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 entitlements, got %d", len(active))
	}
}

func TestRevokeAll(t *testing.T) {
	l, s := newTestLedger(t, nil)
	ctx := context.Background()

	if err := l.UpsertGrant(ctx, "cus_1", []string{"analytics", "exports"}, store.StatusActive, nil); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}
	if err := l.RevokeAll(ctx, "cus_1"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	active, err := l.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active entitlements after revoke, got %d", len(active))
	}

	// Rows still exist, just inactive.
	all, err := s.ListEntitlements(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows retained, got %d", len(all))
	}
}

func TestUsableStatuses(t *testing.T) {
	l, _ := newTestLedger(t, map[string]int{"analytics": 7})
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	periodEnd := now.Add(-2 * 24 * time.Hour) // period ended two days ago

	tests := []struct {
		name string
		e    store.Entitlement
		want bool
	}{
		{"active", store.Entitlement{Code: "analytics", Status: store.StatusActive}, true},
		{"trialing", store.Entitlement{Code: "analytics", Status: store.StatusTrialing}, true},
		{"inactive", store.Entitlement{Code: "analytics", Status: store.StatusInactive}, false},
		{"past_due inside grace", store.Entitlement{Code: "analytics", Status: store.StatusPastDue, CurrentPeriodEnd: &periodEnd}, true},
		{"past_due no period end", store.Entitlement{Code: "analytics", Status: store.StatusPastDue}, false},
		{"past_due no grace configured", store.Entitlement{Code: "exports", Status: store.StatusPastDue, CurrentPeriodEnd: &periodEnd}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.Usable(tt.e, now); got != tt.want {
				t.Errorf("Usable(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestUsableGraceBoundary(t *testing.T) {
	l, _ := newTestLedger(t, map[string]int{"analytics": 7})
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := store.Entitlement{Code: "analytics", Status: store.StatusPastDue, CurrentPeriodEnd: &periodEnd}

	deadline := periodEnd.Add(7 * 24 * time.Hour)

	if !l.Usable(e, deadline) {
		t.Error("exactly at grace deadline should still be usable")
	}
	if l.Usable(e, deadline.Add(time.Second)) {
		t.Error("one second past grace deadline should not be usable")
	}
}

func TestListUsableFiltersGrace(t *testing.T) {
	l, _ := newTestLedger(t, map[string]int{"analytics": 7})
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := now.Add(-30 * 24 * time.Hour)
	if err := l.UpsertGrant(ctx, "cus_1", []string{"analytics"}, store.StatusPastDue, &lapsed); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}
	if err := l.UpsertGrant(ctx, "cus_1", []string{"exports"}, store.StatusActive, nil); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}

	usable, err := l.ListUsable(ctx, "cus_1", now)
	if err != nil {
		t.Fatalf("ListUsable: %v", err)
	}
	if len(usable) != 1 || usable[0].Code != "exports" {
		t.Fatalf("ListUsable: got %+v, want only exports", usable)
	}
}
