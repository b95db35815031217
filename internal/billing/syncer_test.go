package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/orvio-apps/caphub/internal/config"
	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/store"
)

func testPlans() map[string]config.PlanConfig {
	return map[string]config.PlanConfig{
		"basic": {
			PriceIDs:     []string{"price_basic"},
			Entitlements: []string{"analytics"},
		},
		"pro": {
			PriceIDs:     []string{"price_pro", "price_pro_yearly"},
			Entitlements: []string{"analytics", "exports"},
		},
	}
}

func newTestSyncer(t *testing.T) (*Syncer, *entitlement.Ledger, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := entitlement.NewLedger(s, nil, logger)
	return NewSyncer(s, ledger, NewCatalog(testPlans()), logger), ledger, s
}

func activeEvent(subID, customerID, priceID string, periodEnd time.Time) *SubscriptionEvent {
	return &SubscriptionEvent{
		SubscriptionID:   subID,
		CustomerID:       customerID,
		Status:           store.StatusActive,
		CurrentPeriodEnd: periodEnd.Unix(),
		Items: []SubscriptionItem{
			{ItemID: "si_" + subID, PriceID: priceID, Quantity: 1},
		},
	}
}

func TestCatalogCodes(t *testing.T) {
	c := NewCatalog(testPlans())

	codes, err := c.Codes("price_pro")
	if err != nil {
		t.Fatalf("Codes: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("Codes(price_pro): got %v", codes)
	}

	_, err = c.Codes("price_unknown")
	if !errors.Is(err, ErrMappingUnavailable) {
		t.Fatalf("Codes(unknown): got %v, want ErrMappingUnavailable", err)
	}

	plan, ok := c.Plan("price_pro_yearly")
	if !ok || plan != "pro" {
		t.Errorf("Plan(price_pro_yearly): got %q, %v", plan, ok)
	}
}

func TestGrantable(t *testing.T) {
	for status, want := range map[string]bool{
		store.StatusActive:   true,
		store.StatusTrialing: true,
		store.StatusPastDue:  true,
		"incomplete":         false,
		"canceled":           false,
		"unpaid":             false,
	} {
		if got := Grantable(status); got != want {
			t.Errorf("Grantable(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestHandleSubscriptionChangeGrants(t *testing.T) {
	syn, ledger, s := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	ev := activeEvent("sub_1", "cus_1", "price_pro", periodEnd)
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}

	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 granted entitlements, got %d", len(active))
	}
	for _, e := range active {
		if e.CurrentPeriodEnd == nil || !e.CurrentPeriodEnd.Equal(periodEnd) {
			t.Errorf("entitlement %s period end: got %v, want %v", e.Code, e.CurrentPeriodEnd, periodEnd)
		}
	}

	// The subscription and its items are mirrored.
	sub, err := s.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub == nil || sub.Status != store.StatusActive {
		t.Fatalf("mirror: got %+v", sub)
	}
	items, err := s.ListSubscriptionItems(ctx, "sub_1")
	if err != nil {
		t.Fatalf("ListSubscriptionItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("mirror items: got %d, want 1", len(items))
	}
}

func TestHandleSubscriptionChangeReplaySafe(t *testing.T) {
	syn, ledger, _ := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()

	ev := activeEvent("sub_1", "cus_1", "price_basic", periodEnd)
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange (replay): %v", err)
	}

	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("replay created extra rows: got %d", len(active))
	}
}

func TestHandleSubscriptionChangeRemovesStaleItems(t *testing.T) {
	syn, _, s := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()

	ev := &SubscriptionEvent{
		SubscriptionID:   "sub_1",
		CustomerID:       "cus_1",
		Status:           store.StatusActive,
		CurrentPeriodEnd: periodEnd.Unix(),
		Items: []SubscriptionItem{
			{ItemID: "si_a", PriceID: "price_basic"},
			{ItemID: "si_b", PriceID: "price_pro"},
		},
	}
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}

	// Next event drops one item.
	ev.Items = ev.Items[:1]
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange (update): %v", err)
	}

	items, err := s.ListSubscriptionItems(ctx, "sub_1")
	if err != nil {
		t.Fatalf("ListSubscriptionItems: %v", err)
	}
	if len(items) != 1 || items[0].StripeItemID != "si_a" {
		t.Fatalf("items after update: got %+v, want only si_a", items)
	}
}

func TestHandleSubscriptionChangeUnmappedPrice(t *testing.T) {
	syn, _, _ := newTestSyncer(t)
	ctx := context.Background()

	ev := activeEvent("sub_1", "cus_1", "price_unknown", time.Now().Add(24*time.Hour))
	err := syn.HandleSubscriptionChange(ctx, ev)
	if !errors.Is(err, ErrMappingUnavailable) {
		t.Fatalf("expected ErrMappingUnavailable, got %v", err)
	}
}

func TestHandleSubscriptionChangeNonGrantableStatus(t *testing.T) {
	syn, ledger, _ := newTestSyncer(t)
	ctx := context.Background()

	ev := activeEvent("sub_1", "cus_1", "price_basic", time.Now().Add(24*time.Hour))
	ev.Status = "incomplete"
	if err := syn.HandleSubscriptionChange(ctx, ev); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}

	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("incomplete subscription granted entitlements: %+v", active)
	}
}

func TestHandleSubscriptionDeletedRevokes(t *testing.T) {
	syn, ledger, s := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()

	if err := syn.HandleSubscriptionChange(ctx, activeEvent("sub_1", "cus_1", "price_pro", periodEnd)); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}

	// The customer had picked a project; deletion must not disturb it.
	sel := &store.ProjectSelection{CustomerID: "cus_1", Code: "analytics", CurrentProject: "alpha", UpdatedAt: time.Now().UTC()}
	if err := s.CreateSelection(ctx, sel); err != nil {
		t.Fatal(err)
	}

	del := &SubscriptionEvent{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "canceled"}
	if err := syn.HandleSubscriptionDeleted(ctx, del); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}

	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("entitlements survived deletion: %+v", active)
	}

	kept, err := s.GetSelection(ctx, "cus_1", "analytics")
	if err != nil {
		t.Fatalf("GetSelection: %v", err)
	}
	if kept == nil || kept.CurrentProject != "alpha" {
		t.Fatalf("project selection lost on revoke: %+v", kept)
	}
}

func TestEnsureGrantsInfersFromMirror(t *testing.T) {
	syn, ledger, s := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	// Mirror exists (e.g. from a previous process) but the ledger is empty.
	sub := &store.Subscription{
		StripeID:         "sub_1",
		CustomerID:       "cus_1",
		Status:           store.StatusActive,
		CurrentPeriodEnd: periodEnd,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	item := &store.SubscriptionItem{StripeItemID: "si_1", SubscriptionID: "sub_1", PriceID: "price_pro", Quantity: 1}
	if err := s.UpsertSubscriptionItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	if err := syn.EnsureGrants(ctx, "cus_1"); err != nil {
		t.Fatalf("EnsureGrants: %v", err)
	}

	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("inferred grants: got %d, want 2", len(active))
	}

	// Running again must not fail and must not duplicate.
	if err := syn.EnsureGrants(ctx, "cus_1"); err != nil {
		t.Fatalf("EnsureGrants (repeat): %v", err)
	}
	active, _ = ledger.ListActive(ctx, "cus_1")
	if len(active) != 2 {
		t.Fatalf("repeat inference changed rows: got %d", len(active))
	}
}

func TestEnsureGrantsNoMirror(t *testing.T) {
	syn, ledger, _ := newTestSyncer(t)
	ctx := context.Background()

	if err := syn.EnsureGrants(ctx, "cus_1"); err != nil {
		t.Fatalf("EnsureGrants with no data: %v", err)
	}
	active, err := ledger.ListActive(ctx, "cus_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("grants appeared from nowhere: %+v", active)
	}
}

func TestCurrentPeriodEnd(t *testing.T) {
	syn, _, _ := newTestSyncer(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	if err := syn.HandleSubscriptionChange(ctx, activeEvent("sub_1", "cus_1", "price_pro", periodEnd)); err != nil {
		t.Fatalf("HandleSubscriptionChange: %v", err)
	}

	got, err := syn.CurrentPeriodEnd(ctx, "cus_1", "exports")
	if err != nil {
		t.Fatalf("CurrentPeriodEnd: %v", err)
	}
	if got == nil || !got.Equal(periodEnd) {
		t.Errorf("CurrentPeriodEnd: got %v, want %v", got, periodEnd)
	}

	// A code no subscription grants resolves to nil.
	got, err = syn.CurrentPeriodEnd(ctx, "cus_1", "unknown-code")
	if err != nil {
		t.Fatalf("CurrentPeriodEnd: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil period end for ungranted code, got %v", got)
	}
}

func TestEventPeriodEnd(t *testing.T) {
	ev := &SubscriptionEvent{}
	if !ev.PeriodEnd().IsZero() {
		t.Error("zero epoch should produce zero time")
	}
	ev.CurrentPeriodEnd = 1767225600
	if ev.PeriodEnd().Unix() != 1767225600 {
		t.Errorf("PeriodEnd: got %v", ev.PeriodEnd())
	}
}
