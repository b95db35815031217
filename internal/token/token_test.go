package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/project"
	"github.com/orvio-apps/caphub/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixedPeriods struct {
	end *time.Time
}

func (p *fixedPeriods) CurrentPeriodEnd(ctx context.Context, customerID, code string) (*time.Time, error) {
	return p.end, nil
}

type fixture struct {
	svc    *Service
	ledger *entitlement.Ledger
	sched  *project.Scheduler
	store  *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := entitlement.NewLedger(s, nil, logger)
	sched := project.NewScheduler(s, ledger, &fixedPeriods{}, logger)
	svc := NewService(testSecret, "caphub", 600*time.Second, ledger, sched, logger)
	return &fixture{svc: svc, ledger: ledger, sched: sched, store: s}
}

func (f *fixture) grant(t *testing.T, customerID string, codes ...string) {
	t.Helper()
	if err := f.ledger.UpsertGrant(context.Background(), customerID, codes, store.StatusActive, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics", "exports")

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.ExpiresIn != 600 {
		t.Errorf("ExpiresIn: got %d, want 600", issued.ExpiresIn)
	}
	if len(issued.Entitlements) != 2 {
		t.Errorf("Entitlements: got %v", issued.Entitlements)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("Verify: invalid, reason %q", res.Reason)
	}
	if res.Sub != "user_1" || res.CustomerID != "cus_1" {
		t.Errorf("claims: sub=%q cus=%q", res.Sub, res.CustomerID)
	}
	if len(res.Entitlements) != 2 {
		t.Errorf("verified entitlements: got %v", res.Entitlements)
	}
}

func TestIssueNotEntitled(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), "user_1", "cus_1", IssueRequest{})
	if !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("Issue without grants: got %v, want ErrNotEntitled", err)
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	issuedAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return issuedAt }

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// 599 seconds after issuance: still valid.
	f.svc.now = func() time.Time { return issuedAt.Add(599 * time.Second) }
	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Errorf("token invalid at +599s: reason %q", res.Reason)
	}

	// 601 seconds after issuance: expired.
	f.svc.now = func() time.Time { return issuedAt.Add(601 * time.Second) }
	res, err = f.svc.Verify(ctx, VerifyRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Error("token still valid at +601s")
	}
	if res.Reason != ReasonExpired {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonExpired)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other := NewService("another-secret-with-32-characters!!", "caphub", 600*time.Second, f.ledger, f.sched, logger)

	res, err := other.Verify(ctx, VerifyRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("token verified under wrong secret")
	}
	if res.Reason != ReasonBadSignature {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonBadSignature)
	}
}

func TestVerifyMalformed(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Verify(context.Background(), VerifyRequest{Token: "not-a-jwt"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("garbage verified")
	}
	if res.Reason != ReasonMalformed {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonMalformed)
	}
}

func TestVerifyRejectsAfterRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Revocation mid-lifetime: the embedded codes are never trusted.
	if err := f.ledger.RevokeAll(ctx, "cus_1"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("token valid after revocation")
	}
	if res.Reason != ReasonNotEntitled {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonNotEntitled)
	}
}

func TestVerifyCodeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token, Code: "analytics"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Errorf("expected valid for granted code, reason %q", res.Reason)
	}

	res, err = f.svc.Verify(ctx, VerifyRequest{Token: issued.Token, Code: "exports"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Error("verified against a code the customer does not hold")
	}
	if res.Reason != ReasonNotEntitled {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonNotEntitled)
	}
}

func TestIssueWithAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	// No project selected yet: audience cannot be asserted.
	_, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{Audience: "alpha"})
	if !errors.Is(err, ErrAudienceNotAllowed) {
		t.Fatalf("Issue with unselected audience: got %v, want ErrAudienceNotAllowed", err)
	}

	if _, err := f.sched.Select(ctx, "cus_1", "analytics", "alpha"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{Audience: "alpha"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token, ExpectedAudience: "alpha"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, reason %q", res.Reason)
	}
	if res.Aud != "alpha" {
		t.Errorf("Aud: got %q, want alpha", res.Aud)
	}

	// Issuing for a project that is not the current one fails.
	_, err = f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{Audience: "beta"})
	if !errors.Is(err, ErrAudienceNotAllowed) {
		t.Fatalf("Issue for other project: got %v, want ErrAudienceNotAllowed", err)
	}
}

func TestVerifyAudienceMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	if _, err := f.sched.Select(ctx, "cus_1", "analytics", "alpha"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{Audience: "alpha"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token, ExpectedAudience: "beta"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("audience mismatch accepted")
	}
	if res.Reason != ReasonAudienceMismatch {
		t.Errorf("reason: got %q, want %q", res.Reason, ReasonAudienceMismatch)
	}

	// A token with no audience cannot satisfy an audience expectation.
	plain, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	res, err = f.svc.Verify(ctx, VerifyRequest{Token: plain.Token, ExpectedAudience: "alpha"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("audience-less token accepted for an audience check")
	}
}

func TestVerifySelectionMismatchAfterSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "cus_1", "analytics")

	if _, err := f.sched.Select(ctx, "cus_1", "analytics", "alpha"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	issued, err := f.svc.Issue(ctx, "user_1", "cus_1", IssueRequest{Audience: "alpha"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Force the active project to change mid-token-lifetime.
	if err := f.store.SetSelectionCurrent(ctx, "cus_1", "analytics", "beta"); err != nil {
		t.Fatalf("SetSelectionCurrent: %v", err)
	}

	res, err := f.svc.Verify(ctx, VerifyRequest{Token: issued.Token, ExpectedAudience: "alpha"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("token accepted after the selection changed")
	}
	if res.Reason != "selection mismatch" {
		t.Errorf("reason: got %q, want %q", res.Reason, "selection mismatch")
	}
}
