// Package project enforces the one-active-project-per-capability rule:
// the first assignment is immediate, later changes are deferred to the next
// billing renewal and rolled forward lazily by whichever call touches the
// row next.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/store"
)

// ErrNotEntitled is returned when a selection is attempted without an active
// grant for the capability.
var ErrNotEntitled = errors.New("not entitled")

// FallbackDeferral is used as the pending-change effective date when no
// billing period end can be resolved for the customer.
const FallbackDeferral = 30 * 24 * time.Hour

// PeriodSource resolves the current billing-period end for a customer and
// capability. Returning a nil time means no period end is known.
type PeriodSource interface {
	CurrentPeriodEnd(ctx context.Context, customerID, code string) (*time.Time, error)
}

// Scheduler is the project-selection state machine, one instance shared by
// all read and write paths so roll-forward logic exists exactly once.
type Scheduler struct {
	store   store.Store
	ledger  *entitlement.Ledger
	periods PeriodSource
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, ledger *entitlement.Ledger, periods PeriodSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		ledger:  ledger,
		periods: periods,
		logger:  logger.With("component", "scheduler"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor serializes operations per (customer, code). Different pairs proceed
// fully in parallel; the store-level conditional roll-forward guards against
// other processes.
func (sch *Scheduler) lockFor(customerID, code string) *sync.Mutex {
	key := customerID + "\x00" + code
	sch.mu.Lock()
	defer sch.mu.Unlock()
	l, ok := sch.locks[key]
	if !ok {
		l = &sync.Mutex{}
		sch.locks[key] = l
	}
	return l
}

// Select requests that the capability's active project become the given one.
// The first choice applies immediately; a genuine change is recorded as
// pending and takes effect at the next renewal. Returns the resulting row.
func (sch *Scheduler) Select(ctx context.Context, customerID, code, project string) (*store.ProjectSelection, error) {
	if project == "" {
		return nil, fmt.Errorf("project is required")
	}

	l := sch.lockFor(customerID, code)
	l.Lock()
	defer l.Unlock()

	ent, err := sch.store.GetEntitlement(ctx, customerID, code)
	if err != nil {
		return nil, fmt.Errorf("check entitlement: %w", err)
	}
	if ent == nil || ent.Status == store.StatusInactive {
		return nil, ErrNotEntitled
	}

	now := time.Now().UTC()
	if err := sch.rollForward(ctx, customerID, code, now); err != nil {
		return nil, err
	}

	sel, err := sch.store.GetSelection(ctx, customerID, code)
	if err != nil {
		return nil, fmt.Errorf("get selection: %w", err)
	}

	switch {
	case sel == nil:
		// First choice is free: assign immediately.
		sel = &store.ProjectSelection{
			CustomerID:     customerID,
			Code:           code,
			CurrentProject: project,
			UpdatedAt:      now,
		}
		if err := sch.store.CreateSelection(ctx, sel); err != nil {
			return nil, fmt.Errorf("create selection: %w", err)
		}
		sch.logger.Info("project assigned", "customer_id", customerID, "code", code, "project", project)
		return sel, nil

	case sel.CurrentProject == "":
		// Row exists but nothing assigned yet: treat as first choice.
		if err := sch.store.SetSelectionCurrent(ctx, customerID, code, project); err != nil {
			return nil, fmt.Errorf("set current project: %w", err)
		}
		sch.logger.Info("project assigned", "customer_id", customerID, "code", code, "project", project)
		return sch.store.GetSelection(ctx, customerID, code)

	case strings.EqualFold(sel.CurrentProject, project):
		// Idempotent no-op; never records a pending change equal to current.
		return sel, nil

	default:
		effectiveAt := now.Add(FallbackDeferral)
		periodEnd, err := sch.periods.CurrentPeriodEnd(ctx, customerID, code)
		if err != nil {
			return nil, fmt.Errorf("resolve period end: %w", err)
		}
		if periodEnd != nil {
			effectiveAt = periodEnd.UTC()
		}
		if err := sch.store.SetSelectionPending(ctx, customerID, code, project, effectiveAt); err != nil {
			return nil, fmt.Errorf("set pending project: %w", err)
		}
		sch.logger.Info("project change deferred",
			"customer_id", customerID, "code", code,
			"from", sel.CurrentProject, "to", project, "effective_at", effectiveAt)
		return sch.store.GetSelection(ctx, customerID, code)
	}
}

// GetCurrent returns the selection row for (customer, code), promoting any
// pending change that has come due first. Returns (nil, nil) when the
// customer has never chosen a project for this capability.
func (sch *Scheduler) GetCurrent(ctx context.Context, customerID, code string) (*store.ProjectSelection, error) {
	l := sch.lockFor(customerID, code)
	l.Lock()
	defer l.Unlock()

	if err := sch.rollForward(ctx, customerID, code, time.Now().UTC()); err != nil {
		return nil, err
	}
	return sch.store.GetSelection(ctx, customerID, code)
}

// rollForward promotes pending -> current once the effective date has passed.
// It is idempotent and safe to re-attempt on every call; the store op is a
// conditional update, so a lost race simply affects zero rows.
func (sch *Scheduler) rollForward(ctx context.Context, customerID, code string, now time.Time) error {
	promoted, err := sch.store.RollForwardSelection(ctx, customerID, code, now)
	if err != nil {
		return fmt.Errorf("roll forward selection: %w", err)
	}
	if promoted {
		sch.logger.Info("pending project change applied", "customer_id", customerID, "code", code)
	}
	return nil
}
