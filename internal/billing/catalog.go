package billing

import (
	"errors"
	"fmt"

	"github.com/orvio-apps/caphub/internal/config"
	"github.com/orvio-apps/caphub/internal/store"
)

// ErrMappingUnavailable means a price ID has no configured plan mapping.
// This is a configuration fault: the operator must add the price to
// billing.plans.
var ErrMappingUnavailable = errors.New("price mapping unavailable")

// Catalog is the explicit price -> plan -> entitlement-codes mapping, loaded
// from config once and injected wherever it is needed. Nothing reads the
// mapping from ambient process state.
type Catalog struct {
	pricePlan  map[string]string   // price id -> plan name
	priceCodes map[string][]string // price id -> entitlement codes
}

// NewCatalog builds a Catalog from the configured plans.
func NewCatalog(plans map[string]config.PlanConfig) *Catalog {
	c := &Catalog{
		pricePlan:  make(map[string]string),
		priceCodes: make(map[string][]string),
	}
	for plan, pc := range plans {
		for _, priceID := range pc.PriceIDs {
			c.pricePlan[priceID] = plan
			c.priceCodes[priceID] = append([]string(nil), pc.Entitlements...)
		}
	}
	return c
}

// Codes returns the entitlement codes granted by a price.
func (c *Catalog) Codes(priceID string) ([]string, error) {
	codes, ok := c.priceCodes[priceID]
	if !ok {
		return nil, fmt.Errorf("price %q: %w", priceID, ErrMappingUnavailable)
	}
	return codes, nil
}

// Plan returns the plan name a price belongs to.
func (c *Catalog) Plan(priceID string) (string, bool) {
	plan, ok := c.pricePlan[priceID]
	return plan, ok
}

// Grantable reports whether a subscription status grants entitlements.
// Statuses like "incomplete" grant nothing, which prevents handing out
// access before the first payment succeeds.
func Grantable(status string) bool {
	switch status {
	case store.StatusActive, store.StatusTrialing, store.StatusPastDue:
		return true
	default:
		return false
	}
}
