package energy

import (
	"sort"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/ratelimit"
)

// Action is one metered unit of work. Cost is in percent units (0-100);
// zero-cost actions are free and never refund-eligible. LimitScope names the
// per-user rate-limit scope guarding the action; empty means the general
// energy scope.
type Action struct {
	Name       string
	Cost       float64
	App        string
	LimitScope string
}

// Pack is a purchasable energy bundle. The unlimited subscription is a
// distinct pack handled via the subscription path, not a one-shot credit.
type Pack struct {
	Code                    string
	PriceCents              int
	EnergyUnits             float64
	FirstPurchaseBonusUnits float64
	Currency                string
	Subscription            bool
}

// Catalog is the static action and pack configuration. Immutable after
// construction; safe for concurrent reads.
type Catalog struct {
	actions map[string]Action
	packs   map[string]Pack
}

// DefaultCatalog returns the production action costs and pack lineup.
func DefaultCatalog() *Catalog {
	actions := []Action{
		{Name: "conseil_rapide", Cost: 5, App: "luna", LimitScope: ratelimit.ScopeAPILunaChat},
		{Name: "analyse_lettre", Cost: 12, App: "letters"},
		{Name: "lettre_motivation", Cost: 15, App: "letters"},
		{Name: "salary_analysis", Cost: 20, App: "rise"},
		{Name: "analyse_cv_complete", Cost: 25, App: "cv", LimitScope: ratelimit.ScopeAPICVGeneration},
		{Name: "mirror_match", Cost: 30, App: "cv", LimitScope: ratelimit.ScopeAPICVGeneration},
		{Name: "transition_carriere", Cost: 35, App: "aube"},
		{Name: "audit_complet", Cost: 45, App: "cv", LimitScope: ratelimit.ScopeAPICVGeneration},

		// Free actions: never metered, never refundable.
		{Name: "checkin_quotidien", Cost: 0, App: "luna"},
		{Name: "consultation_solde", Cost: 0, App: "luna"},
		{Name: "aube_orientation_start", Cost: 0, App: "aube"},
	}
	packs := []Pack{
		{Code: "cafe_luna", PriceCents: 299, EnergyUnits: 100, FirstPurchaseBonusUnits: 10, Currency: "eur"},
		{Code: "petit_dej_luna", PriceCents: 599, EnergyUnits: 220, FirstPurchaseBonusUnits: 22, Currency: "eur"},
		{Code: "repas_luna", PriceCents: 999, EnergyUnits: 400, FirstPurchaseBonusUnits: 40, Currency: "eur"},
		{Code: "luna_unlimited", PriceCents: 2999, EnergyUnits: 0, Currency: "eur", Subscription: true},
	}
	return NewCatalog(actions, packs)
}

// NewCatalog builds a catalog from explicit action and pack lists.
func NewCatalog(actions []Action, packs []Pack) *Catalog {
	c := &Catalog{
		actions: make(map[string]Action, len(actions)),
		packs:   make(map[string]Pack, len(packs)),
	}
	for _, a := range actions {
		c.actions[a.Name] = a
	}
	for _, p := range packs {
		c.packs[p.Code] = p
	}
	return c
}

// Action resolves an action name; UnknownAction when absent.
func (c *Catalog) Action(name string) (Action, error) {
	a, ok := c.actions[name]
	if !ok {
		return Action{}, core.ErrUnknownAction(name)
	}
	return a, nil
}

// Pack resolves a pack code; UnknownPack when absent.
func (c *Catalog) Pack(code string) (Pack, error) {
	p, ok := c.packs[code]
	if !ok {
		return Pack{}, core.NewErrorf(core.CodeUnknownPack, "unknown pack %q", code).WithDetail("pack", code)
	}
	return p, nil
}

// RefundEligible reports whether an action's cost can ever be refunded.
// Free actions are excluded by definition.
func (c *Catalog) RefundEligible(name string) bool {
	a, ok := c.actions[name]
	return ok && a.Cost > 0
}

// SuggestPack returns the cheapest one-shot pack covering the deficit, or
// the largest pack when nothing covers it.
func (c *Catalog) SuggestPack(deficit float64) string {
	oneShot := make([]Pack, 0, len(c.packs))
	for _, p := range c.packs {
		if !p.Subscription {
			oneShot = append(oneShot, p)
		}
	}
	sort.Slice(oneShot, func(i, j int) bool { return oneShot[i].EnergyUnits < oneShot[j].EnergyUnits })
	for _, p := range oneShot {
		if p.EnergyUnits >= deficit {
			return p.Code
		}
	}
	if len(oneShot) > 0 {
		return oneShot[len(oneShot)-1].Code
	}
	return ""
}
