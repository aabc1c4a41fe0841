// Package costpolicy prices metered actions in credits.
package costpolicy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("costpolicy",
	fx.Provide(New),
)

var (
	ErrUnknownAction = errors.New("unknown_action")
	ErrInvalidUnits  = errors.New("invalid_unit_count")
)

// Policy reads the current table on every call so a reloaded credits.yml
// takes effect without a restart.
type Policy struct {
	holder *config.CreditPolicyHolder
}

func New(holder *config.CreditPolicyHolder) *Policy {
	return &Policy{holder: holder}
}

// Cost returns the credits charged for action. Units only matter for
// per-minute and batch actions; both charge at least one unit's worth.
func (p *Policy) Cost(action ledgerdomain.Action, units int64) (int64, error) {
	if units < 0 {
		return 0, ErrInvalidUnits
	}
	policy := p.holder.Get()

	switch action {
	case ledgerdomain.ActionBatchTranslateUnit:
		return BatchCost(units, policy.BatchRate, policy.BatchUnit)
	case ledgerdomain.ActionTranscriptionMinute:
		cost, ok := policy.Costs[string(action)]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownAction, action)
		}
		units = max(units, 1)
		if cost > 0 && units > math.MaxInt64/cost {
			return 0, ErrInvalidUnits
		}
		return cost * units, nil
	}

	cost, ok := policy.Costs[string(action)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return cost, nil
}

// BatchCost is max(1, ceil(units*rate/unit)). Unit counts whose product
// does not fit in an int64 are rejected with ErrInvalidUnits.
func BatchCost(units, rate, unit int64) (int64, error) {
	if units < 0 {
		return 0, ErrInvalidUnits
	}
	if unit <= 0 {
		return 1, nil
	}
	if rate > 0 && units > (math.MaxInt64-(unit-1))/rate {
		return 0, ErrInvalidUnits
	}
	cost := (units*rate + unit - 1) / unit
	return max(cost, 1), nil
}

type Table struct {
	Costs     map[string]int64 `json:"costs"`
	BatchRate int64            `json:"batch_rate"`
	BatchUnit int64            `json:"batch_unit"`
}

// Table returns a copy of the published price list.
func (p *Policy) Table() Table {
	policy := p.holder.Get()
	costs := make(map[string]int64, len(policy.Costs))
	for action, cost := range policy.Costs {
		costs[action] = cost
	}
	return Table{
		Costs:     costs,
		BatchRate: policy.BatchRate,
		BatchUnit: policy.BatchUnit,
	}
}

// Actions lists every action that Cost can price.
func (p *Policy) Actions() []string {
	policy := p.holder.Get()
	actions := make([]string, 0, len(policy.Costs)+1)
	for action := range policy.Costs {
		actions = append(actions, action)
	}
	if _, ok := policy.Costs[string(ledgerdomain.ActionBatchTranslateUnit)]; !ok {
		actions = append(actions, string(ledgerdomain.ActionBatchTranslateUnit))
	}
	sort.Strings(actions)
	return actions
}
