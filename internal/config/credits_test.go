package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCreditPolicyIsValid(t *testing.T) {
	policy := DefaultCreditPolicy()
	require.NoError(t, ValidateCreditPolicy(policy))

	assert.Equal(t, int64(500), policy.Allowance("free"))
	assert.Equal(t, int64(500), policy.Allowance(" FREE "))
	assert.Equal(t, int64(0), policy.Allowance("guest"))
	assert.Equal(t, int64(0), policy.Allowance("unknown"))
}

func TestValidateCreditPolicyRejectsBadValues(t *testing.T) {
	cases := map[string]func(p *CreditPolicy){
		"empty costs":      func(p *CreditPolicy) { p.Costs = nil },
		"zero cost":        func(p *CreditPolicy) { p.Costs["lookup"] = 0 },
		"zero batch rate":  func(p *CreditPolicy) { p.BatchRate = 0 },
		"missing tier":     func(p *CreditPolicy) { delete(p.Tiers, "pro") },
		"negative bonus":   func(p *CreditPolicy) { p.ReferrerBonus = -1 },
		"zero default top": func(p *CreditPolicy) { p.DefaultTopUp = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			policy := DefaultCreditPolicy()
			mutate(&policy)
			assert.Error(t, ValidateCreditPolicy(policy))
		})
	}
}

func TestNewCreditPolicyHolderFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewCreditPolicyHolder()
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, DefaultCreditPolicy().Costs, policy.Costs)
	assert.Equal(t, int64(20), policy.BatchRate)
	assert.Equal(t, int64(100), policy.ReferrerBonus)
}
