package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierAllowance is the monthly credit grant of a tier.
type TierAllowance struct {
	Monthly int64 `mapstructure:"monthly"`
}

// CreditPolicy is the tunable part of credit accounting: per-action costs,
// tier allowances and bonus amounts.
type CreditPolicy struct {
	Costs         map[string]int64         `mapstructure:"costs"`
	BatchRate     int64                    `mapstructure:"batch_rate"`
	BatchUnit     int64                    `mapstructure:"batch_unit"`
	Tiers         map[string]TierAllowance `mapstructure:"tiers"`
	ReferrerBonus int64                    `mapstructure:"referrer_bonus"`
	ReferredBonus int64                    `mapstructure:"referred_bonus"`
	DefaultTopUp  int64                    `mapstructure:"default_top_up"`
}

func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		Costs: map[string]int64{
			"lookup":               1,
			"explain":              3,
			"tutor_turn":           5,
			"transcription_minute": 10,
		},
		BatchRate: 20,
		BatchUnit: 100,
		Tiers: map[string]TierAllowance{
			"guest": {Monthly: 0},
			"free":  {Monthly: 500},
			"pro":   {Monthly: 5000},
		},
		ReferrerBonus: 100,
		ReferredBonus: 100,
		DefaultTopUp:  5000,
	}
}

// Allowance returns the monthly allowance for tier, zero when unknown.
func (p CreditPolicy) Allowance(tier string) int64 {
	return p.Tiers[strings.ToLower(strings.TrimSpace(tier))].Monthly
}

type CreditPolicyHolder struct {
	current atomic.Value // holds CreditPolicy
}

// NewCreditPolicyHolder loads credits.yml when present and watches it for changes.
func NewCreditPolicyHolder() (*CreditPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setCreditDefaults(v, DefaultCreditPolicy())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := decodeCreditPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeCreditPolicy(v)
			if err != nil {
				log.Printf("[credit-policy] reload ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[credit-policy] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticCreditPolicyHolder returns a holder that never reloads.
func NewStaticCreditPolicyHolder(policy CreditPolicy) *CreditPolicyHolder {
	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *CreditPolicyHolder) Get() CreditPolicy {
	if h == nil {
		return DefaultCreditPolicy()
	}
	return h.current.Load().(CreditPolicy)
}

func setCreditDefaults(v *viper.Viper, defaults CreditPolicy) {
	for action, cost := range defaults.Costs {
		v.SetDefault("credits.costs."+action, cost)
	}
	for tier, allowance := range defaults.Tiers {
		v.SetDefault("credits.tiers."+tier+".monthly", allowance.Monthly)
	}
	v.SetDefault("credits.batch_rate", defaults.BatchRate)
	v.SetDefault("credits.batch_unit", defaults.BatchUnit)
	v.SetDefault("credits.referrer_bonus", defaults.ReferrerBonus)
	v.SetDefault("credits.referred_bonus", defaults.ReferredBonus)
	v.SetDefault("credits.default_top_up", defaults.DefaultTopUp)
}

func decodeCreditPolicy(v *viper.Viper) (CreditPolicy, error) {
	var policy CreditPolicy
	if err := v.UnmarshalKey("credits", &policy); err != nil {
		return CreditPolicy{}, err
	}
	if err := ValidateCreditPolicy(policy); err != nil {
		return CreditPolicy{}, err
	}
	return policy, nil
}

func ValidateCreditPolicy(p CreditPolicy) error {
	if len(p.Costs) == 0 {
		return errors.New("credits.costs cannot be empty")
	}
	for action, cost := range p.Costs {
		if cost <= 0 {
			return fmt.Errorf("credits.costs.%s must be positive", action)
		}
	}
	if p.BatchRate <= 0 || p.BatchUnit <= 0 {
		return errors.New("credits.batch_rate and credits.batch_unit must be positive")
	}
	for _, tier := range []string{"guest", "free", "pro"} {
		allowance, ok := p.Tiers[tier]
		if !ok {
			return fmt.Errorf("credits.tiers.%s is required", tier)
		}
		if allowance.Monthly < 0 {
			return fmt.Errorf("credits.tiers.%s.monthly cannot be negative", tier)
		}
	}
	if p.ReferrerBonus < 0 || p.ReferredBonus < 0 {
		return errors.New("referral bonuses cannot be negative")
	}
	if p.DefaultTopUp <= 0 {
		return errors.New("credits.default_top_up must be positive")
	}
	return nil
}
