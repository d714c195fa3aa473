package config

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InvoiceTaxRate is the KDV rate every invoice carries. The pricing file may
// restate it but cannot change it.
const InvoiceTaxRate = 0.18

// PricingConfig is the badge catalog and the tax rate applied to invoices.
// Amounts are minor currency units.
type PricingConfig struct {
	Currency string      `mapstructure:"currency"`
	TaxRate  float64     `mapstructure:"taxRate"`
	Tiers    []BadgeTier `mapstructure:"tiers"`
}

type BadgeTier struct {
	Code    string   `mapstructure:"code"`
	Amount  int64    `mapstructure:"amount"`
	Aliases []string `mapstructure:"aliases"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Currency: "TRY",
		TaxRate:  InvoiceTaxRate,
		Tiers: []BadgeTier{
			{Code: "blue", Amount: 9900, Aliases: []string{"blue_badge", "verified"}},
			{Code: "gold", Amount: 29900, Aliases: []string{"gold_badge", "premium"}},
		},
	}
}

// Lookup resolves a tier by code or alias, case-insensitively.
func (c PricingConfig) Lookup(code string) (BadgeTier, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return BadgeTier{}, false
	}
	for _, tier := range c.Tiers {
		if strings.EqualFold(tier.Code, code) {
			return tier, true
		}
		for _, alias := range tier.Aliases {
			if strings.EqualFold(alias, code) {
				return tier, true
			}
		}
	}
	return BadgeTier{}, false
}

// ByAmount returns the tier priced at exactly amount.
func (c PricingConfig) ByAmount(amount int64) (BadgeTier, bool) {
	for _, tier := range c.Tiers {
		if tier.Amount == amount {
			return tier, true
		}
	}
	return BadgeTier{}, false
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/coachpay/config")
	v.AddConfigPath("/etc/coachpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COACHPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	v.SetDefault("pricing.currency", defaults.Currency)
	v.SetDefault("pricing.taxRate", defaults.TaxRate)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
		v.SetDefault("pricing.tiers", defaults.Tiers)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = defaults.Tiers
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPricingHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("pricing.currency cannot be empty")
	}
	if math.Abs(cfg.TaxRate-InvoiceTaxRate) > 1e-9 {
		return fmt.Errorf("pricing.taxRate must be %v, got %v", InvoiceTaxRate, cfg.TaxRate)
	}
	if len(cfg.Tiers) == 0 {
		return errors.New("pricing.tiers cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, tier := range cfg.Tiers {
		code := strings.ToLower(strings.TrimSpace(tier.Code))
		if code == "" {
			return errors.New("pricing.tiers code cannot be empty")
		}
		if tier.Amount <= 0 {
			return fmt.Errorf("pricing.tiers %s amount must be positive", code)
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("pricing.tiers %s is duplicated", code)
		}
		seen[code] = struct{}{}
	}
	return nil
}
