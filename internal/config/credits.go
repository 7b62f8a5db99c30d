package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CreditPolicy is the hot-reloadable pricing and risk policy loaded from credits.yml.
type CreditPolicy struct {
	// CreditToCurrencyRate is how many credits one unit of provider currency buys at list price.
	CreditToCurrencyRate float64             `mapstructure:"creditToCurrencyRate"`
	DefaultProfitMargin  float64             `mapstructure:"defaultProfitMargin"`
	Pricing              []PricingRuleConfig `mapstructure:"pricing"`
	FreeCredits          FreeCreditsConfig   `mapstructure:"freeCredits"`
	Preflight            PreflightConfig     `mapstructure:"preflight"`
	Monitor              MonitorConfig       `mapstructure:"monitor"`
	Reconciliation       ReconcileConfig     `mapstructure:"reconciliation"`
	Ledger               LedgerConfig        `mapstructure:"ledger"`
}

type PricingRuleConfig struct {
	Service               string   `mapstructure:"service"`
	UnitPrice             float64  `mapstructure:"unitPrice"`
	InputPricePerMillion  float64  `mapstructure:"inputPricePerMillion"`
	OutputPricePerMillion float64  `mapstructure:"outputPricePerMillion"`
	ProfitMargin          *float64 `mapstructure:"profitMargin"`
	CreditConversionRate  *float64 `mapstructure:"creditConversionRate"`
}

type FreeCreditsConfig struct {
	Allocation float64 `mapstructure:"allocation"`
	// RenewalPeriod is "monthly" or a Go duration such as "168h".
	RenewalPeriod string `mapstructure:"renewalPeriod"`
}

type PreflightConfig struct {
	PrimaryBuffer      float64       `mapstructure:"primaryBuffer"`
	MustCompleteBuffer float64       `mapstructure:"mustCompleteBuffer"`
	OptionalBuffer     float64       `mapstructure:"optionalBuffer"`
	MinimumToStart     float64       `mapstructure:"minimumToStart"`
	MinViableMinutes   int           `mapstructure:"minViableMinutes"`
	ReservationTTL     time.Duration `mapstructure:"reservationTTL"`
}

type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	WarningThreshold float64       `mapstructure:"warningThreshold"`
	CriticalFloor    float64       `mapstructure:"criticalFloor"`
	Countdown        time.Duration `mapstructure:"countdown"`
	LookaheadMinutes float64       `mapstructure:"lookaheadMinutes"`
	CallbackTimeout  time.Duration `mapstructure:"callbackTimeout"`
}

type ReconcileConfig struct {
	Epsilon float64 `mapstructure:"epsilon"`
}

type LedgerConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
}

func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		CreditToCurrencyRate: 100,
		DefaultProfitMargin:  0.3,
		Pricing: []PricingRuleConfig{
			{Service: "llm_chat", InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6},
			{Service: "video_call_minute", UnitPrice: 0.1},
			{Service: "chat_message", UnitPrice: 0.002},
			{Service: "transcription_minute", UnitPrice: 0.006},
			{Service: "post_processing", UnitPrice: 0.05},
			{Service: "post_processing_basic", UnitPrice: 0.01},
		},
		FreeCredits: FreeCreditsConfig{
			Allocation:    500,
			RenewalPeriod: "monthly",
		},
		Preflight: PreflightConfig{
			PrimaryBuffer:      10,
			MustCompleteBuffer: 15,
			OptionalBuffer:     5,
			MinimumToStart:     20,
			MinViableMinutes:   5,
			ReservationTTL:     15 * time.Minute,
		},
		Monitor: MonitorConfig{
			Interval:         15 * time.Second,
			WarningThreshold: 50,
			CriticalFloor:    15,
			Countdown:        3 * time.Minute,
			LookaheadMinutes: 1,
			CallbackTimeout:  5 * time.Second,
		},
		Reconciliation: ReconcileConfig{
			Epsilon: 0.000001,
		},
		Ledger: LedgerConfig{
			MaxRetries: 3,
		},
	}
}

type CreditPolicyHolder struct {
	current atomic.Value // holds CreditPolicy
}

// NewStaticCreditPolicyHolder wraps a fixed policy without file watching.
func NewStaticCreditPolicyHolder(policy CreditPolicy) *CreditPolicyHolder {
	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewCreditPolicyHolder() (*CreditPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditmeter/config")
	v.AddConfigPath("/etc/creditmeter")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultCreditPolicy()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		zap.L().Info("credits config not found, using defaults")
		return NewStaticCreditPolicyHolder(cfg), nil
	}

	if err := v.UnmarshalKey("credits", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateCreditPolicy(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCreditPolicyHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultCreditPolicy()
		if err := v.UnmarshalKey("credits", &updated); err != nil {
			zap.L().Warn("credits config reload failed", zap.Error(err))
			return
		}
		if err := ValidateCreditPolicy(updated); err != nil {
			zap.L().Warn("invalid credits config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		zap.L().Info("credits config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CreditPolicyHolder) Get() CreditPolicy {
	return h.current.Load().(CreditPolicy)
}

// Set replaces the active policy, used by tests and admin tooling.
func (h *CreditPolicyHolder) Set(policy CreditPolicy) error {
	if err := ValidateCreditPolicy(policy); err != nil {
		return err
	}
	h.current.Store(policy)
	return nil
}

func ValidateCreditPolicy(cfg CreditPolicy) error {
	if cfg.CreditToCurrencyRate <= 0 {
		return errors.New("credits.creditToCurrencyRate must be positive")
	}
	if cfg.DefaultProfitMargin < 0 || cfg.DefaultProfitMargin >= 1 {
		return errors.New("credits.defaultProfitMargin must be in [0, 1)")
	}
	seen := make(map[string]struct{}, len(cfg.Pricing))
	for _, rule := range cfg.Pricing {
		service := strings.TrimSpace(rule.Service)
		if service == "" {
			return errors.New("credits.pricing service cannot be empty")
		}
		if _, dup := seen[service]; dup {
			return fmt.Errorf("credits.pricing duplicate service %q", service)
		}
		seen[service] = struct{}{}
		if rule.UnitPrice < 0 || rule.InputPricePerMillion < 0 || rule.OutputPricePerMillion < 0 {
			return fmt.Errorf("credits.pricing %q prices cannot be negative", service)
		}
		if rule.ProfitMargin != nil && (*rule.ProfitMargin < 0 || *rule.ProfitMargin >= 1) {
			return fmt.Errorf("credits.pricing %q profitMargin must be in [0, 1)", service)
		}
		if rule.CreditConversionRate != nil && *rule.CreditConversionRate <= 0 {
			return fmt.Errorf("credits.pricing %q creditConversionRate must be positive", service)
		}
	}
	if cfg.FreeCredits.Allocation < 0 {
		return errors.New("credits.freeCredits.allocation cannot be negative")
	}
	if _, err := ParseRenewalPeriod(cfg.FreeCredits.RenewalPeriod); err != nil {
		return err
	}
	if cfg.Monitor.CriticalFloor > cfg.Monitor.WarningThreshold {
		return errors.New("credits.monitor.criticalFloor must not exceed warningThreshold")
	}
	if cfg.Monitor.Interval <= 0 || cfg.Monitor.Countdown < 0 {
		return errors.New("credits.monitor interval must be positive")
	}
	if cfg.Reconciliation.Epsilon < 0 {
		return errors.New("credits.reconciliation.epsilon cannot be negative")
	}
	return nil
}

// RenewalPeriod advances a renewal instant by one period.
type RenewalPeriod struct {
	Monthly bool
	Every   time.Duration
}

func (p RenewalPeriod) Next(t time.Time) time.Time {
	if p.Monthly {
		return t.AddDate(0, 1, 0)
	}
	return t.Add(p.Every)
}

// NextAfter returns the first renewal instant strictly after now, counting whole
// periods from anchor. Missed renewals are skipped, not replayed.
func (p RenewalPeriod) NextAfter(anchor, now time.Time) time.Time {
	if anchor.After(now) {
		return anchor
	}
	if !p.Monthly {
		if p.Every <= 0 {
			return now.Add(time.Nanosecond)
		}
		periods := now.Sub(anchor)/p.Every + 1
		return anchor.Add(periods * p.Every)
	}
	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month()) - 1
	if months < 1 {
		months = 1
	}
	next := anchor.AddDate(0, months, 0)
	for !next.After(now) {
		months++
		next = anchor.AddDate(0, months, 0)
	}
	return next
}

func ParseRenewalPeriod(raw string) (RenewalPeriod, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "", "monthly":
		return RenewalPeriod{Monthly: true}, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return RenewalPeriod{}, fmt.Errorf("credits.freeCredits.renewalPeriod: %w", err)
	}
	if d <= 0 {
		return RenewalPeriod{}, errors.New("credits.freeCredits.renewalPeriod must be positive")
	}
	return RenewalPeriod{Every: d}, nil
}
