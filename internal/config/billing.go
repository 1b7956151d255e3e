package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingPolicy holds the operator-tunable knobs of the billing core.
type BillingPolicy struct {
	PlatformFeeBps      int64         `mapstructure:"platformFeeBps"`
	DedupeWindow        time.Duration `mapstructure:"dedupeWindow"`
	DeferredMaxAttempts int           `mapstructure:"deferredMaxAttempts"`
	ReconcileInterval   time.Duration `mapstructure:"reconcileInterval"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		PlatformFeeBps:      0,
		DedupeWindow:        72 * time.Hour,
		DeferredMaxAttempts: 20,
		ReconcileInterval:   time.Hour,
	}
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

// NewStaticBillingPolicy returns a holder that never reloads.
func NewStaticBillingPolicy(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewBillingPolicyHolder(log *zap.Logger) (*BillingPolicyHolder, error) {
	log = log.Named("billing.policy")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/patronage")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PATRONAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.platformFeeBps", defaults.PlatformFeeBps)
	v.SetDefault("billing.dedupeWindow", defaults.DedupeWindow)
	v.SetDefault("billing.deferredMaxAttempts", defaults.DeferredMaxAttempts)
	v.SetDefault("billing.reconcileInterval", defaults.ReconcileInterval)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticBillingPolicy(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name), zap.Int64("platform_fee_bps", updated.PlatformFeeBps))
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func validateBillingPolicy(p BillingPolicy) error {
	if p.PlatformFeeBps < 0 || p.PlatformFeeBps > 10_000 {
		return errors.New("billing.platformFeeBps must be within [0, 10000]")
	}
	if p.DedupeWindow <= 0 {
		return errors.New("billing.dedupeWindow must be positive")
	}
	if p.DeferredMaxAttempts <= 0 {
		return errors.New("billing.deferredMaxAttempts must be positive")
	}
	if p.ReconcileInterval <= 0 {
		return errors.New("billing.reconcileInterval must be positive")
	}
	return nil
}
