package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TuningConfig holds operational knobs that may change without a restart.
// Persisted runtime-config keys (due-date period, cool-downs, prefix lists)
// live in the database; this file covers process-level tuning only.
type TuningConfig struct {
	SchedulerBatchSize     int `mapstructure:"schedulerBatchSize"`
	NotificationBatchLimit int `mapstructure:"notificationBatchLimit"`
	OutboundTimeoutSeconds int `mapstructure:"outboundTimeoutSeconds"`
	SettlementRetries      int `mapstructure:"settlementRetries"`
}

func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		SchedulerBatchSize:     50,
		NotificationBatchLimit: 25,
		OutboundTimeoutSeconds: 5,
		SettlementRetries:      3,
	}
}

// TuningHolder exposes the current tuning snapshot; reads are lock-free.
type TuningHolder struct {
	current atomic.Value // holds TuningConfig
}

func (h *TuningHolder) Current() TuningConfig {
	if v, ok := h.current.Load().(TuningConfig); ok {
		return v
	}
	return DefaultTuningConfig()
}

func NewTuningHolder(log *zap.Logger) (*TuningHolder, error) {
	v := viper.New()

	v.SetConfigName("cbg")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/cbg")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CBG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuningConfig()
	v.SetDefault("tuning.schedulerBatchSize", defaults.SchedulerBatchSize)
	v.SetDefault("tuning.notificationBatchLimit", defaults.NotificationBatchLimit)
	v.SetDefault("tuning.outboundTimeoutSeconds", defaults.OutboundTimeoutSeconds)
	v.SetDefault("tuning.settlementRetries", defaults.SettlementRetries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg TuningConfig
	if err := v.UnmarshalKey("tuning", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuning(cfg); err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TuningConfig
		if err := v.UnmarshalKey("tuning", &updated); err != nil {
			log.Warn("tuning reload failed", zap.Error(err))
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Warn("invalid tuning config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("tuning config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func validateTuning(cfg TuningConfig) error {
	if cfg.SchedulerBatchSize <= 0 {
		return errors.New("schedulerBatchSize must be positive")
	}
	if cfg.NotificationBatchLimit <= 0 || cfg.NotificationBatchLimit > 25 {
		return errors.New("notificationBatchLimit must be in (0,25]")
	}
	if cfg.OutboundTimeoutSeconds <= 0 {
		return errors.New("outboundTimeoutSeconds must be positive")
	}
	if cfg.SettlementRetries <= 0 {
		return errors.New("settlementRetries must be positive")
	}
	return nil
}
