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

// SettlementConfig tunes the webhook settlement pipeline.
type SettlementConfig struct {
	MaxRetries          int           `mapstructure:"maxRetries"`
	BaseDelay           time.Duration `mapstructure:"baseDelay"`
	Multiplier          float64       `mapstructure:"multiplier"`
	Workers             int           `mapstructure:"workers"`
	QueueSize           int           `mapstructure:"queueSize"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	PollBatchSize       int           `mapstructure:"pollBatchSize"`
	LeaseTTL            time.Duration `mapstructure:"leaseTTL"`
	ReceivedGrace       time.Duration `mapstructure:"receivedGrace"`
	CheckoutTTL         time.Duration `mapstructure:"checkoutTTL"`
	ProviderPollTimeout time.Duration `mapstructure:"providerPollTimeout"`
	NotifyTimeout       time.Duration `mapstructure:"notifyTimeout"`
	SweepInterval       time.Duration `mapstructure:"sweepInterval"`
	SweepBatchSize      int           `mapstructure:"sweepBatchSize"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		Multiplier:          2,
		Workers:             4,
		QueueSize:           256,
		PollInterval:        5 * time.Second,
		PollBatchSize:       50,
		LeaseTTL:            2 * time.Minute,
		ReceivedGrace:       30 * time.Second,
		CheckoutTTL:         30 * time.Minute,
		ProviderPollTimeout: 10 * time.Second,
		NotifyTimeout:       10 * time.Second,
		SweepInterval:       time.Minute,
		SweepBatchSize:      100,
	}
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder wraps a fixed config, mostly for tests.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSettlementConfigHolder(log *zap.Logger) (*SettlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/orderledger")
	v.AddConfigPath(".")

	return newSettlementConfigHolder(v, log)
}

// NewSettlementConfigHolderFromFile reads the policy from an explicit file path.
func NewSettlementConfigHolderFromFile(path string, log *zap.Logger) (*SettlementConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newSettlementConfigHolder(v, log)
}

func newSettlementConfigHolder(v *viper.Viper, log *zap.Logger) (*SettlementConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.settlement")

	v.SetEnvPrefix("ORDERLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.maxRetries", defaults.MaxRetries)
	v.SetDefault("settlement.baseDelay", defaults.BaseDelay)
	v.SetDefault("settlement.multiplier", defaults.Multiplier)
	v.SetDefault("settlement.workers", defaults.Workers)
	v.SetDefault("settlement.queueSize", defaults.QueueSize)
	v.SetDefault("settlement.pollInterval", defaults.PollInterval)
	v.SetDefault("settlement.pollBatchSize", defaults.PollBatchSize)
	v.SetDefault("settlement.leaseTTL", defaults.LeaseTTL)
	v.SetDefault("settlement.receivedGrace", defaults.ReceivedGrace)
	v.SetDefault("settlement.checkoutTTL", defaults.CheckoutTTL)
	v.SetDefault("settlement.providerPollTimeout", defaults.ProviderPollTimeout)
	v.SetDefault("settlement.notifyTimeout", defaults.NotifyTimeout)
	v.SetDefault("settlement.sweepInterval", defaults.SweepInterval)
	v.SetDefault("settlement.sweepBatchSize", defaults.SweepBatchSize)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := loadSettlementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := loadSettlementConfig(v)
			if err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	return h.current.Load().(SettlementConfig)
}

// loadSettlementConfig decodes from the root so keys missing from the file
// keep their defaults. UnmarshalKey on the nested section drops them.
func loadSettlementConfig(v *viper.Viper) (SettlementConfig, error) {
	doc := struct {
		Settlement SettlementConfig `mapstructure:"settlement"`
	}{Settlement: DefaultSettlementConfig()}
	if err := v.Unmarshal(&doc); err != nil {
		return SettlementConfig{}, err
	}
	if err := validateSettlementConfig(doc.Settlement); err != nil {
		return SettlementConfig{}, err
	}
	return doc.Settlement, nil
}

func validateSettlementConfig(cfg SettlementConfig) error {
	if cfg.MaxRetries < 1 {
		return errors.New("settlement.maxRetries must be at least 1")
	}
	if cfg.BaseDelay <= 0 {
		return errors.New("settlement.baseDelay must be positive")
	}
	if cfg.Multiplier < 1 {
		return errors.New("settlement.multiplier must be at least 1")
	}
	if cfg.Workers <= 0 {
		return errors.New("settlement.workers must be positive")
	}
	if cfg.PollInterval <= 0 || cfg.SweepInterval <= 0 {
		return errors.New("settlement intervals must be positive")
	}
	if cfg.LeaseTTL <= 0 {
		return errors.New("settlement.leaseTTL must be positive")
	}
	if cfg.CheckoutTTL <= 0 {
		return errors.New("settlement.checkoutTTL must be positive")
	}
	if cfg.QueueSize <= 0 || cfg.PollBatchSize <= 0 || cfg.SweepBatchSize <= 0 {
		return errors.New("settlement queue and batch sizes must be positive")
	}
	if cfg.ProviderPollTimeout <= 0 || cfg.NotifyTimeout <= 0 {
		return errors.New("settlement outbound timeouts must be positive")
	}
	if cfg.ReceivedGrace <= 0 {
		return errors.New("settlement.receivedGrace must be positive")
	}
	return nil
}
