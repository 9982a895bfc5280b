package alert

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const defaultInterval = time.Hour

var validate = validator.New()

// Config is the "alerts" section of config.yaml. Expiry levels are days
// remaining, staleness levels hours since the last update.
type Config struct {
	Enabled      bool                     `mapstructure:"enabled"`
	Interval     time.Duration            `mapstructure:"interval" validate:"gte=0"`
	QuotaLevels  []float64                `mapstructure:"quotaLevels"`
	ExpiryLevels map[string][]float64     `mapstructure:"expiryLevels"`
	StaleLevels  []float64                `mapstructure:"staleLevels"`
	Windows      map[string]time.Duration `mapstructure:"windows"`
	Recipients   []string                 `mapstructure:"recipients" validate:"dive,email"`
	MinInterval  time.Duration            `mapstructure:"minInterval" validate:"gte=0"`
	SendTimeout  time.Duration            `mapstructure:"sendTimeout" validate:"gte=0"`
}

func DefaultConfig() *Config {
	return &Config{
		Interval:    defaultInterval,
		QuotaLevels: []float64{85, 90, 95},
		ExpiryLevels: map[string][]float64{
			TypeLicense:     {7, 30, 60},
			TypeWarranty:    {7, 30, 60},
			TypeCertificate: {3, 7, 14, 30},
		},
		StaleLevels: []float64{24, 72, 168},
		MinInterval: defaultMinInterval,
		SendTimeout: defaultSendTimeout,
	}
}

// LoadConfig reads the alerts section over the defaults and rejects
// threshold lists that are not strictly ascending.
func LoadConfig(v *viper.Viper) (*Config, error) {
	defaults := DefaultConfig()

	// lists must replace the defaults, not merge into them
	c := &Config{}
	if err := v.UnmarshalKey("alerts", c); err != nil {
		return defaults, fmt.Errorf("invalid alerts config: %w", err)
	}

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.MinInterval == 0 {
		c.MinInterval = defaults.MinInterval
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaults.SendTimeout
	}
	if len(c.QuotaLevels) == 0 {
		c.QuotaLevels = defaults.QuotaLevels
	}
	if len(c.StaleLevels) == 0 {
		c.StaleLevels = defaults.StaleLevels
	}
	if c.ExpiryLevels == nil {
		c.ExpiryLevels = map[string][]float64{}
	}
	for kind, levels := range defaults.ExpiryLevels {
		if _, ok := c.ExpiryLevels[kind]; !ok {
			c.ExpiryLevels[kind] = levels
		}
	}

	if err := validate.Struct(c); err != nil {
		return c, fmt.Errorf("invalid alerts config: %w", err)
	}

	if err := c.QuotaThresholds().Validate(); err != nil {
		return c, fmt.Errorf("invalid quota levels: %w", err)
	}
	if err := c.StaleThresholds().Validate(); err != nil {
		return c, fmt.Errorf("invalid staleness levels: %w", err)
	}
	for _, kind := range c.ExpiryKinds() {
		if err := c.ExpiryThresholds(kind).Validate(); err != nil {
			return c, fmt.Errorf("invalid %s expiry levels: %w", kind, err)
		}
	}

	for typ, window := range c.Windows {
		if window <= 0 {
			return c, fmt.Errorf("invalid %s suppression window: %s", typ, window)
		}
	}

	return c, nil
}

func (c *Config) QuotaThresholds() Thresholds {
	return Thresholds{Levels: c.QuotaLevels, Direction: Rising}
}

func (c *Config) StaleThresholds() Thresholds {
	return Thresholds{Levels: c.StaleLevels, Direction: Rising}
}

func (c *Config) ExpiryThresholds(kind string) Thresholds {
	return Thresholds{Levels: c.ExpiryLevels[kind], Direction: Falling}
}

func (c *Config) ExpiryKinds() []string {
	kinds := make([]string, 0, len(c.ExpiryLevels))
	for kind := range c.ExpiryLevels {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// MailConfigFromViper returns nil when no SMTP relay is configured.
func MailConfigFromViper(v *viper.Viper) (*MailConfig, error) {
	if !v.IsSet("mail.host") {
		return nil, nil
	}

	c := &MailConfig{Port: 587}
	if err := v.UnmarshalKey("mail", c); err != nil {
		return nil, fmt.Errorf("invalid mail config: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid mail config: %w", err)
	}

	return c, nil
}
