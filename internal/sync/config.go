package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/reconcile"
	"github.com/spf13/viper"
)

const (
	defaultJobTimeout = 30 * time.Second
	defaultEventType  = "ItamSyncEvent"
)

var validate = validator.New()

// JobConfig is one entry of the "jobs" list in config.yaml.
type JobConfig struct {
	Name     string                 `mapstructure:"name" validate:"required"`
	Kind     string                 `mapstructure:"kind" validate:"required"`
	Enabled  bool                   `mapstructure:"enabled"`
	Interval time.Duration          `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration          `mapstructure:"timeout" validate:"gte=0"`
	Exclude  []string               `mapstructure:"exclude"`
	Provider map[string]interface{} `mapstructure:"provider" validate:"required"`
}

type JobConfigs []JobConfig

type eventsConfig struct {
	Enabled   bool
	EventType string
}

// LoadJobs reads the job list. Individual jobs are validated when they are
// armed so a broken entry never blocks the others.
func LoadJobs(v *viper.Viper) (JobConfigs, error) {
	jobs := JobConfigs{}

	if err := v.UnmarshalKey("jobs", &jobs); err != nil {
		return nil, fmt.Errorf("invalid jobs config: %w", err)
	}

	seen := map[string]bool{}
	for index, job := range jobs {
		if job.Name == "" {
			continue
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("duplicate job name %s at index %d", job.Name, index)
		}
		seen[job.Name] = true
	}

	return jobs, nil
}

func (c *JobConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := reconcile.MapperFor(c.Kind); err != nil {
		return fmt.Errorf(
			"%w (expected one of %s)",
			err,
			strings.Join(reconcile.Kinds(), ", "),
		)
	}

	return nil
}

func (c *JobConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultJobTimeout
	}
	return c.Timeout
}

// providerConfig wraps the provider section so providers can read it the same
// way they read any other viper config.
func (c *JobConfig) providerConfig() (*viper.Viper, error) {
	v := viper.New()
	if err := v.MergeConfigMap(c.Provider); err != nil {
		return nil, err
	}
	return v, nil
}

// MatchPolicyFromViper reads the shared scoring policy, falling back to the
// default score for anything not set.
func MatchPolicyFromViper(v *viper.Viper) match.Policy {
	p := match.DefaultPolicy()

	if v.IsSet("match.exactScore") {
		p.ExactScore = v.GetInt("match.exactScore")
	}
	if v.IsSet("match.structuredScore") {
		p.StructuredScore = v.GetInt("match.structuredScore")
	}
	if v.IsSet("match.nameBaseScore") {
		p.NameBaseScore = v.GetInt("match.nameBaseScore")
	}
	if v.IsSet("match.nameTokenScore") {
		p.NameTokenScore = v.GetInt("match.nameTokenScore")
	}
	if v.IsSet("match.minScore") {
		p.MinScore = v.GetInt("match.minScore")
	}

	return p
}

func eventsConfigFromViper(v *viper.Viper) eventsConfig {
	c := eventsConfig{
		Enabled:   true,
		EventType: v.GetString("events.eventType"),
	}

	if v.IsSet("events.enabled") {
		c.Enabled = v.GetBool("events.enabled")
	}
	if c.EventType == "" {
		c.EventType = defaultEventType
	}

	return c
}
