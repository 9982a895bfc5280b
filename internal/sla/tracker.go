package sla

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/nr-itam-sync/internal/alert"
	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	JobName         = "sla"
	defaultInterval = 5 * time.Minute
)

var validate = validator.New()

type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

func LoadConfig(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.UnmarshalKey("sla", c); err != nil {
		return &Config{Interval: defaultInterval}, fmt.Errorf("invalid sla config: %w", err)
	}

	if c.Interval == 0 {
		c.Interval = defaultInterval
	}

	if err := validate.Struct(c); err != nil {
		return c, fmt.Errorf("invalid sla config: %w", err)
	}

	return c, nil
}

// Tracker evaluates every open ticket against the policy of its priority.
// It implements the scheduler's Job interface.
type Tracker struct {
	i         *interop.Interop
	store     store.Store
	dedupe    *alert.Deduplicator
	config    *Config
	configErr error
	now       func() time.Time
}

// NewTracker reads the sla section of the configuration. dedupe may be nil,
// in which case breaches raise no notification.
func NewTracker(i *interop.Interop, s store.Store, dedupe *alert.Deduplicator) *Tracker {
	config, err := LoadConfig(i.Config)

	return &Tracker{
		i:         i,
		store:     s,
		dedupe:    dedupe,
		config:    config,
		configErr: err,
		now:       time.Now,
	}
}

func (t *Tracker) Name() string {
	return JobName
}

func (t *Tracker) Enabled() bool {
	return t.config.Enabled
}

func (t *Tracker) Interval() time.Duration {
	return t.config.Interval
}

func (t *Tracker) Validate() error {
	return t.configErr
}

func (t *Tracker) Run(ctx context.Context) error {
	if t.configErr != nil {
		return t.configErr
	}

	if t.i.App != nil {
		txn := t.i.App.StartTransaction("sla/track")
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	policies, err := t.store.FindSLAPolicies(ctx)
	if err != nil {
		newrelic.FromContext(ctx).NoticeError(err)
		return fmt.Errorf("find sla policies failed: %w", err)
	}

	byPriority := make(map[string]model.SLAPolicy, len(policies))
	for _, p := range policies {
		byPriority[strings.ToLower(p.Priority)] = p
	}

	tickets, err := t.store.FindOpenTickets(ctx)
	if err != nil {
		newrelic.FromContext(ctx).NoticeError(err)
		return fmt.Errorf("find open tickets failed: %w", err)
	}

	now := t.now().UTC()
	failed, updated := 0, 0

	for _, ticket := range tickets {
		policy, ok := byPriority[strings.ToLower(ticket.Priority)]
		if !ok {
			t.i.Logger.Tracef("no sla policy for priority %q of ticket %s", ticket.Priority, ticket.ID)
			continue
		}

		changed, err := t.track(ctx, ticket, policy, now)
		if err != nil {
			t.i.Logger.WithFields(log.Fields{
				"ticket":   ticket.ID,
				"priority": ticket.Priority,
			}).Warnf("sla tracking failed: %s", err)
			failed++
			continue
		}
		if changed {
			updated++
		}
	}

	t.i.Logger.Debugf("tracked %d open tickets, updated %d", len(tickets), updated)

	if failed > 0 {
		err := fmt.Errorf("sla tracking failed for %d of %d tickets", failed, len(tickets))
		newrelic.FromContext(ctx).NoticeError(err)
		return err
	}

	return nil
}

// track records breaches before the ticket flags, so a failed insert leaves
// the flag unset and the next tick yields the breach again.
func (t *Tracker) track(
	ctx context.Context,
	ticket model.Ticket,
	policy model.SLAPolicy,
	now time.Time,
) (bool, error) {
	res := Evaluate(ticket, policy, now)
	if !res.Changed {
		return false, nil
	}

	for _, b := range res.Breaches {
		if err := t.store.InsertSLABreach(ctx, b); err != nil {
			return false, fmt.Errorf("insert %s breach failed: %w", b.Kind, err)
		}

		t.i.Logger.Infof(
			"ticket %s breached its %s target of %d minutes (%d minutes)",
			ticket.ID,
			b.Kind,
			b.TargetMinutes,
			b.ActualMinutes,
		)

		if err := t.raise(ctx, ticket, b); err != nil {
			return false, err
		}
	}

	if err := t.store.UpdateTicketBreachState(ctx, res.Ticket); err != nil {
		return false, fmt.Errorf("update ticket failed: %w", err)
	}

	if res.Escalated {
		t.i.Logger.Infof("escalated ticket %s to %s", ticket.ID, res.Ticket.EscalatedTo)
	}

	return true, nil
}

func (t *Tracker) raise(ctx context.Context, ticket model.Ticket, b model.SLABreach) error {
	if t.dedupe == nil {
		return nil
	}

	severity := alert.SeverityWarning
	if b.Kind == model.BreachKindResolution {
		severity = alert.SeverityCritical
	}

	if _, err := t.dedupe.Raise(ctx, alert.Candidate{
		Type:      alert.TypeSLABreach,
		SubjectID: ticket.ID + "/" + b.Kind,
		Severity:  severity,
		Threshold: float64(b.TargetMinutes),
		Value:     float64(b.ActualMinutes),
		Message: fmt.Sprintf(
			"ticket %s (%s) breached its %s SLA",
			ticket.ID,
			ticket.Subject,
			b.Kind,
		),
	}); err != nil {
		return fmt.Errorf("raise %s breach alert failed: %w", b.Kind, err)
	}

	return nil
}
