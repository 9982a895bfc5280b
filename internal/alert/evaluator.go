package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/nr-itam-sync/internal/reconcile"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
)

const JobName = "alerts"

// Evaluator is the periodic threshold scan. It implements the scheduler's
// Job interface.
type Evaluator struct {
	i         *interop.Interop
	store     store.Store
	config    *Config
	configErr error
	dedupe    *Deduplicator
	delivery  *Delivery
	now       func() time.Time
}

// NewEvaluator reads the alerts and mail sections of the configuration. A
// nil mailer means an SMTP mailer is built from the mail section, if any.
// Configuration errors are reported by Validate.
func NewEvaluator(i *interop.Interop, s store.Store, mailer Mailer) *Evaluator {
	config, err := LoadConfig(i.Config)
	if err != nil {
		config = DefaultConfig()
	}

	if mailer == nil && err == nil {
		mailConfig, mailErr := MailConfigFromViper(i.Config)
		if mailErr != nil {
			err = mailErr
		} else if mailConfig != nil {
			mailer = NewSMTPMailer(*mailConfig)
		}
	}

	return &Evaluator{
		i:         i,
		store:     s,
		config:    config,
		configErr: err,
		dedupe:    NewDeduplicator(s, config.Windows),
		delivery: NewDelivery(s, mailer, DeliveryOptions{
			Recipients:  config.Recipients,
			MinInterval: config.MinInterval,
			Timeout:     config.SendTimeout,
			Logger:      i.Logger,
		}),
		now: time.Now,
	}
}

// Deduplicator is shared with the SLA tracker so both honour the same
// windows.
func (e *Evaluator) Deduplicator() *Deduplicator {
	return e.dedupe
}

func (e *Evaluator) Name() string {
	return JobName
}

func (e *Evaluator) Enabled() bool {
	return e.config.Enabled
}

func (e *Evaluator) Interval() time.Duration {
	return e.config.Interval
}

func (e *Evaluator) Validate() error {
	return e.configErr
}

// Evaluate scans every alert source and returns the candidates of this pass.
func (e *Evaluator) Evaluate(ctx context.Context) ([]Candidate, error) {
	now := e.now()

	mailboxes, err := e.store.ListRecords(ctx, reconcile.KindMailbox)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes failed: %w", err)
	}
	candidates := EvaluateQuota(mailboxes, e.config.QuotaThresholds())

	for _, kind := range e.config.ExpiryKinds() {
		items, err := e.store.FindExpiringItems(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("find expiring %s items failed: %w", kind, err)
		}
		candidates = append(
			candidates,
			EvaluateExpiry(items, e.config.ExpiryThresholds(kind), now)...,
		)
	}

	tickets, err := e.store.FindOpenTickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("find open tickets failed: %w", err)
	}
	candidates = append(
		candidates,
		EvaluateStaleness(tickets, e.config.StaleThresholds(), now)...,
	)

	return candidates, nil
}

// Run raises every candidate not suppressed by its window, then mails a
// digest of the raised ones. A failed send is logged only.
func (e *Evaluator) Run(ctx context.Context) error {
	if e.configErr != nil {
		return e.configErr
	}

	if e.i.App != nil {
		txn := e.i.App.StartTransaction("alerts/evaluate")
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	candidates, err := e.Evaluate(ctx)
	if err != nil {
		newrelic.FromContext(ctx).NoticeError(err)
		return err
	}

	var raised []Candidate

	for _, c := range candidates {
		ok, err := e.dedupe.Raise(ctx, c)
		if err != nil {
			e.i.Logger.Warnf("failed to raise %s alert for %s: %s", c.Type, c.SubjectID, err)
			continue
		}
		if !ok {
			e.i.Logger.Tracef("%s alert for %s suppressed", c.Type, c.SubjectID)
			continue
		}
		raised = append(raised, c)
	}

	e.i.Logger.Debugf("evaluated %d alert candidates, raised %d", len(candidates), len(raised))

	if _, err := e.delivery.Deliver(ctx, raised); err != nil {
		e.i.Logger.Warnf("alert delivery failed: %s", err)
		newrelic.FromContext(ctx).NoticeError(err)
	}

	return nil
}
