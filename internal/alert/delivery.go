package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	ChannelEmail       = "email"
	defaultMinInterval = 6 * time.Hour
	defaultSendTimeout = 20 * time.Second
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityNotice:   2,
}

type DeliveryOptions struct {
	Recipients  []string
	MinInterval time.Duration
	Timeout     time.Duration
	Logger      *log.Logger
}

// Delivery sends a digest of freshly raised alerts, at most once per
// MinInterval. The limit is tracked separately from notification
// suppression.
type Delivery struct {
	store       store.DeliveryStore
	mailer      Mailer
	recipients  []string
	minInterval time.Duration
	timeout     time.Duration
	logger      *log.Logger
	now         func() time.Time
}

func NewDelivery(s store.DeliveryStore, mailer Mailer, opts DeliveryOptions) *Delivery {
	d := &Delivery{
		store:       s,
		mailer:      mailer,
		recipients:  opts.Recipients,
		minInterval: opts.MinInterval,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		now:         time.Now,
	}

	if d.minInterval <= 0 {
		d.minInterval = defaultMinInterval
	}
	if d.timeout <= 0 {
		d.timeout = defaultSendTimeout
	}
	if d.logger == nil {
		d.logger = log.StandardLogger()
	}

	return d
}

// Deliver reports whether a digest went out. A failed send is returned but
// leaves no delivery record, so the next qualifying run retries.
func (d *Delivery) Deliver(ctx context.Context, raised []Candidate) (bool, error) {
	if len(raised) == 0 {
		return false, nil
	}

	if d.mailer == nil || len(d.recipients) == 0 {
		d.logger.Debugf("no mailer or recipients configured, not sending %d alerts", len(raised))
		return false, nil
	}

	now := d.now().UTC()

	last, err := d.store.LastDelivery(ctx, ChannelEmail)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("read last delivery failed: %w", err)
	}
	if last != nil && now.Sub(last.SentAt) < d.minInterval {
		d.logger.Debugf(
			"last alert email sent at %s, not sending %d alerts before %s",
			last.SentAt.Format(time.RFC3339),
			len(raised),
			last.SentAt.Add(d.minInterval).Format(time.RFC3339),
		)
		return false, nil
	}

	subject, body := digest(raised)

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.mailer.Send(sendCtx, d.recipients, subject, body)
	cancel()
	if err != nil {
		return false, fmt.Errorf("send alert email failed: %w", err)
	}

	if err := d.store.RecordDelivery(ctx, model.Delivery{
		Channel:    ChannelEmail,
		Recipients: d.recipients,
		Subject:    subject,
		SentAt:     now,
	}); err != nil {
		return true, fmt.Errorf("record delivery failed: %w", err)
	}

	d.logger.Infof("sent alert email with %d alerts to %d recipients", len(raised), len(d.recipients))

	return true, nil
}

func digest(raised []Candidate) (string, string) {
	sorted := append([]Candidate(nil), raised...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityRank[sorted[i].Severity] < severityRank[sorted[j].Severity]
	})

	subject := fmt.Sprintf("[IT assets] %d new alerts", len(sorted))
	if len(sorted) == 1 {
		subject = fmt.Sprintf("[IT assets] %s", sorted[0].Message)
	}

	var b strings.Builder
	for _, c := range sorted {
		fmt.Fprintf(&b, "[%s] %s\n", c.Severity, c.Message)
	}

	return subject, b.String()
}
