package alert

import (
	"fmt"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/spf13/cast"
)

const (
	TypeQuota       = "quota"
	TypeTicketStale = "ticket_stale"
	TypeLicense     = "license"
	TypeWarranty    = "warranty"
	TypeCertificate = "certificate"
	TypeSLABreach   = "sla_breach"
)

// Candidate is an alert that may or may not be raised, depending on the
// suppression window of its type.
type Candidate struct {
	Type      string
	SubjectID string
	Severity  Severity
	Threshold float64
	Value     float64
	Message   string
}

// EvaluateQuota checks mailbox records. A zero or missing limit means the
// mailbox is unlimited.
func EvaluateQuota(records []model.Record, t Thresholds) []Candidate {
	var candidates []Candidate

	for _, rec := range records {
		limit := cast.ToFloat64(rec.Fields["quota_bytes"])
		if limit <= 0 {
			continue
		}

		used := cast.ToFloat64(rec.Fields["used_bytes"])
		pct := used / limit * 100

		level, index, ok := t.Tightest(pct)
		if !ok {
			continue
		}

		candidates = append(candidates, Candidate{
			Type:      TypeQuota,
			SubjectID: rec.NaturalKey,
			Severity:  t.Severity(index),
			Threshold: level,
			Value:     pct,
			Message: fmt.Sprintf(
				"mailbox %s is at %.1f%% of its quota (threshold %.0f%%)",
				rec.NaturalKey,
				pct,
				level,
			),
		})
	}

	return candidates
}

// daysUntil counts calendar days between the UTC dates of now and then.
func daysUntil(now, then time.Time) int {
	y, m, d := now.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	y, m, d = then.UTC().Date()
	to := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	return int(to.Sub(from).Hours() / 24)
}

// EvaluateExpiry checks licenses, warranties and certificates against levels
// expressed in days remaining. Expired items have negative days.
func EvaluateExpiry(items []model.ExpiringItem, t Thresholds, now time.Time) []Candidate {
	var candidates []Candidate

	for _, item := range items {
		days := daysUntil(now, item.ExpiresAt)

		level, index, ok := t.Tightest(float64(days))
		if !ok {
			continue
		}

		var message string
		switch {
		case days < 0:
			message = fmt.Sprintf("%s %s expired %d days ago", item.Kind, item.Name, -days)
		case days == 0:
			message = fmt.Sprintf("%s %s expires today", item.Kind, item.Name)
		default:
			message = fmt.Sprintf("%s %s expires in %d days", item.Kind, item.Name, days)
		}

		candidates = append(candidates, Candidate{
			Type:      item.Kind,
			SubjectID: item.ID,
			Severity:  t.Severity(index),
			Threshold: level,
			Value:     float64(days),
			Message:   message,
		})
	}

	return candidates
}

// EvaluateStaleness checks open tickets against levels in whole hours since
// their last update.
func EvaluateStaleness(tickets []model.Ticket, t Thresholds, now time.Time) []Candidate {
	var candidates []Candidate

	for _, ticket := range tickets {
		if ticket.Terminal() {
			continue
		}

		hours := int(now.Sub(ticket.UpdatedAt).Hours())

		level, index, ok := t.Tightest(float64(hours))
		if !ok {
			continue
		}

		candidates = append(candidates, Candidate{
			Type:      TypeTicketStale,
			SubjectID: ticket.ID,
			Severity:  t.Severity(index),
			Threshold: level,
			Value:     float64(hours),
			Message: fmt.Sprintf(
				"ticket %s (%s) has not been updated for %d hours",
				ticket.ID,
				ticket.Subject,
				hours,
			),
		})
	}

	return candidates
}
