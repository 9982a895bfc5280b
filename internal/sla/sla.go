package sla

import (
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
)

// Result is the outcome of evaluating one ticket. Ticket carries the updated
// deadline, breach and escalation fields.
type Result struct {
	Ticket    model.Ticket
	Breaches  []model.SLABreach
	Escalated bool
	Changed   bool
}

func minutesBetween(from, to time.Time) int {
	return int(to.Sub(from).Minutes())
}

func deadline(created time.Time, minutes int) *time.Time {
	d := created.Add(time.Duration(minutes) * time.Minute)
	return &d
}

// Evaluate applies policy to ticket at now. Terminal tickets are returned
// untouched. Breach flags only ever go from false to true, and escalation
// happens at most once per ticket.
func Evaluate(ticket model.Ticket, policy model.SLAPolicy, now time.Time) Result {
	res := Result{Ticket: ticket}
	if ticket.Terminal() {
		return res
	}

	t := &res.Ticket

	if t.ResponseDeadline == nil && policy.ResponseMinutes > 0 {
		t.ResponseDeadline = deadline(t.CreatedAt, policy.ResponseMinutes)
		res.Changed = true
	}
	if t.ResolutionDeadline == nil && policy.ResolutionMinutes > 0 {
		t.ResolutionDeadline = deadline(t.CreatedAt, policy.ResolutionMinutes)
		res.Changed = true
	}

	if !t.ResponseBreached && t.ResponseDeadline != nil {
		respondedAt := now
		breached := now.After(*t.ResponseDeadline)
		if t.FirstResponseAt != nil {
			respondedAt = *t.FirstResponseAt
			breached = respondedAt.After(*t.ResponseDeadline)
		}

		if breached {
			t.ResponseBreached = true
			res.Changed = true
			res.Breaches = append(res.Breaches, model.SLABreach{
				TicketID:      t.ID,
				PolicyID:      policy.ID,
				Kind:          model.BreachKindResponse,
				TargetMinutes: policy.ResponseMinutes,
				ActualMinutes: minutesBetween(t.CreatedAt, respondedAt),
				BreachedAt:    now,
			})
		}
	}

	if !t.ResolutionBreached && t.ResolutionDeadline != nil && now.After(*t.ResolutionDeadline) {
		t.ResolutionBreached = true
		res.Changed = true
		res.Breaches = append(res.Breaches, model.SLABreach{
			TicketID:      t.ID,
			PolicyID:      policy.ID,
			Kind:          model.BreachKindResolution,
			TargetMinutes: policy.ResolutionMinutes,
			ActualMinutes: minutesBetween(t.CreatedAt, now),
			BreachedAt:    now,
		})
	}

	if t.Escalated || !policy.EscalationEnabled {
		return res
	}

	breachedAt := earliestBreachedDeadline(t)
	if breachedAt == nil {
		return res
	}

	delay := time.Duration(policy.EscalationDelayMinutes) * time.Minute
	if now.Before(breachedAt.Add(delay)) {
		return res
	}

	escalatedAt := now
	t.Escalated = true
	t.EscalatedAt = &escalatedAt
	t.EscalatedTo = policy.EscalateTo
	res.Escalated = true
	res.Changed = true

	return res
}

func earliestBreachedDeadline(t *model.Ticket) *time.Time {
	var earliest *time.Time

	if t.ResponseBreached && t.ResponseDeadline != nil {
		earliest = t.ResponseDeadline
	}
	if t.ResolutionBreached && t.ResolutionDeadline != nil {
		if earliest == nil || t.ResolutionDeadline.Before(*earliest) {
			earliest = t.ResolutionDeadline
		}
	}

	return earliest
}
