package model

import (
	"strings"
	"time"
)

const (
	TicketStatusOpen       = "open"
	TicketStatusInProgress = "in_progress"
	TicketStatusPending    = "pending"
	TicketStatusResolved   = "resolved"
	TicketStatusClosed     = "closed"
)

const (
	BreachKindResponse   = "response"
	BreachKindResolution = "resolution"
)

type Ticket struct {
	ID                 string
	Subject            string
	Priority           string
	Status             string
	AssigneeID         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	FirstResponseAt    *time.Time
	ResponseDeadline   *time.Time
	ResolutionDeadline *time.Time
	ResponseBreached   bool
	ResolutionBreached bool
	Escalated          bool
	EscalatedAt        *time.Time
	EscalatedTo        string
}

// Terminal reports whether the ticket reached a status that freezes SLA
// evaluation.
func (t *Ticket) Terminal() bool {
	switch strings.ToLower(t.Status) {
	case TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// SLAPolicy holds per-priority targets. It is reference data maintained by the
// admin screens.
type SLAPolicy struct {
	ID                     string
	Priority               string
	ResponseMinutes        int
	ResolutionMinutes      int
	EscalationEnabled      bool
	EscalationDelayMinutes int
	EscalateTo             string
}

type SLABreach struct {
	ID            string
	TicketID      string
	PolicyID      string
	Kind          string
	TargetMinutes int
	ActualMinutes int
	BreachedAt    time.Time
}
