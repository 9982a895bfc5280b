package model

import "time"

// Record is a locally owned row produced by reconciling one external record.
// Kind and NaturalKey together are unique.
type Record struct {
	ID             string
	Kind           string
	NaturalKey     string
	LinkedEntityID string
	MatchStrategy  string
	MatchScore     int
	Source         string
	Fields         map[string]interface{}
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSeenAt     time.Time
}

// Linked reports whether the record already points at a local entity.
func (r *Record) Linked() bool {
	return r.LinkedEntityID != ""
}

const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusError   = "error"
)

// SyncRun is the audit row of one completed or failed job run. It is never
// updated after insert.
type SyncRun struct {
	ID        string
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	Found     int
	New       int
	Updated   int
	Skipped   int
	Errors    int
	Status    string
	Message   string
}

// JobStatus is the "last sync" summary kept alongside the job configuration.
type JobStatus struct {
	Job         string
	LastSyncAt  time.Time
	LastStatus  string
	LastMessage string
}

type Notification struct {
	ID         string
	Type       string
	SubjectKey string
	Severity   string
	Message    string
	Read       bool
	CreatedAt  time.Time
}

// Delivery is one successful outbound send, used to rate limit the channel.
type Delivery struct {
	ID         string
	Channel    string
	Recipients []string
	Subject    string
	SentAt     time.Time
}

type ExpiringItem struct {
	ID        string
	Kind      string
	Name      string
	ExpiresAt time.Time
	Owner     string
}
