package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/model"
)

// MemoryStore keeps everything in process. It backs tests and dry runs; the
// Seed helpers stand in for the collaborator-owned tables.
type MemoryStore struct {
	mu            sync.Mutex
	records       map[string]map[string]*model.Record
	runs          []model.SyncRun
	status        map[string]model.JobStatus
	entities      []match.Entity
	notifications []model.Notification
	deliveries    []model.Delivery
	expiring      []model.ExpiringItem
	tickets       []model.Ticket
	policies      []model.SLAPolicy
	breaches      []model.SLABreach
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]map[string]*model.Record{},
		status:  map[string]model.JobStatus{},
	}
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func copyRecord(r *model.Record) model.Record {
	c := *r
	c.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return c
}

func (m *MemoryStore) FindByNaturalKey(_ context.Context, kind, key string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyRecord(rec)
	return &c, nil
}

func (m *MemoryStore) Upsert(_ context.Context, rec model.Record) (model.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey, ok := m.records[rec.Kind]
	if !ok {
		byKey = map[string]*model.Record{}
		m.records[rec.Kind] = byKey
	}

	current, ok := byKey[rec.NaturalKey]
	if !ok {
		inserted := copyRecord(&rec)
		if inserted.ID == "" {
			inserted.ID = newID()
		}
		byKey[rec.NaturalKey] = &inserted
		return copyRecord(&inserted), true, nil
	}

	current.Source = rec.Source
	current.Fields = copyRecord(&rec).Fields
	current.UpdatedAt = rec.UpdatedAt
	current.LastSeenAt = rec.LastSeenAt
	mergeLink(current, rec)

	return copyRecord(current), false, nil
}

func (m *MemoryStore) ExistingKeys(_ context.Context, kind string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make(map[string]string, len(m.records[kind]))
	for key, rec := range m.records[kind] {
		keys[key] = rec.ID
	}
	return keys, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, kind string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]model.Record, 0, len(m.records[kind]))
	for _, rec := range m.records[kind] {
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].NaturalKey < records[j].NaturalKey
	})
	return records, nil
}

func (m *MemoryStore) InsertSyncRun(_ context.Context, run model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = newID()
	}

	m.runs = append(m.runs, run)
	m.status[run.Job] = model.JobStatus{
		Job:         run.Job,
		LastSyncAt:  run.StartedAt.Add(run.Duration),
		LastStatus:  run.Status,
		LastMessage: run.Message,
	}
	return nil
}

func (m *MemoryStore) LatestSyncRun(_ context.Context, job string) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].Job == job {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) JobStatus(_ context.Context, job string) (*model.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.status[job]
	if !ok {
		return nil, ErrNotFound
	}
	return &status, nil
}

// SyncRuns returns every run of job in insertion order.
func (m *MemoryStore) SyncRuns(job string) []model.SyncRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []model.SyncRun
	for _, run := range m.runs {
		if run.Job == job {
			runs = append(runs, run)
		}
	}
	return runs
}

func (m *MemoryStore) SeedEntities(entities ...match.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = append(m.entities, entities...)
}

func (m *MemoryStore) FindEntitiesForMatch(context.Context) ([]match.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]match.Entity(nil), m.entities...), nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = newID()
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MemoryStore) InsertNotificationIfAbsent(
	_ context.Context,
	n model.Notification,
	since time.Time,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findRecentNotification(n.Type, n.SubjectKey, since) != nil {
		return false, nil
	}

	if n.ID == "" {
		n.ID = newID()
	}
	m.notifications = append(m.notifications, n)
	return true, nil
}

func (m *MemoryStore) FindRecentNotification(
	_ context.Context,
	typ, subjectKey string,
	since time.Time,
) (*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.findRecentNotification(typ, subjectKey, since); n != nil {
		return n, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) findRecentNotification(typ, subjectKey string, since time.Time) *model.Notification {
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.Type == typ && n.SubjectKey == subjectKey && !n.CreatedAt.Before(since) {
			return &n
		}
	}
	return nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.notifications {
		if m.notifications[i].ID == id {
			m.notifications[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// ClearNotifications removes the notifications of typ, or all of them when
// typ is empty.
func (m *MemoryStore) ClearNotifications(_ context.Context, typ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.notifications[:0]
	for _, n := range m.notifications {
		if typ != "" && n.Type != typ {
			kept = append(kept, n)
		}
	}
	m.notifications = kept
	return nil
}

func (m *MemoryStore) Notifications() []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.notifications...)
}

func (m *MemoryStore) LastDelivery(_ context.Context, channel string) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *model.Delivery
	for i := range m.deliveries {
		d := m.deliveries[i]
		if d.Channel == channel && (last == nil || d.SentAt.After(last.SentAt)) {
			last = &d
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, d model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = newID()
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *MemoryStore) Deliveries() []model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Delivery(nil), m.deliveries...)
}

func (m *MemoryStore) SeedExpiringItems(items ...model.ExpiringItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiring = append(m.expiring, items...)
}

func (m *MemoryStore) FindExpiringItems(_ context.Context, kind string) ([]model.ExpiringItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []model.ExpiringItem
	for _, item := range m.expiring {
		if item.Kind == kind {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ExpiresAt.Before(items[j].ExpiresAt)
	})
	return items, nil
}

func (m *MemoryStore) SeedTickets(tickets ...model.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = append(m.tickets, tickets...)
}

func (m *MemoryStore) SeedPolicies(policies ...model.SLAPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, policies...)
}

func (m *MemoryStore) Ticket(id string) (model.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tickets {
		if t.ID == id {
			return t, true
		}
	}
	return model.Ticket{}, false
}

func (m *MemoryStore) FindOpenTickets(context.Context) ([]model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []model.Ticket
	for _, t := range m.tickets {
		if !t.Terminal() {
			open = append(open, t)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

func (m *MemoryStore) FindSLAPolicies(context.Context) ([]model.SLAPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SLAPolicy(nil), m.policies...), nil
}

// UpdateTicketBreachState writes the deadline, breach and escalation columns
// only.
func (m *MemoryStore) UpdateTicketBreachState(_ context.Context, t model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.tickets {
		if m.tickets[i].ID != t.ID {
			continue
		}
		current := &m.tickets[i]
		if current.Terminal() {
			return nil
		}
		current.ResponseDeadline = t.ResponseDeadline
		current.ResolutionDeadline = t.ResolutionDeadline
		current.ResponseBreached = current.ResponseBreached || t.ResponseBreached
		current.ResolutionBreached = current.ResolutionBreached || t.ResolutionBreached
		if !current.Escalated && t.Escalated {
			current.Escalated = true
			current.EscalatedAt = t.EscalatedAt
			current.EscalatedTo = t.EscalatedTo
		}
		return nil
	}
	return ErrNotFound
}

// SetTicketStatus changes the status of a seeded ticket.
func (m *MemoryStore) SetTicketStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.tickets {
		if m.tickets[i].ID == id {
			m.tickets[i].Status = status
		}
	}
}

func (m *MemoryStore) InsertSLABreach(_ context.Context, b model.SLABreach) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.breaches {
		if existing.TicketID == b.TicketID && existing.Kind == b.Kind {
			return nil
		}
	}

	if b.ID == "" {
		b.ID = newID()
	}
	m.breaches = append(m.breaches, b)
	return nil
}

func (m *MemoryStore) Breaches() []model.SLABreach {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SLABreach(nil), m.breaches...)
}

func (m *MemoryStore) Close() error {
	return nil
}
