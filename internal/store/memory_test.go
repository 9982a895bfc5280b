package store

import (
	"context"
	"testing"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	saved, created, err := s.Upsert(ctx, model.Record{
		Kind:       "mailbox",
		NaturalKey: "jsmith@example.com",
		Fields:     map[string]interface{}{"used_bytes": int64(10)},
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, saved.ID)

	later := now.Add(time.Hour)
	again, created, err := s.Upsert(ctx, model.Record{
		Kind:       "mailbox",
		NaturalKey: "jsmith@example.com",
		Fields:     map[string]interface{}{"used_bytes": int64(20)},
		CreatedAt:  later,
		UpdatedAt:  later,
		LastSeenAt: later,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, saved.ID, again.ID)
	assert.Equal(t, now, again.CreatedAt)
	assert.Equal(t, later, again.LastSeenAt)
	assert.Equal(t, int64(20), again.Fields["used_bytes"])
}

func TestUpsertKeepsExistingLink(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.Upsert(ctx, model.Record{Kind: "directory_user", NaturalKey: "jsmith"})
	require.NoError(t, err)

	saved, _, err := s.Upsert(ctx, model.Record{
		Kind:           "directory_user",
		NaturalKey:     "jsmith",
		LinkedEntityID: "emp-1",
		MatchStrategy:  "name",
		MatchScore:     90,
	})
	require.NoError(t, err)
	assert.Equal(t, "emp-1", saved.LinkedEntityID)

	saved, _, err = s.Upsert(ctx, model.Record{
		Kind:           "directory_user",
		NaturalKey:     "jsmith",
		LinkedEntityID: "emp-2",
		MatchStrategy:  "exact",
		MatchScore:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, "emp-1", saved.LinkedEntityID)
	assert.Equal(t, "name", saved.MatchStrategy)
	assert.Equal(t, 90, saved.MatchScore)

	saved, _, err = s.Upsert(ctx, model.Record{Kind: "directory_user", NaturalKey: "jsmith"})
	require.NoError(t, err)
	assert.Equal(t, "emp-1", saved.LinkedEntityID)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.Upsert(ctx, model.Record{
		Kind:       "mailbox",
		NaturalKey: "a@example.com",
		Fields:     map[string]interface{}{"domain": "example.com"},
	})
	require.NoError(t, err)

	rec, err := s.FindByNaturalKey(ctx, "mailbox", "a@example.com")
	require.NoError(t, err)
	rec.Fields["domain"] = "changed"

	rec, err = s.FindByNaturalKey(ctx, "mailbox", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", rec.Fields["domain"])

	_, err = s.FindByNaturalKey(ctx, "mailbox", "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExistingKeysAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, key := range []string{"b", "a"} {
		_, _, err := s.Upsert(ctx, model.Record{Kind: "directory_user", NaturalKey: key})
		require.NoError(t, err)
	}
	_, _, err := s.Upsert(ctx, model.Record{Kind: "mailbox", NaturalKey: "c"})
	require.NoError(t, err)

	keys, err := s.ExistingKeys(ctx, "directory_user")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "a")

	records, err := s.ListRecords(ctx, "directory_user")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].NaturalKey)
	assert.Equal(t, keys["a"], records[0].ID)
}

func TestJobStatusFollowsLatestSyncRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := s.JobStatus(ctx, "ad")
	assert.ErrorIs(t, err, ErrNotFound)

	runs := []model.SyncRun{
		{Job: "ad", StartedAt: start, Duration: time.Second, Status: model.SyncStatusSuccess},
		{Job: "ad", StartedAt: start.Add(time.Hour), Duration: 2 * time.Second, Status: model.SyncStatusError, Message: "timeout"},
	}

	for _, run := range runs {
		require.NoError(t, s.InsertSyncRun(ctx, run))

		latest, err := s.LatestSyncRun(ctx, "ad")
		require.NoError(t, err)
		status, err := s.JobStatus(ctx, "ad")
		require.NoError(t, err)

		assert.Equal(t, latest.Status, status.LastStatus)
		assert.Equal(t, latest.Message, status.LastMessage)
		assert.Equal(t, latest.StartedAt.Add(latest.Duration), status.LastSyncAt)
	}

	assert.Len(t, s.SyncRuns("ad"), 2)
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertNotification(ctx, model.Notification{
		Type:       "quota",
		SubjectKey: "a@example.com",
		CreatedAt:  now.Add(-5 * time.Hour),
	}))

	_, err := s.FindRecentNotification(ctx, "quota", "a@example.com", now.Add(-4*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.FindRecentNotification(ctx, "quota", "a@example.com", now.Add(-6*time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.MarkNotificationRead(ctx, n.ID))
	assert.True(t, s.Notifications()[0].Read)
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, "nope"), ErrNotFound)

	require.NoError(t, s.InsertNotification(ctx, model.Notification{Type: "license", SubjectKey: "x"}))
	require.NoError(t, s.ClearNotifications(ctx, "quota"))
	require.Len(t, s.Notifications(), 1)
	assert.Equal(t, "license", s.Notifications()[0].Type)

	require.NoError(t, s.ClearNotifications(ctx, ""))
	assert.Empty(t, s.Notifications())
}

func TestLastDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := s.LastDelivery(ctx, "email")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordDelivery(ctx, model.Delivery{Channel: "email", SentAt: now}))
	require.NoError(t, s.RecordDelivery(ctx, model.Delivery{Channel: "email", SentAt: now.Add(-time.Hour)}))

	d, err := s.LastDelivery(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, now, d.SentAt)
}

func TestTickets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	s.SeedTickets(
		model.Ticket{ID: "t2", Status: model.TicketStatusOpen, CreatedAt: now},
		model.Ticket{ID: "t1", Status: model.TicketStatusPending, CreatedAt: now.Add(-time.Hour)},
		model.Ticket{ID: "t3", Status: model.TicketStatusClosed, CreatedAt: now},
	)

	open, err := s.FindOpenTickets(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "t1", open[0].ID)

	ticket := open[0]
	ticket.ResponseBreached = true
	ticket.Subject = "ignored"
	require.NoError(t, s.UpdateTicketBreachState(ctx, ticket))

	stored, ok := s.Ticket("t1")
	require.True(t, ok)
	assert.True(t, stored.ResponseBreached)
	assert.Empty(t, stored.Subject)

	assert.ErrorIs(t, s.UpdateTicketBreachState(ctx, model.Ticket{ID: "nope"}), ErrNotFound)
}

func TestUpdateTicketBreachStateKeepsFirstEscalation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	s.SeedTickets(
		model.Ticket{ID: "t1", Status: model.TicketStatusOpen, CreatedAt: now},
		model.Ticket{ID: "t2", Status: model.TicketStatusResolved, CreatedAt: now},
	)

	first := model.Ticket{ID: "t1", ResponseBreached: true, Escalated: true, EscalatedAt: &now, EscalatedTo: "lead-1"}
	require.NoError(t, s.UpdateTicketBreachState(ctx, first))

	// a concurrent writer that read the ticket before the escalation
	second := model.Ticket{ID: "t1", ResolutionBreached: true, Escalated: true, EscalatedAt: &later, EscalatedTo: "lead-2"}
	require.NoError(t, s.UpdateTicketBreachState(ctx, second))

	stored, ok := s.Ticket("t1")
	require.True(t, ok)
	assert.True(t, stored.ResponseBreached)
	assert.True(t, stored.ResolutionBreached)
	assert.Equal(t, now, *stored.EscalatedAt)
	assert.Equal(t, "lead-1", stored.EscalatedTo)

	require.NoError(t, s.UpdateTicketBreachState(ctx, model.Ticket{ID: "t2", ResponseBreached: true}))
	resolved, ok := s.Ticket("t2")
	require.True(t, ok)
	assert.False(t, resolved.ResponseBreached)
}

func TestInsertSLABreachOncePerKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	for n := 0; n < 3; n++ {
		require.NoError(t, s.InsertSLABreach(ctx, model.SLABreach{TicketID: "t1", Kind: model.BreachKindResponse, BreachedAt: now}))
	}
	require.NoError(t, s.InsertSLABreach(ctx, model.SLABreach{TicketID: "t1", Kind: model.BreachKindResolution, BreachedAt: now}))

	assert.Len(t, s.Breaches(), 2)
}

func TestInsertNotificationIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	n := model.Notification{Type: "quota", SubjectKey: "a@example.com", CreatedAt: now}

	inserted, err := s.InsertNotificationIfAbsent(ctx, n, now.Add(-4*time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)

	n.CreatedAt = now.Add(time.Hour)
	inserted, err = s.InsertNotificationIfAbsent(ctx, n, n.CreatedAt.Add(-4*time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)

	n.CreatedAt = now.Add(5 * time.Hour)
	inserted, err = s.InsertNotificationIfAbsent(ctx, n, n.CreatedAt.Add(-4*time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)

	assert.Len(t, s.Notifications(), 2)
}

func TestFindExpiringItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	s.SeedExpiringItems(
		model.ExpiringItem{ID: "l2", Kind: "license", ExpiresAt: now.Add(48 * time.Hour)},
		model.ExpiringItem{ID: "w1", Kind: "warranty", ExpiresAt: now},
		model.ExpiringItem{ID: "l1", Kind: "license", ExpiresAt: now},
	)

	items, err := s.FindExpiringItems(ctx, "license")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "l1", items[0].ID)
}

func TestNewStore(t *testing.T) {
	v := viper.New()

	s, err := New(v)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	v.Set("store.type", "postgres")
	_, err = New(v)
	assert.Error(t, err)

	v.Set("store.dsn", "postgres://localhost/itam")
	s, err = New(v)
	require.NoError(t, err)
	assert.IsType(t, &PostgresStore{}, s)

	v.Set("store.type", "mongo")
	_, err = New(v)
	assert.Error(t, err)
}
