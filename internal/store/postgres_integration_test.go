//go:build integration

package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// collaborator tables are owned by the helpdesk application
const collaboratorSchema = `
CREATE TABLE employees (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	external_ids TEXT[]
);
CREATE TABLE expiring_items (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	owner TEXT
);
CREATE TABLE tickets (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	assignee_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	first_response_at TIMESTAMPTZ,
	response_deadline TIMESTAMPTZ,
	resolution_deadline TIMESTAMPTZ,
	response_breached BOOLEAN NOT NULL DEFAULT FALSE,
	resolution_breached BOOLEAN NOT NULL DEFAULT FALSE,
	escalated BOOLEAN NOT NULL DEFAULT FALSE,
	escalated_at TIMESTAMPTZ,
	escalated_to TEXT
);
CREATE TABLE sla_policies (
	id TEXT PRIMARY KEY,
	priority TEXT NOT NULL,
	response_minutes INTEGER NOT NULL,
	resolution_minutes INTEGER NOT NULL,
	escalation_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	escalation_delay_minutes INTEGER NOT NULL DEFAULT 0,
	escalate_to TEXT
);
`

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(
		ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("itam"),
		postgres.WithUsername("itam"),
		postgres.WithPassword("itam"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, collaboratorSchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestPostgresStore(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("upsert keeps first link", func(t *testing.T) {
		saved, created, err := s.Upsert(ctx, model.Record{
			Kind:       "directory_user",
			NaturalKey: "jsmith",
			Fields:     map[string]interface{}{"title": "Engineer"},
			CreatedAt:  now,
			UpdatedAt:  now,
			LastSeenAt: now,
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Empty(t, saved.LinkedEntityID)

		saved, created, err = s.Upsert(ctx, model.Record{
			Kind:           "directory_user",
			NaturalKey:     "jsmith",
			LinkedEntityID: "emp-1",
			MatchStrategy:  "name",
			MatchScore:     90,
			Fields:         map[string]interface{}{"title": "Lead"},
			CreatedAt:      now.Add(time.Hour),
			UpdatedAt:      now.Add(time.Hour),
			LastSeenAt:     now.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "emp-1", saved.LinkedEntityID)
		assert.Equal(t, "Lead", saved.Fields["title"])
		assert.True(t, saved.CreatedAt.Equal(now))

		saved, _, err = s.Upsert(ctx, model.Record{
			Kind:           "directory_user",
			NaturalKey:     "jsmith",
			LinkedEntityID: "emp-2",
			MatchStrategy:  "exact",
			MatchScore:     100,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastSeenAt:     now,
		})
		require.NoError(t, err)
		assert.Equal(t, "emp-1", saved.LinkedEntityID)
		assert.Equal(t, 90, saved.MatchScore)

		keys, err := s.ExistingKeys(ctx, "directory_user")
		require.NoError(t, err)
		assert.Equal(t, saved.ID, keys["jsmith"])
	})

	t.Run("sync run and job status", func(t *testing.T) {
		run := model.SyncRun{
			Job:       "ad",
			StartedAt: now,
			Duration:  1500 * time.Millisecond,
			Found:     3,
			New:       2,
			Errors:    1,
			Status:    model.SyncStatusPartial,
			Message:   "1 record failed",
		}
		require.NoError(t, s.InsertSyncRun(ctx, run))

		latest, err := s.LatestSyncRun(ctx, "ad")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.New)
		assert.Equal(t, run.Duration, latest.Duration)

		status, err := s.JobStatus(ctx, "ad")
		require.NoError(t, err)
		assert.Equal(t, model.SyncStatusPartial, status.LastStatus)
		assert.True(t, status.LastSyncAt.Equal(now.Add(run.Duration)))
	})

	t.Run("notifications and deliveries", func(t *testing.T) {
		require.NoError(t, s.InsertNotification(ctx, model.Notification{
			Type:       "quota",
			SubjectKey: "a@example.com",
			Severity:   "warning",
			Message:    "mailbox at 91%",
			CreatedAt:  now,
		}))

		n, err := s.FindRecentNotification(ctx, "quota", "a@example.com", now.Add(-4*time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.MarkNotificationRead(ctx, n.ID))

		_, err = s.FindRecentNotification(ctx, "quota", "a@example.com", now.Add(time.Minute))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.RecordDelivery(ctx, model.Delivery{
			Channel:    "email",
			Recipients: []string{"it@example.com", "ops@example.com"},
			Subject:    "digest",
			SentAt:     now,
		}))
		d, err := s.LastDelivery(ctx, "email")
		require.NoError(t, err)
		assert.Equal(t, []string{"it@example.com", "ops@example.com"}, d.Recipients)

		require.NoError(t, s.ClearNotifications(ctx, "quota"))
		_, err = s.FindRecentNotification(ctx, "quota", "a@example.com", now.Add(-4*time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("collaborator tables", func(t *testing.T) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO employees (id, name, email, external_ids) VALUES ('emp-1', 'John Smith', 'john@example.com', '{jsmith}');
			INSERT INTO tickets (id, subject, priority, status, created_at, updated_at)
				VALUES ('t1', 'printer', 'high', 'open', '2024-03-01T06:00:00Z', '2024-03-01T06:00:00Z');
			INSERT INTO tickets (id, subject, priority, status, created_at, updated_at)
				VALUES ('t2', 'vpn', 'high', 'closed', '2024-03-01T06:00:00Z', '2024-03-01T06:00:00Z');
			INSERT INTO sla_policies (id, priority, response_minutes, resolution_minutes, escalation_enabled, escalation_delay_minutes, escalate_to)
				VALUES ('p1', 'high', 60, 240, TRUE, 30, 'lead-1');
			INSERT INTO expiring_items (id, kind, name, expires_at) VALUES ('l1', 'license', 'Office', '2024-03-10T00:00:00Z');
		`)
		require.NoError(t, err)

		entities, err := s.FindEntitiesForMatch(ctx)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, []string{"jsmith"}, entities[0].ExternalIDs)

		items, err := s.FindExpiringItems(ctx, "license")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Empty(t, items[0].Owner)

		policies, err := s.FindSLAPolicies(ctx)
		require.NoError(t, err)
		require.Len(t, policies, 1)
		assert.Equal(t, "lead-1", policies[0].EscalateTo)

		tickets, err := s.FindOpenTickets(ctx)
		require.NoError(t, err)
		require.Len(t, tickets, 1)
		assert.Nil(t, tickets[0].FirstResponseAt)

		ticket := tickets[0]
		deadline := now
		ticket.ResponseDeadline = &deadline
		ticket.ResponseBreached = true
		require.NoError(t, s.UpdateTicketBreachState(ctx, ticket))
		require.NoError(t, s.InsertSLABreach(ctx, model.SLABreach{
			TicketID:      "t1",
			PolicyID:      "p1",
			Kind:          model.BreachKindResponse,
			TargetMinutes: 60,
			ActualMinutes: 120,
			BreachedAt:    now,
		}))

		require.NoError(t, s.InsertSLABreach(ctx, model.SLABreach{
			TicketID:      "t1",
			PolicyID:      "p1",
			Kind:          model.BreachKindResponse,
			TargetMinutes: 60,
			ActualMinutes: 125,
			BreachedAt:    now.Add(5 * time.Minute),
		}))
		var breaches int
		require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sla_breaches WHERE ticket_id = 't1'`).Scan(&breaches))
		assert.Equal(t, 1, breaches)

		tickets, err = s.FindOpenTickets(ctx)
		require.NoError(t, err)
		assert.True(t, tickets[0].ResponseBreached)
		require.NotNil(t, tickets[0].ResponseDeadline)
		assert.True(t, tickets[0].ResponseDeadline.Equal(now))

		escalatedAt := now
		ticket = tickets[0]
		ticket.Escalated = true
		ticket.EscalatedAt = &escalatedAt
		ticket.EscalatedTo = "lead-1"
		require.NoError(t, s.UpdateTicketBreachState(ctx, ticket))

		// a writer holding a stale copy neither clears flags nor re-escalates
		laterAt := now.Add(time.Minute)
		stale := tickets[0]
		stale.ResponseBreached = false
		stale.Escalated = true
		stale.EscalatedAt = &laterAt
		stale.EscalatedTo = "lead-2"
		require.NoError(t, s.UpdateTicketBreachState(ctx, stale))

		tickets, err = s.FindOpenTickets(ctx)
		require.NoError(t, err)
		assert.True(t, tickets[0].ResponseBreached)
		require.NotNil(t, tickets[0].EscalatedAt)
		assert.True(t, tickets[0].EscalatedAt.Equal(now))
		assert.Equal(t, "lead-1", tickets[0].EscalatedTo)

		closed := model.Ticket{ID: "t2", ResolutionBreached: true}
		require.NoError(t, s.UpdateTicketBreachState(ctx, closed))
		var resolutionBreached bool
		require.NoError(t, s.db.QueryRowContext(ctx, `SELECT resolution_breached FROM tickets WHERE id = 't2'`).Scan(&resolutionBreached))
		assert.False(t, resolutionBreached)

		assert.ErrorIs(t, s.UpdateTicketBreachState(ctx, model.Ticket{ID: "nope"}), ErrNotFound)
	})

	t.Run("notification insert is atomic", func(t *testing.T) {
		n := model.Notification{Type: "license", SubjectKey: "l-race", Severity: "warning", Message: "x", CreatedAt: now}

		var wg sync.WaitGroup
		var inserted atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.InsertNotificationIfAbsent(ctx, n, now.Add(-72*time.Hour))
				assert.NoError(t, err)
				if ok {
					inserted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), inserted.Load())
	})
}
