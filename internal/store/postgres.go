package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/model"
)

const postgresOperationTimeout = 5 * time.Second

// Tables owned by this service. Collaborator tables (employees,
// expiring_items, tickets, sla_policies) are only read or updated.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS itam_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		linked_entity_id TEXT,
		match_strategy TEXT NOT NULL DEFAULT '',
		match_score INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		fields JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		UNIQUE (kind, natural_key)
	)`,
	`CREATE TABLE IF NOT EXISTS itam_sync_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		found INTEGER NOT NULL,
		new INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		seq BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS itam_sync_runs_job_idx ON itam_sync_runs (job, seq)`,
	`CREATE TABLE IF NOT EXISTS itam_job_status (
		job TEXT PRIMARY KEY,
		last_sync_at TIMESTAMPTZ NOT NULL,
		last_status TEXT NOT NULL,
		last_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS itam_notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		subject_key TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS itam_notifications_subject_idx
		ON itam_notifications (type, subject_key, created_at)`,
	`CREATE TABLE IF NOT EXISTS itam_deliveries (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		recipients TEXT[] NOT NULL,
		subject TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sla_breaches (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		target_minutes INTEGER NOT NULL,
		actual_minutes INTEGER NOT NULL,
		breached_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sla_breaches_ticket_kind_idx
		ON sla_breaches (ticket_id, kind)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (p *PostgresStore) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("schema setup failed: %w", err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

// begin makes sure the schema exists and bounds the operation.
func (p *PostgresStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := p.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	return ctx, cancel, nil
}

func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const recordColumns = `id, kind, natural_key, COALESCE(linked_entity_id, ''), match_strategy,
	match_score, source, fields, created_at, updated_at, last_seen_at`

func scanRecord(row rowScanner, extra ...interface{}) (*model.Record, error) {
	var (
		rec    model.Record
		fields []byte
	)

	dest := []interface{}{
		&rec.ID, &rec.Kind, &rec.NaturalKey, &rec.LinkedEntityID, &rec.MatchStrategy,
		&rec.MatchScore, &rec.Source, &fields, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastSeenAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	rec.Fields = map[string]interface{}{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("invalid fields for %s/%s: %w", rec.Kind, rec.NaturalKey, err)
		}
	}
	return &rec, nil
}

func (p *PostgresStore) FindByNaturalKey(ctx context.Context, kind, key string) (*model.Record, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	row := p.db.QueryRowContext(
		ctx,
		`SELECT `+recordColumns+` FROM itam_records WHERE kind = $1 AND natural_key = $2`,
		kind,
		key,
	)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Upsert keys on (kind, natural_key). The existing link, strategy and score
// are kept whenever a link is already stored.
func (p *PostgresStore) Upsert(ctx context.Context, rec model.Record) (model.Record, bool, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return model.Record{}, false, err
	}
	defer cancel()

	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return model.Record{}, false, fmt.Errorf("invalid fields: %w", err)
	}

	row := p.db.QueryRowContext(
		ctx,
		`INSERT INTO itam_records (
			id, kind, natural_key, linked_entity_id, match_strategy, match_score,
			source, fields, created_at, updated_at, last_seen_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (kind, natural_key) DO UPDATE SET
			source = EXCLUDED.source,
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at,
			last_seen_at = EXCLUDED.last_seen_at,
			linked_entity_id = COALESCE(itam_records.linked_entity_id, EXCLUDED.linked_entity_id),
			match_strategy = CASE WHEN itam_records.linked_entity_id IS NULL
				THEN EXCLUDED.match_strategy ELSE itam_records.match_strategy END,
			match_score = CASE WHEN itam_records.linked_entity_id IS NULL
				THEN EXCLUDED.match_score ELSE itam_records.match_score END
		RETURNING `+recordColumns+`, (xmax = 0)`,
		rec.ID,
		rec.Kind,
		rec.NaturalKey,
		rec.LinkedEntityID,
		rec.MatchStrategy,
		rec.MatchScore,
		rec.Source,
		string(fields),
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.LastSeenAt,
	)

	var inserted bool
	saved, err := scanRecord(row, &inserted)
	if err != nil {
		return model.Record{}, false, err
	}
	return *saved, inserted, nil
}

func (p *PostgresStore) ExistingKeys(ctx context.Context, kind string) (map[string]string, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT natural_key, id FROM itam_records WHERE kind = $1`,
		kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[string]string{}
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		keys[key] = id
	}
	return keys, rows.Err()
}

func (p *PostgresStore) ListRecords(ctx context.Context, kind string) ([]model.Record, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT `+recordColumns+` FROM itam_records WHERE kind = $1 ORDER BY natural_key`,
		kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// InsertSyncRun writes the audit row and the job status in one transaction.
func (p *PostgresStore) InsertSyncRun(ctx context.Context, run model.SyncRun) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if run.ID == "" {
		run.ID = newID()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO itam_sync_runs (
			id, job, started_at, duration_ms, found, new, updated, skipped, errors, status, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID,
		run.Job,
		run.StartedAt,
		run.Duration.Milliseconds(),
		run.Found,
		run.New,
		run.Updated,
		run.Skipped,
		run.Errors,
		run.Status,
		run.Message,
	); err != nil {
		return fmt.Errorf("insert sync run failed: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO itam_job_status (job, last_sync_at, last_status, last_message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_status = EXCLUDED.last_status,
			last_message = EXCLUDED.last_message`,
		run.Job,
		run.StartedAt.Add(run.Duration),
		run.Status,
		run.Message,
	); err != nil {
		return fmt.Errorf("update job status failed: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) LatestSyncRun(ctx context.Context, job string) (*model.SyncRun, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var (
		run        model.SyncRun
		durationMs int64
	)

	err = p.db.QueryRowContext(
		ctx,
		`SELECT id, job, started_at, duration_ms, found, new, updated, skipped, errors, status, message
		FROM itam_sync_runs WHERE job = $1 ORDER BY seq DESC LIMIT 1`,
		job,
	).Scan(
		&run.ID,
		&run.Job,
		&run.StartedAt,
		&durationMs,
		&run.Found,
		&run.New,
		&run.Updated,
		&run.Skipped,
		&run.Errors,
		&run.Status,
		&run.Message,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}

func (p *PostgresStore) JobStatus(ctx context.Context, job string) (*model.JobStatus, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var status model.JobStatus
	err = p.db.QueryRowContext(
		ctx,
		`SELECT job, last_sync_at, last_status, last_message FROM itam_job_status WHERE job = $1`,
		job,
	).Scan(&status.Job, &status.LastSyncAt, &status.LastStatus, &status.LastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (p *PostgresStore) FindEntitiesForMatch(ctx context.Context) ([]match.Entity, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT id, name, COALESCE(email, ''), COALESCE(external_ids, '{}')
		FROM employees ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []match.Entity
	for rows.Next() {
		var e match.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, pq.Array(&e.ExternalIDs)); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (p *PostgresStore) InsertNotification(ctx context.Context, n model.Notification) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if n.ID == "" {
		n.ID = newID()
	}

	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO itam_notifications (id, type, subject_key, severity, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID,
		n.Type,
		n.SubjectKey,
		n.Severity,
		n.Message,
		n.Read,
		n.CreatedAt,
	)
	return err
}

// notificationLockKey maps a notification subject onto the bigint key space
// of pg_advisory_xact_lock.
func notificationLockKey(typ, subjectKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subjectKey))
	return int64(h.Sum64())
}

func (p *PostgresStore) InsertNotificationIfAbsent(
	ctx context.Context,
	n model.Notification,
	since time.Time,
) (bool, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// released on commit or rollback
	if _, err := tx.ExecContext(
		ctx,
		`SELECT pg_advisory_xact_lock($1)`,
		notificationLockKey(n.Type, n.SubjectKey),
	); err != nil {
		return false, fmt.Errorf("notification lock failed: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM itam_notifications
			WHERE type = $1 AND subject_key = $2 AND created_at >= $3
		)`,
		n.Type,
		n.SubjectKey,
		since,
	).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if n.ID == "" {
		n.ID = newID()
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO itam_notifications (id, type, subject_key, severity, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID,
		n.Type,
		n.SubjectKey,
		n.Severity,
		n.Message,
		n.Read,
		n.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("insert notification failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) FindRecentNotification(
	ctx context.Context,
	typ, subjectKey string,
	since time.Time,
) (*model.Notification, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var n model.Notification
	err = p.db.QueryRowContext(
		ctx,
		`SELECT id, type, subject_key, severity, message, read, created_at
		FROM itam_notifications
		WHERE type = $1 AND subject_key = $2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`,
		typ,
		subjectKey,
		since,
	).Scan(&n.ID, &n.Type, &n.SubjectKey, &n.Severity, &n.Message, &n.Read, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := p.db.ExecContext(ctx, `UPDATE itam_notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ClearNotifications(ctx context.Context, typ string) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if typ == "" {
		_, err = p.db.ExecContext(ctx, `DELETE FROM itam_notifications`)
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM itam_notifications WHERE type = $1`, typ)
	return err
}

func (p *PostgresStore) LastDelivery(ctx context.Context, channel string) (*model.Delivery, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var d model.Delivery
	err = p.db.QueryRowContext(
		ctx,
		`SELECT id, channel, recipients, subject, sent_at
		FROM itam_deliveries WHERE channel = $1 ORDER BY sent_at DESC LIMIT 1`,
		channel,
	).Scan(&d.ID, &d.Channel, pq.Array(&d.Recipients), &d.Subject, &d.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, d model.Delivery) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if d.ID == "" {
		d.ID = newID()
	}

	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO itam_deliveries (id, channel, recipients, subject, sent_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID,
		d.Channel,
		pq.Array(d.Recipients),
		d.Subject,
		d.SentAt,
	)
	return err
}

func (p *PostgresStore) FindExpiringItems(ctx context.Context, kind string) ([]model.ExpiringItem, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT id, kind, name, expires_at, COALESCE(owner, '')
		FROM expiring_items WHERE kind = $1 ORDER BY expires_at`,
		kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.ExpiringItem
	for rows.Next() {
		var item model.ExpiringItem
		if err := rows.Scan(&item.ID, &item.Kind, &item.Name, &item.ExpiresAt, &item.Owner); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) FindOpenTickets(ctx context.Context) ([]model.Ticket, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT id, subject, priority, status, COALESCE(assignee_id, ''), created_at, updated_at,
			first_response_at, response_deadline, resolution_deadline,
			response_breached, resolution_breached, escalated, escalated_at, COALESCE(escalated_to, '')
		FROM tickets
		WHERE LOWER(status) NOT IN ($1, $2)
		ORDER BY created_at`,
		model.TicketStatusResolved,
		model.TicketStatusClosed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		var firstResponse, responseDue, resolutionDue, escalated sql.NullTime
		if err := rows.Scan(
			&t.ID,
			&t.Subject,
			&t.Priority,
			&t.Status,
			&t.AssigneeID,
			&t.CreatedAt,
			&t.UpdatedAt,
			&firstResponse,
			&responseDue,
			&resolutionDue,
			&t.ResponseBreached,
			&t.ResolutionBreached,
			&t.Escalated,
			&escalated,
			&t.EscalatedTo,
		); err != nil {
			return nil, err
		}
		t.FirstResponseAt = nullTimePtr(firstResponse)
		t.ResponseDeadline = nullTimePtr(responseDue)
		t.ResolutionDeadline = nullTimePtr(resolutionDue)
		t.EscalatedAt = nullTimePtr(escalated)
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (p *PostgresStore) FindSLAPolicies(ctx context.Context) ([]model.SLAPolicy, error) {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := p.db.QueryContext(
		ctx,
		`SELECT id, priority, response_minutes, resolution_minutes,
			escalation_enabled, escalation_delay_minutes, COALESCE(escalate_to, '')
		FROM sla_policies`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.SLAPolicy
	for rows.Next() {
		var sp model.SLAPolicy
		if err := rows.Scan(
			&sp.ID,
			&sp.Priority,
			&sp.ResponseMinutes,
			&sp.ResolutionMinutes,
			&sp.EscalationEnabled,
			&sp.EscalationDelayMinutes,
			&sp.EscalateTo,
		); err != nil {
			return nil, err
		}
		policies = append(policies, sp)
	}
	return policies, rows.Err()
}

func (p *PostgresStore) UpdateTicketBreachState(ctx context.Context, t model.Ticket) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := p.db.ExecContext(
		ctx,
		`UPDATE tickets SET
			response_deadline = $2,
			resolution_deadline = $3,
			response_breached = response_breached OR $4,
			resolution_breached = resolution_breached OR $5,
			escalated = escalated OR $6,
			escalated_at = CASE WHEN escalated THEN escalated_at ELSE $7 END,
			escalated_to = CASE WHEN escalated THEN escalated_to ELSE NULLIF($8, '') END
		WHERE id = $1 AND LOWER(status) NOT IN ('resolved', 'closed')`,
		t.ID,
		t.ResponseDeadline,
		t.ResolutionDeadline,
		t.ResponseBreached,
		t.ResolutionBreached,
		t.Escalated,
		t.EscalatedAt,
		t.EscalatedTo,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// nothing updated: either unknown or already terminal
	var exists bool
	if err := p.db.QueryRowContext(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`,
		t.ID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) InsertSLABreach(ctx context.Context, b model.SLABreach) error {
	ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if b.ID == "" {
		b.ID = newID()
	}

	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO sla_breaches (id, ticket_id, policy_id, kind, target_minutes, actual_minutes, breached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ticket_id, kind) DO NOTHING`,
		b.ID,
		b.TicketID,
		b.PolicyID,
		b.Kind,
		b.TargetMinutes,
		b.ActualMinutes,
		b.BreachedAt,
	)
	return err
}
