package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/spf13/viper"
)

var ErrNotFound = errors.New("not found")

// RecordStore holds reconciled records. Upsert refreshes every system owned
// column but only fills LinkedEntityID, MatchStrategy and MatchScore when the
// stored link is empty.
type RecordStore interface {
	FindByNaturalKey(ctx context.Context, kind, key string) (*model.Record, error)
	Upsert(ctx context.Context, rec model.Record) (model.Record, bool, error)
	ExistingKeys(ctx context.Context, kind string) (map[string]string, error)
	ListRecords(ctx context.Context, kind string) ([]model.Record, error)
}

type SyncRunStore interface {
	// InsertSyncRun stores the run and the job's "last sync" status together.
	InsertSyncRun(ctx context.Context, run model.SyncRun) error
	LatestSyncRun(ctx context.Context, job string) (*model.SyncRun, error)
	JobStatus(ctx context.Context, job string) (*model.JobStatus, error)
}

type EntityStore interface {
	FindEntitiesForMatch(ctx context.Context) ([]match.Entity, error)
}

type NotificationStore interface {
	InsertNotification(ctx context.Context, n model.Notification) error
	// InsertNotificationIfAbsent inserts n unless a notification with the same
	// type and subject was created at or after since, and reports whether it
	// inserted. The check and the insert hold a lock on the pair, so
	// processes sharing the store cannot both insert.
	InsertNotificationIfAbsent(ctx context.Context, n model.Notification, since time.Time) (bool, error)
	FindRecentNotification(ctx context.Context, typ, subjectKey string, since time.Time) (*model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context, typ string) error
}

type DeliveryStore interface {
	LastDelivery(ctx context.Context, channel string) (*model.Delivery, error)
	RecordDelivery(ctx context.Context, d model.Delivery) error
}

type ExpiryStore interface {
	FindExpiringItems(ctx context.Context, kind string) ([]model.ExpiringItem, error)
}

type TicketStore interface {
	FindOpenTickets(ctx context.Context) ([]model.Ticket, error)
	FindSLAPolicies(ctx context.Context) ([]model.SLAPolicy, error)
	// UpdateTicketBreachState writes deadlines, breach flags and escalation.
	// Flags are only ever set, escalation fields keep their first value and
	// tickets that reached a terminal status are left untouched.
	UpdateTicketBreachState(ctx context.Context, t model.Ticket) error
	// InsertSLABreach records at most one breach per ticket and kind; a repeat
	// is ignored.
	InsertSLABreach(ctx context.Context, b model.SLABreach) error
}

// Store is the persistence collaborator of the reconciliation core.
type Store interface {
	RecordStore
	SyncRunStore
	EntityStore
	NotificationStore
	DeliveryStore
	ExpiryStore
	TicketStore
	Close() error
}

// New builds the store selected by store.type.
func New(v *viper.Viper) (Store, error) {
	storeType := strings.ToLower(v.GetString("store.type"))

	switch storeType {
	case "", "memory":
		return NewMemoryStore(), nil

	case "postgres":
		s, err := NewPostgresStore(v.GetString("store.dsn"))
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return nil, fmt.Errorf("invalid store type: %s", storeType)
}

// mergeLink applies the set-if-null rule of Upsert.
func mergeLink(current *model.Record, incoming model.Record) {
	if current.LinkedEntityID != "" || incoming.LinkedEntityID == "" {
		return
	}
	current.LinkedEntityID = incoming.LinkedEntityID
	current.MatchStrategy = incoming.MatchStrategy
	current.MatchScore = incoming.MatchScore
}
