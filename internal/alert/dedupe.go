package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/store"
)

// DefaultWindows are the per-type suppression windows used when the
// configuration does not override them.
var DefaultWindows = map[string]time.Duration{
	TypeQuota:       4 * time.Hour,
	TypeTicketStale: 24 * time.Hour,
	TypeLicense:     72 * time.Hour,
	TypeWarranty:    72 * time.Hour,
	TypeCertificate: 24 * time.Hour,
	TypeSLABreach:   720 * time.Hour,
}

// fallbackWindow applies to alert types with no configured window, such as
// expiry kinds added only through alerts.expiryLevels.
const fallbackWindow = 24 * time.Hour

// Deduplicator persists a notification unless an equivalent one was raised
// inside the suppression window. The store makes the check and the insert
// atomic, also across processes.
type Deduplicator struct {
	store   store.NotificationStore
	windows map[string]time.Duration
	now     func() time.Time
}

func NewDeduplicator(s store.NotificationStore, windows map[string]time.Duration) *Deduplicator {
	merged := make(map[string]time.Duration, len(DefaultWindows))
	for k, v := range DefaultWindows {
		merged[k] = v
	}
	for k, v := range windows {
		merged[k] = v
	}

	return &Deduplicator{store: s, windows: merged, now: time.Now}
}

// Window returns the suppression window configured for typ.
func (d *Deduplicator) Window(typ string) time.Duration {
	if window, ok := d.windows[typ]; ok && window > 0 {
		return window
	}
	return fallbackWindow
}

func (d *Deduplicator) ShouldRaise(
	ctx context.Context,
	c Candidate,
	window time.Duration,
) (bool, error) {
	now := d.now().UTC()

	raised, err := d.store.InsertNotificationIfAbsent(ctx, model.Notification{
		Type:       c.Type,
		SubjectKey: c.SubjectID,
		Severity:   string(c.Severity),
		Message:    c.Message,
		CreatedAt:  now,
	}, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("insert notification failed: %w", err)
	}

	return raised, nil
}

// Raise applies ShouldRaise with the type's own window.
func (d *Deduplicator) Raise(ctx context.Context, c Candidate) (bool, error) {
	return d.ShouldRaise(ctx, c, d.Window(c.Type))
}
