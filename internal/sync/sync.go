package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/reconcile"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	log "github.com/sirupsen/logrus"
)

// Syncer pulls one external collection and reconciles it into local records.
type Syncer struct {
	i            *interop.Interop
	log          *log.Entry
	store        store.Store
	provider     provider.Provider
	reconciler   *reconcile.Reconciler
	job          string
	kind         string
	timeout      time.Duration
	eventsConfig eventsConfig
	now          func() time.Time
}

// Run executes one sync. A failed fetch is recorded as an error run and
// returned; per-record failures only make the run partial.
func (s *Syncer) Run(ctx context.Context) error {
	runID := uuid.Must(uuid.NewV4())
	start := s.now()

	if s.i.App != nil {
		txn := s.i.App.StartTransaction("sync/" + s.job)
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	s.log.Debugf("starting sync run %s", runID)
	s.pushEvent(s.newAuditEvent(runID, "sync_start", nil))

	run := model.SyncRun{
		ID:        runID.String(),
		Job:       s.job,
		StartedAt: start,
	}

	stats, err := s.sync(ctx)
	if err != nil {
		run.Status = model.SyncStatusError
		run.Message = err.Error()
	} else {
		run.Found = stats.Found
		run.New = stats.New
		run.Updated = stats.Updated
		run.Skipped = stats.Skipped
		run.Errors = stats.Errors
		run.Status = stats.Status()
		run.Message = summarize(stats)
	}
	run.Duration = s.now().Sub(start)

	// the audit row is written even when the run context expired
	if insertErr := s.store.InsertSyncRun(context.WithoutCancel(ctx), run); insertErr != nil {
		s.log.Errorf("failed to record sync run %s: %s", runID, insertErr)
		if err == nil {
			err = fmt.Errorf("record sync run failed: %w", insertErr)
		}
	}

	s.pushEvent(s.newEndEvent(runID, &run, err))

	if err != nil {
		if txn := newrelic.FromContext(ctx); txn != nil {
			txn.NoticeError(err)
		}
		return err
	}

	s.log.Infof(
		"sync %s: found %d, new %d, updated %d, skipped %d, errors %d",
		run.Status,
		run.Found,
		run.New,
		run.Updated,
		run.Skipped,
		run.Errors,
	)

	return nil
}

func (s *Syncer) sync(ctx context.Context) (*reconcile.RunStats, error) {
	s.log.Debugf("reading all records from provider")

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	records, err := s.provider.FetchRecords(fetchCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	s.log.Debugf("read %d records from provider", len(records))

	entities, err := s.store.FindEntitiesForMatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entities failed: %w", err)
	}

	existing, err := s.store.ExistingKeys(ctx, s.kind)
	if err != nil {
		return nil, fmt.Errorf("load existing keys failed: %w", err)
	}

	s.log.Tracef("matching against %d entities, %d existing records", len(entities), len(existing))

	stats := s.reconciler.Reconcile(ctx, records, entities, existing)
	return &stats, nil
}

func summarize(stats *reconcile.RunStats) string {
	if stats.Errors == 0 {
		return ""
	}

	first := stats.Failures[0]
	return fmt.Sprintf(
		"%d of %d records failed, first %s: %s",
		stats.Errors,
		stats.Found,
		first.Key,
		first.Message,
	)
}
