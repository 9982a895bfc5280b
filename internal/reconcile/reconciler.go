package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/store"
	log "github.com/sirupsen/logrus"
)

type recordResult int

const (
	RECORD_SKIPPED recordResult = iota
	RECORD_NEW
	RECORD_UPDATED
	RECORD_ERR
)

// RecordError is the failure of a single record. It never aborts the batch.
type RecordError struct {
	Key     string
	Message string
}

type RunStats struct {
	Found    int
	New      int
	Updated  int
	Skipped  int
	Errors   int
	Failures []RecordError
}

func (s *RunStats) Status() string {
	if s.Errors == 0 {
		return model.SyncStatusSuccess
	}
	return model.SyncStatusPartial
}

type Options struct {
	// Matcher defaults to a matcher with the default policy.
	Matcher *match.Matcher
	// Exclude lists natural keys (service and admin accounts) that are never
	// reconciled. Compared lower-case.
	Exclude []string
	Source  string
	Logger  *log.Logger
	Now     func() time.Time
}

type Reconciler struct {
	records store.RecordStore
	mapper  Mapper
	matcher *match.Matcher
	exclude map[string]struct{}
	source  string
	logger  *log.Logger
	now     func() time.Time
}

func New(records store.RecordStore, mapper Mapper, opts Options) *Reconciler {
	r := &Reconciler{
		records: records,
		mapper:  mapper,
		matcher: opts.Matcher,
		exclude: make(map[string]struct{}, len(opts.Exclude)),
		source:  opts.Source,
		logger:  opts.Logger,
		now:     opts.Now,
	}

	if r.matcher == nil {
		r.matcher = match.NewMatcher(match.DefaultPolicy())
	}
	if r.logger == nil {
		r.logger = log.StandardLogger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.source == "" {
		r.source = mapper.Kind()
	}

	for _, key := range opts.Exclude {
		r.exclude[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
	}

	return r
}

// Reconcile upserts every record of batch. existing maps natural keys to local
// record ids and is extended with the keys inserted by this batch, so a key
// repeated within the batch is updated rather than inserted twice.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	batch []provider.Record,
	entities []match.Entity,
	existing map[string]string,
) RunStats {
	stats := RunStats{Found: len(batch)}

	if existing == nil {
		existing = map[string]string{}
	}

	for index, rec := range batch {
		if err := ctx.Err(); err != nil {
			for _, rest := range batch[index:] {
				stats.Errors += 1
				stats.Failures = append(
					stats.Failures,
					RecordError{Key: rest.ID, Message: err.Error()},
				)
			}
			r.logger.Warnf(
				"%s reconcile interrupted with %d records left: %s",
				r.mapper.Kind(),
				len(batch)-index,
				err,
			)
			break
		}

		key, result, err := r.processRecord(ctx, rec, entities, existing)

		r.logger.Tracef(
			"result of processing %s record %s: %d",
			r.mapper.Kind(),
			key,
			result,
		)

		switch result {
		case RECORD_NEW:
			stats.New += 1

		case RECORD_UPDATED:
			stats.Updated += 1

		case RECORD_SKIPPED:
			stats.Skipped += 1

		case RECORD_ERR:
			stats.Errors += 1
			stats.Failures = append(
				stats.Failures,
				RecordError{Key: key, Message: err.Error()},
			)

			r.logger.Warnf(
				"error while reconciling %s record %s: %s",
				r.mapper.Kind(),
				key,
				err,
			)
		}
	}

	r.logger.Debugf(
		"%s reconcile: found %d, new %d, updated %d, skipped %d, errors %d",
		r.mapper.Kind(),
		stats.Found,
		stats.New,
		stats.Updated,
		stats.Skipped,
		stats.Errors,
	)

	return stats
}

func (r *Reconciler) processRecord(
	ctx context.Context,
	rec provider.Record,
	entities []match.Entity,
	existing map[string]string,
) (key string, result recordResult, err error) {
	key = rec.ID

	defer func() {
		if p := recover(); p != nil {
			result = RECORD_ERR
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	naturalKey, err := r.mapper.NaturalKey(rec)
	if err != nil {
		return key, RECORD_ERR, err
	}
	key = naturalKey

	if _, ok := r.exclude[strings.ToLower(key)]; ok {
		r.logger.Debugf("skipping excluded %s record %s", r.mapper.Kind(), key)
		return key, RECORD_SKIPPED, nil
	}

	fields, err := r.mapper.Fields(rec)
	if err != nil {
		return key, RECORD_ERR, err
	}

	link, linked, err := r.proposeLink(ctx, rec, entities)
	if err != nil {
		return key, RECORD_ERR, fmt.Errorf("link lookup failed: %w", err)
	}

	id, ok := existing[key]
	if !ok {
		found, err := r.records.FindByNaturalKey(ctx, r.mapper.Kind(), key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return key, RECORD_ERR, fmt.Errorf("lookup failed: %w", err)
		}
		if found != nil {
			id = found.ID
		}
	}

	now := r.now().UTC()
	local := model.Record{
		ID:         id,
		Kind:       r.mapper.Kind(),
		NaturalKey: key,
		Source:     r.source,
		Fields:     fields,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}

	if linked {
		local.LinkedEntityID = link.Entity.ID
		local.MatchStrategy = string(link.Strategy)
		local.MatchScore = link.Score
	}

	saved, created, err := r.records.Upsert(ctx, local)
	if err != nil {
		return key, RECORD_ERR, fmt.Errorf("upsert failed: %w", err)
	}

	existing[key] = saved.ID

	if created {
		return key, RECORD_NEW, nil
	}
	return key, RECORD_UPDATED, nil
}

func (r *Reconciler) proposeLink(
	ctx context.Context,
	rec provider.Record,
	entities []match.Entity,
) (match.Result, bool, error) {
	if resolver, ok := r.mapper.(LinkResolver); ok {
		return resolver.ResolveLink(ctx, r.records, rec)
	}

	if len(entities) == 0 {
		return match.Result{}, false, nil
	}

	result, ok := r.matcher.MatchEntity(r.mapper.Candidate(rec), entities)
	return result, ok, nil
}
