package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/reconcile"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
)

var ErrNotConfigured = errors.New("job not configured")

// Job adapts one configured sync to the scheduler. The provider and mapper
// are built on first validation.
type Job struct {
	i       *interop.Interop
	store   store.Store
	matcher *match.Matcher
	config  JobConfig
	syncer  *Syncer
}

func NewJob(
	i *interop.Interop,
	s store.Store,
	matcher *match.Matcher,
	config JobConfig,
) *Job {
	return &Job{i: i, store: s, matcher: matcher, config: config}
}

// NewJobs builds a job for every configured entry, configured or not.
func NewJobs(i *interop.Interop, s store.Store, configs JobConfigs) []*Job {
	matcher := match.NewMatcher(MatchPolicyFromViper(i.Config))

	jobs := make([]*Job, 0, len(configs))
	for _, config := range configs {
		jobs = append(jobs, NewJob(i, s, matcher, config))
	}
	return jobs
}

func (j *Job) Name() string {
	return j.config.Name
}

func (j *Job) Enabled() bool {
	return j.config.Enabled
}

func (j *Job) Interval() time.Duration {
	return j.config.Interval
}

func (j *Job) Validate() error {
	if j.syncer != nil {
		return nil
	}

	if err := j.config.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}

	pv, err := j.config.providerConfig()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}

	p, err := provider.GetProvider(j.i, pv)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}

	mapper, err := reconcile.MapperFor(j.config.Kind)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}

	j.syncer = j.newSyncer(p, mapper)
	return nil
}

func (j *Job) newSyncer(p provider.Provider, mapper reconcile.Mapper) *Syncer {
	logger := j.i.Logger.WithField("job", j.config.Name)

	return &Syncer{
		i:        j.i,
		log:      logger,
		store:    j.store,
		provider: p,
		reconciler: reconcile.New(j.store, mapper, reconcile.Options{
			Matcher: j.matcher,
			Exclude: j.config.Exclude,
			Source:  j.config.Name,
			Logger:  j.i.Logger,
		}),
		job:          j.config.Name,
		kind:         mapper.Kind(),
		timeout:      j.config.timeout(),
		eventsConfig: eventsConfigFromViper(j.i.Config),
		now:          time.Now,
	}
}

// Run validates lazily so a one-shot caller can skip Validate.
func (j *Job) Run(ctx context.Context) error {
	if err := j.Validate(); err != nil {
		return err
	}
	return j.syncer.Run(ctx)
}
