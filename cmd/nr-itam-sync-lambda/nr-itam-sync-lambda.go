package main

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/newrelic/nr-itam-sync/internal/provider/attendance"
	_ "github.com/newrelic/nr-itam-sync/internal/provider/directory"
	_ "github.com/newrelic/nr-itam-sync/internal/provider/mailbox"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/newrelic/nr-itam-sync/internal/alert"
	"github.com/newrelic/nr-itam-sync/internal/sla"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/internal/sync"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
)

type ItamSyncResult struct {
	Success bool
	Jobs    map[string]string
	Message string
}

// runOnce runs every enabled sync job, then alert evaluation and SLA
// tracking. A failing job does not stop the ones after it.
func runOnce(ctx context.Context, i *interop.Interop, s store.Store) (map[string]string, error) {
	configs, err := sync.LoadJobs(i.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid job configuration: %w", err)
	}

	results := map[string]string{}
	var errs []error

	run := func(name string, enabled bool, fn func(context.Context) error) {
		if !enabled {
			results[name] = "disabled"
			return
		}
		if err := fn(ctx); err != nil {
			results[name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		results[name] = "ok"
	}

	for _, job := range sync.NewJobs(i, s, configs) {
		run(job.Name(), job.Enabled(), job.Run)
	}

	evaluator := alert.NewEvaluator(i, s, nil)
	run(evaluator.Name(), evaluator.Enabled(), evaluator.Run)

	tracker := sla.NewTracker(i, s, evaluator.Deduplicator())
	run(tracker.Name(), tracker.Enabled(), tracker.Run)

	return results, errors.Join(errs...)
}

func HandleRequest(ctx context.Context) (ItamSyncResult, error) {
	i, err := interop.NewInteroperability()
	if err != nil {
		retErr := fmt.Errorf("failed to create interop: %s", err)
		return ItamSyncResult{Message: retErr.Error()}, retErr
	}

	defer i.Shutdown()

	s, err := store.New(i.Config)
	if err != nil {
		retErr := fmt.Errorf("failed to open store: %s", err)
		return ItamSyncResult{Message: retErr.Error()}, retErr
	}

	defer s.Close()

	results, err := runOnce(ctx, i, s)
	if err != nil {
		retErr := fmt.Errorf("sync failed: %s", err)
		return ItamSyncResult{Jobs: results, Message: retErr.Error()}, retErr
	}

	return ItamSyncResult{Success: true, Jobs: results}, nil
}

func main() {
	lambda.Start(HandleRequest)
}
