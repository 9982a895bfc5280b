package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/newrelic/nr-itam-sync/internal/provider/attendance"
	_ "github.com/newrelic/nr-itam-sync/internal/provider/directory"
	_ "github.com/newrelic/nr-itam-sync/internal/provider/mailbox"

	"github.com/fsnotify/fsnotify"
	"github.com/newrelic/nr-itam-sync/internal/alert"
	"github.com/newrelic/nr-itam-sync/internal/scheduler"
	"github.com/newrelic/nr-itam-sync/internal/sla"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/internal/sync"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
)

// buildJobs returns every scheduled job described by the current
// configuration: the sync jobs followed by alert evaluation and SLA tracking.
func buildJobs(i *interop.Interop, s store.Store) ([]scheduler.Job, error) {
	configs, err := sync.LoadJobs(i.Config)
	if err != nil {
		return nil, err
	}

	var jobs []scheduler.Job
	for _, job := range sync.NewJobs(i, s, configs) {
		jobs = append(jobs, job)
	}

	evaluator := alert.NewEvaluator(i, s, nil)
	jobs = append(jobs, evaluator, sla.NewTracker(i, s, evaluator.Deduplicator()))

	return jobs, nil
}

func main() {
	i, err := interop.NewInteroperability()
	if err != nil {
		fmt.Printf("failed to create interop: %s\n", err)
		os.Exit(1)
	}

	defer i.Shutdown()

	s, err := store.New(i.Config)
	if err != nil {
		fmt.Printf("failed to open store: %s\n", err)
		os.Exit(2)
	}

	defer s.Close()

	jobs, err := buildJobs(i, s)
	if err != nil {
		fmt.Printf("invalid job configuration: %s\n", err)
		os.Exit(3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(scheduler.Options{
		StartDelay: i.Config.GetDuration("scheduler.startDelay"),
		Logger:     i.Logger,
	})

	served := make(chan error, 1)
	go func() {
		served <- sched.Serve(ctx)
	}()

	for _, job := range jobs {
		if err := sched.Start(job); err != nil {
			i.Logger.Warnf("job %s not started: %s", job.Name(), err)
		}
	}

	i.Config.OnConfigChange(func(e fsnotify.Event) {
		i.Logger.Infof("configuration changed (%s), reloading jobs", e.Name)

		reloaded, err := buildJobs(i, s)
		if err != nil {
			i.Logger.Errorf("keeping previous jobs, reload failed: %s", err)
			return
		}

		seen := map[string]bool{}
		for _, job := range reloaded {
			seen[job.Name()] = true
			if err := sched.Restart(job); err != nil {
				i.Logger.Warnf("job %s not restarted: %s", job.Name(), err)
			}
		}

		for _, name := range sched.Jobs() {
			if !seen[name] {
				if err := sched.Stop(name); err != nil {
					i.Logger.Warnf("job %s not stopped: %s", name, err)
				}
			}
		}
	})
	i.Config.WatchConfig()

	if err := <-served; err != nil {
		fmt.Printf("scheduler failed: %s\n", err)
		os.Exit(4)
	}
}
