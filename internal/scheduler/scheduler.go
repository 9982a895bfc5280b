package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultStartDelay = 30 * time.Second

var ErrStopped = errors.New("scheduler stopped")

type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateDisabled      State = "disabled"
	StateNotConfigured State = "not_configured"
	StateStopped       State = "stopped"
)

// Job is a periodic unit of work. Run receives the scheduler's base context;
// any per-run timeout is the job's business.
type Job interface {
	Name() string
	Enabled() bool
	Interval() time.Duration
	Validate() error
	Run(ctx context.Context) error
}

type commandOp int

const (
	opStart commandOp = iota
	opStop
	opRestart
)

type command struct {
	op   commandOp
	job  Job
	name string
	ack  chan error
}

type jobEntry struct {
	job        Job
	status     State
	running    bool
	timer      *time.Timer
	generation int
}

type Options struct {
	// StartDelay is the wait before the first run of an armed job.
	StartDelay time.Duration
	Logger     *log.Logger
}

// Scheduler arms one fixed-delay timer per job. Start, Stop and Restart are
// processed one at a time by Serve.
type Scheduler struct {
	startDelay time.Duration
	logger     *log.Logger

	control chan command
	done    chan struct{}

	mu      sync.Mutex
	base    context.Context
	jobs    map[string]*jobEntry
	closed  bool
	runs    sync.WaitGroup
	serving bool
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		startDelay: opts.StartDelay,
		logger:     opts.Logger,
		control:    make(chan command),
		done:       make(chan struct{}),
		jobs:       map[string]*jobEntry{},
	}

	if s.startDelay <= 0 {
		s.startDelay = defaultStartDelay
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}

	return s
}

// Serve processes control commands until ctx is done, then disarms every job
// and waits for in-flight runs.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already serving")
	}
	s.serving = true
	s.base = ctx
	s.mu.Unlock()

	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case cmd := <-s.control:
			cmd.ack <- s.handle(cmd)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, e := range s.jobs {
		s.disarm(e)
		if e.status == StateIdle {
			e.status = StateStopped
		}
	}
	s.mu.Unlock()

	s.logger.Debugf("scheduler stopping, waiting for running jobs")
	s.runs.Wait()
}

func (s *Scheduler) send(cmd command) error {
	cmd.ack = make(chan error, 1)

	select {
	case s.control <- cmd:
	case <-s.done:
		return ErrStopped
	}

	return <-cmd.ack
}

// Start arms job. A disabled job is recorded as disabled and a job failing
// validation as not configured; neither is ever run.
func (s *Scheduler) Start(job Job) error {
	return s.send(command{op: opStart, job: job, name: job.Name()})
}

// Stop disarms the named job. A run already in flight is left to finish.
func (s *Scheduler) Stop(name string) error {
	return s.send(command{op: opStop, name: name})
}

// Restart replaces the job definition and arms it again.
func (s *Scheduler) Restart(job Job) error {
	return s.send(command{op: opRestart, job: job, name: job.Name()})
}

func (s *Scheduler) handle(cmd command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.op {
	case opStart:
		if e, ok := s.jobs[cmd.name]; ok && e.timer != nil {
			return nil
		}
		return s.arm(cmd.job)

	case opStop:
		if e, ok := s.jobs[cmd.name]; ok {
			s.disarm(e)
			if e.status != StateDisabled && e.status != StateNotConfigured {
				e.status = StateStopped
			}
			s.logger.WithField("job", cmd.name).Debug("job stopped")
		}
		return nil

	case opRestart:
		if e, ok := s.jobs[cmd.name]; ok {
			s.disarm(e)
		}
		return s.arm(cmd.job)
	}

	return fmt.Errorf("unknown command %d", cmd.op)
}

// arm is called with mu held.
func (s *Scheduler) arm(job Job) error {
	name := job.Name()
	logger := s.logger.WithField("job", name)

	e, ok := s.jobs[name]
	if !ok {
		e = &jobEntry{}
		s.jobs[name] = e
	}
	e.job = job

	if !job.Enabled() {
		e.status = StateDisabled
		logger.Info("job is disabled")
		return nil
	}

	if err := job.Validate(); err != nil {
		e.status = StateNotConfigured
		logger.Warnf("job is not configured: %s", err)
		return fmt.Errorf("job %s is not configured: %w", name, err)
	}

	if job.Interval() <= 0 {
		e.status = StateNotConfigured
		return fmt.Errorf("job %s is not configured: invalid interval %s", name, job.Interval())
	}

	e.generation += 1
	generation := e.generation
	e.status = StateIdle
	e.timer = time.AfterFunc(s.startDelay, func() {
		s.tick(name, generation)
	})

	logger.Debugf("job armed, first run in %s then every %s", s.startDelay, job.Interval())

	return nil
}

// disarm is called with mu held.
func (s *Scheduler) disarm(e *jobEntry) {
	e.generation += 1
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Scheduler) tick(name string, generation int) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	current := ok && e.generation == generation && !s.closed
	s.mu.Unlock()

	if !current {
		return
	}

	if _, done := s.runOnce(name); done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// the next run is scheduled from the end of this one
	if e.generation == generation && e.timer != nil && !s.closed {
		e.timer.Reset(e.job.Interval())
	}
}

// Trigger runs the named job now unless it is already running. It returns
// false without waiting when the run was skipped.
func (s *Scheduler) Trigger(name string) bool {
	started, _ := s.runOnce(name)
	return started
}

func (s *Scheduler) runOnce(name string) (bool, <-chan struct{}) {
	s.mu.Lock()

	e, ok := s.jobs[name]
	if !ok || s.closed || s.base == nil {
		s.mu.Unlock()
		return false, nil
	}

	logger := s.logger.WithField("job", name)

	if e.running {
		s.mu.Unlock()
		logger.Infof("job is already running, skipping")
		return false, nil
	}

	if e.status != StateIdle {
		s.mu.Unlock()
		logger.Debugf("job is %s, not running", e.status)
		return false, nil
	}

	e.running = true
	job := e.job
	ctx := s.base
	s.runs.Add(1)
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		defer close(done)
		defer s.runs.Done()

		start := time.Now()
		err := runJob(ctx, job)

		s.mu.Lock()
		e.running = false
		s.mu.Unlock()

		if err != nil {
			logger.Errorf("job failed after %s: %s", time.Since(start), err)
			return
		}

		logger.Debugf("job completed in %s", time.Since(start))
	}()

	return true, done
}

func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()

	return job.Run(ctx)
}

// State reports the named job's state and whether the job is known.
func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return "", false
	}
	if e.running {
		return StateRunning, true
	}
	return e.status, true
}

// Jobs lists the names of every job the scheduler has seen.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
