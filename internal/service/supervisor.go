package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kaliintelsuite/kiscollect/internal/log"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/producer"
	"github.com/kaliintelsuite/kiscollect/internal/queue"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/scope"
	"github.com/kaliintelsuite/kiscollect/internal/status"
	"github.com/kaliintelsuite/kiscollect/internal/worker"
)

// ErrBusy is returned for requests which can't be served while a pass runs
var ErrBusy = errors.New("collection is running")

// idlePass delays the next continuous pass when the previous one queued nothing
const idlePass = 30 * time.Second

// Catalogue is what the supervisor needs from the catalogue, implemented by *catalogue.DB
type Catalogue interface {
	status.Store
	scope.Catalogue
	worker.Enricher
	producer.Commands
}

type Config struct {
	Workspace model.Workspace
	Options   model.Options
	// Collectors are the enabled collectors in execution order
	Collectors []registry.Descriptor
	Registry   worker.Collectors
	// Autostart starts a pass as soon as Do is called
	Autostart bool
	// Oneshot makes Do return once the first pass is over
	Oneshot bool
	// Continue starts a new pass after each finished one, either right away
	// or on the Every schedule
	Continue bool
	Every    model.Every
}

// Summary describes a finished pass
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Stats    producer.Stats
	Progress worker.Progress
	Stopped  bool
	Err      error
}

type Status struct {
	Workspace string
	Running   bool
	Stopping  bool
	Paused    bool
	RunID     string
	Started   time.Time
	Queued    int
	Progress  worker.Progress
	Passes    int
	Last      *Summary
	Counts    map[model.Status]int
}

type Supervisor struct {
	cfg       Config
	db        Catalogue
	tracker   *status.Tracker
	producer  *producer.Producer
	scheduler gocron.Scheduler

	start   chan struct{}
	stop    chan struct{}
	tick    chan struct{}
	results chan Summary

	mx      sync.Mutex
	current *pass
	paused  bool
	passes  int
	last    *Summary
	restart []model.Status
	next    *time.Timer
	wg      sync.WaitGroup
}

type pass struct {
	runID    string
	started  time.Time
	cancel   context.CancelFunc
	q        *queue.Queue
	pool     *worker.Pool
	stopping atomic.Bool
}

func NewSupervisor(ctx context.Context, cfg Config, db Catalogue) (*Supervisor, error) {
	restart, err := model.ParseRestart(cfg.Options.Restart)
	if err != nil {
		return nil, err
	}
	tracker := status.NewTracker(db, cfg.Workspace.ID)
	prod, err := producer.New(cfg.Workspace.ID, scope.NewResolver(db), tracker, db, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("initializing producer: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		db:       db,
		tracker:  tracker,
		producer: prod,
		start:    make(chan struct{}, 1),
		stop:     make(chan struct{}, 1),
		tick:     make(chan struct{}, 1),
		results:  make(chan Summary, 1),
		restart:  restart,
	}
	if cfg.Continue && !cfg.Every.IsZero() {
		s.scheduler, err = newScheduler(ctx, cfg.Every, s.trigger)
		if err != nil {
			return nil, fmt.Errorf("continuous mode failed: %w", err)
		}
	}
	return s, nil
}

// Start asks the supervisor to start a pass. It is a signal: it returns
// immediately and a request made while a pass runs is ignored.
func (s *Supervisor) Start() {
	signal(s.start)
}

// Stop asks the supervisor to stop the running pass. Queued commands stay
// pending, commands already executing finish or time out.
func (s *Supervisor) Stop() {
	signal(s.stop)
}

func (s *Supervisor) trigger() {
	signal(s.tick)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Restart makes commands with the given terminal statuses pending again.
// It fails with ErrBusy while a pass runs.
func (s *Supervisor) Restart(ctx context.Context, statuses ...model.Status) (int64, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.current != nil {
		return 0, ErrBusy
	}
	return s.tracker.Rearm(ctx, statuses...)
}

func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	s.mx.Lock()
	st := Status{
		Workspace: s.cfg.Workspace.Name,
		Paused:    s.paused,
		Passes:    s.passes,
		Last:      s.last,
	}
	if p := s.current; p != nil {
		st.Running = true
		st.Stopping = p.stopping.Load()
		st.RunID = p.runID
		st.Started = p.started
		st.Queued = p.q.Len()
		st.Progress = p.pool.Progress()
	}
	s.mx.Unlock()

	counts, err := s.tracker.Counts(ctx)
	if err != nil {
		return st, err
	}
	st.Counts = counts
	return st, nil
}

// Do runs the supervisor event loop. It multiplexes
//  1. start requests and scheduler ticks, which begin a pass
//  2. stop requests, which stop the running pass and pause continuous mode
//  3. finished passes, which are logged and, in continuous mode, followed by a new one
//  4. context cancellation, which stops the running pass and returns
//
// In oneshot mode the first finished pass ends the loop and its error is returned.
func (s *Supervisor) Do(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("workspace", s.cfg.Workspace.Name))
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.wg.Wait()
	}()

	defer func() {
		s.mx.Lock()
		if s.next != nil {
			s.next.Stop()
		}
		s.mx.Unlock()
		s.halt(ctx)
	}()

	if s.cfg.Autostart || s.cfg.Oneshot {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			s.setPaused(false)
			s.begin(ctx)
		case <-s.tick:
			if !s.isPaused() {
				s.begin(ctx)
			}
		case <-s.stop:
			s.setPaused(true)
			s.halt(ctx)
		case sum := <-s.results:
			s.end(sum)
			if s.cfg.Oneshot {
				return sum.Err
			}
			if sum.Err != nil {
				slog.ErrorContext(ctx, "collection failed", "run_id", sum.RunID, "error", sum.Err)
				continue
			}
			if s.cfg.Continue && s.scheduler == nil && !sum.Stopped && !s.isPaused() {
				s.continueAfter(sum)
			}
		}
	}
}

func (s *Supervisor) begin(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.current != nil {
		slog.WarnContext(ctx, "collection already running", "run_id", s.current.runID)
		return
	}

	opts := s.cfg.Options
	runID := uuid.NewString()
	pctx, cancel := context.WithCancel(log.ContextAttrs(ctx, slog.String("run_id", runID)))
	p := &pass{
		runID:   runID,
		started: time.Now().UTC(),
		cancel:  cancel,
		q:       queue.New(),
		pool: worker.NewPool(worker.Config{
			Workers: opts.Threads,
			RunID:   runID,
			Pacer:   worker.NewPacer(opts.Pacing()),
			Timeout: opts.CommandTimeout(),
			WorkDir: opts.WorkDir,
		}, s.cfg.Registry, s.tracker, s.db),
	}
	s.current = p
	restart := s.restart
	s.restart = nil

	s.wg.Go(func() {
		defer cancel()
		s.results <- s.run(pctx, p, restart)
	})
}

// run executes one pass: orphan recovery, re-arming, then the producer
// feeding the worker pool until every tier is done or the pass is stopped
func (s *Supervisor) run(ctx context.Context, p *pass, restart []model.Status) Summary {
	sum := Summary{RunID: p.runID, Started: p.started}
	names := make([]string, 0, len(s.cfg.Collectors))
	for _, d := range s.cfg.Collectors {
		names = append(names, d.Name)
	}
	slog.InfoContext(ctx, "collection started",
		"collectors", names,
		"threads", s.cfg.Options.Threads,
		"analyze", s.cfg.Options.Analyze,
	)

	finish := func(err error) Summary {
		sum.Finished = time.Now().UTC()
		sum.Progress = p.pool.Progress()
		sum.Stopped = p.stopping.Load()
		if sum.Stopped && (errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled)) {
			err = nil
		}
		sum.Err = err
		slog.InfoContext(ctx, "collection finished",
			"stopped", sum.Stopped,
			"targets", sum.Stats.Targets,
			"commands", sum.Stats.Commands,
			"queued", sum.Stats.Queued,
			"completed", sum.Progress.Completed,
			"failed", sum.Progress.Failed,
			"terminated", sum.Progress.Terminated,
			"elapsed", sum.Finished.Sub(sum.Started).String(),
		)
		return sum
	}

	if _, err := s.tracker.RecoverOrphans(ctx); err != nil {
		return finish(fmt.Errorf("recovering orphaned commands: %w", err))
	}
	if len(restart) > 0 {
		if _, err := s.tracker.Rearm(ctx, restart...); err != nil {
			return finish(fmt.Errorf("re-arming commands: %w", err))
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		return p.pool.Run(ctx, p.q)
	})

	var err error
	if s.cfg.Options.Analyze {
		sum.Stats, err = s.producer.Analyze(ctx, p.q, s.cfg.Collectors)
	} else {
		sum.Stats, err = s.producer.Produce(ctx, p.q, s.cfg.Collectors)
	}
	p.q.Close()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return finish(err)
}

// halt stops the running pass, it does not wait for it
func (s *Supervisor) halt(ctx context.Context) {
	s.mx.Lock()
	p := s.current
	s.mx.Unlock()
	if p == nil || p.stopping.Swap(true) {
		return
	}
	slog.InfoContext(ctx, "stopping collection, waiting for running commands", "run_id", p.runID)
	p.cancel()
	p.q.Close()
}

func (s *Supervisor) end(sum Summary) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.current = nil
	s.passes++
	s.last = &sum
}

func (s *Supervisor) continueAfter(sum Summary) {
	delay := time.Duration(0)
	if sum.Stats.Queued == 0 {
		delay = idlePass
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.next != nil {
		s.next.Stop()
	}
	s.next = time.AfterFunc(delay, s.trigger)
}

func (s *Supervisor) setPaused(paused bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.paused = paused
}

func (s *Supervisor) isPaused() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.paused
}

func newScheduler(ctx context.Context, every model.Every, startFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case every.Cron != "":
		job = gocron.CronJob(every.Cron, false)
		slog.DebugContext(ctx, "continuous mode", "cron", every.Cron)
	case every.Duration > 0:
		job = gocron.DurationJob(every.Duration)
		slog.DebugContext(ctx, "continuous mode", "duration", every.Duration.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
