// Package worker executes queued commands. Each worker claims a command,
// waits the pacing delay, runs the command in its own process group and
// records the outcome together with the catalogue enrichments its collector
// extracted from the output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaliintelsuite/kiscollect/internal/log"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/queue"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
)

// abandonTimeout bounds the last attempt to record an abandoned command
const abandonTimeout = 10 * time.Second

type Tracker interface {
	Claim(ctx context.Context, id int64, runID string) (bool, error)
	Release(ctx context.Context, id int64) error
	RecordOutcome(ctx context.Context, id int64, out model.Outcome) error
}

// Enricher applies collector findings to the catalogue
type Enricher interface {
	Apply(ctx context.Context, workspace int64, events []model.Event) error
}

type Collectors interface {
	Lookup(name string) (registry.Descriptor, bool)
}

type Config struct {
	Workers int
	RunID   string
	Pacer   Pacer
	// Timeout applies to commands without their own timeout, zero means none
	Timeout time.Duration
	WorkDir string
	Env     []string
}

// Progress is a snapshot of the pool counters
type Progress struct {
	Running    int64
	Completed  int64
	Failed     int64
	Terminated int64
	Skipped    int64
}

type Pool struct {
	cfg        Config
	collectors Collectors
	tracker    Tracker
	enricher   Enricher
	runner     *Runner

	running    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	terminated atomic.Int64
	skipped    atomic.Int64
}

func NewPool(cfg Config, collectors Collectors, tracker Tracker, enricher Enricher) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		cfg:        cfg,
		collectors: collectors,
		tracker:    tracker,
		enricher:   enricher,
		runner:     NewRunner(),
	}
}

// Run starts the workers and blocks until the queue is closed or ctx is
// cancelled. Cancelling ctx interrupts pacing and the wait for new items,
// commands already started run to completion.
func (p *Pool) Run(ctx context.Context, q *queue.Queue) error {
	var g errgroup.Group
	for i := range p.cfg.Workers {
		g.Go(func() error {
			wctx := log.ContextAttrs(ctx, slog.Int("worker", i+1))
			for {
				it, ok := q.Pop(wctx)
				if !ok {
					return nil
				}
				p.handle(wctx, it)
				q.Done()
			}
		})
	}
	return g.Wait()
}

func (p *Pool) Progress() Progress {
	return Progress{
		Running:    p.running.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Terminated: p.terminated.Load(),
		Skipped:    p.skipped.Load(),
	}
}

func (p *Pool) handle(ctx context.Context, it queue.Item) {
	cmd := it.Command
	ctx = log.ContextAttrs(ctx,
		slog.Int64("command_id", cmd.ID),
		slog.String("collector", cmd.Collector),
	)

	// owned is set while the command is claimed and its outcome not recorded
	owned := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.ErrorContext(ctx, "worker panicked",
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		)
		if owned {
			p.abandon(ctx, cmd.ID)
		}
	}()

	desc, ok := p.collectors.Lookup(cmd.Collector)
	if !ok {
		slog.ErrorContext(ctx, "collector is not registered, command skipped")
		p.skipped.Add(1)
		return
	}
	if it.Analyze {
		p.analyze(ctx, desc, storedOutput(cmd))
		return
	}
	if len(cmd.Argv) == 0 {
		slog.ErrorContext(ctx, "command without arguments skipped")
		p.skipped.Add(1)
		return
	}

	claimed, err := p.tracker.Claim(ctx, cmd.ID, p.cfg.RunID)
	if err != nil {
		slog.ErrorContext(ctx, "can't claim command", "error", err)
		p.skipped.Add(1)
		return
	}
	if !claimed {
		slog.DebugContext(ctx, "command is not pending anymore")
		p.skipped.Add(1)
		return
	}
	owned = true

	// the command and its bookkeeping must survive a stop
	detached := context.WithoutCancel(ctx)

	if !sleep(ctx, p.cfg.Pacer.Next(cmd.Delay)) {
		owned = false
		if err := p.tracker.Release(detached, cmd.ID); err != nil {
			slog.ErrorContext(ctx, "can't release command", "error", err)
		}
		return
	}

	p.running.Add(1)
	defer p.running.Add(-1)

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = p.cfg.Timeout
	}
	slog.InfoContext(ctx, "command started", "command", cmd.String(), "timeout", timeout)
	res := p.runner.Run(detached, Command{
		Path:    cmd.Argv[0],
		Args:    cmd.Argv[1:],
		Env:     p.cfg.Env,
		Dir:     p.cfg.WorkDir,
		Timeout: timeout,
	}, logStderr)

	out := model.Output{
		Command:  cmd,
		ExitCode: res.ExitCode(),
		Stdout:   res.Stdout.Bytes(),
		Stderr:   res.Stderr.Bytes(),
	}
	if !res.Spawned() {
		out.Stderr = []byte(res.Err.Error())
	}
	outcome := model.Outcome{
		Status:   classify(ctx, desc, res, out),
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Finished: res.Stopped,
	}
	if res.Spawned() {
		code := res.ExitCode()
		outcome.ExitCode = &code
	}

	p.analyze(detached, desc, out)

	owned = false
	if err := p.tracker.RecordOutcome(detached, cmd.ID, outcome); err != nil {
		slog.ErrorContext(ctx, "can't record outcome", "status", outcome.Status, "error", err)
		p.abandon(detached, cmd.ID)
		return
	}
	p.count(outcome.Status)
	slog.InfoContext(ctx, "command finished",
		"status", outcome.Status,
		"exit_code", res.ExitCode(),
		"duration", res.Stopped.Sub(res.Started),
	)
}

func classify(ctx context.Context, desc registry.Descriptor, res Result, out model.Output) model.Status {
	switch {
	case res.TimedOut:
		return model.StatusTerminated
	case !res.Spawned():
		slog.ErrorContext(ctx, "can't start command", "error", res.Err)
		return model.StatusFailed
	case res.ExitCode() < 0:
		// killed by a signal
		return model.StatusTerminated
	}
	ok, err := desc.Succeeded(out)
	switch {
	case err != nil:
		logCollectorError(ctx, "can't decide command success", err)
		return model.StatusTerminated
	case ok:
		return model.StatusCompleted
	default:
		return model.StatusFailed
	}
}

func (p *Pool) count(st model.Status) {
	switch st {
	case model.StatusCompleted:
		p.completed.Add(1)
	case model.StatusFailed:
		p.failed.Add(1)
	case model.StatusTerminated:
		p.terminated.Add(1)
	}
}

// abandon marks a claimed command terminated when its real outcome can't be
// recorded. A failure leaves it running for the orphan recovery of the next pass.
func (p *Pool) abandon(ctx context.Context, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	err := p.tracker.RecordOutcome(ctx, id, model.Outcome{
		Status:   model.StatusTerminated,
		Finished: time.Now(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "can't mark abandoned command terminated", "error", err)
		return
	}
	p.count(model.StatusTerminated)
}

func logCollectorError(ctx context.Context, msg string, err error) {
	var perr *registry.PanicError
	if errors.As(err, &perr) {
		slog.ErrorContext(ctx, msg, "error", err, "stack", string(perr.Stack))
		return
	}
	slog.WarnContext(ctx, msg, "error", err)
}

func (p *Pool) analyze(ctx context.Context, desc registry.Descriptor, out model.Output) {
	events, err := desc.Analyze(out)
	if err != nil {
		logCollectorError(ctx, "can't analyze output", err)
	}
	if len(events) == 0 {
		return
	}
	if err := p.enricher.Apply(ctx, out.Command.Target.Workspace, events); err != nil {
		slog.ErrorContext(ctx, "can't apply findings", "events", len(events), "error", err)
		return
	}
	slog.DebugContext(ctx, "findings applied", "events", len(events))
}

func storedOutput(cmd model.Command) model.Output {
	out := model.Output{
		Command:  cmd,
		ExitCode: -1,
		Stdout:   cmd.Stdout,
		Stderr:   cmd.Stderr,
	}
	if cmd.ExitCode != nil {
		out.ExitCode = *cmd.ExitCode
	}
	return out
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "stderr", "line", line)
}
