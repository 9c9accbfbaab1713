// Package producer turns the enabled collectors into queued commands. The
// collectors are processed tier by tier: all commands of a tier are executed
// before the targets of the next tier are resolved, so later collectors see
// what the earlier ones found.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/kaliintelsuite/kiscollect/internal/log"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/queue"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/scope"
)

type Resolver interface {
	Resolve(ctx context.Context, d registry.Descriptor, workspace int64, opts scope.Options) iter.Seq2[model.Target, error]
}

type Tracker interface {
	ShouldProduce(ctx context.Context, key model.CommandKey) (bool, error)
	Materialize(ctx context.Context, spec model.CommandSpec) (model.Command, bool, error)
}

// Commands lists stored commands, used to analyze them again
type Commands interface {
	Commands(ctx context.Context, workspace int64, collector string, status model.Status) ([]model.Command, error)
}

type Stats struct {
	Targets  int
	Commands int
	Queued   int
}

type Producer struct {
	workspace int64
	resolver  Resolver
	tracker   Tracker
	commands  Commands
	opts      model.Options
	scope     scope.Options
}

func New(workspace int64, resolver Resolver, tracker Tracker, commands Commands, opts model.Options) (*Producer, error) {
	so, err := scope.NewOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Producer{
		workspace: workspace,
		resolver:  resolver,
		tracker:   tracker,
		commands:  commands,
		opts:      opts,
		scope:     so,
	}, nil
}

// Produce queues the pending commands of descs and waits for each tier to
// finish. It returns queue.ErrClosed once the queue was closed by a stop.
func (p *Producer) Produce(ctx context.Context, q *queue.Queue, descs []registry.Descriptor) (Stats, error) {
	var stats Stats
	for i, tier := range registry.Tiers(descs) {
		tctx := log.ContextAttrs(ctx, slog.Int("tier", i+1))
		for _, d := range tier {
			err := p.each(tctx, d, func(ctx context.Context, spec model.CommandSpec) error {
				cmd, pending, err := p.tracker.Materialize(ctx, spec)
				if err != nil {
					return err
				}
				stats.Commands++
				if !pending {
					return nil
				}
				if err := q.Push(queue.Item{Command: cmd}); err != nil {
					return err
				}
				stats.Queued++
				return nil
			}, &stats)
			if err != nil {
				return stats, err
			}
		}
		slog.DebugContext(tctx, "tier produced, waiting for workers", "queued", stats.Queued)
		if err := q.Join(ctx); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Print writes the commands which would be executed, one per line. Nothing
// is stored.
func (p *Producer) Print(ctx context.Context, w io.Writer, descs []registry.Descriptor) error {
	var stats Stats
	for _, d := range descs {
		err := p.each(ctx, d, func(ctx context.Context, spec model.CommandSpec) error {
			ok, err := p.tracker.ShouldProduce(ctx, spec.Key())
			if err != nil || !ok {
				return err
			}
			stats.Commands++
			_, err = fmt.Fprintln(w, spec.String())
			return err
		}, &stats)
		if err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "commands printed", "targets", stats.Targets, "commands", stats.Commands)
	return nil
}

// Analyze queues the completed commands of descs for a new analysis of
// their stored output
func (p *Producer) Analyze(ctx context.Context, q *queue.Queue, descs []registry.Descriptor) (Stats, error) {
	var stats Stats
	for _, d := range descs {
		cmds, err := p.commands.Commands(ctx, p.workspace, d.Name, model.StatusCompleted)
		if err != nil {
			return stats, fmt.Errorf("list %s commands: %w", d.Name, err)
		}
		for _, cmd := range cmds {
			if err := q.Push(queue.Item{Command: cmd, Analyze: true}); err != nil {
				return stats, err
			}
			stats.Commands++
			stats.Queued++
		}
	}
	if err := q.Join(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// each resolves the targets of d and calls fn for every command built for them
func (p *Producer) each(ctx context.Context, d registry.Descriptor, fn func(context.Context, model.CommandSpec) error, stats *Stats) error {
	ctx = log.ContextAttrs(ctx, slog.String("collector", d.Name))
	for target, err := range p.resolver.Resolve(ctx, d, p.workspace, p.scope) {
		if err != nil {
			return fmt.Errorf("resolve %s targets: %w", d.Name, err)
		}
		stats.Targets++
		specs, err := d.Build(target, p.opts)
		var perr *registry.PanicError
		switch {
		case errors.As(err, &perr):
			slog.ErrorContext(ctx, "can't build commands", "target", target.String(), "error", err, "stack", string(perr.Stack))
			continue
		case err != nil:
			slog.WarnContext(ctx, "can't build commands", "target", target.String(), "error", err)
			continue
		}
		for _, spec := range specs {
			if len(spec.Argv) == 0 {
				slog.WarnContext(ctx, "collector built an empty command", "target", target.String())
				continue
			}
			if err := fn(ctx, p.complete(d, target, spec)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Producer) complete(d registry.Descriptor, target model.Target, spec model.CommandSpec) model.CommandSpec {
	spec.Collector = d.Name
	spec.Target = target
	if p.opts.Proxychains {
		spec.Argv = append([]string{p.opts.Tool("proxychains"), "-q"}, spec.Argv...)
	}
	return spec
}
