// Package status owns the command lifecycle:
//
//	pending -> running -> completed | failed | terminated
//
// A running command goes back to pending only when it was claimed but not
// started (stop during pacing). Terminal commands go back to pending only
// through an explicit restart. Commands left running by a killed process are
// terminated on the next start.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/model"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusRunning},
	model.StatusRunning:    {model.StatusCompleted, model.StatusFailed, model.StatusTerminated, model.StatusPending},
	model.StatusCompleted:  {model.StatusPending},
	model.StatusFailed:     {model.StatusPending},
	model.StatusTerminated: {model.StatusPending},
}

// CanTransition reports whether a command may move from one status to another
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the durable part of the tracker, implemented by *catalogue.DB
type Store interface {
	EnsureCommand(ctx context.Context, spec model.CommandSpec) (model.Command, bool, error)
	CommandByKey(ctx context.Context, key model.CommandKey) (model.Command, error)
	Claim(ctx context.Context, id int64, runID string) (bool, error)
	Release(ctx context.Context, id int64) error
	Finish(ctx context.Context, id int64, out model.Outcome) error
	Rearm(ctx context.Context, workspace int64, statuses ...model.Status) (int64, error)
	RecoverOrphans(ctx context.Context, workspace int64) (int64, error)
	StatusCounts(ctx context.Context, workspace int64) (map[model.Status]int, error)
}

// Tracker tracks the commands of a single workspace
type Tracker struct {
	store     Store
	workspace int64
}

func NewTracker(store Store, workspace int64) *Tracker {
	return &Tracker{store: store, workspace: workspace}
}

// ShouldProduce reports whether a command with key would be executed: it is
// unknown or still pending
func (t *Tracker) ShouldProduce(ctx context.Context, key model.CommandKey) (bool, error) {
	cmd, err := t.store.CommandByKey(ctx, key)
	switch {
	case errors.Is(err, catalogue.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return cmd.Status == model.StatusPending, nil
}

// Materialize persists spec when unknown and reports whether the stored
// command is pending and has to be queued
func (t *Tracker) Materialize(ctx context.Context, spec model.CommandSpec) (model.Command, bool, error) {
	cmd, created, err := t.store.EnsureCommand(ctx, spec)
	if err != nil {
		return model.Command{}, false, err
	}
	if created {
		slog.DebugContext(ctx, "command created", "command_id", cmd.ID, "collector", cmd.Collector)
	}
	return cmd, cmd.Status == model.StatusPending, nil
}

// Claim atomically moves a pending command to running. False means the
// command is not pending anymore and must be skipped.
func (t *Tracker) Claim(ctx context.Context, id int64, runID string) (bool, error) {
	return t.store.Claim(ctx, id, runID)
}

// Release returns a claimed, not started, command to pending
func (t *Tracker) Release(ctx context.Context, id int64) error {
	return t.store.Release(ctx, id)
}

// RecordOutcome stores the final status of a running command
func (t *Tracker) RecordOutcome(ctx context.Context, id int64, out model.Outcome) error {
	if !CanTransition(model.StatusRunning, out.Status) || !out.Status.Terminal() {
		return fmt.Errorf("%w: running -> %s", ErrInvalidTransition, out.Status)
	}
	return t.store.Finish(ctx, id, out)
}

// Rearm makes commands with the given terminal statuses pending again
func (t *Tracker) Rearm(ctx context.Context, statuses ...model.Status) (int64, error) {
	for _, s := range statuses {
		if !CanTransition(s, model.StatusPending) || s == model.StatusRunning {
			return 0, fmt.Errorf("%w: %s -> pending", ErrInvalidTransition, s)
		}
	}
	n, err := t.store.Rearm(ctx, t.workspace, statuses...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "commands re-armed", "count", n, "statuses", statuses)
	}
	return n, nil
}

// RecoverOrphans terminates commands left running by a previous process.
// It must be called before any worker starts.
func (t *Tracker) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := t.store.RecoverOrphans(ctx, t.workspace)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.WarnContext(ctx, "orphaned commands terminated", "count", n)
	}
	return n, nil
}

func (t *Tracker) Counts(ctx context.Context) (map[model.Status]int, error) {
	return t.store.StatusCounts(ctx, t.workspace)
}
