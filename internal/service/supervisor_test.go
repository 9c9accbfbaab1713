package service_test

import (
	"context"
	"net/netip"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/service"
	"github.com/kaliintelsuite/kiscollect/internal/status"
)

// shCollector runs a shell script per address
type shCollector struct {
	script string
}

func (c shCollector) BuildCommands(t model.Target, _ model.Options) ([]model.CommandSpec, error) {
	return []model.CommandSpec{{Argv: []string{"sh", "-c", c.script, "sh", t.Address.String()}}}, nil
}

func (shCollector) AnalyzeOutput(model.Output) ([]model.Event, error) {
	return nil, nil
}

type fixture struct {
	db  *catalogue.DB
	ws  model.Workspace
	reg *registry.Registry
}

func newFixture(t *testing.T, script string) fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	ctx := t.Context()
	db, err := catalogue.Open(ctx, filepath.Join(t.TempDir(), "kis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ws, err := db.CreateWorkspace(ctx, "acme")
	require.NoError(t, err)
	for _, a := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := db.AddHost(ctx, ws.ID, netip.MustParseAddr(a), model.ScopeWithin)
		require.NoError(t, err)
	}
	reg, err := registry.New(registry.Descriptor{
		Name:       "shell",
		Level:      model.LevelAddress,
		Capability: shCollector{script: script},
	})
	require.NoError(t, err)
	return fixture{db: db, ws: ws, reg: reg}
}

func (f fixture) config(t *testing.T, opts model.Options) service.Config {
	t.Helper()
	if opts.Threads == 0 {
		opts.Threads = 2
	}
	opts.WorkDir = t.TempDir()
	descs, err := f.reg.ListCollectors([]string{"shell"})
	require.NoError(t, err)
	return service.Config{
		Workspace:  f.ws,
		Options:    opts,
		Collectors: descs,
		Registry:   f.reg,
	}
}

func (f fixture) counts(t *testing.T) map[model.Status]int {
	t.Helper()
	counts, err := f.db.StatusCounts(t.Context(), f.ws.ID)
	require.NoError(t, err)
	return counts
}

func oneshot(t *testing.T, f fixture, opts model.Options) service.Status {
	t.Helper()
	cfg := f.config(t, opts)
	cfg.Oneshot = true
	s, err := service.NewSupervisor(t.Context(), cfg, f.db)
	require.NoError(t, err)
	require.NoError(t, s.Do(t.Context()))
	st, err := s.Status(t.Context())
	require.NoError(t, err)
	require.False(t, st.Running)
	require.Equal(t, 1, st.Passes)
	require.NotNil(t, st.Last)
	return st
}

func TestSupervisorOneshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `echo "$1"`)

	st := oneshot(t, f, model.Options{})
	require.NoError(t, st.Last.Err)
	require.Equal(t, 2, st.Last.Stats.Queued)
	require.Equal(t, int64(2), st.Last.Progress.Completed)
	require.Equal(t, 2, st.Counts[model.StatusCompleted])

	cmds, err := f.db.Commands(t.Context(), f.ws.ID, "shell", model.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, "10.0.0.1\n", string(cmds[0].Stdout))
	require.NotEmpty(t, cmds[0].RunID)
	require.Equal(t, cmds[0].RunID, cmds[1].RunID)

	// resume: completed commands are left alone
	st = oneshot(t, f, model.Options{})
	require.Zero(t, st.Last.Stats.Queued)
	require.Equal(t, 2, st.Last.Stats.Commands)

	// explicit restart executes them again
	st = oneshot(t, f, model.Options{Restart: []string{"completed"}})
	require.Equal(t, 2, st.Last.Stats.Queued)
	require.Equal(t, map[model.Status]int{model.StatusCompleted: 2}, f.counts(t))
}

func TestSupervisorFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `test "$1" = 10.0.0.1`)

	st := oneshot(t, f, model.Options{})
	require.NoError(t, st.Last.Err)
	require.Equal(t, map[model.Status]int{
		model.StatusCompleted: 1,
		model.StatusFailed:    1,
	}, f.counts(t))

	// restart of failed commands only
	st = oneshot(t, f, model.Options{Restart: []string{"failed"}})
	require.Equal(t, 1, st.Last.Stats.Queued)
	require.Equal(t, int64(1), st.Last.Progress.Failed)
}

func TestSupervisorOrphans(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `echo "$1"`)
	ctx := t.Context()

	oneshot(t, f, model.Options{})

	// simulate a crash: one command is left running
	tracker := status.NewTracker(f.db, f.ws.ID)
	n, err := tracker.Rearm(ctx, model.StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	cmds, err := f.db.Commands(ctx, f.ws.ID, "shell", model.StatusPending)
	require.NoError(t, err)
	claimed, err := tracker.Claim(ctx, cmds[0].ID, "crashed")
	require.NoError(t, err)
	require.True(t, claimed)

	st := oneshot(t, f, model.Options{})
	require.Equal(t, 1, st.Last.Stats.Queued)
	require.Equal(t, map[model.Status]int{
		model.StatusCompleted:  1,
		model.StatusTerminated: 1,
	}, f.counts(t))
}

func TestSupervisorStop(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	f := newFixture(t, `sleep 1; echo "$1"`)
	cfg := f.config(t, model.Options{Threads: 1})
	cfg.Autostart = true
	s, err := service.NewSupervisor(t.Context(), cfg, f.db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, s.Do(ctx))
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		st, err := s.Status(ctx)
		return err == nil && st.Running && st.Progress.Running == 1
	}, 10*time.Second, 20*time.Millisecond)

	_, err = s.Restart(ctx, model.StatusFailed)
	require.ErrorIs(t, err, service.ErrBusy)

	s.Stop()
	var st service.Status
	require.Eventually(t, func() bool {
		st, err = s.Status(ctx)
		return err == nil && !st.Running
	}, 10*time.Second, 20*time.Millisecond)

	require.True(t, st.Paused)
	require.True(t, st.Last.Stopped)
	require.NoError(t, st.Last.Err)
	// the running command finished, the queued one stays pending
	require.Equal(t, map[model.Status]int{
		model.StatusCompleted: 1,
		model.StatusPending:   1,
	}, st.Counts)

	n, err := s.Restart(ctx, model.StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSupervisorContinue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `echo "$1"`)

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"back to back", ""},
		{"every second", "PT1S"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			every, err := model.ParseEvery(tc.given)
			require.NoError(t, err)
			cfg := f.config(t, model.Options{Restart: []string{"completed"}})
			cfg.Autostart = true
			cfg.Continue = true
			cfg.Every = every
			s, err := service.NewSupervisor(t.Context(), cfg, f.db)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(t.Context())
			var wg sync.WaitGroup
			wg.Go(func() {
				require.NoError(t, s.Do(ctx))
			})

			require.Eventually(t, func() bool {
				st, err := s.Status(ctx)
				return err == nil && st.Passes >= 2
			}, 10*time.Second, 20*time.Millisecond)
			cancel()
			wg.Wait()
		})
	}
}
