package catalogue_test

import (
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *catalogue.DB {
	t.Helper()
	db, err := catalogue.Open(t.Context(), filepath.Join(t.TempDir(), "kis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newWorkspace(t *testing.T, db *catalogue.DB) model.Workspace {
	t.Helper()
	ws, err := db.CreateWorkspace(t.Context(), "acme")
	require.NoError(t, err)
	return ws
}

func TestWorkspaces(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	_, err := db.Workspace(ctx, "acme")
	require.ErrorIs(t, err, catalogue.ErrNotFound)

	a, err := db.CreateWorkspace(ctx, "acme")
	require.NoError(t, err)
	again, err := db.CreateWorkspace(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, a, again)
	_, err = db.CreateWorkspace(ctx, "beta")
	require.NoError(t, err)

	got, err := db.Workspace(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, a, got)

	list, err := db.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "acme", list[0].Name)
	require.Equal(t, "beta", list[1].Name)
}

func serviceSpec(ws model.Workspace, argv ...string) model.CommandSpec {
	return model.CommandSpec{
		Collector: "httpnikto",
		Target: model.Target{
			Kind:      model.LevelService,
			Workspace: ws.ID,
			Scope:     model.ScopeWithin,
			HostID:    1,
			Address:   netip.MustParseAddr("10.0.0.1"),
			Service:   &model.Service{ID: 1, HostID: 1, Protocol: "tcp", Port: 80, State: model.StateOpen, NmapName: "http"},
		},
		Argv: argv,
	}
}

func TestEnsureCommand(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()
	ws := newWorkspace(t, db)

	spec := serviceSpec(ws, "nikto", "-h", "10.0.0.1", "-p", "80")
	cmd, created, err := db.EnsureCommand(ctx, spec)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.StatusPending, cmd.Status)
	require.Equal(t, spec.Argv, cmd.Argv)
	require.Equal(t, spec.Target, cmd.Target)
	require.Nil(t, cmd.Delay)
	require.NotZero(t, cmd.Created)

	again, created, err := db.EnsureCommand(ctx, spec)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, cmd.ID, again.ID)

	other := serviceSpec(ws, "nikto", "-h", "10.0.0.1", "-p", "80", "-ssl")
	third, created, err := db.EnsureCommand(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, cmd.ID, third.ID)

	counts, err := db.StatusCounts(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, map[model.Status]int{model.StatusPending: 2}, counts)
}

func TestCommandLifecycle(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()
	ws := newWorkspace(t, db)

	cmd, _, err := db.EnsureCommand(ctx, serviceSpec(ws, "nikto", "-h", "10.0.0.1"))
	require.NoError(t, err)

	// finishing a pending command is refused
	err = db.Finish(ctx, cmd.ID, model.Outcome{Status: model.StatusCompleted})
	require.ErrorIs(t, err, catalogue.ErrNotRunning)

	ok, err := db.Claim(ctx, cmd.ID, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.Claim(ctx, cmd.ID, "run-2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Release(ctx, cmd.ID))
	ok, err = db.Claim(ctx, cmd.ID, "run-2")
	require.NoError(t, err)
	require.True(t, ok)

	exit := 1
	err = db.Finish(ctx, cmd.ID, model.Outcome{
		Status:   model.StatusFailed,
		ExitCode: &exit,
		Stdout:   []byte("out"),
		Stderr:   []byte("err"),
	})
	require.NoError(t, err)

	got, err := db.Command(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, "run-2", got.RunID)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 1, *got.ExitCode)
	require.Equal(t, []byte("out"), got.Stdout)
	require.Equal(t, []byte("err"), got.Stderr)
	require.NotZero(t, got.Started)
	require.NotZero(t, got.Finished)

	// rearm only the requested statuses
	n, err := db.Rearm(ctx, ws.ID, model.StatusTerminated)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = db.Rearm(ctx, ws.ID, model.StatusFailed)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err = db.Command(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Nil(t, got.ExitCode)
	require.Empty(t, got.Stdout)

	_, err = db.Rearm(ctx, ws.ID, model.StatusRunning)
	require.ErrorIs(t, err, model.ErrInvalidStatus)
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()
	ws := newWorkspace(t, db)

	running, _, err := db.EnsureCommand(ctx, serviceSpec(ws, "nikto", "-h", "10.0.0.1"))
	require.NoError(t, err)
	done, _, err := db.EnsureCommand(ctx, serviceSpec(ws, "nikto", "-h", "10.0.0.1", "-ssl"))
	require.NoError(t, err)
	pending, _, err := db.EnsureCommand(ctx, serviceSpec(ws, "nikto", "-h", "10.0.0.1", "-p", "8080"))
	require.NoError(t, err)

	for _, id := range []int64{running.ID, done.ID} {
		ok, err := db.Claim(ctx, id, "killed")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, db.Finish(ctx, done.ID, model.Outcome{Status: model.StatusCompleted}))

	n, err := db.RecoverOrphans(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	for id, want := range map[int64]model.Status{
		running.ID: model.StatusTerminated,
		done.ID:    model.StatusCompleted,
		pending.ID: model.StatusPending,
	} {
		got, err := db.Command(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status)
	}

	terminated, err := db.Commands(ctx, ws.ID, "", model.StatusTerminated)
	require.NoError(t, err)
	require.Len(t, terminated, 1)
	require.Equal(t, running.ID, terminated[0].ID)
}

func TestClaimSingleFlight(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()
	ws := newWorkspace(t, db)

	cmd, _, err := db.EnsureCommand(ctx, serviceSpec(ws, "nikto", "-h", "10.0.0.1"))
	require.NoError(t, err)

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			ok, err := db.Claim(ctx, cmd.ID, "run")
			if err == nil && ok {
				claimed.Add(1)
			}
		})
	}
	wg.Wait()
	require.Equal(t, int32(1), claimed.Load())
}

func TestServiceName(t *testing.T) {
	var testCases = []struct {
		given string
		then  string
	}{
		{"http", "http"},
		{"ssl/http", "https"},
		{"http-alt", "http"},
		{"ssl/imap", "imap"},
		{" SSH ", "ssh"},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			require.Equal(t, tc.then, catalogue.ServiceName(tc.given))
		})
	}
}
