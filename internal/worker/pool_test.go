package worker_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/queue"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool(t *testing.T) {
	t.Parallel()
	requireTool(t, "sh")

	tracker := newFakeTracker()
	enricher := &fakeEnricher{}
	pool := worker.NewPool(worker.Config{
		Workers: 2,
		RunID:   "run-1",
		WorkDir: t.TempDir(),
	}, collectors(t), tracker, enricher)

	runPool(t, pool,
		item(1, "sh", "-c", "echo 192.0.2.1"),
		item(2, "sh", "-c", "echo 192.0.2.2; echo oops >&2; exit 3"),
		item(3, "/nonexistent/kiscollect-tool", "-v"),
	)

	require.ElementsMatch(t, []int64{1, 2, 3}, tracker.claimed)
	require.Empty(t, tracker.released)

	completed := tracker.outcomes[1]
	require.Equal(t, model.StatusCompleted, completed.Status)
	require.NotNil(t, completed.ExitCode)
	require.Zero(t, *completed.ExitCode)
	require.Equal(t, "192.0.2.1\n", string(completed.Stdout))
	require.False(t, completed.Finished.IsZero())

	failed := tracker.outcomes[2]
	require.Equal(t, model.StatusFailed, failed.Status)
	require.NotNil(t, failed.ExitCode)
	require.Equal(t, 3, *failed.ExitCode)
	require.Equal(t, "oops\n", string(failed.Stderr))

	notStarted := tracker.outcomes[3]
	require.Equal(t, model.StatusFailed, notStarted.Status)
	require.Nil(t, notStarted.ExitCode)
	require.NotEmpty(t, notStarted.Stderr)

	// failed commands are analyzed too
	require.ElementsMatch(t, []model.Event{
		model.HostEvent{Address: netip.MustParseAddr("192.0.2.1")},
		model.HostEvent{Address: netip.MustParseAddr("192.0.2.2")},
	}, enricher.events)
	require.Equal(t, []int64{7, 7}, enricher.workspaces)

	progress := pool.Progress()
	require.Equal(t, worker.Progress{Completed: 1, Failed: 2}, progress)
}

func TestPoolTimeout(t *testing.T) {
	t.Parallel()
	requireTool(t, "sh")
	requireTool(t, "sleep")

	tracker := newFakeTracker()
	pool := worker.NewPool(worker.Config{
		Workers: 1,
		Timeout: time.Second,
	}, collectors(t), tracker, &fakeEnricher{})

	start := time.Now()
	runPool(t, pool, item(1, "sh", "-c", "echo 192.0.2.1; sleep 10; echo never"))
	require.Less(t, time.Since(start), 5*time.Second)

	out := tracker.outcomes[1]
	require.Equal(t, model.StatusTerminated, out.Status)
	require.Equal(t, "192.0.2.1\n", string(out.Stdout))
	require.Equal(t, worker.Progress{Terminated: 1}, pool.Progress())
}

func TestPoolCommandTimeout(t *testing.T) {
	t.Parallel()
	requireTool(t, "sleep")

	tracker := newFakeTracker()
	pool := worker.NewPool(worker.Config{
		Workers: 1,
		Timeout: time.Hour,
	}, collectors(t), tracker, &fakeEnricher{})

	it := item(1, "sleep", "10")
	it.Command.Timeout = 500 * time.Millisecond
	runPool(t, pool, it)

	require.Equal(t, model.StatusTerminated, tracker.outcomes[1].Status)
}

func TestPoolSkipsClaimed(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	tracker.busy[1] = true
	pool := worker.NewPool(worker.Config{Workers: 1}, collectors(t), tracker, &fakeEnricher{})

	unknown := item(2, "true")
	unknown.Command.Collector = "unknown"
	runPool(t, pool, item(1, "/nonexistent/kiscollect-tool"), unknown)

	require.Equal(t, []int64{1}, tracker.claimed)
	require.Empty(t, tracker.outcomes)
	require.Equal(t, worker.Progress{Skipped: 2}, pool.Progress())
}

func TestPoolStopDuringPacing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tracker := newFakeTracker()
		pool := worker.NewPool(worker.Config{
			Workers: 1,
			Pacer:   worker.NewPacer(time.Hour, time.Hour),
		}, collectors(t), tracker, &fakeEnricher{})

		ctx, cancel := context.WithCancel(t.Context())
		q := queue.New()
		require.NoError(t, q.Push(item(1, "/nonexistent/kiscollect-tool")))

		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx, q) }()

		synctest.Wait()
		require.Equal(t, []int64{1}, tracker.snapshotClaimed())

		cancel()
		require.NoError(t, <-done)
		require.Equal(t, []int64{1}, tracker.released)
		require.Empty(t, tracker.outcomes)
	})
}

func TestPoolAnalyze(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	enricher := &fakeEnricher{}
	pool := worker.NewPool(worker.Config{Workers: 1}, collectors(t), tracker, enricher)

	it := item(1, "/nonexistent/kiscollect-tool")
	it.Analyze = true
	it.Command.Status = model.StatusCompleted
	it.Command.Stdout = []byte("192.0.2.9\n")
	runPool(t, pool, it)

	require.Empty(t, tracker.claimed)
	require.Empty(t, tracker.outcomes)
	require.Equal(t, []model.Event{
		model.HostEvent{Address: netip.MustParseAddr("192.0.2.9")},
	}, enricher.events)
}

func TestPoolCollectorPanics(t *testing.T) {
	t.Parallel()
	requireTool(t, "sh")

	reg, err := registry.New(
		registry.Descriptor{
			Name:       "echo",
			Level:      model.LevelAddress,
			Capability: echoCollector{},
		},
		registry.Descriptor{
			Name:       "badanalyze",
			Level:      model.LevelAddress,
			Capability: panickingCollector{},
		},
		registry.Descriptor{
			Name:       "badsuccess",
			Level:      model.LevelAddress,
			Capability: echoCollector{},
			Success:    func(model.Output) bool { panic("no verdict") },
		},
	)
	require.NoError(t, err)

	tracker := newFakeTracker()
	enricher := &fakeEnricher{}
	pool := worker.NewPool(worker.Config{Workers: 2, WorkDir: t.TempDir()}, reg, tracker, enricher)

	badAnalyze := item(1, "sh", "-c", "echo 192.0.2.1")
	badAnalyze.Command.Collector = "badanalyze"
	badSuccess := item(2, "sh", "-c", "echo 192.0.2.2")
	badSuccess.Command.Collector = "badsuccess"
	runPool(t, pool,
		badAnalyze,
		badSuccess,
		item(3, "sh", "-c", "echo 192.0.2.3"),
	)

	require.Len(t, tracker.outcomes, 3)
	require.Equal(t, model.StatusCompleted, tracker.outcomes[1].Status)
	require.Equal(t, "192.0.2.1\n", string(tracker.outcomes[1].Stdout))
	require.Equal(t, model.StatusTerminated, tracker.outcomes[2].Status)
	require.Equal(t, model.StatusCompleted, tracker.outcomes[3].Status)
	require.ElementsMatch(t, []model.Event{
		model.HostEvent{Address: netip.MustParseAddr("192.0.2.2")},
		model.HostEvent{Address: netip.MustParseAddr("192.0.2.3")},
	}, enricher.events)
	require.Equal(t, worker.Progress{Completed: 2, Terminated: 1}, pool.Progress())
}

func TestPoolAbandonsUnrecordedOutcome(t *testing.T) {
	t.Parallel()
	requireTool(t, "sh")

	var testCases = []struct {
		scenario string
		given    int
		then     map[int64]model.Status
		progress worker.Progress
	}{
		{
			scenario: "outcome recorded as terminated",
			given:    1,
			then:     map[int64]model.Status{1: model.StatusTerminated},
			progress: worker.Progress{Terminated: 1},
		},
		{
			scenario: "command left running",
			given:    2,
			then:     map[int64]model.Status{},
			progress: worker.Progress{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			tracker := newFakeTracker()
			tracker.failures[1] = tc.given
			pool := worker.NewPool(worker.Config{Workers: 1, WorkDir: t.TempDir()}, collectors(t), tracker, &fakeEnricher{})

			runPool(t, pool, item(1, "sh", "-c", "exit 0"))

			got := map[int64]model.Status{}
			for id, out := range tracker.outcomes {
				got[id] = out.Status
			}
			require.Equal(t, tc.then, got)
			require.Equal(t, tc.progress, pool.Progress())
		})
	}
}

func runPool(t *testing.T, pool *worker.Pool, items ...queue.Item) {
	t.Helper()
	q := queue.New()
	for _, it := range items {
		require.NoError(t, q.Push(it))
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(t.Context(), q) }()
	require.NoError(t, q.Join(t.Context()))
	q.Close()
	require.NoError(t, <-done)
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func item(id int64, argv ...string) queue.Item {
	return queue.Item{Command: model.Command{
		ID: id,
		CommandSpec: model.CommandSpec{
			Collector: "echo",
			Target: model.Target{
				Kind:      model.LevelAddress,
				Workspace: 7,
				HostID:    id,
				Address:   netip.MustParseAddr("192.0.2.1"),
			},
			Argv: argv,
		},
		Status: model.StatusPending,
	}}
}

func collectors(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Descriptor{
		Name:       "echo",
		Level:      model.LevelAddress,
		Capability: echoCollector{},
	})
	require.NoError(t, err)
	return reg
}

// echoCollector reports every address printed on stdout
type echoCollector struct{}

func (echoCollector) BuildCommands(model.Target, model.Options) ([]model.CommandSpec, error) {
	return nil, nil
}

func (echoCollector) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	var events []model.Event
	sc := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for sc.Scan() {
		addr, err := netip.ParseAddr(sc.Text())
		if err != nil {
			continue
		}
		events = append(events, model.HostEvent{Address: addr})
	}
	return events, sc.Err()
}

// panickingCollector fails on every output shorter than its expectations
type panickingCollector struct{}

func (panickingCollector) BuildCommands(model.Target, model.Options) ([]model.CommandSpec, error) {
	return nil, nil
}

func (panickingCollector) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	_ = out.Stdout[64]
	return nil, nil
}

var errLocked = errors.New("database is locked")

type fakeTracker struct {
	mx       sync.Mutex
	busy     map[int64]bool
	claimed  []int64
	released []int64
	outcomes map[int64]model.Outcome
	// failures is the number of RecordOutcome calls failing per command
	failures map[int64]int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		busy:     map[int64]bool{},
		outcomes: map[int64]model.Outcome{},
		failures: map[int64]int{},
	}
}

func (f *fakeTracker) Claim(_ context.Context, id int64, _ string) (bool, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.claimed = append(f.claimed, id)
	return !f.busy[id], nil
}

func (f *fakeTracker) Release(_ context.Context, id int64) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeTracker) RecordOutcome(_ context.Context, id int64, out model.Outcome) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.failures[id] > 0 {
		f.failures[id]--
		return errLocked
	}
	f.outcomes[id] = out
	return nil
}

func (f *fakeTracker) snapshotClaimed() []int64 {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]int64(nil), f.claimed...)
}

type fakeEnricher struct {
	mx         sync.Mutex
	events     []model.Event
	workspaces []int64
}

func (f *fakeEnricher) Apply(_ context.Context, workspace int64, events []model.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.events = append(f.events, events...)
	f.workspaces = append(f.workspaces, workspace)
	return nil
}
