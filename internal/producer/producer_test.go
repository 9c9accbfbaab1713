package producer_test

import (
	"bytes"
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/producer"
	"github.com/kaliintelsuite/kiscollect/internal/queue"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/scope"
	"github.com/kaliintelsuite/kiscollect/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// argvCollector builds one command: its name followed by the target
type argvCollector struct {
	name string
}

func (c argvCollector) BuildCommands(t model.Target, _ model.Options) ([]model.CommandSpec, error) {
	return []model.CommandSpec{{Argv: []string{c.name, t.String()}}}, nil
}

func (argvCollector) AnalyzeOutput(model.Output) ([]model.Event, error) {
	return nil, nil
}

// brokenCollector panics on every target
type brokenCollector struct{}

func (brokenCollector) BuildCommands(t model.Target, _ model.Options) ([]model.CommandSpec, error) {
	panic("no template for " + t.String())
}

func (brokenCollector) AnalyzeOutput(model.Output) ([]model.Event, error) {
	return nil, nil
}

var (
	discover = registry.Descriptor{
		Name:       "discover",
		Level:      model.LevelNetwork,
		Priority:   1,
		Capability: argvCollector{name: "discover"},
	}
	probe = registry.Descriptor{
		Name:       "probe",
		Level:      model.LevelAddress,
		Priority:   2,
		Capability: argvCollector{name: "probe"},
	}
)

type fixture struct {
	db      *catalogue.DB
	ws      int64
	tracker *status.Tracker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := t.Context()
	db, err := catalogue.Open(ctx, filepath.Join(t.TempDir(), "kis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ws, err := db.CreateWorkspace(ctx, "acme")
	require.NoError(t, err)
	_, err = db.AddNetwork(ctx, ws.ID, netip.MustParsePrefix("10.0.0.0/30"), model.ScopeAll)
	require.NoError(t, err)
	return fixture{db: db, ws: ws.ID, tracker: status.NewTracker(db, ws.ID)}
}

func (f fixture) producer(t *testing.T, opts model.Options) *producer.Producer {
	t.Helper()
	p, err := producer.New(f.ws, scope.NewResolver(f.db), f.tracker, f.db, opts)
	require.NoError(t, err)
	return p
}

// consume plays the worker pool: discover commands find two hosts, every
// command completes
type consumer struct {
	mx       sync.Mutex
	executed []string
	analyzed []string
	wg       sync.WaitGroup
}

func consume(t *testing.T, f fixture, q *queue.Queue) *consumer {
	t.Helper()
	c := &consumer{}
	ctx := context.WithoutCancel(t.Context())
	c.wg.Go(func() {
		for {
			it, ok := q.Pop(ctx)
			if !ok {
				return
			}
			c.handle(t, f, it)
			q.Done()
		}
	})
	return c
}

func (c *consumer) handle(t *testing.T, f fixture, it queue.Item) {
	ctx := t.Context()
	c.mx.Lock()
	defer c.mx.Unlock()
	if it.Analyze {
		c.analyzed = append(c.analyzed, it.Command.String())
		return
	}
	c.executed = append(c.executed, it.Command.String())

	claimed, err := f.tracker.Claim(ctx, it.Command.ID, "run")
	if err != nil || !claimed {
		t.Errorf("claim %d: %v %v", it.Command.ID, claimed, err)
		return
	}
	if it.Command.Collector == "discover" {
		err := f.db.Apply(ctx, f.ws, []model.Event{
			model.HostEvent{Address: netip.MustParseAddr("10.0.0.1")},
			model.HostEvent{Address: netip.MustParseAddr("10.0.0.2")},
		})
		if err != nil {
			t.Errorf("apply: %v", err)
		}
	}
	code := 0
	err = f.tracker.RecordOutcome(ctx, it.Command.ID, model.Outcome{
		Status:   model.StatusCompleted,
		ExitCode: &code,
		Finished: time.Now(),
	})
	if err != nil {
		t.Errorf("record outcome: %v", err)
	}
}

func (c *consumer) stop(q *queue.Queue) {
	q.Close()
	c.wg.Wait()
}

func TestProduce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.producer(t, model.Options{})
	descs := []registry.Descriptor{probe, discover}
	sorted, err := registryOf(t, descs...).ListCollectors([]string{"probe", "discover"})
	require.NoError(t, err)

	q := queue.New()
	c := consume(t, f, q)

	stats, err := p.Produce(t.Context(), q, sorted)
	require.NoError(t, err)
	require.Equal(t, producer.Stats{Targets: 3, Commands: 3, Queued: 3}, stats)

	// the probes see the hosts found by discover in the previous tier
	require.Equal(t, []string{
		"discover 10.0.0.0/30",
		"probe 10.0.0.1",
		"probe 10.0.0.2",
	}, c.executed)

	// completed commands are not executed again
	stats, err = p.Produce(t.Context(), q, sorted)
	require.NoError(t, err)
	require.Equal(t, producer.Stats{Targets: 3, Commands: 3, Queued: 0}, stats)

	stats, err = p.Analyze(t.Context(), q, sorted)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Queued)
	c.stop(q)

	require.Len(t, c.executed, 3)
	require.ElementsMatch(t, c.executed, c.analyzed)
}

func TestProduceClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.producer(t, model.Options{})

	q := queue.New()
	q.Close()
	_, err := p.Produce(t.Context(), q, []registry.Descriptor{discover})
	require.ErrorIs(t, err, queue.ErrClosed)

	// the command stays pending for the next start
	cmds, err := f.db.Commands(t.Context(), f.ws, "discover", model.StatusPending)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}

func TestPrint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.db.AddHost(t.Context(), f.ws, netip.MustParseAddr("10.0.0.1"), model.ScopeWithin)
	require.NoError(t, err)

	p := f.producer(t, model.Options{
		Proxychains: true,
		Tools:       map[string]string{"proxychains": "proxychains4"},
	})

	var buf bytes.Buffer
	require.NoError(t, p.Print(t.Context(), &buf, []registry.Descriptor{discover, probe}))
	require.Equal(t, "proxychains4 -q discover 10.0.0.0/30\nproxychains4 -q probe 10.0.0.1\n", buf.String())

	// printing stores nothing
	cmds, err := f.db.Commands(t.Context(), f.ws, "", "")
	require.NoError(t, err)
	require.Empty(t, cmds)
}

func TestPrintCollectorPanics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.db.AddHost(t.Context(), f.ws, netip.MustParseAddr("10.0.0.1"), model.ScopeWithin)
	require.NoError(t, err)
	p := f.producer(t, model.Options{})

	broken := registry.Descriptor{
		Name:       "broken",
		Level:      model.LevelAddress,
		Capability: brokenCollector{},
	}
	var buf bytes.Buffer
	require.NoError(t, p.Print(t.Context(), &buf, []registry.Descriptor{broken, probe}))
	require.Equal(t, "probe 10.0.0.1\n", buf.String())
}

func TestProduceCollectorPanics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.producer(t, model.Options{})
	broken := registry.Descriptor{
		Name:       "broken",
		Level:      model.LevelNetwork,
		Priority:   1,
		Capability: brokenCollector{},
	}
	sorted, err := registryOf(t, broken, discover, probe).ListCollectors([]string{"broken", "discover", "probe"})
	require.NoError(t, err)

	q := queue.New()
	c := consume(t, f, q)
	stats, err := p.Produce(t.Context(), q, sorted)
	c.stop(q)
	require.NoError(t, err)
	require.Equal(t, producer.Stats{Targets: 4, Commands: 3, Queued: 3}, stats)
	require.Equal(t, []string{
		"discover 10.0.0.0/30",
		"probe 10.0.0.1",
		"probe 10.0.0.2",
	}, c.executed)
}

func registryOf(t *testing.T, descs ...registry.Descriptor) *registry.Registry {
	t.Helper()
	reg, err := registry.New(descs...)
	require.NoError(t, err)
	return reg
}
