package vigil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/vigil/pkg/config"
	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Debounce.Window = 50 * time.Millisecond
	cfg.Process.Interval = 10 * time.Millisecond
	cfg.System.Interval = 10 * time.Millisecond
	cfg.Network.Interval = 10 * time.Millisecond
	cfg.Power.Interval = 10 * time.Millisecond
	return cfg
}

type systemProber struct {
	mu     sync.Mutex
	values []float64
	calls  int
}

func (p *systemProber) Snapshot(context.Context) (sources.SystemSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.values) {
		idx = len(p.values) - 1
	}
	p.calls++
	cpu := p.values[idx]
	mem := 40.0
	return sources.SystemSnapshot{
		CPUUsage:    &cpu,
		MemoryUsage: &mem,
		Timestamp:   time.Now(),
	}, nil
}

type powerProber struct {
	mu     sync.Mutex
	levels []float64
	calls  int
}

func (p *powerProber) Snapshot(context.Context) (sources.PowerSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.levels) {
		idx = len(p.levels) - 1
	}
	p.calls++
	level := p.levels[idx]
	charging := false
	return sources.PowerSnapshot{
		BatteryLevel: &level,
		Charging:     &charging,
		PowerSource:  "battery",
		Timestamp:    time.Now(),
	}, nil
}

func (p *powerProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type processProber struct {
	mu     sync.Mutex
	tables [][]sources.ProcessInfo
	calls  int
}

func (p *processProber) Snapshot(context.Context) (sources.ProcessSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.tables) {
		idx = len(p.tables) - 1
	}
	p.calls++
	return sources.ProcessSnapshot{
		Processes: p.tables[idx],
		Timestamp: time.Now(),
	}, nil
}

type networkProber struct {
	mu     sync.Mutex
	tables [][]sources.InterfaceInfo
	calls  int
}

func (p *networkProber) Snapshot(context.Context) (sources.NetworkSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.tables) {
		idx = len(p.tables) - 1
	}
	p.calls++
	return sources.NetworkSnapshot{
		Interfaces: p.tables[idx],
		Timestamp:  time.Now(),
	}, nil
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestFsCreatedEndToEnd(t *testing.T) {
	dir := t.TempDir()
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []events.FsEvent
	_, err = es.OnFsCreated(dir, func(ev events.FsEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	// A directory creation is a bare Create notification; a fresh file
	// write would coalesce with the following Write into Modified.
	path := filepath.Join(dir, "fresh")
	require.NoError(t, os.Mkdir(path, 0o755))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.FsCreated, got[0].Type)
	assert.Equal(t, path, got[0].Path)
}

func TestFsSubscribeMissingPathFails(t *testing.T) {
	es, err := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = es.OnFsCreated(filepath.Join(t.TempDir(), "absent"), func(events.FsEvent) {})
	var ioErr *events.IoError
	require.ErrorAs(t, err, &ioErr)
}

func TestFsDebounceCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
	)
	require.NoError(t, err)

	// The file exists before watching starts so the burst below is pure
	// modification traffic.
	path := filepath.Join(dir, "busy.txt")
	require.NoError(t, os.WriteFile(path, []byte("start"), 0o644))

	hits := &counter{}
	_, err = es.OnFsModified(dir, func(events.FsEvent) { hits.inc() })
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()
	time.Sleep(100 * time.Millisecond)

	// A burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("burst content here"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return hits.get() == 1 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, hits.get(), "burst coalesced into one event")
}

func TestCPUThresholdHysteresis(t *testing.T) {
	prober := &systemProber{values: []float64{70, 82, 90, 78, 95}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithSystemProber(prober),
	)
	require.NoError(t, err)

	hits := &counter{}
	_, err = es.OnCPUUsageHigh(80, func(ev events.SystemEvent) {
		require.NotNil(t, ev.CPUUsage)
		hits.inc()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool { return hits.get() == 2 },
		3*time.Second, 10*time.Millisecond)
	// The prober keeps reporting 95; usage stays high, so no more fires.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, hits.get())
}

func TestBatteryLowHysteresis(t *testing.T) {
	prober := &powerProber{levels: []float64{25, 15, 30, 18}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithPowerProber(prober),
	)
	require.NoError(t, err)

	hits := &counter{}
	_, err = es.OnBatteryLow(20, func(ev events.PowerEvent) {
		require.NotNil(t, ev.BatteryLevel)
		hits.inc()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool { return hits.get() == 2 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, hits.get(), "one fire per excursion below the threshold")
}

func TestProcessLifecycleEvents(t *testing.T) {
	prober := &processProber{tables: [][]sources.ProcessInfo{
		{{PID: 1, Name: "init"}},
		{{PID: 1, Name: "init"}, {PID: 42, Name: "nginx"}},
		{{PID: 1, Name: "init"}},
	}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithProcessProber(prober),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var started, terminated []events.ProcessEvent
	_, err = es.OnProcessStarted(func(ev events.ProcessEvent) {
		mu.Lock()
		started = append(started, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = es.OnProcessTerminated(func(ev events.ProcessEvent) {
		mu.Lock()
		terminated = append(terminated, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) >= 1 && len(terminated) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "nginx", started[0].Name)
	assert.Equal(t, int32(42), started[0].PID)
	assert.Equal(t, "nginx", terminated[0].Name)
}

func TestNetworkInterfaceEvents(t *testing.T) {
	prober := &networkProber{tables: [][]sources.InterfaceInfo{
		{{Name: "eth0", Up: true}},
		{{Name: "eth0", Up: false}},
	}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithNetworkProber(prober),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []events.NetworkEvent
	_, err = es.OnNetworkEvent(func(ev events.NetworkEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.NetworkInterfaceDown, got[0].Type)
	assert.Equal(t, "eth0", got[0].InterfaceName)
}

func TestAmbientForgetScopedToExactKey(t *testing.T) {
	amb := newAmbient()
	require.True(t, amb.cross("process.1.cpu", true))
	require.True(t, amb.cross("process.12.cpu", true))

	// Terminating PID 1 clears only its own keys; PID 12 stays armed.
	amb.forget("process.1.")
	assert.True(t, amb.cross("process.1.cpu", true), "terminated process state is gone")
	assert.False(t, amb.cross("process.12.cpu", true), "unrelated process keeps its state")
}

func TestNetworkTrafficThreshold(t *testing.T) {
	prober := &networkProber{tables: [][]sources.InterfaceInfo{
		{{Name: "eth0", Up: true}},
		{{Name: "eth0", Up: true, BytesSent: 10000, BytesReceived: 10000}},
	}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithNetworkProber(prober),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []events.NetworkEvent
	_, err = es.OnNetworkTrafficAbove(15000, func(ev events.NetworkEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	// Counters stop moving after the spike, so the delta drops to zero
	// and the subscription re-arms without firing again.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, events.NetworkTrafficThresholdReached, got[0].Type)
	require.NotNil(t, got[0].BytesSent)
	assert.Equal(t, uint64(10000), *got[0].BytesSent)
}

func TestPowerEventDefaultBatteryWarning(t *testing.T) {
	prober := &powerProber{levels: []float64{50, 10}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithPowerProber(prober),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []events.PowerEvent
	_, err = es.OnPowerEvent(func(ev events.PowerEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.PowerBatteryLow, got[0].Type,
		"plain power subscribers get crossings at the configured default level")
	assert.Equal(t, 10.0, *got[0].BatteryLevel)
}

func TestSubscribeWithoutProberFails(t *testing.T) {
	es, err := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = es.OnProcessStarted(func(events.ProcessEvent) {})
	assert.ErrorIs(t, err, events.ErrPlatformUnsupported)

	_, err = es.OnCPUUsageHigh(80, func(events.SystemEvent) {})
	assert.ErrorIs(t, err, events.ErrPlatformUnsupported)
}

func TestUnsubscribe(t *testing.T) {
	dir := t.TempDir()
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
	)
	require.NoError(t, err)

	hits := &counter{}
	id, err := es.OnFsCreated(dir, func(events.FsEvent) { hits.inc() })
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	assert.True(t, es.Unsubscribe(id))
	assert.False(t, es.Unsubscribe(id), "second unsubscribe reports absence")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "after.txt"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, hits.get(), "no delivery after unsubscribe")
}

func TestStartRollbackOnFailure(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched")
	require.NoError(t, os.Mkdir(watched, 0o755))

	prober := &powerProber{levels: []float64{50}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithPowerProber(prober),
	)
	require.NoError(t, err)

	_, err = es.OnFsCreated(watched, func(events.FsEvent) {})
	require.NoError(t, err)
	_, err = es.OnBatteryLow(20, func(events.PowerEvent) {})
	require.NoError(t, err)

	// The watched directory disappears between subscribe and start.
	require.NoError(t, os.RemoveAll(watched))

	err = es.Start(context.Background())
	require.Error(t, err)
	assert.False(t, es.IsRunning())
	assert.Zero(t, prober.callCount(), "no source from the failed start keeps running")

	// Subscriptions survive a failed start; fixing the path lets a retry
	// succeed.
	require.NoError(t, os.Mkdir(watched, 0o755))
	require.NoError(t, es.Start(context.Background()))
	assert.True(t, es.IsRunning())
	require.NoError(t, es.Stop())
}

func TestStopIdempotentAndFinal(t *testing.T) {
	dir := t.TempDir()
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
	)
	require.NoError(t, err)

	_, err = es.OnFsCreated(dir, func(events.FsEvent) {})
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	require.NoError(t, es.Start(context.Background()), "second start is a no-op")
	require.NoError(t, es.Stop())
	require.NoError(t, es.Stop(), "second stop is a no-op")

	assert.Error(t, es.Start(context.Background()), "a stopped system cannot restart")
}

func TestCallbackPanicIsolation(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var reported []error
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithErrorHandler(func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	_, err = es.OnFsCreated(dir, func(events.FsEvent) { panic("subscriber bug") })
	require.NoError(t, err)

	hits := &counter{}
	_, err = es.OnFsCreated(dir, func(events.FsEvent) { hits.inc() })
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "boom.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return hits.get() >= 1 },
		3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported, "panic surfaced through the error handler")
	var cbErr *events.CallbackError
	assert.ErrorAs(t, reported[0], &cbErr)
}

func TestSubscribeWhileRunning(t *testing.T) {
	prober := &processProber{tables: [][]sources.ProcessInfo{
		{{PID: 1, Name: "init"}},
		{{PID: 1, Name: "init"}, {PID: 7, Name: "late"}},
	}}
	es, err := New(
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(testConfig()),
		WithProcessProber(prober),
	)
	require.NoError(t, err)

	require.NoError(t, es.Start(context.Background()))
	defer es.Stop()

	// No process subscriptions existed at start, so the source comes up
	// on demand.
	var mu sync.Mutex
	var got []events.ProcessEvent
	_, err = es.OnProcessStarted(func(ev events.ProcessEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "late", got[0].Name)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.QueueSize = 0
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)
}
