package power

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/vigil/pkg/sources"
)

type state struct {
	level    float64
	charging bool
	source   string
}

type scriptedProber struct {
	mu     sync.Mutex
	states []state
	calls  int
}

func (p *scriptedProber) Snapshot(context.Context) (sources.PowerSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.states) {
		idx = len(p.states) - 1
	}
	p.calls++
	st := p.states[idx]
	level := st.level
	charging := st.charging
	return sources.PowerSnapshot{
		BatteryLevel: &level,
		Charging:     &charging,
		PowerSource:  st.source,
		Timestamp:    time.Now(),
	}, nil
}

func collectSamples(t *testing.T, src *Source, n int) []sources.Sample {
	t.Helper()
	var got []sources.Sample
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case sample, ok := <-src.Samples():
			if !ok {
				t.Fatalf("channel closed after %d of %d samples", len(got), n)
			}
			got = append(got, sample)
		case <-deadline:
			t.Fatalf("timed out after %d of %d samples", len(got), n)
		}
	}
	return got
}

func TestSourceDetectsChargingTransitions(t *testing.T) {
	prober := &scriptedProber{states: []state{
		{level: 50, charging: false, source: "battery"},
		{level: 51, charging: true, source: "ac"},
		{level: 52, charging: false, source: "battery"},
	}}
	src, err := NewSource(Config{
		Interval: 10 * time.Millisecond,
		Prober:   prober,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, src.Start(context.Background()))
	samples := collectSamples(t, src, 3)
	require.NoError(t, src.Stop())

	first := samples[0].Power
	assert.False(t, first.ChargingStarted, "baseline tick reports no transitions")
	assert.False(t, first.SourceChanged)

	second := samples[1].Power
	assert.True(t, second.ChargingStarted)
	assert.False(t, second.ChargingStopped)
	assert.True(t, second.SourceChanged)
	assert.Equal(t, "battery", second.PreviousSource)

	third := samples[2].Power
	assert.True(t, third.ChargingStopped)
	assert.True(t, third.SourceChanged)
	assert.Equal(t, "ac", third.PreviousSource)
}

func TestSourceSteadyStateNoTransitions(t *testing.T) {
	prober := &scriptedProber{states: []state{
		{level: 80, charging: true, source: "ac"},
		{level: 81, charging: true, source: "ac"},
	}}
	src, err := NewSource(Config{
		Interval: 10 * time.Millisecond,
		Prober:   prober,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, src.Start(context.Background()))
	samples := collectSamples(t, src, 2)
	require.NoError(t, src.Stop())

	second := samples[1].Power
	assert.False(t, second.ChargingStarted)
	assert.False(t, second.ChargingStopped)
	assert.False(t, second.SourceChanged)
	assert.Equal(t, 81.0, *second.BatteryLevel)
}
