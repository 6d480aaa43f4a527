package pidstat

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	reports [][]ProcessRates
	closed  bool
}

func (r *fakeRenderer) Render(rows []ProcessRates) {
	r.reports = append(r.reports, rows)
}

func (r *fakeRenderer) Close() { r.closed = true }

// fakeSampler returns samples two seconds apart per pid, with one more
// second of user time on every call.
type fakeSampler struct {
	start time.Time
	calls map[int32]int
	gone  map[int32]bool
}

func (s *fakeSampler) sample(_ context.Context, pid int32) (*ProcessSample, error) {
	if s.gone[pid] {
		return nil, errors.Errorf("process %d exited", pid)
	}
	n := s.calls[pid]
	s.calls[pid]++
	return &ProcessSample{
		Pid:   pid,
		Name:  "worker",
		Time:  s.start.Add(time.Duration(n) * 2 * time.Second),
		Times: cpu.TimesStat{User: float64(n)},
	}, nil
}

func newTestMonitor(t *testing.T, pids ...int32) (*Monitor, *fakeRenderer, *fakeSampler) {
	t.Helper()
	traffic, err := newNetTraffic(testOptions(), newFakeIntrospector(), nil)
	require.NoError(t, err)

	sampler := &fakeSampler{
		start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		calls: make(map[int32]int),
		gone:  make(map[int32]bool),
	}
	renderer := &fakeRenderer{}
	opts := DefaultMonitorOptions()
	opts.Options = testOptions()
	opts.ReportInterval = 1

	return &Monitor{
		Opts:     opts,
		Procs:    newFakeIntrospector(),
		Sample:   sampler.sample,
		Filter:   PidFilter{Pids: pids},
		Traffic:  traffic,
		Renderer: renderer,
		logger:   testLogger,
		memTotal: 1 << 30,
		prev:     make(map[int32]*ProcessSample),
	}, renderer, sampler
}

func TestMonitorRefresh(t *testing.T) {
	m, renderer, sampler := newTestMonitor(t, 3, 1, 2)
	ctx := context.Background()

	m.Traffic.Store().Publish(&Snapshot{
		Pids:  map[int32]Counters{1: {1, 100, 1, 100}},
		Conns: map[int32]map[ConnKey]Counters{1: {connA: {1, 100, 1, 100}}},
	})
	m.Refresh(ctx)
	assert.Empty(t, renderer.reports, "pids sampled once have no rate yet")

	m.Traffic.Store().Publish(&Snapshot{
		Pids:  map[int32]Counters{1: {3, 300, 2, 1100}},
		Conns: map[int32]map[ConnKey]Counters{1: {connA: {3, 300, 2, 1100}}},
	})
	m.Filter.Pids = []int32{3, 1, 2, 4}
	sampler.gone[2] = true
	m.Refresh(ctx)

	require.Len(t, renderer.reports, 1)
	rows := renderer.reports[0]
	require.Len(t, rows, 2, "exited and newly seen pids are left out")
	assert.Equal(t, int32(1), rows[0].Pid)
	assert.Equal(t, int32(3), rows[1].Pid)
	assert.InDelta(t, 50, rows[0].UsrPct, 1e-9)

	want := TrafficRates{SentPackets: 1, SentBytes: 100, RecvPackets: 0.5, RecvBytes: 500}
	require.NotNil(t, rows[0].Net)
	assert.Equal(t, want, *rows[0].Net)
	assert.Equal(t, map[ConnKey]TrafficRates{connA: want}, rows[0].Conns)
	assert.Nil(t, rows[1].Net, "untracked pids carry no traffic")

	sampler.gone[2] = false
	m.Refresh(ctx)
	require.Len(t, renderer.reports, 2)
	var pids []int32
	for _, r := range renderer.reports[1] {
		pids = append(pids, r.Pid)
	}
	assert.Equal(t, []int32{1, 3, 4}, pids)
}

func TestMonitorStart(t *testing.T) {
	t.Run("count", func(t *testing.T) {
		m, renderer, _ := newTestMonitor(t, 1)
		m.Opts.Count = 1
		m.Refresh(context.Background())

		done := make(chan struct{})
		go func() {
			m.Start(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return after Count reports")
		}
		assert.Len(t, renderer.reports, 2)

		m.Close()
		assert.True(t, renderer.closed)
	})

	t.Run("cancelled", func(t *testing.T) {
		m, renderer, _ := newTestMonitor(t, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m.Start(ctx)
		assert.Empty(t, renderer.reports)
	})
}
