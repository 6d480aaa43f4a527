package pidstat

import (
	"testing"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRates(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := &ProcessSample{
		Pid:         100,
		Time:        t0,
		Times:       cpu.TimesStat{User: 1, System: 0.5},
		Memory:      process.MemoryInfoStat{RSS: 1 << 20, VMS: 4 << 20},
		Faults:      process.PageFaultsStat{MinorFaults: 10, MajorFaults: 1},
		CtxSwitches: process.NumCtxSwitchesStat{Voluntary: 100, Involuntary: 10},
		IO:          &process.IOCountersStat{ReadBytes: 0, WriteBytes: 0},
		GuestTicks:  10,
		WaitNanos:   1e9,
		Traffic:     &Counters{1, 100, 1, 1000},
		Conns:       map[ConnKey]Counters{connA: {1, 100, 1, 1000}},
	}
	curr := &ProcessSample{
		Pid:         100,
		Time:        t0.Add(2 * time.Second),
		Name:        "curl",
		User:        "root",
		Times:       cpu.TimesStat{User: 2, System: 0.7},
		Memory:      process.MemoryInfoStat{RSS: 2 << 20, VMS: 8 << 20},
		Faults:      process.PageFaultsStat{MinorFaults: 30, MajorFaults: 1},
		CtxSwitches: process.NumCtxSwitchesStat{Voluntary: 140, Involuntary: 12},
		IO:          &process.IOCountersStat{ReadBytes: 4096, WriteBytes: 2048},
		CPUID:       3,
		GuestTicks:  30,
		WaitNanos:   1.1e9,
		VmPeak:      12 << 20,

		BlkIODelayTicks:     7,
		CancelledWriteBytes: 4096,

		Traffic: &Counters{5, 500, 3, 5000},
		Conns: map[ConnKey]Counters{
			connA: {5, 500, 3, 5000},
			connB: {1, 1, 1, 1},
		},
	}

	r := ComputeRates(prev, curr, 16<<20)
	assert.Equal(t, int32(100), r.Pid)
	assert.Equal(t, "curl", r.Name)
	assert.InDelta(t, 50, r.UsrPct, 1e-9)
	assert.InDelta(t, 10, r.SysPct, 1e-9)
	assert.InDelta(t, 10, r.GuestPct, 1e-9)
	assert.InDelta(t, 5, r.WaitPct, 1e-9)
	assert.InDelta(t, 60, r.CPUPct, 1e-9)
	assert.Equal(t, 3, r.CPUID)
	assert.InDelta(t, 10, r.MinFltPerSec, 1e-9)
	assert.InDelta(t, 0, r.MajFltPerSec, 1e-9)
	assert.Equal(t, uint64(2<<20), r.RSS)
	assert.InDelta(t, 12.5, r.MemPct, 1e-9)
	assert.Equal(t, uint64(12<<10), r.VmPeakKB)
	assert.InDelta(t, 2, r.ReadKBPerSec, 1e-9)
	assert.InDelta(t, 1, r.WriteKBPerSec, 1e-9)
	assert.InDelta(t, 2, r.CancelledWriteKBPerSec, 1e-9)
	assert.Equal(t, uint64(7), r.IODelay)
	assert.InDelta(t, 20, r.CswchPerSec, 1e-9)
	assert.InDelta(t, 1, r.NvcswchPerSec, 1e-9)

	require.NotNil(t, r.Net)
	assert.Equal(t, TrafficRates{SentPackets: 2, SentBytes: 200, RecvPackets: 1, RecvBytes: 2000}, *r.Net)
	assert.Len(t, r.Conns, 1, "connections new in curr have no rate yet")
	assert.Equal(t, *r.Net, r.Conns[connA])
}

func TestComputeRatesEdgeCases(t *testing.T) {
	now := time.Now()

	t.Run("no_elapsed_time", func(t *testing.T) {
		s := &ProcessSample{Pid: 1, Time: now, Times: cpu.TimesStat{User: 5}, CPUID: 2, VmPeak: 2048}
		r := ComputeRates(s, s, 0)
		assert.Zero(t, r.CPUPct)
		assert.Equal(t, 2, r.CPUID)
		assert.Equal(t, uint64(2), r.VmPeakKB)
		assert.Zero(t, r.MemPct)
		assert.Nil(t, r.Net)
	})

	t.Run("counter_reset", func(t *testing.T) {
		prev := &ProcessSample{Time: now, Traffic: &Counters{10, 10, 10, 10}, WaitNanos: 10, BlkIODelayTicks: 5}
		curr := &ProcessSample{Time: now.Add(time.Second), Traffic: &Counters{}}
		r := ComputeRates(prev, curr, 1)
		require.NotNil(t, r.Net)
		assert.Equal(t, TrafficRates{}, *r.Net)
		assert.Zero(t, r.WaitPct)
		assert.Zero(t, r.IODelay)
	})

	t.Run("untracked_traffic", func(t *testing.T) {
		prev := &ProcessSample{Time: now}
		curr := &ProcessSample{Time: now.Add(time.Second), Traffic: &Counters{1}}
		assert.Nil(t, ComputeRates(prev, curr, 1).Net)
	})
}

func TestAttachTraffic(t *testing.T) {
	store := NewStore()
	store.Publish(&Snapshot{
		Pids:  map[int32]Counters{100: {1, 2, 3, 4}},
		Conns: map[int32]map[ConnKey]Counters{100: {connA: {1, 2, 3, 4}}},
	})

	tracked := &ProcessSample{Pid: 100}
	tracked.AttachTraffic(store)
	require.NotNil(t, tracked.Traffic)
	assert.Equal(t, Counters{1, 2, 3, 4}, *tracked.Traffic)
	assert.Len(t, tracked.Conns, 1)

	other := &ProcessSample{Pid: 200}
	other.AttachTraffic(store)
	assert.Nil(t, other.Traffic)
	assert.Nil(t, other.Conns)
}
