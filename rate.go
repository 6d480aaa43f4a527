package pidstat

import (
	"time"
)

// userHZ is the kernel USER_HZ, the unit of the tick counters in stat.
const userHZ = 100

// TrafficRates is Counters turned into per-second rates.
type TrafficRates struct {
	SentPackets float64
	SentBytes   float64
	RecvPackets float64
	RecvBytes   float64
}

// ProcessRates is the difference between two samples of one process divided
// by the time between them.
type ProcessRates struct {
	Pid     int32
	Time    time.Time
	Name    string
	Cmdline string
	User    string

	UsrPct   float64
	SysPct   float64
	GuestPct float64
	// WaitPct is the share of time spent waiting on a run queue.
	WaitPct float64
	CPUPct  float64
	CPUID   int

	MinFltPerSec float64
	MajFltPerSec float64
	VSZ          uint64
	RSS          uint64
	VmPeakKB     uint64
	MemPct       float64

	ReadKBPerSec           float64
	WriteKBPerSec          float64
	CancelledWriteKBPerSec float64
	// IODelay is the block I/O delay in clock ticks over the interval.
	IODelay uint64

	CswchPerSec   float64
	NvcswchPerSec float64

	// Net is nil unless both samples carried traffic counters.
	Net   *TrafficRates
	Conns map[ConnKey]TrafficRates
}

// ComputeRates derives the rates between prev and curr. memTotal is the host
// memory in bytes, used for the memory share.
func ComputeRates(prev, curr *ProcessSample, memTotal uint64) ProcessRates {
	r := ProcessRates{
		Pid:      curr.Pid,
		Time:     curr.Time,
		Name:     curr.Name,
		Cmdline:  curr.Cmdline,
		User:     curr.User,
		CPUID:    curr.CPUID,
		VSZ:      curr.Memory.VMS,
		RSS:      curr.Memory.RSS,
		VmPeakKB: curr.VmPeak / 1024,
		MemPct:   safeDiv(float64(curr.Memory.RSS), float64(memTotal)) * 100,
	}

	itv := curr.Time.Sub(prev.Time).Seconds()
	if itv <= 0 {
		return r
	}

	r.UsrPct = secondsPct(prev.Times.User, curr.Times.User, itv)
	r.SysPct = secondsPct(prev.Times.System, curr.Times.System, itv)
	r.GuestPct = safeDiv(float64(deltaU64(curr.GuestTicks, prev.GuestTicks))/userHZ, itv) * 100
	r.WaitPct = safeDiv(float64(deltaU64(curr.WaitNanos, prev.WaitNanos))/1e9, itv) * 100
	r.CPUPct = secondsPct(prev.Times.User+prev.Times.System, curr.Times.User+curr.Times.System, itv)

	r.MinFltPerSec = perSec(prev.Faults.MinorFaults, curr.Faults.MinorFaults, itv)
	r.MajFltPerSec = perSec(prev.Faults.MajorFaults, curr.Faults.MajorFaults, itv)

	if prev.IO != nil && curr.IO != nil {
		r.ReadKBPerSec = perSec(prev.IO.ReadBytes, curr.IO.ReadBytes, itv) / 1024
		r.WriteKBPerSec = perSec(prev.IO.WriteBytes, curr.IO.WriteBytes, itv) / 1024
	}
	r.CancelledWriteKBPerSec = perSec(prev.CancelledWriteBytes, curr.CancelledWriteBytes, itv) / 1024
	r.IODelay = deltaU64(curr.BlkIODelayTicks, prev.BlkIODelayTicks)

	r.CswchPerSec = perSec(uint64(prev.CtxSwitches.Voluntary), uint64(curr.CtxSwitches.Voluntary), itv)
	r.NvcswchPerSec = perSec(uint64(prev.CtxSwitches.Involuntary), uint64(curr.CtxSwitches.Involuntary), itv)

	if prev.Traffic != nil && curr.Traffic != nil {
		net := TrafficRate(*prev.Traffic, *curr.Traffic, itv)
		r.Net = &net
	}
	if prev.Conns != nil && curr.Conns != nil {
		r.Conns = make(map[ConnKey]TrafficRates, len(curr.Conns))
		for key, c := range curr.Conns {
			if p, ok := prev.Conns[key]; ok {
				r.Conns[key] = TrafficRate(p, c, itv)
			}
		}
	}
	return r
}

// TrafficRate converts two readings of the same counters into rates.
func TrafficRate(prev, curr Counters, itv float64) TrafficRates {
	return TrafficRates{
		SentPackets: perSec(prev[SentPackets], curr[SentPackets], itv),
		SentBytes:   perSec(prev[SentBytes], curr[SentBytes], itv),
		RecvPackets: perSec(prev[RecvPackets], curr[RecvPackets], itv),
		RecvBytes:   perSec(prev[RecvBytes], curr[RecvBytes], itv),
	}
}

func perSec(prev, curr uint64, itv float64) float64 {
	return safeDiv(float64(deltaU64(curr, prev)), itv)
}

func secondsPct(prev, curr, itv float64) float64 {
	if curr < prev {
		return 0
	}
	return safeDiv(curr-prev, itv) * 100
}

func deltaU64(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	// counter reset
	return 0
}

func safeDiv(n, d float64) float64 {
	const eps = 1e-12
	if d > eps || d < -eps {
		return n / d
	}
	return 0
}
