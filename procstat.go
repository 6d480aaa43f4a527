package pidstat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

// ProcessSample is a point-in-time reading of one process. Rates are
// computed from two samples of the same pid.
type ProcessSample struct {
	Pid     int32
	Time    time.Time
	Name    string
	Cmdline string
	User    string

	Times       cpu.TimesStat
	Memory      process.MemoryInfoStat
	Faults      process.PageFaultsStat
	CtxSwitches process.NumCtxSwitchesStat
	// IO is nil when the io file is not readable, eg. another user's process.
	IO *process.IOCountersStat

	// CPUID is the processor the task last ran on.
	CPUID               int
	GuestTicks          uint64
	BlkIODelayTicks     uint64
	CancelledWriteBytes uint64
	// VmPeak is the peak virtual memory size in bytes.
	VmPeak uint64
	// WaitNanos is the time spent waiting on a run queue.
	WaitNanos uint64

	// Traffic is nil when the pid is not tracked by the traffic engine.
	Traffic *Counters
	Conns   map[ConnKey]Counters
}

// SampleProcess reads the CPU, memory, I/O and context switch counters of pid.
func SampleProcess(ctx context.Context, pid int32) (*ProcessSample, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open process %d", pid)
	}

	s := &ProcessSample{Pid: pid, Time: time.Now()}

	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "read cpu times of %d", pid)
	}
	s.Times = *times

	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "read memory of %d", pid)
	}
	s.Memory = *memInfo

	if faults, err := p.PageFaultsWithContext(ctx); err == nil {
		s.Faults = *faults
	}
	if ctxsw, err := p.NumCtxSwitchesWithContext(ctx); err == nil {
		s.CtxSwitches = *ctxsw
	}
	if io, err := p.IOCountersWithContext(ctx); err == nil {
		s.IO = io
	}

	if err := readKernelStats(s); err != nil && !errors.Is(err, ErrUnsupported) {
		return nil, err
	}

	s.Name, _ = p.NameWithContext(ctx)
	s.Cmdline, _ = p.CmdlineWithContext(ctx)
	if s.User, err = p.UsernameWithContext(ctx); err != nil {
		s.User = "?"
	}
	return s, nil
}

// AttachTraffic copies the traffic counters of the sample's pid from store.
func (s *ProcessSample) AttachTraffic(store *Store) {
	if c, ok := store.PidTraffic(s.Pid); ok {
		s.Traffic = &c
	}
	if conns, ok := store.PidConnectionTraffic(s.Pid); ok {
		s.Conns = conns
	}
}

// TotalMemory returns the host memory size in bytes.
func TotalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read meminfo")
	}
	return vm.Total, nil
}
