//go:build linux
// +build linux

package pidstat

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// readKernelStats fills the fields gopsutil does not expose: guest time,
// blkio delay and last CPU from stat, run queue wait from schedstat,
// cancelled writes from io and VmPeak from status. Only stat is required,
// the other files depend on kernel config and permissions.
func readKernelStats(s *ProcessSample) error {
	fs, err := procfs.NewFS(hostProc())
	if err != nil {
		return errors.Wrap(err, "open procfs")
	}
	proc, err := fs.Proc(int(s.Pid))
	if err != nil {
		return errors.Wrapf(err, "open process %d", s.Pid)
	}

	stat, err := proc.Stat()
	if err != nil {
		return errors.Wrapf(err, "read stat of %d", s.Pid)
	}
	s.CPUID = int(stat.Processor)
	s.GuestTicks = uint64(stat.GuestTime)
	s.BlkIODelayTicks = stat.DelayAcctBlkIOTicks

	if sched, err := proc.Schedstat(); err == nil {
		s.WaitNanos = sched.WaitingNanoseconds
	}
	if pio, err := proc.IO(); err == nil && pio.CancelledWriteBytes > 0 {
		s.CancelledWriteBytes = uint64(pio.CancelledWriteBytes)
	}
	if status, err := proc.NewStatus(); err == nil {
		s.VmPeak = status.VmPeak
	}
	return nil
}
