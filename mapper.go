package pidstat

import (
	"context"
	"log/slog"
	"os"
	"regexp"
)

// PidFilter selects the processes to watch: an explicit pid list, or every
// process whose command line matches Regex (all processes when nil). It is
// re-evaluated on every cycle so new processes are picked up and exited
// ones drop out.
type PidFilter struct {
	Pids  []int32
	Regex *regexp.Regexp
	// Exclude is left out of the result when non-zero.
	Exclude int32
}

// NewPidFilter builds the filter described by opts.
func NewPidFilter(opts Options) (PidFilter, error) {
	f := PidFilter{Pids: opts.Pids}
	if opts.CmdRegex != "" {
		re, err := compileCmdRegex(opts.CmdRegex)
		if err != nil {
			return f, err
		}
		f.Regex = re
	}
	if opts.IgnoreSelf {
		f.Exclude = int32(os.Getpid())
	}
	return f, nil
}

// Resolve returns the pids currently selected by the filter.
func (f PidFilter) Resolve(ctx context.Context, in Introspector) ([]int32, error) {
	var pids []int32
	if len(f.Pids) > 0 {
		pids = append(pids, f.Pids...)
	} else {
		var err error
		if pids, err = in.ListPids(ctx, f.Regex); err != nil {
			return nil, err
		}
	}
	if f.Exclude == 0 {
		return pids, nil
	}
	kept := pids[:0]
	for _, pid := range pids {
		if pid != f.Exclude {
			kept = append(kept, pid)
		}
	}
	return kept, nil
}

// ownershipMapper rebuilds the address map and counter tables on every
// refresh cycle.
type ownershipMapper struct {
	in     Introspector
	filter PidFilter
	logger *slog.Logger
}

func newOwnershipMapper(in Introspector, filter PidFilter, logger *slog.Logger) *ownershipMapper {
	return &ownershipMapper{in: in, filter: filter, logger: logger}
}

// cycle discovers the connections of the watched pids and returns the next
// generation of tables with the counters of prev carried forward. prev is
// not modified.
func (m *ownershipMapper) cycle(ctx context.Context, prev *trafficTables) (*trafficTables, error) {
	pids, err := m.filter.Resolve(ctx, m.in)
	if err != nil {
		return nil, err
	}
	discovered, err := DiscoverConnections(ctx, m.in, pids, m.logger)
	if err != nil {
		return nil, err
	}
	return carryForward(prev, discovered), nil
}
