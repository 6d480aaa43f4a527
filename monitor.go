package pidstat

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/gizak/termui/v3"
)

// MonitorOptions configures the reporting loop on top of the engine Options.
type MonitorOptions struct {
	Options

	Columns Columns

	// ReportInterval is the time between two reports in seconds
	ReportInterval int

	// Count is the number of reports before Start returns, 0 means forever
	Count int

	// UI renders a full screen table instead of printing rows
	UI bool

	// ResolveDNS resolves peer addresses in connection rows
	ResolveDNS bool
}

func DefaultMonitorOptions() MonitorOptions {
	return MonitorOptions{
		Options:        DefaultOptions(),
		Columns:        Columns{CPU: true},
		ReportInterval: 2,
	}
}

func (o MonitorOptions) Validate() error {
	if o.ReportInterval <= 0 {
		return ErrInvalidInterval
	}
	return o.Options.Validate()
}

// Monitor samples the watched processes on every report interval and renders
// their rates, including network traffic when the Network column is on.
type Monitor struct {
	Opts        MonitorOptions
	Procs       Introspector
	Sample      func(ctx context.Context, pid int32) (*ProcessSample, error)
	Filter      PidFilter
	Traffic     *NetTraffic
	DnsResolver *DNSResolver
	Renderer    Renderer

	view     *TermView
	logger   *slog.Logger
	memTotal uint64
	prev     map[int32]*ProcessSample
}

// NewMonitor builds the monitor and starts the traffic engine when network
// columns are requested. Text output goes to w.
func NewMonitor(ctx context.Context, opts MonitorOptions, w io.Writer) (*Monitor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	filter, err := NewPidFilter(opts.Options)
	if err != nil {
		return nil, err
	}
	memTotal, err := TotalMemory(ctx)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		Opts:     opts,
		Procs:    NewProcFS(opts.logger()),
		Sample:   SampleProcess,
		Filter:   filter,
		logger:   opts.logger(),
		memTotal: memTotal,
		prev:     make(map[int32]*ProcessSample),
	}

	if opts.Columns.Network {
		traffic, err := NewNetTraffic(opts.Options)
		if err != nil {
			return nil, err
		}
		if err := traffic.Start(); err != nil {
			return nil, err
		}
		m.Traffic = traffic
	}

	var lookup func(string) string
	if opts.ResolveDNS && opts.Columns.Connections {
		m.DnsResolver = NewDNSResolver()
		lookup = m.DnsResolver.Lookup
	}

	if opts.UI {
		view, err := NewTermView(opts.Columns)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.view = view
		m.Renderer = view
	} else {
		m.Renderer = NewTextPrinter(w, opts.Columns, lookup)
	}
	return m, nil
}

// Start runs the report loop until ctx is done, the user quits the terminal
// view or Count reports were rendered.
func (m *Monitor) Start(ctx context.Context) {
	var events <-chan termui.Event
	if m.view != nil {
		events = m.view.Events()
	}

	m.Refresh(ctx)
	var paused bool
	var reports int

	ticker := time.NewTicker(time.Duration(m.Opts.ReportInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e := <-events:
			switch e.ID {
			case "<Space>":
				paused = !paused
			case "<Resize>":
				payload := e.Payload.(termui.Resize)
				m.view.Resize(payload.Width, payload.Height)
			case "q", "Q", "<C-c>":
				return
			}

		case <-ticker.C:
			if paused {
				continue
			}
			m.Refresh(ctx)
			reports++
			if m.Opts.Count > 0 && reports >= m.Opts.Count {
				return
			}
		}
	}
}

// Refresh samples every watched process and renders the rates of those
// sampled on the previous refresh too.
func (m *Monitor) Refresh(ctx context.Context) {
	pids, err := m.Filter.Resolve(ctx, m.Procs)
	if err != nil {
		m.logger.Warn("resolve processes failed", "err", err)
		return
	}

	curr := make(map[int32]*ProcessSample, len(pids))
	for _, pid := range pids {
		sample, err := m.Sample(ctx, pid)
		if err != nil {
			m.logger.Debug("skip process", "pid", pid, "err", err)
			continue
		}
		if m.Traffic != nil {
			sample.AttachTraffic(m.Traffic.Store())
		}
		curr[pid] = sample
	}

	rows := make([]ProcessRates, 0, len(curr))
	for pid, sample := range curr {
		if prev, ok := m.prev[pid]; ok {
			rows = append(rows, ComputeRates(prev, sample, m.memTotal))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pid < rows[j].Pid })
	m.prev = curr

	if len(rows) > 0 || m.view != nil {
		m.Renderer.Render(rows)
	}
}

func (m *Monitor) Close() {
	if m.Renderer != nil {
		m.Renderer.Close()
	}
	if m.DnsResolver != nil {
		m.DnsResolver.Close()
	}
	if m.Traffic != nil {
		m.Traffic.Stop()
	}
}
