package pidstat

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Columns selects the report column groups.
type Columns struct {
	CPU     bool
	Memory  bool
	Disk    bool
	Switch  bool
	Network bool
	// Long prints the full command line instead of the process name.
	Long bool
	// Connections adds one line per tracked connection under each process.
	Connections bool
}

// Renderer displays one report.
type Renderer interface {
	Render(rows []ProcessRates)
	Close()
}

// TextPrinter writes pidstat style rows to a writer.
type TextPrinter struct {
	w       io.Writer
	cols    Columns
	lookup  func(ip string) string
	printed bool
}

// NewTextPrinter creates a printer. lookup maps peer IPs to names and may
// be nil.
func NewTextPrinter(w io.Writer, cols Columns, lookup func(string) string) *TextPrinter {
	return &TextPrinter{w: w, cols: cols, lookup: lookup}
}

func (p *TextPrinter) Header() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %7s %-10s", "Time", "PID", "User")
	if p.cols.CPU {
		fmt.Fprintf(&b, " %7s %7s %7s %7s %7s %6s", "%usr", "%system", "%guest", "%wait", "%CPU", "CPU_ID")
	}
	if p.cols.Memory {
		fmt.Fprintf(&b, " %9s %9s %10s %10s %10s %6s", "minflt/s", "majflt/s", "VSZ", "RSS", "VmPeak(KB)", "%MEM")
	}
	if p.cols.Disk {
		fmt.Fprintf(&b, " %9s %9s %9s %7s", "kB_rd/s", "kB_wr/s", "kB_cwr/s", "iodelay")
	}
	if p.cols.Switch {
		fmt.Fprintf(&b, " %9s %9s", "cswch/s", "nvcswch/s")
	}
	if p.cols.Network {
		fmt.Fprintf(&b, " %8s %10s %8s %10s", "s_cnt/s", "s_byte/s", "r_cnt/s", "r_byte/s")
	}
	b.WriteString("  Command")
	return b.String()
}

func (p *TextPrinter) Row(r ProcessRates) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %7d %-10s", r.Time.Format("2006-01-02 15:04:05"), r.Pid, truncate(r.User, 10))
	if p.cols.CPU {
		fmt.Fprintf(&b, " %7.2f %7.2f %7.2f %7.2f %7.2f %6d", r.UsrPct, r.SysPct, r.GuestPct, r.WaitPct, r.CPUPct, r.CPUID)
	}
	if p.cols.Memory {
		fmt.Fprintf(&b, " %9.1f %9.1f %10s %10s %10d %6.2f", r.MinFltPerSec, r.MajFltPerSec,
			humanize.IBytes(r.VSZ), humanize.IBytes(r.RSS), r.VmPeakKB, r.MemPct)
	}
	if p.cols.Disk {
		fmt.Fprintf(&b, " %9.1f %9.1f %9.1f %7d", r.ReadKBPerSec, r.WriteKBPerSec, r.CancelledWriteKBPerSec, r.IODelay)
	}
	if p.cols.Switch {
		fmt.Fprintf(&b, " %9.1f %9.1f", r.CswchPerSec, r.NvcswchPerSec)
	}
	if p.cols.Network {
		b.WriteString(formatTraffic(r.Net))
	}
	b.WriteString("  ")
	if p.cols.Long && r.Cmdline != "" {
		b.WriteString(r.Cmdline)
	} else {
		b.WriteString(r.Name)
	}
	return b.String()
}

func formatTraffic(t *TrafficRates) string {
	if t == nil {
		return fmt.Sprintf(" %8s %10s %8s %10s", "-", "-", "-", "-")
	}
	return fmt.Sprintf(" %8.0f %10s %8.0f %10s", t.SentPackets, humanize.IBytes(uint64(t.SentBytes)),
		t.RecvPackets, humanize.IBytes(uint64(t.RecvBytes)))
}

// ConnectionRows formats the per-connection rates of r, busiest first.
func (p *TextPrinter) ConnectionRows(r ProcessRates) []string {
	keys := make([]ConnKey, 0, len(r.Conns))
	for key := range r.Conns {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := r.Conns[keys[i]], r.Conns[keys[j]]
		if ta, tb := a.SentBytes+a.RecvBytes, b.SentBytes+b.RecvBytes; ta != tb {
			return ta > tb
		}
		return keys[i] < keys[j]
	})

	rows := make([]string, 0, len(keys))
	for _, key := range keys {
		rate := r.Conns[key]
		local, remote := key.Split()
		rows = append(rows, fmt.Sprintf("%38s%s  %s -> %s", "", formatTraffic(&rate), local, p.peerName(remote)))
	}
	return rows
}

func (p *TextPrinter) peerName(hostport string) string {
	if p.lookup == nil {
		return hostport
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return net.JoinHostPort(p.lookup(host), port)
}

func (p *TextPrinter) Render(rows []ProcessRates) {
	if !p.printed {
		fmt.Fprintln(p.w, p.Header())
		p.printed = true
	}
	for _, r := range rows {
		fmt.Fprintln(p.w, p.Row(r))
		if p.cols.Connections {
			for _, line := range p.ConnectionRows(r) {
				fmt.Fprintln(p.w, line)
			}
		}
	}
}

func (p *TextPrinter) Close() {}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
