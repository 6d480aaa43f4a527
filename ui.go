package pidstat

import (
	"fmt"

	"github.com/dustin/go-humanize"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/pkg/errors"
)

// TermView renders the report as a full screen table.
type TermView struct {
	cols   Columns
	table  *widgets.Table
	events <-chan ui.Event
}

// NewTermView takes over the terminal.
func NewTermView(cols Columns) (*TermView, error) {
	if err := ui.Init(); err != nil {
		return nil, errors.Wrap(err, "init terminal ui")
	}

	table := widgets.NewTable()
	table.Title = " pidstat "
	table.RowSeparator = false
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowStyles[0] = ui.NewStyle(ui.ColorYellow, ui.ColorClear, ui.ModifierBold)
	table.Rows = [][]string{headerCells(cols)}
	w, h := ui.TerminalDimensions()
	table.SetRect(0, 0, w, h)

	return &TermView{cols: cols, table: table, events: ui.PollEvents()}, nil
}

// Events returns the terminal event stream.
func (v *TermView) Events() <-chan ui.Event {
	return v.events
}

func (v *TermView) Render(rows []ProcessRates) {
	table := make([][]string, 0, len(rows)+1)
	table = append(table, headerCells(v.cols))
	for _, r := range rows {
		table = append(table, rowCells(v.cols, r))
	}
	v.table.Rows = table
	ui.Render(v.table)
}

func (v *TermView) Resize(width, height int) {
	v.table.SetRect(0, 0, width, height)
	ui.Clear()
	ui.Render(v.table)
}

func (v *TermView) Close() {
	ui.Close()
}

func headerCells(cols Columns) []string {
	cells := []string{"PID", "User"}
	if cols.CPU {
		cells = append(cells, "%usr", "%system", "%guest", "%wait", "%CPU", "CPU_ID")
	}
	if cols.Memory {
		cells = append(cells, "minflt/s", "majflt/s", "VSZ", "RSS", "VmPeak(KB)", "%MEM")
	}
	if cols.Disk {
		cells = append(cells, "kB_rd/s", "kB_wr/s", "kB_cwr/s", "iodelay")
	}
	if cols.Switch {
		cells = append(cells, "cswch/s", "nvcswch/s")
	}
	if cols.Network {
		cells = append(cells, "s_cnt/s", "s_byte/s", "r_cnt/s", "r_byte/s")
	}
	return append(cells, "Command")
}

func rowCells(cols Columns, r ProcessRates) []string {
	f1 := func(v float64) string { return fmt.Sprintf("%.1f", v) }
	f2 := func(v float64) string { return fmt.Sprintf("%.2f", v) }

	cells := []string{fmt.Sprint(r.Pid), r.User}
	if cols.CPU {
		cells = append(cells, f2(r.UsrPct), f2(r.SysPct), f2(r.GuestPct), f2(r.WaitPct), f2(r.CPUPct), fmt.Sprint(r.CPUID))
	}
	if cols.Memory {
		cells = append(cells, f1(r.MinFltPerSec), f1(r.MajFltPerSec), humanize.IBytes(r.VSZ), humanize.IBytes(r.RSS),
			fmt.Sprint(r.VmPeakKB), f2(r.MemPct))
	}
	if cols.Disk {
		cells = append(cells, f1(r.ReadKBPerSec), f1(r.WriteKBPerSec), f1(r.CancelledWriteKBPerSec), fmt.Sprint(r.IODelay))
	}
	if cols.Switch {
		cells = append(cells, f1(r.CswchPerSec), f1(r.NvcswchPerSec))
	}
	if cols.Network {
		if r.Net == nil {
			cells = append(cells, "-", "-", "-", "-")
		} else {
			cells = append(cells, fmt.Sprintf("%.0f", r.Net.SentPackets), humanize.IBytes(uint64(r.Net.SentBytes))+"/s",
				fmt.Sprintf("%.0f", r.Net.RecvPackets), humanize.IBytes(uint64(r.Net.RecvBytes))+"/s")
		}
	}
	command := r.Name
	if cols.Long && r.Cmdline != "" {
		command = r.Cmdline
	}
	return append(cells, command)
}
