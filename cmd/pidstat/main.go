package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeffreynn/pidstat"
)

type cliFlags struct {
	pids        string
	verbose     bool
	metricsAddr string
	connSource  string
}

func newRootCmd() *cobra.Command {
	opts := pidstat.DefaultMonitorOptions()
	opts.Columns = pidstat.Columns{}
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "pidstat [interval] [count]",
		Short: "Report per-process CPU, memory, I/O, context switch and TCP traffic statistics",
		Example: `  # cpu and network every 2 seconds for nginx processes
  pidstat -u -n --comm-regex '.*nginx' 2

  # per-connection traffic of two pids on eth0, 5 reports
  pidstat -c -p 1234,5678 --dev eth0 1 5`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyArgs(&opts, f, args); err != nil {
				return err
			}

			level := slog.LevelInfo
			if f.verbose {
				level = slog.LevelDebug
			}
			opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return run(cmd.Context(), opts, f)
		},
	}

	fs := cmd.Flags()
	fs.BoolVarP(&opts.Columns.CPU, "cpu", "u", false, "report CPU utilization")
	fs.BoolVarP(&opts.Columns.Memory, "memory", "r", false, "report page faults and memory utilization")
	fs.BoolVarP(&opts.Columns.Disk, "disk", "d", false, "report I/O statistics")
	fs.BoolVarP(&opts.Columns.Switch, "switch", "w", false, "report context switches")
	fs.BoolVarP(&opts.Columns.Network, "network", "n", false, "report TCP traffic captured on the device")
	fs.BoolVarP(&opts.Columns.Connections, "connections", "c", false, "report TCP traffic per connection (implies -n)")
	fs.BoolVarP(&opts.Columns.Long, "long", "l", false, "display the full command line")
	fs.StringVarP(&f.pids, "pids", "p", "", "comma separated list of pids to watch")
	fs.StringVar(&opts.CmdRegex, "comm-regex", "", "watch processes whose command line starts with a match")
	fs.BoolVar(&opts.IgnoreSelf, "ignore", false, "do not report pidstat itself")
	fs.StringVar(&opts.Device, "dev", "", "capture device, the first non-loopback interface when empty")
	fs.StringVarP(&opts.BPFFilter, "filter", "f", "", "BPF filter applied to the capture, eg. \"tcp and port 80\"")
	fs.IntVar(&opts.Interval, "refresh", opts.Interval, "connection table refresh interval in seconds")
	fs.StringVar(&f.connSource, "conn-source", string(opts.ConnSource), "connection table backend: proc or netlink")
	fs.BoolVar(&opts.Promiscuous, "promisc", false, "put the capture device in promiscuous mode")
	fs.BoolVar(&opts.UI, "ui", false, "full screen table view")
	fs.BoolVar(&opts.ResolveDNS, "resolve", false, "resolve peer addresses in connection rows")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus traffic counters on this address, eg. :9123")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newDevicesCmd())
	return cmd
}

// applyArgs folds the positional arguments and the string flags into opts.
func applyArgs(opts *pidstat.MonitorOptions, f cliFlags, args []string) error {
	if len(args) > 0 {
		itv, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Errorf("invalid interval %q", args[0])
		}
		opts.ReportInterval = itv
	}
	if len(args) > 1 {
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Errorf("invalid count %q", args[1])
		}
		opts.Count = count
	}

	pids, err := parsePids(f.pids)
	if err != nil {
		return err
	}
	opts.Pids = pids
	opts.ConnSource = pidstat.ConnSource(f.connSource)

	if opts.Columns.Connections {
		opts.Columns.Network = true
	}
	c := opts.Columns
	if !c.CPU && !c.Memory && !c.Disk && !c.Switch && !c.Network {
		opts.Columns.CPU = true
	}
	return opts.Validate()
}

func parsePids(s string) ([]int32, error) {
	var pids []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pid, err := strconv.ParseInt(field, 10, 32)
		if err != nil || pid <= 0 {
			return nil, errors.Errorf("invalid pid %q", field)
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}

func run(ctx context.Context, opts pidstat.MonitorOptions, f cliFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	m, err := pidstat.NewMonitor(ctx, opts, os.Stdout)
	if err != nil {
		return err
	}
	defer m.Close()

	if f.metricsAddr != "" && m.Traffic != nil {
		srv := serveMetrics(f.metricsAddr, m.Traffic.Store(), opts.Logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	m.Start(ctx)
	return nil
}

func serveMetrics(addr string, store *pidstat.Store, logger *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(pidstat.NewTrafficCollector(store))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	return srv
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List network interfaces usable for capture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := pidstat.Interfaces()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, iface := range ifaces {
				state := "down"
				if iface.Up {
					state = "up"
				}
				fmt.Fprintf(out, "%-16s %-5s %-18s %s\n", iface.Name, state, iface.HardwareAddr, strings.Join(iface.Addrs, ","))
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pidstat:", err)
		os.Exit(1)
	}
}
