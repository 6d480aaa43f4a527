package pidstat

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidInterval is returned when the refresh interval is not positive.
	ErrInvalidInterval = errors.New("pidstat: interval must be greater than zero")

	// ErrInvalidPidFilter is returned when both an explicit pid list and a
	// command-line regex are configured.
	ErrInvalidPidFilter = errors.New("pidstat: pids and command regex are mutually exclusive")

	// ErrNoDevice is returned when no capture device is configured and none
	// could be picked from the host interfaces.
	ErrNoDevice = errors.New("pidstat: no usable network device")

	// ErrAlreadyStarted is returned by Start on an engine that was started before.
	ErrAlreadyStarted = errors.New("pidstat: already started")

	// ErrUnsupported is returned by OS introspection on platforms without /proc.
	ErrUnsupported = errors.New("pidstat: unsupported platform")
)

// ConnSource selects where the system-wide TCP connection table is read from.
type ConnSource string

const (
	ConnSourceProc    ConnSource = "proc"
	ConnSourceNetlink ConnSource = "netlink"
)

func (s ConnSource) Validate() error {
	switch s {
	case ConnSourceProc, ConnSourceNetlink:
		return nil
	}
	return errors.Errorf("pidstat: unknown connection source %q", string(s))
}

// Options is the options set for the traffic engine and the monitor.
type Options struct {
	// Device is the network device to capture on, eg. "eth0".
	// Empty means the first non-loopback interface that is up.
	Device string

	// BPFFilter is the string pcap filter with the BPF syntax
	// eg. "tcp and port 80"
	BPFFilter string

	// Interval is the refresh interval in seconds
	Interval int

	// Pids is the explicit set of processes to watch
	Pids []int32

	// CmdRegex selects processes whose command line starts with a match
	CmdRegex string

	// IgnoreSelf drops the monitoring process from the watched set
	IgnoreSelf bool

	// ConnSource is the connection table backend, optional: proc, netlink
	ConnSource ConnSource

	// SnapLen is the number of bytes captured per frame
	SnapLen int32

	// Promiscuous puts the device into promiscuous mode
	Promiscuous bool

	// ReadTimeout bounds every blocking read on the capture handle
	ReadTimeout time.Duration

	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Interval:    1,
		ConnSource:  ConnSourceProc,
		SnapLen:     128,
		ReadTimeout: 50 * time.Millisecond,
	}
}

func (o Options) Validate() error {
	if o.Interval <= 0 {
		return ErrInvalidInterval
	}
	if len(o.Pids) > 0 && o.CmdRegex != "" {
		return ErrInvalidPidFilter
	}
	if o.CmdRegex != "" {
		if _, err := compileCmdRegex(o.CmdRegex); err != nil {
			return err
		}
	}
	if o.ConnSource != "" {
		if err := o.ConnSource.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RefreshInterval returns Interval as a duration.
func (o Options) RefreshInterval() time.Duration {
	return time.Duration(o.Interval) * time.Second
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// compileCmdRegex anchors expr at the start of the command line.
func compileCmdRegex(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + expr + ")")
	if err != nil {
		return nil, errors.Wrapf(err, "compile command regex %q", expr)
	}
	return re, nil
}
