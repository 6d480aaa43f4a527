package pidstat

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// PacketSource is a live capture handle. *pcap.Handle satisfies it.
type PacketSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// OpenPcap opens a live capture handle on device and installs the BPF
// filter before any frame is read.
func OpenPcap(device string, opts Options) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(device, opts.SnapLen, opts.Promiscuous, opts.ReadTimeout)
	if err != nil {
		if unix.Geteuid() != 0 {
			return nil, errors.Wrapf(err, "open capture on %s (capturing usually requires root or CAP_NET_RAW)", device)
		}
		return nil, errors.Wrapf(err, "open capture on %s", device)
	}
	if opts.BPFFilter != "" {
		if err := handle.SetBPFFilter(opts.BPFFilter); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, "set bpf filter %q", opts.BPFFilter)
		}
	}
	return handle, nil
}

// CaptureStats counts what the capture loop has seen.
type CaptureStats struct {
	Frames    uint64
	Events    uint64
	Discarded uint64
}

// Capturer reads frames from a PacketSource on its own goroutine and pushes
// one PacketEvent per IPv4/TCP frame onto the queue.
type Capturer struct {
	src     PacketSource
	decoder *Decoder
	queue   *EventQueue
	logger  *slog.Logger

	stopped   atomic.Bool
	closeOnce sync.Once

	frames    atomic.Uint64
	events    atomic.Uint64
	discarded atomic.Uint64
}

// NewCapturer creates a capturer feeding queue from src.
func NewCapturer(src PacketSource, queue *EventQueue, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		src:     src,
		decoder: NewDecoder(src.LinkType()),
		queue:   queue,
		logger:  logger,
	}
}

// Run blocks reading frames until Stop is called or the source is exhausted.
// The stop flag is checked after every read, so shutdown latency is bounded
// by the source read timeout.
func (c *Capturer) Run() {
	for !c.stopped.Load() {
		data, ci, err := c.src.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			if err != io.EOF && !c.stopped.Load() {
				c.logger.Warn("capture read failed", "err", err)
			}
			return
		}

		c.frames.Inc()
		ev, ok := c.decoder.Decode(data)
		if !ok {
			c.discarded.Inc()
			continue
		}
		ev.Time = ci.Timestamp
		c.queue.Push(ev)
		c.events.Inc()
	}
}

// Stop sets the stop flag and closes the source to unblock a pending read.
// It is safe to call more than once.
func (c *Capturer) Stop() {
	c.stopped.Store(true)
	c.closeOnce.Do(c.src.Close)
}

func (c *Capturer) Stats() CaptureStats {
	return CaptureStats{
		Frames:    c.frames.Load(),
		Events:    c.events.Load(),
		Discarded: c.discarded.Load(),
	}
}
