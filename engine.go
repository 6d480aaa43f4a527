package pidstat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// drainBatch bounds how many events are attributed before the engine loop
// gives the refresh ticker a turn.
const drainBatch = 4096

// flushInterval is how often counters attributed since the last publish are
// made visible between refresh cycles.
const flushInterval = 200 * time.Millisecond

type sourceOpener func(device string, opts Options) (PacketSource, error)

func openPcapSource(device string, opts Options) (PacketSource, error) {
	return OpenPcap(device, opts)
}

const (
	stateIdle = iota
	stateRunning
	stateStopped
)

// NetTraffic attributes captured TCP traffic to the processes that own the
// connections.
//
// Two goroutines run per instance: the capture loop, which only touches the
// event queue, and the engine loop, which owns the address map and the
// counter tables. The engine loop interleaves refresh cycles and queue
// drains, so a table swap never happens in the middle of an attribution.
// Readers see the tables through the Store. It is republished on every
// flush tick with pending counts, right before a refresh drops vanished
// entries, and right after the new generation is swapped in.
type NetTraffic struct {
	opts   Options
	logger *slog.Logger
	open   sourceOpener

	mapper   *ownershipMapper
	queue    *EventQueue
	store    *Store
	capturer *Capturer
	device   string

	// engine goroutine only
	tables *trafficTables
	dirty  bool

	mu       sync.Mutex
	state    int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNetTraffic creates an engine for opts. Nothing is opened until Start.
func NewNetTraffic(opts Options) (*NetTraffic, error) {
	var in Introspector = NewProcFS(opts.logger())
	if opts.ConnSource == ConnSourceNetlink {
		in = NewNetlinkIntrospector(opts.logger())
	}
	return newNetTraffic(opts, in, openPcapSource)
}

func newNetTraffic(opts Options, in Introspector, open sourceOpener) (*NetTraffic, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	filter, err := NewPidFilter(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &NetTraffic{
		opts:   opts,
		logger: logger,
		open:   open,
		mapper: newOwnershipMapper(in, filter, logger),
		queue:  NewEventQueue(),
		store:  NewStore(),
		tables: newTrafficTables(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens the capture handle, runs the first refresh cycle and starts
// the capture and engine goroutines. A capture open failure is returned
// and leaves nothing running.
func (n *NetTraffic) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != stateIdle {
		return ErrAlreadyStarted
	}

	device := n.opts.Device
	if device == "" {
		var err error
		if device, err = DefaultDevice(); err != nil {
			return err
		}
	}

	src, err := n.open(device, n.opts)
	if err != nil {
		return err
	}
	n.device = device
	n.capturer = NewCapturer(src, n.queue, n.logger)

	// Initial refresh
	n.refresh()

	n.state = stateRunning
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.capturer.Run()
	}()
	go func() {
		defer n.wg.Done()
		n.loop()
	}()

	n.logger.Info("traffic capture started", "device", device, "filter", n.opts.BPFFilter, "interval", n.opts.RefreshInterval())
	return nil
}

// Stop shuts both goroutines down and discards queued events. It is safe to
// call more than once and before Start.
func (n *NetTraffic) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		running := n.state == stateRunning
		n.state = stateStopped
		c := n.capturer
		n.mu.Unlock()

		if c != nil {
			c.Stop()
		}
		n.cancel()
		if running {
			n.wg.Wait()
			st := c.Stats()
			n.logger.Info("traffic capture stopped", "frames", st.Frames, "events", st.Events, "discarded", st.Discarded, "pending", n.queue.Len())
		}
		n.queue.Clear()
	})
}

func (n *NetTraffic) loop() {
	ticker := time.NewTicker(n.opts.RefreshInterval())
	defer ticker.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refresh()
		case <-flush.C:
			n.flush()
		case <-n.queue.Ready():
			n.drain()
		}
	}
}

// flush publishes the current generation if anything was attributed since
// the last publish.
func (n *NetTraffic) flush() {
	if !n.dirty {
		return
	}
	n.store.Publish(n.tables.snapshot())
	n.dirty = false
}

// refresh runs one mapper cycle, swaps in the new generation and publishes
// it. The outgoing generation is flushed first, so the final counts of
// connections that vanish in this cycle are published at least once. On
// failure the current generation stays in place.
func (n *NetTraffic) refresh() {
	n.flush()
	tables, err := n.mapper.cycle(n.ctx, n.tables)
	if err != nil {
		if n.ctx.Err() == nil {
			n.logger.Warn("refresh connections failed", "err", err)
		}
		return
	}
	n.tables = tables
	n.store.Publish(tables.snapshot())
}

// drain attributes up to drainBatch queued events.
func (n *NetTraffic) drain() {
	for i := 0; i < drainBatch; i++ {
		ev, ok := n.queue.TryPop()
		if !ok {
			return
		}
		if _, _, dir := n.tables.attribute(ev); dir != DirNone {
			n.dirty = true
		}
	}
	if n.queue.Len() > 0 {
		n.queue.signal()
	}
}

// Device returns the device being captured, resolved at Start.
func (n *NetTraffic) Device() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.device
}

// Store returns the snapshot store read by the reporting layer.
func (n *NetTraffic) Store() *Store {
	return n.store
}

// PidTraffic returns the cumulative counters of pid as of the last refresh.
func (n *NetTraffic) PidTraffic(pid int32) (Counters, bool) {
	return n.store.PidTraffic(pid)
}

// PidConnectionTraffic returns the per-connection counters of pid as of the
// last refresh.
func (n *NetTraffic) PidConnectionTraffic(pid int32) (map[ConnKey]Counters, bool) {
	return n.store.PidConnectionTraffic(pid)
}

// CaptureStats returns the capture loop counters.
func (n *NetTraffic) CaptureStats() CaptureStats {
	n.mu.Lock()
	c := n.capturer
	n.mu.Unlock()
	if c == nil {
		return CaptureStats{}
	}
	return c.Stats()
}
