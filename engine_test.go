package pidstat

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource replays frames sent on its channel and reports a read timeout
// when none is pending, like a live pcap handle.
type fakeSource struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case <-s.closed:
		return nil, gopacket.CaptureInfo{}, io.EOF
	case data := <-s.frames:
		return data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}, nil
	case <-time.After(10 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, pcap.NextErrorTimeoutExpired
	}
}

func (s *fakeSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *fakeSource) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Device = "fake0"
	opts.Logger = testLogger
	return opts
}

func newTestEngine(t *testing.T, in Introspector, src *fakeSource) *NetTraffic {
	t.Helper()
	n, err := newNetTraffic(testOptions(), in, func(device string, _ Options) (PacketSource, error) {
		assert.Equal(t, "fake0", device)
		return src, nil
	})
	require.NoError(t, err)
	return n
}

func decodeEvent(t *testing.T, frame []byte) PacketEvent {
	t.Helper()
	ev, ok := NewDecoder(layers.LinkTypeEthernet).Decode(frame)
	require.True(t, ok)
	return ev
}

func TestNetTrafficCycles(t *testing.T) {
	in := newFakeIntrospector()
	in.addProcess(100, "client")
	in.addProcess(200, "idle")
	in.own(100, established("10.0.0.1", 5000, "10.0.0.2", 80, 11))

	n := newTestEngine(t, in, newFakeSource())
	n.refresh()

	c, ok := n.PidTraffic(100)
	require.True(t, ok)
	assert.Equal(t, Counters{}, c)
	c, ok = n.PidTraffic(200)
	require.True(t, ok)
	assert.Equal(t, Counters{}, c)

	for _, frame := range [][]byte{
		tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 20),
		tcpFrame(t, "10.0.0.2", 80, "10.0.0.1", 5000, 1380),
		tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 40),
		tcpFrame(t, "9.9.9.9", 1, "9.9.9.9", 2, 80),
	} {
		n.queue.Push(decodeEvent(t, frame))
	}
	n.drain()
	assert.Equal(t, 0, n.queue.Len())

	// readers only see counters once they are flushed
	c, _ = n.PidTraffic(100)
	assert.Equal(t, Counters{}, c)
	assert.True(t, n.dirty)

	n.refresh()
	c, ok = n.PidTraffic(100)
	require.True(t, ok)
	assert.Equal(t, Counters{2, 100, 1, 1400}, c)
	conns, ok := n.PidConnectionTraffic(100)
	require.True(t, ok)
	assert.Equal(t, map[ConnKey]Counters{connA: {2, 100, 1, 1400}}, conns)
	c, _ = n.PidTraffic(200)
	assert.Equal(t, Counters{}, c, "unmatched traffic must not be attributed")

	t.Run("empty_cycle_is_idempotent", func(t *testing.T) {
		n.refresh()
		c, _ := n.PidTraffic(100)
		assert.Equal(t, Counters{2, 100, 1, 1400}, c)
	})

	t.Run("closed_connection_dropped", func(t *testing.T) {
		in.closeConn(connA)
		n.refresh()
		conns, ok := n.PidConnectionTraffic(100)
		require.True(t, ok)
		assert.Empty(t, conns)
		c, _ := n.PidTraffic(100)
		assert.Equal(t, Counters{2, 100, 1, 1400}, c)
	})

	t.Run("exited_pid_dropped", func(t *testing.T) {
		in.removeProcess(100)
		n.refresh()
		_, ok := n.PidTraffic(100)
		assert.False(t, ok)
		assert.Equal(t, []int32{200}, n.Store().Pids())
	})

	t.Run("failed_cycle_keeps_tables", func(t *testing.T) {
		in.tableErr = errors.New("proc unavailable")
		n.refresh()
		assert.Equal(t, []int32{200}, n.Store().Pids())
	})
}

func TestNetTrafficFlush(t *testing.T) {
	in := newFakeIntrospector()
	in.addProcess(100, "client")
	in.own(100, established("10.0.0.1", 5000, "10.0.0.2", 80, 11))

	n := newTestEngine(t, in, newFakeSource())
	n.refresh()

	var published int
	n.Store().Subscribe(func(*Snapshot) { published++ })

	n.queue.Push(decodeEvent(t, tcpFrame(t, "9.9.9.9", 1, "9.9.9.9", 2, 0)))
	n.drain()
	n.flush()
	assert.Zero(t, published, "unmatched traffic does not dirty the tables")

	n.queue.Push(decodeEvent(t, tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 80)))
	n.drain()
	n.flush()
	assert.Equal(t, 1, published)
	c, _ := n.PidTraffic(100)
	assert.Equal(t, Counters{1, 100, 0, 0}, c)

	n.flush()
	assert.Equal(t, 1, published, "clean tables are not republished")
}

// A connection that opens and closes between two refreshes still has its
// final counts published once before the refresh drops it.
func TestNetTrafficShortLivedConnection(t *testing.T) {
	in := newFakeIntrospector()
	in.addProcess(100, "client")
	in.own(100, established("10.0.0.1", 5000, "10.0.0.2", 80, 11))

	n := newTestEngine(t, in, newFakeSource())
	n.refresh()

	var seen []map[ConnKey]Counters
	n.Store().Subscribe(func(snap *Snapshot) {
		seen = append(seen, snap.Conns[100])
	})

	n.queue.Push(decodeEvent(t, tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 980)))
	n.queue.Push(decodeEvent(t, tcpFrame(t, "10.0.0.2", 80, "10.0.0.1", 5000, 1380)))
	n.drain()

	in.closeConn(connA)
	n.refresh()

	require.Len(t, seen, 2, "one flush before the swap, one after")
	assert.Equal(t, map[ConnKey]Counters{connA: {1, 1000, 1, 1400}}, seen[0])
	assert.Empty(t, seen[1])

	conns, ok := n.PidConnectionTraffic(100)
	require.True(t, ok)
	assert.Empty(t, conns)
	c, _ := n.PidTraffic(100)
	assert.Equal(t, Counters{1, 1000, 1, 1400}, c, "pid totals keep the closed connection's traffic")
}

func TestNetTrafficDrainBatch(t *testing.T) {
	in := newFakeIntrospector()
	in.addProcess(100, "client")
	in.own(100, established("10.0.0.1", 5000, "10.0.0.2", 80, 11))

	n := newTestEngine(t, in, newFakeSource())
	n.refresh()

	ev := decodeEvent(t, tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 0))
	for i := 0; i < drainBatch+10; i++ {
		n.queue.Push(ev)
	}
	<-n.queue.Ready()

	n.drain()
	assert.Equal(t, 10, n.queue.Len())
	select {
	case <-n.queue.Ready():
	default:
		t.Fatal("partial drain must re-signal")
	}
	n.drain()
	assert.Equal(t, 0, n.queue.Len())

	n.refresh()
	c, _ := n.PidTraffic(100)
	assert.Equal(t, uint64(drainBatch+10), c[SentPackets])
}

func TestNetTrafficStartStop(t *testing.T) {
	in := newFakeIntrospector()
	in.addProcess(100, "client")
	in.own(100, established("10.0.0.1", 5000, "10.0.0.2", 80, 11))

	src := newFakeSource()
	n := newTestEngine(t, in, src)
	require.NoError(t, n.Start())
	assert.Equal(t, "fake0", n.Device())
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)

	src.frames <- tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 20)
	src.frames <- tcpFrame(t, "10.0.0.2", 80, "10.0.0.1", 5000, 1380)
	src.frames <- tcpFrame(t, "10.0.0.1", 5000, "10.0.0.2", 80, 40)
	src.frames <- []byte{0xde, 0xad}

	require.Eventually(t, func() bool {
		c, _ := n.PidTraffic(100)
		return c == Counters{2, 100, 1, 1400}
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return n.CaptureStats().Frames == 4
	}, time.Second, 10*time.Millisecond)
	st := n.CaptureStats()
	assert.Equal(t, uint64(3), st.Events)
	assert.Equal(t, uint64(1), st.Discarded)

	n.Stop()
	n.Stop()
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)
}

func TestNetTrafficStopBeforeStart(t *testing.T) {
	n := newTestEngine(t, newFakeIntrospector(), newFakeSource())
	n.queue.Push(PacketEvent{})
	n.Stop()
	assert.Equal(t, 0, n.queue.Len())
	assert.Equal(t, CaptureStats{}, n.CaptureStats())
}

func TestNetTrafficOpenFailure(t *testing.T) {
	n, err := newNetTraffic(testOptions(), newFakeIntrospector(), func(string, Options) (PacketSource, error) {
		return nil, errors.New("permission denied")
	})
	require.NoError(t, err)
	require.Error(t, n.Start())
	_, ok := n.PidTraffic(100)
	assert.False(t, ok)
	n.Stop()
}

func TestNewNetTrafficValidates(t *testing.T) {
	opts := testOptions()
	opts.Interval = 0
	_, err := newNetTraffic(opts, newFakeIntrospector(), nil)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	opts = testOptions()
	opts.Pids = []int32{1}
	opts.CmdRegex = "x"
	_, err = newNetTraffic(opts, newFakeIntrospector(), nil)
	assert.ErrorIs(t, err, ErrInvalidPidFilter)
}
