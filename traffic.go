package pidstat

import (
	"sort"
)

// Counter indexes.
const (
	SentPackets = iota
	SentBytes
	RecvPackets
	RecvBytes
)

// Counters holds cumulative traffic as
// [sent_packets, sent_bytes, received_packets, received_bytes].
type Counters [4]uint64

func (c *Counters) addSent(n int) {
	c[SentPackets]++
	c[SentBytes] += uint64(n)
}

func (c *Counters) addRecv(n int) {
	c[RecvPackets]++
	c[RecvBytes] += uint64(n)
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	for i := range c {
		c[i] += o[i]
	}
	return c
}

// Direction of a packet relative to the owning process.
type Direction uint8

const (
	DirNone Direction = iota
	DirSent
	DirReceived
)

func (d Direction) String() string {
	switch d {
	case DirSent:
		return "sent"
	case DirReceived:
		return "received"
	default:
		return "none"
	}
}

// trafficTables is one generation of the address map and the counters.
// A generation is only touched by the engine goroutine.
type trafficTables struct {
	owners map[ConnKey]int32
	pids   map[int32]Counters
	conns  map[int32]map[ConnKey]Counters
}

func newTrafficTables() *trafficTables {
	return &trafficTables{
		owners: make(map[ConnKey]int32),
		pids:   make(map[int32]Counters),
		conns:  make(map[int32]map[ConnKey]Counters),
	}
}

// carryForward builds the next generation from the discovered connections.
// Pids and (pid, connection) pairs present in prev keep their counters,
// new ones start at zero and missing ones are dropped. When several pids
// hold the same connection, the lowest pid owns it.
func carryForward(prev *trafficTables, discovered PidConnections) *trafficTables {
	next := newTrafficTables()

	pids := make([]int32, 0, len(discovered))
	for pid := range discovered {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		next.pids[pid] = Counters{}
		if prev != nil {
			if c, ok := prev.pids[pid]; ok {
				next.pids[pid] = c
			}
		}

		conns := make(map[ConnKey]Counters, len(discovered[pid]))
		next.conns[pid] = conns
		for key := range discovered[pid] {
			if _, taken := next.owners[key]; taken {
				continue
			}
			next.owners[key] = pid
			conns[key] = Counters{}
			if prev != nil {
				if c, ok := prev.conns[pid][key]; ok {
					conns[key] = c
				}
			}
		}
	}
	return next
}

// attribute matches ev against the address map, trying the sending side
// first, and increments the owner's counters.
func (t *trafficTables) attribute(ev PacketEvent) (int32, ConnKey, Direction) {
	dir := DirSent
	key := ev.SendKey()
	pid, ok := t.owners[key]
	if !ok {
		dir = DirReceived
		key = ev.RecvKey()
		if pid, ok = t.owners[key]; !ok {
			return 0, "", DirNone
		}
	}

	pc := t.pids[pid]
	cc := t.conns[pid][key]
	if dir == DirSent {
		pc.addSent(ev.Length)
		cc.addSent(ev.Length)
	} else {
		pc.addRecv(ev.Length)
		cc.addRecv(ev.Length)
	}
	t.pids[pid] = pc
	t.conns[pid][key] = cc
	return pid, key, dir
}

// snapshot deep copies the counters.
func (t *trafficTables) snapshot() *Snapshot {
	s := &Snapshot{
		Pids:  make(map[int32]Counters, len(t.pids)),
		Conns: make(map[int32]map[ConnKey]Counters, len(t.conns)),
	}
	for pid, c := range t.pids {
		s.Pids[pid] = c
	}
	for pid, conns := range t.conns {
		cp := make(map[ConnKey]Counters, len(conns))
		for key, c := range conns {
			cp[key] = c
		}
		s.Conns[pid] = cp
	}
	return s
}
