package pidstat

import (
	"sort"
	"sync"
)

// Snapshot is an immutable copy of the counters at the end of a mapper cycle.
type Snapshot struct {
	Pids  map[int32]Counters
	Conns map[int32]map[ConnKey]Counters
}

// Store is the read surface for the reporting layer. It only ever hands out
// copies, never the tables the engine mutates.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot

	subMu sync.Mutex
	subs  []func(*Snapshot)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{snap: &Snapshot{}}
}

// Publish replaces the current snapshot and hands it to every subscriber.
// snap must not be modified afterwards.
func (s *Store) Publish(snap *Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// Subscribe registers fn to receive every published snapshot, including the
// last one of a generation before a refresh drops vanished entries. fn runs
// on the publishing goroutine and must not block or modify the snapshot.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs[:len(s.subs):len(s.subs)], fn)
}

func (s *Store) current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// PidTraffic returns the counters of pid, or false if it is not tracked.
func (s *Store) PidTraffic(pid int32) (Counters, bool) {
	c, ok := s.current().Pids[pid]
	return c, ok
}

// PidConnectionTraffic returns a copy of the per-connection counters of pid,
// or false if it is not tracked.
func (s *Store) PidConnectionTraffic(pid int32) (map[ConnKey]Counters, bool) {
	conns, ok := s.current().Conns[pid]
	if !ok {
		return nil, false
	}
	result := make(map[ConnKey]Counters, len(conns))
	for key, c := range conns {
		result[key] = c
	}
	return result, true
}

// Pids returns the tracked pids in ascending order.
func (s *Store) Pids() []int32 {
	snap := s.current()
	pids := make([]int32, 0, len(snap.Pids))
	for pid := range snap.Pids {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
