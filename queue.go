package pidstat

import (
	"sync"

	"github.com/gammazero/deque"
)

// EventQueue is the unbounded FIFO between the capture goroutine and the
// engine loop. Push never blocks on the consumer: when the engine falls
// behind the queue grows instead of frames being dropped.
type EventQueue struct {
	mu    sync.Mutex
	items deque.Deque[PacketEvent]
	ready chan struct{}
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

// Push appends ev and wakes a waiting consumer.
func (q *EventQueue) Push(ev PacketEvent) {
	q.mu.Lock()
	q.items.PushBack(ev)
	q.mu.Unlock()
	q.signal()
}

func (q *EventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest event. The second result is false when the
// queue is empty.
func (q *EventQueue) TryPop() (PacketEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return PacketEvent{}, false
	}
	return q.items.PopFront(), true
}

// Ready is signalled after a Push. One signal may cover many events.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Clear discards every queued event.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	q.items.Clear()
	q.mu.Unlock()
}
