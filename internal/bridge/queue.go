package bridge

import (
	"sync"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

type eventKind int

const (
	eventPageChanged eventKind = iota
	eventExtensionChanged
	eventReconcileTick
)

type event struct {
	kind eventKind
	set  kvstore.ChangeSet
}

// eventQueue is an unbounded FIFO. push never blocks, so store listeners can
// feed it from inside a write.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready fires after one or more pushes.
func (q *eventQueue) ready() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
