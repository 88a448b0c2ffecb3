package bridge

import "sync"

// Notifier broadcasts a payload-free "values changed" signal to every
// subscriber. A subscriber that has not drained its previous signal gets the
// new one folded into it; Broadcast never blocks.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[int]chan struct{}{}}
}

// Subscribe returns a channel that receives a value after every broadcast
// and a cancel func that closes it.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs == nil {
		n.subs = map[int]chan struct{}{}
	}
	n.nextID++
	id := n.nextID
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *Notifier) subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
