package kvstore

import (
	"sort"
	"sync"
)

type listenerSet struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]Listener
}

func (l *listenerSet) add(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = map[int]Listener{}
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listenerSet) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// emit calls every listener outside the lock, in subscription order.
func (l *listenerSet) emit(set ChangeSet) {
	if len(set.Changes) == 0 {
		return
	}
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(set)
	}
}

// storedItem is one key as a backend physically holds it, plus the origin of
// the write that put it there.
type storedItem struct {
	Raw    any
	Writer string
}

// diffSnapshots builds the change set between two physical snapshots.
func diffSnapshots(c codec, before, after map[string]storedItem) map[string]Change {
	changes := map[string]Change{}
	for key, next := range after {
		prev, ok := before[key]
		if ok && sameRaw(prev.Raw, next.Raw) {
			continue
		}
		change := Change{Key: key, New: c.load(next.Raw), Origin: next.Writer}
		if ok {
			change.Old = c.load(prev.Raw)
		}
		changes[key] = change
	}
	for key, prev := range before {
		if _, ok := after[key]; ok {
			continue
		}
		changes[key] = Change{Key: key, Old: c.load(prev.Raw)}
	}
	return changes
}
