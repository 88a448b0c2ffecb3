package kvstore

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory. Every write notifies
// subscribers synchronously once the write has been applied.
type MemoryStore struct {
	opts  Options
	codec codec

	mu     sync.Mutex
	items  map[string]storedItem
	closed bool

	listeners listenerSet
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults("memory")
	return &MemoryStore{
		opts:  opts,
		codec: codec{encoding: opts.Encoding},
		items: map[string]storedItem{},
	}
}

func (s *MemoryStore) Name() string { return s.opts.Name }

func (s *MemoryStore) Area() string { return s.opts.Area }

func (s *MemoryStore) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		item, ok := s.items[key]
		if !ok {
			continue
		}
		out[key] = s.codec.load(item.Raw)
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, entries map[string]any) error {
	writer := OriginFrom(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	before := make(map[string]storedItem, len(entries))
	after := make(map[string]storedItem, len(entries))
	for key, value := range entries {
		if prev, ok := s.items[key]; ok {
			before[key] = prev
		}
		if value == nil {
			continue
		}
		raw, err := s.codec.store(value)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		after[key] = storedItem{Raw: raw, Writer: writer}
	}
	for key := range entries {
		if next, ok := after[key]; ok {
			s.items[key] = next
		} else {
			delete(s.items, key)
		}
	}
	s.mu.Unlock()

	s.emit(diffSnapshots(s.codec, before, after), writer)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		entries[key] = nil
	}
	return s.Set(ctx, entries)
}

func (s *MemoryStore) Subscribe(fn Listener) func() {
	return s.listeners.add(fn)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) emit(changes map[string]Change, writer string) {
	for key, change := range changes {
		change.Origin = writer
		changes[key] = change
	}
	s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: changes})
}
