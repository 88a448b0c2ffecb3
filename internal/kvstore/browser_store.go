package kvstore

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/domstorage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// removedMarker stands in for a pending removal in the echo bookkeeping.
const removedMarker = "\x00removed"

type pendingWrite struct {
	value  string
	writer string
}

// BrowserStore is a page origin's localStorage, driven over the Chrome
// DevTools protocol. Changes made by page scripts, by other tabs of the same
// origin and by this store all arrive as DOMStorage events.
type BrowserStore struct {
	opts      Options
	origin    string
	storageID *domstorage.StorageID

	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	mu      sync.Mutex
	known   map[string]string
	pending map[string][]pendingWrite
	closed  bool

	listeners listenerSet
}

// NewBrowserStore attaches to a running browser at debuggerURL, opens a tab on
// origin and enables DOMStorage events for that origin's localStorage.
func NewBrowserStore(ctx context.Context, debuggerURL, origin string, opts Options) (*BrowserStore, error) {
	debuggerURL = strings.TrimSpace(debuggerURL)
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if debuggerURL == "" || origin == "" {
		return nil, ErrInvalidInput
	}
	opts.Encoding = EncodingStrings
	opts = opts.withDefaults("browser:" + origin)

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), debuggerURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &BrowserStore{
		opts:   opts,
		origin: origin,
		storageID: &domstorage.StorageID{
			SecurityOrigin: origin,
			IsLocalStorage: true,
		},
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		known:       map[string]string{},
		pending:     map[string][]pendingWrite{},
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, chromedp.Navigate(origin), domstorage.Enable())
	}()
	select {
	case err := <-errCh:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, err
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, ctx.Err()
	}
	if _, err := s.items(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *BrowserStore) Name() string { return s.opts.Name }

func (s *BrowserStore) Area() string { return s.opts.Area }

func (s *BrowserStore) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	items, err := s.items(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if raw, ok := items[key]; ok {
			out[key] = Decode(raw)
		}
	}
	return out, nil
}

func (s *BrowserStore) Set(ctx context.Context, entries map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	writer := OriginFrom(ctx)
	encoded := make(map[string]string, len(entries))
	for key, value := range entries {
		if value == nil {
			encoded[key] = removedMarker
			continue
		}
		text, err := Encode(value)
		if err != nil {
			return err
		}
		encoded[key] = text
	}
	s.mu.Lock()
	for key, text := range encoded {
		current, ok := s.known[key]
		if (ok && current == text) || (!ok && text == removedMarker) {
			// No event follows a write that leaves the value unchanged.
			continue
		}
		s.pending[key] = append(s.pending[key], pendingWrite{value: text, writer: writer})
	}
	s.mu.Unlock()

	return chromedp.Run(s.tabCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		for key, text := range encoded {
			if text == removedMarker {
				if err := domstorage.RemoveDOMStorageItem(s.storageID, key).Do(runCtx); err != nil {
					return err
				}
				continue
			}
			if err := domstorage.SetDOMStorageItem(s.storageID, key, text).Do(runCtx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BrowserStore) Remove(ctx context.Context, keys ...string) error {
	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		entries[key] = nil
	}
	return s.Set(ctx, entries)
}

func (s *BrowserStore) Subscribe(fn Listener) func() {
	return s.listeners.add(fn)
}

func (s *BrowserStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := chromedp.Cancel(s.tabCtx)
	s.tabCancel()
	s.allocCancel()
	return err
}

func (s *BrowserStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *BrowserStore) items(ctx context.Context) (map[string]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []domstorage.Item
	err := chromedp.Run(s.tabCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		var err error
		entries, err = domstorage.GetDOMStorageItems(s.storageID).Do(runCtx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		out[entry[0]] = entry[1]
	}
	s.mu.Lock()
	s.known = out
	s.mu.Unlock()
	return out, nil
}

// onEvent runs on the CDP event loop and must not block.
func (s *BrowserStore) onEvent(ev any) {
	var change Change
	switch e := ev.(type) {
	case *domstorage.EventDomStorageItemAdded:
		if !s.matches(e.StorageID) {
			return
		}
		change = Change{Key: e.Key, New: Decode(e.NewValue), Origin: s.record(e.Key, e.NewValue)}
	case *domstorage.EventDomStorageItemUpdated:
		if !s.matches(e.StorageID) {
			return
		}
		change = Change{Key: e.Key, Old: Decode(e.OldValue), New: Decode(e.NewValue), Origin: s.record(e.Key, e.NewValue)}
	case *domstorage.EventDomStorageItemRemoved:
		if !s.matches(e.StorageID) {
			return
		}
		old := s.forget(e.Key)
		change = Change{Key: e.Key, Old: old, Origin: s.claim(e.Key, removedMarker)}
	case *domstorage.EventDomStorageItemsCleared:
		if !s.matches(e.StorageID) {
			return
		}
		s.mu.Lock()
		cleared := s.known
		s.known = map[string]string{}
		s.mu.Unlock()
		changes := make(map[string]Change, len(cleared))
		for key, raw := range cleared {
			changes[key] = Change{Key: key, Old: Decode(raw)}
		}
		s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: changes})
		return
	default:
		return
	}
	s.opts.Logger.Debug("localStorage change", zap.String("key", change.Key), zap.String("origin", change.Origin))
	s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: map[string]Change{change.Key: change}})
}

func (s *BrowserStore) matches(id *domstorage.StorageID) bool {
	if id == nil {
		return true
	}
	if !id.IsLocalStorage {
		return false
	}
	if id.SecurityOrigin != "" {
		return strings.TrimRight(id.SecurityOrigin, "/") == s.origin
	}
	if id.StorageKey != "" {
		return strings.TrimRight(string(id.StorageKey), "/") == s.origin
	}
	return true
}

func (s *BrowserStore) record(key, value string) string {
	s.mu.Lock()
	s.known[key] = value
	s.mu.Unlock()
	return s.claim(key, value)
}

func (s *BrowserStore) forget(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.known[key]
	if !ok {
		return nil
	}
	delete(s.known, key)
	return Decode(raw)
}

// claim matches an event against writes this store issued and returns the
// writer of the matching one.
func (s *BrowserStore) claim(key, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pending[key]
	for i, write := range queue {
		if write.value != value {
			continue
		}
		s.pending[key] = append(queue[:i:i], queue[i+1:]...)
		if len(s.pending[key]) == 0 {
			delete(s.pending, key)
		}
		return write.writer
	}
	return ""
}
