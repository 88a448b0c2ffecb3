package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type fileDocument struct {
	Items map[string]fileItem `json:"items"`
}

type fileItem struct {
	Value  any    `json:"value"`
	Writer string `json:"writer,omitempty"`
}

// FileStore persists every key in one JSON document. Writes from other
// processes are picked up through an fsnotify watch on the parent directory
// and reported as changes by diffing against the last seen snapshot.
type FileStore struct {
	opts  Options
	codec codec
	path  string

	mu       sync.Mutex
	snapshot map[string]storedItem
	closed   bool

	listeners listenerSet
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	done      chan struct{}
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults("file:" + filepath.Base(path))
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		opts:  opts,
		codec: codec{encoding: opts.Encoding},
		path:  abs,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	snapshot, err := s.read()
	if err != nil {
		return nil, err
	}
	s.snapshot = snapshot

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileStore) Name() string { return s.opts.Name }

func (s *FileStore) Area() string { return s.opts.Area }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return nil, err
	}
	snapshot, err := s.read()
	unlock()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if item, ok := snapshot[key]; ok {
			out[key] = s.codec.load(item.Raw)
		}
	}
	return out, nil
}

func (s *FileStore) Set(ctx context.Context, entries map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	writer := OriginFrom(ctx)
	staged := make(map[string]any, len(entries))
	for key, value := range entries {
		if value == nil {
			staged[key] = nil
			continue
		}
		raw, err := s.codec.store(value)
		if err != nil {
			return err
		}
		staged[key] = raw
	}

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	current, err := s.read()
	if err != nil {
		unlock()
		return err
	}
	next := make(map[string]storedItem, len(current)+len(staged))
	for key, item := range current {
		next[key] = item
	}
	for key, raw := range staged {
		if raw == nil {
			delete(next, key)
			continue
		}
		next[key] = storedItem{Raw: raw, Writer: writer}
	}
	if err := s.write(next); err != nil {
		unlock()
		return err
	}
	unlock()

	s.mu.Lock()
	changes := diffSnapshots(s.codec, s.snapshot, next)
	s.snapshot = next
	s.mu.Unlock()
	s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: changes})
	return nil
}

func (s *FileStore) Remove(ctx context.Context, keys ...string) error {
	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		entries[key] = nil
	}
	return s.Set(ctx, entries)
}

func (s *FileStore) Subscribe(fn Listener) func() {
	return s.listeners.add(fn)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FileStore) watch() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.refresh()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.opts.Logger.Warn("file store watch error", zap.String("path", s.path), zap.Error(err))
		}
	}
}

func (s *FileStore) refresh() {
	next, err := s.read()
	if err != nil {
		s.opts.Logger.Warn("file store reload failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changes := diffSnapshots(s.codec, s.snapshot, next)
	s.snapshot = next
	s.mu.Unlock()
	s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: changes})
}

func (s *FileStore) read() (map[string]storedItem, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]storedItem{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]storedItem{}, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]storedItem, len(doc.Items))
	for key, item := range doc.Items {
		if item.Value == nil {
			continue
		}
		out[key] = storedItem{Raw: item.Value, Writer: item.Writer}
	}
	return out, nil
}

func (s *FileStore) write(items map[string]storedItem) error {
	doc := fileDocument{Items: make(map[string]fileItem, len(items))}
	for key, item := range items {
		doc.Items[key] = fileItem{Value: item.Raw, Writer: item.Writer}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
