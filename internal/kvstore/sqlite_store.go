package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	sqliteTableName        = "kv_items"
	sqliteOperationTimeout = 5 * time.Second
)

// SQLiteStore keeps one row per key. Commits from other connections are
// noticed through PRAGMA data_version on a dedicated connection.
type SQLiteStore struct {
	opts  Options
	codec codec
	path  string
	db    *sql.DB

	mu       sync.Mutex
	snapshot map[string]storedItem
	closed   bool

	listeners listenerSet
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults("sqlite:" + filepath.Base(path))
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			writer TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`, sqliteTableName)
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{
		opts:  opts,
		codec: codec{encoding: opts.Encoding},
		path:  path,
		db:    db,
		done:  make(chan struct{}),
	}
	snapshot, err := s.readAll(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.snapshot = snapshot

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	pollCtx, pollCancel := context.WithCancel(context.Background())
	s.cancel = pollCancel
	go s.poll(pollCtx, conn)
	return s, nil
}

func (s *SQLiteStore) Name() string { return s.opts.Name }

func (s *SQLiteStore) Area() string { return s.opts.Area }

func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = "?"
		args[i] = key
	}
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key IN (%s)", sqliteTableName, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, text string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, err
		}
		out[key] = s.codec.load(s.codec.unmarshal(text))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Set(ctx context.Context, entries map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	writer := OriginFrom(ctx)
	staged := make(map[string]any, len(entries))
	texts := make(map[string]string, len(entries))
	for key, value := range entries {
		if value == nil {
			staged[key] = nil
			continue
		}
		raw, err := s.codec.store(value)
		if err != nil {
			return err
		}
		text, err := s.codec.marshal(raw)
		if err != nil {
			return err
		}
		staged[key] = raw
		texts[key] = text
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for key, raw := range staged {
		if raw == nil {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", sqliteTableName), key); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (key, value, writer, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, writer = excluded.writer, updated_at = excluded.updated_at`, sqliteTableName)
		if _, err := tx.ExecContext(ctx, query, key, texts[key], writer, now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	next := make(map[string]storedItem, len(s.snapshot)+len(staged))
	for key, item := range s.snapshot {
		next[key] = item
	}
	for key, raw := range staged {
		if raw == nil {
			delete(next, key)
			continue
		}
		next[key] = storedItem{Raw: raw, Writer: writer}
	}
	changes := diffSnapshots(s.codec, s.snapshot, next)
	s.snapshot = next
	s.mu.Unlock()
	s.listeners.emit(ChangeSet{Area: s.opts.Area, Changes: changes})
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, keys ...string) error {
	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		entries[key] = nil
	}
	return s.Set(ctx, entries)
}

func (s *SQLiteStore) Subscribe(fn Listener) func() {
	return s.listeners.add(fn)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return s.db.Close()
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQLiteStore) poll(ctx context.Context, conn *sql.Conn) {
	defer close(s.done)
	defer conn.Close()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	var version int64
	if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil && !errors.Is(err, context.Canceled) {
		s.opts.Logger.Warn("sqlite data_version read failed", zap.String("path", s.path), zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var current int64
		if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&current); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.opts.Logger.Warn("sqlite data_version read failed", zap.String("path", s.path), zap.Error(err))
			continue
		}
		if current == version {
			continue
		}
		version = current
		s.refresh(ctx)
	}
}

func (s *SQLiteStore) refresh(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	next, err := s.readAll(readCtx)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Logger.Warn("sqlite reload failed", zap.String("path", s.path), zap.Error(err))
		}
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

func (s *SQLiteStore) readAll(ctx context.Context) (map[string]storedItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT key, value, writer FROM %s", sqliteTableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]storedItem{}
	for rows.Next() {
		var key, text, writer string
		if err := rows.Scan(&key, &text, &writer); err != nil {
			return nil, err
		}
		out[key] = storedItem{Raw: s.codec.unmarshal(text), Writer: writer}
	}
	return out, rows.Err()
}
