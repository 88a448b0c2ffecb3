package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresTableName        = "syncbridge_kv"
	postgresNotifyChannel    = "syncbridge_kv"
	postgresOperationTimeout = 5 * time.Second
	postgresMinReconnect     = 100 * time.Millisecond
	postgresMaxReconnect     = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresNotice struct {
	Area string `json:"area"`
	Key  string `json:"key"`
}

// PostgresStore keeps keys of one area in a shared table and announces every
// write with pg_notify, so stores in other processes observe it through a
// LISTEN connection.
type PostgresStore struct {
	opts      Options
	codec     codec
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	listener *pq.Listener

	mu       sync.Mutex
	snapshot map[string]storedItem
	closed   bool

	listeners listenerSet
	stop      chan struct{}
	done      chan struct{}
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults("postgres")
	return &PostgresStore{
		opts:      opts,
		codec:     codec{encoding: opts.Encoding},
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
		snapshot:  map[string]storedItem{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (s *PostgresStore) Name() string { return s.opts.Name }

func (s *PostgresStore) Area() string { return s.opts.Area }

func (s *PostgresStore) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE area = $1 AND key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.opts.Area, pq.Array(keys))
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

func (s *PostgresStore) Set(ctx context.Context, entries map[string]any) error {
	if err := s.ensureReady(); err != nil {
		return err
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
	table := postgresQuoteIdentifier(s.tableName)
	for key, raw := range staged {
		if raw == nil {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE area = $1 AND key = $2", table), s.opts.Area, key); err != nil {
				_ = tx.Rollback()
				return err
			}
		} else {
			query := fmt.Sprintf(`
				INSERT INTO %s (area, key, value, writer, updated_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (area, key)
				DO UPDATE SET value = EXCLUDED.value, writer = EXCLUDED.writer, updated_at = NOW()`, table)
			if _, err := tx.ExecContext(ctx, query, s.opts.Area, key, texts[key], writer); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		notice, _ := json.Marshal(postgresNotice{Area: s.opts.Area, Key: key})
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, string(notice)); err != nil {
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

func (s *PostgresStore) Remove(ctx context.Context, keys ...string) error {
	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		entries[key] = nil
	}
	return s.Set(ctx, entries)
}

func (s *PostgresStore) Subscribe(fn Listener) func() {
	if err := s.ensureReady(); err != nil {
		s.opts.Logger.Warn("postgres store not ready; notifications limited to this process", zap.Error(err))
	}
	return s.listeners.add(fn)
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	if s.listener == nil {
		close(s.done)
	} else {
		_ = s.listener.Close()
	}
	<-s.done
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				area TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				writer TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (area, key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
		snapshot, err := s.readAll(ctx)
		if err != nil {
			s.initErr = err
			return
		}
		s.mu.Lock()
		s.snapshot = snapshot
		s.mu.Unlock()

		listener := pq.NewListener(s.dsn, postgresMinReconnect, postgresMaxReconnect, func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.opts.Logger.Warn("postgres listener event", zap.Int("event", int(event)), zap.Error(err))
			}
		})
		if err := listener.Listen(postgresNotifyChannel); err != nil {
			_ = listener.Close()
			s.initErr = err
			return
		}
		s.listener = listener
		go s.listen()
	})
	return s.initErr
}

func (s *PostgresStore) listen() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case notification, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything may have changed.
			if notification != nil {
				var notice postgresNotice
				if err := json.Unmarshal([]byte(notification.Extra), &notice); err == nil && notice.Area != s.opts.Area {
					continue
				}
			}
			s.refresh()
		}
	}
}

func (s *PostgresStore) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	next, err := s.readAll(ctx)
	if err != nil {
		s.opts.Logger.Warn("postgres reload failed", zap.Error(err))
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

func (s *PostgresStore) readAll(ctx context.Context) (map[string]storedItem, error) {
	query := fmt.Sprintf("SELECT key, value, writer FROM %s WHERE area = $1", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.opts.Area)
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

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
