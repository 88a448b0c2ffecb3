package kvstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// storeParams are DSN query parameters consumed here and never forwarded to
// the backend driver.
var storeParams = []string{"encoding", "area", "name", "poll", "origin"}

// Open builds a store from a DSN. The scheme picks the backend:
//
//	memory://                      in-process map
//	file:///path/page.json         JSON document with fsnotify watch
//	sqlite:///path/extension.db    SQLite via modernc.org/sqlite
//	postgres://user@host/db        shared table with LISTEN/NOTIFY
//	cdp://127.0.0.1:9222?origin=https://example.org   page localStorage over CDP
//
// Query parameters encoding, area, name and poll override opts.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	opts, err = applyParams(parsed.Query(), opts)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(ctx, dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path, opts)
	case "memory", "mem", "inmem":
		if opts.Name == "" && parsed.Host != "" {
			opts.Name = "memory:" + parsed.Host
		}
		return NewMemoryStore(opts), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(stripParams(parsed), opts)
	case "cdp", "chrome":
		origin := strings.TrimSpace(parsed.Query().Get("origin"))
		if origin == "" {
			return nil, fmt.Errorf("%w: cdp store requires an origin parameter", ErrInvalidInput)
		}
		debugger := &url.URL{Scheme: "ws", Host: parsed.Host, Path: parsed.Path}
		return NewBrowserStore(ctx, debugger.String(), origin, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

func applyParams(q url.Values, opts Options) (Options, error) {
	if raw := strings.TrimSpace(q.Get("encoding")); raw != "" {
		encoding, err := ParseEncoding(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		opts.Encoding = encoding
	}
	if area := strings.TrimSpace(q.Get("area")); area != "" {
		opts.Area = area
	}
	if name := strings.TrimSpace(q.Get("name")); name != "" {
		opts.Name = name
	}
	if raw := strings.TrimSpace(q.Get("poll")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: poll: %v", ErrInvalidInput, err)
		}
		opts.PollInterval = interval
	}
	return opts, nil
}

func stripParams(parsed *url.URL) string {
	clean := *parsed
	q := clean.Query()
	for _, name := range storeParams {
		q.Del(name)
	}
	clean.RawQuery = q.Encode()
	return clean.String()
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(raw)
		}
		if path == "" {
			return "", ErrInvalidInput
		}
		return path, nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://data/page.json names a path relative to the working directory.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
