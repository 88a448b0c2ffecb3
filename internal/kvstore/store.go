// Package kvstore wraps the persistent key-value backends the bridge keeps in
// sync behind one get/set/subscribe contract.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed            = errors.New("store closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedScheme = errors.New("unsupported store scheme")
)

// DefaultArea is the change-notification namespace used when none is configured.
const DefaultArea = "local"

type Encoding int

const (
	// EncodingStructured keeps decoded JSON structures as values.
	EncodingStructured Encoding = iota
	// EncodingStrings stores every value as a string, the way a page's
	// localStorage does.
	EncodingStrings
)

func (e Encoding) String() string {
	switch e {
	case EncodingStrings:
		return "strings"
	default:
		return "structured"
	}
}

func ParseEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "structured", "json":
		return EncodingStructured, nil
	case "strings", "string", "text":
		return EncodingStrings, nil
	default:
		return EncodingStructured, errors.New("unknown encoding: " + raw)
	}
}

type Change struct {
	Key    string
	Old    any
	New    any
	Origin string
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.New == nil
}

type ChangeSet struct {
	Area    string
	Changes map[string]Change
}

type Listener func(ChangeSet)

// Store is the uniform adapter over one native backend. Values returned by
// Get and carried in change sets are already normalized: string-only
// backends decode what they hold with Decode.
type Store interface {
	Name() string
	Area() string
	Get(ctx context.Context, keys ...string) (map[string]any, error)
	// Set writes every entry; a nil value removes the key.
	Set(ctx context.Context, entries map[string]any) error
	Remove(ctx context.Context, keys ...string) error
	Subscribe(fn Listener) (cancel func())
	Close() error
}

type Options struct {
	Name     string
	Area     string
	Encoding Encoding
	Logger   *zap.Logger
	// PollInterval paces backends that detect foreign writes by polling.
	PollInterval time.Duration
}

func (o Options) withDefaults(name string) Options {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = name
	}
	if strings.TrimSpace(o.Area) == "" {
		o.Area = DefaultArea
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return o
}

type originKey struct{}

// WithOrigin tags writes made with ctx so change sets they produce carry the
// writer's name.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func OriginFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
