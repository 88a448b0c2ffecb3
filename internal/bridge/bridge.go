// Package bridge keeps a page-scoped store and an extension-scoped store in
// agreement on a fixed set of keys, and hands captured page text from the
// extension to the page.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

var (
	ErrStoreRequired  = errors.New("both stores are required")
	ErrAlreadyRunning = errors.New("bridge already running")
	ErrUnknownKey     = errors.New("unknown sync key")
	ErrUnknownSlot    = errors.New("unknown capture slot")
	ErrSlotEmpty      = errors.New("capture slot empty")
)

const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultOrigin            = "syncbridge"
)

type Options struct {
	// SharedArea is the extension store area whose changes are mirrored.
	SharedArea        string
	ReconcileInterval time.Duration
	ReconcileJitter   float64
	// ValidateValues drops page values that fail their key's JSON schema
	// instead of mirroring them into the extension store. A rejected value
	// stays unsynchronized until the page replaces it.
	ValidateValues bool
	// Origin tags the bridge's own writes so their echoes are ignored.
	Origin      string
	Logger      *zap.Logger
	Metrics     *Metrics
	Clock       Clock
	CaptureSink CaptureSink
	Notifier    *Notifier
}

// Bridge owns the propagation, reconciliation, bootstrap and capture logic.
// All of it runs under one lock, so at most one unit of bridge work is in
// flight at a time.
type Bridge struct {
	page      kvstore.Store
	extension kvstore.Store
	opts      Options
	logger    *zap.Logger
	metrics   *Metrics
	validator *valueValidator
	notifier  *Notifier
	queue     *eventQueue

	work    sync.Mutex
	running atomic.Bool

	captureMu sync.Mutex
	slots     map[CaptureSlot]*slotState
}

func New(page, extension kvstore.Store, opts Options) (*Bridge, error) {
	if page == nil || extension == nil {
		return nil, ErrStoreRequired
	}
	if strings.TrimSpace(opts.SharedArea) == "" {
		opts.SharedArea = kvstore.DefaultArea
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	opts.ReconcileJitter = clampJitterRatio(opts.ReconcileJitter)
	if strings.TrimSpace(opts.Origin) == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier()
	}
	b := &Bridge{
		page:      page,
		extension: extension,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("page", page.Name()), zap.String("extension", extension.Name())),
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		queue:     newEventQueue(),
		slots:     map[CaptureSlot]*slotState{},
	}
	if opts.ValidateValues {
		validator, err := newValueValidator()
		if err != nil {
			return nil, fmt.Errorf("build value validator: %w", err)
		}
		b.validator = validator
	}
	for _, slot := range captureSlots {
		b.slots[slot] = &slotState{}
	}
	return b, nil
}

// Notifier returns the broadcaster signalled after every bridge write into
// the page store.
func (b *Bridge) Notifier() *Notifier {
	return b.notifier
}

// Run attaches the bridge and processes store changes and reconciliation
// ticks until ctx is cancelled. Cancellation is the normal way to stop and
// yields a nil error.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	stopPage := b.page.Subscribe(func(set kvstore.ChangeSet) {
		b.queue.push(event{kind: eventPageChanged, set: set})
	})
	defer stopPage()
	stopExtension := b.extension.Subscribe(func(set kvstore.ChangeSet) {
		b.queue.push(event{kind: eventExtensionChanged, set: set})
	})
	defer stopExtension()

	if err := b.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("bootstrap failed; reconciliation will retry", zap.Error(err))
	}
	b.work.Lock()
	b.scanCapture(ctx)
	b.work.Unlock()

	task := Every(b.opts.Clock, b.opts.ReconcileInterval, b.opts.ReconcileJitter, func() {
		b.queue.push(event{kind: eventReconcileTick})
	})
	defer task.Cancel()

	b.logger.Info("bridge attached",
		zap.Duration("interval", b.opts.ReconcileInterval),
		zap.String("shared_area", b.opts.SharedArea),
	)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge detached", zap.Int("dropped_events", b.queue.len()))
			return nil
		case <-b.queue.ready():
			for _, ev := range b.queue.drain() {
				if ctx.Err() != nil {
					break
				}
				b.handle(ctx, ev)
			}
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev event) {
	b.work.Lock()
	defer b.work.Unlock()
	switch ev.kind {
	case eventPageChanged:
		b.onPageChange(ctx, ev.set)
	case eventExtensionChanged:
		b.onExtensionChange(ctx, ev.set)
		b.observeCapture(ctx, ev.set)
	case eventReconcileTick:
		report, err := b.reconcile(ctx)
		if err != nil {
			b.logger.Warn("reconcile pass failed", zap.Error(err))
		} else if report.Changed() {
			b.logger.Info("reconcile pass corrected drift",
				zap.Int("pushed", report.Pushed),
				zap.Int("pulled", report.Pulled),
				zap.Int("rejected", report.Rejected),
				zap.Int("failed", report.Failed),
			)
		} else if report.Rejected > 0 {
			b.logger.Debug("reconcile pass rejected values", zap.Int("rejected", report.Rejected))
		}
		b.scanCapture(ctx)
	}
}

func (b *Bridge) writeCtx(ctx context.Context) context.Context {
	return kvstore.WithOrigin(ctx, b.opts.Origin)
}

func (b *Bridge) isEcho(change kvstore.Change) bool {
	return change.Origin == b.opts.Origin
}

func correlationID() string {
	return uuid.NewString()
}
