package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vibereading/syncbridge/internal/bridge"
)

var (
	ErrNoConsumer   = errors.New("no page consumer attached")
	ErrNotDelivered = errors.New("capture not written to any page consumer")
)

// DefaultDeliveryTimeout bounds how long Deliver waits for a client to
// write a capture frame.
const DefaultDeliveryTimeout = 2 * time.Second

const (
	EventValuesChanged = "values_changed"
	EventCapture       = "capture"
)

type Event struct {
	Type    string `json:"type"`
	Slot    string `json:"slot,omitempty"`
	Payload string `json:"payload,omitempty"`

	written chan<- struct{}
}

// ack reports that the event reached a client. Only the first ack counts.
func (e Event) ack() {
	if e.written == nil {
		return
	}
	select {
	case e.written <- struct{}{}:
	default:
	}
}

// EventHub fans bridge signals out to connected page clients. It is the
// bridge's capture sink: a capture counts as delivered once at least one
// client has written its frame to the socket.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event

	ackTimeout time.Duration
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[int]chan Event{}, ackTimeout: DefaultDeliveryTimeout}
}

// Deliver hands a capture to every connected client and waits until one of
// them has written it. A failed or slow write leaves the capture
// undelivered so the bridge retries it.
func (h *EventHub) Deliver(ctx context.Context, slot bridge.CaptureSlot, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	written := make(chan struct{}, 1)
	if h.publish(Event{Type: EventCapture, Slot: string(slot), Payload: payload, written: written}) == 0 {
		return ErrNoConsumer
	}
	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case <-written:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotDelivered
	}
}

// Forward publishes a values_changed event for every notifier signal until
// ctx is done.
func (h *EventHub) Forward(ctx context.Context, notifier *bridge.Notifier) {
	signals, cancel := notifier.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			h.publish(Event{Type: EventValuesChanged})
		}
	}
}

func (h *EventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// publish hands ev to every subscriber with room for it and returns how
// many took it.
func (h *EventHub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n
}

func (h *EventHub) clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
