package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

// CaptureSlot is an extension store key used to hand captured text to the
// page.
type CaptureSlot string

const (
	SlotFullPage     CaptureSlot = "capturedFullPage"
	SlotSelectedText CaptureSlot = "selectedText"
)

var captureSlots = []CaptureSlot{SlotFullPage, SlotSelectedText}

type CapturePolicy int

const (
	// DualRead leaves the slot in the extension store after delivery; the
	// final consumer clears it.
	DualRead CapturePolicy = iota
	// ConsumeOnce clears the slot as soon as it has been delivered.
	ConsumeOnce
)

func (s CaptureSlot) Policy() CapturePolicy {
	if s == SlotSelectedText {
		return ConsumeOnce
	}
	return DualRead
}

func CaptureSlots() []CaptureSlot {
	out := make([]CaptureSlot, len(captureSlots))
	copy(out, captureSlots)
	return out
}

func ParseCaptureSlot(raw string) (CaptureSlot, error) {
	raw = strings.TrimSpace(raw)
	for _, slot := range captureSlots {
		if strings.EqualFold(raw, string(slot)) {
			return slot, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, raw)
}

type CaptureState int

const (
	CaptureEmpty CaptureState = iota
	CapturePending
	CaptureDelivered
	CaptureConsumed
)

func (s CaptureState) String() string {
	switch s {
	case CapturePending:
		return "pending"
	case CaptureDelivered:
		return "delivered"
	case CaptureConsumed:
		return "consumed"
	default:
		return "empty"
	}
}

// CaptureSink is the page-side consumer of captured text.
type CaptureSink interface {
	Deliver(ctx context.Context, slot CaptureSlot, payload string) error
}

type CaptureSnapshot struct {
	Slot      CaptureSlot  `json:"slot"`
	State     CaptureState `json:"-"`
	StateName string       `json:"state"`
	Payload   string       `json:"payload,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type slotState struct {
	state     CaptureState
	payload   string
	updatedAt time.Time
}

// Produce writes payload into slot in the extension store, the way the
// extension does after capturing page text.
func (b *Bridge) Produce(ctx context.Context, slot CaptureSlot, payload string) error {
	if _, ok := b.slotState(slot); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	if payload == "" {
		return fmt.Errorf("%w: empty payload", kvstore.ErrInvalidInput)
	}
	return b.extension.Set(ctx, map[string]any{string(slot): payload})
}

// Consume is called by the final consumer. It clears the slot from the
// extension store and returns the payload it held.
func (b *Bridge) Consume(ctx context.Context, slot CaptureSlot) (string, error) {
	if _, ok := b.slotState(slot); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	b.work.Lock()
	defer b.work.Unlock()

	values, err := b.extension.Get(ctx, string(slot))
	if err != nil {
		return "", err
	}
	payload := capturePayload(values[string(slot)])
	if payload == "" {
		return "", ErrSlotEmpty
	}
	if err := b.extension.Remove(b.writeCtx(ctx), string(slot)); err != nil {
		b.metrics.writeFailed(b.extension.Name())
		return "", err
	}
	b.transition(slot, CaptureConsumed, payload)
	b.transition(slot, CaptureEmpty, "")
	return payload, nil
}

// Snapshot returns the bridge's view of slot.
func (b *Bridge) Snapshot(slot CaptureSlot) (CaptureSnapshot, error) {
	state, ok := b.slotState(slot)
	if !ok {
		return CaptureSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	return CaptureSnapshot{
		Slot:      slot,
		State:     state.state,
		StateName: state.state.String(),
		Payload:   state.payload,
		UpdatedAt: state.updatedAt,
	}, nil
}

func (b *Bridge) slotState(slot CaptureSlot) (slotState, bool) {
	b.captureMu.Lock()
	defer b.captureMu.Unlock()
	state, ok := b.slots[slot]
	if !ok {
		return slotState{}, false
	}
	return *state, true
}

func (b *Bridge) transition(slot CaptureSlot, next CaptureState, payload string) {
	b.captureMu.Lock()
	state := b.slots[slot]
	prev := state.state
	state.state = next
	state.payload = payload
	state.updatedAt = b.opts.Clock.Now()
	b.captureMu.Unlock()
	if prev != next {
		b.metrics.captured(string(slot), next)
		b.logger.Debug("capture slot transition",
			zap.String("slot", string(slot)),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}

// observeCapture reacts to slot writes and removals seen in the extension
// store.
func (b *Bridge) observeCapture(ctx context.Context, set kvstore.ChangeSet) {
	if set.Area != b.opts.SharedArea {
		return
	}
	for _, slot := range captureSlots {
		change, ok := set.Changes[string(slot)]
		if !ok {
			continue
		}
		b.settleSlot(ctx, slot, capturePayload(change.New))
	}
}

// scanCapture checks every slot against the extension store. It picks up
// text captured before the bridge attached and retries failed deliveries.
func (b *Bridge) scanCapture(ctx context.Context) {
	keys := make([]string, 0, len(captureSlots))
	for _, slot := range captureSlots {
		keys = append(keys, string(slot))
	}
	values, err := b.extension.Get(ctx, keys...)
	if err != nil {
		b.logger.Warn("read capture slots failed", zap.Error(err))
		return
	}
	for _, slot := range captureSlots {
		b.settleSlot(ctx, slot, capturePayload(values[string(slot)]))
	}
}

func (b *Bridge) settleSlot(ctx context.Context, slot CaptureSlot, payload string) {
	current, _ := b.slotState(slot)
	if payload == "" {
		switch current.state {
		case CaptureDelivered:
			b.transition(slot, CaptureConsumed, current.payload)
			b.transition(slot, CaptureEmpty, "")
		case CapturePending:
			b.transition(slot, CaptureEmpty, "")
		}
		return
	}
	if current.state == CaptureDelivered && current.payload == payload {
		return
	}
	b.transition(slot, CapturePending, payload)
	if sink := b.opts.CaptureSink; sink != nil {
		if err := sink.Deliver(ctx, slot, payload); err != nil {
			b.logger.Warn("capture delivery failed; will retry", zap.String("slot", string(slot)), zap.Error(err))
			return
		}
	}
	b.transition(slot, CaptureDelivered, payload)
	if slot.Policy() != ConsumeOnce {
		return
	}
	if err := b.extension.Remove(b.writeCtx(ctx), string(slot)); err != nil {
		b.logger.Warn("clear capture slot failed", zap.String("slot", string(slot)), zap.Error(err))
		b.metrics.writeFailed(b.extension.Name())
		return
	}
	b.transition(slot, CaptureConsumed, payload)
	b.transition(slot, CaptureEmpty, "")
}

func capturePayload(value any) string {
	if kvstore.IsEmpty(value) {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	text, err := kvstore.Encode(value)
	if err != nil {
		return ""
	}
	return text
}
