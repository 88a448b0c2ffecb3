package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

const articleText = "Hello world article text"

func waitState(t *testing.T, b *Bridge, slot CaptureSlot, want CaptureState) CaptureSnapshot {
	t.Helper()
	var snap CaptureSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = b.Snapshot(slot)
		require.NoError(t, err)
		return snap.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestCaptureDualReadKeepsSlotUntilConsumed(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.bridge.Produce(context.Background(), SlotFullPage, articleText))

	snap := waitState(t, f.bridge, SlotFullPage, CaptureDelivered)
	assert.Equal(t, articleText, snap.Payload)
	assert.Equal(t, []string{"capturedFullPage=" + articleText}, f.sink.payloads())
	assert.Equal(t, articleText, f.extensionValue(t, string(SlotFullPage)))

	payload, err := f.bridge.Consume(context.Background(), SlotFullPage)
	require.NoError(t, err)
	assert.Equal(t, articleText, payload)
	assert.Nil(t, f.extensionValue(t, string(SlotFullPage)))
	snap, err = f.bridge.Snapshot(SlotFullPage)
	require.NoError(t, err)
	assert.Equal(t, CaptureEmpty, snap.State)
	assert.Equal(t, "empty", snap.StateName)

	_, err = f.bridge.Consume(context.Background(), SlotFullPage)
	assert.ErrorIs(t, err, ErrSlotEmpty)
}

func TestCaptureConsumeOnceClearsSlotAfterDelivery(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.bridge.Produce(context.Background(), SlotSelectedText, "ephemeral"))

	require.Eventually(t, func() bool {
		return len(f.sink.payloads()) == 1 && f.extensionValue(t, string(SlotSelectedText)) == nil
	}, 5*time.Second, 5*time.Millisecond)
	waitState(t, f.bridge, SlotSelectedText, CaptureEmpty)
}

func TestCapturePickedUpAtAttach(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{string(SlotFullPage): articleText})

	f.start(t)

	snap := waitState(t, f.bridge, SlotFullPage, CaptureDelivered)
	assert.Equal(t, articleText, snap.Payload)
}

func TestCaptureRetriesFailedDeliveryOnTick(t *testing.T) {
	f := newFixture(t)
	f.sink.failures = 1
	seed(t, f.extension, map[string]any{string(SlotFullPage): articleText})

	f.start(t)
	snap, err := f.bridge.Snapshot(SlotFullPage)
	require.NoError(t, err)
	assert.Equal(t, CapturePending, snap.State)

	require.Eventually(t, func() bool {
		f.clock.Advance(DefaultReconcileInterval)
		snap, err := f.bridge.Snapshot(SlotFullPage)
		require.NoError(t, err)
		return snap.State == CaptureDelivered
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.sink.payloads(), 1)
}

func TestCaptureExternalRemovalEmptiesSlot(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.bridge.Produce(context.Background(), SlotFullPage, articleText))
	waitState(t, f.bridge, SlotFullPage, CaptureDelivered)

	// The page clears the slot itself after filling its prompt.
	require.NoError(t, f.extension.Remove(kvstore.WithOrigin(context.Background(), "page"), string(SlotFullPage)))

	waitState(t, f.bridge, SlotFullPage, CaptureEmpty)
}

func TestCaptureRedeliversNewPayload(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.bridge.Produce(context.Background(), SlotFullPage, "first"))
	waitState(t, f.bridge, SlotFullPage, CaptureDelivered)
	require.NoError(t, f.bridge.Produce(context.Background(), SlotFullPage, "second"))

	require.Eventually(t, func() bool {
		return len(f.sink.payloads()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"capturedFullPage=first", "capturedFullPage=second"}, f.sink.payloads())
}

func TestCaptureRejectsUnknownSlotAndEmptyPayload(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.bridge.Produce(context.Background(), CaptureSlot("clipboard"), "x"), ErrUnknownSlot)
	assert.ErrorIs(t, f.bridge.Produce(context.Background(), SlotFullPage, ""), kvstore.ErrInvalidInput)
	_, err := f.bridge.Consume(context.Background(), CaptureSlot("clipboard"))
	assert.ErrorIs(t, err, ErrUnknownSlot)
	_, err = f.bridge.Snapshot(CaptureSlot("clipboard"))
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestParseCaptureSlot(t *testing.T) {
	slot, err := ParseCaptureSlot("capturedfullpage")
	require.NoError(t, err)
	assert.Equal(t, SlotFullPage, slot)
	assert.Equal(t, ConsumeOnce, SlotSelectedText.Policy())
	assert.Equal(t, DualRead, SlotFullPage.Policy())
	_, err = ParseCaptureSlot("nope")
	assert.ErrorIs(t, err, ErrUnknownSlot)
}
