package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierCoalescesPendingSignals(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Broadcast()
	n.Broadcast()
	n.Broadcast()

	<-ch
	select {
	case <-ch:
		t.Fatalf("expected broadcasts to coalesce into one signal")
	default:
	}
}

func TestNotifierReachesEverySubscriber(t *testing.T) {
	n := NewNotifier()
	a, cancelA := n.Subscribe()
	defer cancelA()
	b, cancelB := n.Subscribe()
	defer cancelB()

	n.Broadcast()
	<-a
	<-b
}

func TestNotifierCancelClosesChannel(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	require.Equal(t, 1, n.subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, n.subscribers())
	n.Broadcast()
}

func TestSyncKeys(t *testing.T) {
	assert.Equal(t, []SyncKey{KeyVocabulary, KeyReadingHistory, KeyCredential}, SyncKeys())
	assert.Equal(t, "vibe_api_key", KeyCredential.StorageKey())

	key, err := ParseSyncKey("vibe_reading")
	require.NoError(t, err)
	assert.Equal(t, KeyReadingHistory, key)
	key, err = ParseSyncKey("Vocabulary")
	require.NoError(t, err)
	assert.Equal(t, KeyVocabulary, key)
	_, err = ParseSyncKey("theme")
	assert.ErrorIs(t, err, ErrUnknownKey)
}
