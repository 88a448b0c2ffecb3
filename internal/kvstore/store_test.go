package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(store Store) (<-chan ChangeSet, func()) {
	ch := make(chan ChangeSet, 16)
	cancel := store.Subscribe(func(set ChangeSet) {
		ch <- set
	})
	return ch, cancel
}

func waitChange(t *testing.T, ch <-chan ChangeSet, key string) Change {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case set := <-ch:
			if change, ok := set.Changes[key]; ok {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change on %q", key)
			return Change{}
		}
	}
}

func TestDecodeFallsBackToRawString(t *testing.T) {
	assert.Equal(t, "not-json{", Decode("not-json{"))
	assert.Equal(t, "plain", Decode("plain"))
	assert.Equal(t, []any{"a", float64(1)}, Decode(`["a",1]`))
	assert.Equal(t, map[string]any{"n": float64(2)}, Decode(map[string]any{"n": float64(2)}))
}

func TestEncodePassesStringsThrough(t *testing.T) {
	text, err := Encode("sk-abc")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", text)

	text, err = Encode([]any{map[string]any{"word": "ephemeral"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"word":"ephemeral"}]`, text)
}

func TestEqualComparesDecodedForms(t *testing.T) {
	assert.True(t, Equal(`{"a":3}`, map[string]any{"a": 3}))
	assert.True(t, Equal(map[string]any{"a": 3.0}, map[string]any{"a": 3}))
	assert.True(t, Equal([]any{}, "[]"))
	assert.False(t, Equal(`{"a":3}`, map[string]any{"a": 4}))
	assert.False(t, Equal(nil, ""))
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(""))
	assert.False(t, IsEmpty("x"))
	assert.False(t, IsEmpty([]any{}))
	assert.False(t, IsEmpty(map[string]any{}))
}

func TestStringStoreKeepsUnparseableValue(t *testing.T) {
	store := NewMemoryStore(Options{Encoding: EncodingStrings})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string]any{"vibe_api_key": "not-json{"}))
	got, err := store.Get(ctx, "vibe_api_key")
	require.NoError(t, err)
	assert.Equal(t, "not-json{", got["vibe_api_key"])
}

func TestStringStoreDecodesStructures(t *testing.T) {
	store := NewMemoryStore(Options{Encoding: EncodingStrings})
	defer store.Close()
	ctx := context.Background()

	vocab := []any{map[string]any{"word": "ephemeral", "translation": "短暫的"}}
	require.NoError(t, store.Set(ctx, map[string]any{"vibe_vocab": vocab}))
	got, err := store.Get(ctx, "vibe_vocab", "missing")
	require.NoError(t, err)
	assert.Equal(t, vocab, got["vibe_vocab"])
	_, ok := got["missing"]
	assert.False(t, ok)
}

func TestMemoryStoreNotifiesWithOrigin(t *testing.T) {
	store := NewMemoryStore(Options{Area: "local"})
	defer store.Close()
	ch, cancel := collect(store)
	defer cancel()

	ctx := WithOrigin(context.Background(), "bridge")
	require.NoError(t, store.Set(ctx, map[string]any{"k": "v1"}))
	change := waitChange(t, ch, "k")
	assert.Equal(t, "bridge", change.Origin)
	assert.Nil(t, change.Old)
	assert.Equal(t, "v1", change.New)

	require.NoError(t, store.Set(context.Background(), map[string]any{"k": "v2"}))
	change = waitChange(t, ch, "k")
	assert.Equal(t, "", change.Origin)
	assert.Equal(t, "v1", change.Old)
	assert.Equal(t, "v2", change.New)

	require.NoError(t, store.Remove(context.Background(), "k"))
	change = waitChange(t, ch, "k")
	assert.True(t, change.Removed())
	assert.Equal(t, "v2", change.Old)
}

func TestMemoryStoreSkipsUnchangedWrites(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, map[string]any{"k": map[string]any{"a": 1}}))

	calls := 0
	cancel := store.Subscribe(func(ChangeSet) { calls++ })
	defer cancel()
	require.NoError(t, store.Set(ctx, map[string]any{"k": map[string]any{"a": 1.0}}))
	require.NoError(t, store.Remove(ctx, "absent"))
	assert.Equal(t, 0, calls)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	ctx := context.Background()

	value := map[string]any{"a": float64(1)}
	require.NoError(t, store.Set(ctx, map[string]any{"k": value}))
	value["a"] = float64(2)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, got["k"])
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	calls := 0
	cancel := store.Subscribe(func(ChangeSet) { calls++ })
	cancel()
	cancel()
	require.NoError(t, store.Set(context.Background(), map[string]any{"k": "v"}))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, store.listeners.len())
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore(Options{})
	require.NoError(t, store.Close())
	_, err := store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Set(context.Background(), map[string]any{"k": "v"}), ErrClosed)
}

func TestFileStoreObservesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extension.json")
	writer, err := NewFileStore(path, Options{Name: "writer"})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewFileStore(path, Options{Name: "reader"})
	require.NoError(t, err)
	defer reader.Close()

	ch, cancel := collect(reader)
	defer cancel()

	ctx := WithOrigin(context.Background(), "popup")
	require.NoError(t, writer.Set(ctx, map[string]any{"vibe_reading": map[string]any{"2026-10-14": 3}}))

	change := waitChange(t, ch, "vibe_reading")
	assert.Equal(t, "popup", change.Origin)
	assert.Equal(t, map[string]any{"2026-10-14": float64(3)}, change.New)

	got, err := reader.Get(context.Background(), "vibe_reading")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"2026-10-14": float64(3)}, got["vibe_reading"])
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.json")
	store, err := NewFileStore(path, Options{Encoding: EncodingStrings})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), map[string]any{"vibe_api_key": "sk-1", "vibe_vocab": []any{}}))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(path, Options{Encoding: EncodingStrings})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "vibe_api_key", "vibe_vocab")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got["vibe_api_key"])
	assert.Equal(t, []any{}, got["vibe_vocab"])
}

func TestSQLiteStoreObservesOtherConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extension.db")
	writer, err := NewSQLiteStore(path, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewSQLiteStore(path, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer reader.Close()

	ch, cancel := collect(reader)
	defer cancel()

	ctx := WithOrigin(context.Background(), "options-page")
	require.NoError(t, writer.Set(ctx, map[string]any{"vibe_api_key": "sk-live"}))

	change := waitChange(t, ch, "vibe_api_key")
	assert.Equal(t, "options-page", change.Origin)
	assert.Equal(t, "sk-live", change.New)

	require.NoError(t, writer.Remove(context.Background(), "vibe_api_key"))
	change = waitChange(t, ch, "vibe_api_key")
	assert.True(t, change.Removed())
}

func TestSQLiteStoreGetMissingKeys(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"), Options{})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Empty(t, got)
}
