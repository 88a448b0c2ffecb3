package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

var sampleVocabulary = []any{
	map[string]any{"word": "ephemeral", "translation": "短暫的"},
}

func TestNewRequiresBothStores(t *testing.T) {
	_, err := New(nil, kvstore.NewMemoryStore(kvstore.Options{}), Options{})
	assert.ErrorIs(t, err, ErrStoreRequired)
	_, err = New(kvstore.NewMemoryStore(kvstore.Options{}), nil, Options{})
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestNewAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "local", f.bridge.opts.SharedArea)
	assert.Equal(t, 5*time.Second, f.bridge.opts.ReconcileInterval)
	assert.Equal(t, DefaultOrigin, f.bridge.opts.Origin)
	assert.Nil(t, f.bridge.validator)
	assert.NotNil(t, f.bridge.Notifier())
}

func TestBootstrapSeedsPageFromExtension(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{
		KeyVocabulary.StorageKey(): sampleVocabulary,
		KeyCredential.StorageKey(): "sk-live",
	})
	signals, cancel := f.bridge.Notifier().Subscribe()
	defer cancel()

	require.NoError(t, f.bridge.Bootstrap(context.Background()))

	assert.Equal(t, sampleVocabulary, f.pageValue(t, KeyVocabulary))
	assert.Equal(t, "sk-live", f.pageValue(t, KeyCredential))
	assert.Nil(t, f.pageValue(t, KeyReadingHistory))

	select {
	case <-signals:
	default:
		t.Fatalf("expected one values-changed signal after bootstrap")
	}
	select {
	case <-signals:
		t.Fatalf("expected exactly one signal after bootstrap")
	default:
	}
}

func TestBootstrapLeavesPageAloneForEmptyExtensionValues(t *testing.T) {
	f := newFixture(t)
	seed(t, f.page, map[string]any{KeyCredential.StorageKey(): "sk-page"})
	seed(t, f.extension, map[string]any{KeyCredential.StorageKey(): ""})
	before := f.page.writeCount()

	require.NoError(t, f.bridge.Bootstrap(context.Background()))

	assert.Equal(t, "sk-page", f.pageValue(t, KeyCredential))
	assert.Equal(t, before, f.page.writeCount())
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyReadingHistory.StorageKey(): map[string]any{"2026-10-15": 2}})
	require.NoError(t, f.bridge.Bootstrap(context.Background()))
	writes := f.page.writeCount()
	require.NoError(t, f.bridge.Bootstrap(context.Background()))
	assert.Equal(t, writes, f.page.writeCount())
}

func TestPageChangePropagatesToExtension(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	seed(t, f.page, map[string]any{KeyVocabulary.StorageKey(): `[{"word":"ephemeral","translation":"短暫的"}]`})

	require.Eventually(t, func() bool {
		return cmp.Equal(sampleVocabulary, f.extensionValue(t, KeyVocabulary.StorageKey()))
	}, 5*time.Second, 5*time.Millisecond)
}

func TestExtensionChangePropagatesToPageAndSignals(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	signals, cancel := f.bridge.Notifier().Subscribe()
	defer cancel()

	history := map[string]any{"2026-10-15": float64(3)}
	seed(t, f.extension, map[string]any{KeyReadingHistory.StorageKey(): history})

	require.Eventually(t, func() bool {
		return cmp.Equal(history, f.pageValue(t, KeyReadingHistory))
	}, 5*time.Second, 5*time.Millisecond)
	select {
	case <-signals:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected values-changed signal")
	}
}

func TestExtensionRemovalRemovesFromPage(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyVocabulary.StorageKey(): sampleVocabulary})
	f.start(t)
	require.Equal(t, sampleVocabulary, f.pageValue(t, KeyVocabulary))

	require.NoError(t, f.extension.Remove(context.Background(), KeyVocabulary.StorageKey()))

	require.Eventually(t, func() bool {
		return f.pageValue(t, KeyVocabulary) == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEmptyCredentialNeverOverwritesExtension(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyCredential.StorageKey(): "sk-live"})
	f.start(t)

	seed(t, f.page, map[string]any{KeyCredential.StorageKey(): ""})
	// Changes are handled in order; once this one lands the credential
	// change has been processed too.
	seed(t, f.page, map[string]any{KeyReadingHistory.StorageKey(): `{"2026-10-15":1}`})
	require.Eventually(t, func() bool {
		return f.extensionValue(t, KeyReadingHistory.StorageKey()) != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "sk-live", f.extensionValue(t, KeyCredential.StorageKey()))

	report, err := f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, "sk-live", f.extensionValue(t, KeyCredential.StorageKey()))
	assert.Equal(t, "sk-live", f.pageValue(t, KeyCredential))
}

func TestEmptyCredentialGuardOnRemoval(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyCredential.StorageKey(): "sk-live"})
	seed(t, f.page, map[string]any{KeyCredential.StorageKey(): "sk-live"})

	require.NoError(t, f.page.Remove(context.Background(), KeyCredential.StorageKey()))
	f.bridge.onPageChange(context.Background(), kvstore.ChangeSet{
		Area:    "local",
		Changes: map[string]kvstore.Change{KeyCredential.StorageKey(): {Key: KeyCredential.StorageKey(), Old: "sk-live"}},
	})

	assert.Equal(t, "sk-live", f.extensionValue(t, KeyCredential.StorageKey()))
}

func TestUndecodableValuePropagatesAsOpaqueString(t *testing.T) {
	f := newFixture(t)
	seed(t, f.page, map[string]any{KeyCredential.StorageKey(): "not-json{"})

	report, err := f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, "not-json{", f.extensionValue(t, KeyCredential.StorageKey()))
}

func TestValueGuardRejectsMalformedValues(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, func(o *Options) {
		o.Metrics = metrics
		o.ValidateValues = true
	})
	seed(t, f.page, map[string]any{
		KeyVocabulary.StorageKey():     "not-json{",
		KeyReadingHistory.StorageKey(): `{"2026-10-15":-1}`,
	})

	report, err := f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rejected)
	assert.False(t, report.Changed())
	assert.Nil(t, f.extensionValue(t, KeyVocabulary.StorageKey()))
	assert.Nil(t, f.extensionValue(t, KeyReadingHistory.StorageKey()))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.GuardRejections.WithLabelValues(reasonInvalidValue)))
}

func TestDefaultOptionsConvergeOnMalformedPageValues(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyVocabulary.StorageKey(): sampleVocabulary})
	seed(t, f.page, map[string]any{KeyVocabulary.StorageKey(): "not-json{"})

	report, err := f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Rejected)
	assert.Equal(t, "not-json{", f.extensionValue(t, KeyVocabulary.StorageKey()))
	assert.True(t, kvstore.Equal(f.pageValue(t, KeyVocabulary), f.extensionValue(t, KeyVocabulary.StorageKey())))

	report, err = f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 3, report.Unchanged)
}

func TestEmptyValueSchemaArraysAreValues(t *testing.T) {
	f := newFixture(t)
	seed(t, f.page, map[string]any{KeyVocabulary.StorageKey(): "[]"})
	seed(t, f.extension, map[string]any{KeyVocabulary.StorageKey(): sampleVocabulary})

	report, err := f.bridge.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, []any{}, f.extensionValue(t, KeyVocabulary.StorageKey()))
}

func TestNonSyncKeysAreIgnored(t *testing.T) {
	f := newFixture(t)
	seed(t, f.page, map[string]any{"theme": "dark"})
	before := f.extension.writeCount()

	f.bridge.onPageChange(context.Background(), kvstore.ChangeSet{
		Area:    "local",
		Changes: map[string]kvstore.Change{"theme": {Key: "theme", New: "dark"}},
	})

	assert.Equal(t, before, f.extension.writeCount())
	assert.Nil(t, f.extensionValue(t, "theme"))
}

func TestExtensionChangesOutsideSharedAreaAreIgnored(t *testing.T) {
	f := newFixture(t)
	seed(t, f.extension, map[string]any{KeyVocabulary.StorageKey(): sampleVocabulary})

	f.bridge.onExtensionChange(context.Background(), kvstore.ChangeSet{
		Area:    "sync",
		Changes: map[string]kvstore.Change{KeyVocabulary.StorageKey(): {Key: KeyVocabulary.StorageKey(), New: sampleVocabulary}},
	})

	assert.Nil(t, f.pageValue(t, KeyVocabulary))
}

func TestBridgeEchoesAreNotPropagatedBack(t *testing.T) {
	f := newFixture(t)
	var captured []kvstore.ChangeSet
	stop := f.extension.Subscribe(func(set kvstore.ChangeSet) { captured = append(captured, set) })
	defer stop()

	seed(t, f.page, map[string]any{KeyVocabulary.StorageKey(): `[{"word":"ephemeral"}]`})
	f.bridge.onPageChange(context.Background(), kvstore.ChangeSet{
		Area:    "local",
		Changes: map[string]kvstore.Change{KeyVocabulary.StorageKey(): {Key: KeyVocabulary.StorageKey(), New: `[{"word":"ephemeral"}]`, Origin: "test-seed"}},
	})
	require.Len(t, captured, 1)
	assert.Equal(t, DefaultOrigin, captured[0].Changes[KeyVocabulary.StorageKey()].Origin)

	pageWrites := f.page.writeCount()
	f.bridge.onExtensionChange(context.Background(), captured[0])
	assert.Equal(t, pageWrites, f.page.writeCount())
}

func TestQueuedStaleChangeDoesNotOverwriteNewerValue(t *testing.T) {
	f := newFixture(t)
	seed(t, f.page, map[string]any{KeyCredential.StorageKey(): "sk-2"})
	seed(t, f.extension, map[string]any{KeyCredential.StorageKey(): "sk-2"})
	writes := f.extension.writeCount()

	// An event recorded when the page held sk-1 is processed after the page
	// moved on to sk-2.
	f.bridge.onPageChange(context.Background(), kvstore.ChangeSet{
		Area:    "local",
		Changes: map[string]kvstore.Change{KeyCredential.StorageKey(): {Key: KeyCredential.StorageKey(), New: "sk-1"}},
	})

	assert.Equal(t, writes, f.extension.writeCount())
	assert.Equal(t, "sk-2", f.extensionValue(t, KeyCredential.StorageKey()))
}

func TestRunReleasesSubscriptionsOnTeardown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bridge.Run(ctx) }()
	require.Eventually(t, func() bool { return f.clock.armed() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.bridge.Run(ctx), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
	f.page.mu.Lock()
	assert.Equal(t, 1, f.page.subs)
	assert.Equal(t, 1, f.page.unsubs)
	f.page.mu.Unlock()
	f.extension.mu.Lock()
	assert.Equal(t, 1, f.extension.subs)
	assert.Equal(t, 1, f.extension.unsubs)
	f.extension.mu.Unlock()
	assert.Equal(t, 0, f.clock.armed())
}

func TestPropagationMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, func(o *Options) { o.Metrics = metrics })
	seed(t, f.extension, map[string]any{KeyCredential.StorageKey(): "sk-live"})

	require.NoError(t, f.bridge.Bootstrap(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Propagations.WithLabelValues(directionExtensionToPage)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Propagations.WithLabelValues(directionPageToExtension)))
}
