package bridge

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeWritten
	outcomeRejected
	outcomeFailed
)

const (
	reasonEmptyCredential = "empty_credential"
	reasonInvalidValue    = "invalid_value"
)

// changedSyncKeys lists the mirrored keys in set that were not written by
// the bridge itself.
func (b *Bridge) changedSyncKeys(set kvstore.ChangeSet) []SyncKey {
	var keys []SyncKey
	for storageKey, change := range set.Changes {
		key, ok := syncKeyFor(storageKey)
		if !ok || b.isEcho(change) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// onPageChange mirrors page store edits into the extension store. Values are
// re-read at processing time so a queued event never replays a stale value.
func (b *Bridge) onPageChange(ctx context.Context, set kvstore.ChangeSet) {
	keys := b.changedSyncKeys(set)
	if len(keys) == 0 {
		return
	}
	current, err := b.page.Get(ctx, storageKeysOf(keys)...)
	if err != nil {
		b.logger.Warn("read page store failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		b.pushToExtension(ctx, key, current[key.StorageKey()], correlationID())
	}
}

// onExtensionChange mirrors extension store edits in the shared area into
// the page store and signals the page once per change set.
func (b *Bridge) onExtensionChange(ctx context.Context, set kvstore.ChangeSet) {
	if set.Area != b.opts.SharedArea {
		return
	}
	keys := b.changedSyncKeys(set)
	if len(keys) == 0 {
		return
	}
	current, err := b.extension.Get(ctx, storageKeysOf(keys)...)
	if err != nil {
		b.logger.Warn("read extension store failed", zap.Error(err))
		return
	}
	wrote := false
	for _, key := range keys {
		if b.pullToPage(ctx, key, current[key.StorageKey()], correlationID()) == outcomeWritten {
			wrote = true
		}
	}
	if wrote {
		b.notifier.Broadcast()
	}
}

// pushToExtension writes a decoded page value into the extension store
// unless a guard rejects it or the extension already holds it.
func (b *Bridge) pushToExtension(ctx context.Context, key SyncKey, value any, cid string) outcome {
	log := b.logger.With(
		zap.String("key", key.String()),
		zap.String("direction", directionPageToExtension),
		zap.String("correlation_id", cid),
	)
	if key == KeyCredential && kvstore.IsEmpty(value) {
		log.Debug("dropped empty credential")
		b.metrics.rejected(reasonEmptyCredential)
		return outcomeRejected
	}
	if !kvstore.IsEmpty(value) {
		if err := b.validator.Validate(key, value); err != nil {
			log.Debug("dropped value failing schema", zap.Error(err))
			b.metrics.rejected(reasonInvalidValue)
			return outcomeRejected
		}
	}
	existing, err := b.extension.Get(ctx, key.StorageKey())
	if err != nil {
		log.Warn("read extension store failed", zap.Error(err))
		b.metrics.writeFailed(b.extension.Name())
		return outcomeFailed
	}
	if old, ok := existing[key.StorageKey()]; ok == (value != nil) && kvstore.Equal(old, value) {
		return outcomeUnchanged
	}
	if err := b.extension.Set(b.writeCtx(ctx), map[string]any{key.StorageKey(): value}); err != nil {
		log.Warn("write extension store failed", zap.Error(err))
		b.metrics.writeFailed(b.extension.Name())
		return outcomeFailed
	}
	log.Debug("propagated", zap.Bool("removed", value == nil))
	b.metrics.propagated(directionPageToExtension)
	return outcomeWritten
}

// pullToPage writes an extension value into the page store in its string
// form. Callers broadcast the page notification.
func (b *Bridge) pullToPage(ctx context.Context, key SyncKey, value any, cid string) outcome {
	log := b.logger.With(
		zap.String("key", key.String()),
		zap.String("direction", directionExtensionToPage),
		zap.String("correlation_id", cid),
	)
	existing, err := b.page.Get(ctx, key.StorageKey())
	if err != nil {
		log.Warn("read page store failed", zap.Error(err))
		b.metrics.writeFailed(b.page.Name())
		return outcomeFailed
	}
	old, present := existing[key.StorageKey()]
	if key == KeyCredential && kvstore.IsEmpty(value) && !kvstore.IsEmpty(old) {
		log.Debug("dropped empty credential")
		b.metrics.rejected(reasonEmptyCredential)
		return outcomeRejected
	}
	var next any
	if value != nil {
		text, err := kvstore.Encode(value)
		if err != nil {
			log.Warn("encode extension value failed", zap.Error(err))
			b.metrics.writeFailed(b.page.Name())
			return outcomeFailed
		}
		next = text
	}
	if present == (next != nil) && kvstore.Equal(old, next) {
		return outcomeUnchanged
	}
	if err := b.page.Set(b.writeCtx(ctx), map[string]any{key.StorageKey(): next}); err != nil {
		log.Warn("write page store failed", zap.Error(err))
		b.metrics.writeFailed(b.page.Name())
		return outcomeFailed
	}
	log.Debug("propagated", zap.Bool("removed", next == nil))
	b.metrics.propagated(directionExtensionToPage)
	return outcomeWritten
}

func storageKeysOf(keys []SyncKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.StorageKey())
	}
	return out
}
