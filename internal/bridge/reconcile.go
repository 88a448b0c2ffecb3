package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

// ReconcileReport counts what one reconciliation pass did per key.
type ReconcileReport struct {
	Pushed    int
	Pulled    int
	Rejected  int
	Failed    int
	Unchanged int
}

// Changed reports whether the pass wrote or tried to write anything. Guard
// rejections are not writes.
func (r ReconcileReport) Changed() bool {
	return r.Pushed+r.Pulled+r.Failed > 0
}

// Reconcile runs one pass over every SyncKey. A non-empty page value is
// authoritative and is pushed into the extension store when they differ; an
// empty page value is seeded from a non-empty extension value. Equal values
// cause no writes, so repeated passes over unchanged stores are free.
func (b *Bridge) Reconcile(ctx context.Context) (ReconcileReport, error) {
	b.work.Lock()
	defer b.work.Unlock()
	return b.reconcile(ctx)
}

func (b *Bridge) reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	keys := storageKeyList()
	pageValues, err := b.page.Get(ctx, keys...)
	if err != nil {
		return report, fmt.Errorf("read page store: %w", err)
	}
	extensionValues, err := b.extension.Get(ctx, keys...)
	if err != nil {
		return report, fmt.Errorf("read extension store: %w", err)
	}
	pulled := false
	for _, key := range syncKeys {
		local := pageValues[key.StorageKey()]
		remote := extensionValues[key.StorageKey()]
		var result outcome
		var direction string
		switch {
		case !kvstore.IsEmpty(local):
			if kvstore.Equal(local, remote) {
				result = outcomeUnchanged
				break
			}
			direction = directionPageToExtension
			result = b.pushToExtension(ctx, key, local, correlationID())
			if result == outcomeWritten {
				report.Pushed++
			}
		case !kvstore.IsEmpty(remote):
			direction = directionExtensionToPage
			result = b.pullToPage(ctx, key, remote, correlationID())
			if result == outcomeWritten {
				report.Pulled++
				pulled = true
			}
		default:
			result = outcomeUnchanged
		}
		switch result {
		case outcomeWritten:
			b.metrics.corrected(direction)
			b.logger.Debug("reconciled drift", zap.String("key", key.String()), zap.String("direction", direction))
		case outcomeRejected:
			report.Rejected++
		case outcomeFailed:
			report.Failed++
		default:
			report.Unchanged++
		}
	}
	if pulled {
		b.notifier.Broadcast()
	}
	return report, nil
}
