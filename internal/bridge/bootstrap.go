package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vibereading/syncbridge/internal/kvstore"
)

// Bootstrap copies every non-empty extension value into the page store and
// then signals the page exactly once. Keys the extension does not hold, or
// holds empty, leave the page untouched.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	b.work.Lock()
	defer b.work.Unlock()
	defer b.notifier.Broadcast()

	values, err := b.extension.Get(ctx, storageKeyList()...)
	if err != nil {
		return fmt.Errorf("read extension store: %w", err)
	}
	seeded := 0
	for _, key := range syncKeys {
		value := values[key.StorageKey()]
		if kvstore.IsEmpty(value) {
			continue
		}
		if b.pullToPage(ctx, key, value, correlationID()) == outcomeWritten {
			seeded++
		}
	}
	b.logger.Info("bootstrap complete", zap.Int("seeded", seeded))
	return nil
}
