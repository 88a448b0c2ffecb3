package bridge

import (
	"fmt"
	"strings"
)

// SyncKey names one of the logical values mirrored between the two stores.
type SyncKey string

const (
	KeyVocabulary     SyncKey = "vocabulary"
	KeyReadingHistory SyncKey = "readingHistory"
	KeyCredential     SyncKey = "credential"
)

var syncKeys = []SyncKey{KeyVocabulary, KeyReadingHistory, KeyCredential}

var storageKeys = map[SyncKey]string{
	KeyVocabulary:     "vibe_vocab",
	KeyReadingHistory: "vibe_reading",
	KeyCredential:     "vibe_api_key",
}

// SyncKeys returns the mirrored keys in a fixed order.
func SyncKeys() []SyncKey {
	out := make([]SyncKey, len(syncKeys))
	copy(out, syncKeys)
	return out
}

// StorageKey is the name both stores keep the value under.
func (k SyncKey) StorageKey() string {
	return storageKeys[k]
}

func (k SyncKey) String() string {
	return string(k)
}

// ParseSyncKey accepts either the logical name or the storage name.
func ParseSyncKey(raw string) (SyncKey, error) {
	raw = strings.TrimSpace(raw)
	for _, key := range syncKeys {
		if strings.EqualFold(raw, string(key)) || raw == key.StorageKey() {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, raw)
}

// syncKeyFor maps a storage key back to its SyncKey; anything else is not
// mirrored.
func syncKeyFor(storageKey string) (SyncKey, bool) {
	for _, key := range syncKeys {
		if key.StorageKey() == storageKey {
			return key, true
		}
	}
	return "", false
}

func storageKeyList() []string {
	out := make([]string, 0, len(syncKeys))
	for _, key := range syncKeys {
		out = append(out, key.StorageKey())
	}
	return out
}
