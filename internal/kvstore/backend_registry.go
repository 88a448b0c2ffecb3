package kvstore

import (
	"context"
	"strings"
	"sync"
)

type StoreFactory func(ctx context.Context, dsn string, opts Options) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes Open route scheme to factory. Registered
// factories take precedence over the built-in schemes.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func unregisterStoreFactory(scheme string) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	delete(storeFactoryRegistry.factories, scheme)
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
