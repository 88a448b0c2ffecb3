//go:build !unix

package kvstore

import "sync"

var fileLocks sync.Map

func lockFile(path string) (func(), error) {
	mu, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock, nil
}
