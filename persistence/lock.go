package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrDataDirLocked is returned when another server already owns the data directory.
var ErrDataDirLocked = fmt.Errorf("data directory is locked by another process")

// LockDataDir takes an exclusive lock on dir so only one authoritative server uses a store at a time. Release the
// lock with Unlock on the returned value.
func LockDataDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storageErr("create data dir", err)
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, storageErr("lock data dir", err)
	}
	if !ok {
		return nil, ErrDataDirLocked
	}
	return lock, nil
}
