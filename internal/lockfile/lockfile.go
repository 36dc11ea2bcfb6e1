// Package lockfile provides a cross-platform advisory file mutex.
//
// Drover runs several worker sessions in one process but also has to
// coexist with other drover processes pointed at the same project, so
// in-memory mutexes are not enough. Each Mutex pairs a process-local
// sync.Mutex with an OS-level advisory lock on a well-known file. The
// claim store and the git serializer hold two independent instances.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is how often the OS lock is re-polled while blocked.
const DefaultRetryDelay = 100 * time.Millisecond

// Mutex is an exclusive lock scoped to a file path.
type Mutex struct {
	path  string
	local sync.Mutex
	fl    *flock.Flock
}

// New creates a Mutex for the given lock file path. The parent directory
// is created on first Lock.
func New(path string) *Mutex {
	return &Mutex{
		path: path,
		fl:   flock.New(path),
	}
}

// Path returns the lock file path.
func (m *Mutex) Path() string {
	return m.path
}

// Lock acquires the lock, blocking until it is held or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	m.local.Lock()

	ok, err := m.fl.TryLockContext(ctx, DefaultRetryDelay)
	if err != nil {
		m.local.Unlock()
		return fmt.Errorf("acquire lock %s: %w", m.path, err)
	}
	if !ok {
		m.local.Unlock()
		return fmt.Errorf("acquire lock %s: not acquired", m.path)
	}
	return nil
}

// Unlock releases the lock.
func (m *Mutex) Unlock() error {
	err := m.fl.Unlock()
	m.local.Unlock()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", m.path, err)
	}
	return nil
}

// With runs fn while holding the lock and releases it afterwards.
func (m *Mutex) With(ctx context.Context, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Unlock() }()
	return fn()
}
