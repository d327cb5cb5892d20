// Package imagestore caches distro base images on disk, keyed by
// (distro, name), and serves them to callers that want to provision a
// Machine without re-downloading or re-verifying an image that is
// already present.
package imagestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// keyLock provides mutual exclusion per cache key, combining:
//   - in-process exclusion via a size-1 buffered channel, so a second
//     goroutine racing for the same key blocks in Go rather than paying
//     for a syscall;
//   - cross-process exclusion via flock(2) with a fresh fd on every
//     acquisition, so two qlean processes sharing the same XDG data
//     directory never download the same image twice concurrently.
type keyLock struct {
	path string
	ch   chan struct{}
	fl   *flock.Flock
}

func newKeyLock(path string) *keyLock {
	return &keyLock{path: path, ch: make(chan struct{}, 1)}
}

func (l *keyLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		<-l.ch
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		<-l.ch
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	l.fl = fl
	return nil
}

func (l *keyLock) Unlock() error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// lockTable hands out one keyLock per cache key, reusing the same
// instance for the lifetime of the process so the in-process channel
// token is actually shared between racing goroutines.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (t *lockTable) get(key, lockPath string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		return l
	}
	l := newKeyLock(lockPath)
	t.locks[key] = l
	return l
}
