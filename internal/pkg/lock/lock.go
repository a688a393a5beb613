// Package lock provides per-wallet locking for concurrent balance operations.
// The database's conditional updates make single mutations safe on their own;
// these locks serialize composite sequences (check, call out, mutate) that
// span more than one statement on the same wallet.
package lock

import (
	"context"
	"sync"
	"time"
)

// walletMutex wraps a mutex with reference counting for cleanup.
type walletMutex struct {
	mu       sync.Mutex
	refCount int
}

// WalletLock provides per-wallet locking to prevent race conditions
// during multi-step balance operations.
type WalletLock struct {
	locks sync.Map // map[int64]*walletMutex
	pool  sync.Pool
}

// NewWalletLock creates a new WalletLock instance.
func NewWalletLock() *WalletLock {
	return &WalletLock{
		pool: sync.Pool{
			New: func() any {
				return &walletMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given user ID.
func (wl *WalletLock) getLock(userID int64) *walletMutex {
	if v, ok := wl.locks.Load(userID); ok {
		return v.(*walletMutex)
	}

	newLock := wl.pool.Get().(*walletMutex)
	newLock.refCount = 0

	actual, loaded := wl.locks.LoadOrStore(userID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		wl.pool.Put(newLock)
	}
	return actual.(*walletMutex)
}

// Lock acquires the lock for a wallet.
func (wl *WalletLock) Lock(userID int64) {
	lock := wl.getLock(userID)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a wallet.
func (wl *WalletLock) Unlock(userID int64) {
	if v, ok := wl.locks.Load(userID); ok {
		lock := v.(*walletMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (wl *WalletLock) TryLock(userID int64) bool {
	lock := wl.getLock(userID)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// LockWithTimeout attempts to acquire the lock with a timeout.
// Returns true if the lock was acquired, false if timeout occurred.
func (wl *WalletLock) LockWithTimeout(ctx context.Context, userID int64, timeout time.Duration) bool {
	lock := wl.getLock(userID)

	done := make(chan struct{})

	go func() {
		lock.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		lock.refCount++
		return true
	case <-timeoutCtx.Done():
		// The waiting goroutine will eventually acquire the lock; release
		// it as soon as that happens so nobody is left holding it.
		go func() {
			<-done
			lock.mu.Unlock()
		}()
		return false
	}
}

// WithLock executes a function while holding the wallet's lock.
func (wl *WalletLock) WithLock(userID int64, fn func() error) error {
	wl.Lock(userID)
	defer wl.Unlock(userID)
	return fn()
}

// LockPair acquires locks for two wallets in ascending userID order.
// The consistent order prevents deadlock when two transfers touch the
// same pair of wallets in opposite directions.
func (wl *WalletLock) LockPair(a, b int64) {
	if a == b {
		wl.Lock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	wl.Lock(a)
	wl.Lock(b)
}

// UnlockPair releases locks acquired by LockPair.
func (wl *WalletLock) UnlockPair(a, b int64) {
	if a == b {
		wl.Unlock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	wl.Unlock(b)
	wl.Unlock(a)
}

// WithPairLock executes a function while holding both wallets' locks.
func (wl *WalletLock) WithPairLock(a, b int64, fn func() error) error {
	wl.LockPair(a, b)
	defer wl.UnlockPair(a, b)
	return fn()
}
