// Package rwlock provides a reader/writer lock with an upgradeable read mode.
//
// sync.RWMutex cannot atomically promote a read lock to a write lock. RWMutex
// here admits at most one upgradeable reader at a time (alongside any number
// of plain readers). Upgrade releases the read lock before acquiring the write
// lock, so other writers may run in between: anything observed under the read
// lock must be re-checked after Upgrade returns.
package rwlock

import "sync"

// RWMutex is a reader/writer lock with an upgradeable read mode.
// The zero value is an unlocked mutex.
type RWMutex struct {
	rw      sync.RWMutex
	upgrade sync.Mutex
}

// RLock locks for reading.
func (m *RWMutex) RLock() { m.rw.RLock() }

// RUnlock undoes a single RLock call.
func (m *RWMutex) RUnlock() { m.rw.RUnlock() }

// Lock locks for writing.
func (m *RWMutex) Lock() { m.rw.Lock() }

// Unlock unlocks for writing.
func (m *RWMutex) Unlock() { m.rw.Unlock() }

// UpgradeableRLock locks for reading and reserves the right to upgrade.
// Only one goroutine holds the upgradeable read lock at a time.
func (m *RWMutex) UpgradeableRLock() {
	m.upgrade.Lock()
	m.rw.RLock()
}

// UpgradeableRUnlock releases the lock taken by UpgradeableRLock.
// It must be called in read mode (after any Upgrade has been Downgraded).
func (m *RWMutex) UpgradeableRUnlock() {
	m.rw.RUnlock()
	m.upgrade.Unlock()
}

// Upgrade converts the upgradeable read lock into the write lock.
// State read before the call may have changed when it returns.
func (m *RWMutex) Upgrade() {
	m.rw.RUnlock()
	m.rw.Lock()
}

// Downgrade converts the write lock obtained by Upgrade back into the
// upgradeable read lock.
func (m *RWMutex) Downgrade() {
	m.rw.Unlock()
	m.rw.RLock()
}
