package services

import (
	"sort"
	"sync"

	"github.com/dsyorkd/fleet-controller/internal/errors"
)

// NodeLocks are in-process advisory locks that keep two rollouts, or a
// rollout and a lifecycle action, from driving the same node at once.
type NodeLocks struct {
	mu   sync.Mutex
	held map[uint]string
}

// NewNodeLocks creates an empty lock table
func NewNodeLocks() *NodeLocks {
	return &NodeLocks{held: make(map[uint]string)}
}

// TryLock takes every node in ids for owner, or none of them. Re-locking a
// node already held by the same owner succeeds.
func (l *NodeLocks) TryLock(owner string, ids ...uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var busy []uint
	for _, id := range ids {
		if holder, ok := l.held[id]; ok && holder != owner {
			busy = append(busy, id)
		}
	}
	if len(busy) > 0 {
		sort.Slice(busy, func(i, j int) bool { return busy[i] < busy[j] })
		return errors.Wrapf(ErrNodeBusy, "nodes %v are held by another operation", busy)
	}

	for _, id := range ids {
		l.held[id] = owner
	}
	return nil
}

// Unlock releases ids held by owner. Nodes held by someone else are untouched.
func (l *NodeLocks) Unlock(owner string, ids ...uint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if l.held[id] == owner {
			delete(l.held, id)
		}
	}
}

// UnlockAll releases everything owner holds
func (l *NodeLocks) UnlockAll(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, holder := range l.held {
		if holder == owner {
			delete(l.held, id)
		}
	}
}

// Holder returns who holds node id, if anyone
func (l *NodeLocks) Holder(id uint) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.held[id]
	return owner, ok
}
