// lockmap is a sharded table of open-file locks.
//
// Each directory entry has a lock that is either free, shared by any
// number of readers, or held by one writer. Unlike a mutex the locks
// never block: a request that conflicts is refused and the caller reports
// the file as locked.
//
// Entries are spread over a fixed collection of shards so that shard i
// keeps the state of every entry e with e % NSHARD = i.
package lockmap

import (
	"sync"
)

type lockState struct {
	readers uint64
	writer  bool
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	state := make(map[uint64]*lockState)
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: state,
	}
	return a
}

func (lmap *lockShard) tryAcquire(e uint64, exclusive bool) bool {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[e]
	if !ok {
		state = &lockState{}
		lmap.state[e] = state
	}
	if state.writer {
		return false
	}
	if exclusive {
		state.writer = true
	} else {
		state.readers += 1
	}
	return true
}

func (lmap *lockShard) release(e uint64, exclusive bool) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[e]
	if !ok {
		panic("lockmap: release of unheld entry")
	}
	if exclusive {
		state.writer = false
	} else {
		state.readers -= 1
	}
	if !state.writer && state.readers == 0 {
		delete(lmap.state, e)
	}
}

func (lmap *lockShard) holders(e uint64) (uint64, bool) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[e]
	if !ok {
		return 0, false
	}
	return state.readers, state.writer
}

const NSHARD uint64 = 13

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

// TryAcquire takes the lock of entry e shared, or exclusive for a writer.
// A writer may join existing readers, but once it holds the entry new
// readers and a second writer are refused.
func (lmap *LockMap) TryAcquire(e uint64, exclusive bool) bool {
	shard := lmap.shards[e%NSHARD]
	return shard.tryAcquire(e, exclusive)
}

func (lmap *LockMap) Release(e uint64, exclusive bool) {
	shard := lmap.shards[e%NSHARD]
	shard.release(e, exclusive)
}

// Holders returns the number of readers and whether a writer holds e.
func (lmap *LockMap) Holders(e uint64) (uint64, bool) {
	shard := lmap.shards[e%NSHARD]
	return shard.holders(e)
}
