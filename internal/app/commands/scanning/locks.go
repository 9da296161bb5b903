package scanning

import (
	"sync"

	"github.com/google/uuid"
)

// jobLocks hands out one mutex per job id. Entries are dropped once no
// command holds or waits on them.
type jobLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

func newJobLocks() *jobLocks { return &jobLocks{locks: make(map[uuid.UUID]*jobLock)} }

// lock blocks until the caller owns id and returns the matching unlock.
func (l *jobLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	jl, ok := l.locks[id]
	if !ok {
		jl = new(jobLock)
		l.locks[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.Lock()
	return func() {
		jl.Unlock()
		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
