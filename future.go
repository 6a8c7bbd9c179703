package mongocore

import (
	"sync"

	"github.com/mongocore/mongocore/internal/topology"
)

// resolveFuture is a single-resolution result, published exactly once.
// Grounded on pymongo's mongo_client.py __ensure_member/__future_member: a
// caller that observes a resolution already in progress waits on the same
// future every other concurrent caller is waiting on, so all of them see the
// identical outcome.
type resolveFuture struct {
	done   chan struct{}
	once   sync.Once
	member *topology.Member
	err    error
}

func newResolveFuture() *resolveFuture {
	return &resolveFuture{done: make(chan struct{})}
}

// publish delivers the resolution outcome and wakes every waiter. Safe to
// call multiple times; only the first call has any effect, satisfying
// "closed exactly once".
func (f *resolveFuture) publish(member *topology.Member, err error) {
	f.once.Do(func() {
		f.member = member
		f.err = err
		close(f.done)
	})
}

// wait blocks until publish has run, then returns its outcome.
func (f *resolveFuture) wait() (*topology.Member, error) {
	<-f.done
	return f.member, f.err
}
