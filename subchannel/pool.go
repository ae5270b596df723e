package subchannel

import (
	"sync"

	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/transport"
)

// Key identifies a pooled subchannel by address alone, matching the rule
// that at most one subchannel exists per address regardless of how many LB
// policies asked for it.
type Key struct {
	NetworkType string
	Addr        string
}

func keyFor(addr resolver.Address) Key {
	return Key{NetworkType: addr.NetworkType, Addr: addr.Addr}
}

// Pool deduplicates subchannels across the whole channel. Go has no portable
// user-visible weak pointer prior to 1.24, so instead of a weak-reference
// registry the pool refcounts handles explicitly: the entry is removed when
// the last handle referencing it is closed.
type Pool struct {
	transport transport.Transport

	mu      sync.RWMutex
	entries map[Key]*poolEntry
}

type poolEntry struct {
	sc       Subchannel
	refCount int
}

// NewPool returns an empty pool that dials through t.
func NewPool(t transport.Transport) *Pool {
	return &Pool{transport: t, entries: make(map[Key]*poolEntry)}
}

// Acquire returns the pooled subchannel for addr, creating it if this is the
// first reference. Release must be called exactly once per Acquire.
func (p *Pool) Acquire(addr resolver.Address) Subchannel {
	k := keyFor(addr)

	p.mu.Lock()
	if e, ok := p.entries[k]; ok {
		e.refCount++
		p.mu.Unlock()
		return e.sc
	}
	e := &poolEntry{refCount: 1}
	p.entries[k] = e
	p.mu.Unlock()

	// Construction happens without the pool lock held, so a slow dial or a
	// watcher callback can never block another Acquire/Release.
	e.sc = New(addr, p.transport, func() { p.release(k) })
	return e.sc
}

// Release drops one reference to the subchannel at addr, closing and
// removing it once the last reference is gone.
func (p *Pool) Release(addr resolver.Address) {
	k := keyFor(addr)
	p.mu.Lock()
	e, ok := p.entries[k]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.refCount--
	last := e.refCount == 0
	p.mu.Unlock()

	if last {
		e.sc.Close()
	}
}

// release is invoked by the subchannel itself after its goroutine exits,
// dropping the pool's bookkeeping entry.
func (p *Pool) release(k Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, k)
}

// Len reports how many distinct addresses currently have a live subchannel,
// used by tests to assert dedup behavior.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
