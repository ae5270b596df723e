// Package clientchannel ties the resolver, the root LB policy, and the
// subchannel pool together behind a single-consumer work loop: the one
// goroutine ever permitted to mutate LB-tree state.
package clientchannel

import (
	"fmt"
	"sync"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/internal/grpclog"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

var logger = grpclog.Component("clientchannel")

// workQueue is an unbounded FIFO of closures with a one-slot wake signal.
// A literal buffered chan func() can deadlock under reentrant enqueue (a
// closure running on the loop pushing another closure while the channel's
// buffer is full); this queue never blocks a push, which is what lets
// ChannelController methods enqueue follow-up work from inside a callback
// that is itself running on the loop.
type workQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{wake: make(chan struct{}, 1)}
}

func (q *workQueue) push(f func()) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f, true
}

// Channel is the top of the LB tree: it owns the resolver, the root
// LbPolicy, and the subchannel pool, and implements both
// balancer.ChannelController (for the root policy, which always calls it
// from within the work loop) and resolver.ChannelController plus
// resolver.WorkScheduler (for the resolver, which always calls it from its
// own background goroutine).
type Channel struct {
	target          resolver.Target
	pool            *subchannel.Pool
	svcConfigParser balancer.ServiceConfigParser

	queue     *workQueue
	closeC    chan struct{}
	closeOnce sync.Once

	res        resolver.Resolver
	rootPolicy balancer.LbPolicy

	stateMu    sync.RWMutex
	state      balancer.State
	lastConfig balancer.ServiceConfig
}

// New constructs a Channel dialing target. buildRoot constructs the root
// LbPolicy, given the Channel itself as its ChannelController — the circular
// reference every LB policy tree has at its root. svcConfigParser may be
// nil, in which case an empty balancer.DefaultServiceConfigParser is used
// (rejecting every service config until policies are registered into it).
func New(target resolver.Target, pool *subchannel.Pool, buildRoot func(balancer.ChannelController) balancer.LbPolicy, svcConfigParser balancer.ServiceConfigParser) (*Channel, error) {
	builder := resolver.Get(target.Scheme())
	if builder == nil {
		return nil, fmt.Errorf("clientchannel: no resolver registered for scheme %q", target.Scheme())
	}
	if svcConfigParser == nil {
		svcConfigParser = balancer.NewDefaultServiceConfigParser()
	}

	c := &Channel{
		target:          target,
		pool:            pool,
		svcConfigParser: svcConfigParser,
		queue:           newWorkQueue(),
		closeC:          make(chan struct{}),
		state:           balancer.State{ConnectivityState: balancer.Idle},
	}
	c.rootPolicy = buildRoot(c)

	go c.loop()

	c.res = builder.Build(target, resolver.BuildOptions{
		Authority:      target.Endpoint(),
		WorkScheduler:  c,
		ChannelControl: c,
	})
	return c, nil
}

// loop drains the work queue until Close is called. It is the only
// goroutine that ever calls into the root LbPolicy, directly satisfying the
// "exactly one thread mutates LB-tree state" rule.
func (c *Channel) loop() {
	for {
		for {
			f, ok := c.queue.pop()
			if !ok {
				break
			}
			f()
		}
		select {
		case <-c.queue.wake:
		case <-c.closeC:
			return
		}
	}
}

// runOnLoop enqueues f and blocks until it has run (or the channel closes
// first), for callers outside the loop — the resolver — that need a
// synchronous result.
func (c *Channel) runOnLoop(f func()) {
	done := make(chan struct{})
	c.queue.push(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-c.closeC:
	}
}

// UpdateState implements resolver.ChannelController. It is called from the
// resolver's own goroutine; the actual ResolverUpdate dispatch happens on
// the work loop, and the rejection (if any) is returned synchronously so
// the resolver can drive its backoff.
func (c *Channel) UpdateState(u resolver.Update) error {
	var result error
	c.runOnLoop(func() {
		result = c.handleResolverUpdate(u)
	})
	return result
}

func (c *Channel) handleResolverUpdate(u resolver.Update) error {
	cfg := c.lastConfig
	if u.ServiceCfgErr == nil && u.ServiceConfig != nil {
		raw, ok := u.ServiceConfig.([]byte)
		if !ok {
			cfg = u.ServiceConfig
		} else {
			parsed, err := c.svcConfigParser.ParseServiceConfig(raw)
			if err != nil {
				logger.Logger.Debug().Err(err).Msg("rejecting resolver update: bad service config")
				return err
			}
			cfg = parsed
		}
	}
	c.lastConfig = cfg

	if err := c.rootPolicy.ResolverUpdate(balancer.ResolverUpdateArgs{Update: u, Config: cfg}); err != nil {
		logger.Logger.Debug().Err(err).Msg("root policy rejected resolver update")
		return err
	}
	return nil
}

// ParseServiceConfig implements resolver.ChannelController. It has no
// LB-tree state to protect, so it runs directly rather than through the
// loop.
func (c *Channel) ParseServiceConfig(raw []byte) (any, error) {
	return c.svcConfigParser.ParseServiceConfig(raw)
}

// ScheduleWork implements resolver.WorkScheduler, the generic "run more
// work" hook a Resolver may hold onto (none of the resolvers in this module
// use it — dnsresolver drives its own timers — but the channel still wires
// it to something meaningful: re-running the root policy's Work method).
func (c *Channel) ScheduleWork() {
	c.queue.push(func() { c.rootPolicy.Work() })
}

// NewSubchannel implements balancer.ChannelController. It is always called
// from within the work loop (by the root policy or, transitively, by a
// childmanager.wrappedController on a child's behalf), so it registers the
// watcher that forwards this subchannel's state changes back to the root
// policy directly — that forwarding itself still only enqueues, never calls
// back into SubchannelUpdate synchronously.
func (c *Channel) NewSubchannel(addr resolver.Address) subchannel.Subchannel {
	sc := c.pool.Acquire(addr)
	handle := &pooledHandle{Subchannel: sc, pool: c.pool, addr: addr}
	handle.RegisterStateWatcher(scWatcher{ch: c, handle: handle})
	return handle
}

// UpdatePicker implements balancer.ChannelController.
func (c *Channel) UpdatePicker(s balancer.State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// RequestResolution implements balancer.ChannelController.
func (c *Channel) RequestResolution() {
	if c.res != nil {
		c.res.ResolveNow()
	}
}

// Pick is the channel's RPC-facing entry point: it returns whatever the
// currently published picker decides for info. Unlike every ChannelController
// method, Pick is called by arbitrary application goroutines issuing RPCs,
// never the work loop, so it only ever reads state under a lock.
func (c *Channel) Pick(info balancer.PickInfo) balancer.PickResult {
	c.stateMu.RLock()
	st := c.state
	c.stateMu.RUnlock()
	if st.Picker == nil {
		return balancer.PickResult{Kind: balancer.PickQueue}
	}
	return st.Picker.Pick(info)
}

// State returns the channel's last-published aggregate connectivity state.
func (c *Channel) State() balancer.ConnectivityState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.ConnectivityState
}

// ExitIdle asks the root policy to leave Idle, e.g. because an application
// issued an RPC on a channel that has never resolved.
func (c *Channel) ExitIdle() {
	c.queue.push(func() { c.rootPolicy.ExitIdle() })
}

// Close shuts the channel down: the resolver is stopped, the root policy
// (and transitively every subchannel it holds) is closed on the work loop,
// and the loop goroutine exits.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		c.queue.push(func() {
			c.rootPolicy.Close()
			close(done)
		})
		<-done
		if c.res != nil {
			c.res.Close()
		}
		close(c.closeC)
	})
}

// pooledHandle is the Subchannel handle an LbPolicy actually holds. Closing
// it releases the pool's reference rather than closing the (possibly
// shared) underlying subchannel directly, so two policies that happen to
// reference the same address never fight over its lifetime.
type pooledHandle struct {
	subchannel.Subchannel
	pool *subchannel.Pool
	addr resolver.Address
}

func (h *pooledHandle) Close() { h.pool.Release(h.addr) }

// scWatcher forwards a subchannel's state changes to the channel's root
// policy through the work loop. It never calls SubchannelUpdate directly,
// even though RegisterStateWatcher may invoke OnStateChange synchronously
// (to deliver the current state) — that synchronous call still only
// enqueues.
type scWatcher struct {
	ch     *Channel
	handle subchannel.Subchannel
}

func (w scWatcher) OnStateChange(st subchannel.State) {
	w.ch.queue.push(func() { w.ch.rootPolicy.SubchannelUpdate(w.handle, st) })
}
