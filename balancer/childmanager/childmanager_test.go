package childmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

type fakeSubchannel struct {
	addr resolver.Address
}

func (f *fakeSubchannel) Connect()                               {}
func (f *fakeSubchannel) RegisterStateWatcher(subchannel.StateWatcher) {}
func (f *fakeSubchannel) Address() resolver.Address              { return f.addr }
func (f *fakeSubchannel) Close()                                 {}

// fakeController plays the channel's role for the ChildManager itself (the
// top of the tree, not a per-child wrapped controller).
type fakeController struct {
	created []resolver.Address
	states  []balancer.State
}

func (c *fakeController) NewSubchannel(addr resolver.Address) subchannel.Subchannel {
	c.created = append(c.created, addr)
	return &fakeSubchannel{addr: addr}
}
func (c *fakeController) UpdatePicker(s balancer.State) { c.states = append(c.states, s) }
func (c *fakeController) RequestResolution()            {}

// testChildPolicy is a minimal LbPolicy whose behavior each test drives
// directly, used to observe exactly what the ChildManager does without
// depending on a concrete leaf policy's own semantics.
type testChildPolicy struct {
	cc  balancer.ChannelController
	ws  WorkScheduler
	sc  subchannel.Subchannel
	addr resolver.Address

	resolverUpdates  int
	subchannelUpdates int
	workCalls        int
	exitIdleCalls    int
	closed           bool
	scheduleOnWork   bool
}

func (p *testChildPolicy) ResolverUpdate(args balancer.ResolverUpdateArgs) error {
	p.resolverUpdates++
	addr := args.Update.Endpoints[0].Addresses[0]
	p.addr = addr
	p.sc = p.cc.NewSubchannel(addr)
	p.cc.UpdatePicker(balancer.State{ConnectivityState: balancer.Ready, Picker: &testPicker{sc: p.sc}})
	return nil
}

func (p *testChildPolicy) SubchannelUpdate(subchannel.Subchannel, subchannel.State) {
	p.subchannelUpdates++
}

func (p *testChildPolicy) Work() {
	p.workCalls++
	if p.scheduleOnWork {
		p.scheduleOnWork = false
		p.ws.ScheduleWork()
	}
}

func (p *testChildPolicy) ExitIdle() { p.exitIdleCalls++ }
func (p *testChildPolicy) Close()    { p.closed = true }

type testPicker struct{ sc subchannel.Subchannel }

func (p *testPicker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickResult{Kind: balancer.PickComplete, Subchannel: p.sc}
}

// addressSharder shards a resolver.Update into one child per address,
// identified by the address string.
type addressSharder struct {
	policies map[string]*testChildPolicy
}

func newAddressSharder() *addressSharder {
	return &addressSharder{policies: make(map[string]*testChildPolicy)}
}

func (s *addressSharder) ShardUpdate(update balancer.ResolverUpdateArgs) ([]ChildUpdate[string], error) {
	var out []ChildUpdate[string]
	for _, ep := range update.Update.Endpoints {
		for _, addr := range ep.Addresses {
			addr := addr
			out = append(out, ChildUpdate[string]{
				ChildIdentifier: addr.Addr,
				ChildPolicyBuilder: BuilderFunc(func(cc balancer.ChannelController, ws WorkScheduler) balancer.LbPolicy {
					p := &testChildPolicy{cc: cc, ws: ws}
					s.policies[addr.Addr] = p
					return p
				}),
				ChildUpdate: balancer.ResolverUpdateArgs{
					Update: resolver.Update{Endpoints: []resolver.Endpoint{{Addresses: []resolver.Address{addr}}}},
				},
			})
		}
	}
	return out, nil
}

type erroringSharder struct{ err error }

func (s erroringSharder) ShardUpdate(balancer.ResolverUpdateArgs) ([]ChildUpdate[string], error) {
	return nil, s.err
}

func addrUpdate(addrs ...string) balancer.ResolverUpdateArgs {
	var eps []resolver.Endpoint
	for _, a := range addrs {
		eps = append(eps, resolver.Endpoint{Addresses: []resolver.Address{{NetworkType: resolver.TCPNetworkType, Addr: a}}})
	}
	return balancer.ResolverUpdateArgs{Update: resolver.Update{Endpoints: eps}}
}

func TestChildManagerCreatesOneChildPerShard(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)

	require.NoError(t, m.ResolverUpdate(addrUpdate("10.0.0.1:443", "10.0.0.2:443")))
	require.Len(t, sharder.policies, 2)
	require.Len(t, m.ChildStates(), 2)

	require.NotEmpty(t, cc.states)
	last := cc.states[len(cc.states)-1]
	require.Equal(t, balancer.Ready, last.ConnectivityState)
}

func TestChildManagerRoutesSubchannelUpdateToOwningChild(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("10.0.0.1:443", "10.0.0.2:443")))

	child1 := sharder.policies["10.0.0.1:443"]
	child2 := sharder.policies["10.0.0.2:443"]

	m.SubchannelUpdate(child1.sc, subchannel.State{ConnectivityState: subchannel.Ready})
	require.Equal(t, 1, child1.subchannelUpdates)
	require.Equal(t, 0, child2.subchannelUpdates)
}

func TestChildManagerDropsUpdateForUnknownSubchannel(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("10.0.0.1:443")))

	stray := &fakeSubchannel{addr: resolver.Address{Addr: "9.9.9.9:1"}}
	require.NotPanics(t, func() {
		m.SubchannelUpdate(stray, subchannel.State{ConnectivityState: subchannel.Ready})
	})
}

func TestChildManagerPreservesChildAcrossReorder(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a", "b")))

	childA := sharder.policies["a"]
	childB := sharder.policies["b"]
	bSubchannel := childB.sc
	require.NotNil(t, bSubchannel)

	require.NoError(t, m.ResolverUpdate(addrUpdate("b", "c")))

	// "a" was dropped: its policy is closed and a new "c" was created.
	require.True(t, childA.closed)
	childC, ok := sharder.policies["c"]
	require.True(t, ok)
	require.Equal(t, 1, childC.resolverUpdates)

	// "b" survived: same *testChildPolicy instance, ResolverUpdate called
	// again on it (not rebuilt), and its old subchannel still routes to it
	// after the re-key.
	require.Same(t, childB, sharder.policies["b"])
	require.Equal(t, 2, childB.resolverUpdates)
	require.False(t, childB.closed)

	m.SubchannelUpdate(bSubchannel, subchannel.State{ConnectivityState: subchannel.Ready})
	require.Equal(t, 1, childB.subchannelUpdates)
}

func TestChildManagerWorkDispatchIsNotRecursive(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a")))

	child := sharder.policies["a"]
	child.scheduleOnWork = true
	child.ws.ScheduleWork()

	m.Work()
	require.Equal(t, 1, child.workCalls)

	// The reschedule made during that Work() call lands on the next cycle.
	m.Work()
	require.Equal(t, 2, child.workCalls)

	// No further work was scheduled, so a third cycle is a no-op.
	m.Work()
	require.Equal(t, 2, child.workCalls)
}

func TestChildManagerRemovedChildWorkSchedulerBecomesNoOp(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a")))

	child := sharder.policies["a"]
	ws := child.ws

	require.NoError(t, m.ResolverUpdate(addrUpdate("b")))
	require.True(t, child.closed)

	// "a"'s scheduler must not reach back into "b"'s slot.
	ws.ScheduleWork()
	m.Work()
	require.Equal(t, 0, sharder.policies["b"].workCalls)
}

func TestChildManagerExitIdleDispatchesToEveryChild(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a", "b")))

	m.ExitIdle()
	require.Equal(t, 1, sharder.policies["a"].exitIdleCalls)
	require.Equal(t, 1, sharder.policies["b"].exitIdleCalls)
}

func TestChildManagerAggregatesReadyChildrenIntoRoundRobinPicker(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a", "b")))

	last := cc.states[len(cc.states)-1]
	require.Equal(t, balancer.Ready, last.ConnectivityState)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		res := last.Picker.Pick(balancer.PickInfo{})
		require.Equal(t, balancer.PickComplete, res.Kind)
		seen[res.Subchannel.Address().Addr] = true
	}
	require.True(t, seen["a"] && seen["b"])
}

func TestChildManagerRepublishWithUnchangedReadySetSuppressesUpdate(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a", "b")))

	before := len(cc.states)
	readyPicker := m.readyPicker

	// Calling publish() again with no child state change (no ResolverUpdate,
	// which would itself hand back fresh child pickers) must reuse the
	// cached round-robin wrapper rather than allocate an equivalent one.
	m.publish()
	require.Equal(t, before, len(cc.states), "an unchanged Ready child-picker set must not trigger a redundant UpdatePicker")
	require.Same(t, readyPicker, m.readyPicker)
}

func TestChildManagerShardErrorLeavesChildrenUntouched(t *testing.T) {
	sharder := newAddressSharder()
	cc := &fakeController{}
	m := New[string](cc, sharder)
	require.NoError(t, m.ResolverUpdate(addrUpdate("a")))

	failing := erroringSharder{err: errors.New("boom")}
	m.sharder = failing
	err := m.ResolverUpdate(addrUpdate("a", "b"))
	require.Error(t, err)
	require.Len(t, m.ChildStates(), 1)
}
