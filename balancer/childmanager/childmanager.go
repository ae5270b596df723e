// Package childmanager implements a reusable LbPolicy that manages a
// dynamic set of identified child policies on behalf of a parent, without
// any child knowing about its siblings.
package childmanager

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/internal/grpclog"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

var logger = grpclog.Component("childmanager")

// WorkScheduler lets a child policy ask to have its Work method called
// again on a later cycle of the owning channel's work loop, without
// blocking the call that requested it.
type WorkScheduler interface {
	ScheduleWork()
}

// Builder constructs a child's LbPolicy, driven through cc, with ws
// available for the child to retain if it ever needs to self-schedule Work.
// Most leaf policies (pickfirst, ringhash) never call it.
type Builder interface {
	Build(cc balancer.ChannelController, ws WorkScheduler) balancer.LbPolicy
}

// BuilderFunc adapts a function to a Builder.
type BuilderFunc func(cc balancer.ChannelController, ws WorkScheduler) balancer.LbPolicy

func (f BuilderFunc) Build(cc balancer.ChannelController, ws WorkScheduler) balancer.LbPolicy {
	return f(cc, ws)
}

// ChildUpdate is one element of the set a ResolverUpdateSharder splits an
// aggregate resolver.Update into: the identifier the ChildManager should use
// to track this child, the Builder to construct it with if it doesn't
// already exist, and the update to deliver to it.
type ChildUpdate[T comparable] struct {
	ChildIdentifier    T
	ChildPolicyBuilder Builder
	ChildUpdate        balancer.ResolverUpdateArgs
}

// ResolverUpdateSharder splits an aggregate resolver update into the
// per-child updates a ChildManager should apply. Called once per
// ChildManager.ResolverUpdate.
type ResolverUpdateSharder[T comparable] interface {
	ShardUpdate(update balancer.ResolverUpdateArgs) ([]ChildUpdate[T], error)
}

// initialState is the LbState every freshly-built child starts in: a queuing
// picker at Connecting, matching a channel that hasn't heard from any
// subchannel yet.
func initialState() balancer.State {
	return balancer.State{ConnectivityState: balancer.Connecting, Picker: queuingPickerInstance}
}

// queuingPicker and failingPicker are pointer types, like every other Picker
// in this module, so StickyAggregator's == comparison over Picker values is
// always safe.
type queuingPicker struct{}

var queuingPickerInstance = &queuingPicker{}

func (*queuingPicker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickResult{Kind: balancer.PickQueue}
}

type failingPicker struct{ err error }

func (p *failingPicker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickResult{Kind: balancer.PickFail, Err: p.err}
}

// failingPickerInstance is shared across every "no children Ready" report,
// the same way queuingPickerInstance is, so repeated TransientFailure
// publishes don't defeat StickyAggregator's picker-identity check.
var failingPickerInstance = &failingPicker{err: errors.New("childmanager: no children available")}

type child[T comparable] struct {
	identifier    T
	policy        balancer.LbPolicy
	state         balancer.State
	workScheduler *childWorkScheduler
	controller    *wrappedController // the controller the child was built with
}

// childWorkScheduler is handed to each child when it is built; a child
// policy that wants work() called again later invokes ScheduleWork on it.
// It holds a reference to the manager's shared pending-work set plus a
// separately mutex-guarded "my index" cell, so it can be safely invalidated
// (idx set to nil) when its child is removed without needing to reach back
// into the manager itself.
type childWorkScheduler struct {
	pendingWork *pendingWorkSet // must be locked before idxMu, see ChildManager doc

	idxMu sync.Mutex
	idx   *int // nil once the child has been removed
}

func (s *childWorkScheduler) ScheduleWork() {
	s.pendingWork.mu.Lock()
	defer s.pendingWork.mu.Unlock()
	s.idxMu.Lock()
	idx := s.idx
	s.idxMu.Unlock()
	if idx != nil {
		s.pendingWork.set[*idx] = struct{}{}
	}
}

func (s *childWorkScheduler) setIdx(idx int) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.idx = &idx
}

func (s *childWorkScheduler) invalidate() {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.idx = nil
}

type pendingWorkSet struct {
	mu  sync.Mutex
	set map[int]struct{}
}

// ChildManager is an LbPolicy that fans an aggregate resolver update out to
// a dynamic set of identified children and aggregates their reported state
// back into a single balancer.State, publishing it through cc.
//
// Like every LbPolicy, ChildManager is driven exclusively by the channel's
// single-threaded work loop, so ResolverUpdate/SubchannelUpdate/Work/
// ExitIdle/Close never run concurrently with each other. The pendingWork
// lock exists for a narrower reason: a child's ChildWorkScheduler can be
// invoked from that child's own goroutines (e.g. a timer firing outside the
// work loop, before its closure reaches the loop), so pendingWork and each
// scheduler's idx cell still need their own locks. Lock order is always
// pendingWork before a given scheduler's idxMu.
type ChildManager[T comparable] struct {
	cc      balancer.ChannelController
	sharder ResolverUpdateSharder[T]

	children           []child[T]
	subchannelChildIdx map[subchannel.Subchannel]int
	pendingWork        *pendingWorkSet

	readyPicker  *roundRobinPicker // cached wrapper, reused while the Ready child-picker set is unchanged
	readyPickers []balancer.Picker // the set readyPicker was last built from

	agg balancer.StickyAggregator
}

// New returns a ChildManager that shards every resolver update with sharder
// and publishes its aggregate state through cc.
func New[T comparable](cc balancer.ChannelController, sharder ResolverUpdateSharder[T]) *ChildManager[T] {
	return &ChildManager[T]{
		cc:                 cc,
		sharder:            sharder,
		subchannelChildIdx: make(map[subchannel.Subchannel]int),
		pendingWork:        &pendingWorkSet{set: make(map[int]struct{})},
	}
}

// ChildStates returns the identifier and last-reported state of every
// current child, in index order.
func (m *ChildManager[T]) ChildStates() []struct {
	Identifier T
	State      balancer.State
} {
	out := make([]struct {
		Identifier T
		State      balancer.State
	}, len(m.children))
	for i, c := range m.children {
		out[i].Identifier = c.identifier
		out[i].State = c.state
	}
	return out
}

// ResolverUpdate re-keys the child set from scratch: it shards the update,
// then matches new identifiers against the previous child list so that a
// child whose identifier survives keeps its policy, last-reported state,
// and work scheduler (re-pointed at its new index), while identifiers that
// vanish are dropped and their schedulers invalidated. New identifiers get
// a freshly built child starting from the initial queuing state.
func (m *ChildManager[T]) ResolverUpdate(args balancer.ResolverUpdateArgs) error {
	updates, err := m.sharder.ShardUpdate(args)
	if err != nil {
		return err
	}

	m.pendingWork.mu.Lock()
	oldPendingWork := m.pendingWork.set
	m.pendingWork.set = make(map[int]struct{})

	oldChildren := m.children
	m.children = nil
	oldSubchannelChildIdx := m.subchannelChildIdx
	m.subchannelChildIdx = make(map[subchannel.Subchannel]int)

	oldChildSubchannels := make(map[int][]subchannel.Subchannel)
	for sc, idx := range oldSubchannelChildIdx {
		oldChildSubchannels[idx] = append(oldChildSubchannels[idx], sc)
	}

	type oldEntry struct {
		idx int
		c   child[T]
	}
	oldByID := make(map[T]oldEntry, len(oldChildren))
	for i, c := range oldChildren {
		oldByID[c.identifier] = oldEntry{idx: i, c: c}
	}

	for newIdx, u := range updates {
		if old, ok := oldByID[u.ChildIdentifier]; ok {
			delete(oldByID, u.ChildIdentifier)
			for _, sc := range oldChildSubchannels[old.idx] {
				m.subchannelChildIdx[sc] = newIdx
			}
			if _, wasPending := oldPendingWork[old.idx]; wasPending {
				m.pendingWork.set[newIdx] = struct{}{}
			}
			old.c.workScheduler.setIdx(newIdx)
			m.children = append(m.children, old.c)
		} else {
			ws := &childWorkScheduler{pendingWork: m.pendingWork}
			ws.setIdx(newIdx)
			w := newWrappedController(m.cc)
			policy := u.ChildPolicyBuilder.Build(w, ws)
			m.children = append(m.children, child[T]{
				identifier:    u.ChildIdentifier,
				policy:        policy,
				state:         initialState(),
				workScheduler: ws,
				controller:    w,
			})
		}
	}

	// Anything left in oldByID had its identifier dropped this round;
	// invalidate its scheduler so a racing ScheduleWork call becomes a
	// no-op, then let it and its subchannels fall out of scope.
	for _, old := range oldByID {
		old.c.workScheduler.invalidate()
		old.c.policy.Close()
	}

	// Release the pending-work lock before calling into any child so a
	// child's own ScheduleWork call (possibly reentrant, from within its
	// ResolverUpdate) cannot deadlock against it.
	m.pendingWork.mu.Unlock()

	if len(updates) != len(m.children) {
		return fmt.Errorf("childmanager: internal bookkeeping mismatch: %d updates, %d children", len(updates), len(m.children))
	}
	for idx := range m.children {
		_ = m.children[idx].policy.ResolverUpdate(updates[idx].ChildUpdate)
		m.resolveChildController(m.children[idx].controller, idx)
	}
	return nil
}

// wrappedController intercepts every ChannelController call a child's
// LbPolicy makes; each child is built with its own, and after every call
// into that child the manager post-processes what it recorded (new
// subchannels, the published state) without the child needing to know it is
// not talking directly to the channel.
type wrappedController struct {
	cc                 balancer.ChannelController
	createdSubchannels []subchannel.Subchannel
	pickerUpdate       *balancer.State
}

func newWrappedController(cc balancer.ChannelController) *wrappedController {
	return &wrappedController{cc: cc}
}

func (w *wrappedController) NewSubchannel(addr resolver.Address) subchannel.Subchannel {
	sc := w.cc.NewSubchannel(addr)
	w.createdSubchannels = append(w.createdSubchannels, sc)
	return sc
}

func (w *wrappedController) UpdatePicker(s balancer.State) {
	state := s
	w.pickerUpdate = &state
}

func (w *wrappedController) RequestResolution() { w.cc.RequestResolution() }

// resolveChildController folds the bookkeeping a child performed through its
// wrappedController back into the manager: every subchannel it created is
// recorded against childIdx, and, if it published a new state, that state
// replaces the child's tracked one and the aggregate is republished.
func (m *ChildManager[T]) resolveChildController(w *wrappedController, childIdx int) {
	for _, sc := range w.createdSubchannels {
		m.subchannelChildIdx[sc] = childIdx
	}
	if w.pickerUpdate != nil {
		m.children[childIdx].state = *w.pickerUpdate
		m.publish()
	}
	w.createdSubchannels, w.pickerUpdate = nil, nil
}

// SubchannelUpdate forwards a state change to whichever child created sc.
// An sc with no known owner (e.g. one whose child was already removed by a
// racing resolver update) is logged and dropped rather than crashing the
// channel.
func (m *ChildManager[T]) SubchannelUpdate(sc subchannel.Subchannel, st subchannel.State) {
	idx, ok := m.subchannelChildIdx[sc]
	if !ok {
		logger.Logger.Warn().Str("addr", sc.Address().Addr).Msg("childmanager: dropping update for unknown subchannel")
		return
	}
	m.children[idx].policy.SubchannelUpdate(sc, st)
	m.resolveChildController(m.children[idx].controller, idx)
}

// Work atomically drains the pending-work set and invokes Work on each
// named child once. A child that schedules new work during this call is
// invoked on the next cycle, never recursively within this one.
func (m *ChildManager[T]) Work() {
	m.pendingWork.mu.Lock()
	idxes := m.pendingWork.set
	m.pendingWork.set = make(map[int]struct{})
	m.pendingWork.mu.Unlock()

	for idx := range idxes {
		if idx < 0 || idx >= len(m.children) {
			continue
		}
		m.children[idx].policy.Work()
		m.resolveChildController(m.children[idx].controller, idx)
	}
}

// ExitIdle dispatches ExitIdle to every current child, unconditionally
// (unlike Work, it does not consult pendingWork).
func (m *ChildManager[T]) ExitIdle() {
	for idx := range m.children {
		m.children[idx].policy.ExitIdle()
		m.resolveChildController(m.children[idx].controller, idx)
	}
}

// Close closes every current child.
func (m *ChildManager[T]) Close() {
	for _, c := range m.children {
		c.policy.Close()
	}
}

// publish runs the §4.7 aggregation rule over the current child states and,
// if the aggregator says the result differs from what was last reported,
// publishes it through the manager's own controller. The Ready picker is a
// round-robin over every Ready child's picker, matching the rule that a
// child-manager used as a non-terminal tree node load-balances across its
// Ready children rather than picking the first one.
//
// The round-robin wrapper is cached and reused while the Ready child-picker
// set is unchanged, and the TransientFailure/Connecting cases use shared
// singleton pickers, so that a publish triggered by an unrelated child's
// state flip doesn't itself defeat StickyAggregator's picker-identity
// suppression by handing back a freshly allocated, but equivalent, picker.
func (m *ChildManager[T]) publish() {
	var states []balancer.ConnectivityState
	var readyPickers []balancer.Picker
	for _, c := range m.children {
		states = append(states, c.state.ConnectivityState)
		if c.state.ConnectivityState == balancer.Ready && c.state.Picker != nil {
			readyPickers = append(readyPickers, c.state.Picker)
		}
	}

	var pk balancer.Picker
	switch {
	case len(readyPickers) > 0:
		if m.readyPicker == nil || !slices.Equal(readyPickers, m.readyPickers) {
			m.readyPicker = &roundRobinPicker{pickers: readyPickers}
			m.readyPickers = readyPickers
		}
		pk = m.readyPicker
	case balancer.AggregateState(states) == balancer.TransientFailure:
		m.readyPicker, m.readyPickers = nil, nil
		pk = failingPickerInstance
	default:
		m.readyPicker, m.readyPickers = nil, nil
		pk = queuingPickerInstance
	}

	agg, shouldPublish := m.agg.Aggregate(states, pk)
	if !shouldPublish {
		return
	}
	m.cc.UpdatePicker(balancer.State{ConnectivityState: agg, Picker: pk})
}

// roundRobinPicker cycles through a fixed slice of child pickers, deferring
// the actual pick to whichever one is chosen. It exists separately from
// balancer/roundrobin.Picker because it round-robins over Pickers, not
// Subchannels directly. Pick is called concurrently by every in-flight RPC,
// so the cursor is atomic even though the picker itself is only ever built
// on the work loop.
type roundRobinPicker struct {
	pickers []balancer.Picker
	next    atomic.Uint64
}

func (p *roundRobinPicker) Pick(info balancer.PickInfo) balancer.PickResult {
	if len(p.pickers) == 0 {
		return balancer.PickResult{Kind: balancer.PickQueue}
	}
	idx := p.next.Add(1) - 1
	return p.pickers[idx%uint64(len(p.pickers))].Pick(info)
}
