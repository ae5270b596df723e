// Package roundrobin implements a round-robin Picker over a fixed set of
// Ready subchannels, and a standalone leaf Policy built on it. The
// child-manager's aggregate picker is its own type, not this one.
package roundrobin

import (
	"errors"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

// Picker cycles through a fixed slice of Ready subchannels. The starting
// offset is not seeded; even distribution over time does not require
// unpredictability, only that repeated calls advance.
type Picker struct {
	subchannels []subchannel.Subchannel
	next        atomic.Uint64
}

// New returns a Picker over scs. An empty slice is valid and always returns
// PickQueue, matching the "no Ready children" case.
func New(scs []subchannel.Subchannel) *Picker {
	return &Picker{subchannels: append([]subchannel.Subchannel(nil), scs...)}
}

func (p *Picker) Pick(balancer.PickInfo) balancer.PickResult {
	if len(p.subchannels) == 0 {
		return balancer.PickResult{Kind: balancer.PickQueue}
	}
	idx := p.next.Add(1) - 1
	sc := p.subchannels[idx%uint64(len(p.subchannels))]
	return balancer.PickResult{Kind: balancer.PickComplete, Subchannel: sc}
}

func memberKey(addr resolver.Address) string {
	return addr.NetworkType + "/" + addr.Addr
}

// Policy is a plain round-robin leaf LbPolicy: on each resolver update it
// diffs the new address set against its current subchannels, creating and
// closing subchannels to match, then republishes a Picker cycling over
// whichever of them are currently Ready.
//
// Like every LbPolicy, Policy is driven exclusively by the channel's
// single-threaded work loop: ResolverUpdate, SubchannelUpdate, Work,
// ExitIdle, and Close are never called concurrently with each other, so the
// fields below need no lock of their own.
type Policy struct {
	cc balancer.ChannelController

	subchannels map[string]subchannel.Subchannel
	keysByConn  map[subchannel.Subchannel]string
	scStates    map[string]subchannel.ConnectivityState

	picker     *Picker
	pickerKeys []string // sorted keys of the Ready set the cached picker was built from

	agg balancer.StickyAggregator
}

// NewPolicy returns a round-robin leaf policy.
func NewPolicy(cc balancer.ChannelController) *Policy {
	return &Policy{
		cc:          cc,
		subchannels: make(map[string]subchannel.Subchannel),
		keysByConn:  make(map[subchannel.Subchannel]string),
		scStates:    make(map[string]subchannel.ConnectivityState),
	}
}

func (p *Policy) ResolverUpdate(args balancer.ResolverUpdateArgs) error {
	if args.Update.EndpointsErr != nil {
		return args.Update.EndpointsErr
	}

	wantKeys := make(map[string]resolver.Address)
	for _, ep := range args.Update.Endpoints {
		for _, addr := range ep.Addresses {
			wantKeys[memberKey(addr)] = addr
		}
	}

	for key, addr := range wantKeys {
		if _, ok := p.subchannels[key]; ok {
			continue
		}
		sc := p.cc.NewSubchannel(addr)
		p.subchannels[key] = sc
		p.keysByConn[sc] = key
		p.scStates[key] = subchannel.Idle
		sc.Connect()
	}

	for key, sc := range p.subchannels {
		if _, ok := wantKeys[key]; ok {
			continue
		}
		sc.Close()
		delete(p.subchannels, key)
		delete(p.keysByConn, sc)
		delete(p.scStates, key)
	}

	if len(wantKeys) == 0 {
		return errors.New("roundrobin: resolver produced zero addresses")
	}

	p.publish()
	return nil
}

// SubchannelUpdate is called by the channel, on the work loop, for every
// connectivity change of a subchannel this policy created — including the
// initial, synchronous Idle notification each one fires on registration.
// Once a subchannel has entered TransientFailure, a later Connecting or Idle
// report is suppressed (Idle still triggers a reconnect) so a set with many
// down backends doesn't bounce the aggregate state back to Connecting
// forever.
func (p *Policy) SubchannelUpdate(sc subchannel.Subchannel, st subchannel.State) {
	key, known := p.keysByConn[sc]
	if !known {
		return
	}
	old := p.scStates[key]
	if old == subchannel.TransientFailure &&
		(st.ConnectivityState == subchannel.Connecting || st.ConnectivityState == subchannel.Idle) {
		if st.ConnectivityState == subchannel.Idle {
			sc.Connect()
		}
		return
	}
	p.scStates[key] = st.ConnectivityState
	p.publish()
}

// publish recomputes the aggregate state and, if the Ready set actually
// changed since the last call, rebuilds the Picker; otherwise it reuses the
// same *Picker pointer so StickyAggregator's picker-identity check can
// suppress a redundant UpdatePicker call.
func (p *Policy) publish() {
	states := make([]subchannel.ConnectivityState, 0, len(p.scStates))
	readyKeys := make([]string, 0, len(p.scStates))
	for key, s := range p.scStates {
		states = append(states, s)
		if s == subchannel.Ready {
			readyKeys = append(readyKeys, key)
		}
	}
	sort.Strings(readyKeys)

	var pk balancer.Picker
	if len(readyKeys) == 0 {
		p.picker = nil
		p.pickerKeys = nil
	} else {
		if p.picker == nil || !slices.Equal(readyKeys, p.pickerKeys) {
			ready := make([]subchannel.Subchannel, len(readyKeys))
			for i, key := range readyKeys {
				ready[i] = p.subchannels[key]
			}
			p.picker = New(ready)
			p.pickerKeys = readyKeys
		}
		pk = p.picker
	}

	agg, publish := p.agg.Aggregate(states, pk)
	if !publish {
		return
	}
	p.cc.UpdatePicker(balancer.State{ConnectivityState: agg, Picker: pk})
}

func (p *Policy) Work() {}

func (p *Policy) ExitIdle() {
	for _, sc := range p.subchannels {
		sc.Connect()
	}
}

func (p *Policy) Close() {
	for _, sc := range p.subchannels {
		sc.Close()
	}
}
