// Package ringhash implements a consistent-hash leaf LB policy: requests
// carrying a routing key are mapped onto a ring of virtual nodes so that,
// as backends come and go, only a small fraction of keys move to a
// different backend.
package ringhash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/maphash"

	"github.com/cespare/xxhash/v2"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

type requestKeyCtx struct{}

// RequestKeyContext attaches key, the value hashed for ring placement, to
// ctx for a single RPC pick.
func RequestKeyContext(ctx context.Context, key []byte) context.Context {
	return context.WithValue(ctx, requestKeyCtx{}, key)
}

func requestKeyFrom(ctx context.Context) ([]byte, bool) {
	key, ok := ctx.Value(requestKeyCtx{}).([]byte)
	return key, ok
}

const (
	// DefaultReplicationFactor is used when a parsed config omits the field
	// or supplies zero.
	DefaultReplicationFactor = 100
	// DefaultSpread is used when a parsed config omits the field or
	// supplies zero.
	DefaultSpread = 1
)

// Config is the JSON-serializable, per-channel configuration for a ringhash
// policy instance.
type Config struct {
	ReplicationFactor uint16 `json:"replicationFactor,omitempty"`
	Spread            uint8  `json:"spread,omitempty"`
}

// ParseConfig unmarshals raw JSON into a Config, applying defaults for
// zero-valued fields.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("ringhash: unable to unmarshal config %s: %w", string(raw), err)
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = DefaultReplicationFactor
	}
	if c.Spread == 0 {
		c.Spread = DefaultSpread
	}
	return &c, nil
}

// subchannelMember is the ring's member type: a subchannel plus the key it
// was registered under.
type subchannelMember struct {
	sc  subchannel.Subchannel
	key string
}

func (m subchannelMember) Key() string { return m.key }

func memberKey(addr resolver.Address) string {
	return addr.NetworkType + "/" + addr.Addr
}

// Policy is a ring-hash LbPolicy: on each resolver update it diffs the new
// address set against its hashring membership, creating/removing
// subchannels and ring entries to match, then republishes a picker wrapping
// the current ring.
//
// Like every LbPolicy, Policy is driven exclusively by the channel's
// single-threaded work loop: ResolverUpdate, SubchannelUpdate, Work,
// ExitIdle, and Close are never called concurrently with each other, so the
// fields below need no lock of their own.
type Policy struct {
	cc     balancer.ChannelController
	hasher HasherFunc

	config      *Config
	ring        *ring
	subchannels map[string]subchannel.Subchannel
	keysByConn  map[subchannel.Subchannel]string
	scStates    map[string]subchannel.ConnectivityState

	picker *picker // cached wrapper, reused while it would wrap the same ring+spread

	agg balancer.StickyAggregator
}

// New returns a ring-hash policy using hasher as its consistent-hash
// function. xxhash.Sum64 is the recommended default.
func New(cc balancer.ChannelController, hasher HasherFunc) *Policy {
	if hasher == nil {
		hasher = xxhash.Sum64
	}
	return &Policy{
		cc:          cc,
		hasher:      hasher,
		subchannels: make(map[string]subchannel.Subchannel),
		keysByConn:  make(map[subchannel.Subchannel]string),
		scStates:    make(map[string]subchannel.ConnectivityState),
	}
}

func (p *Policy) ResolverUpdate(args balancer.ResolverUpdateArgs) error {
	if args.Update.EndpointsErr != nil {
		return args.Update.EndpointsErr
	}

	if cfg, ok := args.Config.(*Config); ok && cfg != nil {
		if p.config == nil || cfg.ReplicationFactor != p.config.ReplicationFactor {
			p.ring = mustNewRing(p.hasher, cfg.ReplicationFactor)
			// Rebuilding the ring drops membership; re-add everything we
			// already track a subchannel for.
			for key, sc := range p.subchannels {
				_ = p.ring.add(subchannelMember{sc: sc, key: key})
			}
		}
		p.config = cfg
	}
	if p.ring == nil {
		return errors.New("ringhash: no configuration parsed yet")
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
		if err := p.ring.add(subchannelMember{sc: sc, key: key}); err != nil {
			return fmt.Errorf("ringhash: adding %s to ring: %w", key, err)
		}
	}

	for key, sc := range p.subchannels {
		if _, ok := wantKeys[key]; ok {
			continue
		}
		sc.Close()
		delete(p.subchannels, key)
		delete(p.keysByConn, sc)
		delete(p.scStates, key)
		if err := p.ring.remove(subchannelMember{key: key}); err != nil {
			return fmt.Errorf("ringhash: removing %s from ring: %w", key, err)
		}
	}

	if len(wantKeys) == 0 {
		return errors.New("ringhash: resolver produced zero addresses")
	}

	p.publish()
	return nil
}

// SubchannelUpdate is called by the channel, on the work loop, for every
// connectivity change of a subchannel this policy created — including the
// initial, synchronous Idle notification each one fires on registration.
// Once a subchannel has entered TransientFailure, a later Connecting or Idle
// report is suppressed (Idle still triggers a reconnect) so that a ring with
// many down backends doesn't bounce the aggregate state back to Connecting
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

// publish recomputes the aggregate state and reuses the cached picker
// wrapper as long as it would still wrap the same ring and spread, so
// StickyAggregator's picker-identity check can suppress a redundant
// UpdatePicker call when only connectivity (not membership) changed.
func (p *Policy) publish() {
	states := make([]subchannel.ConnectivityState, 0, len(p.scStates))
	for _, s := range p.scStates {
		states = append(states, s)
	}
	var pk balancer.Picker
	if p.ring != nil && p.config != nil {
		if p.picker == nil || p.picker.ring != p.ring || p.picker.spread != p.config.Spread {
			p.picker = &picker{ring: p.ring, spread: p.config.Spread}
		}
		pk = p.picker
	} else {
		p.picker = nil
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

type picker struct {
	ring   *ring
	spread uint8
}

// Pick hashes the request's routing key into the ring and returns one of
// the spread closest members. There is no fallback to an unrelated
// subchannel: if the chosen backend is unavailable, the request fails
// rather than silently landing somewhere it isn't expected.
func (p *picker) Pick(info balancer.PickInfo) balancer.PickResult {
	ctx, ok := info.Ctx.(context.Context)
	if !ok {
		return balancer.PickResult{Kind: balancer.PickFail, Err: errors.New("ringhash: pick context missing")}
	}
	key, ok := requestKeyFrom(ctx)
	if !ok {
		return balancer.PickResult{Kind: balancer.PickFail, Err: errors.New("ringhash: no request key in context")}
	}

	members, err := p.ring.findN(key, p.spread)
	if err != nil {
		return balancer.PickResult{Kind: balancer.PickFail, Err: err}
	}

	index := 0
	if p.spread > 1 {
		index = intn(p.spread)
	}
	return balancer.PickResult{Kind: balancer.PickComplete, Subchannel: members[index].sc}
}

// intn returns a non-negative pseudo-random number in [0,n), reusing
// maphash's runtime-seeded PRNG rather than pulling in math/rand for a
// single call site.
var intn = func(n uint8) int {
	out := int(new(maphash.Hash).Sum64())
	if out < 0 {
		out = -out
	}
	return out % int(n)
}
