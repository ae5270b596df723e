// Package balancer defines the LB policy framework: the LbPolicy and
// ChannelController contracts, the Picker/PickResult protocol, and the
// connectivity-state aggregation rule shared by every policy that has
// children (the root policy and the child-manager alike).
package balancer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/subchannel"
)

// ConnectivityState mirrors subchannel.ConnectivityState at the policy
// level; a policy's own state is the aggregate of its children's.
type ConnectivityState = subchannel.ConnectivityState

const (
	Idle             = subchannel.Idle
	Connecting       = subchannel.Connecting
	Ready            = subchannel.Ready
	TransientFailure = subchannel.TransientFailure
)

// PickResultKind tags what a Pick call resolved to.
type PickResultKind int

const (
	PickComplete PickResultKind = iota
	PickQueue
	PickFail
	PickDrop
)

// PickResult is returned by a Picker for each RPC pick attempt.
type PickResult struct {
	Kind       PickResultKind
	Subchannel subchannel.Subchannel
	Err        error
}

// Picker chooses a subchannel for each RPC. Pick must not block.
type Picker interface {
	Pick(info PickInfo) PickResult
}

// PickInfo carries whatever a Picker needs to make its decision; today that
// is only the request's context, from which hash-based pickers read the key
// stored by ringhash.RequestKeyContext.
type PickInfo struct {
	Ctx any
}

// State pairs a policy's aggregate connectivity state with the picker that
// should be installed for it.
type State struct {
	ConnectivityState ConnectivityState
	Picker            Picker
}

// ServiceConfig is an opaque, policy-specific parsed config, produced by a
// ChannelController.ParseServiceConfig call and handed back to the policy
// that requested parsing of that portion of the channel's service config.
type ServiceConfig = any

// ServiceConfigParser turns the raw JSON service config the resolver
// reported into the opaque ServiceConfig the root LbPolicy receives via
// ResolverUpdateArgs.Config. A ChannelController delegates to one of these
// to implement its ParseServiceConfig method.
type ServiceConfigParser interface {
	ParseServiceConfig(raw []byte) (ServiceConfig, error)
}

// rawPolicyConfig is the wire shape DefaultServiceConfigParser expects:
// {"policy": "<name>", "config": <policy-specific JSON>}, mirroring the
// "loadBalancingConfig" envelope convention used across the gRPC ecosystem.
type rawPolicyConfig struct {
	Policy string          `json:"policy"`
	Config json.RawMessage `json:"config"`
}

// DefaultServiceConfigParser dispatches the "policy" field of a raw service
// config to whichever parser function was registered for that name,
// returning its result as the opaque ServiceConfig. It is the standard,
// JSON-only ServiceConfigParser implementation; a channel uses it unless it
// has a reason not to.
type DefaultServiceConfigParser struct {
	mu      sync.RWMutex
	parsers map[string]func(json.RawMessage) (ServiceConfig, error)
}

// NewDefaultServiceConfigParser returns an empty parser; policies register
// themselves into it with RegisterPolicy.
func NewDefaultServiceConfigParser() *DefaultServiceConfigParser {
	return &DefaultServiceConfigParser{parsers: make(map[string]func(json.RawMessage) (ServiceConfig, error))}
}

// RegisterPolicy associates name (the "policy" field of a raw service
// config) with parse, the function that turns its "config" payload into the
// concrete, typed config that policy's ResolverUpdate expects.
func (d *DefaultServiceConfigParser) RegisterPolicy(name string, parse func(json.RawMessage) (ServiceConfig, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parsers[name] = parse
}

func (d *DefaultServiceConfigParser) ParseServiceConfig(raw []byte) (ServiceConfig, error) {
	var rc rawPolicyConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("balancer: unable to unmarshal service config %s: %w", string(raw), err)
	}
	d.mu.RLock()
	parse, ok := d.parsers[rc.Policy]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("balancer: no policy registered for %q", rc.Policy)
	}
	return parse(rc.Config)
}

// ChannelController is how an LbPolicy interacts with its channel (or, for a
// child policy, with its child-manager, which implements this same
// interface on the child's behalf).
// ChannelController's NewSubchannel registers its own connectivity watcher
// on the returned Subchannel, routed through the work loop so that it calls
// back into the requesting LbPolicy's SubchannelUpdate rather than letting
// the subchannel's own goroutine call into the policy directly. LbPolicy
// implementations must not call Subchannel.RegisterStateWatcher themselves.
type ChannelController interface {
	NewSubchannel(addr resolver.Address) subchannel.Subchannel
	UpdatePicker(State)
	RequestResolution()
}

// ResolverUpdateArgs bundles the values an LbPolicy needs to process a new
// resolver.Update.
type ResolverUpdateArgs struct {
	Update resolver.Update
	Config ServiceConfig
}

// LbPolicy is a node in the LB policy tree: a leaf (pick-first, ring-hash)
// manages subchannels directly; an internal node (round-robin over a
// child-manager) shards the update across children and aggregates their
// reported State.
type LbPolicy interface {
	ResolverUpdate(ResolverUpdateArgs) error
	SubchannelUpdate(subchannel.Subchannel, subchannel.State)
	Work()
	ExitIdle()
	Close()
}

// AggregateState applies the fixed precedence rule (Ready > Connecting >
// Idle > TransientFailure) over a set of child connectivity states.
func AggregateState(states []ConnectivityState) ConnectivityState {
	seen := map[ConnectivityState]bool{}
	for _, s := range states {
		seen[s] = true
	}
	switch {
	case seen[Ready]:
		return Ready
	case seen[Connecting]:
		return Connecting
	case seen[Idle]:
		return Idle
	default:
		return TransientFailure
	}
}

// StickyAggregator tracks the previous aggregate state so a caller can
// suppress a spurious Connecting republish while every child is actually
// stuck in TransientFailure (only a real transition to Ready clears the
// stickiness), and suppress redundant UpdatePicker calls when the picker
// reference hasn't changed across calls, following the root's rule that the
// channel should not churn RPCs between pickers that are otherwise
// equivalent.
//
// Picker identity is compared with ==, so every Picker implementation in
// this module is a pointer type; comparing two interface values holding
// non-pointer struct pickers with unequal fields would panic if either
// contained a slice or map.
type StickyAggregator struct {
	lastReported ConnectivityState
	stuckInTF    bool
	lastPicker   Picker
	hasReported  bool
}

// Aggregate computes the new overall state from child states and reports
// whether the caller should publish it (it may be suppressed by sticky-TF or
// picker-identity rules).
func (s *StickyAggregator) Aggregate(states []ConnectivityState, picker Picker) (ConnectivityState, bool) {
	agg := AggregateState(states)

	if s.stuckInTF {
		if agg == Ready {
			s.stuckInTF = false
		} else if agg == Connecting {
			// Suppress: still recovering from an all-TransientFailure state,
			// a Connecting blip isn't worth a republish.
			return s.lastReported, false
		}
	}
	if agg == TransientFailure {
		s.stuckInTF = true
	}

	samePicker := s.hasReported && s.lastPicker == picker
	sameState := s.hasReported && s.lastReported == agg
	s.lastReported = agg
	s.lastPicker = picker
	s.hasReported = true

	if sameState && samePicker {
		return agg, false
	}
	return agg, true
}
