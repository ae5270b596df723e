// Package pickfirst implements the simplest leaf LB policy: track a single
// address, drive its one subchannel through the connectivity state machine,
// and report that subchannel's state directly as the policy's own.
package pickfirst

import (
	"fmt"

	"github.com/authzed/xdsgrpc/balancer"
	"github.com/authzed/xdsgrpc/subchannel"
)

type picker struct {
	sc subchannel.Subchannel
}

func (p *picker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickResult{Kind: balancer.PickComplete, Subchannel: p.sc}
}

// Policy is a pick-first LbPolicy.
type Policy struct {
	cc balancer.ChannelController
	sc subchannel.Subchannel
}

// New returns a pick-first policy driven through cc.
func New(cc balancer.ChannelController) *Policy {
	return &Policy{cc: cc}
}

func (p *Policy) ResolverUpdate(args balancer.ResolverUpdateArgs) error {
	if args.Update.EndpointsErr != nil {
		return args.Update.EndpointsErr
	}
	if len(args.Update.Endpoints) == 0 || len(args.Update.Endpoints[0].Addresses) == 0 {
		return fmt.Errorf("pickfirst: resolver update has no addresses")
	}
	addr := args.Update.Endpoints[0].Addresses[0]

	if p.sc != nil {
		if p.sc.Address().Equal(addr) {
			return nil
		}
		p.sc.Close()
	}
	p.sc = p.cc.NewSubchannel(addr)
	p.sc.Connect()
	return nil
}

// SubchannelUpdate is called by the channel, on the work loop, whenever the
// tracked subchannel's connectivity state changes — including the initial,
// synchronous Idle notification fired the moment NewSubchannel registers its
// watcher.
func (p *Policy) SubchannelUpdate(sc subchannel.Subchannel, st subchannel.State) {
	if sc != p.sc {
		return
	}
	var pk balancer.Picker
	if st.ConnectivityState == subchannel.Ready {
		pk = &picker{sc: p.sc}
	}
	p.cc.UpdatePicker(balancer.State{ConnectivityState: st.ConnectivityState, Picker: pk})
}

func (p *Policy) Work() {}

func (p *Policy) ExitIdle() {
	if p.sc != nil {
		p.sc.Connect()
	}
}

func (p *Policy) Close() {
	if p.sc != nil {
		p.sc.Close()
	}
}
