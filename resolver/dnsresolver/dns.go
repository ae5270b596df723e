// Package dnsresolver implements the "dns" resolver scheme: a resolver that
// re-resolves a host on ResolveNow, no more often than a minimum interval,
// backs off on channel rejection, and short-circuits IP literals to a single
// update.
package dnsresolver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/authzed/xdsgrpc/internal/grpclog"
	"github.com/authzed/xdsgrpc/resolver"
)

var logger = grpclog.Component("dnsresolver")

const defaultPort = "443"

// resolvingTimeout bounds a single LookupHost call.
var resolvingTimeout = 30 * time.Second

// minResolutionInterval rate-limits successful re-resolution.
var minResolutionInterval = 30 * time.Second

// backoffInitialInterval is the first wait after a channel-rejected update;
// it grows exponentially (capped at minResolutionInterval) on each
// consecutive rejection.
var backoffInitialInterval = 1 * time.Second

// SetResolvingTimeout overrides the per-lookup timeout; intended for tests.
func SetResolvingTimeout(d time.Duration) { resolvingTimeout = d }

// SetMinResolutionInterval overrides the minimum re-resolution interval;
// intended for tests.
func SetMinResolutionInterval(d time.Duration) { minResolutionInterval = d }

// SetBackoffInitialInterval overrides the first rejected-update backoff
// wait; intended for tests.
func SetBackoffInitialInterval(d time.Duration) { backoffInitialInterval = d }

type builder struct{}

// NewBuilder returns the resolver.Builder for the "dns" scheme.
func NewBuilder() resolver.Builder { return builder{} }

func (builder) Scheme() string { return "dns" }

func (builder) Build(target resolver.Target, opts resolver.BuildOptions) resolver.Resolver {
	host, port, err := parseHostPort(target)
	if err != nil {
		return newNopResolver(opts.ChannelControl, resolver.Update{EndpointsErr: err})
	}
	if ip := net.ParseIP(host); ip != nil {
		addr := net.JoinHostPort(host, port)
		return newNopResolver(opts.ChannelControl, resolver.Update{
			Endpoints: []resolver.Endpoint{{
				Addresses: []resolver.Address{{NetworkType: resolver.TCPNetworkType, Addr: addr}},
			}},
		})
	}

	r := &dnsResolver{
		host:      host,
		port:      port,
		cc:        opts.ChannelControl,
		dnsLookup: defaultDNSLookup,
		resolveC:  make(chan struct{}, 1),
		closeC:    make(chan struct{}),
	}
	go r.run()
	return r
}

// defaultDNSLookup is the production dnsLookup: the stdlib resolver.
func defaultDNSLookup(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// parseHostPort splits a dns target's endpoint/path into host and port,
// applying the default port when none is given. The target may carry the
// host in its authority (dns://host/) or its path (dns:///host), matching
// both forms accepted by the scheme.
func parseHostPort(target resolver.Target) (host, port string, err error) {
	hostport := target.Path()
	if hostport == "" {
		hostport = target.Endpoint()
	}
	if hostport == "" {
		return "", "", fmt.Errorf("dns: empty target %q", target.String())
	}
	// Reuse net/url's host-parsing by wrapping hostport in a scheme so it
	// disambiguates bracketed IPv6 literals the same way the stdlib would
	// for a real URL authority.
	u, uerr := url.Parse("https://" + hostport)
	if uerr != nil || u.Host == "" {
		return "", "", fmt.Errorf("dns: invalid host:port %q", hostport)
	}
	h := u.Hostname()
	p := u.Port()
	if p == "" {
		p = defaultPort
	}
	if _, err := strconv.Atoi(p); err != nil {
		return "", "", fmt.Errorf("dns: invalid port in %q", hostport)
	}
	return h, p, nil
}

// dnsLookup resolves host to a set of IPs; swapped out in tests for a fake
// so the resolve loop, rate limiting, backoff, and timeout path can be
// exercised without a real DNS server or a real 30-second wait.
type dnsLookup func(ctx context.Context, host string) ([]string, error)

type dnsResolver struct {
	host, port string
	cc         resolver.ChannelController
	dnsLookup  dnsLookup

	resolveC chan struct{}
	closeC   chan struct{}
	closeOnce sync.Once
}

func (r *dnsResolver) ResolveNow() {
	select {
	case r.resolveC <- struct{}{}:
	default:
	}
}

func (r *dnsResolver) Close() {
	r.closeOnce.Do(func() { close(r.closeC) })
}

// run is the resolution loop: look up, report, then wait out the later of
// the rate-limit interval and an explicit ResolveNow before looping, backing
// off instead of waiting the normal interval when the channel rejects the
// update.
func (r *dnsResolver) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialInterval
	bo.MaxInterval = minResolutionInterval
	bo.MaxElapsedTime = 0

	for {
		update := r.lookup()
		err := r.cc.UpdateState(update)

		var wait time.Duration
		if err != nil {
			logger.Logger.Debug().Err(err).Msg("dns update rejected by channel, backing off")
			wait = bo.NextBackOff()
		} else {
			bo.Reset()
			wait = minResolutionInterval
		}

		if !r.waitOut(wait, err == nil) {
			return
		}
	}
}

// waitOut blocks until wait has elapsed and, when needResolveNow is set, a
// ResolveNow has also been received: the later of the two. A ResolveNow
// arriving before the deadline does not shorten the wait; it is recorded,
// so resolution happens the moment the deadline is reached. A ResolveNow
// arriving after the deadline has already passed resolves immediately,
// since the rate limit is already satisfied. Returns false if the resolver
// was closed first.
func (r *dnsResolver) waitOut(wait time.Duration, needResolveNow bool) bool {
	deadline := time.Now().Add(wait)
	signaled := !needResolveNow
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 && signaled {
			return true
		}
		var timerC <-chan time.Time
		if remaining > 0 {
			timerC = time.After(remaining)
		}
		select {
		case <-r.closeC:
			return false
		case <-timerC:
		case <-r.resolveC:
			signaled = true
		}
	}
}

func (r *dnsResolver) lookup() resolver.Update {
	ctx, cancel := context.WithTimeout(context.Background(), resolvingTimeout)
	defer cancel()

	addrs, err := r.dnsLookup(ctx, r.host)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("dns: Timed out resolving %q: %w", r.host, err)
		}
		return resolver.Update{EndpointsErr: err}
	}

	endpoints := make([]resolver.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, resolver.Endpoint{
			Addresses: []resolver.Address{{
				NetworkType: resolver.TCPNetworkType,
				Addr:        net.JoinHostPort(a, r.port),
			}},
		})
	}
	return resolver.Update{Endpoints: endpoints}
}

// nopResolver reports a single, fixed Update once and otherwise does
// nothing; used for IP-literal targets and unparsable targets alike.
type nopResolver struct{}

func newNopResolver(cc resolver.ChannelController, update resolver.Update) resolver.Resolver {
	_ = cc.UpdateState(update)
	return nopResolver{}
}

func (nopResolver) ResolveNow() {}
func (nopResolver) Close()      {}

func init() {
	resolver.Register(NewBuilder())
}
