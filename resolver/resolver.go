// Package resolver defines the name resolution framework: the Target/URI
// grammar, the Builder registry, and the Resolver/ChannelController
// contracts a channel uses to drive and consume resolution.
package resolver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/authzed/xdsgrpc/attributes"
)

// Target is a parsed channel target of the form scheme://authority/path.
type Target struct {
	url *url.URL
}

// ParseTarget parses a target string of the grammar scheme://authority/path.
// A bare "host:port" with no scheme (text after the last colon is a port
// number) is treated as dns:///host:port, matching the convention the rest
// of the ecosystem follows for unqualified targets; any other target without
// "://" is read as scheme:path, e.g. unix:path/to/file.
func ParseTarget(s string) (Target, error) {
	if !strings.Contains(s, "://") && !strings.Contains(s, ":") {
		return Target{}, fmt.Errorf("resolver: invalid target %q", s)
	}
	if !strings.Contains(s, "://") {
		if _, err := strconv.Atoi(s[strings.LastIndex(s, ":")+1:]); err == nil {
			s = "dns:///" + s
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("resolver: invalid target %q: %w", s, err)
	}
	if u.Scheme == "" {
		return Target{}, fmt.Errorf("resolver: target %q has no scheme", s)
	}
	return Target{url: u}, nil
}

// Scheme returns the target's scheme, e.g. "dns" or "unix".
func (t Target) Scheme() string { return t.url.Scheme }

// Endpoint returns the authority component (host[:port]), possibly empty.
func (t Target) Endpoint() string { return t.url.Host }

// Path returns the path component, with a single leading slash stripped, as
// is conventional for gRPC-style targets (dns:///host -> path "host"). For a
// target without "//", such as unix:path/to/file, it is the text after the
// scheme.
func (t Target) Path() string {
	if t.url.Opaque != "" {
		return t.url.Opaque
	}
	return strings.TrimPrefix(t.url.Path, "/")
}

// URL exposes the underlying parsed URL for schemes that need the full
// grammar (query parameters, multiple path segments, etc).
func (t Target) URL() *url.URL { return t.url }

func (t Target) String() string { return t.url.String() }

// TCPNetworkType is the Address.NetworkType of a TCP address.
const TCPNetworkType = "tcp"

// Address identifies a single dialable address, e.g. "tcp" to
// "10.0.0.1:443". Equal ignores Attributes, so two addresses naming the
// same wire endpoint are interchangeable regardless of what metadata
// happens to be attached.
type Address struct {
	NetworkType string
	Addr        string
	Attributes  *attributes.Attributes
}

// Equal compares NetworkType and Addr only.
func (a Address) Equal(b Address) bool {
	return a.NetworkType == b.NetworkType && a.Addr == b.Addr
}

// Endpoint is a group of equivalent addresses (e.g. multiple IPs for one
// logical backend) plus endpoint-level attributes.
type Endpoint struct {
	Addresses  []Address
	Attributes *attributes.Attributes
}

// Update is what a Resolver reports to its channel. Endpoints and
// ServiceConfig are reported independently, each paired with its own error,
// since a resolver may be able to refresh one without the other.
type Update struct {
	Attributes     *attributes.Attributes
	Endpoints      []Endpoint
	EndpointsErr   error
	ServiceConfig  any
	ServiceCfgErr  error
	ResolutionNote string
}

// BuildOptions carries the channel-supplied context a Builder needs to
// construct a Resolver.
type BuildOptions struct {
	Authority      string
	WorkScheduler  WorkScheduler
	ChannelControl ChannelController
}

// WorkScheduler lets a Resolver ask the channel to schedule more work on the
// channel's own work loop. Resolver itself has no Work method; what runs is
// up to the channel.
type WorkScheduler interface {
	ScheduleWork()
}

// ChannelController is how a Resolver reports updates back to its channel.
// UpdateState returns a non-nil error if the channel rejected the update
// (e.g. a malformed service config); resolvers that retry on rejection use
// this to drive their backoff.
type ChannelController interface {
	UpdateState(Update) error
	ParseServiceConfig(json []byte) (any, error)
}

// Resolver resolves a Target into a stream of Updates delivered through its
// ChannelController. ResolveNow is advisory: implementations may ignore it if
// a resolution is already imminent.
type Resolver interface {
	ResolveNow()
	Close()
}

// Builder constructs a Resolver for a given Target and scheme.
type Builder interface {
	Build(target Target, opts BuildOptions) Resolver
	Scheme() string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register adds b to the global registry, keyed by b.Scheme(). Registering a
// builder under a scheme that is already registered replaces the previous
// one, matching the override-friendly behavior used throughout the
// ecosystem's own resolver/balancer registries.
func Register(b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Scheme()] = b
}

// Get looks up a previously Registered Builder by scheme.
func Get(scheme string) Builder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[scheme]
}
