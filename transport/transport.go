// Package transport defines the external transport-layer collaborator: the
// interfaces a subchannel uses to dial and to detect disconnection. The wire
// protocol itself (HTTP/2 framing, protobuf encoding) is out of scope; this
// package only specifies the boundary the subchannel state machine talks
// across.
package transport

import "context"

// Transport dials a single address and returns a ConnectedTransport once the
// connection is established.
type Transport interface {
	Connect(ctx context.Context, addr string) (ConnectedTransport, error)
}

// ConnectedTransport represents one live connection to an address.
type ConnectedTransport interface {
	// Disconnected returns a channel that closes when the connection is
	// lost or ctx is canceled, whichever happens first.
	Disconnected(ctx context.Context) <-chan struct{}

	// Call invokes method against the connection and returns its response.
	// The wire encoding of req/resp is left to the implementation; the data
	// plane core never calls this itself (it has no RPC-invocation surface
	// of its own), but the boundary is specified here so a caller built on
	// top of a Subchannel has somewhere to send a request once Pick has
	// chosen one.
	Call(ctx context.Context, method string, req any) (any, error)
}
