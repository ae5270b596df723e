// Package subchannel implements the subchannel connectivity state machine
// and the pool that deduplicates subchannels by address across LB policies.
package subchannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/authzed/xdsgrpc/internal/grpclog"
	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/transport"
)

var logger = grpclog.Component("subchannel")

// minConnectTimeout bounds how long a single connect attempt may run before
// it is treated as a failure, even if the transport never returns.
var minConnectTimeout = 20 * time.Second

// SetMinConnectTimeout overrides the connect-attempt timeout; intended for
// tests.
func SetMinConnectTimeout(d time.Duration) { minConnectTimeout = d }

// errConnectTimedOut is the TransientFailure error recorded when a connect
// attempt outran minConnectTimeout without the transport reporting back.
var errConnectTimedOut = errors.New("subchannel: connect attempt exceeded min_connect_timeout")

// State is a connectivity state and, for TransientFailure, the error that
// caused it.
type State struct {
	ConnectivityState ConnectivityState
	Err               error
}

// ConnectivityState is one of the four states a subchannel moves through.
type ConnectivityState int

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
)

func (s ConnectivityState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// StateWatcher is notified of connectivity state changes. OnStateChange must
// not block and must not call back into the subchannel synchronously; it
// should only enqueue work onto the owning channel's work loop.
type StateWatcher interface {
	OnStateChange(State)
}

// Subchannel is the handle an LB policy holds. Connect and the ability to
// register a watcher are the only operations an LB policy needs; the state
// machine itself lives in the internal type below.
type Subchannel interface {
	Connect()
	RegisterStateWatcher(StateWatcher)
	Address() resolver.Address
	Close()
}

// event is posted to the state machine's single-consumer channel by anything
// that wants to move the subchannel to a new state.
type event int

const (
	eventConnect event = iota
	eventConnectSucceeded
	eventConnectFailed
	eventConnectTimedOut
	eventDisconnected
	eventBackoffExpired
	eventClose
)

type internal struct {
	addr      resolver.Address
	transport transport.Transport

	mu       sync.Mutex
	state    State
	watchers []StateWatcher
	cancel   context.CancelFunc // cancels whatever the current state is doing

	events  chan event
	bo      backoff.BackOff
	lastErr error                        // written by the in-flight connect goroutine, read only by run()
	conn    transport.ConnectedTransport // likewise, set before eventConnectSucceeded

	onClosed func()
	closed   bool
}

// New constructs a subchannel in the Idle state. onClosed is invoked exactly
// once, after the subchannel's goroutine has exited, so a Pool can drop its
// entry once the last handle is released.
func New(addr resolver.Address, t transport.Transport, onClosed func()) Subchannel {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 2 * time.Minute

	sc := &internal{
		addr:      addr,
		transport: t,
		state:     State{ConnectivityState: Idle},
		events:    make(chan event, 4),
		bo:        bo,
		onClosed:  onClosed,
	}
	go sc.run()
	return sc
}

func (sc *internal) Address() resolver.Address { return sc.addr }

// Connect requests a move out of Idle. It is a no-op if the subchannel is
// not currently Idle, matching the rule that connect attempts never
// interrupt an in-flight attempt.
func (sc *internal) Connect() {
	select {
	case sc.events <- eventConnect:
	default:
	}
}

// RegisterStateWatcher adds w and immediately, synchronously, delivers the
// current state — the caller never has to special-case "first callback".
func (sc *internal) RegisterStateWatcher(w StateWatcher) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.watchers = append(sc.watchers, w)
	w.OnStateChange(sc.state)
}

func (sc *internal) Close() {
	select {
	case sc.events <- eventClose:
	default:
	}
}

func (sc *internal) setState(cs ConnectivityState, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.state = State{ConnectivityState: cs, Err: err}

	// Watchers are notified synchronously while the lock is held; they are
	// required to only enqueue work, never block or call back in.
	for _, w := range sc.watchers {
		w.OnStateChange(sc.state)
	}
}

func (sc *internal) replaceCancel(cancel context.CancelFunc) {
	sc.mu.Lock()
	prev := sc.cancel
	sc.cancel = cancel
	sc.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// run is the subchannel's single goroutine: every state transition and every
// effect (dialing, sleeping, watching for disconnection) is driven from
// here, so there is never more than one mutation in flight.
func (sc *internal) run() {
	defer func() {
		if sc.onClosed != nil {
			sc.onClosed()
		}
	}()

	for ev := range sc.events {
		switch ev {
		case eventConnect:
			sc.mu.Lock()
			idle := sc.state.ConnectivityState == Idle
			sc.mu.Unlock()
			if idle {
				sc.moveToConnecting()
			}
		case eventConnectSucceeded:
			sc.moveToReady(sc.conn)
		case eventConnectFailed:
			sc.moveToTransientFailure(sc.lastErr)
		case eventConnectTimedOut:
			sc.moveToTransientFailure(sc.lastErr)
		case eventDisconnected:
			sc.moveToIdle()
		case eventBackoffExpired:
			sc.setState(Idle, nil)
			sc.replaceCancel(nil)
		case eventClose:
			sc.replaceCancel(nil)
			return
		}
	}
}

func (sc *internal) moveToConnecting() {
	sc.setState(Connecting, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sc.replaceCancel(cancel)

	connDone := make(chan struct{})
	var conn transport.ConnectedTransport
	var connErr error
	go func() {
		defer close(connDone)
		conn, connErr = sc.transport.Connect(ctx, sc.addr.Addr)
	}()

	// Race the connect attempt against minConnectTimeout: a transport whose
	// Connect simply hangs must still surface as TransientFailure rather
	// than leaving the subchannel stuck in Connecting forever. Whichever
	// side loses is abandoned — ctx is canceled as soon as run() reacts to
	// whatever event this goroutine posts, via the next replaceCancel.
	go func() {
		timer := time.NewTimer(minConnectTimeout)
		defer timer.Stop()
		select {
		case <-connDone:
			if ctx.Err() != nil {
				return
			}
			if connErr != nil {
				sc.lastErr = connErr
				select {
				case sc.events <- eventConnectFailed:
				default:
				}
				return
			}
			sc.conn = conn
			select {
			case sc.events <- eventConnectSucceeded:
			default:
			}
		case <-timer.C:
			sc.lastErr = errConnectTimedOut
			select {
			case sc.events <- eventConnectTimedOut:
			default:
			}
		case <-ctx.Done():
		}
	}()
}

func (sc *internal) moveToReady(conn transport.ConnectedTransport) {
	sc.setState(Ready, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sc.replaceCancel(cancel)

	go func() {
		select {
		case <-conn.Disconnected(ctx):
			select {
			case sc.events <- eventDisconnected:
			default:
			}
		case <-ctx.Done():
		}
	}()
}

func (sc *internal) moveToTransientFailure(err error) {
	sc.setState(TransientFailure, err)
	logger.Logger.Debug().Err(err).Str("addr", sc.addr.Addr).Msg("subchannel entered TRANSIENT_FAILURE")

	wait := sc.bo.NextBackOff()
	ctx, cancel := context.WithCancel(context.Background())
	sc.replaceCancel(cancel)

	go func() {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case sc.events <- eventBackoffExpired:
			default:
			}
		case <-ctx.Done():
		}
	}()
}

func (sc *internal) moveToIdle() {
	sc.bo.Reset()
	sc.setState(Idle, nil)
	sc.replaceCancel(nil)
}

// lastErr is only ever written by a single in-flight connect goroutine and
// only read by run() after observing eventConnectFailed from that same
// goroutine, so it needs no lock of its own.
