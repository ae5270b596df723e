package subchannel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authzed/xdsgrpc/resolver"
	"github.com/authzed/xdsgrpc/transport"
)

type fakeConn struct {
	disconnected chan struct{}
}

func (f *fakeConn) Disconnected(ctx context.Context) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-f.disconnected:
			close(out)
		case <-ctx.Done():
		}
	}()
	return out
}

func (f *fakeConn) Call(context.Context, string, any) (any, error) { return nil, nil }

type fakeTransport struct {
	mu      sync.Mutex
	fail    bool
	conns   []*fakeConn
	dialedC chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, addr string) (transport.ConnectedTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialedC != nil {
		select {
		case f.dialedC <- struct{}{}:
		default:
		}
	}
	if f.fail {
		return nil, errors.New("dial failed")
	}
	c := &fakeConn{disconnected: make(chan struct{})}
	f.conns = append(f.conns, c)
	return c, nil
}

type watcherRecorder struct {
	mu     sync.Mutex
	states []State
	notify chan struct{}
}

func newWatcherRecorder() *watcherRecorder {
	return &watcherRecorder{notify: make(chan struct{}, 64)}
}

func (w *watcherRecorder) OnStateChange(s State) {
	w.mu.Lock()
	w.states = append(w.states, s)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcherRecorder) last() ConnectivityState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return -1
	}
	return w.states[len(w.states)-1].ConnectivityState
}

func (w *watcherRecorder) seen() []ConnectivityState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ConnectivityState, 0, len(w.states))
	for _, s := range w.states {
		out = append(out, s.ConnectivityState)
	}
	return out
}

func waitFor(t *testing.T, w *watcherRecorder, want ConnectivityState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.last() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubchannelConnectSucceeds(t *testing.T) {
	ft := &fakeTransport{}
	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}
	sc := New(addr, ft, func() {})
	defer sc.Close()

	w := newWatcherRecorder()
	sc.RegisterStateWatcher(w)
	waitFor(t, w, Idle)

	sc.Connect()
	// The fake dial succeeds at once, so Connecting is passed through too
	// quickly to poll for; check the recorded sequence instead.
	waitFor(t, w, Ready)
	require.Equal(t, []ConnectivityState{Idle, Connecting, Ready}, w.seen(), "the watcher observes Connecting before Ready")
}

func TestSubchannelConnectFailureEntersTransientFailure(t *testing.T) {
	ft := &fakeTransport{fail: true}
	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}
	sc := New(addr, ft, func() {})
	defer sc.Close()

	w := newWatcherRecorder()
	sc.RegisterStateWatcher(w)

	sc.Connect()
	waitFor(t, w, TransientFailure)
}

// hangingTransport's Connect never returns until its ctx is canceled,
// simulating a transport that never reports back.
type hangingTransport struct{}

func (hangingTransport) Connect(ctx context.Context, addr string) (transport.ConnectedTransport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubchannelConnectTimeoutEntersTransientFailure(t *testing.T) {
	SetMinConnectTimeout(20 * time.Millisecond)
	defer SetMinConnectTimeout(20 * time.Second)

	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}
	sc := New(addr, hangingTransport{}, func() {})
	defer sc.Close()

	w := newWatcherRecorder()
	sc.RegisterStateWatcher(w)

	sc.Connect()
	waitFor(t, w, Connecting)
	waitFor(t, w, TransientFailure)
}

func TestSubchannelDisconnectReturnsToIdle(t *testing.T) {
	ft := &fakeTransport{}
	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}
	sc := New(addr, ft, func() {})
	defer sc.Close()

	w := newWatcherRecorder()
	sc.RegisterStateWatcher(w)
	sc.Connect()
	waitFor(t, w, Ready)

	ft.mu.Lock()
	conn := ft.conns[0]
	ft.mu.Unlock()
	close(conn.disconnected)

	waitFor(t, w, Idle)
}

func TestRegisterStateWatcherDeliversCurrentStateImmediately(t *testing.T) {
	ft := &fakeTransport{}
	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}
	sc := New(addr, ft, func() {})
	defer sc.Close()

	w := newWatcherRecorder()
	sc.RegisterStateWatcher(w)
	require.Equal(t, Idle, w.last())
}

func TestPoolDeduplicatesByAddress(t *testing.T) {
	ft := &fakeTransport{}
	p := NewPool(ft)
	addr := resolver.Address{NetworkType: resolver.TCPNetworkType, Addr: "10.0.0.1:443"}

	a := p.Acquire(addr)
	b := p.Acquire(addr)
	require.Same(t, a, b)
	require.Equal(t, 1, p.Len())

	p.Release(addr)
	require.Equal(t, 1, p.Len(), "one reference remains")
	p.Release(addr)

	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
}
