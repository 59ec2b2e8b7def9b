/* usbshare - share physical USB devices over the network
 *
 * Connection manager tests
 */

package connmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/protocol"
)

type fakeConn struct{ closed int32 }

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func TestBackoffDelayGrowsAndClamps(t *testing.T) {
	if d := backoffDelay(1, time.Second, 1.5, 60*time.Second); d != time.Second {
		t.Fatalf("expected first attempt to use the initial delay, got %v", d)
	}
	if d := backoffDelay(2, time.Second, 1.5, 60*time.Second); d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s after one backoff step, got %v", d)
	}
	if d := backoffDelay(50, time.Second, 1.5, 60*time.Second); d != 60*time.Second {
		t.Fatalf("expected the delay to clamp to maxDelay, got %v", d)
	}
}

func TestAttemptTransitionsToConnectedOnSuccess(t *testing.T) {
	dial := func(ctx context.Context, target string) (Conn, error) {
		return &fakeConn{}, nil
	}
	m := NewManager(dial, nil, nil)
	m.AddTarget("peer1", protocol.EndpointID{1})

	m.mu.Lock()
	p := m.peers["peer1"]
	m.mu.Unlock()
	m.attempt(p)

	state, ok := m.State("peer1")
	if !ok || state != Connected {
		t.Fatalf("expected Connected, got %v (ok=%v)", state, ok)
	}
}

func TestAttemptTransitionsToReconnectingOnFailure(t *testing.T) {
	dial := func(ctx context.Context, target string) (Conn, error) {
		return nil, errors.New("refused")
	}
	m := NewManager(dial, nil, nil)
	m.AddTarget("peer1", protocol.EndpointID{1})

	m.mu.Lock()
	p := m.peers["peer1"]
	m.mu.Unlock()
	m.attempt(p)

	state, ok := m.State("peer1")
	if !ok || state != Reconnecting {
		t.Fatalf("expected Reconnecting, got %v (ok=%v)", state, ok)
	}

	m.mu.Lock()
	delay := p.nextDelay
	m.mu.Unlock()
	if delay != DefaultInitialDelay {
		t.Fatalf("expected the first backoff delay to equal the initial delay, got %v", delay)
	}
}

func TestAttemptRefusesEndpointNotInAllowList(t *testing.T) {
	called := false
	dial := func(ctx context.Context, target string) (Conn, error) {
		called = true
		return &fakeConn{}, nil
	}
	allowed := protocol.EndpointID{9}
	m := NewManager(dial, []protocol.EndpointID{allowed}, nil)
	other := protocol.EndpointID{1}
	m.AddTarget("peer1", other)

	m.mu.Lock()
	p := m.peers["peer1"]
	m.mu.Unlock()
	m.attempt(p)

	if called {
		t.Fatal("expected dial not to be attempted for an endpoint outside the allow-list")
	}
	state, _ := m.State("peer1")
	if state != Disconnected {
		t.Fatalf("expected the peer to remain Disconnected, got %v", state)
	}
}

func TestReconcilerInvokedOnlyAfterReconnectNotFirstConnect(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, target string) (Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("refused")
		}
		return &fakeConn{}, nil
	}
	m := NewManager(dial, nil, nil)
	m.AddTarget("peer1", protocol.EndpointID{1})

	reconciled := 0
	m.SetReconciler(func(target string, conn Conn) (int, int) {
		reconciled++
		return 1, 0
	})

	m.mu.Lock()
	p := m.peers["peer1"]
	m.mu.Unlock()

	m.attempt(p) // fails, attempt=1
	m.attempt(p) // succeeds from Reconnecting -> reconcile fires

	if reconciled != 1 {
		t.Fatalf("expected exactly one reconcile call, got %d", reconciled)
	}
}

func TestMarkDisconnectedMovesToReconnecting(t *testing.T) {
	dial := func(ctx context.Context, target string) (Conn, error) { return &fakeConn{}, nil }
	m := NewManager(dial, nil, nil)
	m.AddTarget("peer1", protocol.EndpointID{1})

	m.mu.Lock()
	p := m.peers["peer1"]
	m.mu.Unlock()
	m.attempt(p)

	m.MarkDisconnected("peer1")
	state, _ := m.State("peer1")
	if state != Reconnecting {
		t.Fatalf("expected Reconnecting after MarkDisconnected, got %v", state)
	}
}
