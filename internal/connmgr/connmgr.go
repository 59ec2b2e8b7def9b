/* usbshare - share physical USB devices over the network
 *
 * Connection manager: per-peer connect/reconnect state machine with
 * exponential backoff, driven by a single monitor task
 */

package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/protocol"
)

// State is a peer connection's current lifecycle state
type State int

// Connection states
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// String renders State for logging
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Backoff default parameters, per spec §4.I
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMultiplier   = 1.5
	DefaultMaxDelay     = 60 * time.Second
)

// Dialer opens a connection to a target; swapped out in tests
type Dialer func(ctx context.Context, target string) (Conn, error)

// Conn is the minimal surface the monitor needs from a live connection
type Conn interface {
	Close() error
}

// peer tracks one target's connection state
type peer struct {
	target   string
	endpoint protocol.EndpointID

	state      State
	attempt    int
	nextDelay  time.Duration
	lastTry    time.Time
	conn       Conn
}

// StateChange is emitted whenever a peer's State transitions
type StateChange struct {
	Target   string
	Endpoint protocol.EndpointID
	State    State
	Attempt  int
}

// Manager runs the connection monitor task over a target set, with an
// optional endpoint allow-list and exponential backoff on failure
type Manager struct {
	dial   Dialer
	log    *logger.Logger
	allow  map[protocol.EndpointID]struct{}

	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration

	mu        sync.Mutex
	peers     map[string]*peer
	changes   chan StateChange
	reconcile ReconcileFunc

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager dialing with dial. allowList, if
// non-empty, restricts which endpoint ids may be connected to
func NewManager(dial Dialer, allowList []protocol.EndpointID, log *logger.Logger) *Manager {
	m := &Manager{
		dial:         dial,
		log:          log,
		initialDelay: DefaultInitialDelay,
		multiplier:   DefaultMultiplier,
		maxDelay:     DefaultMaxDelay,
		peers:        make(map[string]*peer),
		changes:      make(chan StateChange, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if len(allowList) > 0 {
		m.allow = make(map[protocol.EndpointID]struct{}, len(allowList))
		for _, id := range allowList {
			m.allow[id] = struct{}{}
		}
	}
	return m
}

// Changes returns the channel StateChange events are delivered on
func (m *Manager) Changes() <-chan StateChange {
	return m.changes
}

// AddTarget adds target to the set the monitor keeps connected
func (m *Manager) AddTarget(target string, endpoint protocol.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[target]; ok {
		return
	}
	m.peers[target] = &peer{target: target, endpoint: endpoint, state: Disconnected}
}

// RemoveTarget drops target from the managed set, closing its
// connection if one is open
func (m *Manager) RemoveTarget(target string) {
	m.mu.Lock()
	p, ok := m.peers[target]
	if ok {
		delete(m.peers, target)
	}
	m.mu.Unlock()

	if ok && p.conn != nil {
		p.conn.Close()
	}
}

// State returns target's current connection state
func (m *Manager) State(target string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[target]
	if !ok {
		return Disconnected, false
	}
	return p.state, true
}

// Run starts the connection monitor task, attempting every interval
// to connect any target that is not Connected. It runs until Stop
func (m *Manager) Run(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go m.loop(interval)
}

func (m *Manager) loop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Stop halts the monitor task. It does not close existing connections
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// tick attempts a connection for every non-Connected target whose
// backoff has elapsed
func (m *Manager) tick() {
	m.mu.Lock()
	due := make([]*peer, 0, len(m.peers))
	now := time.Now()
	for _, p := range m.peers {
		if p.state == Connected || p.state == Connecting {
			continue
		}
		if p.attempt > 0 && now.Sub(p.lastTry) < p.nextDelay {
			continue
		}
		due = append(due, p)
	}
	m.mu.Unlock()

	for _, p := range due {
		m.attempt(p)
	}
}

// attempt dials one peer and transitions its state on success/failure
func (m *Manager) attempt(p *peer) {
	m.mu.Lock()
	if m.allow != nil {
		if _, ok := m.allow[p.endpoint]; !ok {
			m.mu.Unlock()
			return
		}
	}
	wasReconnect := p.state == Reconnecting
	p.state = Connecting
	p.attempt++
	p.lastTry = time.Now()
	m.mu.Unlock()

	m.emit(p, Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := m.dial(ctx, p.target)
	cancel()

	m.mu.Lock()
	if err != nil {
		p.state = Reconnecting
		p.nextDelay = backoffDelay(p.attempt, m.initialDelay, m.multiplier, m.maxDelay)
		m.mu.Unlock()

		if m.log != nil {
			m.log.Debug('!', "connmgr: dial %s failed (attempt %d): %s", p.target, p.attempt, err)
		}
		m.emit(p, Reconnecting)
		return
	}

	p.state = Connected
	p.conn = conn
	p.attempt = 0
	p.nextDelay = 0
	reconcile := m.reconcile
	m.mu.Unlock()

	m.emit(p, Connected)

	if wasReconnect && reconcile != nil {
		succeeded, failed := reconcile(p.target, conn)
		if m.log != nil {
			m.log.Debug('~', "connmgr: reconciled %s after reconnect: %d ok, %d failed", p.target, succeeded, failed)
		}
	}
}

// MarkDisconnected records that target's connection was lost, to be
// called by the connection's read/write loop on error
func (m *Manager) MarkDisconnected(target string) {
	m.mu.Lock()
	p, ok := m.peers[target]
	if ok {
		p.state = Reconnecting
		p.conn = nil
		p.nextDelay = backoffDelay(p.attempt+1, m.initialDelay, m.multiplier, m.maxDelay)
	}
	m.mu.Unlock()

	if ok {
		m.emit(p, Reconnecting)
	}
}

func (m *Manager) emit(p *peer, state State) {
	select {
	case m.changes <- StateChange{Target: p.target, Endpoint: p.endpoint, State: state, Attempt: p.attempt}:
	default:
	}
}

// backoffDelay computes the delay before attempt n, per
// initial * multiplier^(n-1) clamped to maxDelay
func backoffDelay(n int, initial time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if n <= 1 {
		return initial
	}
	delay := float64(initial)
	for i := 1; i < n; i++ {
		delay *= multiplier
	}
	if time.Duration(delay) > maxDelay {
		return maxDelay
	}
	return time.Duration(delay)
}

// ReconcileFunc is invoked with the freshly (re)established conn after
// a reconnect succeeds. It is responsible for fetching the server's
// current device list over conn, comparing it against the locally
// attached proxies for that server, and detaching any whose DeviceId
// is no longer present. It reports counts of successes and failures
type ReconcileFunc func(target string, conn Conn) (succeeded, failed int)

// SetReconciler registers the callback invoked after a reconnect
// (the peer was Reconnecting before this success) completes, not on
// the first connect
func (m *Manager) SetReconciler(fn ReconcileFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcile = fn
}
