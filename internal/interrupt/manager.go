/* usbshare - share physical USB devices over the network
 *
 * Manager owns one Ring+Poller pair per (device, endpoint) and is the
 * shutdown path a device's drop implementation goes through before
 * releasing its USB handle
 */

package interrupt

import (
	"sync"

	"github.com/usbshare/usbshare/internal/logger"
)

type entry struct {
	ring   *Ring
	poller *Poller
}

// Manager tracks the active interrupt pollers for every attached
// device/endpoint
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{entries: make(map[Key]*entry)}
}

// Start begins polling key's endpoint with read, creating its Ring
// with the given capacity (DefaultCapacity if <= 0) and starting its
// poller goroutine. Starting an already-started key is a no-op that
// returns the existing Ring
func (m *Manager) Start(key Key, read Reader, capacity, bufLen int, log *logger.Logger) *Ring {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		return e.ring
	}

	ring := NewRing(key.Endpoint, capacity, func(drops uint64) {
		if log != nil {
			log.Error('!', "interrupt endpoint %#x: %d reports dropped (ring overflow)", key.Endpoint, drops)
		}
	})
	poller := NewPoller(ring, read, bufLen, log)

	m.entries[key] = &entry{ring: ring, poller: poller}
	go poller.Run()

	return ring
}

// Stop stops and removes the poller for key, if any
func (m *Manager) Stop(key Key) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if ok {
		e.poller.Stop()
	}
}

// StopAll stops every active poller. The owning device manager must
// call this before releasing its USB handles
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[Key]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.poller.Stop()
	}
}

// Ring returns the Ring for key, if a poller is active for it
func (m *Manager) Ring(key Key) (*Ring, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.ring, true
}

// Pop pops the oldest report for key, if any
func (m *Manager) Pop(key Key) (Report, bool) {
	ring, ok := m.Ring(key)
	if !ok {
		return Report{}, false
	}
	return ring.Pop()
}
